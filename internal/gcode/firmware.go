package gcode

import (
	"regexp"
	"strings"
)

// Fields of an M115 firmware identification reply
const (
	FieldFirmwareName  = "FIRMWARE_NAME"
	FieldMachineType   = "MACHINE_TYPE"
	FieldExtruderCount = "EXTRUDER_COUNT"
)

var firmwareKey = regexp.MustCompile(`(?:^|\s)([A-Z][A-Z0-9_]+):`)

// ParseFirmwareInfo splits an M115 reply such as
//
//	FIRMWARE_NAME:Marlin 2.0.9 PROTOCOL_VERSION:1.0 MACHINE_TYPE:Julia 2018 Pro Single EXTRUDER_COUNT:1
//
// into its fields. ok is false for any other line.
func ParseFirmwareInfo(line string) (map[string]string, bool) {
	if !strings.Contains(line, FieldFirmwareName+":") {
		return nil, false
	}

	matches := firmwareKey.FindAllStringSubmatchIndex(line, -1)
	if len(matches) == 0 {
		return nil, false
	}

	info := make(map[string]string, len(matches))
	for i, m := range matches {
		key := line[m[2]:m[3]]
		end := len(line)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		info[key] = strings.TrimSpace(line[m[1]:end])
	}

	if _, ok := info[FieldFirmwareName]; !ok {
		return nil, false
	}
	return info, true
}

// normalizeVariant maps "Julia 2018 Pro-Single" and "JULIA_2018_PRO_SINGLE"
// to the same code
func normalizeVariant(v string) string {
	v = strings.ToUpper(strings.TrimSpace(v))
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return '_'
		}
		return r
	}, v)
}
