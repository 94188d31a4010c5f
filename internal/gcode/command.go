package gcode

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ExtractionError reports a command line that could not be read
type ExtractionError struct {
	Kind   string
	Raw    string
	Reason string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("cannot extract %s from %q: %s", e.Kind, e.Raw, e.Reason)
}

// NormalizeKind upper-cases a command word and drops leading zeros from its
// number, so "g01" and "G1" compare equal. Parameters written without a
// space ("G1X10") are cut off.
func NormalizeKind(kind string) string {
	kind = strings.ToUpper(strings.TrimSpace(kind))
	if len(kind) < 2 {
		return kind
	}

	letter, rest := kind[:1], kind[1:]
	n := 0
	for n < len(rest) && (isDigit(rest[n]) || rest[n] == '.') {
		n++
	}
	if n == 0 {
		return kind
	}

	trimmed := strings.TrimLeft(rest[:n], "0")
	if trimmed == "" || trimmed[0] == '.' {
		trimmed = "0" + trimmed
	}
	return letter + trimmed
}

// Words splits a raw command into its parameter words, keyed by letter.
// A word starts at every letter, so "G1X10Y20" and "G1 X10 Y20" read the
// same. Comments after ';' and a trailing '*checksum' are ignored, as is the
// leading command word and any line number.
func Words(raw string) map[byte]string {
	if i := strings.IndexByte(raw, ';'); i >= 0 {
		raw = raw[:i]
	}
	if i := strings.IndexByte(raw, '*'); i >= 0 {
		raw = raw[:i]
	}

	type word struct {
		letter byte
		value  string
	}
	var split []word
	for i := 0; i < len(raw); {
		letter := upper(raw[i])
		if !isLetter(letter) {
			i++
			continue
		}
		j := i + 1
		for j < len(raw) && !isLetter(upper(raw[j])) && !isSpace(raw[j]) {
			j++
		}
		split = append(split, word{letter: letter, value: raw[i+1 : j]})
		i = j
	}

	start := 0
	if len(split) > 0 && split[0].letter == 'N' {
		start = 1
	}
	if len(split) > start {
		start++ // command word
	}

	words := make(map[byte]string, len(split))
	for _, w := range split[start:] {
		if _, seen := words[w.letter]; seen {
			continue
		}
		words[w.letter] = w.value
	}
	return words
}

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - ('a' - 'A')
	}
	return c
}

func isLetter(c byte) bool { return c >= 'A' && c <= 'Z' }

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\r' || c == '\n' }

// parseNumber accepts finite decimal values only
func parseNumber(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// FormatNumber renders a value the way it is written back into gcode
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
