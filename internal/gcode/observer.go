// Package gcode derives printer state from the outbound command stream.
package gcode

import (
	"strconv"
	"sync"

	"printrestore/internal/checkpoint"
)

var motionAxes = []struct {
	letter byte
	key    string
}{
	{'X', checkpoint.AxisX},
	{'Y', checkpoint.AxisY},
	{'Z', checkpoint.AxisZ},
	{'E', checkpoint.AxisE},
	{'F', checkpoint.AxisF},
}

// Session is a point-in-time copy of the observed state
type Session struct {
	Position checkpoint.Position
	ZOffset  float64
	Babystep bool
}

// Observer accumulates position, fan, tool and babystep state from commands
// sent to the printer. All methods are safe for concurrent use.
type Observer struct {
	mu       sync.Mutex
	active   bool
	position checkpoint.Position
	zOffset  float64
	babystep bool
	variants map[string]struct{}
}

// NewObserver creates an inactive observer. variants is the allow-list of
// firmware machine types that support babystepping.
func NewObserver(variants []string) *Observer {
	o := &Observer{
		position: checkpoint.Position{},
		variants: make(map[string]struct{}, len(variants)),
	}
	for _, v := range variants {
		o.variants[normalizeVariant(v)] = struct{}{}
	}
	return o
}

// Start activates observation. reset clears the accumulated state first.
func (o *Observer) Start(reset bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if reset {
		o.position = checkpoint.Position{}
		o.zOffset = 0
	}
	o.active = true
}

// Stop deactivates observation and keeps the accumulated state
func (o *Observer) Stop() {
	o.mu.Lock()
	o.active = false
	o.mu.Unlock()
}

// Active reports whether commands are being recorded
func (o *Observer) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Seed replaces the accumulated state, used after a recovery replay
func (o *Observer) Seed(position checkpoint.Position, zOffset float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.position = position.Clone()
	o.zOffset = zOffset
}

// Observe records one outbound command. It is a no-op while inactive. A
// malformed command is rejected as a whole with *ExtractionError.
func (o *Observer) Observe(kind, raw string) error {
	if !o.Active() {
		return nil
	}

	kind = NormalizeKind(kind)
	switch kind {
	case "G0", "G1":
		return o.observeMotion(kind, raw)
	case "M106":
		return o.observeFanOn(kind, raw)
	case "M107":
		o.apply(map[string]string{checkpoint.AxisFan: "0"}, 0)
		return nil
	case "M290":
		return o.observeBabystep(kind, raw)
	}
	return nil
}

func (o *Observer) observeMotion(kind, raw string) error {
	words := Words(raw)
	delta := make(map[string]string, len(motionAxes))

	for _, axis := range motionAxes {
		v, ok := words[axis.letter]
		if !ok {
			continue
		}
		if _, ok := parseNumber(v); !ok {
			return &ExtractionError{Kind: kind, Raw: raw, Reason: "bad " + axis.key + " value " + strconv.Quote(v)}
		}
		delta[axis.key] = v
	}

	o.apply(delta, 0)
	return nil
}

func (o *Observer) observeFanOn(kind, raw string) error {
	v, ok := Words(raw)['S']
	if !ok {
		return nil
	}
	if _, ok := parseNumber(v); !ok {
		return &ExtractionError{Kind: kind, Raw: raw, Reason: "bad S value " + strconv.Quote(v)}
	}

	o.apply(map[string]string{checkpoint.AxisFan: v}, 0)
	return nil
}

func (o *Observer) observeBabystep(kind, raw string) error {
	v, ok := Words(raw)['Z']
	if !ok {
		return nil
	}
	step, ok := parseNumber(v)
	if !ok {
		return &ExtractionError{Kind: kind, Raw: raw, Reason: "bad Z value " + strconv.Quote(v)}
	}

	o.apply(nil, step)
	return nil
}

// apply commits one command's changes under a single lock so a snapshot
// never sees half of a command
func (o *Observer) apply(delta map[string]string, zStep float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.active {
		return
	}
	for k, v := range delta {
		o.position[k] = v
	}
	o.zOffset += zStep
}

// ToolChanged records the newly active tool
func (o *Observer) ToolChanged(index int) {
	o.apply(map[string]string{checkpoint.AxisTool: strconv.Itoa(index)}, 0)
}

// Snapshot copies the current state. ZOffset is zero unless babystepping is
// enabled.
func (o *Observer) Snapshot() Session {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Session{
		Position: o.position.Clone(),
		Babystep: o.babystep,
	}
	if o.babystep {
		s.ZOffset = o.zOffset
	}
	return s
}

// SetBabystep overrides the babystep capability flag
func (o *Observer) SetBabystep(enabled bool) {
	o.mu.Lock()
	o.babystep = enabled
	o.mu.Unlock()
}

// Babystep reports the babystep capability flag
func (o *Observer) Babystep() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.babystep
}

// ObserveLine inspects a line received from the printer. When it is a
// firmware identification reply, the babystep flag is re-derived;
// changed reports whether the flag flipped.
func (o *Observer) ObserveLine(line string) (enabled, changed bool) {
	info, ok := ParseFirmwareInfo(line)
	if !ok {
		return o.Babystep(), false
	}

	_, enabled = o.variants[normalizeVariant(info[FieldMachineType])]

	o.mu.Lock()
	defer o.mu.Unlock()
	changed = o.babystep != enabled
	o.babystep = enabled
	return enabled, changed
}
