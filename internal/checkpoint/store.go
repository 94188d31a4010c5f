package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// NoFile is the sentinel file name meaning "no active job"
const NoFile = "None"

// Axis keys used in Position
const (
	AxisX    = "X"
	AxisY    = "Y"
	AxisZ    = "Z"
	AxisE    = "E"
	AxisF    = "F"
	AxisFan  = "FAN"
	AxisTool = "T"
)

// Checkpoint is the persisted recovery artifact
type Checkpoint struct {
	FileName    string   `json:"fileName"`
	FilePos     *int64   `json:"filePos"`
	Path        string   `json:"path"`
	BedTarget   float64  `json:"bedTarget"`
	Tool0Target float64  `json:"tool0Target"`
	Tool1Target *float64 `json:"tool1Target,omitempty"`
	Position    Position `json:"position"`
	Babystep    float64  `json:"babystep"`
}

// Position maps an axis key to its last observed value, kept as text
type Position map[string]string

// Clone returns an independent copy
func (p Position) Clone() Position {
	out := make(Position, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Float parses the value stored under key
func (p Position) Float(key string) (float64, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// MarshalJSON writes FAN and T as numbers, everything else as strings
func (p Position) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(k)
		buf.Write(key)
		buf.WriteByte(':')

		v := p[k]
		if (k == AxisFan || k == AxisTool) && json.Valid([]byte(v)) && isNumber(v) {
			buf.WriteString(v)
			continue
		}
		val, _ := json.Marshal(v)
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts string or number values for every key
func (p *Position) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := make(Position, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		var n json.Number
		if err := json.Unmarshal(v, &n); err != nil {
			return fmt.Errorf("position %s: expected string or number", k)
		}
		out[k] = n.String()
	}
	*p = out
	return nil
}

func isNumber(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

// Usable reports whether a sample is complete enough to replace a stored
// checkpoint
func (c *Checkpoint) Usable() bool {
	if c == nil || c.FilePos == nil || *c.FilePos < 0 {
		return false
	}
	_, ok := c.Position[AxisZ]
	return ok
}

// Restorable returns nil when the checkpoint can drive a recovery replay
func (c *Checkpoint) Restorable() error {
	switch {
	case c == nil:
		return fmt.Errorf("%w: empty checkpoint", ErrInvalidCheckpoint)
	case c.FileName == NoFile:
		return fmt.Errorf("%w: no active job recorded", ErrInvalidCheckpoint)
	case c.FileName == "":
		return fmt.Errorf("%w: missing file name", ErrInvalidCheckpoint)
	case c.FilePos == nil:
		return fmt.Errorf("%w: missing file position", ErrInvalidCheckpoint)
	}
	if _, ok := c.Position.Float(AxisZ); !ok {
		return fmt.Errorf("%w: missing Z position", ErrInvalidCheckpoint)
	}
	return nil
}

// ErrNotFound is returned by Read when no checkpoint exists
var ErrNotFound = errors.New("checkpoint not found")

// ErrInvalidCheckpoint marks a checkpoint that must not be restored
var ErrInvalidCheckpoint = errors.New("invalid checkpoint")

// IOError reports a failed disk operation
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("checkpoint %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ParseError reports checkpoint content that is present but unusable
type ParseError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("checkpoint %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("checkpoint %s: %s", e.Path, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Store defines the interface for checkpoint persistence
type Store interface {
	// Write commits cp atomically. It reports false without error when the
	// sample was skipped.
	Write(cp *Checkpoint) (bool, error)
	Read() (*Checkpoint, error)
	Exists() bool
	Delete() error
	Path() string
}

// AttemptStatus is the outcome recorded for a restore attempt
type AttemptStatus string

// Attempt is one restore attempt in the journal
type Attempt struct {
	ID        string        `json:"id"`
	ReplayID  string        `json:"replayId,omitempty"`
	FileName  string        `json:"fileName"`
	FilePos   int64         `json:"filePos"`
	Status    AttemptStatus `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Journal keeps a history of restore attempts
type Journal interface {
	RecordAttempt(attempt *Attempt) error
	ListAttempts(limit int) ([]*Attempt, error)
	Close() error
}
