// Package printer declares the collaborators the recovery core talks to:
// the printer host (telemetry, command injection, job selection), job file
// resolution, and the host's lifecycle events.
package printer

import (
	"context"
	"fmt"
)

// Heater holds a heater's target temperature
type Heater struct {
	Target float64 `json:"target"`
}

// Temperatures is a telemetry snapshot. Tool1 is nil when the printer has
// no second tool or its target is unknown.
type Temperatures struct {
	Tool0 Heater  `json:"tool0"`
	Tool1 *Heater `json:"tool1,omitempty"`
	Bed   Heater  `json:"bed"`
}

// JobInfo describes the job the host is streaming. FilePosition is nil
// when the host has no usable byte offset.
type JobInfo struct {
	FileName     string `json:"fileName"`
	FilePosition *int64 `json:"filePos"`
	FilePath     string `json:"path"`
}

// State reports whether the host is busy with a job
type State struct {
	Printing bool `json:"printing"`
	Paused   bool `json:"paused"`
}

// Busy reports whether a job is printing or paused
func (s State) Busy() bool {
	return s.Printing || s.Paused
}

// Host is the printer host the companion is attached to
type Host interface {
	Temperatures(ctx context.Context) (Temperatures, error)
	CurrentJob(ctx context.Context) (JobInfo, error)
	State(ctx context.Context) (State, error)
	// SendCommands queues commands in order on the printer's command stream
	SendCommands(ctx context.Context, commands []string) error
	// SelectFile selects a job file and optionally starts printing it at
	// the given byte offset
	SelectFile(ctx context.Context, path string, position int64, print bool) error
}

// FileResolver maps a stored job file to a path the host can open
type FileResolver interface {
	ResolvePathOnDisk(ctx context.Context, namespace, name string) (string, error)
}

// EventType is a host lifecycle event
type EventType string

// Host events, named as the host publishes them
const (
	EventConnected      EventType = "Connected"
	EventDisconnected   EventType = "Disconnected"
	EventPrintStarted   EventType = "PrintStarted"
	EventPrintResumed   EventType = "PrintResumed"
	EventPrintPaused    EventType = "PrintPaused"
	EventPrintDone      EventType = "PrintDone"
	EventPrintFailed    EventType = "PrintFailed"
	EventPrintCancelled EventType = "PrintCancelled"
	EventToolChange     EventType = "ToolChange"
)

// Event is one lifecycle notification. Tool is set for EventToolChange.
type Event struct {
	Type EventType `json:"type"`
	Tool int       `json:"tool,omitempty"`
}

// Validate rejects unknown event types
func (e Event) Validate() error {
	switch e.Type {
	case EventConnected, EventDisconnected, EventPrintStarted, EventPrintResumed,
		EventPrintPaused, EventPrintDone, EventPrintFailed, EventPrintCancelled:
		return nil
	case EventToolChange:
		if e.Tool < 0 {
			return fmt.Errorf("tool index cannot be negative: %d", e.Tool)
		}
		return nil
	}
	return fmt.Errorf("unknown event type %q", e.Type)
}
