package hostbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"printrestore/internal/printer"
)

// queuedCommand is published for every command the host queues
type queuedCommand struct {
	Gcode string `json:"gcode"`
	Cmd   string `json:"cmd"`
}

type sendRequest struct {
	Commands []string `json:"commands"`
}

type selectRequest struct {
	Path     string `json:"path"`
	Position int64  `json:"position"`
	Print    bool   `json:"print"`
}

type resolveRequest struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

type resolveReply struct {
	Path string `json:"path"`
}

// ack is the reply to requests that return no data. Every reply may carry
// an error field.
type ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ErrHostRejected wraps an error reported by the host in a reply
var ErrHostRejected = errors.New("host rejected request")

func decodeEvent(data []byte) (printer.Event, error) {
	var ev printer.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("failed to decode event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return ev, err
	}
	return ev, nil
}

// decodeQueued returns the command kind and raw text. A missing kind is
// taken from the first word of the command.
func decodeQueued(data []byte) (kind, raw string, err error) {
	var q queuedCommand
	if err := json.Unmarshal(data, &q); err != nil {
		return "", "", fmt.Errorf("failed to decode queued command: %w", err)
	}
	kind = q.Gcode
	if kind == "" {
		if fields := strings.Fields(q.Cmd); len(fields) > 0 {
			kind = fields[0]
		}
	}
	return kind, q.Cmd, nil
}

// decodeReply unmarshals a reply into out after checking its error field
func decodeReply(data []byte, out interface{}) error {
	var a ack
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("failed to decode reply: %w", err)
	}
	if a.Error != "" {
		return fmt.Errorf("%w: %s", ErrHostRejected, a.Error)
	}
	if out == nil {
		if !a.OK {
			return fmt.Errorf("%w: not acknowledged", ErrHostRejected)
		}
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode reply: %w", err)
	}
	return nil
}
