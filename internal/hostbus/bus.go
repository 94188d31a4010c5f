// Package hostbus connects the companion to its printer host over NATS:
// lifecycle events and command hooks come in on subscriptions, telemetry
// and command injection go out as requests.
package hostbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"printrestore/internal/config"
	"printrestore/internal/printer"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Handler receives the host's hooks
type Handler interface {
	HandleEvent(ctx context.Context, ev printer.Event) error
	OnCommandQueued(kind, raw string)
	OnLineReceived(line string) string
}

// Bus implements printer.Host and printer.FileResolver over NATS
type Bus struct {
	nc       *nats.Conn
	subjects Subjects
	timeout  time.Duration
	logger   *zap.Logger
	publish  func(subject string, data []byte) error

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect dials the NATS server named in cfg
func Connect(cfg config.HostConfig, logger *zap.Logger) (*Bus, error) {
	logger = logger.With(zap.String("component", "hostbus"))

	nc, err := nats.Connect(cfg.NatsURL,
		nats.Name("printrestore"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("Disconnected from NATS", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Bus{
		nc:       nc,
		subjects: NewSubjects(cfg.SubjectPrefix),
		timeout:  cfg.Timeout(),
		logger:   logger,
		publish:  nc.Publish,
	}, nil
}

// Subscribe delivers host hooks to h until Close
func (b *Bus) Subscribe(h Handler) error {
	handlers := b.handlers(h)

	b.mu.Lock()
	defer b.mu.Unlock()

	for subject, handler := range handlers {
		sub, err := b.nc.Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		b.subs = append(b.subs, sub)
	}

	b.logger.Info("Subscribed to printer host", zap.String("events", b.subjects.Events))
	return nil
}

// handlers routes each inbound subject to h. Received lines are echoed to
// the reply subject when the host asks for one.
func (b *Bus) handlers(h Handler) map[string]nats.MsgHandler {
	return map[string]nats.MsgHandler{
		b.subjects.Events: func(msg *nats.Msg) {
			ev, err := decodeEvent(msg.Data)
			if err != nil {
				b.logger.Warn("Dropping host event", zap.Error(err))
				return
			}
			if err := h.HandleEvent(context.Background(), ev); err != nil {
				b.logger.Error("Failed to handle host event", zap.String("event", string(ev.Type)), zap.Error(err))
			}
		},
		b.subjects.CommandsQueued: func(msg *nats.Msg) {
			kind, raw, err := decodeQueued(msg.Data)
			if err != nil {
				b.logger.Debug("Dropping queued command", zap.Error(err))
				return
			}
			h.OnCommandQueued(kind, raw)
		},
		b.subjects.LinesReceived: func(msg *nats.Msg) {
			line := h.OnLineReceived(string(msg.Data))
			if msg.Reply != "" {
				if err := b.publish(msg.Reply, []byte(line)); err != nil {
					b.logger.Warn("Failed to echo received line", zap.Error(err))
				}
			}
		},
	}
}

// request sends req and decodes the reply into out. out may be nil for
// requests answered with a bare ack.
func (b *Bus) request(ctx context.Context, subject string, req, out interface{}) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	var data []byte
	if req != nil {
		var err error
		if data, err = json.Marshal(req); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	msg, err := b.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", subject, err)
	}
	return decodeReply(msg.Data, out)
}

// Temperatures implements printer.Host
func (b *Bus) Temperatures(ctx context.Context) (printer.Temperatures, error) {
	var t printer.Temperatures
	err := b.request(ctx, b.subjects.Temperatures, nil, &t)
	return t, err
}

// CurrentJob implements printer.Host
func (b *Bus) CurrentJob(ctx context.Context) (printer.JobInfo, error) {
	var j printer.JobInfo
	err := b.request(ctx, b.subjects.Job, nil, &j)
	return j, err
}

// State implements printer.Host
func (b *Bus) State(ctx context.Context) (printer.State, error) {
	var s printer.State
	err := b.request(ctx, b.subjects.State, nil, &s)
	return s, err
}

// SendCommands implements printer.Host
func (b *Bus) SendCommands(ctx context.Context, commands []string) error {
	return b.request(ctx, b.subjects.CommandsSend, sendRequest{Commands: commands}, nil)
}

// SelectFile implements printer.Host
func (b *Bus) SelectFile(ctx context.Context, path string, position int64, print bool) error {
	return b.request(ctx, b.subjects.JobSelect, selectRequest{Path: path, Position: position, Print: print}, nil)
}

// ResolvePathOnDisk implements printer.FileResolver by asking the host
func (b *Bus) ResolvePathOnDisk(ctx context.Context, namespace, name string) (string, error) {
	var r resolveReply
	if err := b.request(ctx, b.subjects.FilesResolve, resolveRequest{Namespace: namespace, Name: name}, &r); err != nil {
		return "", err
	}
	if r.Path == "" {
		return "", fmt.Errorf("%w: empty path for %s/%s", ErrHostRejected, namespace, name)
	}
	return r.Path, nil
}

// Connected reports whether the NATS connection is up
func (b *Bus) Connected() bool {
	return b.nc.IsConnected()
}

// Close drains subscriptions and closes the connection
func (b *Bus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}
