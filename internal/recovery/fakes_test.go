package recovery

import (
	"context"
	"sync"
	"time"

	"printrestore/internal/checkpoint"
	"printrestore/internal/config"
	"printrestore/internal/printer"
)

// fakeHost implements printer.Host. Every sent command and file selection
// is appended to calls in order.
type fakeHost struct {
	mu    sync.Mutex
	calls []string

	state printer.State
	temps printer.Temperatures
	job   printer.JobInfo

	sendFunc   func(commands []string) error
	selectFunc func(path string, position int64, print bool) error
	stateErr   error
}

func newFakeHost() *fakeHost {
	pos := int64(4096)
	return &fakeHost{
		temps: printer.Temperatures{
			Tool0: printer.Heater{Target: 200},
			Bed:   printer.Heater{Target: 60},
		},
		job: printer.JobInfo{FileName: "cube.gcode", FilePosition: &pos, FilePath: "cube.gcode"},
	}
}

func (h *fakeHost) Temperatures(ctx context.Context) (printer.Temperatures, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.temps, nil
}

func (h *fakeHost) CurrentJob(ctx context.Context) (printer.JobInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.job, nil
}

func (h *fakeHost) State(ctx context.Context) (printer.State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, h.stateErr
}

func (h *fakeHost) SendCommands(ctx context.Context, commands []string) error {
	if h.sendFunc != nil {
		if err := h.sendFunc(commands); err != nil {
			return err
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, commands...)
	return nil
}

func (h *fakeHost) SelectFile(ctx context.Context, path string, position int64, print bool) error {
	if h.selectFunc != nil {
		if err := h.selectFunc(path, position, print); err != nil {
			return err
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "select "+path)
	return nil
}

func (h *fakeHost) setState(s printer.State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *fakeHost) setFilePos(pos int64) {
	h.mu.Lock()
	h.job.FilePosition = &pos
	h.mu.Unlock()
}

func (h *fakeHost) sent() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

// fakeResolver maps every name to /jobs/<namespace>/<name>
type fakeResolver struct {
	err error
}

func (r *fakeResolver) ResolvePathOnDisk(ctx context.Context, namespace, name string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return "/jobs/" + namespace + "/" + name, nil
}

// fakeTicker fires only when the test calls fire
type fakeTicker struct {
	mu       sync.Mutex
	interval time.Duration
	fn       func()
	started  bool
	stopped  bool
}

func (t *fakeTicker) Start() {
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
}

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTicker) fire() {
	t.mu.Lock()
	running := t.started && !t.stopped
	t.mu.Unlock()
	if running {
		t.fn()
	}
}

type tickerSpy struct {
	mu      sync.Mutex
	tickers []*fakeTicker
}

func (s *tickerSpy) factory(interval time.Duration, fn func()) (Ticker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTicker{interval: interval, fn: fn}
	s.tickers = append(s.tickers, t)
	return t, nil
}

func (s *tickerSpy) last() *fakeTicker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tickers) == 0 {
		return nil
	}
	return s.tickers[len(s.tickers)-1]
}

func (s *tickerSpy) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickers)
}

// memSettings is an in-memory config.SettingsStore
type memSettings struct {
	mu       sync.Mutex
	settings config.Settings
	saves    int
}

func (s *memSettings) Load() (config.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings, nil
}

func (s *memSettings) Save(settings config.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	s.saves++
	return nil
}

func (s *memSettings) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// memJournal is an in-memory checkpoint.Journal
type memJournal struct {
	mu       sync.Mutex
	attempts []*checkpoint.Attempt
}

func (j *memJournal) RecordAttempt(a *checkpoint.Attempt) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attempts = append(j.attempts, a)
	return nil
}

func (j *memJournal) ListAttempts(limit int) ([]*checkpoint.Attempt, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*checkpoint.Attempt, 0, len(j.attempts))
	for i := len(j.attempts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, j.attempts[i])
	}
	return out, nil
}

func (j *memJournal) Close() error { return nil }

func int64p(v int64) *int64       { return &v }
func float64p(v float64) *float64 { return &v }
