// Package recovery decides when checkpoints are taken and drives the
// replay that resumes an interrupted print.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"printrestore/internal/checkpoint"
	"printrestore/internal/config"
	"printrestore/internal/gcode"
	"printrestore/internal/metrics"
	"printrestore/internal/printer"
	"printrestore/internal/progress"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State of the recovery state machine
type State string

const (
	StateIdle      State = "idle"
	StateObserving State = "observing"
	StateReplaying State = "replaying"
)

// RestoreStatus is the stable outcome code of a restore request
type RestoreStatus string

const (
	StatusPrinterBusy       RestoreStatus = "printer_busy"
	StatusNoCheckpoint      RestoreStatus = "no_checkpoint"
	StatusInvalidCheckpoint RestoreStatus = "invalid_checkpoint"
	StatusReplayInProgress  RestoreStatus = "replay_in_progress"
	StatusRestored          RestoreStatus = "restored"
	StatusRestoreFailed     RestoreStatus = "restore_failed"
	StatusDiscarded         RestoreStatus = "discarded"
)

var statusMessages = map[RestoreStatus]string{
	StatusPrinterBusy:       "Printer is already printing",
	StatusNoCheckpoint:      "Error: Could not restore, no progress file exists",
	StatusInvalidCheckpoint: "Error: Could not restore",
	StatusReplayInProgress:  "Error: Restore already in progress",
	StatusRestored:          "Successfully Restored",
	StatusRestoreFailed:     "Error: Could not restore",
	StatusDiscarded:         "Progress file discarded",
}

// Message returns the human-readable text for the status
func (s RestoreStatus) Message() string {
	return statusMessages[s]
}

// RestoreResult is returned for every restore request
type RestoreResult struct {
	Status   RestoreStatus `json:"code"`
	Message  string        `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	FileName string        `json:"file,omitempty"`
	ReplayID string        `json:"replayId,omitempty"`
}

// Recoverability statuses, as reported to clients
const (
	RecoverPrinterBusy = "Printer is already printing"
	RecoverDetected    = "failureDetected"
	RecoverNone        = "noFailureDetected"
)

// Recoverability answers whether a restore is possible right now
type Recoverability struct {
	Status        string `json:"status"`
	HasCheckpoint bool   `json:"hasCheckpoint"`
	CanRestore    bool   `json:"canRestore"`
	FileName      string `json:"file,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Status is a snapshot of the state machine for operators
type Status struct {
	State          State           `json:"state"`
	Enabled        bool            `json:"enabled"`
	Observing      bool            `json:"observing"`
	WriteInFlight  bool            `json:"writeInFlight"`
	ReplayInFlight bool            `json:"replayInFlight"`
	ReplayID       string          `json:"replayId,omitempty"`
	Babystep       bool            `json:"babystep"`
	HasCheckpoint  bool            `json:"hasCheckpoint"`
	Progress       progress.Status `json:"progress"`
}

// Deps are the collaborators a Manager needs. Journal may be nil.
type Deps struct {
	Host          printer.Host
	Store         checkpoint.Store
	Journal       checkpoint.Journal
	Settings      config.SettingsStore
	Observer      *gcode.Observer
	Sequencer     *Sequencer
	Metrics       *metrics.Collector
	NewTicker     TickerFactory
	SettleTimeout time.Duration
	ReplayTimeout time.Duration
}

// Manager is the recovery state machine for one printer connection
type Manager struct {
	host          printer.Host
	store         checkpoint.Store
	journal       checkpoint.Journal
	settingsStore config.SettingsStore
	observer      *gcode.Observer
	sequencer     *Sequencer
	metrics       *metrics.Collector
	newTicker     TickerFactory
	settleTimeout time.Duration
	replayTimeout time.Duration
	logger        *zap.Logger

	// Read by ticks, which never take mu
	observing      atomic.Bool
	writeInFlight  atomic.Bool
	replayInFlight atomic.Bool
	interval       atomic.Int64

	mu            sync.Mutex
	state         State
	settings      config.Settings
	ticker        Ticker
	replayID      string
	replayCP      *checkpoint.Checkpoint
	settleTimer   *time.Timer
	deferredStart bool
	restored      *checkpoint.Checkpoint
}

// NewManager loads the stored settings and returns an idle manager
func NewManager(deps Deps, logger *zap.Logger) (*Manager, error) {
	settings, err := deps.Settings.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	m := &Manager{
		host:          deps.Host,
		store:         deps.Store,
		journal:       deps.Journal,
		settingsStore: deps.Settings,
		observer:      deps.Observer,
		sequencer:     deps.Sequencer,
		metrics:       deps.Metrics,
		newTicker:     deps.NewTicker,
		settleTimeout: deps.SettleTimeout,
		replayTimeout: deps.ReplayTimeout,
		logger:        logger.With(zap.String("component", "recovery")),
		state:         StateIdle,
		settings:      settings,
	}
	if m.settleTimeout <= 0 {
		m.settleTimeout = 15 * time.Minute
	}
	if m.replayTimeout <= 0 {
		m.replayTimeout = 10 * time.Minute
	}
	m.interval.Store(int64(settings.Interval()))
	m.observer.SetBabystep(settings.Babystep())

	return m, nil
}

// HandleEvent reacts to a host lifecycle event
func (m *Manager) HandleEvent(ctx context.Context, ev printer.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	if ev.Type == printer.EventConnected {
		m.onConnected(ctx)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.settings.Enabled {
		m.logger.Debug("Ignoring event, recovery disabled", zap.String("event", string(ev.Type)))
		return nil
	}

	switch ev.Type {
	case printer.EventPrintStarted, printer.EventPrintResumed:
		if m.replayInFlight.Load() {
			// The replay's own file selection fires these
			m.deferredStart = true
			m.logger.Debug("Deferring start until replay settles", zap.String("event", string(ev.Type)))
			return nil
		}
		if cp := m.restored; cp != nil {
			m.restored = nil
			m.observer.Seed(cp.Position, cp.Babystep)
			m.metrics.StartJob(cp.FileName, *cp.FilePos)
			return m.startObservingLocked(false)
		}
		if ev.Type == printer.EventPrintStarted {
			if err := m.store.Delete(); err != nil {
				m.logger.Warn("Failed to delete stale checkpoint", zap.Error(err))
			}
			m.metrics.StartJob("", 0)
			return m.startObservingLocked(true)
		}
		return m.startObservingLocked(false)

	case printer.EventPrintPaused:
		m.stopObservingLocked()

	case printer.EventPrintFailed, printer.EventPrintCancelled:
		m.stopObservingLocked()
		m.restored = nil

	case printer.EventPrintDone:
		m.stopObservingLocked()
		m.restored = nil
		if err := m.store.Delete(); err != nil {
			m.logger.Warn("Failed to delete checkpoint after job finished", zap.Error(err))
		}

	case printer.EventDisconnected:
		m.stopObservingLocked()
		m.restored = nil

	case printer.EventToolChange:
		m.observer.ToolChanged(ev.Tool)
	}

	return nil
}

func (m *Manager) onConnected(ctx context.Context) {
	settings := m.Settings()
	if !settings.Enabled || !settings.AutoRestore || !m.store.Exists() {
		return
	}

	m.logger.Info("Checkpoint found on connect, restoring automatically")
	res := m.Restore(ctx, true)
	if res.Status != StatusRestored {
		m.logger.Warn("Automatic restore did not run",
			zap.String("status", string(res.Status)),
			zap.String("reason", res.Reason),
		)
	}
}

// startObservingLocked must be called with mu held
func (m *Manager) startObservingLocked(reset bool) error {
	m.observer.Start(reset)
	m.observing.Store(true)
	m.state = StateObserving

	if m.ticker != nil {
		return nil
	}
	t, err := m.newTicker(m.settings.Interval(), m.tick)
	if err != nil {
		m.observing.Store(false)
		m.observer.Stop()
		m.state = StateIdle
		return fmt.Errorf("failed to start checkpoint ticker: %w", err)
	}
	m.ticker = t
	t.Start()

	m.logger.Info("Observing print", zap.Bool("reset", reset), zap.Int("interval_seconds", m.settings.IntervalSeconds))
	return nil
}

// stopObservingLocked must be called with mu held. It returns once any
// running tick has finished.
func (m *Manager) stopObservingLocked() {
	m.observing.Store(false)
	m.observer.Stop()
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
		m.logger.Info("Stopped observing print",
			zap.String("progress", m.metrics.GetProgressTracker().GetStatus().Summary()))
	}
	if m.state == StateObserving {
		m.state = StateIdle
	}
}

// tick takes one checkpoint. Failures are logged and never propagate.
func (m *Manager) tick() {
	if !m.observing.Load() || m.replayInFlight.Load() {
		return
	}
	if !m.writeInFlight.CompareAndSwap(false, true) {
		m.metrics.IncSkipped("in_flight")
		return
	}
	defer m.writeInFlight.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(m.interval.Load()))
	defer cancel()

	cp, err := m.sample(ctx)
	if err != nil {
		m.metrics.IncSkipped("host_error")
		m.logger.Warn("Failed to sample printer state", zap.Error(err))
		return
	}

	start := time.Now()
	written, err := m.store.Write(cp)
	if err != nil {
		m.metrics.IncFailed()
		m.logger.Error("Failed to write checkpoint", zap.Error(err))
		return
	}
	if !written {
		m.metrics.IncSkipped("incomplete")
		return
	}

	m.metrics.ObserveWriteDuration(time.Since(start))
	m.metrics.IncCommitted(cp.FileName, *cp.FilePos)
}

// sample projects host telemetry and observed state into a checkpoint
func (m *Manager) sample(ctx context.Context) (*checkpoint.Checkpoint, error) {
	temps, err := m.host.Temperatures(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read temperatures: %w", err)
	}
	job, err := m.host.CurrentJob(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read current job: %w", err)
	}

	session := m.observer.Snapshot()

	cp := &checkpoint.Checkpoint{
		FileName:    job.FileName,
		FilePos:     job.FilePosition,
		Path:        job.FilePath,
		BedTarget:   math.Max(0, temps.Bed.Target),
		Tool0Target: math.Max(0, temps.Tool0.Target),
		Position:    session.Position,
		Babystep:    session.ZOffset,
	}
	if cp.FileName == "" {
		cp.FileName = checkpoint.NoFile
	}
	if temps.Tool1 != nil {
		t := math.Max(0, temps.Tool1.Target)
		cp.Tool1Target = &t
	}
	return cp, nil
}

// Restore replays the stored checkpoint when intent is true and discards it
// otherwise
func (m *Manager) Restore(ctx context.Context, intent bool) RestoreResult {
	res, cp := m.restore(ctx, intent)
	if res.Message == "" {
		res.Message = res.Status.Message()
	}
	m.record(res, cp)
	return res
}

func (m *Manager) restore(ctx context.Context, intent bool) (RestoreResult, *checkpoint.Checkpoint) {
	st, err := m.host.State(ctx)
	if err != nil {
		return RestoreResult{Status: StatusRestoreFailed, Reason: fmt.Sprintf("failed to query printer state: %v", err)}, nil
	}
	if st.Busy() {
		return RestoreResult{Status: StatusPrinterBusy}, nil
	}

	if !intent {
		m.mu.Lock()
		m.restored = nil
		m.mu.Unlock()
		if err := m.store.Delete(); err != nil {
			return RestoreResult{Status: StatusRestoreFailed, Reason: err.Error()}, nil
		}
		return RestoreResult{Status: StatusDiscarded}, nil
	}

	m.mu.Lock()
	if m.replayInFlight.Load() {
		id := m.replayID
		m.mu.Unlock()
		return RestoreResult{Status: StatusReplayInProgress, ReplayID: id}, nil
	}

	cp, err := m.store.Read()
	if err != nil {
		m.mu.Unlock()
		if errors.Is(err, checkpoint.ErrNotFound) {
			return RestoreResult{Status: StatusNoCheckpoint}, nil
		}
		return RestoreResult{Status: StatusInvalidCheckpoint, Reason: err.Error()}, nil
	}
	if err := cp.Restorable(); err != nil {
		m.mu.Unlock()
		return RestoreResult{Status: StatusInvalidCheckpoint, Reason: err.Error(), FileName: cp.FileName}, cp
	}

	replayID := uuid.NewString()
	m.beginReplayLocked(replayID, cp)
	m.mu.Unlock()

	m.logger.Info("Starting recovery replay",
		zap.String("replay_id", replayID),
		zap.String("file", cp.FileName),
		zap.Int64("file_pos", *cp.FilePos),
	)

	runCtx, cancel := context.WithTimeout(ctx, m.replayTimeout)
	defer cancel()

	if err := m.sequencer.Execute(runCtx, cp, replayID); err != nil {
		m.finishReplay(replayID, false)
		return RestoreResult{Status: StatusRestoreFailed, Reason: err.Error(), FileName: cp.FileName, ReplayID: replayID}, cp
	}

	m.armSettleTimer(replayID)
	return RestoreResult{Status: StatusRestored, FileName: cp.FileName, ReplayID: replayID}, cp
}

// beginReplayLocked must be called with mu held
func (m *Manager) beginReplayLocked(replayID string, cp *checkpoint.Checkpoint) {
	m.stopObservingLocked()
	m.replayInFlight.Store(true)
	m.state = StateReplaying
	m.replayID = replayID
	m.replayCP = cp
	m.deferredStart = false
	m.restored = nil
	m.metrics.SetReplayInFlight(true)
}

// armSettleTimer closes the replay window if the completion marker never
// comes back
func (m *Manager) armSettleTimer(replayID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.replayInFlight.Load() || m.replayID != replayID {
		return
	}
	m.settleTimer = time.AfterFunc(m.settleTimeout, func() {
		m.logger.Warn("Replay completion marker not seen, closing replay window",
			zap.String("replay_id", replayID),
			zap.Duration("timeout", m.settleTimeout),
		)
		m.finishReplay(replayID, true)
	})
}

// finishReplay closes the replay window. A start deferred during the
// replay begins observation seeded from the replayed checkpoint.
func (m *Manager) finishReplay(replayID string, succeeded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.replayInFlight.Load() || m.replayID != replayID {
		return
	}
	if m.settleTimer != nil {
		m.settleTimer.Stop()
		m.settleTimer = nil
	}

	cp := m.replayCP
	m.replayCP = nil
	m.replayID = ""
	m.state = StateIdle
	m.replayInFlight.Store(false)
	m.metrics.SetReplayInFlight(false)

	if m.deferredStart {
		m.deferredStart = false
		if m.settings.Enabled {
			m.observer.Seed(cp.Position, cp.Babystep)
			m.metrics.StartJob(cp.FileName, *cp.FilePos)
			if err := m.startObservingLocked(false); err != nil {
				m.logger.Error("Failed to observe restored print", zap.Error(err))
			}
		}
	} else if succeeded {
		m.restored = cp
	}

	m.logger.Info("Replay window closed", zap.String("replay_id", replayID), zap.Bool("succeeded", succeeded))
}

func (m *Manager) record(res RestoreResult, cp *checkpoint.Checkpoint) {
	m.metrics.IncRestore(string(res.Status))

	fields := []zap.Field{zap.String("status", string(res.Status))}
	if res.Reason != "" {
		fields = append(fields, zap.String("reason", res.Reason))
	}
	switch res.Status {
	case StatusRestored, StatusDiscarded:
		m.logger.Info("Restore request handled", fields...)
	default:
		m.logger.Warn("Restore request refused", fields...)
	}

	if m.journal == nil {
		return
	}
	attempt := &checkpoint.Attempt{
		ReplayID: res.ReplayID,
		FileName: res.FileName,
		Status:   checkpoint.AttemptStatus(res.Status),
		Reason:   res.Reason,
	}
	if cp != nil && cp.FilePos != nil {
		attempt.FilePos = *cp.FilePos
	}
	if err := m.journal.RecordAttempt(attempt); err != nil {
		m.logger.Warn("Failed to record restore attempt", zap.Error(err))
	}
}

// OnCommandQueued is called for every command the host queues to the
// printer
func (m *Manager) OnCommandQueued(kind, raw string) {
	if marker, id, ok := ParseMarker(raw); ok {
		if marker == MarkerDone {
			m.finishReplay(id, true)
		}
		return
	}

	if m.replayInFlight.Load() || !m.observing.Load() {
		return
	}

	m.metrics.IncCommand()
	if err := m.observer.Observe(kind, raw); err != nil {
		m.metrics.IncExtractionError()
		m.logger.Debug("Ignoring malformed command", zap.Error(err))
	}
}

// OnLineReceived inspects a line from the printer and returns it unchanged.
// A firmware identification line re-derives the babystep capability and
// persists it when it differs from the stored value.
func (m *Manager) OnLineReceived(line string) string {
	if _, ok := gcode.ParseFirmwareInfo(line); !ok {
		return line
	}

	enabled, _ := m.observer.ObserveLine(line)

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := m.settings.BabystepEnabled
	if stored != nil && *stored == enabled {
		return line
	}

	settings := m.settings
	settings.BabystepEnabled = &enabled
	if err := m.settingsStore.Save(settings); err != nil {
		m.logger.Warn("Failed to persist babystep capability", zap.Error(err))
		return line
	}
	m.settings = settings
	m.logger.Info("Babystep capability detected", zap.Bool("enabled", enabled))

	return line
}

// CheckRecoverable reports whether a restore could run now
func (m *Manager) CheckRecoverable(ctx context.Context) (Recoverability, error) {
	st, err := m.host.State(ctx)
	if err != nil {
		return Recoverability{}, fmt.Errorf("failed to query printer state: %w", err)
	}

	exists := m.store.Exists()
	if st.Busy() {
		return Recoverability{Status: RecoverPrinterBusy, HasCheckpoint: exists}, nil
	}
	if !exists {
		return Recoverability{Status: RecoverNone}, nil
	}

	cp, err := m.store.Read()
	if err != nil {
		return Recoverability{Status: RecoverDetected, HasCheckpoint: true, Reason: err.Error()}, nil
	}
	r := Recoverability{Status: RecoverDetected, HasCheckpoint: true, FileName: cp.FileName}
	if err := cp.Restorable(); err != nil {
		r.Reason = err.Error()
		return r, nil
	}
	r.CanRestore = true
	return r, nil
}

// Settings returns the current settings
func (m *Manager) Settings() config.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// SaveSettings validates and persists s, then brings observation in line
// with it
func (m *Manager) SaveSettings(ctx context.Context, s config.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	busy := m.observing.Load()
	if st, err := m.host.State(ctx); err == nil {
		busy = st.Busy()
	} else {
		m.logger.Warn("Failed to query printer state, assuming observation state", zap.Error(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.settingsStore.Save(s); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	old := m.settings
	m.settings = s
	m.interval.Store(int64(s.Interval()))
	m.observer.SetBabystep(s.Babystep())

	m.logger.Info("Settings saved",
		zap.Bool("enabled", s.Enabled),
		zap.Bool("auto_restore", s.AutoRestore),
		zap.Int("interval_seconds", s.IntervalSeconds),
	)

	switch {
	case !s.Enabled:
		m.stopObservingLocked()
		if busy {
			if err := m.store.Delete(); err != nil {
				m.logger.Warn("Failed to delete checkpoint after disabling", zap.Error(err))
			}
		}
	case !old.Enabled && busy && !m.replayInFlight.Load():
		// Events were ignored while disabled, so this job's session is new
		m.restored = nil
		m.metrics.StartJob("", 0)
		return m.startObservingLocked(true)
	case old.IntervalSeconds != s.IntervalSeconds && m.ticker != nil:
		// Restart the ticker only; observed state is kept
		m.ticker.Stop()
		m.ticker = nil
		return m.startObservingLocked(false)
	}

	return nil
}

// Status returns a snapshot for operators
func (m *Manager) Status() Status {
	m.mu.Lock()
	s := Status{
		State:    m.state,
		Enabled:  m.settings.Enabled,
		ReplayID: m.replayID,
	}
	m.mu.Unlock()

	s.Observing = m.observing.Load()
	s.WriteInFlight = m.writeInFlight.Load()
	s.ReplayInFlight = m.replayInFlight.Load()
	s.Babystep = m.observer.Babystep()
	s.HasCheckpoint = m.store.Exists()
	s.Progress = m.metrics.GetProgressTracker().GetStatus()
	return s
}

// History lists recent restore attempts, newest first
func (m *Manager) History(limit int) ([]*checkpoint.Attempt, error) {
	if m.journal == nil {
		return nil, nil
	}
	return m.journal.ListAttempts(limit)
}

// Close stops observation and any pending replay timer
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopObservingLocked()
	if m.settleTimer != nil {
		m.settleTimer.Stop()
		m.settleTimer = nil
	}
}
