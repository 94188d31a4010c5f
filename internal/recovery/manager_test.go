package recovery

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"printrestore/internal/checkpoint"
	"printrestore/internal/config"
	"printrestore/internal/gcode"
	"printrestore/internal/metrics"
	"printrestore/internal/printer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	m        *Manager
	host     *fakeHost
	files    *fakeResolver
	store    *checkpoint.FileStore
	settings *memSettings
	journal  *memJournal
	tickers  *tickerSpy
	observer *gcode.Observer
}

func newHarness(t *testing.T, opts ...func(*config.Settings, *Deps)) *harness {
	t.Helper()

	store, err := checkpoint.NewFileStore(filepath.Join(t.TempDir(), "print_restore.json"))
	require.NoError(t, err)

	h := &harness{
		host:     newFakeHost(),
		files:    &fakeResolver{},
		store:    store,
		settings: &memSettings{settings: config.DefaultSettings()},
		journal:  &memJournal{},
		tickers:  &tickerSpy{},
		observer: gcode.NewObserver(config.Default().Firmware.BabystepVariants),
	}

	deps := Deps{
		Host:          h.host,
		Store:         store,
		Journal:       h.journal,
		Settings:      h.settings,
		Observer:      h.observer,
		Sequencer:     NewSequencer(h.host, h.files, config.Default().Sequence, zap.NewNop()),
		Metrics:       metrics.New(),
		NewTicker:     h.tickers.factory,
		SettleTimeout: time.Minute,
	}
	for _, opt := range opts {
		opt(&h.settings.settings, &deps)
	}

	h.m, err = NewManager(deps, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) event(t *testing.T, typ printer.EventType) {
	t.Helper()
	require.NoError(t, h.m.HandleEvent(context.Background(), printer.Event{Type: typ}))
}

func (h *harness) queue(cmds ...string) {
	for _, c := range cmds {
		kind := c
		if i := indexSpace(c); i >= 0 {
			kind = c[:i]
		}
		h.m.OnCommandQueued(kind, c)
	}
}

func indexSpace(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			return i
		}
	}
	return -1
}

func (h *harness) seedCheckpoint(t *testing.T, cp *checkpoint.Checkpoint) {
	t.Helper()
	ok, err := h.store.Write(cp)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestManager_CheckpointScenario(t *testing.T) {
	h := newHarness(t)

	h.event(t, printer.EventPrintStarted)
	assert.Equal(t, StateObserving, h.m.Status().State)

	h.queue("G28", "G1 Z2 F1200", "G1 X5 Y5 E0", "M106 S128", "G1 X5.5 ; comment")
	require.NoError(t, h.m.HandleEvent(context.Background(), printer.Event{Type: printer.EventToolChange, Tool: 1}))

	h.tickers.last().fire()

	cp, err := h.store.Read()
	require.NoError(t, err)
	assert.Equal(t, "cube.gcode", cp.FileName)
	assert.Equal(t, int64(4096), *cp.FilePos)
	assert.Equal(t, 60.0, cp.BedTarget)
	assert.Equal(t, 200.0, cp.Tool0Target)
	assert.Nil(t, cp.Tool1Target)
	assert.Equal(t, checkpoint.Position{"X": "5.5", "Y": "5", "Z": "2", "E": "0", "F": "1200", "FAN": "128", "T": "1"}, cp.Position)
	assert.Zero(t, cp.Babystep, "babystep is off until firmware says otherwise")

	s := h.m.Status()
	assert.Equal(t, int64(1), s.Progress.Committed)
	assert.False(t, s.WriteInFlight)
}

func TestManager_TickSkipsIncompleteSample(t *testing.T) {
	h := newHarness(t)

	h.event(t, printer.EventPrintStarted)
	h.queue("G1 X1 Y1")
	h.tickers.last().fire()

	assert.False(t, h.store.Exists(), "no Z yet")

	h.queue("G1 Z0.2")
	h.tickers.last().fire()
	assert.True(t, h.store.Exists())
}

func TestManager_PauseAndDone(t *testing.T) {
	h := newHarness(t)

	h.event(t, printer.EventPrintStarted)
	h.queue("G1 Z1")
	ticker := h.tickers.last()
	ticker.fire()
	require.True(t, h.store.Exists())

	h.event(t, printer.EventPrintPaused)
	assert.True(t, ticker.stopped)
	assert.Equal(t, StateIdle, h.m.Status().State)
	assert.True(t, h.store.Exists(), "pause keeps the checkpoint")

	// Commands while paused are not recorded
	h.queue("G1 Z50")
	h.event(t, printer.EventPrintResumed)
	h.tickers.last().fire()

	cp, err := h.store.Read()
	require.NoError(t, err)
	assert.Equal(t, "1", cp.Position["Z"], "resume keeps state and ignores commands sent while paused")

	h.event(t, printer.EventPrintDone)
	assert.False(t, h.store.Exists(), "a finished job leaves nothing to recover")
}

func TestManager_StartDeletesStaleCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.seedCheckpoint(t, singleToolCheckpoint())

	h.event(t, printer.EventPrintStarted)
	assert.False(t, h.store.Exists())
}

func TestManager_FailedAndCancelledKeepCheckpoint(t *testing.T) {
	for _, ev := range []printer.EventType{printer.EventPrintFailed, printer.EventPrintCancelled, printer.EventDisconnected} {
		t.Run(string(ev), func(t *testing.T) {
			h := newHarness(t)
			h.event(t, printer.EventPrintStarted)
			h.queue("G1 Z1")
			h.tickers.last().fire()

			h.event(t, ev)
			assert.True(t, h.tickers.last().stopped)
			assert.True(t, h.store.Exists())
		})
	}
}

func TestManager_RestoreBusy(t *testing.T) {
	h := newHarness(t)
	h.seedCheckpoint(t, singleToolCheckpoint())
	h.host.setState(printer.State{Printing: true})

	res := h.m.Restore(context.Background(), true)
	assert.Equal(t, StatusPrinterBusy, res.Status)
	assert.Equal(t, "Printer is already printing", res.Message)
	assert.Empty(t, h.host.sent())

	cp, err := h.store.Read()
	require.NoError(t, err)
	assert.Equal(t, singleToolCheckpoint(), cp, "checkpoint untouched")

	h.host.setState(printer.State{Paused: true})
	res = h.m.Restore(context.Background(), false)
	assert.Equal(t, StatusPrinterBusy, res.Status, "discard is refused too")
	assert.True(t, h.store.Exists())
}

func TestManager_RestoreRefusals(t *testing.T) {
	t.Run("no checkpoint", func(t *testing.T) {
		h := newHarness(t)
		res := h.m.Restore(context.Background(), true)
		assert.Equal(t, StatusNoCheckpoint, res.Status)
		assert.Equal(t, "Error: Could not restore, no progress file exists", res.Message)
		assert.Empty(t, h.host.sent())
	})

	t.Run("sentinel", func(t *testing.T) {
		h := newHarness(t)
		cp := singleToolCheckpoint()
		cp.FileName = checkpoint.NoFile
		h.seedCheckpoint(t, cp)

		res := h.m.Restore(context.Background(), true)
		assert.Equal(t, StatusInvalidCheckpoint, res.Status)
		assert.Empty(t, h.host.sent())
		assert.False(t, h.m.Status().ReplayInFlight)
	})

	t.Run("host error", func(t *testing.T) {
		h := newHarness(t)
		h.host.stateErr = errors.New("offline")
		res := h.m.Restore(context.Background(), true)
		assert.Equal(t, StatusRestoreFailed, res.Status)
		assert.Contains(t, res.Reason, "offline")
	})
}

func TestManager_Discard(t *testing.T) {
	h := newHarness(t)
	h.seedCheckpoint(t, singleToolCheckpoint())

	res := h.m.Restore(context.Background(), false)
	assert.Equal(t, StatusDiscarded, res.Status)
	assert.Equal(t, "Progress file discarded", res.Message)
	assert.False(t, h.store.Exists())
	assert.Empty(t, h.host.sent())
}

func TestManager_ReplayWindowClosesOnMarker(t *testing.T) {
	h := newHarness(t)
	h.seedCheckpoint(t, singleToolCheckpoint())

	res := h.m.Restore(context.Background(), true)
	require.Equal(t, StatusRestored, res.Status, res.Reason)
	assert.Equal(t, "Successfully Restored", res.Message)
	require.NotEmpty(t, res.ReplayID)

	s := h.m.Status()
	assert.True(t, s.ReplayInFlight)
	assert.Equal(t, StateReplaying, s.State)

	// The replay's own file selection starts the job
	h.event(t, printer.EventPrintStarted)
	assert.False(t, h.m.Status().Observing, "start is deferred during replay")
	assert.True(t, h.store.Exists(), "replayed checkpoint is kept")

	// The replay's commands echo back and must not be recorded
	h.queue("G1 Z99")

	again := h.m.Restore(context.Background(), true)
	assert.Equal(t, StatusReplayInProgress, again.Status)

	h.queue(MarkerCommand(MarkerDone, "some-other-replay"))
	assert.True(t, h.m.Status().ReplayInFlight, "a foreign marker is ignored")

	h.queue(MarkerCommand(MarkerDone, res.ReplayID))
	s = h.m.Status()
	assert.False(t, s.ReplayInFlight)
	assert.True(t, s.Observing, "deferred start begins observation")

	session := h.observer.Snapshot()
	assert.Equal(t, "2", session.Position["Z"], "observation is seeded from the restored checkpoint")

	attempts, err := h.m.History(10)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, checkpoint.AttemptStatus(StatusReplayInProgress), attempts[0].Status)
	assert.Equal(t, checkpoint.AttemptStatus(StatusRestored), attempts[1].Status)
	assert.Equal(t, int64(12345), attempts[1].FilePos)
}

func TestManager_ReplayWindowClosesOnTimeout(t *testing.T) {
	h := newHarness(t, func(_ *config.Settings, d *Deps) {
		d.SettleTimeout = 20 * time.Millisecond
	})
	h.seedCheckpoint(t, singleToolCheckpoint())

	res := h.m.Restore(context.Background(), true)
	require.Equal(t, StatusRestored, res.Status)

	require.Eventually(t, func() bool {
		return !h.m.Status().ReplayInFlight
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateIdle, h.m.Status().State)

	// The job starts after the window closed: observe seeded, keep the checkpoint
	h.event(t, printer.EventPrintStarted)
	assert.True(t, h.m.Status().Observing)
	assert.True(t, h.store.Exists())
	assert.Equal(t, "2", h.observer.Snapshot().Position["Z"])
}

func TestManager_ReplayFailureResetsFlags(t *testing.T) {
	h := newHarness(t)
	h.files.err = errors.New("no such file")
	h.seedCheckpoint(t, singleToolCheckpoint())

	res := h.m.Restore(context.Background(), true)
	assert.Equal(t, StatusRestoreFailed, res.Status)
	assert.Contains(t, res.Reason, "no such file")
	assert.Equal(t, "Error: Could not restore", res.Message)

	s := h.m.Status()
	assert.False(t, s.ReplayInFlight)
	assert.Equal(t, StateIdle, s.State)
	assert.True(t, h.store.Exists())

	// A later start is a fresh job
	h.event(t, printer.EventPrintStarted)
	assert.False(t, h.store.Exists())
}

func TestManager_AutoRestoreOnConnect(t *testing.T) {
	h := newHarness(t, func(s *config.Settings, _ *Deps) {
		s.AutoRestore = true
	})
	h.seedCheckpoint(t, singleToolCheckpoint())

	h.event(t, printer.EventConnected)
	assert.True(t, h.m.Status().ReplayInFlight)
	assert.Contains(t, h.host.sent(), "G28 Z")
}

func TestManager_NoAutoRestoreByDefault(t *testing.T) {
	h := newHarness(t)
	h.seedCheckpoint(t, singleToolCheckpoint())

	h.event(t, printer.EventConnected)
	assert.Empty(t, h.host.sent())
}

func TestManager_DisabledIgnoresEvents(t *testing.T) {
	h := newHarness(t, func(s *config.Settings, _ *Deps) {
		s.Enabled = false
	})

	h.event(t, printer.EventPrintStarted)
	assert.False(t, h.m.Status().Observing)
	assert.Zero(t, h.tickers.count())
}

func TestManager_IntervalChangeKeepsState(t *testing.T) {
	h := newHarness(t)
	h.host.setState(printer.State{Printing: true})

	h.event(t, printer.EventPrintStarted)
	h.queue("G1 Z5 X3")
	first := h.tickers.last()
	assert.Equal(t, time.Second, first.interval)

	s := h.m.Settings()
	s.IntervalSeconds = 3
	require.NoError(t, h.m.SaveSettings(context.Background(), s))

	assert.True(t, first.stopped)
	second := h.tickers.last()
	require.NotSame(t, first, second)
	assert.Equal(t, 3*time.Second, second.interval)

	second.fire()
	cp, err := h.store.Read()
	require.NoError(t, err)
	assert.Equal(t, "5", cp.Position["Z"])
	assert.Equal(t, "3", cp.Position["X"])
}

func TestManager_ToggleWhilePrinting(t *testing.T) {
	h := newHarness(t)
	h.host.setState(printer.State{Printing: true})

	h.event(t, printer.EventPrintStarted)
	h.queue("G1 Z1")
	h.tickers.last().fire()
	require.True(t, h.store.Exists())

	s := h.m.Settings()
	s.Enabled = false
	require.NoError(t, h.m.SaveSettings(context.Background(), s))
	assert.False(t, h.m.Status().Observing)
	assert.False(t, h.store.Exists(), "disabling during a job drops the checkpoint")
	assert.False(t, h.settings.settings.Enabled)

	s.Enabled = true
	require.NoError(t, h.m.SaveSettings(context.Background(), s))
	assert.True(t, h.m.Status().Observing)

	s.IntervalSeconds = 0
	assert.Error(t, h.m.SaveSettings(context.Background(), s))
}

func TestManager_EnableMidJobStartsFreshSession(t *testing.T) {
	h := newHarness(t)

	h.event(t, printer.EventPrintStarted)
	h.queue("G1 X100 Y100 Z42 E900 F3000")
	h.event(t, printer.EventPrintDone)

	s := h.m.Settings()
	s.Enabled = false
	require.NoError(t, h.m.SaveSettings(context.Background(), s))

	// A second job starts while recovery is off
	h.host.setState(printer.State{Printing: true})
	h.host.setFilePos(777)
	h.event(t, printer.EventPrintStarted)

	s.Enabled = true
	require.NoError(t, h.m.SaveSettings(context.Background(), s))
	require.True(t, h.m.Status().Observing)
	assert.Empty(t, h.observer.Snapshot().Position, "nothing carries over from the previous job")

	h.tickers.last().fire()
	assert.False(t, h.store.Exists(), "no Z observed for this job yet")

	h.queue("G1 Z0.3")
	h.tickers.last().fire()
	cp, err := h.store.Read()
	require.NoError(t, err)
	assert.Equal(t, int64(777), *cp.FilePos)
	assert.Equal(t, checkpoint.Position{"Z": "0.3"}, cp.Position)
}

func TestManager_EndedJobForgetsRestoredCheckpoint(t *testing.T) {
	for _, ev := range []printer.EventType{printer.EventPrintFailed, printer.EventPrintCancelled} {
		t.Run(string(ev), func(t *testing.T) {
			h := newHarness(t)
			h.seedCheckpoint(t, singleToolCheckpoint())

			res := h.m.Restore(context.Background(), true)
			require.Equal(t, StatusRestored, res.Status, res.Reason)
			h.queue(MarkerCommand(MarkerDone, res.ReplayID))
			require.False(t, h.m.Status().ReplayInFlight)

			h.event(t, ev)

			// An unrelated job later is not seeded from the old checkpoint
			h.event(t, printer.EventPrintStarted)
			assert.True(t, h.m.Status().Observing)
			assert.False(t, h.store.Exists(), "stale checkpoint is dropped")
			assert.Empty(t, h.observer.Snapshot().Position)
		})
	}
}

func TestManager_ExtractionErrorIsContained(t *testing.T) {
	h := newHarness(t)
	h.event(t, printer.EventPrintStarted)

	h.queue("G1 Z1", "G1 Zabc X9", "G1 X2")
	h.tickers.last().fire()

	cp, err := h.store.Read()
	require.NoError(t, err)
	assert.Equal(t, "1", cp.Position["Z"])
	assert.Equal(t, "2", cp.Position["X"])
}

func TestManager_FirmwareDetection(t *testing.T) {
	h := newHarness(t)
	line := "FIRMWARE_NAME:Marlin 2.0 MACHINE_TYPE:Julia 2018 Pro Dual EXTRUDER_COUNT:2"

	assert.Equal(t, line, h.m.OnLineReceived(line))
	require.NotNil(t, h.m.Settings().BabystepEnabled)
	assert.True(t, *h.m.Settings().BabystepEnabled)
	assert.True(t, h.m.Status().Babystep)
	assert.Equal(t, 1, h.settings.saveCount())

	h.m.OnLineReceived(line)
	assert.Equal(t, 1, h.settings.saveCount(), "an unchanged capability is not rewritten")

	h.m.OnLineReceived("ok T:200.0 /200.0")
	assert.Equal(t, 1, h.settings.saveCount())

	h.m.OnLineReceived("FIRMWARE_NAME:Marlin 2.0 MACHINE_TYPE:Generic EXTRUDER_COUNT:1")
	assert.False(t, *h.m.Settings().BabystepEnabled)
	assert.Equal(t, 2, h.settings.saveCount())
}

func TestManager_BabystepRecorded(t *testing.T) {
	enabled := true
	h := newHarness(t, func(s *config.Settings, _ *Deps) {
		s.BabystepEnabled = &enabled
	})

	h.event(t, printer.EventPrintStarted)
	h.queue("G1 Z1", "M290 Z0.05", "M290 Z0.05")
	h.tickers.last().fire()

	cp, err := h.store.Read()
	require.NoError(t, err)
	assert.InDelta(t, 0.1, cp.Babystep, 1e-9)
}

func TestManager_CheckRecoverable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.m.CheckRecoverable(ctx)
	require.NoError(t, err)
	assert.Equal(t, Recoverability{Status: RecoverNone}, r)

	h.seedCheckpoint(t, singleToolCheckpoint())
	r, err = h.m.CheckRecoverable(ctx)
	require.NoError(t, err)
	assert.True(t, r.CanRestore)
	assert.Equal(t, "cube.gcode", r.FileName)
	assert.Equal(t, RecoverDetected, r.Status)

	h.host.setState(printer.State{Printing: true})
	r, err = h.m.CheckRecoverable(ctx)
	require.NoError(t, err)
	assert.False(t, r.CanRestore)
	assert.Equal(t, RecoverPrinterBusy, r.Status)
}

func TestCronTicker_StopWaitsForTick(t *testing.T) {
	if testing.Short() {
		t.Skip("uses wall-clock scheduling")
	}

	var calls, running atomic.Int32
	tk, err := NewCronTickerFactory(zap.NewNop())(time.Second, func() {
		running.Add(1)
		calls.Add(1)
		time.Sleep(100 * time.Millisecond)
		running.Add(-1)
	})
	require.NoError(t, err)

	tk.Start()
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)
	tk.Stop()

	assert.Zero(t, running.Load(), "Stop returns after the running tick")
	n := calls.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, n, calls.Load(), "no tick after Stop")
}

func TestCronTicker_RejectsShortInterval(t *testing.T) {
	_, err := NewCronTickerFactory(zap.NewNop())(100*time.Millisecond, func() {})
	assert.Error(t, err)
}
