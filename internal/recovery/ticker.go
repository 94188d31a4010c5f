package recovery

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Ticker runs a function periodically. Stop blocks until a running call
// has returned, so nothing fires after it.
type Ticker interface {
	Start()
	Stop()
}

// TickerFactory builds a stopped Ticker for the given interval
type TickerFactory func(interval time.Duration, fn func()) (Ticker, error)

type cronTicker struct {
	cron *cron.Cron
}

// NewCronTickerFactory returns a factory for cron-driven tickers. Overlapping
// runs are skipped rather than queued.
func NewCronTickerFactory(logger *zap.Logger) TickerFactory {
	cl := cronLogger{logger.Sugar().With("component", "cron")}
	return func(interval time.Duration, fn func()) (Ticker, error) {
		if interval < time.Second {
			return nil, fmt.Errorf("interval must be at least 1s, got %s", interval)
		}

		c := cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		)
		if _, err := c.AddFunc("@every "+interval.String(), fn); err != nil {
			return nil, fmt.Errorf("failed to schedule ticker: %w", err)
		}
		return &cronTicker{cron: c}, nil
	}
}

func (t *cronTicker) Start() {
	t.cron.Start()
}

func (t *cronTicker) Stop() {
	<-t.cron.Stop().Done()
}

// cronLogger routes cron's logging to zap
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
