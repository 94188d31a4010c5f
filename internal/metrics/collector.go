package metrics

import (
	"net/http"
	"time"

	"printrestore/internal/progress"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes metrics
type Collector struct {
	registry         *prometheus.Registry
	checkpointsTotal *prometheus.CounterVec
	restoresTotal    *prometheus.CounterVec
	commandsTotal    prometheus.Counter
	extractionErrors prometheus.Counter
	replayInFlight   prometheus.Gauge
	writeDuration    prometheus.Histogram
	progressTracker  *progress.Tracker
}

// New creates a collector on its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		checkpointsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "printrestore_checkpoint_writes_total",
				Help: "Checkpoint ticks by result",
			},
			[]string{"result"},
		),
		restoresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "printrestore_restore_attempts_total",
				Help: "Restore attempts by status",
			},
			[]string{"status"},
		),
		commandsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "printrestore_observed_commands_total",
				Help: "Commands seen while observing",
			},
		),
		extractionErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "printrestore_extraction_errors_total",
				Help: "Commands rejected as malformed",
			},
		),
		replayInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "printrestore_replay_in_flight",
				Help: "1 while a recovery replay window is open",
			},
		),
		writeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "printrestore_checkpoint_write_duration_seconds",
				Help:    "Time taken to commit a checkpoint",
				Buckets: prometheus.DefBuckets,
			},
		),
		progressTracker: progress.NewTracker(),
	}

	c.registry.MustRegister(
		c.checkpointsTotal,
		c.restoresTotal,
		c.commandsTotal,
		c.extractionErrors,
		c.replayInFlight,
		c.writeDuration,
	)

	return c
}

// StartJob resets job progress for a newly observed print
func (c *Collector) StartJob(fileName string, filePos int64) {
	c.progressTracker.StartJob(fileName, filePos)
}

// IncCommitted counts a committed checkpoint and updates progress
func (c *Collector) IncCommitted(fileName string, filePos int64) {
	c.checkpointsTotal.WithLabelValues("committed").Inc()
	c.progressTracker.AddCommit(fileName, filePos)
}

// IncSkipped counts a tick that produced no checkpoint. reason is one of
// incomplete, in_flight or host_error.
func (c *Collector) IncSkipped(reason string) {
	c.checkpointsTotal.WithLabelValues("skipped_" + reason).Inc()
	c.progressTracker.AddSkipped()
}

// IncFailed counts a failed checkpoint write
func (c *Collector) IncFailed() {
	c.checkpointsTotal.WithLabelValues("failed").Inc()
	c.progressTracker.AddFailed()
}

// IncRestore counts a restore attempt
func (c *Collector) IncRestore(status string) {
	c.restoresTotal.WithLabelValues(status).Inc()
}

// IncCommand counts an observed command
func (c *Collector) IncCommand() {
	c.commandsTotal.Inc()
}

// IncExtractionError counts a rejected command
func (c *Collector) IncExtractionError() {
	c.extractionErrors.Inc()
}

// SetReplayInFlight reports the replay window state
func (c *Collector) SetReplayInFlight(open bool) {
	if open {
		c.replayInFlight.Set(1)
		return
	}
	c.replayInFlight.Set(0)
}

// ObserveWriteDuration observes checkpoint write duration
func (c *Collector) ObserveWriteDuration(duration time.Duration) {
	c.writeDuration.Observe(duration.Seconds())
}

// Handler serves the collector's registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// GetProgressTracker returns the progress tracker
func (c *Collector) GetProgressTracker() *progress.Tracker {
	return c.progressTracker
}
