package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Status is a snapshot of checkpoint cadence and job progress
type Status struct {
	FileName       string    `json:"fileName,omitempty"`
	FilePos        int64     `json:"filePos"`
	Committed      int64     `json:"committed"`
	Skipped        int64     `json:"skipped"`
	Failed         int64     `json:"failed"`
	StartTime      time.Time `json:"startTime"`
	LastCommitTime time.Time `json:"lastCommitTime,omitempty"`
	CurrentSpeed   float64   `json:"currentSpeed"` // bytes/second over the recent window
	AverageSpeed   float64   `json:"averageSpeed"` // bytes/second since the job started
}

// Tracker follows how far a print has streamed, as seen by committed
// checkpoints. It is safe for concurrent use.
type Tracker struct {
	mu           sync.RWMutex
	status       Status
	startPos     int64
	speedSamples []speedSample
	maxSamples   int
	now          func() time.Time
}

type speedSample struct {
	timestamp time.Time
	bytes     int64
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	return newTracker(time.Now)
}

func newTracker(now func() time.Time) *Tracker {
	return &Tracker{
		status:       Status{StartTime: now()},
		speedSamples: make([]speedSample, 0, 60),
		maxSamples:   60,
		now:          now,
	}
}

// StartJob resets job progress. Commit counters are kept.
func (t *Tracker) StartJob(fileName string, filePos int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.FileName = fileName
	t.status.FilePos = filePos
	t.status.StartTime = t.now()
	t.status.CurrentSpeed = 0
	t.status.AverageSpeed = 0
	t.startPos = filePos
	t.speedSamples = t.speedSamples[:0]
}

// AddCommit records a checkpoint written at filePos
func (t *Tracker) AddCommit(fileName string, filePos int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fileName != t.status.FileName || filePos < t.status.FilePos {
		// A different job, or the host rewound; start measuring again
		t.status.FileName = fileName
		t.status.StartTime = t.now()
		t.startPos = filePos
		t.status.FilePos = filePos
		t.speedSamples = t.speedSamples[:0]
	}

	delta := filePos - t.status.FilePos
	t.status.FilePos = filePos
	t.status.Committed++
	t.updateSpeed(delta)
}

// AddSkipped counts a tick that did not produce a checkpoint
func (t *Tracker) AddSkipped() {
	t.mu.Lock()
	t.status.Skipped++
	t.mu.Unlock()
}

// AddFailed counts a checkpoint write that failed
func (t *Tracker) AddFailed() {
	t.mu.Lock()
	t.status.Failed++
	t.mu.Unlock()
}

// updateSpeed updates the speed calculation (must be called with lock held)
func (t *Tracker) updateSpeed(bytes int64) {
	now := t.now()

	t.speedSamples = append(t.speedSamples, speedSample{
		timestamp: now,
		bytes:     bytes,
	})
	if len(t.speedSamples) > t.maxSamples {
		t.speedSamples = t.speedSamples[1:]
	}

	t.calculateCurrentSpeed(now)
	t.calculateAverageSpeed(now)

	t.status.LastCommitTime = now
}

// calculateCurrentSpeed uses the samples from the last 10 seconds
func (t *Tracker) calculateCurrentSpeed(now time.Time) {
	if len(t.speedSamples) < 2 {
		t.status.CurrentSpeed = 0
		return
	}

	cutoff := now.Add(-10 * time.Second)
	var recentBytes int64
	var first *speedSample

	for i := len(t.speedSamples) - 1; i >= 0; i-- {
		sample := &t.speedSamples[i]
		if sample.timestamp.Before(cutoff) {
			break
		}
		first = sample
		recentBytes += sample.bytes
	}

	if first == nil {
		t.status.CurrentSpeed = 0
		return
	}
	// The oldest sample's bytes were streamed before its own timestamp
	recentBytes -= first.bytes
	if d := now.Sub(first.timestamp); d > 0 {
		t.status.CurrentSpeed = float64(recentBytes) / d.Seconds()
	} else {
		t.status.CurrentSpeed = 0
	}
}

// calculateAverageSpeed calculates average speed since the job started
func (t *Tracker) calculateAverageSpeed(now time.Time) {
	elapsed := now.Sub(t.status.StartTime)
	if elapsed > 0 {
		t.status.AverageSpeed = float64(t.status.FilePos-t.startPos) / elapsed.Seconds()
	}
}

// GetStatus returns the current status (thread-safe)
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.status
}

// Summary renders a one-line description of the status
func (s Status) Summary() string {
	if s.FileName == "" {
		return fmt.Sprintf("no job, %s checkpoints", humanize.Comma(s.Committed))
	}
	last := "never"
	if !s.LastCommitTime.IsZero() {
		last = humanize.Time(s.LastCommitTime)
	}
	return fmt.Sprintf("%s at %s (%s), %s checkpoints, last %s",
		s.FileName, FormatBytes(s.FilePos), FormatSpeed(s.CurrentSpeed),
		humanize.Comma(s.Committed), last)
}

// FormatSpeed formats speed in human readable format
func FormatSpeed(bytesPerSecond float64) string {
	if bytesPerSecond <= 0 {
		return "0 B/s"
	}
	return humanize.IBytes(uint64(bytesPerSecond)) + "/s"
}

// FormatBytes formats bytes in human readable format
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		return "-" + humanize.IBytes(uint64(-bytes))
	}
	return humanize.IBytes(uint64(bytes))
}
