// Package metrics records per-worker event and action statistics.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Recorder collects one worker's statistics using HDR histograms.
//
// Two histograms are kept:
//   - lag: how late each event fired relative to its Poisson schedule
//   - latency: how long each OS action took (spawn, bind, syscall, attach)
//
// # Thread Safety
//
// Recorder is safe for concurrent use. Counters use atomic operations and
// histograms are mutex protected, so reaper and connection goroutines owned
// by the same worker may record alongside the event loop.
type Recorder struct {
	lagHist     *hdrhistogram.Histogram
	latencyHist *hdrhistogram.Histogram
	histMu      sync.Mutex

	events     atomic.Int64
	actions    atomic.Int64
	failed     atomic.Int64
	dropped    atomic.Int64
	collisions atomic.Int64
	released   atomic.Int64
	active     atomic.Int64
	resyncs    atomic.Int64

	startTime time.Time
	config    RecorderConfig
}

// RecorderConfig contains configuration for a Recorder.
type RecorderConfig struct {
	// HistogramMin is the minimum recordable value in microseconds (default: 1)
	HistogramMin int64

	// HistogramMax is the maximum recordable value in microseconds (default: 3600000000 = 1 hour)
	HistogramMax int64

	// HistogramSigFigs is the number of significant figures (default: 3)
	HistogramSigFigs int
}

// DefaultRecorderConfig returns the default configuration.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		HistogramMin:     1,
		HistogramMax:     3600000000,
		HistogramSigFigs: 3,
	}
}

// NewRecorder creates a recorder with default configuration.
func NewRecorder() *Recorder {
	return NewRecorderWithConfig(DefaultRecorderConfig())
}

// NewRecorderWithConfig creates a recorder with custom configuration.
func NewRecorderWithConfig(config RecorderConfig) *Recorder {
	return &Recorder{
		lagHist:     hdrhistogram.New(config.HistogramMin, config.HistogramMax, config.HistogramSigFigs),
		latencyHist: hdrhistogram.New(config.HistogramMin, config.HistogramMax, config.HistogramSigFigs),
		startTime:   time.Now(),
		config:      config,
	}
}

func (r *Recorder) clamp(d time.Duration) int64 {
	micros := d.Microseconds()
	if micros < r.config.HistogramMin {
		micros = r.config.HistogramMin
	}
	if micros > r.config.HistogramMax {
		micros = r.config.HistogramMax
	}
	return micros
}

// RecordEvent records one sampled event and how late it fired.
func (r *Recorder) RecordEvent(lag time.Duration, resynced bool) {
	r.events.Add(1)
	if resynced {
		r.resyncs.Add(1)
	}

	v := r.clamp(lag)
	r.histMu.Lock()
	r.lagHist.RecordValue(v)
	r.histMu.Unlock()
}

// RecordAction records a successful OS action and its duration.
func (r *Recorder) RecordAction(latency time.Duration) {
	r.actions.Add(1)

	v := r.clamp(latency)
	r.histMu.Lock()
	r.latencyHist.RecordValue(v)
	r.histMu.Unlock()
}

// RecordFailure records an action that failed without stopping the worker.
func (r *Recorder) RecordFailure() { r.failed.Add(1) }

// RecordDrop records an event discarded by a concurrency ceiling.
func (r *Recorder) RecordDrop() { r.dropped.Add(1) }

// RecordCollision records a selection that hit an already-held resource.
func (r *Recorder) RecordCollision() { r.collisions.Add(1) }

// RecordRelease records a resource being given back (close, reap, detach).
func (r *Recorder) RecordRelease() { r.released.Add(1) }

// AddActive adjusts the number of currently held resources.
func (r *Recorder) AddActive(delta int64) { r.active.Add(delta) }

// Active returns the number of currently held resources.
func (r *Recorder) Active() int64 { return r.active.Load() }

// Snapshot returns a point-in-time view of the recorder.
func (r *Recorder) Snapshot() Snapshot {
	r.histMu.Lock()
	lag := statsOf(r.lagHist)
	latency := statsOf(r.latencyHist)
	r.histMu.Unlock()

	return Snapshot{
		Events:     r.events.Load(),
		Actions:    r.actions.Load(),
		Failed:     r.failed.Load(),
		Dropped:    r.dropped.Load(),
		Collisions: r.collisions.Load(),
		Released:   r.released.Load(),
		Active:     r.active.Load(),
		Resyncs:    r.resyncs.Load(),
		Lag:        lag,
		Latency:    latency,
		Elapsed:    time.Since(r.startTime),
		Timestamp:  time.Now(),
	}
}

// Reset clears all statistics.
func (r *Recorder) Reset() {
	r.histMu.Lock()
	r.lagHist.Reset()
	r.latencyHist.Reset()
	r.histMu.Unlock()

	r.events.Store(0)
	r.actions.Store(0)
	r.failed.Store(0)
	r.dropped.Store(0)
	r.collisions.Store(0)
	r.released.Store(0)
	r.active.Store(0)
	r.resyncs.Store(0)
	r.startTime = time.Now()
}

func statsOf(h *hdrhistogram.Histogram) LatencyStats {
	return LatencyStats{
		Min:   time.Duration(h.Min()) * time.Microsecond,
		Max:   time.Duration(h.Max()) * time.Microsecond,
		Mean:  time.Duration(h.Mean()) * time.Microsecond,
		P50:   time.Duration(h.ValueAtQuantile(50)) * time.Microsecond,
		P90:   time.Duration(h.ValueAtQuantile(90)) * time.Microsecond,
		P99:   time.Duration(h.ValueAtQuantile(99)) * time.Microsecond,
		Count: h.TotalCount(),
	}
}
