// Package arrival schedules Poisson event streams for workload event loops.
package arrival

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/stackrox/berserker/internal/distribution"
)

// Clock emits the event times of one Poisson process.
//
// # Algorithm
//
// The clock keeps a single "due" timestamp. Firing an event draws an
// exponential interval and schedules the next event at due+interval, not at
// now+interval, so jitter in how promptly events are handled does not
// stretch the stream: the generated process stays open and keeps its rate.
//
// If the owner falls more than lagLimit behind, the clock resyncs to now
// instead of replaying the backlog in a burst. The caller learns about it
// through Tick.Resynced and should log the drift.
//
// # Thread Safety
//
// A Clock belongs to one worker and is not safe for concurrent use. Stats
// may be read from any goroutine.
type Clock struct {
	sampler  distribution.Exponential
	rng      *rand.Rand
	due      time.Time
	lagLimit time.Duration

	// Metrics
	fired   atomic.Int64
	resyncs atomic.Int64
}

// Tick describes one fired event.
type Tick struct {
	// Scheduled is when the event was due.
	Scheduled time.Time
	// Lag is how late the event fired.
	Lag time.Duration
	// Resynced reports that the lag exceeded the limit and the schedule was reset.
	Resynced bool
}

// NewClock creates a clock whose first event is one sampled interval after start.
//
// Parameters:
//   - sampler: interarrival distribution (rate λ)
//   - rng: the owning worker's generator
//   - start: schedule origin
//   - lagLimit: maximum tolerated lag before resync; zero disables resync
func NewClock(sampler distribution.Exponential, rng *rand.Rand, start time.Time, lagLimit time.Duration) *Clock {
	c := &Clock{
		sampler:  sampler,
		rng:      rng,
		lagLimit: lagLimit,
	}
	c.due = start.Add(sampler.Sample(rng))
	return c
}

// Due returns when the next event should fire.
func (c *Clock) Due() time.Time {
	return c.due
}

// Fire consumes the due event at time now and schedules the next one.
func (c *Clock) Fire(now time.Time) Tick {
	tick := Tick{Scheduled: c.due}

	lag := now.Sub(c.due)
	if lag < 0 {
		lag = 0
	}
	tick.Lag = lag

	base := c.due
	if c.lagLimit > 0 && lag > c.lagLimit {
		base = now
		tick.Resynced = true
		c.resyncs.Add(1)
	}

	c.due = base.Add(c.sampler.Sample(c.rng))
	c.fired.Add(1)
	return tick
}

// Wait blocks until the next event is due and fires it.
//
// Returns:
//   - the fired Tick on success
//   - ctx.Err() if the context was cancelled first
func (c *Clock) Wait(ctx context.Context, tb Timebase) (Tick, error) {
	if err := tb.SleepUntil(ctx, c.due); err != nil {
		return Tick{}, err
	}
	return c.Fire(tb.Now()), nil
}

// Stats returns counters about the clock's operation.
func (c *Clock) Stats() ClockStats {
	return ClockStats{
		Rate:    c.sampler.Rate(),
		Fired:   c.fired.Load(),
		Resyncs: c.resyncs.Load(),
	}
}

// ClockStats contains statistics about a clock.
type ClockStats struct {
	Rate    float64 `json:"rate"`
	Fired   int64   `json:"fired"`
	Resyncs int64   `json:"resyncs"`
}

// Earliest returns the clock with the smallest due time, ignoring nil clocks.
// Returns nil if every clock is nil.
func Earliest(clocks ...*Clock) *Clock {
	var best *Clock
	for _, c := range clocks {
		if c == nil {
			continue
		}
		if best == nil || c.due.Before(best.due) {
			best = c
		}
	}
	return best
}
