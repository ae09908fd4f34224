// Package workload turns sampled events into OS actions.
//
// Each variant (process, endpoint, syscall, network, bpf) implements Payload
// and is owned by exactly one worker. Payloads never share state: every
// socket, child process and BPF attachment is acquired and released by the
// worker that owns the payload.
package workload

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/stackrox/berserker/internal/arrival"
	"github.com/stackrox/berserker/internal/config"
	"github.com/stackrox/berserker/internal/distribution"
	"github.com/stackrox/berserker/internal/metrics"
)

// Payload is one workload variant bound to a single worker.
//
// The worker calls Start once, then Step until the context is cancelled or
// Step returns an error, then Close exactly once (also after a failed Start
// or a panic).
type Payload interface {
	// Kind returns the variant.
	Kind() config.Kind

	// Start acquires static resources. Errors are fatal.
	Start(ctx context.Context) error

	// Step runs one event-loop iteration: wait for the next event and act
	// on it. A non-nil error other than ctx.Err() is fatal.
	Step(ctx context.Context) error

	// Close releases everything the payload acquired.
	Close() error
}

// Factory builds the payload for one worker.
type Factory func(cfg *config.WorkloadConfig, env Env) (Payload, error)

// Slice locates a worker among the workers that split one resource space
// (port range, address pool).
type Slice struct {
	Index int
	Count int
}

// Env is what a worker hands to its payload.
type Env struct {
	WorkerID int
	// CPU is the pinned core, or -1 when the worker floats.
	CPU int

	Rand     *rand.Rand
	Time     arrival.Timebase
	Log      *logrus.Entry
	Metrics  *metrics.Recorder
	Slice    Slice
	LagLimit time.Duration
}

// WithDefaults fills unset fields.
func (e Env) WithDefaults() Env {
	if e.Rand == nil {
		e.Rand = distribution.WorkerRNG(0, e.WorkerID)
	}
	if e.Time == nil {
		e.Time = arrival.Wall{}
	}
	if e.Log == nil {
		e.Log = logrus.WithField("worker", e.WorkerID)
	}
	if e.Metrics == nil {
		e.Metrics = metrics.NewRecorder()
	}
	if e.Slice.Count == 0 {
		e.Slice = Slice{Index: 0, Count: 1}
	}
	if e.LagLimit == 0 {
		e.LagLimit = config.DefaultLagThreshold
	}
	return e
}

// New builds the payload named by cfg.Type.
func New(cfg *config.WorkloadConfig, env Env) (Payload, error) {
	env = env.WithDefaults()

	switch cfg.Type {
	case config.KindProcess:
		if cfg.Process == nil {
			return nil, fmt.Errorf("process workload is not configured")
		}
		return newProcess(*cfg.Process, env), nil
	case config.KindEndpoint:
		if cfg.Endpoint == nil {
			return nil, fmt.Errorf("endpoint workload is not configured")
		}
		return newEndpoint(*cfg.Endpoint, env), nil
	case config.KindSyscall:
		if cfg.Syscall == nil {
			return nil, fmt.Errorf("syscall workload is not configured")
		}
		return newSyscall(*cfg.Syscall, env), nil
	case config.KindNetwork:
		if cfg.Network == nil {
			return nil, fmt.Errorf("network workload is not configured")
		}
		switch cfg.Network.Role {
		case config.RoleServer:
			return newServer(*cfg.Network, env), nil
		case config.RoleClient:
			return newClient(*cfg.Network, env), nil
		default:
			return nil, fmt.Errorf("network role %q must be resolved to server or client per worker", cfg.Network.Role)
		}
	case config.KindBPF:
		if cfg.BPF == nil {
			return nil, fmt.Errorf("bpf workload is not configured")
		}
		return newBPF(*cfg.BPF, env), nil
	default:
		return nil, fmt.Errorf("unknown workload type: %s", cfg.Type)
	}
}

// newClock starts a Poisson clock for rate on the worker's timebase.
func newClock(rate float64, env Env) *arrival.Clock {
	return arrival.NewClock(distribution.NewExponential(rate), env.Rand, env.Time.Now(), env.LagLimit)
}

// warnEvery bounds how often a worker repeats the same per-event warning.
const warnEvery = 5 * time.Second

func newThrottle() *rate.Sometimes {
	return &rate.Sometimes{First: 1, Interval: warnEvery}
}

// recordTick books an event and reports schedule drift.
func recordTick(env Env, tick arrival.Tick, drift *rate.Sometimes) {
	env.Metrics.RecordEvent(tick.Lag, tick.Resynced)
	if tick.Resynced {
		drift.Do(func() {
			env.Log.WithField("lag", tick.Lag).Warn("falling behind the configured rate, schedule resynced")
		})
	}
}

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// randomArg returns n random alphanumeric characters.
func randomArg(rng *rand.Rand, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphanumeric[rng.Intn(len(alphanumeric))]
	}
	return string(b)
}
