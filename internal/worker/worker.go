// Package worker runs one workload payload as an isolated execution unit.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/stackrox/berserker/internal/arrival"
	"github.com/stackrox/berserker/internal/config"
	"github.com/stackrox/berserker/internal/distribution"
	"github.com/stackrox/berserker/internal/metrics"
	"github.com/stackrox/berserker/internal/workload"
)

// State represents the lifecycle state of a Worker.
type State int32

const (
	// StateIdle indicates the worker was created but Run has not started.
	StateIdle State = iota
	// StateRunning indicates the worker is executing its event loop.
	StateRunning
	// StateStopping indicates cancellation was observed and resources are being released.
	StateStopping
	// StateStopped indicates Run returned.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Floating marks a worker without CPU affinity.
const Floating = -1

// Worker owns one payload, its random generator and its metrics.
//
// Each Worker has its own:
//   - configuration copy (never shared with other workers)
//   - seeded random generator
//   - OS thread, pinned to CPU when CPU >= 0
//   - metrics recorder
//
// A panic inside the payload is contained: it is converted into a fatal
// error for this worker and the payload is still closed.
type Worker struct {
	// ID is the worker's index in the pool.
	ID int

	// CPU is the pinned core, or Floating.
	CPU int

	// Config is this worker's private configuration.
	Config *config.WorkloadConfig

	// Metrics records this worker's events and actions.
	Metrics *metrics.Recorder

	log      *logrus.Entry
	factory  workload.Factory
	timebase arrival.Timebase
	slice    workload.Slice

	state  atomic.Int32
	doneCh chan struct{}
}

// Option configures a Worker.
type Option func(*Worker)

// WithFactory replaces the payload factory.
func WithFactory(f workload.Factory) Option {
	return func(w *Worker) { w.factory = f }
}

// WithTimebase replaces the wall clock.
func WithTimebase(tb arrival.Timebase) Option {
	return func(w *Worker) { w.timebase = tb }
}

// WithLogger sets the parent logger.
func WithLogger(l *logrus.Logger) Option {
	return func(w *Worker) {
		w.log = l.WithFields(logFields(w.ID, w.CPU, w.Config.Type))
	}
}

// WithSlice places the worker within a shared resource space.
func WithSlice(s workload.Slice) Option {
	return func(w *Worker) { w.slice = s }
}

// New creates a worker. cfg must already be this worker's own copy.
func New(id, cpu int, cfg *config.WorkloadConfig, opts ...Option) *Worker {
	w := &Worker{
		ID:       id,
		CPU:      cpu,
		Config:   cfg,
		Metrics:  metrics.NewRecorder(),
		factory:  workload.New,
		timebase: arrival.Wall{},
		slice:    workload.Slice{Index: 0, Count: 1},
		doneCh:   make(chan struct{}),
	}
	w.log = logrus.WithFields(logFields(id, cpu, cfg.Type))
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func logFields(id, cpu int, kind config.Kind) logrus.Fields {
	return logrus.Fields{"worker": id, "cpu": cpu, "workload": kind}
}

// GetState returns the current worker state.
func (w *Worker) GetState() State {
	return State(w.state.Load())
}

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} {
	return w.doneCh
}

// Run executes the payload until ctx is cancelled or a fatal error occurs.
//
// Returns:
//   - nil on cooperative shutdown
//   - a *workload.FatalError otherwise, including recovered panics
func (w *Worker) Run(ctx context.Context) (err error) {
	if !w.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("worker %d already started", w.ID)
	}
	defer func() {
		w.state.Store(int32(StateStopped))
		close(w.doneCh)
	}()
	defer w.recoverPanic(&err)

	if w.CPU != Floating {
		// The thread is never unlocked, so it exits with this goroutine
		// instead of returning to the scheduler with a narrowed mask.
		runtime.LockOSThread()
		if err := pinToCPU(w.CPU); err != nil {
			return workload.Fatal("pin worker", fmt.Errorf("cpu %d: %w", w.CPU, err))
		}
	}

	payload, err := w.factory(w.Config, workload.Env{
		WorkerID: w.ID,
		CPU:      w.CPU,
		Rand:     distribution.WorkerRNG(w.Config.Seed, w.ID),
		Time:     w.timebase,
		Log:      w.log,
		Metrics:  w.Metrics,
		Slice:    w.slice,
		LagLimit: w.Config.LagThreshold.Std(),
	})
	if err != nil {
		return workload.Fatal("build payload", err)
	}
	defer w.closePayload(payload)

	w.log.Debug("worker starting")
	if err := payload.Start(ctx); err != nil {
		if ctx.Err() != nil && !workload.IsFatal(err) {
			return nil
		}
		return workload.Fatal("start", err)
	}

	for {
		if ctx.Err() != nil {
			w.state.Store(int32(StateStopping))
			return nil
		}
		if err := payload.Step(ctx); err != nil {
			if ctx.Err() != nil && !workload.IsFatal(err) {
				w.state.Store(int32(StateStopping))
				return nil
			}
			return workload.Fatal("step", err)
		}
	}
}

func (w *Worker) closePayload(p workload.Payload) {
	if err := p.Close(); err != nil {
		w.log.WithError(err).Warn("failed to release workload resources")
	}
	w.log.Debug("worker stopped")
}

func (w *Worker) recoverPanic(err *error) {
	r := recover()
	if r == nil {
		return
	}
	w.log.WithFields(logrus.Fields{
		"panic": r,
		"stack": string(debug.Stack()),
	}).Error("worker panicked")
	*err = workload.Fatal("panic", fmt.Errorf("%v", r))
}
