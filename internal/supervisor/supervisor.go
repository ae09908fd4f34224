// Package supervisor plans the worker pool, runs it and decides the exit code.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stackrox/berserker/internal/arrival"
	"github.com/stackrox/berserker/internal/config"
	"github.com/stackrox/berserker/internal/metrics"
	"github.com/stackrox/berserker/internal/worker"
	"github.com/stackrox/berserker/internal/workload"
)

// ErrGraceExpired reports workers that did not stop within the grace period.
var ErrGraceExpired = errors.New("workers did not stop within the grace period")

// Exit codes.
const (
	ExitClean        = 0
	ExitFatal        = 1
	ExitGraceExpired = 2
)

// DefaultSignals trigger a graceful shutdown.
var DefaultSignals = []os.Signal{os.Interrupt, syscall.SIGABRT, syscall.SIGTERM}

// ProgressFunc receives the merged snapshot of all workers and the previous one.
type ProgressFunc func(cur, prev metrics.Snapshot)

// Supervisor starts every planned worker, propagates cancellation and waits
// for them to converge.
type Supervisor struct {
	cfg     *config.WorkloadConfig
	plan    *Plan
	workers []*worker.Worker

	log      *logrus.Logger
	signals  []os.Signal
	timebase arrival.Timebase
	factory  workload.Factory

	progressEvery time.Duration
	progress      ProgressFunc
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(s *Supervisor) { s.log = l }
}

// WithSignals replaces DefaultSignals. No signals disables signal handling.
func WithSignals(sigs ...os.Signal) Option {
	return func(s *Supervisor) { s.signals = sigs }
}

// WithTimebase gives every worker the same timebase.
func WithTimebase(tb arrival.Timebase) Option {
	return func(s *Supervisor) { s.timebase = tb }
}

// WithFactory replaces the payload factory.
func WithFactory(f workload.Factory) Option {
	return func(s *Supervisor) { s.factory = f }
}

// WithProgress calls fn every interval while the pool runs.
func WithProgress(interval time.Duration, fn ProgressFunc) Option {
	return func(s *Supervisor) {
		s.progressEvery = interval
		s.progress = fn
	}
}

// New creates the workers of plan. Nothing runs until Run.
func New(cfg *config.WorkloadConfig, plan *Plan, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		plan:    plan,
		log:     logrus.StandardLogger(),
		signals: DefaultSignals,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, a := range plan.Assignments {
		wopts := []worker.Option{worker.WithLogger(s.log), worker.WithSlice(a.Slice)}
		if s.timebase != nil {
			wopts = append(wopts, worker.WithTimebase(s.timebase))
		}
		if s.factory != nil {
			wopts = append(wopts, worker.WithFactory(s.factory))
		}
		s.workers = append(s.workers, worker.New(a.ID, a.CPU, a.Config, wopts...))
	}
	return s
}

// Workers returns the pool.
func (s *Supervisor) Workers() []*worker.Worker {
	return s.workers
}

// Run starts all workers and blocks until they stop.
//
// Shutdown begins when ctx is cancelled, a configured signal arrives, the
// configured duration elapses or any worker fails fatally. The supervisor
// then waits up to the grace period for every worker to release its
// resources.
//
// Returns:
//   - nil after a clean shutdown
//   - the first worker's fatal error
//   - an error wrapping ErrGraceExpired naming the stragglers
func (s *Supervisor) Run(ctx context.Context) (*Report, error) {
	start := time.Now()

	if len(s.signals) > 0 {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, s.signals...)
		defer stop()
	}
	if d := s.cfg.Duration.Std(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	s.log.WithFields(logrus.Fields{
		"workload": s.cfg.Type,
		"workers":  len(s.workers),
		"pinned":   s.plan.Pinned,
		"duration": s.cfg.Duration.Std(),
	}).Info("starting workers")

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range s.workers {
		g.Go(func() error {
			err := w.Run(gctx)
			if err != nil {
				s.log.WithError(err).WithField("worker", w.ID).Error("worker failed")
			}
			return err
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	if s.progress != nil && s.progressEvery > 0 {
		go s.reportProgress(gctx)
	}

	var err error
	select {
	case err = <-done:
	case <-gctx.Done():
		s.log.WithField("reason", shutdownReason(ctx)).Info("shutting down workers")

		timer := time.NewTimer(s.cfg.GracePeriod.Std())
		defer timer.Stop()
		select {
		case err = <-done:
		case <-timer.C:
			stragglers := s.stragglers()
			s.log.WithField("workers", stragglers).Error("grace period expired")
			err = fmt.Errorf("%w: %v", ErrGraceExpired, stragglers)
		}
	}

	return s.report(time.Since(start)), err
}

func (s *Supervisor) reportProgress(ctx context.Context) {
	ticker := time.NewTicker(s.progressEvery)
	defer ticker.Stop()

	prev := s.merged()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := s.merged()
			s.progress(cur, prev)
			prev = cur
		}
	}
}

func (s *Supervisor) merged() metrics.Snapshot {
	var total metrics.Snapshot
	for _, w := range s.workers {
		total = total.Merge(w.Metrics.Snapshot())
	}
	total.Timestamp = time.Now()
	return total
}

func (s *Supervisor) stragglers() []int {
	var ids []int
	for _, w := range s.workers {
		if w.GetState() != worker.StateStopped {
			ids = append(ids, w.ID)
		}
	}
	return ids
}

func shutdownReason(ctx context.Context) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "duration elapsed"
	case ctx.Err() != nil:
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			return cause.Error()
		}
		return "cancelled"
	default:
		return "worker failed"
	}
}

// ExitCode maps the outcome of Run to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitClean
	case errors.Is(err, ErrGraceExpired):
		return ExitGraceExpired
	default:
		return ExitFatal
	}
}
