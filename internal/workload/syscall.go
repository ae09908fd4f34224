package workload

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/stackrox/berserker/internal/arrival"
	"github.com/stackrox/berserker/internal/config"
	"github.com/stackrox/berserker/internal/metrics"
)

// syscallNumbers maps the allowed names to syscall numbers. Every entry takes
// no arguments and has no side effects.
var syscallNumbers = map[string]uintptr{
	"getpid":      unix.SYS_GETPID,
	"getppid":     unix.SYS_GETPPID,
	"gettid":      unix.SYS_GETTID,
	"getuid":      unix.SYS_GETUID,
	"geteuid":     unix.SYS_GETEUID,
	"getgid":      unix.SYS_GETGID,
	"sched_yield": unix.SYS_SCHED_YIELD,
}

// syscaller invokes one cheap syscall per arrival, directly from the worker.
type syscaller struct {
	cfg config.SyscallConfig
	env Env
	nr  uintptr

	arrivals *arrival.Clock
	drift    *rate.Sometimes

	lastReport time.Time
	prev       metrics.Snapshot
}

func newSyscall(cfg config.SyscallConfig, env Env) *syscaller {
	return &syscaller{
		cfg:   cfg,
		env:   env,
		drift: newThrottle(),
	}
}

func (s *syscaller) Kind() config.Kind { return config.KindSyscall }

func (s *syscaller) Start(ctx context.Context) error {
	nr, ok := syscallNumbers[s.cfg.Syscall]
	if !ok {
		return Fatal("resolve syscall", fmt.Errorf("unsupported syscall %q", s.cfg.Syscall))
	}
	s.nr = nr

	if !s.cfg.TightLoop {
		s.arrivals = newClock(s.cfg.ArrivalRate, s.env)
	}
	s.lastReport = s.env.Time.Now()
	s.prev = s.env.Metrics.Snapshot()

	s.env.Log.WithFields(logrus.Fields{
		"syscall":      s.cfg.Syscall,
		"nr":           s.nr,
		"arrival_rate": s.cfg.ArrivalRate,
		"tight_loop":   s.cfg.TightLoop,
	}).Info("syscall workload started")
	return nil
}

func (s *syscaller) Step(ctx context.Context) error {
	if s.arrivals != nil {
		tick, err := s.arrivals.Wait(ctx, s.env.Time)
		if err != nil {
			return err
		}
		recordTick(s.env, tick, s.drift)
	}

	start := time.Now()
	_, _, errno := unix.Syscall(s.nr, 0, 0, 0)
	if errno != 0 {
		s.env.Metrics.RecordFailure()
	} else {
		s.env.Metrics.RecordAction(time.Since(start))
	}

	s.report()
	return nil
}

// report logs the achieved rate every report interval.
func (s *syscaller) report() {
	now := s.env.Time.Now()
	if now.Sub(s.lastReport) < s.cfg.ReportInterval.Std() {
		return
	}

	snap := s.env.Metrics.Snapshot()
	elapsed := now.Sub(s.lastReport).Seconds()
	s.env.Log.WithFields(logrus.Fields{
		"rate":  fmt.Sprintf("%.1f/s", float64(snap.Actions-s.prev.Actions)/elapsed),
		"total": snap.Actions,
	}).Info("syscall rate")

	s.prev = snap
	s.lastReport = now
}

func (s *syscaller) Close() error {
	return nil
}
