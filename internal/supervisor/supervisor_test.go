package supervisor

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackrox/berserker/internal/config"
	"github.com/stackrox/berserker/internal/metrics"
	"github.com/stackrox/berserker/internal/workload"
)

// stubPayload records one action per step until cancelled. A stuck payload
// ignores cancellation until released.
type stubPayload struct {
	env     workload.Env
	fail    bool
	stuck   <-chan struct{}
	closed  *atomic.Int32
	started chan<- int
}

func (p *stubPayload) Kind() config.Kind { return config.KindSyscall }

func (p *stubPayload) Start(context.Context) error {
	if p.started != nil {
		p.started <- p.env.WorkerID
	}
	return nil
}

func (p *stubPayload) Step(ctx context.Context) error {
	if p.fail {
		return workload.Fatal("lookup interface", errors.New("interface berserker0 is not available"))
	}
	if p.stuck != nil {
		<-p.stuck
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Millisecond):
		p.env.Metrics.RecordEvent(0, false)
		p.env.Metrics.RecordAction(time.Microsecond)
		return nil
	}
}

func (p *stubPayload) Close() error {
	p.closed.Add(1)
	return nil
}

type stubFactory struct {
	failWorker  int
	stuckWorker int
	stuck       chan struct{}
	started     chan int
	closed      atomic.Int32
}

func newStubFactory(workers int) *stubFactory {
	return &stubFactory{
		failWorker:  -1,
		stuckWorker: -1,
		stuck:       make(chan struct{}),
		started:     make(chan int, workers),
	}
}

func (f *stubFactory) build(cfg *config.WorkloadConfig, env workload.Env) (workload.Payload, error) {
	p := &stubPayload{env: env, closed: &f.closed, started: f.started}
	if env.WorkerID == f.failWorker {
		p.fail = true
	}
	if env.WorkerID == f.stuckWorker {
		p.stuck = f.stuck
	}
	return p, nil
}

func (f *stubFactory) waitStarted(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.started:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d workers started", i, n)
		}
	}
}

func testWorkload(workers int) *config.WorkloadConfig {
	cfg := &config.WorkloadConfig{
		Type:        config.KindSyscall,
		Workers:     workers,
		GracePeriod: config.Duration(time.Second),
		Syscall:     &config.SyscallConfig{ArrivalRate: 1},
	}
	cfg.ApplyDefaults()
	return cfg
}

func newTestSupervisor(t *testing.T, cfg *config.WorkloadConfig, f *stubFactory, opts ...Option) (*Supervisor, *test.Hook) {
	t.Helper()
	plan, err := NewPlan(cfg, StaticTopology{0})
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	opts = append([]Option{WithLogger(logger), WithFactory(f.build), WithSignals()}, opts...)
	return New(cfg, plan, opts...), hook
}

func TestSupervisor_CleanShutdownOnCancel(t *testing.T) {
	cfg := testWorkload(4)
	f := newStubFactory(4)
	s, _ := newTestSupervisor(t, cfg, f)

	ctx, cancel := context.WithCancel(context.Background())
	var (
		report *Report
		err    error
		wg     sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		report, err = s.Run(ctx)
	}()

	f.waitStarted(t, 4)
	time.Sleep(20 * time.Millisecond)
	cancel()
	wg.Wait()

	require.NoError(t, err)
	assert.Equal(t, ExitClean, ExitCode(err))
	assert.Equal(t, int32(4), f.closed.Load())

	require.Len(t, report.Workers, 4)
	var sum int64
	for _, w := range report.Workers {
		assert.Equal(t, "stopped", w.State)
		sum += w.Snapshot.Actions
	}
	assert.Equal(t, sum, report.Total.Actions)
	assert.Greater(t, sum, int64(0))
	assert.Equal(t, config.KindSyscall, report.Workload)
}

func TestSupervisor_DurationEndsRun(t *testing.T) {
	cfg := testWorkload(2)
	cfg.Duration = config.Duration(50 * time.Millisecond)
	f := newStubFactory(2)
	s, hook := newTestSupervisor(t, cfg, f)

	start := time.Now()
	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.GreaterOrEqual(t, report.Duration, 50*time.Millisecond)

	var reason interface{}
	for _, e := range hook.AllEntries() {
		if e.Message == "shutting down workers" {
			reason = e.Data["reason"]
		}
	}
	assert.Equal(t, "duration elapsed", reason)
}

func TestSupervisor_FatalWorkerStopsPool(t *testing.T) {
	cfg := testWorkload(3)
	f := newStubFactory(3)
	f.failWorker = 1
	s, hook := newTestSupervisor(t, cfg, f)

	report, err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, workload.IsFatal(err))
	assert.Equal(t, ExitFatal, ExitCode(err))
	assert.Contains(t, err.Error(), "interface berserker0 is not available")

	// the healthy workers were cancelled and released their resources
	assert.Equal(t, int32(3), f.closed.Load())
	for _, w := range report.Workers {
		assert.Equal(t, "stopped", w.State)
	}

	failures := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && e.Message == "worker failed" {
			failures++
			assert.Equal(t, 1, e.Data["worker"])
		}
	}
	assert.Equal(t, 1, failures)
}

func TestSupervisor_GraceExpiry(t *testing.T) {
	cfg := testWorkload(3)
	cfg.GracePeriod = config.Duration(50 * time.Millisecond)
	f := newStubFactory(3)
	f.stuckWorker = 2
	defer close(f.stuck)
	s, _ := newTestSupervisor(t, cfg, f)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for i := 0; i < 3; i++ {
			<-f.started
		}
		cancel()
	}()

	_, err := s.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGraceExpired)
	assert.Equal(t, ExitGraceExpired, ExitCode(err))
	assert.Contains(t, err.Error(), "[2]")
}

func TestSupervisor_SignalTriggersShutdown(t *testing.T) {
	cfg := testWorkload(2)
	f := newStubFactory(2)
	s, _ := newTestSupervisor(t, cfg, f, WithSignals(syscall.SIGUSR1))

	go func() {
		for i := 0; i < 2; i++ {
			<-f.started
		}
		syscall.Kill(os.Getpid(), syscall.SIGUSR1)
	}()

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("signal did not stop the run")
	}
	assert.Equal(t, int32(2), f.closed.Load())
}

func TestSupervisor_Progress(t *testing.T) {
	cfg := testWorkload(2)
	cfg.Duration = config.Duration(200 * time.Millisecond)
	f := newStubFactory(2)

	var calls atomic.Int32
	var last atomic.Value
	progress := func(cur, prev metrics.Snapshot) {
		calls.Add(1)
		last.Store(cur.ActionRate(prev))
	}
	s, _ := newTestSupervisor(t, cfg, f, WithProgress(20*time.Millisecond, progress))

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
	assert.Greater(t, last.Load().(float64), 0.0)
}

func TestSupervisor_RealWorkload(t *testing.T) {
	cfg := testWorkload(2)
	cfg.Syscall.ArrivalRate = 500
	cfg.Duration = config.Duration(200 * time.Millisecond)

	plan, err := NewPlan(cfg, StaticTopology{0})
	require.NoError(t, err)
	logger, _ := test.NewNullLogger()

	report, err := New(cfg, plan, WithLogger(logger), WithSignals()).Run(context.Background())
	require.NoError(t, err)
	assert.Greater(t, report.Total.Actions, int64(0))
	assert.Len(t, report.Workers, 2)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitClean},
		{workload.Fatal("start", errors.New("x")), ExitFatal},
		{errors.New("plain"), ExitFatal},
		{ErrGraceExpired, ExitGraceExpired},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCode(tt.err))
	}
}
