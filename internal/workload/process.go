package workload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/stackrox/berserker/internal/arrival"
	"github.com/stackrox/berserker/internal/config"
	"github.com/stackrox/berserker/internal/distribution"
)

// StubCommand is the hidden subcommand the process workload runs when no
// external helper is configured.
const StubCommand = "stub"

const argLength = 7

// process churns short-lived children at a Poisson rate.
//
// In exec mode each child is the helper binary with a random argument and
// lives for an exponential lifetime; in fork mode the child is a raw copy of
// this process that exits immediately. Every child is reaped by a goroutine
// owned by this payload, and Close waits for all of them.
type process struct {
	cfg config.ProcessConfig
	env Env

	arrivals *arrival.Clock
	lifetime distribution.Exponential
	slots    chan struct{}

	helper     string
	helperArgs []string

	mu       sync.Mutex
	children map[int]*exec.Cmd
	reapers  sync.WaitGroup

	drift    *rate.Sometimes
	overflow *rate.Sometimes
	failures *rate.Sometimes
}

func newProcess(cfg config.ProcessConfig, env Env) *process {
	return &process{
		cfg:      cfg,
		env:      env,
		lifetime: distribution.NewExponential(cfg.DepartureRate),
		children: make(map[int]*exec.Cmd),
		drift:    newThrottle(),
		overflow: newThrottle(),
		failures: newThrottle(),
	}
}

func (p *process) Kind() config.Kind { return config.KindProcess }

func (p *process) Start(ctx context.Context) error {
	ceiling := p.cfg.MaxProcesses
	if ceiling <= 0 {
		ceiling = config.DefaultMaxProcesses
	}
	p.slots = make(chan struct{}, ceiling)

	if p.cfg.SpawnMode != config.SpawnFork {
		if err := p.resolveHelper(); err != nil {
			return Fatal("resolve helper", err)
		}
	}

	p.arrivals = newClock(p.cfg.ArrivalRate, p.env)
	p.env.Log.WithFields(logrus.Fields{
		"mode":          p.cfg.SpawnMode,
		"helper":        p.helper,
		"max_processes": ceiling,
		"overflow":      p.cfg.Overflow,
	}).Info("process workload started")
	return nil
}

func (p *process) resolveHelper() error {
	if p.cfg.Helper != "" {
		path, err := exec.LookPath(p.cfg.Helper)
		if err != nil {
			return err
		}
		p.helper = path
		return nil
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot locate own executable: %w", err)
	}
	p.helper = self
	p.helperArgs = []string{StubCommand}
	return nil
}

func (p *process) Step(ctx context.Context) error {
	tick, err := p.arrivals.Wait(ctx, p.env.Time)
	if err != nil {
		return err
	}
	recordTick(p.env, tick, p.drift)

	if !p.acquire(ctx) {
		return ctx.Err()
	}

	if p.cfg.SpawnMode == config.SpawnFork {
		return p.fork()
	}
	return p.exec()
}

// acquire takes a concurrency slot according to the overflow policy.
// Returns false when the arrival must be dropped or the context ended.
func (p *process) acquire(ctx context.Context) bool {
	select {
	case p.slots <- struct{}{}:
		return true
	default:
	}

	if p.cfg.Overflow == config.OverflowBlock {
		select {
		case p.slots <- struct{}{}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	p.env.Metrics.RecordDrop()
	p.overflow.Do(func() {
		p.env.Log.WithField("max_processes", cap(p.slots)).Warn("process ceiling reached, dropping arrivals")
	})
	return false
}

func (p *process) release() {
	<-p.slots
}

func (p *process) exec() error {
	args := append([]string{}, p.helperArgs...)
	args = append(args, randomArg(p.env.Rand, argLength))
	if p.helperArgs != nil {
		lifetime := p.lifetime.Sample(p.env.Rand)
		args = append(args, strconv.FormatInt(lifetime.Milliseconds(), 10))
	}

	cmd := exec.Command(p.helper, args...)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		p.release()
		p.env.Metrics.RecordFailure()
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return Fatal("spawn helper", err)
		}
		p.failures.Do(func() {
			p.env.Log.WithError(err).Warn("failed to spawn helper")
		})
		return nil
	}
	p.env.Metrics.RecordAction(time.Since(start))
	p.env.Metrics.AddActive(1)

	pid := cmd.Process.Pid
	p.mu.Lock()
	p.children[pid] = cmd
	p.mu.Unlock()

	p.reapers.Add(1)
	go func() {
		defer p.reapers.Done()
		// Wait reaps the child whatever its exit status.
		_ = cmd.Wait()

		p.mu.Lock()
		delete(p.children, pid)
		p.mu.Unlock()

		p.env.Metrics.AddActive(-1)
		p.env.Metrics.RecordRelease()
		p.release()
	}()
	return nil
}

func (p *process) fork() error {
	start := time.Now()
	pid, err := forkExit()
	if err != nil {
		p.release()
		p.env.Metrics.RecordFailure()
		p.failures.Do(func() {
			p.env.Log.WithError(err).Warn("fork failed")
		})
		return nil
	}
	p.env.Metrics.RecordAction(time.Since(start))
	p.env.Metrics.AddActive(1)

	p.reapers.Add(1)
	go func() {
		defer p.reapers.Done()
		var status unix.WaitStatus
		for {
			_, err := unix.Wait4(pid, &status, 0, nil)
			if err != unix.EINTR {
				break
			}
		}
		p.env.Metrics.AddActive(-1)
		p.env.Metrics.RecordRelease()
		p.release()
	}()
	return nil
}

// Live returns the number of children not yet reaped.
func (p *process) Live() int {
	return int(p.env.Metrics.Active())
}

// Close kills every running helper and waits until all children are reaped.
func (p *process) Close() error {
	p.mu.Lock()
	for _, cmd := range p.children {
		_ = cmd.Process.Kill()
	}
	p.mu.Unlock()

	p.reapers.Wait()
	return nil
}
