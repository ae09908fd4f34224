package workload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/sirupsen/logrus"

	"github.com/stackrox/berserker/internal/config"
)

// Attacher loads one program and attaches it to a tracepoint.
type Attacher interface {
	Attach(group, name string, index int) (io.Closer, error)
}

// kernelAttacher loads real BPF programs.
type kernelAttacher struct{}

// Attach loads "r0 = 0; exit" as a tracepoint program named berserker<index>.
func (kernelAttacher) Attach(group, name string, index int) (io.Closer, error) {
	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:    fmt.Sprintf("berserker%d", index),
		Type:    ebpf.TracePoint,
		License: "GPL",
		Instructions: asm.Instructions{
			asm.Mov.Imm(asm.R0, 0),
			asm.Return(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("load program: %w", err)
	}

	tp, err := link.Tracepoint(group, name, prog, nil)
	if err != nil {
		prog.Close()
		return nil, fmt.Errorf("attach to %s/%s: %w", group, name, err)
	}

	return &attachment{prog: prog, link: tp}, nil
}

type attachment struct {
	prog *ebpf.Program
	link link.Link
}

func (a *attachment) Close() error {
	return errors.Join(a.link.Close(), a.prog.Close())
}

// bpf holds a fixed number of programs on one tracepoint for the worker's
// lifetime.
type bpf struct {
	cfg      config.BPFConfig
	env      Env
	attacher Attacher

	attached []io.Closer
}

func newBPF(cfg config.BPFConfig, env Env) *bpf {
	return &bpf{
		cfg:      cfg,
		env:      env,
		attacher: kernelAttacher{},
	}
}

func (b *bpf) Kind() config.Kind { return config.KindBPF }

func (b *bpf) Start(ctx context.Context) error {
	group, name, err := config.SplitTracepoint(b.cfg.Tracepoint)
	if err != nil {
		return Fatal("parse tracepoint", err)
	}

	if _, ok := b.attacher.(kernelAttacher); ok {
		if err := rlimit.RemoveMemlock(); err != nil {
			b.env.Log.WithError(err).Warn("failed to remove memlock rlimit")
		}
	}

	for i := 0; i < b.cfg.ProgramCount; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		a, err := b.attacher.Attach(group, name, i)
		if err != nil {
			b.env.Metrics.RecordFailure()
			return Fatal("attach bpf program", err)
		}
		b.attached = append(b.attached, a)
		b.env.Metrics.AddActive(1)
		b.env.Metrics.RecordAction(time.Since(start))
	}

	b.env.Log.WithFields(logrus.Fields{
		"tracepoint": group + "/" + name,
		"programs":   len(b.attached),
	}).Info("bpf programs attached")
	return nil
}

// Step has nothing to do: attachment is static. It blocks until cancellation.
func (b *bpf) Step(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// Attached returns the number of programs currently attached.
func (b *bpf) Attached() int {
	return len(b.attached)
}

// Close detaches every program. Failures are logged and do not stop the
// remaining detaches.
func (b *bpf) Close() error {
	failed := 0
	for i, a := range b.attached {
		if err := a.Close(); err != nil {
			failed++
			b.env.Metrics.RecordFailure()
			b.env.Log.WithError(err).WithField("program", i).Warn("failed to detach bpf program")
		}
		b.env.Metrics.AddActive(-1)
		b.env.Metrics.RecordRelease()
	}
	b.attached = nil

	b.env.Log.WithField("failed", failed).Info("bpf programs detached")
	return nil
}
