package workload

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackrox/berserker/internal/config"
)

type fakeProgram struct {
	closed   *int
	closeErr error
}

func (p *fakeProgram) Close() error {
	*p.closed++
	return p.closeErr
}

// fakeAttacher hands out programs and can fail at a given index or on detach.
type fakeAttacher struct {
	failAt    int
	detachErr error

	groups  []string
	names   []string
	closed  int
	handles int
}

func (a *fakeAttacher) Attach(group, name string, index int) (io.Closer, error) {
	if a.failAt > 0 && index == a.failAt {
		return nil, errors.New("permission denied")
	}
	a.groups = append(a.groups, group)
	a.names = append(a.names, name)
	a.handles++
	return &fakeProgram{closed: &a.closed, closeErr: a.detachErr}, nil
}

func TestBPF_AttachAndDetach(t *testing.T) {
	env, _, _ := testEnv(t)
	attacher := &fakeAttacher{}

	b := newBPF(config.BPFConfig{Tracepoint: "sys_enter_getpid", ProgramCount: 4}, env)
	b.attacher = attacher

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Start(ctx))
	assert.Equal(t, 4, b.Attached())
	assert.Equal(t, int64(4), env.Metrics.Active())
	assert.Equal(t, []string{"syscalls", "syscalls", "syscalls", "syscalls"}, attacher.groups)
	assert.Equal(t, "sys_enter_getpid", attacher.names[0])

	cancel()
	assert.ErrorIs(t, b.Step(ctx), context.Canceled)

	require.NoError(t, b.Close())
	assert.Equal(t, 0, b.Attached())
	assert.Equal(t, 4, attacher.closed)
	assert.Equal(t, int64(0), env.Metrics.Active())
}

func TestBPF_AttachFailureIsFatal(t *testing.T) {
	env, _, _ := testEnv(t)
	attacher := &fakeAttacher{failAt: 2}

	b := newBPF(config.BPFConfig{Tracepoint: "sched/sched_switch", ProgramCount: 4}, env)
	b.attacher = attacher

	err := b.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, []string{"sched", "sched"}, attacher.groups)

	// programs attached before the failure are still released
	require.NoError(t, b.Close())
	assert.Equal(t, 2, attacher.closed)
}

func TestBPF_DetachFailureIsNotFatal(t *testing.T) {
	env, _, hook := testEnv(t)
	attacher := &fakeAttacher{detachErr: errors.New("busy")}

	b := newBPF(config.BPFConfig{Tracepoint: "sys_enter_getpid", ProgramCount: 3}, env)
	b.attacher = attacher

	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Close())

	assert.Equal(t, 3, attacher.closed)
	assert.Equal(t, int64(3), env.Metrics.Snapshot().Failed)
	assert.Len(t, warnings(hook), 3)
}

func TestBPF_KernelAttach(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("attaching tracepoint programs requires root")
	}
	env, _, _ := testEnv(t)

	b := newBPF(config.BPFConfig{Tracepoint: "sys_enter_getpid", ProgramCount: 2}, env)
	err := b.Start(context.Background())
	if err != nil {
		b.Close()
		t.Skipf("kernel refused bpf attach: %v", err)
	}
	assert.Equal(t, 2, b.Attached())
	require.NoError(t, b.Close())
	assert.Equal(t, 0, b.Attached())
}
