package workload

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackrox/berserker/internal/config"
)

type fakeSocket struct {
	port   int
	closed bool
}

func (s *fakeSocket) Close() error {
	s.closed = true
	return nil
}

// fakeBinder records every bind and refuses the ports listed in busy.
type fakeBinder struct {
	busy    map[int]bool
	sockets []*fakeSocket
}

func (b *fakeBinder) bind(_ context.Context, _, address string) (io.Closer, error) {
	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, _ := strconv.Atoi(portStr)
	if b.busy[port] {
		return nil, &net.OpError{Op: "listen", Err: syscall.EADDRINUSE}
	}
	s := &fakeSocket{port: port}
	b.sockets = append(b.sockets, s)
	return s, nil
}

func endpointConfig(lo, hi int) config.EndpointConfig {
	cfg := &config.WorkloadConfig{
		Type: config.KindEndpoint,
		Endpoint: &config.EndpointConfig{
			ArrivalRate:   5,
			DepartureRate: 5,
			Distribution:  config.DistributionUniform,
			PortRange:     config.PortRange{lo, hi},
		},
	}
	cfg.ApplyDefaults()
	return *cfg.Endpoint
}

func TestEndpoint_RunOnVirtualTime(t *testing.T) {
	env, vt, _ := testEnv(t)
	binder := &fakeBinder{}

	e := newEndpoint(endpointConfig(8000, 8010), env)
	e.bind = binder.bind

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	deadline := epoch.Add(10 * time.Second)
	for vt.Now().Before(deadline) {
		require.NoError(t, e.Step(ctx))
		assert.LessOrEqual(t, e.Open(), 10)
	}

	// 5/s for 10s of arrivals
	assert.InDelta(t, 50, len(binder.sockets), 25)
	for _, s := range binder.sockets {
		assert.GreaterOrEqual(t, s.port, 8000)
		assert.Less(t, s.port, 8010)
	}

	snap := env.Metrics.Snapshot()
	assert.Equal(t, int64(e.Open()), snap.Active)

	require.NoError(t, e.Close())
	assert.Equal(t, 0, e.Open())
	for _, s := range binder.sockets {
		assert.True(t, s.closed, "port %d left open", s.port)
	}
	assert.Equal(t, int64(0), env.Metrics.Active())
}

func TestEndpoint_HeldPortCollision(t *testing.T) {
	env, _, hook := testEnv(t)
	binder := &fakeBinder{}

	cfg := endpointConfig(9000, 9001)
	cfg.MaxRetries = 3
	e := newEndpoint(cfg, env)
	e.bind = binder.bind

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	e.arrive(ctx)
	assert.Equal(t, []int{9000}, e.OpenPorts())

	e.arrive(ctx)
	assert.Equal(t, 1, e.Open())

	snap := env.Metrics.Snapshot()
	assert.Equal(t, int64(3), snap.Collisions)
	assert.Equal(t, int64(1), snap.Dropped)
	assert.Contains(t, warnings(hook), "no free port found, skipping arrival")
}

func TestEndpoint_ExternalAddressInUse(t *testing.T) {
	env, _, _ := testEnv(t)
	binder := &fakeBinder{busy: map[int]bool{7000: true}}

	cfg := endpointConfig(7000, 7001)
	cfg.MaxRetries = 2
	e := newEndpoint(cfg, env)
	e.bind = binder.bind

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	e.arrive(ctx)

	assert.Equal(t, 0, e.Open())
	snap := env.Metrics.Snapshot()
	assert.Equal(t, int64(2), snap.Collisions)
	assert.Equal(t, int64(1), snap.Dropped)
	assert.Equal(t, int64(0), snap.Failed)
}

func TestEndpoint_DepartClosesOpenPort(t *testing.T) {
	env, _, _ := testEnv(t)
	binder := &fakeBinder{}

	e := newEndpoint(endpointConfig(8000, 8004), env)
	e.bind = binder.bind

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	for e.Open() < 4 {
		e.arrive(ctx)
	}
	e.depart()
	assert.Equal(t, 3, e.Open())

	closed := 0
	for _, s := range binder.sockets {
		if s.closed {
			closed++
		}
	}
	assert.Equal(t, 1, closed)

	// departures on an empty set are ignored
	require.NoError(t, e.Close())
	e.depart()
	assert.Equal(t, 0, e.Open())
}

func TestEndpoint_StartRejectsBadSelector(t *testing.T) {
	env, _, _ := testEnv(t)
	cfg := endpointConfig(8000, 8010)
	cfg.Distribution = "normal"

	err := newEndpoint(cfg, env).Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestBindSocket(t *testing.T) {
	ctx := context.Background()

	tcp, err := bindSocket(ctx, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Implements(t, (*net.Listener)(nil), tcp)
	require.NoError(t, tcp.Close())

	udp, err := bindSocket(ctx, "udp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Implements(t, (*net.PacketConn)(nil), udp)
	require.NoError(t, udp.Close())
}

func TestBindSocket_PortInUse(t *testing.T) {
	ctx := context.Background()

	first, err := bindSocket(ctx, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer first.Close()

	addr := first.(net.Listener).Addr().String()
	_, err = bindSocket(ctx, "tcp", addr)
	require.Error(t, err)
	assert.ErrorIs(t, err, syscall.EADDRINUSE)
}

// procListens reports whether a /proc/net table has a socket bound locally to
// port.
func procListens(t *testing.T, table string, port int) bool {
	t.Helper()
	f, err := os.Open(table)
	if err != nil {
		t.Skipf("cannot read %s: %v", table, err)
	}
	defer f.Close()

	suffix := fmt.Sprintf(":%04X", port)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 1 && strings.HasSuffix(fields[1], suffix) {
			return true
		}
	}
	require.NoError(t, scanner.Err())
	return false
}

func TestBindSocket_IPv4WildcardIsIPv4(t *testing.T) {
	ctx := context.Background()

	t.Run("tcp", func(t *testing.T) {
		sock, err := bindSocket(ctx, "tcp", "0.0.0.0:0")
		require.NoError(t, err)
		defer sock.Close()

		addr := sock.(net.Listener).Addr().(*net.TCPAddr)
		assert.NotNil(t, addr.IP.To4())
		assert.True(t, procListens(t, "/proc/net/tcp", addr.Port))
		assert.False(t, procListens(t, "/proc/net/tcp6", addr.Port))
	})

	t.Run("udp", func(t *testing.T) {
		sock, err := bindSocket(ctx, "udp", "0.0.0.0:0")
		require.NoError(t, err)
		defer sock.Close()

		addr := sock.(net.PacketConn).LocalAddr().(*net.UDPAddr)
		assert.NotNil(t, addr.IP.To4())
		assert.True(t, procListens(t, "/proc/net/udp", addr.Port))
		assert.False(t, procListens(t, "/proc/net/udp6", addr.Port))
	})
}
