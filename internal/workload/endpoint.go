package workload

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/stackrox/berserker/internal/arrival"
	"github.com/stackrox/berserker/internal/config"
	"github.com/stackrox/berserker/internal/distribution"
)

// Binder opens one listening endpoint.
type Binder func(ctx context.Context, protocol, address string) (io.Closer, error)

// bindSocket listens on address with the standard library.
func bindSocket(ctx context.Context, protocol, address string) (io.Closer, error) {
	var lc net.ListenConfig
	network := listenNetwork(protocol, address)
	if protocol == "udp" {
		return lc.ListenPacket(ctx, network, address)
	}
	return lc.Listen(ctx, network, address)
}

// endpoint opens and closes listening sockets over a port range.
//
// Arrivals bind a port drawn from the selector; departures close one of the
// open ports drawn from the same selector restricted to the open set, so hot
// ports both open and close more often.
type endpoint struct {
	cfg  config.EndpointConfig
	env  Env
	bind Binder

	sel        distribution.Selector
	arrivals   *arrival.Clock
	departures *arrival.Clock

	// open maps a port index to its socket. Owned by the worker goroutine.
	open map[int]io.Closer

	drift      *rate.Sometimes
	collisions *rate.Sometimes
	failures   *rate.Sometimes
}

func newEndpoint(cfg config.EndpointConfig, env Env) *endpoint {
	return &endpoint{
		cfg:        cfg,
		env:        env,
		bind:       bindSocket,
		open:       make(map[int]io.Closer),
		drift:      newThrottle(),
		collisions: newThrottle(),
		failures:   newThrottle(),
	}
}

func (e *endpoint) Kind() config.Kind { return config.KindEndpoint }

func (e *endpoint) Start(ctx context.Context) error {
	if _, err := netip.ParseAddr(e.cfg.BindAddress); err != nil {
		return Fatal("parse bind address", err)
	}

	sel, err := distribution.NewSelector(string(e.cfg.Distribution), e.cfg.PortRange.Len(), e.cfg.Skew)
	if err != nil {
		return Fatal("build port selector", err)
	}
	e.sel = sel
	e.arrivals = newClock(e.cfg.ArrivalRate, e.env)
	e.departures = newClock(e.cfg.DepartureRate, e.env)

	e.env.Log.WithFields(logrus.Fields{
		"ports":        e.cfg.PortRange.String(),
		"distribution": e.cfg.Distribution,
		"skew":         e.cfg.Skew,
		"protocol":     e.cfg.Protocol,
	}).Info("endpoint workload started")
	return nil
}

func (e *endpoint) Step(ctx context.Context) error {
	next := arrival.Earliest(e.arrivals, e.departures)
	tick, err := next.Wait(ctx, e.env.Time)
	if err != nil {
		return err
	}
	recordTick(e.env, tick, e.drift)

	if next == e.arrivals {
		e.arrive(ctx)
	} else {
		e.depart()
	}
	return nil
}

func (e *endpoint) arrive(ctx context.Context) {
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		idx := e.sel.Pick(e.env.Rand)
		if _, held := e.open[idx]; held {
			e.env.Metrics.RecordCollision()
			continue
		}

		port := e.cfg.PortRange.Lo() + idx
		address := net.JoinHostPort(e.cfg.BindAddress, strconv.Itoa(port))

		start := time.Now()
		sock, err := e.bind(ctx, e.cfg.Protocol, address)
		if err != nil {
			if errors.Is(err, syscall.EADDRINUSE) {
				// held by someone outside this worker
				e.env.Metrics.RecordCollision()
				continue
			}
			e.env.Metrics.RecordFailure()
			e.failures.Do(func() {
				e.env.Log.WithError(err).WithField("port", port).Warn("failed to bind endpoint")
			})
			return
		}

		e.env.Metrics.RecordAction(time.Since(start))
		e.env.Metrics.AddActive(1)
		e.open[idx] = sock
		return
	}

	e.env.Metrics.RecordDrop()
	e.collisions.Do(func() {
		e.env.Log.WithField("retries", e.cfg.MaxRetries).Warn("no free port found, skipping arrival")
	})
}

func (e *endpoint) depart() {
	if len(e.open) == 0 {
		return
	}

	idx := distribution.PickWeighted(e.sel, e.openIndices(), e.env.Rand)
	e.closeIndex(idx)
}

func (e *endpoint) openIndices() []int {
	indices := make([]int, 0, len(e.open))
	for idx := range e.open {
		indices = append(indices, idx)
	}
	// map order is random; sorting keeps selection reproducible under a seed
	sort.Ints(indices)
	return indices
}

func (e *endpoint) closeIndex(idx int) error {
	sock := e.open[idx]
	delete(e.open, idx)

	e.env.Metrics.AddActive(-1)
	e.env.Metrics.RecordRelease()
	if err := sock.Close(); err != nil {
		e.env.Log.WithError(err).WithField("port", e.cfg.PortRange.Lo()+idx).Warn("failed to close endpoint")
		return err
	}
	return nil
}

// Open returns the number of endpoints currently held.
func (e *endpoint) Open() int {
	return len(e.open)
}

// OpenPorts returns the held ports in ascending order.
func (e *endpoint) OpenPorts() []int {
	indices := e.openIndices()
	ports := make([]int, len(indices))
	for i, idx := range indices {
		ports[i] = e.cfg.PortRange.Lo() + idx
	}
	return ports
}

// Close closes every open endpoint.
func (e *endpoint) Close() error {
	var errs []error
	for _, idx := range e.openIndices() {
		if err := e.closeIndex(idx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
