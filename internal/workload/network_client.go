package workload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/stackrox/berserker/internal/arrival"
	"github.com/stackrox/berserker/internal/config"
	"github.com/stackrox/berserker/internal/distribution"
)

const (
	// reconnectBackoff is how long a failed static connection waits before redialing.
	reconnectBackoff = time.Second

	writeTimeout = time.Second
)

var pingPayload = []byte("ping\n")

// Dialer opens one client connection from local to remote.
type Dialer func(ctx context.Context, protocol string, local netip.AddrPort, remote string) (net.Conn, error)

// InterfaceLookup resolves a network interface by name.
type InterfaceLookup func(name string) (*net.Interface, error)

// deviceDialer binds every connection to iface with a spoofed source address.
func deviceDialer(iface string) Dialer {
	return func(ctx context.Context, protocol string, local netip.AddrPort, remote string) (net.Conn, error) {
		d := net.Dialer{Control: bindToDevice(iface)}
		if protocol == "udp" {
			d.LocalAddr = net.UDPAddrFromAddrPort(local)
		} else {
			d.LocalAddr = net.TCPAddrFromAddrPort(local)
		}
		return d.DialContext(ctx, protocol, remote)
	}
}

// clientConn is one open client flow.
type clientConn struct {
	conn  net.Conn
	local netip.AddrPort
	// expires is zero for static connections.
	expires time.Time
}

// staticSlot holds a static connection or the time to redial it.
type staticSlot struct {
	cc      *clientConn
	retryAt time.Time
}

// client keeps a set of connections to the target and sends a line on one of
// them every send interval.
//
// Static connections live for the whole run. Dynamic connections arrive on a
// Poisson clock and each lives for an exponential lifetime.
type client struct {
	cfg    config.NetworkConfig
	env    Env
	dial   Dialer
	lookup InterfaceLookup

	remote string
	pool   addressSlice
	next   uint32

	static   []staticSlot
	dynamic  []*clientConn
	arrivals *arrival.Clock
	lifetime distribution.Exponential

	limiter *rate.Limiter
	cursor  int

	wg sync.WaitGroup

	drift    *rate.Sometimes
	failures *rate.Sometimes
	full     *rate.Sometimes
}

func newClient(cfg config.NetworkConfig, env Env) *client {
	return &client{
		cfg:      cfg,
		env:      env,
		dial:     deviceDialer(cfg.Interface),
		lookup:   net.InterfaceByName,
		drift:    newThrottle(),
		failures: newThrottle(),
		full:     newThrottle(),
	}
}

func (c *client) Kind() config.Kind { return config.KindNetwork }

func (c *client) Start(ctx context.Context) error {
	iface, err := c.lookup(c.cfg.Interface)
	if err != nil {
		return Fatal("lookup interface", fmt.Errorf("interface %s is not available, it must be provisioned before the network workload starts: %w", c.cfg.Interface, err))
	}
	if iface.Flags&net.FlagUp == 0 {
		return Fatal("lookup interface", fmt.Errorf("interface %s is down", c.cfg.Interface))
	}

	prefix, err := netip.ParsePrefix(c.cfg.AddressPool)
	if err != nil {
		return Fatal("parse address pool", err)
	}
	pool, err := sliceAddressPool(prefix, c.cfg.ConnsPerAddr, c.env.Slice)
	if err != nil {
		return Fatal("slice address pool", err)
	}
	c.pool = pool
	c.remote = net.JoinHostPort(c.cfg.TargetAddress, strconv.Itoa(c.cfg.Port))

	c.limiter = rate.NewLimiter(rate.Every(c.cfg.SendInterval.Std()), 1)
	if c.cfg.ConnectionsDynMax > 0 {
		c.arrivals = newClock(c.cfg.ArrivalRate, c.env)
		c.lifetime = distribution.NewExponential(c.cfg.DepartureRate)
	}

	now := c.env.Time.Now()
	c.static = make([]staticSlot, c.cfg.Connections)
	for i := range c.static {
		c.static[i].cc = c.open(ctx, time.Time{})
		if c.static[i].cc == nil {
			c.static[i].retryAt = now.Add(reconnectBackoff)
		}
	}

	c.env.Log.WithFields(logrus.Fields{
		"interface":   c.cfg.Interface,
		"target":      c.remote,
		"source_base": c.pool.base.String(),
		"connections": c.cfg.Connections,
		"dyn_max":     c.cfg.ConnectionsDynMax,
	}).Info("network client started")
	return nil
}

func (c *client) Step(ctx context.Context) error {
	now := c.env.Time.Now()
	wake := c.sendDue(now)
	if c.arrivals != nil && c.arrivals.Due().Before(wake) {
		wake = c.arrivals.Due()
	}
	if exp, ok := c.nextExpiry(); ok && exp.Before(wake) {
		wake = exp
	}

	if err := c.env.Time.SleepUntil(ctx, wake); err != nil {
		return err
	}
	now = c.env.Time.Now()

	c.expire(now)
	if c.arrivals != nil && !now.Before(c.arrivals.Due()) {
		recordTick(c.env, c.arrivals.Fire(now), c.drift)
		c.arrive(ctx, now)
	}
	if c.limiter.AllowN(now, 1) {
		c.redial(ctx, now)
		c.send(now)
	}
	return nil
}

// sendDue returns when the limiter next holds a token.
func (c *client) sendDue(now time.Time) time.Time {
	tokens := c.limiter.TokensAt(now)
	if tokens >= 1 {
		return now
	}
	wait := (1 - tokens) / float64(c.limiter.Limit())
	// round up so the limiter holds a whole token at the returned time
	return now.Add(time.Duration(math.Ceil(wait * float64(time.Second))))
}

func (c *client) nextExpiry() (time.Time, bool) {
	var earliest time.Time
	for _, cc := range c.dynamic {
		if earliest.IsZero() || cc.expires.Before(earliest) {
			earliest = cc.expires
		}
	}
	return earliest, !earliest.IsZero()
}

func (c *client) expire(now time.Time) {
	kept := c.dynamic[:0]
	for _, cc := range c.dynamic {
		if now.Before(cc.expires) {
			kept = append(kept, cc)
			continue
		}
		c.release(cc)
	}
	c.dynamic = kept
}

func (c *client) arrive(ctx context.Context, now time.Time) {
	if len(c.dynamic) >= c.cfg.ConnectionsDynMax {
		if !c.cfg.Preempt {
			c.env.Metrics.RecordDrop()
			c.full.Do(func() {
				c.env.Log.WithField("dyn_max", c.cfg.ConnectionsDynMax).Warn("dynamic connection limit reached, skipping arrival")
			})
			return
		}
		victim := c.env.Rand.Intn(len(c.dynamic))
		c.release(c.dynamic[victim])
		c.dynamic = append(c.dynamic[:victim], c.dynamic[victim+1:]...)
	}

	cc := c.open(ctx, now.Add(c.lifetime.Sample(c.env.Rand)))
	if cc != nil {
		c.dynamic = append(c.dynamic, cc)
	}
}

// redial reopens at most one failed static connection per send tick.
func (c *client) redial(ctx context.Context, now time.Time) {
	for i := range c.static {
		slot := &c.static[i]
		if slot.cc != nil || now.Before(slot.retryAt) {
			continue
		}
		slot.cc = c.open(ctx, time.Time{})
		if slot.cc == nil {
			slot.retryAt = now.Add(reconnectBackoff)
		}
		return
	}
}

// send writes one line on the next live connection in round-robin order.
func (c *client) send(now time.Time) {
	total := len(c.static) + len(c.dynamic)
	for i := 0; i < total; i++ {
		idx := (c.cursor + i) % total
		cc := c.connAt(idx)
		if cc == nil {
			continue
		}
		c.cursor = idx + 1

		start := time.Now()
		cc.conn.SetWriteDeadline(start.Add(writeTimeout))
		if _, err := cc.conn.Write(pingPayload); err != nil {
			c.env.Metrics.RecordFailure()
			c.failures.Do(func() {
				c.env.Log.WithError(err).WithField("source", cc.local.String()).Warn("send failed, dropping connection")
			})
			c.drop(idx, now)
			return
		}
		c.env.Metrics.RecordAction(time.Since(start))
		return
	}
}

func (c *client) connAt(idx int) *clientConn {
	if idx < len(c.static) {
		return c.static[idx].cc
	}
	return c.dynamic[idx-len(c.static)]
}

func (c *client) drop(idx int, now time.Time) {
	if idx < len(c.static) {
		c.release(c.static[idx].cc)
		c.static[idx] = staticSlot{retryAt: now.Add(reconnectBackoff)}
		return
	}
	d := idx - len(c.static)
	c.release(c.dynamic[d])
	c.dynamic = append(c.dynamic[:d], c.dynamic[d+1:]...)
}

// open dials from the next source address of the worker's pool slice.
// Failures are counted and logged; nil is returned.
func (c *client) open(ctx context.Context, expires time.Time) *clientConn {
	local := c.pool.at(c.next % c.pool.capacity())
	c.next++

	start := time.Now()
	conn, err := c.dial(ctx, c.cfg.Protocol, local, c.remote)
	if err != nil {
		if ctx.Err() == nil {
			c.env.Metrics.RecordFailure()
			c.failures.Do(func() {
				c.env.Log.WithError(err).WithField("source", local.String()).Warn("connect failed")
			})
		}
		return nil
	}
	c.env.Metrics.RecordAction(time.Since(start))
	c.env.Metrics.AddActive(1)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		io.Copy(io.Discard, conn)
	}()

	return &clientConn{conn: conn, local: local, expires: expires}
}

func (c *client) release(cc *clientConn) error {
	c.env.Metrics.AddActive(-1)
	c.env.Metrics.RecordRelease()
	err := cc.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Live returns the number of open static and dynamic connections.
func (c *client) Live() (static, dynamic int) {
	for _, slot := range c.static {
		if slot.cc != nil {
			static++
		}
	}
	return static, len(c.dynamic)
}

// Close closes every connection and waits for the readers to drain.
func (c *client) Close() error {
	var errs []error
	for i := range c.static {
		if c.static[i].cc != nil {
			errs = append(errs, c.release(c.static[i].cc))
			c.static[i].cc = nil
		}
	}
	for _, cc := range c.dynamic {
		errs = append(errs, c.release(cc))
	}
	c.dynamic = nil

	c.wg.Wait()
	return errors.Join(errs...)
}
