package workload

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/stackrox/berserker/internal/config"
)

var helloReply = []byte("hello\n")

// acceptBackoff keeps a failing accept loop from spinning.
const acceptBackoff = 10 * time.Millisecond

// server accepts connections on the target address and answers every
// received line with "hello".
type server struct {
	cfg config.NetworkConfig
	env Env

	listener net.Listener
	packet   net.PacketConn
	stop     func() bool

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup

	failures *rate.Sometimes
}

func newServer(cfg config.NetworkConfig, env Env) *server {
	return &server{
		cfg:      cfg,
		env:      env,
		conns:    make(map[net.Conn]struct{}),
		failures: newThrottle(),
	}
}

func (s *server) Kind() config.Kind { return config.KindNetwork }

// Addr returns the bound listening address.
func (s *server) Addr() net.Addr {
	if s.packet != nil {
		return s.packet.LocalAddr()
	}
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *server) Start(ctx context.Context) error {
	address := net.JoinHostPort(s.cfg.TargetAddress, strconv.Itoa(s.cfg.Port))
	lc := net.ListenConfig{Control: reusePort}
	network := listenNetwork(s.cfg.Protocol, address)

	if s.cfg.Protocol == "udp" {
		pc, err := lc.ListenPacket(ctx, network, address)
		if err != nil {
			return Fatal("listen", err)
		}
		s.packet = pc
		s.stop = context.AfterFunc(ctx, func() { pc.Close() })
	} else {
		ln, err := lc.Listen(ctx, network, address)
		if err != nil {
			return Fatal("listen", err)
		}
		s.listener = ln
		s.stop = context.AfterFunc(ctx, func() { ln.Close() })
	}

	s.env.Log.WithFields(logrus.Fields{
		"address":  s.Addr().String(),
		"protocol": s.cfg.Protocol,
	}).Info("network server listening")
	return nil
}

func (s *server) Step(ctx context.Context) error {
	if s.packet != nil {
		return s.serveDatagram(ctx)
	}

	conn, err := s.listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return Fatal("accept", err)
		}
		s.env.Metrics.RecordFailure()
		s.failures.Do(func() {
			s.env.Log.WithError(err).Warn("accept failed")
		})
		return s.env.Time.SleepUntil(ctx, s.env.Time.Now().Add(acceptBackoff))
	}

	s.env.Metrics.RecordEvent(0, false)
	s.env.Metrics.AddActive(1)

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.serve(conn)
	return nil
}

func (s *server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		s.env.Metrics.AddActive(-1)
		s.env.Metrics.RecordRelease()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		start := time.Now()
		if _, err := conn.Write(helloReply); err != nil {
			return
		}
		s.env.Metrics.RecordAction(time.Since(start))
	}
}

func (s *server) serveDatagram(ctx context.Context) error {
	buf := make([]byte, 64*1024)
	n, addr, err := s.packet.ReadFrom(buf)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return Fatal("read", err)
		}
		s.env.Metrics.RecordFailure()
		return nil
	}
	s.env.Metrics.RecordEvent(0, false)

	lines := bytes.Count(buf[:n], []byte("\n"))
	if lines == 0 {
		lines = 1
	}
	for i := 0; i < lines; i++ {
		start := time.Now()
		if _, err := s.packet.WriteTo(helloReply, addr); err != nil {
			s.env.Metrics.RecordFailure()
			return nil
		}
		s.env.Metrics.RecordAction(time.Since(start))
	}
	return nil
}

// Close stops listening, closes every accepted connection and waits for the
// connection handlers.
func (s *server) Close() error {
	if s.stop != nil {
		s.stop()
	}

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	if s.packet != nil {
		err = s.packet.Close()
	}
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}
