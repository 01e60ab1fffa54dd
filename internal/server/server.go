// Package server implements the UDP, TCP, and TLS-over-TCP listeners
// that dispatch STUN/TURN requests and relay bound ChannelData, built
// around a pooled per-datagram context and a bounded worker pool.
package server

import (
	"crypto/tls"
	"encoding/binary"
	"net"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-reuseport"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/turnrelay/turnrelayd/internal/allocator"
	"github.com/turnrelay/turnrelayd/internal/auth"
	"github.com/turnrelay/turnrelayd/internal/filter"
	"github.com/turnrelay/turnrelayd/internal/stun"
	"github.com/turnrelay/turnrelayd/internal/turn"
)

var bin = binary.BigEndian

// MetricsRegistry is the subset of prometheus.Registerer the server
// needs to publish its collectors.
type MetricsRegistry interface {
	Register(prometheus.Collector) error
}

// Options configures a new Server. Server.SetOptions (an
// atomically-swapped config) later changes Software, Realm, Auth,
// AuthForSTUN, PeerRule, ClientRule, DefaultLifetime, MaxLifetime,
// MaxClients and MaxRelayPerClient; the other fields take effect only
// in New.
type Options struct {
	Software string
	Realm    string
	Auth     *auth.Authenticator

	Conn net.Addr // the relay interface address, used to size outbound allocations

	PeerRule   filter.Rule
	ClientRule filter.Rule

	DefaultLifetime time.Duration
	MaxLifetime     time.Duration

	MaxClients        int
	MaxRelayPerClient int

	Workers    int
	CollectRate time.Duration

	Labels         prometheus.Labels
	Registry       MetricsRegistry
	MetricsEnabled bool

	ReusePort   bool
	ManualStart bool

	AuthForSTUN bool

	TLS     *tls.Config
	TCPPort int // 0 disables the TCP/TLS listener

	Log *zap.Logger
}

type metrics interface {
	incSTUNMessages()
	incChannelDataMessages()
	incDroppedMessages()
}

// Server dispatches STUN/TURN messages arriving on its listeners.
type Server struct {
	cfg atomic.Value // *config

	log      *zap.Logger
	allocs   *allocator.Allocator
	tokens   *allocator.TokenPool
	handlers map[stun.MessageType]handleFunc
	metrics  metrics

	connsMux sync.RWMutex
	conns    map[string]writerFunc

	listeners []net.Listener
	packets   []net.PacketConn

	pool *workerPool
	wg   sync.WaitGroup

	closeOnce sync.Once
	close     chan struct{}
}

type writerFunc func(data []byte) (int, error)

// New builds a Server relaying on conn for its allocated ports.
func New(o Options) (*Server, error) {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Workers == 0 {
		o.Workers = 100
	}
	if o.CollectRate == 0 {
		o.CollectRate = time.Second
	}
	if o.Labels == nil {
		o.Labels = prometheus.Labels{}
	}

	netAlloc, err := allocator.NewNetAllocator(o.Log, o.Conn, allocator.SystemPortAllocator{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to init port allocator")
	}
	allocs := allocator.NewAllocator(allocator.Options{Log: o.Log, Conn: netAlloc, Labels: o.Labels})

	s := &Server{
		log:    o.Log,
		allocs: allocs,
		tokens: allocator.NewTokenPool(o.Log),
		conns:  make(map[string]writerFunc),
		close:  make(chan struct{}),
	}
	s.metrics = noopMetrics{}
	if o.MetricsEnabled {
		m := newPromMetrics(o.Labels)
		s.metrics = m
		if o.Registry != nil {
			if err := o.Registry.Register(m); err != nil {
				return nil, errors.Wrap(err, "failed to register server metrics")
			}
			if err := o.Registry.Register(allocs); err != nil {
				return nil, errors.Wrap(err, "failed to register allocator metrics")
			}
		}
	}

	s.cfg.Store(newConfig(o))
	s.setHandlers()
	s.pool = &workerPool{WorkerFunc: s.process, MaxWorkersCount: o.Workers, Logger: o.Log}

	if !o.ManualStart {
		s.Start(o.CollectRate)
	}
	return s, nil
}

func (s *Server) config() *config { return s.cfg.Load().(*config) }

// SetOptions installs new runtime options, observed by the next
// message each listener goroutine processes.
func (s *Server) SetOptions(o Options) { s.cfg.Store(newConfig(o)) }

// Start begins the background prune loop; New calls this automatically
// unless Options.ManualStart is set.
func (s *Server) Start(rate time.Duration) {
	s.pool.Start()
	s.wg.Add(1)
	go s.collectLoop(rate)
}

func (s *Server) collectLoop(rate time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(rate)
	defer t.Stop()
	for {
		select {
		case <-s.close:
			return
		case now := <-t.C:
			s.allocs.Prune(now)
			s.tokens.Prune(now)
		}
	}
}

// Close shuts down all listeners and waits for in-flight workers.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.close) })
	for _, l := range s.listeners {
		_ = l.Close()
	}
	for _, p := range s.packets {
		_ = p.Close()
	}
	s.pool.Stop()
	s.wg.Wait()
	return nil
}

func isErrConnClosed(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}

// ListenUDP starts a UDP listener on addr, optionally with SO_REUSEPORT
// replicas (one per GOMAXPROCS) when ReusePort is set.
func (s *Server) ListenUDP(addr string, reusePort bool) error {
	replicas := 1
	if reusePort {
		replicas = runtime.GOMAXPROCS(0)
	}
	for i := 0; i < replicas; i++ {
		pc, err := s.listenPacket(addr, reusePort)
		if err != nil {
			return err
		}
		s.packets = append(s.packets, pc)
		s.wg.Add(1)
		go s.serveUDP(pc)
	}
	return nil
}

func (s *Server) listenPacket(addr string, reusePort bool) (net.PacketConn, error) {
	if reusePort {
		return reuseport.ListenPacket("udp", addr)
	}
	return net.ListenPacket("udp", addr)
}

func (s *Server) serveUDP(pc net.PacketConn) {
	defer s.wg.Done()
	buf := make([]byte, 2048)
	var server turn.Addr
	if ua, ok := pc.LocalAddr().(*net.UDPAddr); ok {
		server.FromUDPAddr(ua)
	}
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if !isErrConnClosed(err) {
				s.log.Warn("udp read failed", zap.Error(err))
			}
			return
		}
		ua, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}

		ctx := acquireContext()
		ctx.buf = append(ctx.buf[:0], buf[:n]...)
		ctx.cfg = s.config()
		ctx.time = time.Now()
		ctx.proto = turn.ProtoUDP
		ctx.client.FromUDPAddr(ua)
		ctx.server = server
		ctx.setTuple()

		client := ctx.client
		s.registerConn(ctx.tuple, func(data []byte) (int, error) {
			return pc.WriteTo(data, &net.UDPAddr{IP: client.IP, Port: client.Port})
		})

		if !s.pool.Serve(ctx) {
			s.metrics.incDroppedMessages()
			putContext(ctx)
		}
	}
}

// ListenTCP starts a TCP listener on addr. If tlsConfig is non-nil, the
// accepted connections are upgraded to TLS (the TURNS transport of
// spec §6).
func (s *Server) ListenTCP(addr string, tlsConfig *tls.Config) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if tlsConfig != nil {
		l = tls.NewListener(l, tlsConfig)
	}
	s.listeners = append(s.listeners, l)
	s.wg.Add(1)
	go s.serveTCPListener(l)
	return nil
}

func (s *Server) serveTCPListener(l net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := l.Accept()
		if err != nil {
			if !isErrConnClosed(err) {
				s.log.Warn("tcp accept failed", zap.Error(err))
			}
			return
		}
		s.wg.Add(1)
		go s.serveTCPConn(nc)
	}
}

func (s *Server) serveTCPConn(nc net.Conn) {
	defer s.wg.Done()
	defer nc.Close()

	proto := turn.ProtoTCP
	var server, client turn.Addr
	if ta, ok := nc.LocalAddr().(*net.TCPAddr); ok {
		server.IP, server.Port = ta.IP, ta.Port
	}
	if ta, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		client.IP, client.Port = ta.IP, ta.Port
	}

	tuple := turn.FiveTuple{Client: client, Server: server, Proto: proto}
	s.registerConn(tuple, nc.Write)
	defer s.unregisterConn(tuple)

	buf := make([]byte, 4096)
	for {
		if err := nc.SetReadDeadline(time.Now().Add(5 * time.Minute)); err != nil {
			return
		}
		n, err := readStreamMessage(nc, buf)
		if err != nil {
			return
		}

		ctx := acquireContext()
		ctx.buf = append(ctx.buf[:0], buf[:n]...)
		ctx.cfg = s.config()
		ctx.time = time.Now()
		ctx.proto = proto
		ctx.client = client
		ctx.server = server
		ctx.setTuple()

		// Stream messages are processed on this connection's goroutine
		// rather than the worker pool: a single connection carries one
		// client, and pooled workers could reorder its replies.
		// process logs its own errors.
		_ = s.process(ctx)
	}
}

// readStreamMessage reads one STUN message (length-prefixed by its own
// header) or one padded ChannelData frame from nc into buf.
func readStreamMessage(nc net.Conn, buf []byte) (int, error) {
	hdr := buf[:4]
	if _, err := readFull(nc, hdr); err != nil {
		return 0, err
	}
	if turn.IsChannelData(hdr[:2]) {
		total := turn.PaddedLen(int(bin.Uint16(hdr[2:4])))
		if total > len(buf) {
			return 0, errors.New("server: channeldata frame too large")
		}
		copy(buf, hdr)
		if _, err := readFull(nc, buf[4:total]); err != nil {
			return 0, err
		}
		return total, nil
	}
	// STUN header: 2 bytes type, 2 bytes length (attribute bytes only).
	more := 16 + int(bin.Uint16(hdr[2:4])) // remaining header + body
	total := 4 + more
	if total > len(buf) {
		return 0, errors.New("server: stun message too large")
	}
	copy(buf, hdr)
	if _, err := readFull(nc, buf[4:total]); err != nil {
		return 0, err
	}
	return total, nil
}

func readFull(nc net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := nc.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Server) registerConn(tuple turn.FiveTuple, w writerFunc) {
	s.connsMux.Lock()
	s.conns[tuple.String()] = w
	s.connsMux.Unlock()
}

func (s *Server) unregisterConn(tuple turn.FiveTuple) {
	s.connsMux.Lock()
	delete(s.conns, tuple.String())
	s.connsMux.Unlock()
}

func (s *Server) connFor(tuple turn.FiveTuple) (writerFunc, bool) {
	s.connsMux.RLock()
	defer s.connsMux.RUnlock()
	w, ok := s.conns[tuple.String()]
	return w, ok
}

// process is the workerPool.WorkerFunc: it demultiplexes STUN from
// ChannelData, dispatches, and writes any reply back through the
// registered connection for the datagram's 5-tuple.
func (s *Server) process(ctx *context) error {
	defer putContext(ctx)

	if !ctx.allowClient(ctx.client) {
		s.metrics.incDroppedMessages()
		return nil
	}

	var err error
	switch {
	case stun.IsMessage(ctx.buf):
		s.metrics.incSTUNMessages()
		ctx.request.Raw = append(ctx.request.Raw[:0], ctx.buf...)
		err = s.processMessage(ctx)
	case turn.IsChannelData(ctx.buf):
		s.metrics.incChannelDataMessages()
		err = s.processChannelData(ctx)
	default:
		if ce := s.log.Check(zapcore.DebugLevel, "dropping unrecognized datagram"); ce != nil {
			ce.Write(zap.Int("len", len(ctx.buf)))
		}
		return nil
	}
	if err != nil {
		s.log.Warn("failed to process message", zap.Error(err))
		return err
	}

	if len(ctx.response.Raw) == 0 {
		return nil
	}
	w, ok := s.connFor(ctx.tuple)
	if !ok {
		return nil
	}
	if _, err := w(ctx.response.Raw); err != nil && !isErrConnClosed(err) {
		s.log.Warn("failed to write response", zap.Error(err))
	}
	return nil
}
