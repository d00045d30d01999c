// Package server wires the single-threaded proxy.Engine (internal/proxy) to
// a live UDP socket and exposes the engine goroutine as the one place every
// piece of proxy state is ever touched from.
//
// Goroutine model (spec §5):
//
//	recvLoop:   1 goroutine, reads datagrams off the socket and hands them
//	            to engineLoop over a buffered channel. Does no engine work
//	            itself — it only owns socket reads and rate-limit admission.
//	engineLoop: 1 goroutine. The only goroutine that calls Engine.Receive,
//	            Engine.FailTransaction, or touches the cache/pair tables.
//	            Everything else — retransmission timeouts from
//	            internal/coaptransport, cache-entry expiry, admin API
//	            reads — reaches the engine by posting a closure, via
//	            Server.Post, onto a second (task) channel that engineLoop
//	            drains alongside the datagram channel.
//
// Error Handling:
//
// Errors are wrapped with context using fmt.Errorf("...: %w", err) throughout,
// matching the rest of this module.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/jroosing/coapfwd/internal/coaptransport"
	"github.com/jroosing/coapfwd/internal/pool"
	"github.com/jroosing/coapfwd/internal/proxy"
)

// datagramBufSize is large enough for any CoAP-over-UDP message this proxy
// forwards — the spec caps both key and payload at 128 bytes (§6.4), so a
// 2KB buffer is generous headroom for headers and options.
const datagramBufSize = 2048

type inboundPacket struct {
	from netip.Addr
	port uint16
	data []byte
}

// Server owns the UDP socket, the engine goroutine, and the channel every
// other goroutine in the process posts work onto.
type Server struct {
	Logger  *slog.Logger
	Limiter *RateLimiter
	Stats   *ProxyStats

	engine    *proxy.Engine
	transport *coaptransport.Transport
	conn      *net.UDPConn

	bufferPool *pool.Pool[*[datagramBufSize]byte]

	inbound chan inboundPacket
	tasks   chan func()

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Server bound to conn, driving engine through transport.
// post (passed to engine/cache construction elsewhere) should be Server.Post.
func New(conn *net.UDPConn, engine *proxy.Engine, transport *coaptransport.Transport, logger *slog.Logger, limiter *RateLimiter, stats *ProxyStats) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Logger:    logger,
		Limiter:   limiter,
		Stats:     stats,
		engine:    engine,
		transport: transport,
		conn:      conn,
		bufferPool: pool.New(func() *[datagramBufSize]byte {
			var b [datagramBufSize]byte
			return &b
		}),
		inbound: make(chan inboundPacket, 256),
		tasks:   make(chan func(), 256),
		stopCh:  make(chan struct{}),
	}
}

// Post schedules f to run on the engine goroutine. Safe to call from any
// goroutine, including a time.AfterFunc callback — this is the closure the
// cache's TTL timers and the transport's retransmission timeouts use to
// reach engine state without taking a lock (spec §5).
func (s *Server) Post(f func()) {
	select {
	case s.tasks <- f:
	case <-s.stopCh:
	}
}

// Run starts the receiver and engine goroutines and blocks until ctx is
// cancelled, then drains both cleanly.
func (s *Server) Run(ctx context.Context) error {
	s.wg.Add(2)
	go s.recvLoop(ctx)
	go s.engineLoop(ctx)

	<-ctx.Done()
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	return nil
}

func (s *Server) recvLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		buf := s.bufferPool.Get()
		s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := s.conn.ReadFromUDP(buf[:])
		if err != nil {
			s.bufferPool.Put(buf)
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				select {
				case <-ctx.Done():
					return
				default:
					continue
				}
			}
			select {
			case <-ctx.Done():
				return
			default:
				s.Logger.Error("udp read failed", "error", err)
				continue
			}
		}

		ip, ok := netip.AddrFromSlice(addr.IP)
		if !ok {
			s.bufferPool.Put(buf)
			continue
		}
		ip = ip.Unmap()

		if s.Limiter != nil && !s.Limiter.AllowAddr(ip) {
			s.bufferPool.Put(buf)
			continue
		}

		data := append([]byte(nil), buf[:n]...)
		s.bufferPool.Put(buf)

		pkt := inboundPacket{from: ip, port: uint16(addr.Port), data: data}
		select {
		case s.inbound <- pkt:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) engineLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-s.inbound:
			src := proxy.Endpoint{IP: pkt.from, Port: pkt.port}
			status := s.engine.Receive(src, pkt.data)
			if status != proxy.StatusOK && s.Logger.Enabled(ctx, slog.LevelDebug) {
				s.Logger.Debug("request handling ended", "src", src.String(), "status", status.String())
			}
		case f := <-s.tasks:
			f()
		}
	}
}

// Engine returns the Server's underlying Engine, for the admin API to read
// snapshot state from (always by posting through Post, never directly
// mutating it).
func (s *Server) Engine() *proxy.Engine { return s.engine }

// ListenUDP opens a UDP socket bound to addr (host:port or :port), the
// starting point callers use before constructing a Server.
func ListenUDP(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: resolve bind address %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("server: listen on %q: %w", addr, err)
	}
	return conn, nil
}
