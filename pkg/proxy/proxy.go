package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/homeroute/homeroute/pkg/log"
	"github.com/homeroute/homeroute/pkg/metrics"
	"github.com/homeroute/homeroute/pkg/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	dialTimeout      = 5 * time.Second
	authTimeout      = 10 * time.Second
	// Teardown grace: how long a superseded accept loop gets to wind down
	// before the restart proceeds without it.
	teardownGrace = 5 * time.Second
)

// Server is the agent's SNI-routed, TLS-terminating reverse proxy. It holds
// one listening socket on the agent's current global address and relays
// each accepted connection to the local backend port its route declares.
type Server struct {
	port    int
	auth    *AuthClient
	limiter *RateLimiter

	// table is the current route snapshot; swapped atomically so route
	// replacement never interrupts in-flight connections.
	table atomic.Pointer[Table]

	// mu serializes listener lifecycle. Two listeners must never be bound
	// to the same address/port simultaneously.
	mu         sync.Mutex
	listener   net.Listener
	acceptDone chan struct{}
	boundAddr  string

	active atomic.Int64
}

// NewServer creates a proxy serving the given port (443 in production).
func NewServer(port int) *Server {
	s := &Server{
		port:    port,
		auth:    NewAuthClient(),
		limiter: NewRateLimiter(50, 100),
	}
	s.table.Store(NewTable(nil, ""))
	return s
}

// SetRoutes replaces the full route set and forward-auth endpoint. New
// connections observe the new table; established relays drain naturally
// under the old one.
func (s *Server) SetRoutes(routes []protocol.Route, authURL string) {
	t := NewTable(routes, authURL)
	s.table.Store(t)
	log.WithComponent("proxy").Info().Int("routes", t.Len()).Msg("Route table replaced")
}

// ReplaceCerts replaces only the route set, keeping the current
// forward-auth endpoint. Used for certificate renewals.
func (s *Server) ReplaceCerts(routes []protocol.Route) {
	cur := s.table.Load()
	s.SetRoutes(routes, cur.authURL)
}

// Table returns the current route snapshot.
func (s *Server) Table() *Table {
	return s.table.Load()
}

// BoundAddr returns the address the listener is currently bound to, or ""
// when stopped.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// ListenAddr returns the listener's concrete network address, or "" when
// stopped.
func (s *Server) ListenAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ActiveConnections returns the number of in-flight relayed connections.
func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}

// Restart binds the listener to a new address, tearing down any previous
// listener first. The superseded accept loop is forcibly aborted; its
// relayed connections are left to drain.
func (s *Server) Restart(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	bind := net.JoinHostPort(addr, strconv.Itoa(s.port))
	tcpLn, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", bind, err)
	}

	tlsLn := tls.NewListener(tcpLn, &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			// Selection reads the table current at handshake time, so new
			// handshakes see renewed certificates without a rebind.
			return s.table.Load().Certificate(hello)
		},
	})

	done := make(chan struct{})
	s.listener = tlsLn
	s.acceptDone = done
	s.boundAddr = addr

	go s.acceptLoop(tlsLn, done)

	log.WithComponent("proxy").Info().Str("addr", bind).Msg("Proxy listening")
	return nil
}

// Stop tears down the listener. In-flight relays drain naturally.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Server) stopLocked() {
	if s.listener == nil {
		return
	}

	s.listener.Close()
	select {
	case <-s.acceptDone:
	case <-time.After(teardownGrace):
		log.WithComponent("proxy").Warn().Msg("Accept loop did not stop within grace period, abandoning")
	}

	s.listener = nil
	s.acceptDone = nil
	s.boundAddr = ""
}

func (s *Server) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)

	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed during teardown, or a fatal accept error.
			return
		}

		if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
			if !s.limiter.Allow(host) {
				metrics.ProxyConnectionsTotal.WithLabelValues("rate_limited").Inc()
				conn.Close()
				continue
			}
		}

		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	err := tlsConn.HandshakeContext(ctx)
	cancel()
	if err != nil {
		metrics.ProxyConnectionsTotal.WithLabelValues("handshake_failed").Inc()
		log.WithComponent("proxy").Debug().Err(err).Msg("Handshake rejected")
		return
	}

	serverName := tlsConn.ConnectionState().ServerName

	// Pin the snapshot the handshake was served under for the rest of
	// this connection.
	table := s.table.Load()
	entry, ok := table.Lookup(serverName)
	if !ok {
		metrics.ProxyConnectionsTotal.WithLabelValues("no_route").Inc()
		return
	}

	s.active.Add(1)
	metrics.ProxyConnectionsActive.Inc()
	defer func() {
		s.active.Add(-1)
		metrics.ProxyConnectionsActive.Dec()
	}()

	logger := log.WithDomain(serverName)

	if entry.route.AuthRequired {
		s.serveAuthenticated(tlsConn, table, entry, logger)
		return
	}

	backend, err := s.dialBackend(entry.route.TargetPort)
	if err != nil {
		metrics.ProxyConnectionsTotal.WithLabelValues("backend_unavailable").Inc()
		logger.Warn().Err(err).Msg("Backend dial failed")
		return
	}
	defer backend.Close()

	metrics.ProxyConnectionsTotal.WithLabelValues("proxied").Inc()
	relay(tlsConn, backend)
}

// serveAuthenticated reads the first HTTP request off the connection,
// checks the caller's session credential against the forward-auth service,
// and only then opens the backend. Authorization failures are rejected
// without forwarding anything.
func (s *Server) serveAuthenticated(tlsConn *tls.Conn, table *Table, entry *routeEntry, logger *zerolog.Logger) {
	serverName := entry.route.Domain

	br := bufio.NewReader(tlsConn)
	req, err := http.ReadRequest(br)
	if err != nil {
		metrics.ProxyConnectionsTotal.WithLabelValues("bad_request").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	err = s.auth.Authorize(ctx, table.authURL, serverName, req.Header.Get("Cookie"), entry.route.AllowedGroups)
	cancel()
	if err != nil {
		metrics.ProxyConnectionsTotal.WithLabelValues("auth_denied").Inc()
		logger.Debug().Err(err).Msg("Forward auth denied")
		writeDenied(tlsConn, req)
		return
	}

	backend, err := s.dialBackend(entry.route.TargetPort)
	if err != nil {
		metrics.ProxyConnectionsTotal.WithLabelValues("backend_unavailable").Inc()
		logger.Warn().Err(err).Msg("Backend dial failed")
		return
	}
	defer backend.Close()

	// Replay the request we consumed for the auth check, then hand the
	// connection over to the raw relay. Buffered bytes beyond the request
	// body are flushed first.
	if err := req.Write(backend); err != nil {
		logger.Warn().Err(err).Msg("Failed to forward initial request")
		return
	}
	if n := br.Buffered(); n > 0 {
		buffered, _ := br.Peek(n)
		if _, err := backend.Write(buffered); err != nil {
			return
		}
		_, _ = br.Discard(n)
	}

	metrics.ProxyConnectionsTotal.WithLabelValues("proxied").Inc()
	relay(tlsConn, backend)
}

func writeDenied(conn net.Conn, req *http.Request) {
	resp := &http.Response{
		StatusCode: http.StatusForbidden,
		ProtoMajor: req.ProtoMajor,
		ProtoMinor: req.ProtoMinor,
		Header:     http.Header{"Connection": []string{"close"}},
		Body:       io.NopCloser(strings.NewReader("Forbidden\n")),
	}
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	_ = resp.Write(conn)
}

func (s *Server) dialBackend(port int) (net.Conn, error) {
	return net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), dialTimeout)
}

// relay shuttles bytes bidirectionally until either side closes or errors.
func relay(client, backend net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		_, _ = io.Copy(backend, client)
		if tc, ok := backend.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, backend)
		if tc, ok := client.(*tls.Conn); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}()

	<-done
	<-done
}
