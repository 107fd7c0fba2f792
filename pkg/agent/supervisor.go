package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/homeroute/homeroute/pkg/log"
	"github.com/homeroute/homeroute/pkg/metrics"
	"github.com/homeroute/homeroute/pkg/protocol"
	"github.com/homeroute/homeroute/pkg/services"
)

const (
	backoffInitial    = 5 * time.Second
	backoffMax        = 60 * time.Second
	heartbeatInterval = 30 * time.Second
	dialTimeout       = 10 * time.Second
)

// errShutdown ends the run loop after a registry-ordered shutdown.
var errShutdown = errors.New("shutdown ordered by registry")

// AddressManager applies pushed global addresses to the interface.
type AddressManager interface {
	Apply(ctx context.Context, addr string) (changed bool, err error)
}

// ProxyControl is the supervisor's handle on the reverse proxy.
type ProxyControl interface {
	Restart(addr string) error
	Stop()
	SetRoutes(routes []protocol.Route, authURL string)
	ReplaceCerts(routes []protocol.Route)
	BoundAddr() string
	ActiveConnections() int
}

// ServiceControl is the supervisor's handle on the service tracker.
type ServiceControl interface {
	Apply(ctx context.Context, svc services.ServiceType, action services.Action) (services.State, error)
	StopAll(ctx context.Context)
	Notifications() <-chan services.Notification
}

// UpdateRunner installs a pushed binary update.
type UpdateRunner interface {
	Apply(ctx context.Context, downloadURL, sha256Hex string) error
}

// Dialer opens the transport to the registry.
type Dialer func(ctx context.Context) (net.Conn, error)

// Supervisor maintains exactly one logical registry connection, applies
// its messages strictly in arrival order, and recovers from transport
// loss with capped exponential backoff.
type Supervisor struct {
	cfg     *Config
	version string
	dial    Dialer

	addrs   AddressManager
	proxy   ProxyControl
	tracker ServiceControl
	updater UpdateRunner

	heartbeatEvery time.Duration

	startedAt time.Time
	backoff   time.Duration

	mu  sync.Mutex
	cur *session
}

// session wraps the live stream; sends are serialized across the
// heartbeat, dispatch and notification paths.
type session struct {
	stream *protocol.Stream
	mu     sync.Mutex
}

func (s *session) send(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.Send(msg)
}

// NewSupervisor wires a supervisor to its side-effect surfaces.
func NewSupervisor(cfg *Config, version string, addrs AddressManager, proxy ProxyControl, tracker ServiceControl, updater UpdateRunner) *Supervisor {
	return &Supervisor{
		cfg:            cfg,
		version:        version,
		dial:           registryDialer(cfg),
		addrs:          addrs,
		proxy:          proxy,
		tracker:        tracker,
		updater:        updater,
		heartbeatEvery: heartbeatInterval,
		backoff:        backoffInitial,
	}
}

func registryDialer(cfg *Config) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		tlsConfig := &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}
		// The pool is rebuilt per dial so a CA root persisted from a
		// pushed config takes effect on the next attempt.
		if cfg.CAFile != "" {
			pool, err := loadCAPool(cfg.CAFile)
			if err != nil {
				return nil, err
			}
			tlsConfig.RootCAs = pool
		}
		d := &tls.Dialer{
			NetDialer: &net.Dialer{Timeout: dialTimeout},
			Config:    tlsConfig,
		}
		return d.DialContext(ctx, "tcp", cfg.RegistryAddr)
	}
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no valid certificates in %s", path)
	}
	return pool, nil
}

// Run connects and reconnects until ctx is cancelled or the registry
// orders a shutdown. Shutdown is the only path that returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	s.startedAt = time.Now()
	logger := log.WithComponent("agent")

	go s.forwardServiceStates(ctx)

	for {
		err := s.runSession(ctx)
		if errors.Is(err, errShutdown) {
			s.teardown(ctx)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			logger.Warn().Err(err).Msg("Registry session ended")
		}

		delay := s.nextBackoff()
		metrics.SessionReconnectsTotal.Inc()
		logger.Info().Dur("backoff", delay).Msg("Reconnecting to registry")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// nextBackoff returns the current delay and doubles it for next time,
// capped at backoffMax.
func (s *Supervisor) nextBackoff() time.Duration {
	d := s.backoff
	s.backoff *= 2
	if s.backoff > backoffMax {
		s.backoff = backoffMax
	}
	return d
}

// resetBackoff rewards a healthy link. Called on every received message
// after authentication, never on mere connection success.
func (s *Supervisor) resetBackoff() {
	s.backoff = backoffInitial
}

func (s *Supervisor) setSession(sess *session) {
	s.mu.Lock()
	s.cur = sess
	s.mu.Unlock()
}

func (s *Supervisor) current() *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// runSession performs one connect-auth-dispatch cycle. Messages already
// read off the wire when the transport drops are still applied before
// returning.
func (s *Supervisor) runSession(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := s.dial(dialCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	stream := protocol.NewStream(conn)
	sess := &session{stream: stream}

	if err := sess.send(protocol.Auth{Token: s.cfg.Token, ServiceName: s.cfg.ServiceName, Version: s.version}); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	env, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("failed to read auth result: %w", err)
	}
	msg, err := protocol.DecodeRegistry(env)
	if err != nil {
		return err
	}
	res, ok := msg.(protocol.AuthResult)
	if !ok {
		return fmt.Errorf("expected auth result, got %s", env.Type)
	}
	if !res.Success {
		return fmt.Errorf("authentication rejected: %s", res.Error)
	}

	// A successful auth result is a received message; the penalty from
	// earlier failed attempts ends here, not on mere connect.
	s.resetBackoff()

	log.WithComponent("agent").Info().Str("registry", s.cfg.RegistryAddr).Msg("Authenticated with registry")

	s.setSession(sess)
	defer s.setSession(nil)

	hbStop := make(chan struct{})
	defer close(hbStop)
	go s.heartbeatLoop(sess, hbStop)

	// The reader feeds dispatch through a channel and closes it on
	// transport error, so buffered messages drain before the reconnect
	// sleep begins.
	envCh := make(chan protocol.Envelope, 16)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			env, err := stream.Recv()
			if err != nil {
				readErr <- err
				close(envCh)
				return
			}
			select {
			case envCh <- env:
			case <-done:
				return
			}
		}
	}()

	for env := range envCh {
		// A delivered message proves the link is healthy.
		s.resetBackoff()

		if err := s.dispatch(ctx, sess, env); err != nil {
			if errors.Is(err, errShutdown) {
				return errShutdown
			}
			log.WithComponent("agent").Error().Err(err).Str("type", env.Type).Msg("Failed to apply registry message")
			_ = sess.send(protocol.ErrorReport{Message: err.Error()})
		}
	}
	return <-readErr
}

// dispatch applies one registry message. Strictly sequential: the next
// message is not taken up until this one's side effects are initiated.
func (s *Supervisor) dispatch(ctx context.Context, sess *session, env protocol.Envelope) error {
	msg, err := protocol.DecodeRegistry(env)
	if err != nil {
		return err
	}

	switch m := msg.(type) {
	case protocol.Config:
		return s.applyConfig(ctx, sess, m)
	case protocol.Ipv6Update:
		return s.applyAddress(ctx, m.Ipv6Address)
	case protocol.CertUpdate:
		s.proxy.ReplaceCerts(m.Routes)
		return nil
	case protocol.UpdateAvailable:
		// The install ends with a service restart, so it runs off the
		// dispatch path to keep heartbeats flowing until then.
		go func() {
			if err := s.updater.Apply(context.Background(), m.DownloadURL, m.SHA256); err != nil {
				log.WithComponent("agent").Error().Err(err).Str("version", m.Version).Msg("Self-update failed")
				_ = sess.send(protocol.ErrorReport{Message: fmt.Sprintf("update to %s failed: %v", m.Version, err)})
			}
		}()
		return nil
	case protocol.ServiceCommand:
		go s.applyServiceCommand(sess, m)
		return nil
	case protocol.Shutdown:
		return errShutdown
	case protocol.AuthResult:
		// Already authenticated; a stray result is harmless.
		return nil
	case protocol.UnknownRegistry:
		log.WithComponent("agent").Warn().Str("type", m.Type).Msg("Ignoring unknown registry message type")
		return nil
	}
	return nil
}

// applyConfig installs the full desired state: address, then listener,
// then routes. Applying the same Config twice is a no-op.
func (s *Supervisor) applyConfig(ctx context.Context, sess *session, cfg protocol.Config) error {
	if err := s.applyAddress(ctx, cfg.Ipv6Address); err != nil {
		return err
	}

	s.proxy.SetRoutes(cfg.Routes, cfg.AuthURL)
	s.persistCARoot(cfg.CAPEM)
	metrics.ConfigsAppliedTotal.Inc()

	if err := sess.send(protocol.ConfigAck{ConfigVersion: cfg.ConfigVersion}); err != nil {
		log.WithComponent("agent").Warn().Err(err).Msg("Failed to send config ack")
	}

	log.WithComponent("agent").Info().
		Uint64("config_version", cfg.ConfigVersion).
		Int("routes", len(cfg.Routes)).
		Str("ipv6_address", cfg.Ipv6Address).
		Msg("Config applied")
	return nil
}

// persistCARoot refreshes the pinned CA file from a pushed config so the
// next dial trusts a rotated root. No-op without a ca_file setting.
func (s *Supervisor) persistCARoot(caPEM string) {
	if caPEM == "" || s.cfg.CAFile == "" {
		return
	}
	current, err := os.ReadFile(s.cfg.CAFile)
	if err == nil && string(current) == caPEM {
		return
	}
	if err := os.WriteFile(s.cfg.CAFile, []byte(caPEM), 0644); err != nil {
		log.WithComponent("agent").Warn().Err(err).Str("path", s.cfg.CAFile).Msg("Failed to persist CA root")
	}
}

// applyAddress converges the interface address and rebinds the proxy only
// when the bind address actually changed or the listener is not running.
func (s *Supervisor) applyAddress(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}

	changed, err := s.addrs.Apply(ctx, addr)
	if err != nil {
		return fmt.Errorf("failed to apply address %s: %w", addr, err)
	}

	host := hostOnly(addr)
	if changed || s.proxy.BoundAddr() != host {
		if err := s.proxy.Restart(host); err != nil {
			return fmt.Errorf("failed to restart proxy on %s: %w", host, err)
		}
	}
	return nil
}

func hostOnly(addr string) string {
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		return addr[:i]
	}
	return addr
}

func (s *Supervisor) applyServiceCommand(sess *session, cmd protocol.ServiceCommand) {
	_, err := s.tracker.Apply(context.Background(), services.ServiceType(cmd.Service), services.Action(cmd.Action))
	if err != nil {
		log.WithComponent("agent").Error().Err(err).Str("service", cmd.Service).Str("action", cmd.Action).Msg("Service command failed")
		_ = sess.send(protocol.ErrorReport{Message: fmt.Sprintf("service %s %s failed: %v", cmd.Service, cmd.Action, err)})
	}
}

// forwardServiceStates relays tracker notifications upstream whenever a
// session is live. Notifications during a disconnect are dropped; the
// registry reconciles from the next full state it observes.
func (s *Supervisor) forwardServiceStates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-s.tracker.Notifications():
			if !ok {
				return
			}
			sess := s.current()
			if sess == nil {
				continue
			}
			if err := sess.send(protocol.ServiceState{Service: string(n.Service), State: string(n.State)}); err != nil {
				log.WithComponent("agent").Debug().Err(err).Msg("Failed to forward service state")
			}
		}
	}
}

func (s *Supervisor) heartbeatLoop(sess *session, stop <-chan struct{}) {
	ticker := time.NewTicker(s.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			hb := protocol.Heartbeat{
				UptimeSecs:        uint64(time.Since(s.startedAt).Seconds()),
				ConnectionsActive: s.proxy.ActiveConnections(),
			}
			if err := sess.send(hb); err != nil {
				return
			}
		}
	}
}

// teardown runs the shutdown sequence: proxy first, then services.
func (s *Supervisor) teardown(ctx context.Context) {
	log.WithComponent("agent").Info().Msg("Shutdown ordered, tearing down")
	s.proxy.Stop()
	s.tracker.StopAll(ctx)
}
