package registry

import (
	"crypto/subtle"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/homeroute/homeroute/pkg/events"
	"github.com/homeroute/homeroute/pkg/log"
	"github.com/homeroute/homeroute/pkg/metrics"
	"github.com/homeroute/homeroute/pkg/protocol"
	"github.com/homeroute/homeroute/pkg/types"
)

const authTimeout = 10 * time.Second

// session is one live agent connection. Sends are serialized; the read
// loop owns Recv exclusively.
type session struct {
	appID  string
	conn   net.Conn
	stream *protocol.Stream

	sendMu sync.Mutex
}

func (s *session) send(msg any) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.Send(msg)
}

func (s *session) close() {
	s.conn.Close()
}

// Server accepts agent connections over TLS and runs one session per
// authenticated agent.
type Server struct {
	registry  *Registry
	tlsConfig *tls.Config

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates the agent-facing session server. cert is the TLS
// identity agents connect to.
func NewServer(registry *Registry, cert tls.Certificate) *Server {
	return &Server{
		registry: registry,
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
	}
}

// Start binds the listener and begins accepting agents.
func (s *Server) Start(addr string) error {
	ln, err := tls.Listen("tcp", addr, s.tlsConfig)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go s.acceptLoop(ln)
	log.WithComponent("registry").Info().Str("addr", ln.Addr().String()).Msg("Agent listener started")
	return nil
}

// Addr returns the listener's concrete address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener. Live sessions end when their connections do.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

// handleConn authenticates the connection and, on success, runs its
// session until the transport drops.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	stream := protocol.NewStream(conn)

	app, err := s.authenticate(conn, stream)
	if err != nil {
		log.WithComponent("registry").Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Agent authentication failed")
		_ = stream.Send(protocol.AuthResult{Success: false, Error: "authentication failed"})
		return
	}

	if err := stream.Send(protocol.AuthResult{Success: true}); err != nil {
		return
	}

	sess := &session{appID: app.ID, conn: conn, stream: stream}
	s.registry.attach(sess, app)
	defer s.registry.detach(sess)

	// The agent gets its full desired state immediately after auth.
	if _, err := s.registry.PushConfig(app.ID); err != nil {
		log.WithAppID(app.ID).Error().Err(err).Msg("Failed to push initial config")
		return
	}

	s.readLoop(sess, app.ID)
}

// authenticate requires the first message to be Auth and verifies the
// token against the application's stored hash.
func (s *Server) authenticate(conn net.Conn, stream *protocol.Stream) (*types.Application, error) {
	conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer conn.SetReadDeadline(time.Time{})

	env, err := stream.Recv()
	if err != nil {
		return nil, fmt.Errorf("failed to read auth message: %w", err)
	}

	msg, err := protocol.DecodeAgent(env)
	if err != nil {
		return nil, err
	}
	auth, ok := msg.(protocol.Auth)
	if !ok {
		return nil, fmt.Errorf("first message must be auth, got %s", env.Type)
	}

	app, err := s.registry.store.GetApplicationBySlug(auth.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("unknown service %q", auth.ServiceName)
	}

	hash := HashToken(auth.Token)
	if subtle.ConstantTimeCompare([]byte(hash), []byte(app.TokenHash)) != 1 {
		return nil, fmt.Errorf("bad token for %q", auth.ServiceName)
	}

	s.registry.recordAgentVersion(app, auth.Version)

	log.WithAppID(app.ID).Info().Str("slug", app.Slug).Str("agent_version", auth.Version).Msg("Agent authenticated")
	return app, nil
}

func (s *Server) readLoop(sess *session, appID string) {
	logger := log.WithAppID(appID)

	for {
		env, err := sess.stream.Recv()
		if err != nil {
			if err != io.EOF {
				logger.Debug().Err(err).Msg("Agent connection closed")
			}
			return
		}

		msg, err := protocol.DecodeAgent(env)
		if err != nil {
			logger.Warn().Err(err).Str("type", env.Type).Msg("Malformed agent message")
			continue
		}

		switch m := msg.(type) {
		case protocol.Heartbeat:
			s.registry.recordHeartbeat(appID, m)
		case protocol.ConfigAck:
			s.registry.recordConfigAck(appID, m.ConfigVersion)
		case protocol.ServiceState:
			s.registry.recordServiceState(appID, m)
		case protocol.ErrorReport:
			logger.Error().Str("agent_error", m.Message).Msg("Agent reported error")
		case protocol.UnknownAgent:
			logger.Warn().Str("type", m.Type).Msg("Ignoring unknown agent message type")
		default:
			logger.Warn().Str("type", env.Type).Msg("Unexpected agent message")
		}
	}
}

// attach registers a session as the application's live connection,
// displacing any previous one, and flips the application to Connected.
func (r *Registry) attach(sess *session, app *types.Application) {
	r.mu.Lock()
	if old := r.sessions[app.ID]; old != nil {
		old.close()
	}
	r.sessions[app.ID] = sess
	r.mu.Unlock()

	metrics.AgentsConnected.Inc()

	app.LastHeartbeat = time.Now().UTC()
	r.setStatus(app, types.AppStatusConnected)
	r.broker.Publish(&events.Event{
		Type:     events.EventAgentConnected,
		Message:  "agent connected",
		Metadata: map[string]string{"app_id": app.ID, "slug": app.Slug},
	})
}

// detach removes the session if it is still current and flips the
// application to Disconnected.
func (r *Registry) detach(sess *session) {
	r.mu.Lock()
	current := r.sessions[sess.appID] == sess
	if current {
		delete(r.sessions, sess.appID)
	}
	r.mu.Unlock()

	if !current {
		return
	}
	metrics.AgentsConnected.Dec()

	if app, err := r.store.GetApplication(sess.appID); err == nil {
		r.setStatus(app, types.AppStatusDisconnected)
	}
	r.broker.Publish(&events.Event{
		Type:     events.EventAgentDisconnected,
		Message:  "agent disconnected",
		Metadata: map[string]string{"app_id": sess.appID},
	})
}

func (r *Registry) recordHeartbeat(appID string, hb protocol.Heartbeat) {
	app, err := r.store.GetApplication(appID)
	if err != nil {
		return
	}
	app.LastHeartbeat = time.Now().UTC()
	if app.Status != types.AppStatusConnected {
		app.Status = types.AppStatusConnected
	}
	if err := r.store.UpdateApplication(app); err != nil {
		log.WithAppID(appID).Error().Err(err).Msg("Failed to persist heartbeat")
	}
	log.WithAppID(appID).Debug().
		Uint64("uptime_secs", hb.UptimeSecs).
		Int("connections_active", hb.ConnectionsActive).
		Msg("Heartbeat")
}

// recordConfigAck advances the acked version. Versions move forward only;
// a late ack for an older config is ignored.
func (r *Registry) recordConfigAck(appID string, version uint64) {
	app, err := r.store.GetApplication(appID)
	if err != nil {
		return
	}
	if version <= app.AckedConfigVersion {
		return
	}
	app.AckedConfigVersion = version
	if err := r.store.UpdateApplication(app); err != nil {
		log.WithAppID(appID).Error().Err(err).Msg("Failed to persist config ack")
	}
	r.broker.Publish(&events.Event{
		Type:     events.EventConfigApplied,
		Message:  "config acknowledged",
		Metadata: map[string]string{"app_id": appID, "version": fmt.Sprint(version)},
	})
}

func (r *Registry) recordServiceState(appID string, st protocol.ServiceState) {
	log.WithAppID(appID).Info().Str("service", st.Service).Str("state", st.State).Msg("Service state changed")
	r.broker.Publish(&events.Event{
		Type:     events.EventServiceStateChanged,
		Message:  "service state changed",
		Metadata: map[string]string{"app_id": appID, "service": st.Service, "state": st.State},
	})
}
