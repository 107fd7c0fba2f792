package registry

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homeroute/homeroute/pkg/events"
	"github.com/homeroute/homeroute/pkg/metrics"
	"github.com/homeroute/homeroute/pkg/protocol"
	"github.com/homeroute/homeroute/pkg/security"
	"github.com/homeroute/homeroute/pkg/services"
	"github.com/homeroute/homeroute/pkg/storage"
	"github.com/homeroute/homeroute/pkg/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ca := security.NewCertAuthority(store, filepath.Join(dir, "certs"))
	require.NoError(t, ca.Init())

	broker := events.NewBroker()

	r, err := New(store, ca, nil, broker, Options{
		BaseDomain: "example.net",
		IPv6Prefix: "2001:db8::/64",
		AuthURL:    "https://auth.example.net/verify",
	})
	require.NoError(t, err)
	return r
}

func createApp(t *testing.T, r *Registry, slug string) (*types.Application, string) {
	t.Helper()

	app, token, err := r.CreateApplication(slug, slug, slug+"-container",
		types.FrontendEndpoint{Port: 8080},
		[]types.APIEndpoint{{Subdomain: "api", Port: 9090, AuthRequired: true, AllowedGroups: []string{"admins"}}},
	)
	require.NoError(t, err)
	return app, token
}

func TestCreateApplication(t *testing.T) {
	r := newTestRegistry(t)

	app, token, err := r.CreateApplication("wiki", "Team Wiki", "wiki-container",
		types.FrontendEndpoint{Port: 8080}, nil)
	require.NoError(t, err)

	assert.NotEmpty(t, token)
	assert.NotEqual(t, token, app.TokenHash)
	assert.Equal(t, HashToken(token), app.TokenHash)
	assert.Equal(t, uint16(2), app.IPv6Suffix)
	assert.Equal(t, "2001:db8::2", app.IPv6Address)
	assert.Equal(t, types.AppStatusPending, app.Status)
	require.Len(t, app.CertIDs, 1)

	// Duplicate slugs are rejected.
	_, _, err = r.CreateApplication("wiki", "Another", "c", types.FrontendEndpoint{Port: 80}, nil)
	assert.Error(t, err)
}

func TestSuffixAllocationLowestFree(t *testing.T) {
	r := newTestRegistry(t)

	first, _ := createApp(t, r, "alpha")
	second, _ := createApp(t, r, "beta")
	assert.Equal(t, uint16(2), first.IPv6Suffix)
	assert.Equal(t, uint16(3), second.IPv6Suffix)

	require.NoError(t, r.DeleteApplication(first.ID))

	// The freed suffix is reused before a new one is taken.
	third, _ := createApp(t, r, "gamma")
	assert.Equal(t, uint16(2), third.IPv6Suffix)
}

func TestRoutesDerivation(t *testing.T) {
	r := newTestRegistry(t)
	app, _ := createApp(t, r, "wiki")

	routes, err := r.Routes(app)
	require.NoError(t, err)
	require.Len(t, routes, 2)

	assert.Equal(t, "wiki.example.net", routes[0].Domain)
	assert.Equal(t, 8080, routes[0].TargetPort)
	assert.False(t, routes[0].AuthRequired)
	assert.NotEmpty(t, routes[0].CertPEM)
	assert.NotEmpty(t, routes[0].KeyPEM)

	assert.Equal(t, "api.wiki.example.net", routes[1].Domain)
	assert.Equal(t, 9090, routes[1].TargetPort)
	assert.True(t, routes[1].AuthRequired)
	assert.Equal(t, []string{"admins"}, routes[1].AllowedGroups)
}

func TestBuildConfigVersionsAreMonotonic(t *testing.T) {
	r := newTestRegistry(t)
	app, _ := createApp(t, r, "wiki")

	first, err := r.buildConfig(app)
	require.NoError(t, err)
	second, err := r.buildConfig(app)
	require.NoError(t, err)

	assert.Greater(t, second.ConfigVersion, first.ConfigVersion)
	assert.Equal(t, app.IPv6Address, first.Ipv6Address)
	assert.NotEmpty(t, first.CAPEM)
	assert.Equal(t, "https://auth.example.net/verify", first.AuthURL)
}

func TestRecordConfigAckIsMonotonic(t *testing.T) {
	r := newTestRegistry(t)
	app, _ := createApp(t, r, "wiki")

	r.recordConfigAck(app.ID, 5)
	got, err := r.store.GetApplication(app.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.AckedConfigVersion)

	// A late ack for an older version is ignored.
	r.recordConfigAck(app.ID, 3)
	got, err = r.store.GetApplication(app.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.AckedConfigVersion)
}

func TestSweepStaleAgents(t *testing.T) {
	r := newTestRegistry(t)
	app, _ := createApp(t, r, "wiki")

	app.Status = types.AppStatusConnected
	app.LastHeartbeat = time.Now().Add(-5 * time.Minute)
	require.NoError(t, r.store.UpdateApplication(app))

	r.sweepStaleAgents()

	got, err := r.store.GetApplication(app.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AppStatusDisconnected, got.Status)
}

func applicationGauge(t *testing.T, status types.AppStatus) float64 {
	t.Helper()
	return testutil.ToFloat64(metrics.ApplicationsTotal.WithLabelValues(string(status)))
}

func TestApplicationGaugeFollowsStatusChanges(t *testing.T) {
	r := newTestRegistry(t)

	// The collector is package-global, so assert on deltas.
	pending := applicationGauge(t, types.AppStatusPending)
	connected := applicationGauge(t, types.AppStatusConnected)

	app, _ := createApp(t, r, "wiki")
	assert.Equal(t, pending+1, applicationGauge(t, types.AppStatusPending))

	r.setStatus(app, types.AppStatusConnected)
	assert.Equal(t, pending, applicationGauge(t, types.AppStatusPending))
	assert.Equal(t, connected+1, applicationGauge(t, types.AppStatusConnected))

	require.NoError(t, r.DeleteApplication(app.ID))
	assert.Equal(t, connected, applicationGauge(t, types.AppStatusConnected))
}

func recvEvent(t *testing.T, sub events.Subscriber) *events.Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func TestCreateApplicationPublishesAddressAssigned(t *testing.T) {
	r := newTestRegistry(t)
	r.broker.Start()
	defer r.broker.Stop()
	sub := r.broker.Subscribe()

	app, _ := createApp(t, r, "wiki")

	ev := recvEvent(t, sub)
	assert.Equal(t, events.EventAddressAssigned, ev.Type)
	assert.Equal(t, app.ID, ev.Metadata["app_id"])
	assert.Equal(t, app.IPv6Address, ev.Metadata["address"])
}

func TestAgentVersionChangePublishesUpdateApplied(t *testing.T) {
	r := newTestRegistry(t)
	r.broker.Start()
	defer r.broker.Stop()

	app, _ := createApp(t, r, "wiki")
	sub := r.broker.Subscribe()

	// First reported version is a baseline, not an update.
	r.recordAgentVersion(app, "1.2.0")
	r.recordAgentVersion(app, "1.3.0")

	ev := recvEvent(t, sub)
	assert.Equal(t, events.EventUpdateApplied, ev.Type)
	assert.Equal(t, "1.2.0", ev.Metadata["from"])
	assert.Equal(t, "1.3.0", ev.Metadata["to"])

	stored, err := r.store.GetApplication(app.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", stored.AgentVersion)
}

func TestSendServiceCommandRequiresConnection(t *testing.T) {
	r := newTestRegistry(t)
	app, _ := createApp(t, r, "wiki")

	err := r.SendServiceCommand(app.ID, services.ServiceCodeServer, services.ActionStart)
	assert.ErrorContains(t, err, "not connected")
}

// serverCert builds a self-signed TLS identity for the session server.
func serverCert(t *testing.T) tls.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "registry"},
		DNSNames:     []string{"registry"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func dialAgent(t *testing.T, addr string) *protocol.Stream {
	t.Helper()

	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return protocol.NewStream(conn)
}

func recvRegistry(t *testing.T, stream *protocol.Stream) protocol.RegistryMessage {
	t.Helper()

	env, err := stream.Recv()
	require.NoError(t, err)
	msg, err := protocol.DecodeRegistry(env)
	require.NoError(t, err)
	return msg
}

func TestSessionLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	app, token := createApp(t, r, "wiki")

	srv := NewServer(r, serverCert(t))
	require.NoError(t, srv.Start("127.0.0.1:0"))
	defer srv.Stop()

	stream := dialAgent(t, srv.Addr())
	require.NoError(t, stream.Send(protocol.Auth{Token: token, ServiceName: "wiki", Version: "1.0.0"}))

	res, ok := recvRegistry(t, stream).(protocol.AuthResult)
	require.True(t, ok)
	require.True(t, res.Success)

	// The full config arrives immediately after auth.
	cfg, ok := recvRegistry(t, stream).(protocol.Config)
	require.True(t, ok)
	assert.Equal(t, app.IPv6Address, cfg.Ipv6Address)
	assert.Len(t, cfg.Routes, 2)
	assert.NotZero(t, cfg.ConfigVersion)

	// Heartbeats flip the application to Connected.
	require.NoError(t, stream.Send(protocol.Heartbeat{UptimeSecs: 10, ConnectionsActive: 0}))
	require.Eventually(t, func() bool {
		got, err := r.store.GetApplication(app.ID)
		return err == nil && got.Status == types.AppStatusConnected
	}, 2*time.Second, 20*time.Millisecond)

	// Acks are recorded against the application.
	require.NoError(t, stream.Send(protocol.ConfigAck{ConfigVersion: cfg.ConfigVersion}))
	require.Eventually(t, func() bool {
		got, err := r.store.GetApplication(app.ID)
		return err == nil && got.AckedConfigVersion == cfg.ConfigVersion
	}, 2*time.Second, 20*time.Millisecond)

	// Service commands reach the live session.
	require.NoError(t, r.SendServiceCommand(app.ID, services.ServiceApp, services.ActionStop))
	cmd, ok := recvRegistry(t, stream).(protocol.ServiceCommand)
	require.True(t, ok)
	assert.Equal(t, "app", cmd.Service)
	assert.Equal(t, "stop", cmd.Action)
}

func TestSessionRejectsBadToken(t *testing.T) {
	r := newTestRegistry(t)
	createApp(t, r, "wiki")

	srv := NewServer(r, serverCert(t))
	require.NoError(t, srv.Start("127.0.0.1:0"))
	defer srv.Stop()

	stream := dialAgent(t, srv.Addr())
	require.NoError(t, stream.Send(protocol.Auth{Token: "wrong", ServiceName: "wiki"}))

	res, ok := recvRegistry(t, stream).(protocol.AuthResult)
	require.True(t, ok)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestSessionRejectsNonAuthFirstMessage(t *testing.T) {
	r := newTestRegistry(t)
	createApp(t, r, "wiki")

	srv := NewServer(r, serverCert(t))
	require.NoError(t, srv.Start("127.0.0.1:0"))
	defer srv.Stop()

	stream := dialAgent(t, srv.Addr())
	require.NoError(t, stream.Send(protocol.Heartbeat{UptimeSecs: 1}))

	res, ok := recvRegistry(t, stream).(protocol.AuthResult)
	require.True(t, ok)
	assert.False(t, res.Success)
}

func TestDisconnectFlipsStatus(t *testing.T) {
	r := newTestRegistry(t)
	app, token := createApp(t, r, "wiki")

	srv := NewServer(r, serverCert(t))
	require.NoError(t, srv.Start("127.0.0.1:0"))
	defer srv.Stop()

	conn, err := tls.Dial("tcp", srv.Addr(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	stream := protocol.NewStream(conn)
	require.NoError(t, stream.Send(protocol.Auth{Token: token, ServiceName: "wiki"}))

	res, ok := recvRegistry(t, stream).(protocol.AuthResult)
	require.True(t, ok)
	require.True(t, res.Success)

	require.Eventually(t, func() bool {
		got, err := r.store.GetApplication(app.ID)
		return err == nil && got.Status == types.AppStatusConnected
	}, 2*time.Second, 20*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		got, err := r.store.GetApplication(app.ID)
		return err == nil && got.Status == types.AppStatusDisconnected
	}, 2*time.Second, 20*time.Millisecond)
}
