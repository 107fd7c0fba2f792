package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/homeroute/homeroute/pkg/events"
	"github.com/homeroute/homeroute/pkg/log"
	"github.com/homeroute/homeroute/pkg/metrics"
	"github.com/homeroute/homeroute/pkg/protocol"
	"github.com/homeroute/homeroute/pkg/security"
	"github.com/homeroute/homeroute/pkg/services"
	"github.com/homeroute/homeroute/pkg/storage"
	"github.com/homeroute/homeroute/pkg/types"
)

const (
	// Agents that have not heartbeated within this window are flipped to
	// Disconnected by the health sweep.
	heartbeatStaleAfter = 90 * time.Second
	healthSweepInterval = 60 * time.Second
	renewalInterval     = 12 * time.Hour

	// Suffix 0 is the network itself, 1 is reserved for the gateway host.
	firstSuffix = 2
)

// Options configures a Registry.
type Options struct {
	// BaseDomain is the apex under which application domains are derived,
	// e.g. "example.net" serves wiki.example.net.
	BaseDomain string
	// IPv6Prefix is the delegated prefix applications get suffixes from,
	// e.g. "2001:db8:1::/64".
	IPv6Prefix string
	// AuthURL is the forward-auth endpoint pushed to agents.
	AuthURL string
}

// Registry is the fleet control plane: it owns the Application set,
// allocates stable address suffixes, derives routes with their TLS
// material, and translates state changes into protocol messages for
// connected agents.
type Registry struct {
	store  storage.Store
	ca     *security.CertAuthority
	dns    DNSProvider
	broker *events.Broker

	baseDomain string
	prefix     netip.Prefix
	authURL    string

	configVersion atomic.Uint64

	mu       sync.RWMutex
	sessions map[string]*session // keyed by application ID
}

// New creates a Registry. The CA must already be initialized.
func New(store storage.Store, ca *security.CertAuthority, dns DNSProvider, broker *events.Broker, opts Options) (*Registry, error) {
	prefix, err := netip.ParsePrefix(opts.IPv6Prefix)
	if err != nil {
		return nil, fmt.Errorf("invalid IPv6 prefix %q: %w", opts.IPv6Prefix, err)
	}
	if !prefix.Addr().Is6() {
		return nil, fmt.Errorf("prefix %q is not IPv6", opts.IPv6Prefix)
	}
	if dns == nil {
		dns = NoopDNS{}
	}

	return &Registry{
		store:      store,
		ca:         ca,
		dns:        dns,
		broker:     broker,
		baseDomain: opts.BaseDomain,
		prefix:     prefix,
		authURL:    opts.AuthURL,
		sessions:   make(map[string]*session),
	}, nil
}

// CreateApplication registers a new application: allocates the lowest free
// address suffix, mints its agent token, issues a certificate covering its
// domains and creates DNS records. The raw token is returned exactly once;
// only its hash is stored.
func (r *Registry) CreateApplication(slug, name, containerName string, frontend types.FrontendEndpoint, apis []types.APIEndpoint) (*types.Application, string, error) {
	if _, err := r.store.GetApplicationBySlug(slug); err == nil {
		return nil, "", fmt.Errorf("application already exists: %s", slug)
	}

	suffix, err := r.allocateSuffix()
	if err != nil {
		return nil, "", err
	}

	token, err := generateToken()
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	app := &types.Application{
		ID:            uuid.New().String(),
		Slug:          slug,
		Name:          name,
		ContainerName: containerName,
		TokenHash:     HashToken(token),
		IPv6Suffix:    suffix,
		IPv6Address:   r.addressFor(suffix),
		Status:        types.AppStatusPending,
		Frontend:      frontend,
		APIs:          apis,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	cert, err := r.ca.IssueCertificate(app.Domains(r.baseDomain))
	if err != nil {
		return nil, "", fmt.Errorf("failed to issue certificate: %w", err)
	}
	app.CertIDs = []string{cert.ID}

	for _, domain := range app.Domains(r.baseDomain) {
		recordID, err := r.dns.EnsureRecord(context.Background(), domain, app.IPv6Address)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create DNS record for %s: %w", domain, err)
		}
		if recordID != "" {
			app.CloudflareRecordIDs = append(app.CloudflareRecordIDs, recordID)
		}
	}

	if err := r.store.CreateApplication(app); err != nil {
		return nil, "", fmt.Errorf("failed to persist application: %w", err)
	}

	metrics.ApplicationsTotal.WithLabelValues(string(app.Status)).Inc()
	r.broker.Publish(&events.Event{
		Type:     events.EventAddressAssigned,
		Message:  "address assigned",
		Metadata: map[string]string{"app_id": app.ID, "address": app.IPv6Address},
	})
	log.WithComponent("registry").Info().
		Str("app_id", app.ID).
		Str("slug", slug).
		Uint16("suffix", suffix).
		Msg("Application created")

	return app, token, nil
}

// DeleteApplication removes an application, its certificates and DNS
// records, and disconnects its agent.
func (r *Registry) DeleteApplication(id string) error {
	app, err := r.store.GetApplication(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if sess := r.sessions[id]; sess != nil {
		sess.send(protocol.Shutdown{})
		sess.close()
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, certID := range app.CertIDs {
		if err := r.ca.RevokeCertificate(certID); err != nil {
			log.WithAppID(id).Warn().Err(err).Str("cert_id", certID).Msg("Failed to revoke certificate")
		}
	}
	for _, recordID := range app.CloudflareRecordIDs {
		if err := r.dns.DeleteRecord(context.Background(), recordID); err != nil {
			log.WithAppID(id).Warn().Err(err).Str("record_id", recordID).Msg("Failed to delete DNS record")
		}
	}

	if err := r.store.DeleteApplication(id); err != nil {
		return err
	}
	metrics.ApplicationsTotal.WithLabelValues(string(app.Status)).Dec()
	return nil
}

// ListApplications returns all applications sorted by slug.
func (r *Registry) ListApplications() ([]*types.Application, error) {
	apps, err := r.store.ListApplications()
	if err != nil {
		return nil, err
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].Slug < apps[j].Slug })
	return apps, nil
}

// GetApplication returns one application by ID.
func (r *Registry) GetApplication(id string) (*types.Application, error) {
	return r.store.GetApplication(id)
}

// SendServiceCommand asks a connected agent to start or stop one of its
// local services. Fails when the agent is not connected.
func (r *Registry) SendServiceCommand(appID string, svc services.ServiceType, action services.Action) error {
	r.mu.RLock()
	sess := r.sessions[appID]
	r.mu.RUnlock()

	if sess == nil {
		return fmt.Errorf("agent not connected: %s", appID)
	}
	return sess.send(protocol.ServiceCommand{Service: string(svc), Action: string(action)})
}

// PushConfig rebuilds and sends the full Config to a connected agent.
// Returns the pushed version.
func (r *Registry) PushConfig(appID string) (uint64, error) {
	r.mu.RLock()
	sess := r.sessions[appID]
	r.mu.RUnlock()

	if sess == nil {
		return 0, fmt.Errorf("agent not connected: %s", appID)
	}

	app, err := r.store.GetApplication(appID)
	if err != nil {
		return 0, err
	}

	cfg, err := r.buildConfig(app)
	if err != nil {
		return 0, err
	}
	if err := sess.send(cfg); err != nil {
		return 0, err
	}
	return cfg.ConfigVersion, nil
}

// AnnounceUpdate pushes an UpdateAvailable to every connected agent.
func (r *Registry) AnnounceUpdate(version, downloadURL, sha256Hex string) {
	msg := protocol.UpdateAvailable{Version: version, DownloadURL: downloadURL, SHA256: sha256Hex}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for appID, sess := range r.sessions {
		if err := sess.send(msg); err != nil {
			log.WithAppID(appID).Warn().Err(err).Msg("Failed to announce update")
		}
	}
}

// Run drives the periodic loops: the agent health sweep and the
// certificate renewal check. Blocks until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	health := time.NewTicker(healthSweepInterval)
	defer health.Stop()
	renewal := time.NewTicker(renewalInterval)
	defer renewal.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-health.C:
			r.sweepStaleAgents()
		case <-renewal.C:
			r.renewExpiringCertificates()
		}
	}
}

// sweepStaleAgents flips applications whose agent stopped heartbeating to
// Disconnected.
func (r *Registry) sweepStaleAgents() {
	apps, err := r.store.ListApplications()
	if err != nil {
		log.WithComponent("registry").Error().Err(err).Msg("Health sweep failed to list applications")
		return
	}

	cutoff := time.Now().Add(-heartbeatStaleAfter)
	for _, app := range apps {
		if app.Status != types.AppStatusConnected || app.LastHeartbeat.After(cutoff) {
			continue
		}
		r.setStatus(app, types.AppStatusDisconnected)
		log.WithAppID(app.ID).Warn().Time("last_heartbeat", app.LastHeartbeat).Msg("Agent heartbeat stale, marking disconnected")
	}
}

// renewExpiringCertificates renews certificates inside the renewal window
// and pushes the refreshed route sets to the affected connected agents.
func (r *Registry) renewExpiringCertificates() {
	due, err := r.ca.CertificatesNeedingRenewal()
	if err != nil {
		log.WithComponent("registry").Error().Err(err).Msg("Renewal check failed")
		return
	}

	for _, cert := range due {
		renewed, err := r.ca.RenewCertificate(cert.ID)
		if err != nil {
			log.WithComponent("registry").Error().Err(err).Str("cert_id", cert.ID).Msg("Certificate renewal failed")
			continue
		}
		metrics.CertRenewalsTotal.Inc()
		r.broker.Publish(&events.Event{
			Type:     events.EventCertRenewed,
			Message:  "certificate renewed",
			Metadata: map[string]string{"cert_id": renewed.ID},
		})

		app, err := r.ownerOf(renewed.ID)
		if err != nil || app == nil {
			continue
		}
		r.pushCertUpdate(app)
	}
}

func (r *Registry) pushCertUpdate(app *types.Application) {
	r.mu.RLock()
	sess := r.sessions[app.ID]
	r.mu.RUnlock()
	if sess == nil {
		return
	}

	routes, err := r.Routes(app)
	if err != nil {
		log.WithAppID(app.ID).Error().Err(err).Msg("Failed to derive routes for cert update")
		return
	}
	if err := sess.send(protocol.CertUpdate{Routes: routes}); err != nil {
		log.WithAppID(app.ID).Warn().Err(err).Msg("Failed to push cert update")
	}
}

func (r *Registry) ownerOf(certID string) (*types.Application, error) {
	apps, err := r.store.ListApplications()
	if err != nil {
		return nil, err
	}
	for _, app := range apps {
		for _, id := range app.CertIDs {
			if id == certID {
				return app, nil
			}
		}
	}
	return nil, nil
}

// allocateSuffix returns the lowest free suffix, starting at firstSuffix.
func (r *Registry) allocateSuffix() (uint16, error) {
	apps, err := r.store.ListApplications()
	if err != nil {
		return 0, err
	}

	used := make(map[uint16]bool, len(apps))
	for _, app := range apps {
		used[app.IPv6Suffix] = true
	}

	for s := uint16(firstSuffix); s != 0; s++ {
		if !used[s] {
			return s, nil
		}
	}
	return 0, fmt.Errorf("address suffixes exhausted")
}

// addressFor derives the application's stable address: the delegated
// prefix with the suffix as the low host bits.
func (r *Registry) addressFor(suffix uint16) string {
	b := r.prefix.Addr().As16()
	b[14] = byte(suffix >> 8)
	b[15] = byte(suffix)
	return netip.AddrFrom16(b).String()
}

// recordAgentVersion persists the version an agent authenticated with. A
// version change since the previous session means a self-update landed.
func (r *Registry) recordAgentVersion(app *types.Application, version string) {
	if version == "" || app.AgentVersion == version {
		return
	}
	previous := app.AgentVersion
	app.AgentVersion = version
	app.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdateApplication(app); err != nil {
		log.WithAppID(app.ID).Error().Err(err).Msg("Failed to persist agent version")
		return
	}
	if previous == "" {
		return
	}
	r.broker.Publish(&events.Event{
		Type:     events.EventUpdateApplied,
		Message:  "agent updated",
		Metadata: map[string]string{"app_id": app.ID, "from": previous, "to": version},
	})
}

func (r *Registry) setStatus(app *types.Application, status types.AppStatus) {
	if app.Status == status {
		return
	}
	metrics.ApplicationsTotal.WithLabelValues(string(app.Status)).Dec()
	metrics.ApplicationsTotal.WithLabelValues(string(status)).Inc()
	app.Status = status
	app.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdateApplication(app); err != nil {
		log.WithAppID(app.ID).Error().Err(err).Msg("Failed to persist status change")
	}
}

func generateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// HashToken returns the stored verifier form of an agent token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
