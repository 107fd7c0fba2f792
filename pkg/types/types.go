package types

import (
	"fmt"
	"time"
)

// AppStatus represents the lifecycle state of an application as tracked by
// the registry.
type AppStatus string

const (
	AppStatusPending      AppStatus = "pending"
	AppStatusDeploying    AppStatus = "deploying"
	AppStatusConnected    AppStatus = "connected"
	AppStatusDisconnected AppStatus = "disconnected"
	AppStatusError        AppStatus = "error"
)

// FrontendEndpoint is the application's primary web surface, served at
// <slug>.<base domain>.
type FrontendEndpoint struct {
	Port          int      `json:"port"`
	AuthRequired  bool     `json:"auth_required"`
	AllowedGroups []string `json:"allowed_groups,omitempty"`
}

// APIEndpoint is an additional surface served at
// <subdomain>.<slug>.<base domain>.
type APIEndpoint struct {
	Subdomain     string   `json:"subdomain"`
	Port          int      `json:"port"`
	AuthRequired  bool     `json:"auth_required"`
	AllowedGroups []string `json:"allowed_groups,omitempty"`
}

// Application is a registry-owned record of one gated application. The
// addressable surface (Domains) is a pure function of Slug, Frontend and
// APIs; no other field influences it.
type Application struct {
	ID            string    `json:"id"`
	Slug          string    `json:"slug"`
	Name          string    `json:"name"`
	ContainerName string    `json:"container_name"`
	TokenHash     string    `json:"token_hash"` // SHA-256 hex, never the raw token
	IPv6Suffix    uint16    `json:"ipv6_suffix"`
	IPv6Address   string    `json:"ipv6_address,omitempty"`
	Status        AppStatus `json:"status"`

	// AgentVersion is the binary version the agent reported at its last
	// authentication.
	AgentVersion string `json:"agent_version,omitempty"`

	Frontend FrontendEndpoint `json:"frontend"`
	APIs     []APIEndpoint    `json:"apis,omitempty"`

	CertIDs             []string `json:"cert_ids,omitempty"`
	CloudflareRecordIDs []string `json:"cloudflare_record_ids,omitempty"`

	// AckedConfigVersion is the highest config version the agent has
	// acknowledged. Monotonic, not necessarily contiguous.
	AckedConfigVersion uint64 `json:"acked_config_version"`

	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
}

// Domains returns every domain the application serves under the given
// base domain, frontend first.
func (a *Application) Domains(baseDomain string) []string {
	domains := make([]string, 0, 1+len(a.APIs))
	domains = append(domains, fmt.Sprintf("%s.%s", a.Slug, baseDomain))
	for _, api := range a.APIs {
		domains = append(domains, fmt.Sprintf("%s.%s.%s", api.Subdomain, a.Slug, baseDomain))
	}
	return domains
}

// CertificateInfo describes one certificate issued by the internal CA.
type CertificateInfo struct {
	ID           string    `json:"id"`
	Domains      []string  `json:"domains"`
	SerialNumber string    `json:"serial_number"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	CertPath     string    `json:"cert_path"`
	KeyPath      string    `json:"key_path"`
}

// NeedsRenewal reports whether the certificate expires within the given
// threshold.
func (c *CertificateInfo) NeedsRenewal(now time.Time, thresholdDays int) bool {
	return c.ExpiresAt.Sub(now) < time.Duration(thresholdDays)*24*time.Hour
}
