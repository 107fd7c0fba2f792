package protocol

// Message type constants.
const (
	// Registry -> Agent message types.
	TypeAuthResult      = "auth_result"
	TypeConfig          = "config"
	TypeIpv6Update      = "ipv6_update"
	TypeCertUpdate      = "cert_update"
	TypeUpdateAvailable = "update_available"
	TypeServiceCommand  = "service_command"
	TypeShutdown        = "shutdown"

	// Agent -> Registry message types.
	TypeAuth         = "auth"
	TypeHeartbeat    = "heartbeat"
	TypeConfigAck    = "config_ack"
	TypeError        = "error"
	TypeServiceState = "service_state"
)

// Route describes one served domain on an agent: the TLS material to
// terminate with, the local backend port to forward to, and the access
// policy. Route sets are always replaced wholesale, never patched.
type Route struct {
	Domain        string   `json:"domain"`
	TargetPort    int      `json:"target_port"`
	CertPEM       string   `json:"cert_pem"`
	KeyPEM        string   `json:"key_pem"`
	AuthRequired  bool     `json:"auth_required"`
	AllowedGroups []string `json:"allowed_groups,omitempty"`
}

// RegistryMessage is implemented by all registry -> agent payloads.
type RegistryMessage interface {
	registryMessage()
}

// AuthResult reports the outcome of an Auth attempt.
type AuthResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Config carries the full desired state for an agent: its address, the
// complete route set, the CA bundle, and the forward-auth endpoint.
// Applying the same Config twice produces identical served state.
type Config struct {
	ConfigVersion uint64  `json:"config_version"`
	Ipv6Address   string  `json:"ipv6_address"`
	Routes        []Route `json:"routes"`
	CAPEM         string  `json:"ca_pem,omitempty"`
	AuthURL       string  `json:"homeroute_auth_url,omitempty"`
}

// Ipv6Update replaces only the agent's bound address.
type Ipv6Update struct {
	Ipv6Address string `json:"ipv6_address"`
}

// CertUpdate replaces only the route set (typically after renewal).
type CertUpdate struct {
	Routes []Route `json:"routes"`
}

// UpdateAvailable instructs the agent to self-update to a new binary.
type UpdateAvailable struct {
	Version     string `json:"version"`
	DownloadURL string `json:"download_url"`
	SHA256      string `json:"sha256"`
}

// ServiceCommand asks the agent to start or stop one of its local
// services. The resulting state transition comes back as a ServiceState
// message once verified.
type ServiceCommand struct {
	Service string `json:"service"`
	Action  string `json:"action"`
}

// Shutdown instructs the agent to tear down and exit. This is the only
// intentional termination path.
type Shutdown struct{}

// UnknownRegistry is the fallback for message types this agent build does
// not know. Unknown types are logged and ignored, never fatal.
type UnknownRegistry struct {
	Type string
}

func (AuthResult) registryMessage()      {}
func (Config) registryMessage()          {}
func (Ipv6Update) registryMessage()      {}
func (CertUpdate) registryMessage()      {}
func (UpdateAvailable) registryMessage() {}
func (ServiceCommand) registryMessage()  {}
func (Shutdown) registryMessage()        {}
func (UnknownRegistry) registryMessage() {}

// AgentMessage is implemented by all agent -> registry payloads.
type AgentMessage interface {
	agentMessage()
}

// Auth is the first message on every connection. The registry verifies the
// token against the application's stored token hash.
type Auth struct {
	Token       string `json:"token"`
	ServiceName string `json:"service_name"`
	Version     string `json:"version"`
}

// Heartbeat carries agent liveness and load.
type Heartbeat struct {
	UptimeSecs        uint64 `json:"uptime_secs"`
	ConnectionsActive int    `json:"connections_active"`
}

// ConfigAck acknowledges an applied Config by version.
type ConfigAck struct {
	ConfigVersion uint64 `json:"config_version"`
}

// ErrorReport surfaces an agent-side failure to the registry.
type ErrorReport struct {
	Message string `json:"message"`
}

// ServiceState reports a local service state transition.
type ServiceState struct {
	Service string `json:"service"`
	State   string `json:"state"`
}

// UnknownAgent is the fallback for agent message types this registry build
// does not know.
type UnknownAgent struct {
	Type string
}

func (Auth) agentMessage()         {}
func (Heartbeat) agentMessage()    {}
func (ConfigAck) agentMessage()    {}
func (ErrorReport) agentMessage()  {}
func (ServiceState) agentMessage() {}
func (UnknownAgent) agentMessage() {}
