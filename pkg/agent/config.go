package agent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the agent's on-disk configuration.
type Config struct {
	// RegistryAddr is the host:port of the registry's agent listener.
	RegistryAddr string `yaml:"registry_addr"`
	// ServiceName identifies this agent to the registry; matches the
	// application slug.
	ServiceName string `yaml:"service_name"`
	// Token is the agent credential minted at application creation.
	Token string `yaml:"token"`

	// Interface carries the delegated global address, e.g. "eth0".
	Interface string `yaml:"interface"`
	// ProxyPort is the listener port, 443 unless overridden.
	ProxyPort int `yaml:"proxy_port,omitempty"`

	// BinaryPath is this agent's installed binary, replaced on self-update.
	BinaryPath string `yaml:"binary_path,omitempty"`
	// ServiceUnit is the systemd unit restarted after a self-update.
	ServiceUnit string `yaml:"service_unit,omitempty"`

	// ServiceUnits overrides the systemd unit per tracked service type.
	ServiceUnits map[string]string `yaml:"service_units,omitempty"`

	// LeasePath is where the DHCPv6-PD lease state is persisted.
	LeasePath string `yaml:"lease_path,omitempty"`

	// MetricsAddr enables the Prometheus endpoint when set.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	// CAFile pins the registry's CA root for the session dial. The file
	// is refreshed from the ca_pem the registry pushes with each config.
	CAFile string `yaml:"ca_file,omitempty"`

	// InsecureSkipVerify disables registry certificate verification.
	// Development only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty"`
}

// LoadConfig reads and validates the agent configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.RegistryAddr == "" {
		return nil, fmt.Errorf("registry_addr is required")
	}
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("service_name is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("token is required")
	}
	if cfg.Interface == "" {
		return nil, fmt.Errorf("interface is required")
	}
	if cfg.ProxyPort == 0 {
		cfg.ProxyPort = 443
	}
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "/usr/local/bin/homeroute-agent"
	}
	if cfg.ServiceUnit == "" {
		cfg.ServiceUnit = "homeroute-agent.service"
	}
	if cfg.LeasePath == "" {
		cfg.LeasePath = "/var/lib/homeroute/pd-lease.json"
	}

	return &cfg, nil
}
