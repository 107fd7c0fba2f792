package services

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// SystemdSupervisor drives services through systemctl. Unit names are
// configured per service type since deployments name their units after the
// application container.
type SystemdSupervisor struct {
	units map[ServiceType]string
}

// NewSystemdSupervisor creates a supervisor with the given unit mapping.
// Missing entries fall back to "homeroute-<service>.service".
func NewSystemdSupervisor(units map[ServiceType]string) *SystemdSupervisor {
	return &SystemdSupervisor{units: units}
}

func (s *SystemdSupervisor) unit(svc ServiceType) string {
	if u, ok := s.units[svc]; ok && u != "" {
		return u
	}
	return fmt.Sprintf("homeroute-%s.service", svc)
}

func (s *SystemdSupervisor) Start(ctx context.Context, svc ServiceType) error {
	return runSystemctl(ctx, "start", s.unit(svc))
}

func (s *SystemdSupervisor) Stop(ctx context.Context, svc ServiceType) error {
	return runSystemctl(ctx, "stop", s.unit(svc))
}

func (s *SystemdSupervisor) State(ctx context.Context, svc ServiceType) (State, error) {
	cmd := exec.CommandContext(ctx, "systemctl", "is-active", s.unit(svc))
	out, err := cmd.Output()
	status := strings.TrimSpace(string(out))

	// is-active exits non-zero for anything but "active"; the printed
	// status still distinguishes transitional states.
	switch status {
	case "active":
		return StateRunning, nil
	case "activating":
		return StateStarting, nil
	case "deactivating":
		return StateStopping, nil
	case "inactive", "failed", "deactivated":
		return StateStopped, nil
	}

	if err != nil {
		return StateStopped, fmt.Errorf("systemctl is-active %s: %w", s.unit(svc), err)
	}
	return StateStopped, nil
}

func runSystemctl(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "systemctl", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return fmt.Errorf("systemctl %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String()))
		}
		return fmt.Errorf("systemctl %s: %w", strings.Join(args, " "), err)
	}
	return nil
}
