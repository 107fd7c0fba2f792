package netif

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/homeroute/homeroute/pkg/log"
)

// Address addition is asynchronous at the network layer; binding a listener
// immediately after a successful add can fail while the kernel verifies the
// address. Apply sleeps this long after an add so callers can bind directly.
const settleDelay = 500 * time.Millisecond

// defaultPrefixLen is used when the registry pushes a bare address. Agent
// addresses are centrally allocated host addresses, not on-link prefixes.
const defaultPrefixLen = 128

// Manager keeps the interface's assigned global address consistent with
// what the registry last pushed, without flapping.
type Manager struct {
	iface string
	ctrl  AddressController

	mu      sync.Mutex
	current *InterfaceAddr
}

// NewManager creates an address lifecycle manager for the given interface.
func NewManager(iface string, ctrl AddressController) *Manager {
	return &Manager{iface: iface, ctrl: ctrl}
}

// Current returns the address the manager currently holds, or nil.
func (m *Manager) Current() *InterfaceAddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Discover inspects the interface and adopts the authoritative global
// address if one is present. Called once at agent startup so a restart does
// not tear down an address the previous process already configured.
func (m *Manager) Discover(ctx context.Context) (*InterfaceAddr, error) {
	addrs, err := m.ctrl.List(ctx, m.iface)
	if err != nil {
		return nil, err
	}

	chosen := Classify(addrs)

	m.mu.Lock()
	m.current = chosen
	m.mu.Unlock()

	if chosen != nil {
		log.WithComponent("netif").Info().
			Str("iface", m.iface).
			Str("address", chosen.IP.String()).
			Bool("dynamic", chosen.Dynamic).
			Msg("Adopted existing global address")
	}
	return chosen, nil
}

// Apply makes the interface hold exactly the given address. The input may
// carry an explicit prefix length ("2001:db8::2/64"); bare addresses get
// /128. Reapplying the held address is a no-op and performs no removal.
//
// Replacement is remove-then-add, never a concurrent add of two addresses.
// Removal failures are logged, not fatal (the address may already be gone);
// an add failure is returned and must abort any dependent listener restart.
func (m *Manager) Apply(ctx context.Context, addr string) (changed bool, err error) {
	ip, plen, err := parseAddr(addr)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	logger := log.WithComponent("netif")

	if m.current != nil && m.current.IP.Equal(ip) && m.current.PrefixLen == plen {
		logger.Debug().Str("address", addr).Msg("Address unchanged, skipping")
		return false, nil
	}

	if m.current != nil {
		if err := m.ctrl.Remove(ctx, m.iface, m.current.IP, m.current.PrefixLen); err != nil {
			logger.Warn().Err(err).
				Str("address", m.current.IP.String()).
				Msg("Failed to remove old address, continuing")
		}
		m.current = nil
	}

	if err := m.ctrl.Add(ctx, m.iface, ip, plen); err != nil {
		return false, fmt.Errorf("failed to assign %s: %w", addr, err)
	}

	m.current = &InterfaceAddr{IP: ip, PrefixLen: plen, Dynamic: true}

	logger.Info().Str("iface", m.iface).Str("address", addr).Msg("Assigned global address")

	// Let the kernel finish address verification before the caller binds.
	select {
	case <-time.After(settleDelay):
	case <-ctx.Done():
		return true, ctx.Err()
	}

	return true, nil
}

func parseAddr(addr string) (net.IP, int, error) {
	ipStr, plenStr, hasPlen := strings.Cut(addr, "/")
	ip := net.ParseIP(ipStr)
	if ip == nil || ip.To4() != nil {
		return nil, 0, fmt.Errorf("invalid IPv6 address %q", addr)
	}

	plen := defaultPrefixLen
	if hasPlen {
		var err error
		plen, err = strconv.Atoi(plenStr)
		if err != nil || plen < 0 || plen > 128 {
			return nil, 0, fmt.Errorf("invalid prefix length in %q", addr)
		}
	}

	return ip, plen, nil
}
