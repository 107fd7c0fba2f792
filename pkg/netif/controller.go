package netif

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
)

// AddressController abstracts address manipulation on the agent's network
// interface so the lifecycle logic is testable with fakes. The real
// implementation shells out to ip(8).
type AddressController interface {
	// List returns the interface's global-scope IPv6 address records.
	List(ctx context.Context, iface string) ([]InterfaceAddr, error)

	// Add assigns an address. Duplicate-address-detection is skipped: the
	// address is centrally allocated and known unique.
	Add(ctx context.Context, iface string, ip net.IP, prefixLen int) error

	// Remove deletes an address from the interface.
	Remove(ctx context.Context, iface string, ip net.IP, prefixLen int) error
}

// IPController is the ip(8)-backed AddressController.
type IPController struct{}

// NewIPController creates a controller that shells out to the ip command.
func NewIPController() *IPController {
	return &IPController{}
}

func (c *IPController) List(ctx context.Context, iface string) ([]InterfaceAddr, error) {
	out, err := runIP(ctx, "-6", "addr", "show", "dev", iface, "scope", "global")
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses on %s: %w", iface, err)
	}
	return parseAddrShow(out), nil
}

func (c *IPController) Add(ctx context.Context, iface string, ip net.IP, prefixLen int) error {
	addr := fmt.Sprintf("%s/%d", ip.String(), prefixLen)
	if _, err := runIP(ctx, "-6", "addr", "add", addr, "dev", iface, "nodad"); err != nil {
		return fmt.Errorf("failed to add %s to %s: %w", addr, iface, err)
	}
	return nil
}

func (c *IPController) Remove(ctx context.Context, iface string, ip net.IP, prefixLen int) error {
	addr := fmt.Sprintf("%s/%d", ip.String(), prefixLen)
	if _, err := runIP(ctx, "-6", "addr", "del", addr, "dev", iface); err != nil {
		return fmt.Errorf("failed to remove %s from %s: %w", addr, iface, err)
	}
	return nil
}

func runIP(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "ip", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("ip %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("ip %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}

// parseAddrShow extracts inet6 records from ip -6 addr show output. Lines
// look like:
//
//	inet6 2001:db8:1::2/128 scope global dynamic noprefixroute
func parseAddrShow(out []byte) []InterfaceAddr {
	var addrs []InterfaceAddr

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "inet6" {
			continue
		}

		ipStr, plenStr, ok := strings.Cut(fields[1], "/")
		if !ok {
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		plen, err := strconv.Atoi(plenStr)
		if err != nil {
			continue
		}

		dynamic := false
		for _, f := range fields[2:] {
			if f == "dynamic" {
				dynamic = true
				break
			}
		}

		addrs = append(addrs, InterfaceAddr{IP: ip, PrefixLen: plen, Dynamic: dynamic})
	}

	return addrs
}
