package proxy

import (
	"crypto/tls"
	"fmt"
	"sort"
	"strings"

	"github.com/homeroute/homeroute/pkg/log"
	"github.com/homeroute/homeroute/pkg/protocol"
)

// routeEntry is one served domain with its parsed TLS material.
type routeEntry struct {
	route protocol.Route
	cert  *tls.Certificate
}

// Table is an immutable snapshot of the served route set. Tables are
// replaced wholesale by atomic pointer swap, never mutated in place, so
// in-flight connections keep the snapshot they started under.
type Table struct {
	entries map[string]*routeEntry
	authURL string
}

// NewTable builds a snapshot from a pushed route set. Routes whose
// certificate material does not parse are logged and skipped rather than
// failing the whole push.
func NewTable(routes []protocol.Route, authURL string) *Table {
	t := &Table{
		entries: make(map[string]*routeEntry, len(routes)),
		authURL: authURL,
	}

	for _, r := range routes {
		cert, err := tls.X509KeyPair([]byte(r.CertPEM), []byte(r.KeyPEM))
		if err != nil {
			log.WithDomain(r.Domain).Warn().Err(err).Msg("Skipping route with unparseable certificate")
			continue
		}
		t.entries[strings.ToLower(r.Domain)] = &routeEntry{route: r, cert: &cert}
	}

	return t
}

// Lookup finds the route for an SNI server name.
func (t *Table) Lookup(serverName string) (*routeEntry, bool) {
	e, ok := t.entries[strings.ToLower(serverName)]
	return e, ok
}

// Certificate implements handshake-time certificate selection. An SNI with
// no matching route rejects the handshake.
func (t *Table) Certificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	e, ok := t.Lookup(hello.ServerName)
	if !ok {
		return nil, fmt.Errorf("no route for server name %q", hello.ServerName)
	}
	return e.cert, nil
}

// Domains returns the served domain list, sorted.
func (t *Table) Domains() []string {
	out := make([]string, 0, len(t.entries))
	for d := range t.entries {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of served routes.
func (t *Table) Len() int {
	return len(t.entries)
}
