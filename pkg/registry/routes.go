package registry

import (
	"fmt"

	"github.com/homeroute/homeroute/pkg/protocol"
	"github.com/homeroute/homeroute/pkg/types"
)

// Routes derives the application's full route set: one route for the
// frontend and one per API endpoint, each carrying the PEM material of the
// certificate covering its domain. Pure in the application's slug,
// frontend and apis; nothing else shapes the addressable surface.
func (r *Registry) Routes(app *types.Application) ([]protocol.Route, error) {
	material, err := r.certMaterial(app)
	if err != nil {
		return nil, err
	}

	frontendDomain := fmt.Sprintf("%s.%s", app.Slug, r.baseDomain)
	routes := make([]protocol.Route, 0, 1+len(app.APIs))

	route, err := buildRoute(frontendDomain, app.Frontend.Port, app.Frontend.AuthRequired, app.Frontend.AllowedGroups, material)
	if err != nil {
		return nil, err
	}
	routes = append(routes, route)

	for _, api := range app.APIs {
		domain := fmt.Sprintf("%s.%s", api.Subdomain, frontendDomain)
		route, err := buildRoute(domain, api.Port, api.AuthRequired, api.AllowedGroups, material)
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}

	return routes, nil
}

type pemPair struct {
	cert string
	key  string
}

// certMaterial maps each certified domain to its PEM pair.
func (r *Registry) certMaterial(app *types.Application) (map[string]pemPair, error) {
	material := make(map[string]pemPair)
	for _, certID := range app.CertIDs {
		info, err := r.store.GetCertificate(certID)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate %s: %w", certID, err)
		}
		certPEM, keyPEM, err := r.ca.CertPEM(info)
		if err != nil {
			return nil, err
		}
		for _, domain := range info.Domains {
			material[domain] = pemPair{cert: string(certPEM), key: string(keyPEM)}
		}
	}
	return material, nil
}

func buildRoute(domain string, port int, authRequired bool, groups []string, material map[string]pemPair) (protocol.Route, error) {
	pair, ok := material[domain]
	if !ok {
		return protocol.Route{}, fmt.Errorf("no certificate covers %s", domain)
	}
	return protocol.Route{
		Domain:        domain,
		TargetPort:    port,
		CertPEM:       pair.cert,
		KeyPEM:        pair.key,
		AuthRequired:  authRequired,
		AllowedGroups: groups,
	}, nil
}

// buildConfig assembles a full Config push for an application, stamping the
// next config version.
func (r *Registry) buildConfig(app *types.Application) (protocol.Config, error) {
	routes, err := r.Routes(app)
	if err != nil {
		return protocol.Config{}, err
	}

	caPEM, err := r.ca.RootCertPEM()
	if err != nil {
		return protocol.Config{}, err
	}

	return protocol.Config{
		ConfigVersion: r.configVersion.Add(1),
		Ipv6Address:   app.IPv6Address,
		Routes:        routes,
		CAPEM:         string(caPEM),
		AuthURL:       r.authURL,
	}, nil
}
