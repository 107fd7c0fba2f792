package registry

import "context"

// DNSProvider manages public AAAA records for application domains. The
// production deployment points this at the Cloudflare zone holding the
// base domain; record IDs it returns are remembered on the application
// for later cleanup.
type DNSProvider interface {
	EnsureRecord(ctx context.Context, domain, ipv6 string) (recordID string, err error)
	DeleteRecord(ctx context.Context, recordID string) error
}

// NoopDNS satisfies DNSProvider without touching any zone. Used when DNS
// is managed out of band.
type NoopDNS struct{}

func (NoopDNS) EnsureRecord(ctx context.Context, domain, ipv6 string) (string, error) {
	return "", nil
}

func (NoopDNS) DeleteRecord(ctx context.Context, recordID string) error {
	return nil
}
