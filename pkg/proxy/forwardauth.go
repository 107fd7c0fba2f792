package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AuthClient performs forward-authentication checks against the central
// auth service before a connection is proxied.
type AuthClient struct {
	client *http.Client
}

// NewAuthClient creates a forward-auth client.
func NewAuthClient() *AuthClient {
	return &AuthClient{
		client: &http.Client{
			Timeout: 10 * time.Second,
			// The auth service answers directly; a redirect means "not
			// authenticated" and must be treated as a denial.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Authorize checks the caller's session credential against the auth URL for
// the given domain and group requirements. Only a 200 allows; any other
// response, including transport failure, denies.
func (a *AuthClient) Authorize(ctx context.Context, authURL, domain, cookie string, groups []string) error {
	u, err := url.Parse(authURL)
	if err != nil {
		return fmt.Errorf("invalid auth URL: %w", err)
	}
	if len(groups) > 0 {
		q := u.Query()
		q.Set("groups", strings.Join(groups, ","))
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build auth request: %w", err)
	}
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	req.Header.Set("X-Forwarded-Host", domain)
	req.Header.Set("X-Forwarded-Proto", "https")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("auth check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auth service denied access (status %d)", resp.StatusCode)
	}
	return nil
}
