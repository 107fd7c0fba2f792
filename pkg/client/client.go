package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/homeroute/homeroute/pkg/types"
)

const requestTimeout = 10 * time.Second

// Client talks to the registry's admin API for CLI and automation usage.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the admin API at baseURL, e.g.
// "http://127.0.0.1:7080".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// CreateApplicationResult is what the registry returns on creation. The
// token is only ever returned here; the registry stores its hash.
type CreateApplicationResult struct {
	Application *types.Application `json:"application"`
	Token       string             `json:"token"`
}

// CreateApplication registers a new application and returns it together
// with the agent token.
func (c *Client) CreateApplication(slug, name, containerName string, frontend types.FrontendEndpoint, apis []types.APIEndpoint) (*CreateApplicationResult, error) {
	body := map[string]any{
		"slug":           slug,
		"name":           name,
		"container_name": containerName,
		"frontend":       frontend,
		"apis":           apis,
	}
	var result CreateApplicationResult
	if err := c.do(http.MethodPost, "/v1/applications", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListApplications lists all registered applications.
func (c *Client) ListApplications() ([]*types.Application, error) {
	var apps []*types.Application
	if err := c.do(http.MethodGet, "/v1/applications", nil, &apps); err != nil {
		return nil, err
	}
	return apps, nil
}

// GetApplication gets an application by ID.
func (c *Client) GetApplication(id string) (*types.Application, error) {
	var app types.Application
	if err := c.do(http.MethodGet, "/v1/applications/"+id, nil, &app); err != nil {
		return nil, err
	}
	return &app, nil
}

// DeleteApplication removes an application, its certificates, and its
// DNS records.
func (c *Client) DeleteApplication(id string) error {
	return c.do(http.MethodDelete, "/v1/applications/"+id, nil, nil)
}

// SendServiceCommand asks the application's agent to run a service
// action (start, stop, restart).
func (c *Client) SendServiceCommand(id, service, action string) error {
	body := map[string]string{"service": service, "action": action}
	return c.do(http.MethodPost, "/v1/applications/"+id+"/services", body, nil)
}

// PushConfig forces a fresh config push to the application's agent and
// returns the new config version.
func (c *Client) PushConfig(id string) (uint64, error) {
	var resp map[string]uint64
	if err := c.do(http.MethodPost, "/v1/applications/"+id+"/config", nil, &resp); err != nil {
		return 0, err
	}
	return resp["config_version"], nil
}

// AnnounceUpdate broadcasts a new agent binary release to all connected
// agents.
func (c *Client) AnnounceUpdate(version, downloadURL, sha256 string) error {
	body := map[string]string{
		"version":      version,
		"download_url": downloadURL,
		"sha256":       sha256,
	}
	return c.do(http.MethodPost, "/v1/updates", body, nil)
}

// Health reports whether the registry answers its health endpoint.
func (c *Client) Health() error {
	return c.do(http.MethodGet, "/health", nil, nil)
}

func (c *Client) do(method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
