package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homeroute/homeroute/pkg/events"
	"github.com/homeroute/homeroute/pkg/registry"
	"github.com/homeroute/homeroute/pkg/security"
	"github.com/homeroute/homeroute/pkg/storage"
	"github.com/homeroute/homeroute/pkg/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ca := security.NewCertAuthority(store, filepath.Join(dir, "certs"))
	require.NoError(t, ca.Init())

	reg, err := registry.New(store, ca, nil, events.NewBroker(), registry.Options{
		BaseDomain: "example.net",
		IPv6Prefix: "2001:db8::/64",
		AuthURL:    "https://auth.example.net/verify",
	})
	require.NoError(t, err)

	return NewServer(reg, "test")
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var ready readyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ready))
	assert.Equal(t, "ok", ready.Checks["storage"])
}

func TestApplicationLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/applications", createApplicationRequest{
		Slug:          "wiki",
		Name:          "Team Wiki",
		ContainerName: "wiki-container",
		Frontend:      types.FrontendEndpoint{Port: 8080},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created createApplicationResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.NotEmpty(t, created.Token)
	assert.Equal(t, "wiki", created.Application.Slug)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/v1/applications", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var apps []*types.Application
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&apps))
	require.Len(t, apps, 1)
	// The stored record never leaks the raw token.
	assert.NotEqual(t, created.Token, apps[0].TokenHash)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/v1/applications/"+created.Application.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodDelete, "/v1/applications/"+created.Application.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/v1/applications/"+created.Application.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateApplicationValidation(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/applications", createApplicationRequest{Slug: "wiki"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Duplicate slug conflicts.
	req := createApplicationRequest{Slug: "wiki", Frontend: types.FrontendEndpoint{Port: 80}}
	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/applications", req)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/applications", req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServiceCommandWithoutAgent(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/applications", createApplicationRequest{
		Slug: "wiki", Frontend: types.FrontendEndpoint{Port: 80},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created createApplicationResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))

	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/applications/"+created.Application.ID+"/services",
		serviceCommandRequest{Service: "app", Action: "start"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAnnounceUpdateValidation(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/updates", announceUpdateRequest{Version: "2.0.0"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/updates", announceUpdateRequest{
		Version: "2.0.0", DownloadURL: "https://dl.example.net/agent", SHA256: "abc",
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
