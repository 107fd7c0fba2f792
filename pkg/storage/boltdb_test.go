package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homeroute/homeroute/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestApplicationCRUD(t *testing.T) {
	store := newTestStore(t)

	app := &types.Application{
		ID:         "app-1",
		Slug:       "wiki",
		Name:       "Team Wiki",
		IPv6Suffix: 2,
		Status:     types.AppStatusPending,
		Frontend:   types.FrontendEndpoint{Port: 8080},
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.CreateApplication(app))

	got, err := store.GetApplication("app-1")
	require.NoError(t, err)
	assert.Equal(t, "wiki", got.Slug)
	assert.Equal(t, uint16(2), got.IPv6Suffix)

	got.Status = types.AppStatusConnected
	require.NoError(t, store.UpdateApplication(got))

	got, err = store.GetApplication("app-1")
	require.NoError(t, err)
	assert.Equal(t, types.AppStatusConnected, got.Status)

	bySlug, err := store.GetApplicationBySlug("wiki")
	require.NoError(t, err)
	assert.Equal(t, "app-1", bySlug.ID)

	apps, err := store.ListApplications()
	require.NoError(t, err)
	assert.Len(t, apps, 1)

	require.NoError(t, store.DeleteApplication("app-1"))
	_, err = store.GetApplication("app-1")
	assert.Error(t, err)
}

func TestGetApplicationBySlugNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetApplicationBySlug("missing")
	assert.ErrorContains(t, err, "not found")
}

func TestCertificateCRUD(t *testing.T) {
	store := newTestStore(t)

	cert := &types.CertificateInfo{
		ID:        "cert-1",
		Domains:   []string{"wiki.example.net"},
		IssuedAt:  time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(90 * 24 * time.Hour),
	}
	require.NoError(t, store.CreateCertificate(cert))

	got, err := store.GetCertificate("cert-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"wiki.example.net"}, got.Domains)

	certs, err := store.ListCertificates()
	require.NoError(t, err)
	assert.Len(t, certs, 1)

	require.NoError(t, store.DeleteCertificate("cert-1"))
	_, err = store.GetCertificate("cert-1")
	assert.Error(t, err)
}

func TestCAKeyPairRoundTrip(t *testing.T) {
	store := newTestStore(t)

	_, _, err := store.GetCAKeyPair()
	assert.ErrorContains(t, err, "not initialized")

	require.NoError(t, store.SaveCAKeyPair([]byte("cert"), []byte("key")))

	certPEM, keyPEM, err := store.GetCAKeyPair()
	require.NoError(t, err)
	assert.Equal(t, []byte("cert"), certPEM)
	assert.Equal(t, []byte("key"), keyPEM)
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.CreateApplication(&types.Application{ID: "app-1", Slug: "wiki"}))
	require.NoError(t, store.Close())

	store, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetApplication("app-1")
	require.NoError(t, err)
	assert.Equal(t, "wiki", got.Slug)
}
