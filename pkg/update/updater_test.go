package update

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func liveBinary(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "homeroute-agent")
	require.NoError(t, os.WriteFile(path, content, 0755))
	return path
}

func TestApplyInstallsVerifiedBinary(t *testing.T) {
	oldBin := []byte("old binary v1")
	newBin := []byte("new binary v2 with more bytes")
	path := liveBinary(t, oldBin)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(newBin)
	}))
	defer srv.Close()

	u := New(path, "")
	require.NoError(t, u.Apply(context.Background(), srv.URL, digest(newBin)))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, newBin, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	// No staging artifact left behind.
	_, err = os.Stat(path + ".download")
	assert.True(t, os.IsNotExist(err))
}

func TestOverlappingInstallsDoNotInterleave(t *testing.T) {
	path := liveBinary(t, []byte("old"))
	u := New(path, "")

	first := bytes.Repeat([]byte("A"), 4096)
	second := bytes.Repeat([]byte("B"), 4096)

	done := make(chan error, 2)
	go func() { done <- u.ApplyFromStream(context.Background(), bytes.NewReader(first), digest(first)) }()
	go func() { done <- u.ApplyFromStream(context.Background(), bytes.NewReader(second), digest(second)) }()
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	// Installs are serialized, so the survivor is one payload intact,
	// never a mix of the two staging writes.
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	if !bytes.Equal(got, first) && !bytes.Equal(got, second) {
		t.Fatalf("installed binary is neither payload (len %d)", len(got))
	}
}

func TestApplyDigestMismatchLeavesBinaryUntouched(t *testing.T) {
	oldBin := []byte("old binary v1")
	path := liveBinary(t, oldBin)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tampered payload"))
	}))
	defer srv.Close()

	u := New(path, "")
	err := u.Apply(context.Background(), srv.URL, digest([]byte("expected payload")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest mismatch")

	// Live binary byte-identical to before the attempt.
	got, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, oldBin, got)

	// No executable temp artifact remains.
	_, statErr := os.Stat(path + ".download")
	assert.True(t, os.IsNotExist(statErr))
}

func TestApplyDownloadFailure(t *testing.T) {
	oldBin := []byte("old binary v1")
	path := liveBinary(t, oldBin)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	u := New(path, "")
	err := u.Apply(context.Background(), srv.URL, digest(oldBin))
	require.Error(t, err)

	got, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, oldBin, got)
}

func frame(chunks ...[]byte) []byte {
	var buf bytes.Buffer
	var hdr [4]byte
	for _, c := range chunks {
		binary.BigEndian.PutUint32(hdr[:], uint32(len(c)))
		buf.Write(hdr[:])
		buf.Write(c)
	}
	binary.BigEndian.PutUint32(hdr[:], 0)
	buf.Write(hdr[:])
	return buf.Bytes()
}

func TestApplyFromStreamWithRelayFraming(t *testing.T) {
	newBin := []byte("relay-delivered binary payload")
	path := liveBinary(t, []byte("old"))

	framed := frame(newBin[:10], newBin[10:])
	u := New(path, "")

	fr := NewFrameReader(bytes.NewReader(framed))
	require.NoError(t, u.ApplyFromStream(context.Background(), fr, digest(newBin)))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, newBin, got)
}

func TestFrameReaderRejectsTruncatedStream(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 100)
	buf.Write(hdr[:])
	buf.Write([]byte("only a few bytes"))

	fr := NewFrameReader(&buf)
	_, err := io.ReadAll(fr)
	assert.Error(t, err)
}

func TestFrameReaderEmptyPayload(t *testing.T) {
	fr := NewFrameReader(bytes.NewReader(frame()))
	got, err := io.ReadAll(fr)
	require.NoError(t, err)
	assert.Empty(t, got)
}
