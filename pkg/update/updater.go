package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/homeroute/homeroute/pkg/log"
	"github.com/homeroute/homeroute/pkg/metrics"
)

// Updater replaces the running agent binary in place. The sequence is
// download to a sibling temp path, verify the content digest, atomic rename
// over the live binary, then restart through the service manager. A failed
// or tampered download never touches the live binary.
type Updater struct {
	binaryPath  string
	serviceUnit string
	client      *http.Client

	// mu serializes installs; announcements are dispatched concurrently
	// and overlapping attempts share the staging path.
	mu sync.Mutex
}

// New creates an updater for the given live binary path. serviceUnit is the
// systemd unit restarted after a successful swap.
func New(binaryPath, serviceUnit string) *Updater {
	return &Updater{
		binaryPath:  binaryPath,
		serviceUnit: serviceUnit,
		client:      &http.Client{Timeout: 5 * time.Minute},
	}
}

// Apply downloads the artifact, verifies it against the expected sha256 hex
// digest, and installs it.
func (u *Updater) Apply(ctx context.Context, downloadURL, sha256Hex string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return fmt.Errorf("invalid download URL: %w", err)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		metrics.UpdateAttemptsTotal.WithLabelValues("download_failed").Inc()
		return fmt.Errorf("failed to download update: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.UpdateAttemptsTotal.WithLabelValues("download_failed").Inc()
		return fmt.Errorf("update download returned status %d", resp.StatusCode)
	}

	return u.ApplyFromStream(ctx, resp.Body, sha256Hex)
}

// ApplyFromStream verifies and installs an update payload from any reader.
// The relay transport feeds this with its own framing; the verification and
// atomic-replace contract is identical in both paths.
func (u *Updater) ApplyFromStream(ctx context.Context, r io.Reader, sha256Hex string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	tmpPath := u.binaryPath + ".download"

	if err := u.stageAndVerify(r, tmpPath, sha256Hex); err != nil {
		// Leave no artifact behind on any staging failure.
		os.Remove(tmpPath)
		return err
	}

	if err := os.Chmod(tmpPath, 0755); err != nil {
		os.Remove(tmpPath)
		metrics.UpdateAttemptsTotal.WithLabelValues("install_failed").Inc()
		return fmt.Errorf("failed to mark update executable: %w", err)
	}

	// Same filesystem as the live binary, so the rename is atomic.
	if err := os.Rename(tmpPath, u.binaryPath); err != nil {
		os.Remove(tmpPath)
		metrics.UpdateAttemptsTotal.WithLabelValues("install_failed").Inc()
		return fmt.Errorf("failed to install update: %w", err)
	}

	metrics.UpdateAttemptsTotal.WithLabelValues("applied").Inc()
	log.WithComponent("update").Info().Str("binary", u.binaryPath).Msg("Update installed")

	u.restart(ctx)
	return nil
}

// stageAndVerify streams the payload into tmpPath while hashing, then
// compares digests byte-exact.
func (u *Updater) stageAndVerify(r io.Reader, tmpPath, sha256Hex string) error {
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}

	h := sha256.New()
	_, copyErr := io.Copy(f, io.TeeReader(r, h))
	closeErr := f.Close()
	if copyErr != nil {
		metrics.UpdateAttemptsTotal.WithLabelValues("download_failed").Inc()
		return fmt.Errorf("failed to stage update payload: %w", copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to flush staging file: %w", closeErr)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if got != sha256Hex {
		metrics.UpdateAttemptsTotal.WithLabelValues("digest_mismatch").Inc()
		return fmt.Errorf("update digest mismatch: got %s, want %s", got, sha256Hex)
	}
	return nil
}

// restart asks the service manager to restart the unit. Failures are
// logged, not returned: the binary swap is already durable and the next
// supervisor-driven restart picks it up.
func (u *Updater) restart(ctx context.Context) {
	if u.serviceUnit == "" {
		return
	}
	cmd := exec.CommandContext(ctx, "systemctl", "restart", u.serviceUnit)
	if err := cmd.Run(); err != nil {
		log.WithComponent("update").Warn().Err(err).
			Str("unit", u.serviceUnit).Msg("Restart after update failed, binary swap is durable")
	}
}
