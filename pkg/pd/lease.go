package pd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Lease is the persisted DHCPv6 prefix-delegation state. It is written on
// successful delegation and consulted on restart so the agent does not
// re-negotiate a delegation that is still valid.
type Lease struct {
	Prefix        string    `json:"prefix"`
	PrefixLen     int       `json:"prefix_len"`
	ClientDUID    string    `json:"client_duid"`
	ServerDUID    string    `json:"server_duid"`
	IAID          uint32    `json:"iaid"`
	T1Secs        uint32    `json:"t1_secs"`
	T2Secs        uint32    `json:"t2_secs"`
	PreferredSecs uint32    `json:"preferred_lifetime_secs"`
	ValidSecs     uint32    `json:"valid_lifetime_secs"`
	ObtainedAt    time.Time `json:"obtained_at"`
}

// Valid reports whether the lease is still usable at the given time. A
// lease is invalid once now >= obtained_at + valid_lifetime.
func (l *Lease) Valid(now time.Time) bool {
	expiry := l.ObtainedAt.Add(time.Duration(l.ValidSecs) * time.Second)
	return now.Before(expiry)
}

// RenewAt returns the T1 instant, when renewal against the delegating
// server should begin.
func (l *Lease) RenewAt() time.Time {
	return l.ObtainedAt.Add(time.Duration(l.T1Secs) * time.Second)
}

// Load reads a lease file. A missing file returns os.ErrNotExist wrapped,
// which callers treat as "no prior delegation".
func Load(path string) (*Lease, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lease file: %w", err)
	}

	var lease Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		return nil, fmt.Errorf("corrupt lease file %s: %w", path, err)
	}
	return &lease, nil
}

// Save writes the lease atomically: temp file in the same directory, then
// rename over the target.
func (l *Lease) Save(path string) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lease: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create lease directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write lease file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace lease file: %w", err)
	}
	return nil
}
