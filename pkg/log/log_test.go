package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initBuffer(t *testing.T, level Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Init(Config{Level: level, JSONOutput: true, Output: &buf})
	return &buf
}

func TestChildLoggersChainLevelCalls(t *testing.T) {
	buf := initBuffer(t, DebugLevel)

	// Level methods are chained directly on the helper returns.
	WithComponent("proxy").Info().Str("addr", "[::1]:443").Msg("listening")
	WithAppID("app-1").Warn().Msg("stale heartbeat")
	WithDomain("wiki.example.net").Debug().Msg("route hit")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)

	var first map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.Equal(t, "proxy", first["component"])
	assert.Equal(t, "[::1]:443", first["addr"])
	assert.Equal(t, "listening", first["message"])

	assert.Contains(t, string(lines[1]), `"app_id":"app-1"`)
	assert.Contains(t, string(lines[2]), `"domain":"wiki.example.net"`)
}

func TestLevelGatesOutput(t *testing.T) {
	buf := initBuffer(t, WarnLevel)

	WithComponent("agent").Debug().Msg("dropped")
	WithComponent("agent").Warn().Msg("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}
