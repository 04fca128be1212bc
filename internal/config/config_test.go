package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/buddymirror/internal/cluster"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	p := writeConfig(t, `
log:
  level: debug
mgmtd:
  dbPath: /var/lib/buddymirror/mgmtd.db
  offlineTimeout: 10m
storaged:
  nodeID: 3
  targets:
    301: /data/t301
    302: /data/t302
dispatch:
  numRetries: 2
  timeout: 1500ms
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Encoding, "unset fields keep defaults")
	assert.Equal(t, "/var/lib/buddymirror/mgmtd.db", cfg.Mgmtd.DBPath)
	assert.Equal(t, 10*time.Minute, cfg.Mgmtd.OfflineTimeout)
	assert.Equal(t, cluster.NodeID(3), cfg.Storaged.NodeID)
	assert.Equal(t, map[cluster.TargetID]string{301: "/data/t301", 302: "/data/t302"}, cfg.Storaged.Targets)
	assert.Equal(t, 2, cfg.Dispatch.NumRetries)
	assert.Equal(t, 1500*time.Millisecond, cfg.Dispatch.Timeout)
	assert.NoError(t, cfg.ValidateStoraged())
}

func TestEnvOverrides(t *testing.T) {
	p := writeConfig(t, "mgmtd:\n  listen: \":9000\"\n")
	t.Setenv("MGMTD_LISTEN", ":9100")
	t.Setenv("STORAGED_NODE_ID", "4")
	t.Setenv("STORAGED_TARGETS", "401=/d/a, 402=/d/b")
	t.Setenv("DISPATCH_NUM_RETRIES", "0")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Mgmtd.Listen)
	assert.Equal(t, cluster.NodeID(4), cfg.Storaged.NodeID)
	assert.Equal(t, map[cluster.TargetID]string{401: "/d/a", 402: "/d/b"}, cfg.Storaged.Targets)
	assert.Equal(t, 0, cfg.Dispatch.NumRetries)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "bad yaml", body: "log: [unclosed"},
		{name: "bad level", body: "log:\n  level: loud\n"},
		{name: "bad encoding", body: "log:\n  encoding: xml\n"},
		{name: "negative retries", body: "dispatch:\n  numRetries: -1\n"},
		{name: "poffline after offline", body: "mgmtd:\n  pofflineTimeout: 10m\n  offlineTimeout: 1m\n"},
		{name: "bad node id env", env: map[string]string{"STORAGED_NODE_ID": "zero"}},
		{name: "bad targets env", env: map[string]string{"STORAGED_TARGETS": "101"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateStoraged(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.ValidateStoraged(), "node id required")
	cfg.Storaged.NodeID = 1
	assert.Error(t, cfg.ValidateStoraged(), "targets required")
	cfg.Storaged.Targets = map[cluster.TargetID]string{0: "/x"}
	assert.Error(t, cfg.ValidateStoraged(), "target 0 reserved")
	cfg.Storaged.Targets = map[cluster.TargetID]string{1: "/x"}
	assert.NoError(t, cfg.ValidateStoraged())
}

func TestNewLogger(t *testing.T) {
	for _, enc := range []string{"console", "json"} {
		lg, err := NewLogger(LogConfig{Level: "warn", Encoding: enc})
		require.NoError(t, err)
		assert.False(t, lg.Core().Enabled(-1), "debug disabled at warn")
	}
	_, err := NewLogger(LogConfig{Level: "nope", Encoding: "json"})
	assert.Error(t, err)
}
