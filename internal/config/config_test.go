// ABOUTME: Tests for config loading, env expansion, defaults and validation
// ABOUTME: Also covers TOML decoding and the fsnotify-driven Watch loop

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
server:
  http_addr: "127.0.0.1:9000"
  grpc_addr: "127.0.0.1:9001"
database:
  path: "/tmp/probeops.db"
auth:
  jwt_secret: "${PROBEOPS_TEST_SECRET}"
dispatch:
  interactive_timeout: "5s"
  scheduled_timeout: "1m"
  selection: first
agents:
  heartbeat_timeout: "45s"
  duplicate_policy: reject
scheduler:
  workers: 2
logging:
  level: debug
  format: json
metrics:
  enabled: true
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("PROBEOPS_TEST_SECRET", "s3cret")

	cfg, err := Load(writeFile(t, "gateway.yaml", validYAML))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.InteractiveTimeout)
	assert.Equal(t, time.Minute, cfg.Dispatch.ScheduledTimeout)
	assert.Equal(t, "first", cfg.Dispatch.Selection)
	assert.Equal(t, 45*time.Second, cfg.Agents.HeartbeatTimeout)
	assert.Equal(t, DefaultSweepInterval, cfg.Agents.SweepInterval)
	assert.Equal(t, "reject", cfg.Agents.DuplicatePolicy)
	assert.Equal(t, 2, cfg.Scheduler.Workers)
	assert.Equal(t, DefaultSchedulerQueueSize, cfg.Scheduler.QueueSize)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, DefaultMetricsPath, cfg.Metrics.Path)
}

func TestLoadTOML(t *testing.T) {
	content := `
[server]
http_addr = "127.0.0.1:9000"
grpc_addr = "127.0.0.1:9001"

[database]
path = "/tmp/probeops.db"
driver = "sqlite3"

[dispatch]
interactive_timeout = "7s"
`
	cfg, err := Load(writeFile(t, "gateway.toml", content))
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 7*time.Second, cfg.Dispatch.InteractiveTimeout)
	assert.Equal(t, DefaultScheduledTimeout, cfg.Dispatch.ScheduledTimeout)
	assert.Equal(t, "round_robin", cfg.Dispatch.Selection)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Parse([]byte("database:\n  path: x.db\n"), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPAddr, cfg.Server.HTTPAddr)
	assert.Equal(t, DefaultGRPCAddr, cfg.Server.GRPCAddr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, DefaultInteractiveTimeout, cfg.Dispatch.InteractiveTimeout)
	assert.Equal(t, "replace", cfg.Agents.DuplicatePolicy)
	assert.Zero(t, cfg.Agents.HeartbeatTimeout)
	assert.Zero(t, cfg.Agents.SweepInterval)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing database path", "server:\n  http_addr: x\n", "database.path is required"},
		{"bad duration", "database:\n  path: x.db\ndispatch:\n  interactive_timeout: soon\n", "parsing durations"},
		{"bad selection", "database:\n  path: x.db\ndispatch:\n  selection: random\n", "dispatch.selection"},
		{"bad policy", "database:\n  path: x.db\nagents:\n  duplicate_policy: merge\n", "agents.duplicate_policy"},
		{"bad driver", "database:\n  path: x.db\n  driver: postgres\n", "database.driver"},
		{"tailscale without hostname", "database:\n  path: x.db\ntailscale:\n  enabled: true\n", "tailscale.hostname"},
		{"malformed yaml", "database: [\n", "parsing config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content), FormatYAML)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestTailscaleSkipsAddrDefaults(t *testing.T) {
	cfg, err := Parse([]byte("database:\n  path: x.db\ntailscale:\n  enabled: true\n  hostname: probeops\n"), FormatYAML)
	require.NoError(t, err)
	assert.Empty(t, cfg.Server.HTTPAddr)
	assert.Empty(t, cfg.Server.GRPCAddr)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("PROBEOPS_A", "alpha")
	assert.Equal(t, "x-alpha-", expandEnvVars("x-${PROBEOPS_A}-${PROBEOPS_UNSET_VAR}"))
}

func TestWatchReloads(t *testing.T) {
	path := writeFile(t, "gateway.yaml", "database:\n  path: x.db\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(c *Config) { reloaded <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	// An invalid file is ignored.
	require.NoError(t, os.WriteFile(path, []byte("database: [\n"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("database:\n  path: x.db\ndispatch:\n  interactive_timeout: 3s\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 3*time.Second, cfg.Dispatch.InteractiveTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
