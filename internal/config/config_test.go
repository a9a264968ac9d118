package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"agentops/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  addr: \":9090\"\n"))
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.Server.Addr)
	require.Equal(t, "data/agentops.db", cfg.DB.Path)
	require.Equal(t, 4, cfg.Executor.Workers)
	require.Equal(t, 3, cfg.Executor.RetryCeiling)
	require.Equal(t, 10.0, cfg.Budget.DefaultDailyCap)
	require.Equal(t, domain.EnforceHard, cfg.Budget.Enforcement)
	require.True(t, cfg.Metrics.Enabled)
	require.False(t, cfg.Pprof.Enabled)
	require.Equal(t, "127.0.0.1:6060", cfg.Pprof.Addr)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "server:\n  addr: \":8080\"\nexecuter:\n  workers: 2\n"))
	require.Error(t, err, "misspelled section must not pass silently")
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []string{
		"executor:\n  timeout: \"soon\"\n",
		"budget:\n  enforcement: \"brutal\"\n",
		"budget:\n  default_daily_cap: -1\n",
		"notify:\n  gateways:\n    pigeon: \"https://example.com\"\n",
	}
	for _, c := range cases {
		_, err := Load(writeConfig(t, c))
		require.Error(t, err, "config %q", c)
	}
}

func TestLoadParsesDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
executor:
  timeout: "90s"
approval:
  ttl: "1h"
notify:
  retry_base: "250ms"
`))
	require.NoError(t, err)
	require.Equal(t, "1m30s", cfg.Executor.Timeout.String())
	require.Equal(t, "1h0m0s", cfg.Approval.TTL.String())
	require.Equal(t, "250ms", cfg.Notify.RetryBase.String())
}
