package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("FAST_CLASSIFIER_URL", "https://fast.example.com")
	t.Setenv("DEEP_ANALYZER_URL", "https://deep.example.com")
	t.Setenv("TOOL_GATEWAY_URL", "https://gateway.example.com")
}

func TestLoadAppliesDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 8000, cfg.APIPort)
	require.True(t, cfg.AutoHealEnabled)
	require.Equal(t, 20, cfg.LogLinesPerCheck)
	require.Equal(t, 5*time.Second, cfg.LogCheckInterval)
	require.Equal(t, "production", cfg.Env)
	require.Equal(t, "./sentinel_actions.db", cfg.ActionLedgerPath)
}

func TestLoadMissingRequiredVarIsConfigError(t *testing.T) {
	t.Setenv("DEEP_ANALYZER_URL", "https://deep.example.com")
	t.Setenv("TOOL_GATEWAY_URL", "https://gateway.example.com")

	_, err := Load()
	require.Error(t, err)

	var cfgErr *ErrConfig
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "FAST_CLASSIFIER_URL", cfgErr.Var)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("API_PORT", "9100")
	t.Setenv("AUTO_HEAL_ENABLED", "false")
	t.Setenv("LOG_CHECK_INTERVAL", "10s")
	t.Setenv("ACTION_LEDGER_PATH", "/var/lib/sentinel/actions.db")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 9100, cfg.APIPort)
	require.False(t, cfg.AutoHealEnabled)
	require.Equal(t, 10*time.Second, cfg.LogCheckInterval)
	require.Equal(t, "/var/lib/sentinel/actions.db", cfg.ActionLedgerPath)
}
