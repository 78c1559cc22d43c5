package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 120, cfg.Server.RequestTimeout)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, int64(10000), cfg.Redis.StreamTrimMaxLen)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, 3, cfg.Agents.MaxClarifyTurns)
	assert.Equal(t, 2000, cfg.Agents.AnswerMaxTokens)
	assert.Equal(t, 4000, cfg.Agents.FreepassMaxTokens)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestEnvAliasesOverrideDefaults(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://bus:6379/2")
	t.Setenv("LLM_PROVIDER", "anthropic")
	t.Setenv("MAX_CLARIFY_TURNS", "5")
	t.Setenv("REQUEST_TIMEOUT_SECONDS", "60")
	t.Setenv("STREAM_BLOCK_MS", "250")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis://bus:6379/2", cfg.Redis.URL)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, 5, cfg.Agents.MaxClarifyTurns)
	assert.Equal(t, 60*time.Second, cfg.Server.RequestTimeoutDuration())
	assert.Equal(t, 250*time.Millisecond, cfg.Redis.BlockDuration())
}

func TestPrefixedEnvOverrideDefaults(t *testing.T) {
	t.Setenv("MAICE_SERVER_PORT", "9090")
	t.Setenv("MAICE_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidationRejectsBadValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown provider", "MAICE_LLM_PROVIDER", "bard"},
		{"zero timeout", "REQUEST_TIMEOUT_SECONDS", "0"},
		{"bad log level", "MAICE_LOGGING_LEVEL", "verbose"},
		{"bad port", "MAICE_SERVER_PORT", "70000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestCustomProviderRequiresBaseURL(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "custom")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "baseUrl")

	t.Setenv("LLM_BASE_URL", "http://proxy.internal/v1")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://proxy.internal/v1", cfg.LLM.BaseURL)
}
