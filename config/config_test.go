package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("POSTGRES_DSN", "postgres://localhost/ai")
	t.Setenv("REDIS_ADDR", "localhost:6379")
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "postgres", cfg.AuditSink)
	assert.Equal(t, "stdout", cfg.OTELExporterType)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "ai.yaml", cfg.AIConfigPath)
	assert.Equal(t, int64(100000), cfg.DefaultRateLimitTPM)
}

func TestLoad_RequiresDatabaseAndRedis(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_NATSSinkNeedsURL(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("AUDIT_SINK", "nats")
	t.Setenv("NATS_URL", "")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("NATS_URL", "nats://localhost:4222")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "nats", cfg.AuditSink)
}

func TestLoad_InvalidValues(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("DEFAULT_RATE_LIMIT_TPM", "lots")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("DEFAULT_RATE_LIMIT_TPM", "100")
	t.Setenv("AUDIT_SINK", "kafka")
	_, err = Load()
	assert.Error(t, err)
}

const sampleAI = `
providers:
  - name: openai
    inputPricePer1k: 0.15
    outputPricePer1k: 0.6
  - name: anthropic
    enabled: false
    secretRef: CLAUDE_KEY
    maxRetries: 0
    timeout: 5s
features:
  - name: demo
    defaultProvider: openai
    fallbackProviders: [anthropic]
    cache:
      enabled: true
      ttlSeconds: 60
`

func TestParseAI_AppliesDefaults(t *testing.T) {
	cfg, err := ParseAI(strings.NewReader(sampleAI))
	require.NoError(t, err)

	require.Len(t, cfg.Providers, 2)
	openai := cfg.Providers[0]
	assert.Equal(t, "openai", openai.Name)
	assert.True(t, openai.Enabled)
	assert.Equal(t, "OPENAI_API_KEY", openai.SecretRef)
	assert.Equal(t, DefaultMaxRetries, openai.MaxRetries)
	assert.Equal(t, 30*time.Second, openai.Timeout)
	assert.Equal(t, 0.6, openai.OutputPricePer1K)

	anthropic := cfg.Providers[1]
	assert.False(t, anthropic.Enabled)
	assert.Equal(t, "CLAUDE_KEY", anthropic.SecretRef)
	assert.Equal(t, 0, anthropic.MaxRetries)
	assert.Equal(t, 5*time.Second, anthropic.Timeout)

	require.Len(t, cfg.Features, 1)
	assert.Equal(t, []string{"anthropic"}, cfg.Features[0].FallbackProviders)
	assert.Equal(t, 60, cfg.Features[0].Cache.TTLSeconds)

	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, DefaultCacheMaxSize, cfg.Cache.MaxSize)
	assert.Equal(t, DefaultCacheTTL, cfg.Cache.DefaultTTLSeconds)
	assert.True(t, cfg.Monitoring.Enabled)
}

func TestParseAI_Rejects(t *testing.T) {
	cases := map[string]string{
		"missing name":   "providers:\n  - model: x\n",
		"negative price": "providers:\n  - name: openai\n    inputPricePer1k: -1\n",
		"duplicate":      "providers:\n  - name: openai\n  - name: openai\n",
		"zero cache":     "cache:\n  enabled: true\n  maxSize: 0\n",
		"unknown key":    "providerz: []\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseAI(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestParseAI_Empty(t *testing.T) {
	cfg, err := ParseAI(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, cfg.Providers)
	assert.True(t, cfg.Cache.Enabled)
}

func TestLoadAI_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ai.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleAI), 0o600))

	cfg, err := LoadAI(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Providers, 2)

	_, err = LoadAI(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
