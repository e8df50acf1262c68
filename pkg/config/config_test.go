package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, 30*time.Second, cfg.Escalation.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Escalation.AckTimeout)
	assert.Equal(t, 2, cfg.Providers.Retry.MaxRetries)
	assert.Equal(t, "openai", cfg.Providers.A.Driver)
	assert.Equal(t, "rest", cfg.Providers.B.Driver)
	assert.Equal(t, "free", cfg.Entitlements.DefaultPlan)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9000
auth:
  jwt_secret: file-secret
routing:
  version: v7
  entries:
    voice:
      primary: B
      fallback: A
      threshold: 0.8
entitlements:
  owners:
    owner-1: enterprise
escalation:
  timeout: 10s
  ack_timeout: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("HACP_PROVIDERS_A_API_KEY", "sk-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "sk-env", cfg.Providers.A.APIKey)
	assert.Equal(t, "v7", cfg.Routing.Version)
	require.Contains(t, cfg.Routing.Entries, "voice")
	assert.Equal(t, "B", cfg.Routing.Entries["voice"].Primary)
	assert.InDelta(t, 0.8, cfg.Routing.Entries["voice"].Threshold, 1e-9)
	assert.Equal(t, "enterprise", cfg.Entitlements.Owners["owner-1"])
	assert.Equal(t, 10*time.Second, cfg.Escalation.Timeout)

	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())

	base, err := Load("")
	require.NoError(t, err)
	base.Auth.JWTSecret = "secret"
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"missing jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"zero escalation timeout", func(c *Config) { c.Escalation.Timeout = 0 }},
		{"ack longer than timeout", func(c *Config) { c.Escalation.AckTimeout = time.Minute }},
		{"zero rate limit", func(c *Config) { c.Server.RateLimit.RequestsPerMinute = 0 }},
		{"distributed rate limit without redis", func(c *Config) { c.Server.RateLimit.Distributed = true }},
		{"threshold out of range", func(c *Config) {
			c.Routing.Entries = map[string]RouteEntry{"chat": {Primary: "A", Threshold: 1.5}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
