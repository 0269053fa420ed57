package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultConfig verifies that DefaultConfig returns valid defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "invoiceflow", cfg.Name)
	assert.Equal(t, 8000, cfg.Port)

	// Workflow defaults mirror the shipped workflow definition
	assert.Equal(t, "InvoiceProcessing_v1", cfg.Workflow.WorkflowName)
	assert.Equal(t, 0.90, cfg.Workflow.MatchThreshold)
	assert.Equal(t, 5.0, cfg.Workflow.TwoWayTolerancePct)
	assert.Equal(t, "human_review_queue", cfg.Workflow.HumanReviewQueue)

	// Tool server defaults
	assert.Equal(t, "http://localhost:8001", cfg.Tools.CommonURL)
	assert.Equal(t, "http://localhost:8002", cfg.Tools.AtlasURL)
	assert.Equal(t, 5*time.Second, cfg.Tools.DiscoveryTimeout)
	assert.Equal(t, 30*time.Second, cfg.Tools.InvokeTimeout)
	assert.True(t, cfg.Tools.MockFallback)

	// Persistence defaults to in-memory (empty Redis URL)
	assert.Empty(t, cfg.Redis.URL)
	assert.Equal(t, "invoiceflow", cfg.Redis.KeyPrefix)
	assert.Equal(t, 24*time.Hour, cfg.Redis.CheckpointTTL)

	// CORS allows all origins so the review UI can connect
	assert.True(t, cfg.HTTP.CORS.Enabled)
	assert.Equal(t, []string{"*"}, cfg.HTTP.CORS.AllowedOrigins)

	// Telemetry off until an endpoint is configured
	assert.False(t, cfg.Telemetry.Enabled)

	require.NoError(t, cfg.Validate())
}

// TestLoadFromEnv verifies environment variable overlay
func TestLoadFromEnv(t *testing.T) {
	t.Setenv("INVOICEFLOW_PORT", "9100")
	t.Setenv("INVOICEFLOW_MATCH_THRESHOLD", "0.85")
	t.Setenv("INVOICEFLOW_TOLERANCE_PCT", "2.5")
	t.Setenv("INVOICEFLOW_REDIS_URL", "redis://redis:6379")
	t.Setenv("INVOICEFLOW_COMMON_URL", "http://common:8001")
	t.Setenv("INVOICEFLOW_MOCK_TOOLS", "false")
	t.Setenv("INVOICEFLOW_CHECKPOINT_TTL", "1h")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 0.85, cfg.Workflow.MatchThreshold)
	assert.Equal(t, 2.5, cfg.Workflow.TwoWayTolerancePct)
	assert.Equal(t, "redis://redis:6379", cfg.Redis.URL)
	assert.Equal(t, "http://common:8001", cfg.Tools.CommonURL)
	assert.False(t, cfg.Tools.MockFallback)
	assert.Equal(t, time.Hour, cfg.Redis.CheckpointTTL)
}

// TestOptionsOverrideEnv verifies that explicit options win over env vars
func TestOptionsOverrideEnv(t *testing.T) {
	t.Setenv("INVOICEFLOW_PORT", "9100")
	t.Setenv("INVOICEFLOW_MATCH_THRESHOLD", "0.85")

	cfg, err := NewConfig(
		WithPort(8500),
		WithMatchThreshold(0.95),
	)
	require.NoError(t, err)

	assert.Equal(t, 8500, cfg.Port)
	assert.Equal(t, 0.95, cfg.Workflow.MatchThreshold)
}

// TestLoadFromFile verifies the YAML workflow definition overlay
func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow.yaml")

	content := []byte(`
name: invoiceflow-test
port: 8200
workflow:
  workflow_name: InvoiceProcessing_v2
  match_threshold: 0.80
  two_way_tolerance_pct: 3
tools:
  common_url: http://common.test:8001
  mock_fallback: true
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := NewConfig(WithConfigFile(path))
	require.NoError(t, err)

	assert.Equal(t, "invoiceflow-test", cfg.Name)
	assert.Equal(t, 8200, cfg.Port)
	assert.Equal(t, "InvoiceProcessing_v2", cfg.Workflow.WorkflowName)
	assert.Equal(t, 0.80, cfg.Workflow.MatchThreshold)
	assert.Equal(t, 3.0, cfg.Workflow.TwoWayTolerancePct)
	assert.Equal(t, "http://common.test:8001", cfg.Tools.CommonURL)
}

// TestLoadFromFileRejectsUnknownExtension verifies extension validation
func TestLoadFromFileRejectsUnknownExtension(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.LoadFromFile("workflow.toml")
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}

// TestValidate verifies configuration validation rules
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:    "invalid port",
			modify:  func(c *Config) { c.Port = 0 },
			wantErr: "invalid port",
		},
		{
			name:    "missing name",
			modify:  func(c *Config) { c.Name = "" },
			wantErr: "service name is required",
		},
		{
			name:    "threshold too high",
			modify:  func(c *Config) { c.Workflow.MatchThreshold = 1.5 },
			wantErr: "match threshold",
		},
		{
			name:    "negative tolerance",
			modify:  func(c *Config) { c.Workflow.TwoWayTolerancePct = -1 },
			wantErr: "tolerance percentage",
		},
		{
			name:    "telemetry without endpoint",
			modify:  func(c *Config) { c.Telemetry.Enabled = true },
			wantErr: "telemetry endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.True(t, IsConfigurationError(err))
		})
	}
}

// TestParseHelpers verifies the env parsing helpers
func TestParseHelpers(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, parseStringList("a, b, c"))
	assert.Equal(t, []string{"x"}, parseStringList("x,,  "))
	assert.True(t, parseBool("true"))
	assert.True(t, parseBool("YES"))
	assert.True(t, parseBool("1"))
	assert.False(t, parseBool("false"))
	assert.False(t, parseBool(""))
}
