package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
providers:
  - name: openai
    kind: openai
    base_url: https://api.openai.com
    api_keys: [sk-one, sk-two]
    models: [gpt-4o]
router:
  default: openai,gpt-4o
`

func TestLoadFromFile_Defaults(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 3456, cfg.Server.Port)
	assert.Equal(t, 5, cfg.ModelPool.MaxConcurrentPerModel)
	assert.Equal(t, 5, cfg.ModelPool.CircuitBreaker.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.ModelPool.CircuitBreaker.CooldownPeriod)
	assert.Equal(t, time.Minute, cfg.ModelPool.RateLimit.DefaultRetryAfter)
	assert.Equal(t, 1.5, cfg.ModelPool.RateLimit.BackoffMultiplier)
	assert.Equal(t, 5*time.Minute, cfg.ModelPool.RateLimit.MaxBackoff)
	assert.Equal(t, 100, cfg.ModelPool.Queue.MaxQueueSize)
	assert.Equal(t, 30*time.Second, cfg.ModelPool.Queue.QueueTimeout)
	assert.Equal(t, 2, cfg.ModelSelector.MaxParallelAlternatives)
	assert.Equal(t, "round-robin", cfg.EndpointRateLimiting.Strategy)
	assert.Equal(t, 30*time.Second, cfg.Streaming.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.Streaming.BackpressureTimeout)
	assert.Equal(t, 180*time.Second, cfg.Streaming.ReadTimeout)
	assert.Equal(t, 2, cfg.Streaming.MaxRetries)
	assert.Equal(t, 60000, cfg.Router.LongContextThreshold)

	w := cfg.ModelSelector.ScoreWeights
	assert.InDelta(t, 1.0, w.Capacity+w.Health+w.Performance+w.Priority, 0.001)
}

func TestLoadFromFile_ProviderValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing name", `
providers:
  - kind: openai
    base_url: https://x
    api_keys: [k]
`},
		{"missing base_url", `
providers:
  - name: a
    api_keys: [k]
`},
		{"missing keys", `
providers:
  - name: a
    base_url: https://x
`},
		{"duplicate name", `
providers:
  - name: a
    base_url: https://x
    api_keys: [k]
  - name: a
    base_url: https://y
    api_keys: [k]
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromFile(writeConfig(t, tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestLoadFromFile_BadStrategy(t *testing.T) {
	_, err := LoadFromFile(writeConfig(t, minimalConfig+`
endpoint_rate_limiting:
  enabled: true
  strategy: fastest
`))
	require.Error(t, err)
}

func TestLoadFromFile_BadWeights(t *testing.T) {
	_, err := LoadFromFile(writeConfig(t, minimalConfig+`
model_selector:
  score_weights:
    capacity: 0.9
    health: 0.9
    performance: 0.1
    priority: 0.1
`))
	require.Error(t, err)
}

func TestFailoverTargetYAML(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, minimalConfig+`
failover:
  by_provider:
    openai:
      - azure
      - provider: anthropic
        model: claude-sonnet
  global:
    - backup
`))
	require.NoError(t, err)

	targets := cfg.Failover.ByProvider["openai"]
	require.Len(t, targets, 2)
	assert.Equal(t, FailoverTarget{Provider: "azure"}, targets[0])
	assert.Equal(t, FailoverTarget{Provider: "anthropic", Model: "claude-sonnet"}, targets[1])
	require.Len(t, cfg.Failover.Global, 1)
	assert.Equal(t, "backup", cfg.Failover.Global[0].Provider)
}

func TestScenarioRoute(t *testing.T) {
	rc := RouterConfig{
		Default:    "openai,gpt-4o",
		Background: "openai,gpt-4o-mini",
	}
	assert.Equal(t, "openai,gpt-4o-mini", rc.ScenarioRoute("background"))
	assert.Equal(t, "openai,gpt-4o", rc.ScenarioRoute("think"), "unset scenarios fall back to default")
	assert.Equal(t, "openai,gpt-4o", rc.ScenarioRoute("default"))
}
