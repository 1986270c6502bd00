package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stationhq/station/internal/agent"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "station.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validYAML = `
version: "1.0"
instance: main
redis:
  url: redis://localhost:6379
  stream_max_len: 5000
heartbeat_ttl_seconds: 120
scheduler:
  interval_seconds: 15
  max_retries: 2
dispatcher:
  request_timeout_seconds: 20
agents:
  research-1:
    name: Researcher
    capabilities: [WEB_SEARCH, DEEP_RESEARCH]
    max_concurrent_tasks: 3
  chat-1:
    capabilities: [CONVERSATION]
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "main", cfg.Instance)
	assert.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
	assert.Equal(t, int64(5000), cfg.StreamMaxLen())
	assert.Equal(t, 120*time.Second, cfg.HeartbeatTTLDuration())
	assert.Equal(t, 15*time.Second, cfg.SchedulerInterval())
	assert.Equal(t, 2, cfg.SchedulerMaxRetries())
	assert.Equal(t, 0.3, cfg.SchedulerImbalanceThreshold())
	assert.Equal(t, 20*time.Second, cfg.DispatcherRequestTimeout())
	assert.Equal(t, 5*time.Second, cfg.DispatcherPendingRetry())
	assert.Equal(t, 5*time.Second, cfg.CoordinatorInterval())
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
version: "1.0"
instance: main
redis:
  url: redis://localhost:6379
agents:
  chat-1:
    capabilities: [CONVERSATION]
`))
	require.NoError(t, err)

	assert.Equal(t, int64(10000), cfg.StreamMaxLen())
	assert.Equal(t, 300*time.Second, cfg.HeartbeatTTLDuration())
	assert.Equal(t, 10*time.Second, cfg.SchedulerInterval())
	assert.Equal(t, 3, cfg.SchedulerMaxRetries())
	assert.Equal(t, 30*time.Second, cfg.DispatcherRequestTimeout())
}

func TestLoadInvalidConfigs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing version", `
instance: main
redis: {url: redis://localhost:6379}
agents: {a: {capabilities: [CONVERSATION]}}
`},
		{"missing instance", `
version: "1.0"
redis: {url: redis://localhost:6379}
agents: {a: {capabilities: [CONVERSATION]}}
`},
		{"missing redis url", `
version: "1.0"
instance: main
agents: {a: {capabilities: [CONVERSATION]}}
`},
		{"no agents", `
version: "1.0"
instance: main
redis: {url: redis://localhost:6379}
agents: {}
`},
		{"agent without capabilities", `
version: "1.0"
instance: main
redis: {url: redis://localhost:6379}
agents: {a: {capabilities: []}}
`},
		{"unknown capability", `
version: "1.0"
instance: main
redis: {url: redis://localhost:6379}
agents: {a: {capabilities: [TIME_TRAVEL]}}
`},
		{"bad imbalance threshold", `
version: "1.0"
instance: main
redis: {url: redis://localhost:6379}
scheduler: {imbalance_threshold: 1.5}
agents: {a: {capabilities: [CONVERSATION]}}
`},
		{"not yaml", `{{{{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestDescriptors(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	descriptors := cfg.Descriptors()
	require.Len(t, descriptors, 2)

	// sorted by id
	assert.Equal(t, "chat-1", descriptors[0].ID)
	assert.Equal(t, "research-1", descriptors[1].ID)

	assert.Equal(t, "chat-1", descriptors[0].Name)
	assert.Equal(t, 1, descriptors[0].MaxConcurrentTasks)

	assert.Equal(t, "Researcher", descriptors[1].Name)
	assert.Equal(t, 3, descriptors[1].MaxConcurrentTasks)
	assert.ElementsMatch(t,
		[]agent.Capability{agent.CapWebSearch, agent.CapDeepResearch},
		descriptors[1].Capabilities)
}
