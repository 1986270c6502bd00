package hub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stationhq/station/internal/config"
	"github.com/stationhq/station/internal/coordinator"
	"github.com/stationhq/station/pkg/statestore"
)

func testConfig(redisURL string) *config.Config {
	return &config.Config{
		Version:  "1.0",
		Instance: "test",
		Redis:    config.RedisConfig{URL: redisURL},
		HTTPAddr: "127.0.0.1:0",
		Agents: map[string]config.Agent{
			"research-1": {Capabilities: []string{"WEB_SEARCH"}, MaxConcurrentTasks: 3},
			"chat-1":     {Capabilities: []string{"CONVERSATION"}},
		},
	}
}

func setupTestHub(t *testing.T) *Hub {
	t.Helper()

	mr := miniredis.RunT(t)
	h, err := New(testConfig("redis://" + mr.Addr()))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	h.Connect(context.Background())
	require.True(t, h.Store().Connected())
	require.True(t, h.Bus().Connected())
	return h
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(&config.Config{})
	assert.Error(t, err)

	cfg := testConfig("not a url")
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestHubWiring(t *testing.T) {
	h := setupTestHub(t)

	assert.Equal(t, 2, h.Registry().Len())
	assert.NotNil(t, h.Scheduler())
	assert.NotNil(t, h.Dispatcher())
	assert.NotNil(t, h.Coordinator())
}

// The end-to-end path through a running hub: a created mission flows over
// the durable bus to the coordinator, gets planned and assigned, and
// completes when its task result arrives.
func TestMissionFlowsThroughRunningHub(t *testing.T) {
	h := setupTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()

	require.NoError(t, h.Store().Heartbeat(ctx, "research-1", nil))

	m, err := h.Coordinator().CreateMission(ctx, "Signature research",
		"Research quantum resistant signatures", nil, "user-1", statestore.PriorityNormal)
	require.NoError(t, err)

	// the consumer loop delivers mission.created asynchronously
	require.Eventually(t, func() bool {
		got, err := h.Store().GetMission(ctx, m.ID)
		return err == nil && got.Status == statestore.StatusAssigned && len(got.Checkpoints) == 1
	}, 5*time.Second, 25*time.Millisecond)

	got, err := h.Store().GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "WEB_SEARCH", got.Checkpoints[0].RequiredCapability)
	assert.Equal(t, "research-1", got.Checkpoints[0].AssignedAgent)

	require.NoError(t, h.Coordinator().UpdateTaskStatus(ctx, m.ID, got.Checkpoints[0].TaskID, coordinator.TaskCompleted, nil))

	final, err := h.Store().GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, statestore.StatusCompleted, final.Status)
	assert.Equal(t, 1.0, final.Progress)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("hub did not stop after cancellation")
	}
}

func TestRefreshStats(t *testing.T) {
	h := setupTestHub(t)
	ctx := context.Background()

	require.NoError(t, h.Store().CreateMission(ctx, statestore.NewMission("m-1", "t", "", statestore.PriorityNormal)))
	require.NoError(t, h.Store().Heartbeat(ctx, "research-1", nil))

	// must not panic and must tolerate repeated refreshes
	h.refreshStats(ctx)
	h.refreshStats(ctx)
}
