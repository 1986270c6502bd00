//go:build integration

package main

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/stationhq/station/internal/config"
	"github.com/stationhq/station/internal/coordinator"
	"github.com/stationhq/station/internal/hub"
	"github.com/stationhq/station/pkg/statestore"
)

// setupRedis starts a Redis container for testing.
func setupRedis(t *testing.T) string {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start Redis container")
	t.Cleanup(func() {
		if err := redisC.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return fmt.Sprintf("redis://%s:%s", host, port.Port())
}

// TestHubCompletesMissionAgainstRealRedis walks a mission through its full
// lifecycle with the stream consumer loop running against an actual Redis,
// exercising the consumer group and acknowledgement paths miniredis only
// approximates.
func TestHubCompletesMissionAgainstRealRedis(t *testing.T) {
	redisURL := setupRedis(t)

	cfg := &config.Config{
		Version:  "1.0",
		Instance: "integration",
		Redis:    config.RedisConfig{URL: redisURL},
		HTTPAddr: "127.0.0.1:0",
		Agents: map[string]config.Agent{
			"researcher": {Capabilities: []string{"WEB_SEARCH", "DEEP_RESEARCH", "SUMMARIZATION"}},
			"assistant":  {Capabilities: []string{"CONVERSATION"}, MaxConcurrentTasks: 2},
		},
	}

	h, err := hub.New(cfg)
	require.NoError(t, err)
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	h.Connect(ctx)
	require.True(t, h.Store().Connected())
	require.True(t, h.Bus().Connected())

	runCtx, stop := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Run(runCtx)
	}()

	// Heartbeat the configured agents so assignment sees them as live.
	for _, id := range []string{"researcher", "assistant"} {
		require.NoError(t, h.Store().Heartbeat(ctx, id, &statestore.AgentState{
			AgentID: id,
			Status:  statestore.AgentStatusIdle,
		}))
	}

	m, err := h.Coordinator().CreateMission(ctx, "research the topic",
		"research recent findings and summarize them", nil, "integration-test", statestore.PriorityHigh)
	require.NoError(t, err)

	// The mission.created event travels through the real stream before the
	// coordinator plans and assigns.
	require.Eventually(t, func() bool {
		got, err := h.Store().GetMission(ctx, m.ID)
		if err != nil {
			return false
		}
		return len(got.Checkpoints) > 0 && got.Status != statestore.StatusPending
	}, 15*time.Second, 200*time.Millisecond, "mission was never planned and assigned")

	got, err := h.Store().GetMission(ctx, m.ID)
	require.NoError(t, err)

	// Complete every task the way a worker agent would report back.
	for _, cp := range got.Checkpoints {
		require.NoError(t, h.Coordinator().UpdateTaskStatus(ctx, m.ID, cp.TaskID,
			coordinator.TaskCompleted, map[string]any{"summary": "done"}))
	}

	require.Eventually(t, func() bool {
		got, err := h.Store().GetMission(ctx, m.ID)
		return err == nil && got.Status == statestore.StatusCompleted
	}, 15*time.Second, 200*time.Millisecond, "mission never reached completed")

	stop()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("hub did not shut down")
	}
}
