package coordinator

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stationhq/station/internal/agent"
	"github.com/stationhq/station/internal/metrics"
	"github.com/stationhq/station/pkg/eventbus"
	"github.com/stationhq/station/pkg/statestore"
)

type fixture struct {
	store       *statestore.Store
	bus         *eventbus.Bus
	registry    *agent.Registry
	coordinator *Coordinator
}

func setupTestCoordinator(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store, err := statestore.NewStore(client, "test")
	require.NoError(t, err)
	require.NoError(t, store.Connect(context.Background()))

	bus, err := eventbus.NewBus(&redis.Options{Addr: "127.0.0.1:1"}, "test")
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })

	registry := agent.NewRegistry()
	c := New(store, bus, registry, metrics.NewMetrics(), Options{})
	c.Register()

	return &fixture{store: store, bus: bus, registry: registry, coordinator: c}
}

func (f *fixture) addAgent(t *testing.T, id string, caps []agent.Capability, status string) {
	t.Helper()
	require.NoError(t, f.registry.Register(&agent.Descriptor{
		ID:                 id,
		Capabilities:       caps,
		MaxConcurrentTasks: 3,
	}))
	require.NoError(t, f.store.Heartbeat(context.Background(), id, &statestore.AgentState{Status: status}))
}

type eventLog struct {
	mu     sync.Mutex
	events []*eventbus.Event
}

func (l *eventLog) handler(ctx context.Context, ev *eventbus.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) types() []eventbus.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]eventbus.EventType, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

// The full happy path: create, auto-plan, assign, complete.
func TestMissionLifecycle(t *testing.T) {
	f := setupTestCoordinator(t)
	ctx := context.Background()
	f.addAgent(t, "research-1", []agent.Capability{agent.CapWebSearch}, statestore.AgentStatusIdle)

	var events eventLog
	f.bus.SubscribePattern("mission.*", events.handler)

	m, err := f.coordinator.CreateMission(ctx, "Signature research",
		"Research quantum resistant signatures", nil, "user-1", statestore.PriorityNormal)
	require.NoError(t, err)

	// the local bus dispatches mission.created synchronously, so planning
	// and assignment already happened
	planned, err := f.store.GetMission(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, planned.Checkpoints, 1)
	task := planned.Checkpoints[0]
	assert.Equal(t, agent.CapWebSearch.String(), task.RequiredCapability)
	assert.Equal(t, TaskAssigned, task.Status)
	assert.Equal(t, "research-1", task.AssignedAgent)
	assert.Equal(t, statestore.StatusAssigned, planned.Status)
	assert.Equal(t, []string{"research-1"}, planned.AssignedAgents)

	require.NoError(t, f.coordinator.UpdateTaskStatus(ctx, m.ID, task.TaskID, TaskCompleted, map[string]any{
		"summary": "three candidate schemes",
	}))

	final, err := f.store.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, statestore.StatusCompleted, final.Status)
	assert.Equal(t, 1.0, final.Progress)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, "three candidate schemes", final.Checkpoints[0].Result["summary"])

	// local dispatch runs nested publishes inside their parent, so assert
	// the set rather than a strict order
	assert.ElementsMatch(t, []eventbus.EventType{
		eventbus.EventMissionCreated,
		eventbus.EventMissionAssigned,
		eventbus.EventMissionProgress,
		eventbus.EventMissionCompleted,
	}, events.types())
}

func TestMissionFailsWhenTaskFails(t *testing.T) {
	f := setupTestCoordinator(t)
	ctx := context.Background()
	f.addAgent(t, "worker-1", []agent.Capability{agent.CapWebSearch, agent.CapDocumentProcessing}, statestore.AgentStatusIdle)

	m, err := f.coordinator.CreateMission(ctx, "Mixed work",
		"Search the archive and read the summary document", nil, "user-1", statestore.PriorityHigh)
	require.NoError(t, err)

	planned, err := f.store.GetMission(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, planned.Checkpoints, 2)

	require.NoError(t, f.coordinator.UpdateTaskStatus(ctx, m.ID, planned.Checkpoints[0].TaskID, TaskCompleted, nil))

	mid, err := f.store.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, statestore.StatusAssigned, mid.Status, "mission stays open while tasks remain")
	assert.Equal(t, 0.5, mid.Progress)

	require.NoError(t, f.coordinator.UpdateTaskStatus(ctx, m.ID, planned.Checkpoints[1].TaskID, TaskFailed, nil))

	final, err := f.store.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, statestore.StatusFailed, final.Status)
	assert.Contains(t, final.Error, "1 of 2 tasks failed")
}

func TestAssignTasksPrefersIdleAgent(t *testing.T) {
	f := setupTestCoordinator(t)
	ctx := context.Background()
	f.addAgent(t, "busy-1", []agent.Capability{agent.CapWebSearch}, "busy")
	f.addAgent(t, "idle-1", []agent.Capability{agent.CapWebSearch}, statestore.AgentStatusIdle)

	m, err := f.coordinator.CreateMission(ctx, "Research", "Research something", nil, "", statestore.PriorityNormal)
	require.NoError(t, err)

	planned, err := f.store.GetMission(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, planned.Checkpoints, 1)
	assert.Equal(t, "idle-1", planned.Checkpoints[0].AssignedAgent)
}

func TestAssignTasksFallsBackToBusyAgent(t *testing.T) {
	f := setupTestCoordinator(t)
	ctx := context.Background()
	f.addAgent(t, "busy-1", []agent.Capability{agent.CapWebSearch}, "busy")

	m, err := f.coordinator.CreateMission(ctx, "Research", "Research something", nil, "", statestore.PriorityNormal)
	require.NoError(t, err)

	planned, err := f.store.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "busy-1", planned.Checkpoints[0].AssignedAgent)
}

func TestUnassignableTaskStaysPending(t *testing.T) {
	f := setupTestCoordinator(t)
	ctx := context.Background()

	m, err := f.coordinator.CreateMission(ctx, "Research", "Research something", nil, "", statestore.PriorityNormal)
	require.NoError(t, err)

	planned, err := f.store.GetMission(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, planned.Checkpoints, 1)
	assert.Equal(t, TaskPending, planned.Checkpoints[0].Status)
	assert.Equal(t, statestore.StatusPending, planned.Status)

	t.Run("a later tick assigns once an agent exists", func(t *testing.T) {
		f.addAgent(t, "research-1", []agent.Capability{agent.CapWebSearch}, statestore.AgentStatusIdle)
		f.coordinator.Tick(ctx)

		assigned, err := f.store.GetMission(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, TaskAssigned, assigned.Checkpoints[0].Status)
		assert.Equal(t, statestore.StatusAssigned, assigned.Status)
	})
}

func TestUpdateTaskStatusValidation(t *testing.T) {
	f := setupTestCoordinator(t)
	ctx := context.Background()

	m, err := f.coordinator.CreateMission(ctx, "Chat", "hello", nil, "", statestore.PriorityNormal)
	require.NoError(t, err)

	assert.Error(t, f.coordinator.UpdateTaskStatus(ctx, m.ID, "", "exploded", nil))

	err = f.coordinator.UpdateTaskStatus(ctx, m.ID, "no-such-task", TaskCompleted, nil)
	assert.True(t, statestore.IsNotFound(err))
}

func TestPlanMissionIsIdempotent(t *testing.T) {
	f := setupTestCoordinator(t)
	ctx := context.Background()

	m, err := f.coordinator.CreateMission(ctx, "Research", "Research something", nil, "", statestore.PriorityNormal)
	require.NoError(t, err)

	plan1, err := f.coordinator.PlanMission(ctx, m.ID)
	require.NoError(t, err)
	plan2, err := f.coordinator.PlanMission(ctx, m.ID)
	require.NoError(t, err)

	assert.Equal(t, plan1.Order, plan2.Order)
	got, err := f.store.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, got.Checkpoints, 1, "re-planning does not duplicate tasks")
}

func TestCreateMissionRejectsBadPriority(t *testing.T) {
	f := setupTestCoordinator(t)
	_, err := f.coordinator.CreateMission(context.Background(), "t", "d", nil, "", "urgent")
	assert.Error(t, err)
}
