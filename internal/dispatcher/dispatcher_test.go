package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

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
	store      *statestore.Store
	bus        *eventbus.Bus
	registry   *agent.Registry
	dispatcher *Dispatcher
}

func setupTestDispatcher(t *testing.T, opts Options) *fixture {
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
	d := New(store, bus, registry, metrics.NewMetrics(), opts)
	d.Register()

	return &fixture{store: store, bus: bus, registry: registry, dispatcher: d}
}

func (f *fixture) addAgent(t *testing.T, id string, caps []agent.Capability, state *statestore.AgentState) {
	t.Helper()
	require.NoError(t, f.registry.Register(&agent.Descriptor{
		ID:                 id,
		Capabilities:       caps,
		MaxConcurrentTasks: 3,
	}))
	require.NoError(t, f.store.Heartbeat(context.Background(), id, state))
}

// requestLog collects agent.request events.
type requestLog struct {
	mu     sync.Mutex
	events []*eventbus.Event
}

func (l *requestLog) handler(ctx context.Context, ev *eventbus.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *requestLog) last() *eventbus.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return nil
	}
	return l.events[len(l.events)-1]
}

func TestRouteToCapableAgent(t *testing.T) {
	f := setupTestDispatcher(t, Options{})
	ctx := context.Background()

	f.addAgent(t, "research-1", []agent.Capability{agent.CapWebSearch}, nil)
	f.addAgent(t, "chat-1", []agent.Capability{agent.CapConversation}, nil)

	var requests requestLog
	f.bus.Subscribe(eventbus.EventAgentRequest, requests.handler)

	result, err := f.dispatcher.RouteRequest(ctx, Request{
		Capability: agent.CapWebSearch,
		Payload:    map[string]any{"query": "tides"},
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "research-1", result.AgentID)
	assert.False(t, result.FallbackUsed)
	assert.Equal(t, agent.CapWebSearch, result.Capability)
	assert.NotEmpty(t, result.RequestID)

	ev := requests.last()
	require.NotNil(t, ev)
	assert.Equal(t, "research-1", ev.Payload["target_agent"])
	assert.Equal(t, "WEB_SEARCH", ev.Payload["capability"])
	assert.Equal(t, result.RequestID, ev.CorrelationID)
}

func TestUnknownCapabilityRejected(t *testing.T) {
	f := setupTestDispatcher(t, Options{})
	_, err := f.dispatcher.RouteRequest(context.Background(), Request{Capability: "TIME_TRAVEL"})
	assert.Error(t, err)
}

func TestScoringPrefersIdleAndUnloaded(t *testing.T) {
	f := setupTestDispatcher(t, Options{})
	ctx := context.Background()

	f.addAgent(t, "busy-1", []agent.Capability{agent.CapWebSearch}, &statestore.AgentState{
		Status: "busy", Workload: 0.9,
	})
	f.addAgent(t, "idle-1", []agent.Capability{agent.CapWebSearch}, &statestore.AgentState{
		Status: statestore.AgentStatusIdle, Workload: 0.1,
	})

	result, err := f.dispatcher.RouteRequest(ctx, Request{Capability: agent.CapWebSearch})
	require.NoError(t, err)
	assert.Equal(t, "idle-1", result.AgentID)
}

func TestPerformanceInfluencesScoring(t *testing.T) {
	f := setupTestDispatcher(t, Options{})
	ctx := context.Background()

	f.addAgent(t, "flaky-1", []agent.Capability{agent.CapWebSearch}, nil)
	f.addAgent(t, "solid-1", []agent.Capability{agent.CapWebSearch}, nil)

	// flaky-1 fails everything, solid-1 succeeds everything
	for i := 0; i < 5; i++ {
		_, err := f.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventAgentResponse, "test", map[string]any{
			"agent_id": "flaky-1", "success": false,
		}))
		require.NoError(t, err)
		_, err = f.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventAgentResponse, "test", map[string]any{
			"agent_id": "solid-1", "success": true,
		}))
		require.NoError(t, err)
	}

	assert.Equal(t, 0.0, f.dispatcher.PerformanceRate("flaky-1"))
	assert.Equal(t, 1.0, f.dispatcher.PerformanceRate("solid-1"))
	assert.Equal(t, defaultPerformance, f.dispatcher.PerformanceRate("unseen"))

	result, err := f.dispatcher.RouteRequest(ctx, Request{Capability: agent.CapWebSearch})
	require.NoError(t, err)
	assert.Equal(t, "solid-1", result.AgentID)
}

func TestPreferredAgentWins(t *testing.T) {
	f := setupTestDispatcher(t, Options{})
	ctx := context.Background()

	f.addAgent(t, "research-1", []agent.Capability{agent.CapWebSearch}, nil)
	f.addAgent(t, "research-2", []agent.Capability{agent.CapWebSearch}, nil)

	result, err := f.dispatcher.RouteRequest(ctx, Request{
		Capability: agent.CapWebSearch,
		Preferred:  "research-2",
	})
	require.NoError(t, err)
	assert.Equal(t, "research-2", result.AgentID)

	t.Run("preferred without the capability is ignored", func(t *testing.T) {
		result, err := f.dispatcher.RouteRequest(ctx, Request{
			Capability: agent.CapWebSearch,
			Preferred:  "nonexistent",
		})
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.NotEqual(t, "nonexistent", result.AgentID)
	})
}

func TestExcludedAgentsSkipped(t *testing.T) {
	f := setupTestDispatcher(t, Options{})
	ctx := context.Background()

	f.addAgent(t, "research-1", []agent.Capability{agent.CapWebSearch}, nil)
	f.addAgent(t, "research-2", []agent.Capability{agent.CapWebSearch}, nil)

	result, err := f.dispatcher.RouteRequest(ctx, Request{
		Capability: agent.CapWebSearch,
		Excluded:   []string{"research-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "research-2", result.AgentID)
}

func TestFallbackCapability(t *testing.T) {
	f := setupTestDispatcher(t, Options{})
	ctx := context.Background()

	// nobody does code generation, but chat-1 can hold a conversation
	f.addAgent(t, "chat-1", []agent.Capability{agent.CapConversation}, nil)

	result, err := f.dispatcher.RouteRequest(ctx, Request{Capability: agent.CapCodeGeneration})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.True(t, result.FallbackUsed)
	assert.Equal(t, "chat-1", result.AgentID)
	assert.Equal(t, agent.CapConversation, result.Capability)

	t.Run("direct capability beats fallback", func(t *testing.T) {
		f.addAgent(t, "coder-1", []agent.Capability{agent.CapCodeGeneration}, nil)
		result, err := f.dispatcher.RouteRequest(ctx, Request{Capability: agent.CapCodeGeneration})
		require.NoError(t, err)
		assert.False(t, result.FallbackUsed)
		assert.Equal(t, "coder-1", result.AgentID)
	})
}

func TestPendingQueueAndRetry(t *testing.T) {
	f := setupTestDispatcher(t, Options{RequestTimeout: time.Minute})
	ctx := context.Background()

	result, err := f.dispatcher.RouteRequest(ctx, Request{Capability: agent.CapTranslation})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 1, f.dispatcher.PendingCount())

	t.Run("request routes once an agent appears", func(t *testing.T) {
		f.addAgent(t, "translator-1", []agent.Capability{agent.CapTranslation}, nil)

		var requests requestLog
		f.bus.Subscribe(eventbus.EventAgentRequest, requests.handler)

		f.dispatcher.RetryPending(ctx)
		assert.Equal(t, 0, f.dispatcher.PendingCount())

		ev := requests.last()
		require.NotNil(t, ev)
		assert.Equal(t, "translator-1", ev.Payload["target_agent"])
		// the queued request keeps its original id
		assert.Equal(t, result.RequestID, ev.Payload["request_id"])
	})
}

func TestPendingRequestExpiresAfterRetryBudget(t *testing.T) {
	f := setupTestDispatcher(t, Options{RequestTimeout: 10 * time.Millisecond, MaxRetries: 1})
	ctx := context.Background()

	var alerts requestLog
	f.bus.Subscribe(eventbus.EventSystemAlert, alerts.handler)

	result, err := f.dispatcher.RouteRequest(ctx, Request{Capability: agent.CapTranslation})
	require.NoError(t, err)
	assert.False(t, result.Success)

	// first lapsed window spends a retry, it does not expire the request
	time.Sleep(20 * time.Millisecond)
	f.dispatcher.RetryPending(ctx)
	assert.Equal(t, 1, f.dispatcher.PendingCount())
	assert.Nil(t, alerts.last())

	// budget spent, the next lapse expires it
	time.Sleep(20 * time.Millisecond)
	f.dispatcher.RetryPending(ctx)

	assert.Equal(t, 0, f.dispatcher.PendingCount())
	ev := alerts.last()
	require.NotNil(t, ev)
	assert.Equal(t, "request_expired", ev.Payload["alert"])
	assert.Equal(t, result.RequestID, ev.Payload["request_id"])

	history := f.dispatcher.History()
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.False(t, last.Success)
	assert.Equal(t, result.RequestID, last.RequestID)
}

func TestBusyStatusNotPenalized(t *testing.T) {
	f := setupTestDispatcher(t, Options{})
	ctx := context.Background()

	// identical workloads, only the reported status differs: liveness is
	// the only availability signal, so the scores tie and registration
	// order decides
	f.addAgent(t, "busy-1", []agent.Capability{agent.CapWebSearch}, &statestore.AgentState{
		Status: "busy", Workload: 0.5,
	})
	f.addAgent(t, "idle-1", []agent.Capability{agent.CapWebSearch}, &statestore.AgentState{
		Status: statestore.AgentStatusIdle, Workload: 0.5,
	})

	result, err := f.dispatcher.RouteRequest(ctx, Request{Capability: agent.CapWebSearch})
	require.NoError(t, err)
	assert.Equal(t, "busy-1", result.AgentID)
}

func TestHistoryRecordsRoutes(t *testing.T) {
	f := setupTestDispatcher(t, Options{})
	ctx := context.Background()
	f.addAgent(t, "chat-1", []agent.Capability{agent.CapConversation}, nil)

	for i := 0; i < 3; i++ {
		_, err := f.dispatcher.RouteRequest(ctx, Request{Capability: agent.CapConversation})
		require.NoError(t, err)
	}

	history := f.dispatcher.History()
	assert.Len(t, history, 3)
	for _, r := range history {
		assert.True(t, r.Success)
		assert.Equal(t, "chat-1", r.AgentID)
	}
}

func TestDeadAgentNotRouted(t *testing.T) {
	f := setupTestDispatcher(t, Options{})
	ctx := context.Background()

	// registered but never heartbeaten
	require.NoError(t, f.registry.Register(&agent.Descriptor{
		ID:                 "ghost-1",
		Capabilities:       []agent.Capability{agent.CapWebSearch},
		MaxConcurrentTasks: 1,
	}))

	result, err := f.dispatcher.RouteRequest(ctx, Request{Capability: agent.CapWebSearch})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 1, f.dispatcher.PendingCount())
}
