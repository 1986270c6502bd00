// Package hub assembles a complete Station instance: event bus, state
// store, agent registry, scheduler, dispatcher and coordinator, plus the
// HTTP health and metrics surface. The hub owns no coordination logic of its
// own; it wires the components together and drives their loops.
package hub

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stationhq/station/internal/agent"
	"github.com/stationhq/station/internal/config"
	"github.com/stationhq/station/internal/coordinator"
	"github.com/stationhq/station/internal/dispatcher"
	"github.com/stationhq/station/internal/metrics"
	"github.com/stationhq/station/internal/scheduler"
	"github.com/stationhq/station/pkg/eventbus"
	"github.com/stationhq/station/pkg/statestore"
)

// statsInterval is how often the hub refreshes the gauge metrics that are
// derived from store contents.
const statsInterval = 15 * time.Second

// Hub is one fully wired Station instance.
type Hub struct {
	cfg      *config.Config
	store    *statestore.Store
	bus      *eventbus.Bus
	registry *agent.Registry
	met      *metrics.Metrics

	scheduler   *scheduler.Scheduler
	dispatcher  *dispatcher.Dispatcher
	coordinator *coordinator.Coordinator
	health      *HealthServer
}

// New builds a hub from configuration. Nothing is connected yet; call
// Connect before Run.
func New(cfg *config.Config) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	bus, err := eventbus.NewBus(redisOpts, cfg.Instance)
	if err != nil {
		return nil, err
	}
	bus.SetMaxStreamLen(cfg.StreamMaxLen())

	store, err := statestore.NewStore(redis.NewClient(redisOpts), cfg.Instance)
	if err != nil {
		return nil, err
	}
	store.SetHeartbeatTTL(cfg.HeartbeatTTLDuration())

	registry := agent.NewRegistry()
	for _, d := range cfg.Descriptors() {
		if err := registry.Register(d); err != nil {
			return nil, err
		}
	}

	met := metrics.NewMetrics()
	bus.SetObserver(met)

	h := &Hub{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		registry: registry,
		met:      met,
		scheduler: scheduler.New(store, bus, registry, met, scheduler.Options{
			Interval:           cfg.SchedulerInterval(),
			MaxRetries:         cfg.SchedulerMaxRetries(),
			ImbalanceThreshold: cfg.SchedulerImbalanceThreshold(),
		}),
		dispatcher: dispatcher.New(store, bus, registry, met, dispatcher.Options{
			RequestTimeout: cfg.DispatcherRequestTimeout(),
			PendingRetry:   cfg.DispatcherPendingRetry(),
		}),
	}
	h.coordinator = coordinator.New(store, bus, registry, met, coordinator.Options{
		Interval: cfg.CoordinatorInterval(),
		Instance: cfg.Instance,
	})
	h.health = NewHealthServer(h, cfg.HTTPAddr)

	h.scheduler.Register()
	h.dispatcher.Register()
	h.coordinator.Register()

	return h, nil
}

// Connect attaches the hub to Redis. A connection failure is not fatal: the
// bus and store degrade to in-process mode and the hub keeps working with
// reduced guarantees.
func (h *Hub) Connect(ctx context.Context) {
	if err := h.bus.Connect(ctx); err != nil {
		log.Printf("[Hub] Event bus degraded to local mode: %v", err)
	}
	if err := h.store.Connect(ctx); err != nil {
		log.Printf("[Hub] State store degraded to in-memory mode: %v", err)
	}
}

// Run announces the configured agents, starts every background loop and the
// HTTP server, then blocks until the context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	log.Printf("[Hub] Starting instance %s with %d agent(s)", h.cfg.Instance, h.registry.Len())

	for _, d := range h.registry.All() {
		if _, err := h.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventAgentRegistered, "hub", map[string]any{
			"agent_id":     d.ID,
			"capabilities": capabilityStrings(d.Capabilities),
		})); err != nil {
			log.Printf("[Hub] Failed to announce agent %s: %v", d.ID, err)
		}
	}

	if err := h.health.Start(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}

	run(func(ctx context.Context) {
		if err := h.bus.Run(ctx); err != nil {
			log.Printf("[Hub] Event consumer stopped: %v", err)
		}
	})
	run(h.scheduler.Run)
	run(h.dispatcher.Run)
	run(h.coordinator.Run)
	run(h.statsLoop)

	<-ctx.Done()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.health.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Hub] Health server shutdown: %v", err)
	}
	log.Printf("[Hub] Instance %s stopped", h.cfg.Instance)
	return nil
}

// statsLoop refreshes the gauges that mirror store contents.
func (h *Hub) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.refreshStats(ctx)
		}
	}
}

func (h *Hub) refreshStats(ctx context.Context) {
	stats, err := h.store.Stats(ctx)
	if err != nil {
		log.Printf("[Hub] Cannot compute stats: %v", err)
		return
	}
	h.met.ActiveAgents.Set(float64(stats.ActiveAgents))
	for _, status := range []statestore.MissionStatus{
		statestore.StatusPending, statestore.StatusAssigned, statestore.StatusInProgress,
		statestore.StatusBlocked, statestore.StatusCompleted, statestore.StatusFailed,
		statestore.StatusCancelled,
	} {
		h.met.MissionsByStatus.WithLabelValues(string(status)).Set(float64(stats.MissionsByStatus[status]))
	}
}

// Store returns the hub's shared state store.
func (h *Hub) Store() *statestore.Store { return h.store }

// Bus returns the hub's event bus.
func (h *Hub) Bus() *eventbus.Bus { return h.bus }

// Registry returns the hub's agent registry.
func (h *Hub) Registry() *agent.Registry { return h.registry }

// Scheduler returns the hub's scheduler.
func (h *Hub) Scheduler() *scheduler.Scheduler { return h.scheduler }

// Dispatcher returns the hub's dispatcher.
func (h *Hub) Dispatcher() *dispatcher.Dispatcher { return h.dispatcher }

// Coordinator returns the hub's coordinator.
func (h *Hub) Coordinator() *coordinator.Coordinator { return h.coordinator }

// Close releases the hub's Redis connections.
func (h *Hub) Close() error {
	return h.bus.Close()
}

func capabilityStrings(caps []agent.Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = c.String()
	}
	return out
}
