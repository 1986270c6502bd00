// Package scheduler decides which pending mission runs next and on which
// agent. Missions queue by priority with FIFO order inside each priority,
// failed missions re-enter through a retry queue with exponential backoff,
// and agent workload is watched for imbalance.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/stationhq/station/internal/agent"
	"github.com/stationhq/station/internal/metrics"
	"github.com/stationhq/station/pkg/eventbus"
	"github.com/stationhq/station/pkg/statestore"
)

const (
	// DefaultInterval is the scheduling loop period.
	DefaultInterval = 10 * time.Second

	// DefaultMaxRetries bounds how often a failed mission is requeued.
	DefaultMaxRetries = 3

	// DefaultImbalanceThreshold is the workload spread between the busiest
	// and the idlest agent that counts as imbalanced.
	DefaultImbalanceThreshold = 0.3

	// retryBaseDelay is the first retry backoff; it doubles per attempt.
	retryBaseDelay = 5 * time.Second
)

// retryEntry is a failed mission waiting for its backoff to elapse.
type retryEntry struct {
	missionID string
	priority  statestore.MissionPriority
	attempt   int
	dueAt     time.Time
}

// Rebalancer is the hook invoked when workload spread exceeds the threshold.
// It receives the busiest and idlest agent ids and the observed spread.
type Rebalancer func(ctx context.Context, busiest, idlest string, spread float64)

// Scheduler owns the mission queue and workload balancing for one Station
// instance. Create with New, wire event handlers with Register, then drive
// with Run.
type Scheduler struct {
	store    *statestore.Store
	bus      *eventbus.Bus
	registry *agent.Registry
	met      *metrics.Metrics

	interval           time.Duration
	maxRetries         int
	imbalanceThreshold float64
	retryBase          time.Duration

	mu         sync.Mutex
	queue      missionHeap
	seq        uint64
	attempts   map[string]int
	retries    []retryEntry
	assigned   map[string]int
	rebalancer Rebalancer
}

// Options tunes a Scheduler. Zero values take the defaults above.
type Options struct {
	Interval           time.Duration
	MaxRetries         int
	ImbalanceThreshold float64
	RetryBaseDelay     time.Duration
}

// New creates a scheduler over the given store, bus and agent registry.
func New(store *statestore.Store, bus *eventbus.Bus, registry *agent.Registry, met *metrics.Metrics, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.ImbalanceThreshold <= 0 {
		opts.ImbalanceThreshold = DefaultImbalanceThreshold
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = retryBaseDelay
	}
	return &Scheduler{
		store:              store,
		bus:                bus,
		registry:           registry,
		met:                met,
		interval:           opts.Interval,
		maxRetries:         opts.MaxRetries,
		imbalanceThreshold: opts.ImbalanceThreshold,
		retryBase:          opts.RetryBaseDelay,
		attempts:           make(map[string]int),
		assigned:           make(map[string]int),
	}
}

// SetRebalancer installs the imbalance hook. May be nil to disable.
func (s *Scheduler) SetRebalancer(r Rebalancer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebalancer = r
}

// Register subscribes the scheduler to the bus events it reacts to.
func (s *Scheduler) Register() {
	s.bus.Subscribe(eventbus.EventMissionCreated, s.onMissionCreated)
	s.bus.Subscribe(eventbus.EventMissionCompleted, s.onMissionFinished)
	s.bus.Subscribe(eventbus.EventMissionFailed, s.onMissionFailed)
}

// Enqueue queues a mission for assignment. Re-enqueueing a queued mission is
// a no-op.
func (s *Scheduler) Enqueue(missionID string, priority statestore.MissionPriority, deadline *time.Time) {
	weight, ok := priorityWeights[priority]
	if !ok {
		weight = priorityWeights[statestore.PriorityNormal]
		priority = statestore.PriorityNormal
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.queue {
		if item.missionID == missionID {
			return
		}
	}
	s.seq++
	s.queue.push(&queueItem{
		missionID:  missionID,
		priority:   priority,
		weight:     weight,
		deadline:   deadline,
		enqueuedAt: time.Now().UTC(),
		seq:        s.seq,
	})
	s.met.QueueDepth.Set(float64(s.queue.Len()))
}

// Remove drops a mission from the queue, for cancellations.
func (s *Scheduler) Remove(missionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.queue.remove(missionID)
	s.met.QueueDepth.Set(float64(s.queue.Len()))
	return ok
}

// QueueDepth returns the number of queued missions.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// RetryDepth returns the number of missions waiting in the retry queue.
func (s *Scheduler) RetryDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.retries)
}

// Run drives the scheduling loop until the context is cancelled. Cancelling
// interrupts the wait immediately.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[Scheduler] Loop started, interval %s", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Scheduler] Loop stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass: promote due retries, assign queued
// missions, check workload balance. Exposed so tests and the hub can drive
// passes without the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	s.promoteRetries(ctx)
	s.assignQueued(ctx)
	s.checkBalance(ctx)
}

func (s *Scheduler) onMissionCreated(ctx context.Context, ev *eventbus.Event) error {
	missionID, _ := ev.Payload["mission_id"].(string)
	if missionID == "" {
		return fmt.Errorf("mission.created event without mission_id")
	}
	rawPriority, _ := ev.Payload["priority"].(string)

	var deadline *time.Time
	if raw, _ := ev.Payload["deadline"].(string); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			deadline = &t
		}
	}

	s.Enqueue(missionID, statestore.ParseMissionPriority(rawPriority), deadline)
	return nil
}

func (s *Scheduler) onMissionFinished(ctx context.Context, ev *eventbus.Event) error {
	missionID, _ := ev.Payload["mission_id"].(string)
	s.releaseAssignment(ctx, missionID)

	s.mu.Lock()
	delete(s.attempts, missionID)
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) onMissionFailed(ctx context.Context, ev *eventbus.Event) error {
	missionID, _ := ev.Payload["mission_id"].(string)
	if missionID == "" {
		return fmt.Errorf("mission.failed event without mission_id")
	}
	s.releaseAssignment(ctx, missionID)

	rawPriority, _ := ev.Payload["priority"].(string)
	s.ScheduleRetry(ctx, missionID, statestore.ParseMissionPriority(rawPriority))
	return nil
}

// ScheduleRetry queues a failed mission for another attempt, or drops it
// once the retry budget is spent.
func (s *Scheduler) ScheduleRetry(ctx context.Context, missionID string, priority statestore.MissionPriority) {
	s.mu.Lock()
	s.attempts[missionID]++
	attempt := s.attempts[missionID]

	if attempt > s.maxRetries {
		delete(s.attempts, missionID)
		s.mu.Unlock()

		s.met.MissionsDropped.Inc()
		log.Printf("[Scheduler] Mission %s dropped after %d retries", missionID, s.maxRetries)
		s.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventSystemAlert, "scheduler", map[string]any{
			"alert":      "mission_dropped",
			"mission_id": missionID,
			"attempts":   attempt - 1,
		}))
		return
	}

	delay := s.retryBase * time.Duration(1<<(attempt-1))
	s.retries = append(s.retries, retryEntry{
		missionID: missionID,
		priority:  priority,
		attempt:   attempt,
		dueAt:     time.Now().UTC().Add(delay),
	})
	s.met.RetryQueueDepth.Set(float64(len(s.retries)))
	s.mu.Unlock()

	log.Printf("[Scheduler] Mission %s retry %d/%d in %s", missionID, attempt, s.maxRetries, delay)
}

// promoteRetries moves due retry entries back into the main queue, flipping
// the mission back to pending.
func (s *Scheduler) promoteRetries(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	due := make([]retryEntry, 0)
	remaining := s.retries[:0]
	for _, e := range s.retries {
		if e.dueAt.After(now) {
			remaining = append(remaining, e)
			continue
		}
		due = append(due, e)
	}
	s.retries = remaining
	s.met.RetryQueueDepth.Set(float64(len(s.retries)))
	s.mu.Unlock()

	for _, e := range due {
		m, err := s.store.TransitionMission(ctx, e.missionID, statestore.StatusPending, "")
		if err != nil {
			log.Printf("[Scheduler] Cannot retry mission %s: %v", e.missionID, err)
			continue
		}
		s.met.MissionsRetried.Inc()
		s.met.RecordTransition(string(statestore.StatusFailed), string(statestore.StatusPending))
		// Keep the original deadline so a retried mission still expires.
		s.Enqueue(e.missionID, e.priority, m.Deadline)
	}
}

// assignQueued pops queued missions and assigns each to the least loaded
// live agent. Missions whose deadline has passed are cancelled instead. When
// no agent is available the mission is put back and the pass ends.
func (s *Scheduler) assignQueued(ctx context.Context) {
	for {
		s.mu.Lock()
		item := s.queue.pop()
		s.met.QueueDepth.Set(float64(s.queue.Len()))
		s.mu.Unlock()
		if item == nil {
			return
		}

		if item.deadline != nil && time.Now().UTC().After(*item.deadline) {
			s.expire(ctx, item)
			continue
		}

		agentID, err := s.pickAgent(ctx)
		if err != nil {
			log.Printf("[Scheduler] Cannot pick agent: %v", err)
		}
		if agentID == "" {
			// nobody available, put the mission back for the next pass
			s.mu.Lock()
			s.queue.push(item)
			s.met.QueueDepth.Set(float64(s.queue.Len()))
			s.mu.Unlock()
			return
		}

		if err := s.assign(ctx, item, agentID); err != nil {
			// Transient store failure: keep the mission queued and stop
			// this pass rather than dropping it.
			log.Printf("[Scheduler] Failed to assign mission %s, requeueing: %v", item.missionID, err)
			s.mu.Lock()
			s.queue.push(item)
			s.met.QueueDepth.Set(float64(s.queue.Len()))
			s.mu.Unlock()
			return
		}
	}
}

func (s *Scheduler) expire(ctx context.Context, item *queueItem) {
	log.Printf("[Scheduler] Mission %s expired before assignment", item.missionID)
	if _, err := s.store.TransitionMission(ctx, item.missionID, statestore.StatusCancelled, "deadline exceeded"); err != nil {
		log.Printf("[Scheduler] Failed to cancel expired mission %s: %v", item.missionID, err)
	} else {
		s.met.RecordTransition(string(statestore.StatusPending), string(statestore.StatusCancelled))
	}
	s.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventSystemAlert, "scheduler", map[string]any{
		"alert":      "mission_expired",
		"mission_id": item.missionID,
	}))
}

func (s *Scheduler) assign(ctx context.Context, item *queueItem, agentID string) error {
	// Transition before touching the assignment list. The coordinator also
	// reacts to mission.created, so the mission may already have left
	// pending; losing that race is not an error and must not mutate the
	// mission the winner set up.
	if _, err := s.store.TransitionMission(ctx, item.missionID, statestore.StatusAssigned, ""); err != nil {
		if errors.Is(err, statestore.ErrInvalidTransition) || statestore.IsNotFound(err) {
			log.Printf("[Scheduler] Mission %s already claimed, skipping", item.missionID)
			return nil
		}
		return err
	}
	if _, err := s.store.UpdateMission(ctx, item.missionID, func(m *statestore.Mission) error {
		m.AssignedAgents = appendUnique(m.AssignedAgents, agentID)
		return nil
	}); err != nil {
		// The mission is assigned either way; the coordinator's next tick
		// reconciles the agent list.
		log.Printf("[Scheduler] Failed to record agent for mission %s: %v", item.missionID, err)
	}
	s.met.RecordTransition(string(statestore.StatusPending), string(statestore.StatusAssigned))

	s.mu.Lock()
	s.assigned[agentID]++
	s.mu.Unlock()

	waited := time.Since(item.enqueuedAt)
	log.Printf("[Scheduler] Mission %s -> %s (priority %s, waited %s)", item.missionID, agentID, item.priority, waited.Round(time.Millisecond))

	ev := eventbus.NewEvent(eventbus.EventMissionAssigned, "scheduler", map[string]any{
		"mission_id": item.missionID,
		"agent_id":   agentID,
		"priority":   string(item.priority),
	})
	if _, err := s.bus.Publish(ctx, ev); err != nil {
		log.Printf("[Scheduler] Failed to publish assignment for %s: %v", item.missionID, err)
	}
	return nil
}

// pickAgent returns the live registered agent with the lowest workload
// fraction, or "" when every agent is saturated or none are alive. Ties
// resolve in registration order.
func (s *Scheduler) pickAgent(ctx context.Context) (string, error) {
	live, err := s.store.GetActiveAgents(ctx, 0)
	if err != nil {
		return "", err
	}
	liveIDs := make(map[string]bool, len(live))
	for _, st := range live {
		liveIDs[st.AgentID] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	best := ""
	bestLoad := math.Inf(1)
	for _, d := range s.registry.All() {
		if !liveIDs[d.ID] {
			continue
		}
		load := float64(s.assigned[d.ID]) / float64(d.MaxConcurrentTasks)
		if load >= 1 {
			continue
		}
		if load < bestLoad {
			best = d.ID
			bestLoad = load
		}
	}
	return best, nil
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

func (s *Scheduler) releaseAssignment(ctx context.Context, missionID string) {
	if missionID == "" {
		return
	}
	m, err := s.store.GetMission(ctx, missionID)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, agentID := range m.AssignedAgents {
		if s.assigned[agentID] > 0 {
			s.assigned[agentID]--
		}
	}
}

// checkBalance measures the workload spread across live agents and fires
// the rebalance hook when it exceeds the threshold.
func (s *Scheduler) checkBalance(ctx context.Context) {
	s.met.RebalanceChecks.Inc()

	live, err := s.store.GetActiveAgents(ctx, 0)
	if err != nil || len(live) < 2 {
		return
	}
	liveIDs := make(map[string]bool, len(live))
	for _, st := range live {
		liveIDs[st.AgentID] = true
	}

	s.mu.Lock()
	busiest, idlest := "", ""
	maxLoad, minLoad := math.Inf(-1), math.Inf(1)
	for _, d := range s.registry.All() {
		if !liveIDs[d.ID] {
			continue
		}
		load := float64(s.assigned[d.ID]) / float64(d.MaxConcurrentTasks)
		s.met.AgentWorkload.WithLabelValues(d.ID).Set(load)
		if load > maxLoad {
			busiest, maxLoad = d.ID, load
		}
		if load < minLoad {
			idlest, minLoad = d.ID, load
		}
	}
	rebalancer := s.rebalancer
	s.mu.Unlock()

	if busiest == "" || idlest == "" || busiest == idlest {
		return
	}
	spread := maxLoad - minLoad
	if spread <= s.imbalanceThreshold {
		return
	}

	s.met.ImbalanceDetected.Inc()
	log.Printf("[Scheduler] Workload imbalance %.2f (%s busiest, %s idlest)", spread, busiest, idlest)
	s.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventSystemAlert, "scheduler", map[string]any{
		"alert":   "workload_imbalance",
		"spread":  spread,
		"busiest": busiest,
		"idlest":  idlest,
	}))
	if rebalancer != nil {
		rebalancer(ctx, busiest, idlest, spread)
	}
}

// Stats summarizes the scheduler's current queues.
type Stats struct {
	Queued      int
	Retrying    int
	Assignments map[string]int
}

// Stats returns a snapshot of queue depths and per-agent assignments.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	assignments := make(map[string]int, len(s.assigned))
	for k, v := range s.assigned {
		assignments[k] = v
	}
	return Stats{
		Queued:      s.queue.Len(),
		Retrying:    len(s.retries),
		Assignments: assignments,
	}
}
