// Package coordinator is the top of the mission pipeline: it creates
// missions, decomposes them into capability-tagged sub-tasks, computes an
// execution plan, assigns tasks to agents, and drives each mission to
// completion as task results come in.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/stationhq/station/internal/agent"
	"github.com/stationhq/station/internal/metrics"
	"github.com/stationhq/station/pkg/eventbus"
	"github.com/stationhq/station/pkg/statestore"
)

// DefaultInterval is the mission tracking loop period.
const DefaultInterval = 5 * time.Second

// Plan is the execution order computed for a mission's tasks. Groups hold
// task ids that may run in parallel; groups run in slice order.
type Plan struct {
	MissionID string
	Order     []string
	Groups    [][]string
}

// Coordinator manages mission lifecycles for one Station instance.
type Coordinator struct {
	store        *statestore.Store
	bus          *eventbus.Bus
	registry     *agent.Registry
	met          *metrics.Metrics
	interval     time.Duration
	instanceName string
}

// Options tunes a Coordinator. Zero values take the defaults above.
type Options struct {
	Interval time.Duration
	Instance string
}

// New creates a coordinator over the given store, bus and agent registry.
func New(store *statestore.Store, bus *eventbus.Bus, registry *agent.Registry, met *metrics.Metrics, opts Options) *Coordinator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Coordinator{
		store:        store,
		bus:          bus,
		registry:     registry,
		met:          met,
		interval:     opts.Interval,
		instanceName: opts.Instance,
	}
}

// logEvent logs a structured event in JSON format.
func (c *Coordinator) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "coordinator"
	data["event_type"] = eventType
	data["instance"] = c.instanceName

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Coordinator] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}

// Register subscribes the coordinator to mission creation so new missions
// are planned immediately.
func (c *Coordinator) Register() {
	c.bus.Subscribe(eventbus.EventMissionCreated, c.onMissionCreated)
}

// CreateMission persists a new mission and announces it on the bus.
func (c *Coordinator) CreateMission(ctx context.Context, title, description string, missionContext map[string]any, createdBy string, priority statestore.MissionPriority) (*statestore.Mission, error) {
	if err := priority.Validate(); err != nil {
		return nil, err
	}

	m := statestore.NewMission("mission-"+uuid.New().String()[:8], title, description, priority)
	m.CreatedBy = createdBy
	if missionContext != nil {
		m.Context = missionContext
	}
	if err := c.store.CreateMission(ctx, m); err != nil {
		return nil, err
	}

	c.met.MissionsCreated.WithLabelValues(string(priority)).Inc()
	c.logEvent("mission_created", map[string]interface{}{
		"mission_id": m.ID,
		"title":      title,
		"priority":   string(priority),
	})

	ev := eventbus.NewEvent(eventbus.EventMissionCreated, "coordinator", map[string]any{
		"mission_id": m.ID,
		"title":      title,
		"priority":   string(priority),
		"created_by": createdBy,
	})
	if _, err := c.bus.Publish(ctx, ev); err != nil {
		log.Printf("[Coordinator] Failed to announce mission %s: %v", m.ID, err)
	}
	return m, nil
}

// PlanMission decomposes a mission's description into sub-tasks, persists
// them as checkpoints, and returns the execution plan. Re-planning a mission
// that already has tasks keeps the existing tasks and only recomputes the
// plan.
func (c *Coordinator) PlanMission(ctx context.Context, missionID string) (*Plan, error) {
	m, err := c.store.GetMission(ctx, missionID)
	if err != nil {
		return nil, err
	}

	tasks := m.Checkpoints
	if len(tasks) == 0 {
		tasks = decompose(missionID, m.Description)
		if _, err := c.store.UpdateMission(ctx, missionID, func(m *statestore.Mission) error {
			m.Checkpoints = tasks
			return nil
		}); err != nil {
			return nil, fmt.Errorf("failed to persist plan for %s: %w", missionID, err)
		}
		c.logEvent("mission_planned", map[string]interface{}{
			"mission_id": missionID,
			"task_count": len(tasks),
		})
	}

	order := topoSort(tasks)
	return &Plan{
		MissionID: missionID,
		Order:     order,
		Groups:    parallelGroups(tasks, order),
	}, nil
}

// AssignTasks hands every unassigned task to an agent with the required
// capability, preferring an idle one. Tasks with no capable agent stay
// pending. Returns the number of tasks assigned.
func (c *Coordinator) AssignTasks(ctx context.Context, missionID string) (int, error) {
	m, err := c.store.GetMission(ctx, missionID)
	if err != nil {
		return 0, err
	}

	type assignment struct {
		taskID  string
		agentID string
	}
	var assignments []assignment

	for _, t := range m.Checkpoints {
		if t.Status != TaskPending || t.AssignedAgent != "" {
			continue
		}
		cap, ok := agent.ParseCapability(t.RequiredCapability)
		if !ok {
			log.Printf("[Coordinator] Task %s requires unknown capability %q, skipping", t.TaskID, t.RequiredCapability)
			continue
		}

		candidates := c.registry.FindByCapability(cap, nil)
		if len(candidates) == 0 {
			continue
		}
		chosen := candidates[0].ID
		for _, cand := range candidates {
			state, err := c.store.GetAgentState(ctx, cand.ID)
			if err == nil && state.Status == statestore.AgentStatusIdle {
				chosen = cand.ID
				break
			}
		}
		assignments = append(assignments, assignment{taskID: t.TaskID, agentID: chosen})
	}

	if len(assignments) == 0 {
		return 0, nil
	}

	if _, err := c.store.UpdateMission(ctx, missionID, func(m *statestore.Mission) error {
		for _, a := range assignments {
			for i := range m.Checkpoints {
				if m.Checkpoints[i].TaskID != a.taskID {
					continue
				}
				m.Checkpoints[i].AssignedAgent = a.agentID
				m.Checkpoints[i].Status = TaskAssigned
			}
			m.AssignedAgents = appendUnique(m.AssignedAgents, a.agentID)
		}
		return nil
	}); err != nil {
		return 0, err
	}

	if m.Status == statestore.StatusPending {
		// the scheduler may have moved the mission to assigned concurrently
		if _, err := c.store.TransitionMission(ctx, missionID, statestore.StatusAssigned, ""); err != nil {
			if !errors.Is(err, statestore.ErrInvalidTransition) {
				return 0, err
			}
		} else {
			c.met.RecordTransition(string(statestore.StatusPending), string(statestore.StatusAssigned))
		}
	}

	for _, a := range assignments {
		log.Printf("[Coordinator] Task %s -> %s", a.taskID, a.agentID)
		c.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventMissionAssigned, "coordinator", map[string]any{
			"mission_id": missionID,
			"task_id":    a.taskID,
			"agent_id":   a.agentID,
		}))
	}
	return len(assignments), nil
}

// UpdateTaskStatus records a task result and recomputes mission progress,
// completing or failing the mission when its tasks allow no other outcome.
func (c *Coordinator) UpdateTaskStatus(ctx context.Context, missionID, taskID, status string, result map[string]any) error {
	switch status {
	case TaskPending, TaskAssigned, TaskCompleted, TaskFailed:
	default:
		return fmt.Errorf("unknown task status: %q", status)
	}

	found := false
	m, err := c.store.UpdateMission(ctx, missionID, func(m *statestore.Mission) error {
		completed := 0
		for i := range m.Checkpoints {
			if m.Checkpoints[i].TaskID == taskID {
				m.Checkpoints[i].Status = status
				m.Checkpoints[i].Result = result
				found = true
			}
			if m.Checkpoints[i].Status == TaskCompleted {
				completed++
			}
		}
		if !found {
			return fmt.Errorf("task %s: %w", taskID, statestore.ErrNotFound)
		}
		if len(m.Checkpoints) > 0 {
			m.Progress = float64(completed) / float64(len(m.Checkpoints))
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventMissionProgress, "coordinator", map[string]any{
		"mission_id": missionID,
		"task_id":    taskID,
		"status":     status,
		"progress":   m.Progress,
	}))

	return c.checkCompletion(ctx, m)
}

// checkCompletion drives a mission to COMPLETED when every task succeeded,
// or to FAILED when a task failed and nothing is still runnable.
func (c *Coordinator) checkCompletion(ctx context.Context, m *statestore.Mission) error {
	if statestore.IsTerminal(m.Status) || len(m.Checkpoints) == 0 {
		return nil
	}

	completed, failed, open := 0, 0, 0
	for _, t := range m.Checkpoints {
		switch t.Status {
		case TaskCompleted:
			completed++
		case TaskFailed:
			failed++
		default:
			open++
		}
	}

	switch {
	case completed == len(m.Checkpoints):
		return c.finish(ctx, m, statestore.StatusCompleted, "")
	case failed > 0 && open == 0:
		return c.finish(ctx, m, statestore.StatusFailed, fmt.Sprintf("%d of %d tasks failed", failed, len(m.Checkpoints)))
	default:
		return nil
	}
}

// finish walks the mission to a terminal status, passing through
// in_progress when needed, and publishes the outcome.
func (c *Coordinator) finish(ctx context.Context, m *statestore.Mission, terminal statestore.MissionStatus, reason string) error {
	if m.Status == statestore.StatusAssigned {
		if _, err := c.store.TransitionMission(ctx, m.ID, statestore.StatusInProgress, ""); err != nil {
			return err
		}
		c.met.RecordTransition(string(statestore.StatusAssigned), string(statestore.StatusInProgress))
	}
	final, err := c.store.TransitionMission(ctx, m.ID, terminal, reason)
	if err != nil {
		return err
	}
	c.met.RecordTransition(string(statestore.StatusInProgress), string(terminal))

	eventType := eventbus.EventMissionCompleted
	if terminal == statestore.StatusFailed {
		eventType = eventbus.EventMissionFailed
	}
	payload := map[string]any{
		"mission_id": m.ID,
		"priority":   string(m.Priority),
		"progress":   final.Progress,
	}
	if reason != "" {
		payload["error"] = reason
	}
	if _, err := c.bus.Publish(ctx, eventbus.NewEvent(eventType, "coordinator", payload)); err != nil {
		log.Printf("[Coordinator] Failed to publish outcome for %s: %v", m.ID, err)
	}

	if final.StartedAt != nil && final.CompletedAt != nil {
		c.met.MissionDuration.
			WithLabelValues(string(final.Priority), string(terminal)).
			Observe(final.CompletedAt.Sub(*final.StartedAt).Seconds())
	}
	c.logEvent("mission_finished", map[string]interface{}{
		"mission_id": m.ID,
		"status":     string(terminal),
		"reason":     reason,
	})
	return nil
}

func (c *Coordinator) onMissionCreated(ctx context.Context, ev *eventbus.Event) error {
	missionID, _ := ev.Payload["mission_id"].(string)
	if missionID == "" {
		return fmt.Errorf("mission.created event without mission_id")
	}
	if _, err := c.PlanMission(ctx, missionID); err != nil {
		return err
	}
	_, err := c.AssignTasks(ctx, missionID)
	return err
}

// Run drives the tracking loop until the context is cancelled: unassigned
// tasks get assignment retries and stuck missions get completion checks.
func (c *Coordinator) Run(ctx context.Context) {
	log.Printf("[Coordinator] Loop started, interval %s", c.interval)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Coordinator] Loop stopped")
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one tracking pass over every non-terminal mission.
func (c *Coordinator) Tick(ctx context.Context) {
	missions, err := c.store.ListMissions(ctx)
	if err != nil {
		log.Printf("[Coordinator] Cannot list missions: %v", err)
		return
	}
	for _, m := range missions {
		if statestore.IsTerminal(m.Status) {
			continue
		}
		if len(m.Checkpoints) == 0 {
			if _, err := c.PlanMission(ctx, m.ID); err != nil {
				log.Printf("[Coordinator] Cannot plan mission %s: %v", m.ID, err)
				continue
			}
		}
		if _, err := c.AssignTasks(ctx, m.ID); err != nil {
			log.Printf("[Coordinator] Cannot assign tasks for %s: %v", m.ID, err)
		}
		if err := c.checkCompletion(ctx, m); err != nil {
			log.Printf("[Coordinator] Completion check for %s: %v", m.ID, err)
		}
	}
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
