package statestore

import (
	"fmt"
	"time"
)

// MissionStatus is the lifecycle state of a mission. Transitions between
// statuses are constrained by the table in machine.go.
type MissionStatus string

const (
	// StatusPending is the initial state of every mission.
	StatusPending MissionStatus = "pending"

	// StatusAssigned indicates agents have been assigned but work has not started.
	StatusAssigned MissionStatus = "assigned"

	// StatusInProgress indicates at least one agent is actively working.
	StatusInProgress MissionStatus = "in_progress"

	// StatusBlocked indicates work is paused waiting on an external condition.
	StatusBlocked MissionStatus = "blocked"

	// StatusCompleted is terminal: all work finished successfully.
	StatusCompleted MissionStatus = "completed"

	// StatusFailed indicates work failed; a failed mission may be retried back
	// to pending.
	StatusFailed MissionStatus = "failed"

	// StatusCancelled is terminal: the mission was withdrawn before completion.
	StatusCancelled MissionStatus = "cancelled"
)

// Validate checks if the MissionStatus is a valid enum value.
func (s MissionStatus) Validate() error {
	switch s {
	case StatusPending, StatusAssigned, StatusInProgress, StatusBlocked,
		StatusCompleted, StatusFailed, StatusCancelled:
		return nil
	default:
		return fmt.Errorf("unknown mission status: %q", s)
	}
}

// MissionPriority orders missions for scheduling.
type MissionPriority string

const (
	PriorityLow      MissionPriority = "low"
	PriorityNormal   MissionPriority = "normal"
	PriorityHigh     MissionPriority = "high"
	PriorityCritical MissionPriority = "critical"
)

// Validate checks if the MissionPriority is a valid enum value.
func (p MissionPriority) Validate() error {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return nil
	default:
		return fmt.Errorf("unknown mission priority: %q", p)
	}
}

// ParseMissionPriority maps a raw string to a MissionPriority, defaulting to
// PriorityNormal for unrecognized values.
func ParseMissionPriority(s string) MissionPriority {
	p := MissionPriority(s)
	if p.Validate() != nil {
		return PriorityNormal
	}
	return p
}

// Checkpoint is a persisted snapshot of one sub-task within a mission's plan.
// Capabilities are stored as their wire tags so the store stays independent of
// the routing layer.
type Checkpoint struct {
	TaskID             string         `json:"task_id"`
	Title              string         `json:"title"`
	Description        string         `json:"description"`
	RequiredCapability string         `json:"required_capability"`
	AssignedAgent      string         `json:"assigned_agent,omitempty"`
	Status             string         `json:"status"`
	Dependencies       []string       `json:"dependencies,omitempty"`
	Result             map[string]any `json:"result,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// Mission is the unit of coordinated work. Missions are owned by the store;
// they are created once and then mutated only through TransitionMission or
// UpdateMission, never in place by callers.
type Mission struct {
	ID             string          `json:"mission_id"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Status         MissionStatus   `json:"status"`
	Priority       MissionPriority `json:"priority"`
	AssignedAgents []string        `json:"assigned_agents"`
	CreatedBy      string          `json:"created_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Deadline       *time.Time      `json:"deadline,omitempty"`
	Progress       float64         `json:"progress"`
	Checkpoints    []Checkpoint    `json:"checkpoints"`
	Context        map[string]any  `json:"context"`
	Result         map[string]any  `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// NewMission creates a pending mission with the given id stamped at the
// current UTC time.
func NewMission(id, title, description string, priority MissionPriority) *Mission {
	now := time.Now().UTC()
	return &Mission{
		ID:             id,
		Title:          title,
		Description:    description,
		Status:         StatusPending,
		Priority:       priority,
		AssignedAgents: []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
		Checkpoints:    []Checkpoint{},
		Context:        map[string]any{},
	}
}

// Validate checks the mission's required fields and enum values.
func (m *Mission) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("mission ID cannot be empty")
	}
	if m.Title == "" {
		return fmt.Errorf("mission title cannot be empty")
	}
	if err := m.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}
	if err := m.Priority.Validate(); err != nil {
		return fmt.Errorf("invalid priority: %w", err)
	}
	if m.Progress < 0 || m.Progress > 1 {
		return fmt.Errorf("progress out of range: %f", m.Progress)
	}
	return nil
}

// Clone returns a deep copy of the mission. The store hands out clones so
// callers can never mutate shared state in place.
func (m *Mission) Clone() *Mission {
	out := *m
	out.AssignedAgents = append([]string(nil), m.AssignedAgents...)
	out.Checkpoints = make([]Checkpoint, len(m.Checkpoints))
	for i, cp := range m.Checkpoints {
		out.Checkpoints[i] = cp
		out.Checkpoints[i].Dependencies = append([]string(nil), cp.Dependencies...)
		out.Checkpoints[i].Result = cloneMap(cp.Result)
	}
	out.Context = cloneMap(m.Context)
	out.Result = cloneMap(m.Result)
	if m.StartedAt != nil {
		t := *m.StartedAt
		out.StartedAt = &t
	}
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		out.CompletedAt = &t
	}
	if m.Deadline != nil {
		t := *m.Deadline
		out.Deadline = &t
	}
	return &out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// AgentState is the runtime liveness record for one agent. It is written on
// every heartbeat with a TTL, so stale records expire without explicit
// deletion.
type AgentState struct {
	AgentID        string         `json:"agent_id"`
	Status         string         `json:"status"`
	CurrentMission string         `json:"current_mission,omitempty"`
	Workload       float64        `json:"workload"`
	LastHeartbeat  time.Time      `json:"last_heartbeat"`
	Metrics        map[string]any `json:"metrics,omitempty"`
}

// Clone returns a deep copy of the agent state, same as Mission.Clone: the
// store hands out clones so callers can never mutate shared state in place.
func (a *AgentState) Clone() *AgentState {
	out := *a
	out.Metrics = cloneMap(a.Metrics)
	return &out
}

// AgentStatusIdle is the default status for a freshly heartbeaten agent.
const AgentStatusIdle = "idle"

// Stats is a point-in-time summary of the store's contents.
type Stats struct {
	Connected        bool
	Missions         int
	MissionsByStatus map[MissionStatus]int
	ActiveAgents     int
}
