package statestore

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultHeartbeatTTL is how long an agent record survives without a
	// fresh heartbeat before Redis expires it.
	DefaultHeartbeatTTL = 300 * time.Second

	// DefaultLockTTL bounds how long a crashed lock holder can block others.
	DefaultLockTTL = 30 * time.Second

	// missionUpdateLockTTL bounds one read-modify-write of a mission record.
	missionUpdateLockTTL = 5 * time.Second
)

// Store is the shared state of a Station instance: missions, agent liveness,
// locks, counters, and key/values, all namespaced by instance name.
//
// Construct with NewStore, then call Connect. If Connect fails the store
// still works in a process-local fallback mode.
type Store struct {
	rdb          *redis.Client
	instanceName string
	heartbeatTTL time.Duration
	connected    bool
	local        *localState
}

// NewStore creates a store for the given instance backed by the given Redis
// client. The client may be nil, in which case the store runs permanently in
// fallback mode.
func NewStore(rdb *redis.Client, instanceName string) (*Store, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	return &Store{
		rdb:          rdb,
		instanceName: instanceName,
		heartbeatTTL: DefaultHeartbeatTTL,
		local:        newLocalState(),
	}, nil
}

// SetHeartbeatTTL overrides the agent record TTL. Zero or negative values
// restore the default.
func (s *Store) SetHeartbeatTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultHeartbeatTTL
	}
	s.heartbeatTTL = ttl
}

// Connect verifies Redis is reachable. On failure the store stays in
// fallback mode and the error is returned so the caller can log it.
func (s *Store) Connect(ctx context.Context) error {
	if s.rdb == nil {
		return fmt.Errorf("no redis client configured, using in-memory fallback")
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	s.connected = true
	logStore("Connected, instance %s", s.instanceName)
	return nil
}

// Connected reports whether the store is backed by Redis. When false all
// operations hit the in-memory fallback.
func (s *Store) Connected() bool {
	return s.connected
}

// CreateMission persists a new mission. The mission must validate and its id
// must not already exist.
func (s *Store) CreateMission(ctx context.Context, m *Mission) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid mission: %w", err)
	}

	if !s.connected {
		if _, ok := s.local.getMission(m.ID); ok {
			return fmt.Errorf("mission %s already exists", m.ID)
		}
		s.local.putMission(m)
		return nil
	}

	added, err := s.rdb.SAdd(ctx, MissionIndexKey(s.instanceName), m.ID).Result()
	if err != nil {
		return fmt.Errorf("failed to index mission %s: %w", m.ID, err)
	}
	if added == 0 {
		return fmt.Errorf("mission %s already exists", m.ID)
	}
	if err := s.writeMission(ctx, m); err != nil {
		return err
	}
	logStore("Created mission %s (%s)", m.ID, m.Priority)
	return nil
}

// GetMission loads a mission by id. Returns ErrNotFound (wrapped) when it
// does not exist.
func (s *Store) GetMission(ctx context.Context, missionID string) (*Mission, error) {
	if !s.connected {
		m, ok := s.local.getMission(missionID)
		if !ok {
			return nil, fmt.Errorf("mission %s: %w", missionID, ErrNotFound)
		}
		return m, nil
	}

	hash, err := s.rdb.HGetAll(ctx, MissionKey(s.instanceName, missionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read mission %s: %w", missionID, err)
	}
	if len(hash) == 0 {
		return nil, fmt.Errorf("mission %s: %w", missionID, ErrNotFound)
	}
	return HashToMission(hash)
}

// UpdateMission applies fn to the current mission record and persists the
// result. The read-modify-write is serialized per mission id through the
// store's lock primitive, so concurrent updaters cannot lose writes. fn
// receives a private clone; returning an error aborts without persisting.
//
// fn must not change the mission's Status; use TransitionMission for that.
func (s *Store) UpdateMission(ctx context.Context, missionID string, fn func(*Mission) error) (*Mission, error) {
	var updated *Mission
	err := s.WithLock(ctx, missionLockName(missionID), missionUpdateLockTTL, func() error {
		m, err := s.GetMission(ctx, missionID)
		if err != nil {
			return err
		}
		before := m.Status
		if err := fn(m); err != nil {
			return err
		}
		if m.Status != before {
			return fmt.Errorf("update must not change status (%s -> %s): %w", before, m.Status, ErrInvalidTransition)
		}
		m.UpdatedAt = time.Now().UTC()
		if err := m.Validate(); err != nil {
			return fmt.Errorf("invalid mission after update: %w", err)
		}
		if err := s.persistMission(ctx, m); err != nil {
			return err
		}
		updated = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// TransitionMission moves a mission to a new status, enforcing the state
// machine. Invalid transitions return ErrInvalidTransition and leave the
// record untouched. Timestamps are maintained here: UpdatedAt on every
// transition, StartedAt on the first entry into in_progress, CompletedAt on
// completion or failure.
func (s *Store) TransitionMission(ctx context.Context, missionID string, to MissionStatus, reason string) (*Mission, error) {
	if err := to.Validate(); err != nil {
		return nil, err
	}
	var updated *Mission
	err := s.WithLock(ctx, missionLockName(missionID), missionUpdateLockTTL, func() error {
		m, err := s.GetMission(ctx, missionID)
		if err != nil {
			return err
		}
		if !CanTransition(m.Status, to) {
			return fmt.Errorf("%s -> %s: %w", m.Status, to, ErrInvalidTransition)
		}
		now := time.Now().UTC()
		from := m.Status
		m.Status = to
		m.UpdatedAt = now
		if to == StatusInProgress && m.StartedAt == nil {
			m.StartedAt = &now
		}
		switch to {
		case StatusCompleted, StatusFailed:
			m.CompletedAt = &now
		case StatusPending:
			// retry after failure resets completion state
			m.CompletedAt = nil
			m.Error = ""
		}
		if to == StatusFailed && reason != "" {
			m.Error = reason
		}
		if err := s.persistMission(ctx, m); err != nil {
			return err
		}
		updated = m
		logStore("Mission %s: %s -> %s", missionID, from, to)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteMission removes a mission record and its index entry. Deleting an
// unknown mission returns ErrNotFound.
func (s *Store) DeleteMission(ctx context.Context, missionID string) error {
	if !s.connected {
		if !s.local.deleteMission(missionID) {
			return fmt.Errorf("mission %s: %w", missionID, ErrNotFound)
		}
		return nil
	}

	removed, err := s.rdb.SRem(ctx, MissionIndexKey(s.instanceName), missionID).Result()
	if err != nil {
		return fmt.Errorf("failed to unindex mission %s: %w", missionID, err)
	}
	if removed == 0 {
		return fmt.Errorf("mission %s: %w", missionID, ErrNotFound)
	}
	if err := s.rdb.Del(ctx, MissionKey(s.instanceName, missionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete mission %s: %w", missionID, err)
	}
	return nil
}

// ListMissions returns every mission in the instance, in no particular
// order.
func (s *Store) ListMissions(ctx context.Context) ([]*Mission, error) {
	if !s.connected {
		return s.local.listMissions(), nil
	}

	ids, err := s.rdb.SMembers(ctx, MissionIndexKey(s.instanceName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list missions: %w", err)
	}
	out := make([]*Mission, 0, len(ids))
	for _, id := range ids {
		m, err := s.GetMission(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// MissionsByStatus returns all missions currently in the given status.
func (s *Store) MissionsByStatus(ctx context.Context, status MissionStatus) ([]*Mission, error) {
	if err := status.Validate(); err != nil {
		return nil, err
	}
	all, err := s.ListMissions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Mission, 0)
	for _, m := range all {
		if m.Status == status {
			out = append(out, m)
		}
	}
	return out, nil
}

// AgentMissions returns all missions the given agent is assigned to.
func (s *Store) AgentMissions(ctx context.Context, agentID string) ([]*Mission, error) {
	all, err := s.ListMissions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Mission, 0)
	for _, m := range all {
		for _, a := range m.AssignedAgents {
			if a == agentID {
				out = append(out, m)
				break
			}
		}
	}
	return out, nil
}

// Heartbeat records that an agent is alive, refreshing its record's TTL. A
// nil state writes a minimal idle record stamped now.
func (s *Store) Heartbeat(ctx context.Context, agentID string, state *AgentState) error {
	if agentID == "" {
		return fmt.Errorf("agent ID cannot be empty")
	}
	if state == nil {
		state = &AgentState{AgentID: agentID, Status: AgentStatusIdle}
	}
	state.AgentID = agentID
	if state.LastHeartbeat.IsZero() {
		state.LastHeartbeat = time.Now().UTC()
	}

	if !s.connected {
		s.local.putAgent(state, s.heartbeatTTL)
		return nil
	}

	data, err := AgentStateToJSON(state)
	if err != nil {
		return err
	}
	key := AgentStateKey(s.instanceName, agentID)
	if err := s.rdb.Set(ctx, key, data, s.heartbeatTTL).Err(); err != nil {
		return fmt.Errorf("failed to write heartbeat for %s: %w", agentID, err)
	}
	return nil
}

// GetAgentState loads one agent's liveness record. Returns ErrNotFound when
// the agent has never heartbeaten or its record has expired.
func (s *Store) GetAgentState(ctx context.Context, agentID string) (*AgentState, error) {
	if !s.connected {
		state, ok := s.local.getAgent(agentID)
		if !ok {
			return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
		}
		return state, nil
	}

	data, err := s.rdb.Get(ctx, AgentStateKey(s.instanceName, agentID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read agent %s: %w", agentID, err)
	}
	return JSONToAgentState(data)
}

// GetActiveAgents returns the agents whose last heartbeat falls inside the
// given window. A zero window accepts any unexpired record.
func (s *Store) GetActiveAgents(ctx context.Context, window time.Duration) ([]*AgentState, error) {
	var states []*AgentState

	if !s.connected {
		states = s.local.listAgents()
	} else {
		var cursor uint64
		for {
			keys, next, err := s.rdb.Scan(ctx, cursor, AgentStateKeyPattern(s.instanceName), 100).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to scan agents: %w", err)
			}
			for _, key := range keys {
				data, err := s.rdb.Get(ctx, key).Result()
				if err == redis.Nil {
					continue // expired between SCAN and GET
				}
				if err != nil {
					return nil, fmt.Errorf("failed to read agent key %s: %w", key, err)
				}
				state, err := JSONToAgentState(data)
				if err != nil {
					logStore("Skipping corrupt agent record %s: %v", key, err)
					continue
				}
				states = append(states, state)
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}

	if window <= 0 {
		return states, nil
	}
	cutoff := time.Now().UTC().Add(-window)
	out := make([]*AgentState, 0, len(states))
	for _, st := range states {
		if !st.LastHeartbeat.Before(cutoff) {
			out = append(out, st)
		}
	}
	return out, nil
}

// Increment atomically adds delta to a named counter and returns the new
// value.
func (s *Store) Increment(ctx context.Context, name string, delta int64) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("counter name cannot be empty")
	}
	if !s.connected {
		return s.local.increment(name, delta), nil
	}
	v, err := s.rdb.IncrBy(ctx, CounterKey(s.instanceName, name), delta).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter %s: %w", name, err)
	}
	return v, nil
}

// Counter reads a named counter. An unknown counter reads as zero.
func (s *Store) Counter(ctx context.Context, name string) (int64, error) {
	if !s.connected {
		return s.local.counter(name), nil
	}
	v, err := s.rdb.Get(ctx, CounterKey(s.instanceName, name)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter %s: %w", name, err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt counter %s: %w", name, err)
	}
	return n, nil
}

// SetValue stores an arbitrary string under a namespaced key.
func (s *Store) SetValue(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if !s.connected {
		s.local.setValue(key, value)
		return nil
	}
	if err := s.rdb.Set(ctx, ValueKey(s.instanceName, key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set value %s: %w", key, err)
	}
	return nil
}

// GetValue reads a string previously written with SetValue. Returns
// ErrNotFound for unknown keys.
func (s *Store) GetValue(ctx context.Context, key string) (string, error) {
	if !s.connected {
		v, ok := s.local.getValue(key)
		if !ok {
			return "", fmt.Errorf("value %s: %w", key, ErrNotFound)
		}
		return v, nil
	}
	v, err := s.rdb.Get(ctx, ValueKey(s.instanceName, key)).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("value %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read value %s: %w", key, err)
	}
	return v, nil
}

// Stats summarizes the store's current contents.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	missions, err := s.ListMissions(ctx)
	if err != nil {
		return nil, err
	}
	agents, err := s.GetActiveAgents(ctx, 0)
	if err != nil {
		return nil, err
	}
	byStatus := make(map[MissionStatus]int)
	for _, m := range missions {
		byStatus[m.Status]++
	}
	return &Stats{
		Connected:        s.connected,
		Missions:         len(missions),
		MissionsByStatus: byStatus,
		ActiveAgents:     len(agents),
	}, nil
}

// writeMission persists a mission hash without touching the index.
func (s *Store) writeMission(ctx context.Context, m *Mission) error {
	hash, err := MissionToHash(m)
	if err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, MissionKey(s.instanceName, m.ID), hash).Err(); err != nil {
		return fmt.Errorf("failed to write mission %s: %w", m.ID, err)
	}
	return nil
}

// persistMission routes a mutated mission to the active backend.
func (s *Store) persistMission(ctx context.Context, m *Mission) error {
	if !s.connected {
		s.local.putMission(m)
		return nil
	}
	return s.writeMission(ctx, m)
}

func logStore(format string, args ...interface{}) {
	log.Printf("[StateStore] "+format, args...)
}
