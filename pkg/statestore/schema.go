package statestore

import "fmt"

// Redis key pattern helpers
//
// All keys are namespaced by instance name so multiple Station instances can
// coexist on one Redis server.
//
// Key pattern: station:{instance_name}:{entity}:{id}

// MissionKey returns the Redis key for a mission hash.
// Pattern: station:{instance_name}:mission:{mission_id}
func MissionKey(instanceName, missionID string) string {
	return fmt.Sprintf("station:%s:mission:%s", instanceName, missionID)
}

// MissionIndexKey returns the Redis key of the set holding all mission ids.
// Pattern: station:{instance_name}:missions
func MissionIndexKey(instanceName string) string {
	return fmt.Sprintf("station:%s:missions", instanceName)
}

// AgentStateKey returns the Redis key for an agent liveness record.
// The key carries a TTL so stale agents expire automatically.
// Pattern: station:{instance_name}:agent:{agent_id}
func AgentStateKey(instanceName, agentID string) string {
	return fmt.Sprintf("station:%s:agent:%s", instanceName, agentID)
}

// AgentStateKeyPattern returns the SCAN pattern matching all agent records.
func AgentStateKeyPattern(instanceName string) string {
	return fmt.Sprintf("station:%s:agent:*", instanceName)
}

// LockKey returns the Redis key for a named distributed lock.
// Pattern: station:{instance_name}:lock:{name}
func LockKey(instanceName, lockName string) string {
	return fmt.Sprintf("station:%s:lock:%s", instanceName, lockName)
}

// CounterKey returns the Redis key for a named counter.
// Pattern: station:{instance_name}:counter:{name}
func CounterKey(instanceName, counterName string) string {
	return fmt.Sprintf("station:%s:counter:%s", instanceName, counterName)
}

// ValueKey returns the Redis key for a generic key/value entry.
// Pattern: station:{instance_name}:kv:{key}
func ValueKey(instanceName, key string) string {
	return fmt.Sprintf("station:%s:kv:%s", instanceName, key)
}

// missionLockName is the per-mission lock serializing read-modify-write
// updates to one mission record.
func missionLockName(missionID string) string {
	return fmt.Sprintf("mission:%s", missionID)
}
