// Package statestore provides the shared, cross-process state of a Station
// instance: mission records with an enforced state machine, agent liveness
// records with TTL expiry, TTL-bound distributed locks, counters, and a small
// generic key/value area.
//
// State lives in Redis so that every Station process sees the same records.
// Mission field updates are read-modify-write and are serialized per mission
// id through the store's own lock primitive, so concurrent writers cannot
// lose updates. Agent records carry a TTL and a heartbeat timestamp; a stale
// agent drops out of active-agent queries without explicit deletion.
//
// When Redis is unreachable the store degrades to a process-local in-memory
// map with the identical API but no cross-process guarantees. Connected()
// reports which mode is active.
package statestore
