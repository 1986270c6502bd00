package statestore

import (
	"sync"
	"time"
)

// localState is the in-memory fallback used when Redis is unreachable. It
// mirrors the Redis-backed behaviour, including TTL expiry of agent records
// and locks, but offers no cross-process visibility.
type localState struct {
	mu       sync.Mutex
	missions map[string]*Mission
	agents   map[string]localAgent
	locks    map[string]localLock
	counters map[string]int64
	values   map[string]string
}

type localAgent struct {
	state     *AgentState
	expiresAt time.Time
}

type localLock struct {
	token     string
	expiresAt time.Time
}

func newLocalState() *localState {
	return &localState{
		missions: make(map[string]*Mission),
		agents:   make(map[string]localAgent),
		locks:    make(map[string]localLock),
		counters: make(map[string]int64),
		values:   make(map[string]string),
	}
}

func (l *localState) putMission(m *Mission) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.missions[m.ID] = m.Clone()
}

func (l *localState) getMission(id string) (*Mission, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.missions[id]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

func (l *localState) deleteMission(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.missions[id]
	delete(l.missions, id)
	return ok
}

func (l *localState) listMissions() []*Mission {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Mission, 0, len(l.missions))
	for _, m := range l.missions {
		out = append(out, m.Clone())
	}
	return out
}

func (l *localState) putAgent(state *AgentState, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.agents[state.AgentID] = localAgent{state: state.Clone(), expiresAt: time.Now().Add(ttl)}
}

func (l *localState) getAgent(agentID string) (*AgentState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.agents[agentID]
	if !ok || time.Now().After(a.expiresAt) {
		delete(l.agents, agentID)
		return nil, false
	}
	return a.state.Clone(), true
}

func (l *localState) listAgents() []*AgentState {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	out := make([]*AgentState, 0, len(l.agents))
	for id, a := range l.agents {
		if now.After(a.expiresAt) {
			delete(l.agents, id)
			continue
		}
		out = append(out, a.state.Clone())
	}
	return out
}

func (l *localState) acquireLock(name, token string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lk, ok := l.locks[name]; ok && time.Now().Before(lk.expiresAt) {
		return false
	}
	l.locks[name] = localLock{token: token, expiresAt: time.Now().Add(ttl)}
	return true
}

func (l *localState) releaseLock(name, token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[name]
	if !ok || lk.token != token || time.Now().After(lk.expiresAt) {
		return false
	}
	delete(l.locks, name)
	return true
}

func (l *localState) increment(name string, delta int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters[name] += delta
	return l.counters[name]
}

func (l *localState) counter(name string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counters[name]
}

func (l *localState) setValue(key, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.values[key] = value
}

func (l *localState) getValue(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.values[key]
	return v, ok
}
