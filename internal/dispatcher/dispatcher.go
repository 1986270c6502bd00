// Package dispatcher routes capability requests to the best live agent.
// Candidates are scored on capability match, availability, historical
// performance and current load. When no agent advertises the requested
// capability a configured fallback capability is tried, and when nobody is
// available at all the request waits in a pending queue until an agent
// appears or the request times out.
package dispatcher

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stationhq/station/internal/agent"
	"github.com/stationhq/station/internal/metrics"
	"github.com/stationhq/station/pkg/eventbus"
	"github.com/stationhq/station/pkg/statestore"
)

const (
	// DefaultRequestTimeout is how long a pending request may wait for an
	// agent before it expires.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultPendingRetry is the period between routing retries for queued
	// requests.
	DefaultPendingRetry = 5 * time.Second

	// DefaultMaxRetries is how many timeout windows a pending request gets
	// after its first, so total patience is timeout * (max retries + 1).
	DefaultMaxRetries = 3

	// historySize bounds the routing history ring.
	historySize = 1000

	// defaultPerformance is the score assumed for an agent with no recorded
	// responses yet.
	defaultPerformance = 0.8
)

// Scoring weights. They sum to 1 so scores stay in [0, 1].
const (
	weightCapability   = 0.4
	weightAvailability = 0.3
	weightPerformance  = 0.2
	weightLoad         = 0.1
)

// fallbackCapabilities maps a capability nobody advertises to a weaker one
// that can still serve the request.
var fallbackCapabilities = map[agent.Capability]agent.Capability{
	agent.CapCodeGeneration: agent.CapConversation,
	agent.CapCodeReview:     agent.CapConversation,
	agent.CapLegalAnalysis:  agent.CapDocumentProcessing,
	agent.CapLegalResearch:  agent.CapWebSearch,
	agent.CapContractReview: agent.CapDocumentProcessing,
	agent.CapDeepResearch:   agent.CapWebSearch,
	agent.CapSummarization:  agent.CapConversation,
}

// Request describes one unit of work to route.
type Request struct {
	Capability agent.Capability
	Payload    map[string]any
	Priority   eventbus.Priority
	Preferred  string   // agent id to favor when it is a candidate
	Excluded   []string // agent ids that must not receive the request
	Timeout    time.Duration
}

// Result is the outcome of a routing attempt.
type Result struct {
	RequestID    string
	Success      bool
	AgentID      string
	Capability   agent.Capability // capability actually served, after fallback
	FallbackUsed bool
	Reason       string
	RoutedAt     time.Time
	Duration     time.Duration
}

// pendingRequest is a request waiting for a routable agent. Each time the
// timeout window lapses without a route the window restarts and retries is
// bumped, until the retry budget is spent.
type pendingRequest struct {
	id        string
	req       Request
	createdAt time.Time
	expiresAt time.Time
	retries   int
}

// perfRecord tracks an agent's observed response quality.
type perfRecord struct {
	responses int64
	successes int64
}

func (p *perfRecord) rate() float64 {
	if p.responses == 0 {
		return defaultPerformance
	}
	return float64(p.successes) / float64(p.responses)
}

// Dispatcher routes capability requests for one Station instance. Create
// with New, wire handlers with Register, then drive the pending queue with
// Run.
type Dispatcher struct {
	store    *statestore.Store
	bus      *eventbus.Bus
	registry *agent.Registry
	met      *metrics.Metrics

	requestTimeout time.Duration
	pendingRetry   time.Duration
	maxRetries     int

	mu      sync.Mutex
	pending []*pendingRequest
	perf    map[string]*perfRecord
	history []*Result // ring, newest last
}

// Options tunes a Dispatcher. Zero values take the defaults above.
type Options struct {
	RequestTimeout time.Duration
	PendingRetry   time.Duration
	MaxRetries     int
}

// New creates a dispatcher over the given store, bus and agent registry.
func New(store *statestore.Store, bus *eventbus.Bus, registry *agent.Registry, met *metrics.Metrics, opts Options) *Dispatcher {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.PendingRetry <= 0 {
		opts.PendingRetry = DefaultPendingRetry
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	return &Dispatcher{
		store:          store,
		bus:            bus,
		registry:       registry,
		met:            met,
		requestTimeout: opts.RequestTimeout,
		pendingRetry:   opts.PendingRetry,
		maxRetries:     opts.MaxRetries,
		perf:           make(map[string]*perfRecord),
	}
}

// Register subscribes the dispatcher to agent responses so performance
// scores stay current.
func (d *Dispatcher) Register() {
	d.bus.Subscribe(eventbus.EventAgentResponse, d.onAgentResponse)
}

// RouteRequest routes one request. When no agent is available the request is
// queued and the returned result has Success false with the request id the
// eventual dispatch will carry.
func (d *Dispatcher) RouteRequest(ctx context.Context, req Request) (*Result, error) {
	if err := req.Capability.Validate(); err != nil {
		return nil, fmt.Errorf("cannot route: %w", err)
	}
	if req.Timeout <= 0 {
		req.Timeout = d.requestTimeout
	}

	requestID := uuid.New().String()[:12]
	start := time.Now()

	result, err := d.tryRoute(ctx, requestID, req, start)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	// nobody can take it right now, park it
	now := time.Now().UTC()
	d.mu.Lock()
	d.pending = append(d.pending, &pendingRequest{
		id:        requestID,
		req:       req,
		createdAt: now,
		expiresAt: now.Add(req.Timeout),
	})
	d.met.PendingRequests.Set(float64(len(d.pending)))
	d.mu.Unlock()

	d.met.RecordRouting(req.Capability.String(), "queued", time.Since(start).Seconds())
	log.Printf("[Dispatcher] Request %s (%s) queued, no agent available", requestID, req.Capability)

	return &Result{
		RequestID:  requestID,
		Success:    false,
		Capability: req.Capability,
		Reason:     "no agent available, request queued",
		RoutedAt:   now,
		Duration:   time.Since(start),
	}, nil
}

// tryRoute attempts an immediate dispatch. A nil result with nil error means
// no candidate was available.
func (d *Dispatcher) tryRoute(ctx context.Context, requestID string, req Request, start time.Time) (*Result, error) {
	exclude := make(map[string]bool, len(req.Excluded))
	for _, id := range req.Excluded {
		exclude[id] = true
	}

	states, err := d.liveStates(ctx)
	if err != nil {
		return nil, err
	}

	capability := req.Capability
	fallbackUsed := false
	candidates := d.candidates(capability, exclude, states)
	if len(candidates) == 0 {
		if fb, ok := fallbackCapabilities[capability]; ok {
			if cs := d.candidates(fb, exclude, states); len(cs) > 0 {
				capability = fb
				fallbackUsed = true
				candidates = cs
			}
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	chosen := d.choose(req, candidates, states, fallbackUsed)

	ev := eventbus.NewEvent(eventbus.EventAgentRequest, "dispatcher", map[string]any{
		"request_id":   requestID,
		"target_agent": chosen,
		"capability":   capability.String(),
		"requested":    req.Capability.String(),
		"payload":      req.Payload,
	})
	ev.CorrelationID = requestID
	ev.Priority = req.Priority
	if _, err := d.bus.Publish(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to publish request %s: %w", requestID, err)
	}

	result := &Result{
		RequestID:    requestID,
		Success:      true,
		AgentID:      chosen,
		Capability:   capability,
		FallbackUsed: fallbackUsed,
		RoutedAt:     time.Now().UTC(),
		Duration:     time.Since(start),
	}
	d.recordHistory(result)

	d.met.RecordRouting(req.Capability.String(), "routed", result.Duration.Seconds())
	if fallbackUsed {
		d.met.FallbacksUsed.WithLabelValues(req.Capability.String(), capability.String()).Inc()
		log.Printf("[Dispatcher] Request %s: %s -> %s via fallback %s", requestID, req.Capability, chosen, capability)
	} else {
		log.Printf("[Dispatcher] Request %s: %s -> %s", requestID, req.Capability, chosen)
	}
	return result, nil
}

// liveStates returns the liveness record of every agent with a current
// heartbeat, keyed by id.
func (d *Dispatcher) liveStates(ctx context.Context) (map[string]*statestore.AgentState, error) {
	live, err := d.store.GetActiveAgents(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list live agents: %w", err)
	}
	states := make(map[string]*statestore.AgentState, len(live))
	for _, st := range live {
		states[st.AgentID] = st
	}
	return states, nil
}

// candidates returns the live registered agents advertising the capability,
// in registration order.
func (d *Dispatcher) candidates(cap agent.Capability, exclude map[string]bool, states map[string]*statestore.AgentState) []*agent.Descriptor {
	out := make([]*agent.Descriptor, 0)
	for _, desc := range d.registry.FindByCapability(cap, exclude) {
		if _, alive := states[desc.ID]; alive {
			out = append(out, desc)
		}
	}
	return out
}

// choose picks the preferred agent when eligible, otherwise the highest
// scoring candidate. Ties resolve in registration order.
func (d *Dispatcher) choose(req Request, candidates []*agent.Descriptor, states map[string]*statestore.AgentState, fallbackUsed bool) string {
	if req.Preferred != "" {
		for _, c := range candidates {
			if c.ID == req.Preferred {
				return c.ID
			}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	best := candidates[0].ID
	bestScore := -1.0
	for _, c := range candidates {
		score := d.scoreLocked(c.ID, states[c.ID], fallbackUsed)
		if score > bestScore {
			best = c.ID
			bestScore = score
		}
	}
	return best
}

// scoreLocked computes the routing score for one candidate. Callers hold
// d.mu for the performance table.
func (d *Dispatcher) scoreLocked(agentID string, state *statestore.AgentState, fallbackUsed bool) float64 {
	capScore := 1.0
	if fallbackUsed {
		capScore = 0.5
	}

	// Candidates are already filtered to agents with a live heartbeat, so
	// availability is binary and every survivor scores full marks. Busyness
	// is already priced in through the load term.
	availability := 1.0

	performance := defaultPerformance
	if p, ok := d.perf[agentID]; ok {
		performance = p.rate()
	}

	load := 1.0 - state.Workload
	if load < 0 {
		load = 0
	}

	return weightCapability*capScore +
		weightAvailability*availability +
		weightPerformance*performance +
		weightLoad*load
}

func (d *Dispatcher) onAgentResponse(ctx context.Context, ev *eventbus.Event) error {
	agentID, _ := ev.Payload["agent_id"].(string)
	if agentID == "" {
		return nil
	}
	success, _ := ev.Payload["success"].(bool)

	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.perf[agentID]
	if !ok {
		p = &perfRecord{}
		d.perf[agentID] = p
	}
	p.responses++
	if success {
		p.successes++
	}
	return nil
}

// PerformanceRate returns an agent's observed success rate, or the default
// when nothing has been recorded.
func (d *Dispatcher) PerformanceRate(agentID string) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.perf[agentID]; ok {
		return p.rate()
	}
	return defaultPerformance
}

// PendingCount returns the number of requests waiting for an agent.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// History returns the most recent routing results, newest last.
func (d *Dispatcher) History() []*Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Result(nil), d.history...)
}

func (d *Dispatcher) recordHistory(r *Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, r)
	if len(d.history) > historySize {
		d.history = d.history[len(d.history)-historySize:]
	}
}

// Run drives the pending queue until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	log.Printf("[Dispatcher] Pending loop started, retry every %s", d.pendingRetry)
	ticker := time.NewTicker(d.pendingRetry)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Dispatcher] Pending loop stopped")
			return
		case <-ticker.C:
			d.RetryPending(ctx)
		}
	}
}

// RetryPending re-attempts every queued request, expiring the ones that have
// spent their retry budget. Exposed so tests and the hub can drive passes
// without the ticker.
func (d *Dispatcher) RetryPending(ctx context.Context) {
	d.mu.Lock()
	queue := d.pending
	d.pending = nil
	d.mu.Unlock()

	now := time.Now().UTC()
	var still []*pendingRequest
	for _, p := range queue {
		if now.After(p.expiresAt) {
			if p.retries >= d.maxRetries {
				d.expire(ctx, p)
				continue
			}
			// restart the timeout window and spend one retry
			p.retries++
			p.expiresAt = now.Add(p.req.Timeout)
			log.Printf("[Dispatcher] Request %s retry %d/%d", p.id, p.retries, d.maxRetries)
		}
		result, err := d.tryRoute(ctx, p.id, p.req, now)
		if err != nil {
			log.Printf("[Dispatcher] Retry of request %s failed: %v", p.id, err)
		}
		if result == nil {
			still = append(still, p)
		}
	}

	d.mu.Lock()
	d.pending = append(still, d.pending...)
	d.met.PendingRequests.Set(float64(len(d.pending)))
	d.mu.Unlock()
}

func (d *Dispatcher) expire(ctx context.Context, p *pendingRequest) {
	waited := time.Since(p.createdAt)
	log.Printf("[Dispatcher] Request %s (%s) expired after %s", p.id, p.req.Capability, waited.Round(time.Millisecond))

	d.recordHistory(&Result{
		RequestID:  p.id,
		Success:    false,
		Capability: p.req.Capability,
		Reason:     "request timed out waiting for an agent",
		RoutedAt:   time.Now().UTC(),
		Duration:   waited,
	})
	d.met.RecordRouting(p.req.Capability.String(), "expired", waited.Seconds())

	d.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventSystemAlert, "dispatcher", map[string]any{
		"alert":      "request_expired",
		"request_id": p.id,
		"capability": p.req.Capability.String(),
	}))
}
