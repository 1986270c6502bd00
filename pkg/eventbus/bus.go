package eventbus

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Handler processes a single event. Handler errors are logged and isolated:
// a failing handler never blocks delivery to the remaining handlers.
type Handler func(ctx context.Context, event *Event) error

// Observer receives bus instrumentation callbacks. Methods may be called
// concurrently; implementations must tolerate that. A nil observer disables
// instrumentation.
type Observer interface {
	EventPublished(eventType string)
	EventConsumed(eventType string)
	EventDeadLettered()
	HandlerError(eventType string)
}

// DefaultMaxStreamLen bounds the primary event stream. Oldest entries are
// trimmed (approximately) once the stream exceeds this length.
const DefaultMaxStreamLen = 10000

// deadLetterMaxLen bounds the DLQ stream.
const deadLetterMaxLen = 1000

// consumeBatchSize is the XREADGROUP count per iteration.
const consumeBatchSize = 10

type handlerEntry struct {
	id int64
	fn Handler
}

// Bus is the event bus for one Station instance. It is safe for concurrent
// use from multiple goroutines.
//
// A connected bus persists events to a bounded Redis Stream and delivers them
// through a consumer group from Run. A disconnected bus dispatches events
// synchronously to local handlers only; Connected reports which mode is
// active so callers are never left to mistake the weaker guarantee for the
// durable one.
type Bus struct {
	rdb          *redis.Client
	instanceName string
	consumerName string
	maxStreamLen int64

	mu        sync.RWMutex
	connected bool
	obs       Observer
	nextID    int64
	exact     map[string][]handlerEntry
	patterns  map[string][]handlerEntry
}

// NewBus creates a bus for the given instance. The bus starts disconnected;
// call Connect to attach it to Redis.
func NewBus(redisOpts *redis.Options, instanceName string) (*Bus, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Bus{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
		consumerName: fmt.Sprintf("consumer-%s", uuid.New().String()[:8]),
		maxStreamLen: DefaultMaxStreamLen,
		exact:        make(map[string][]handlerEntry),
		patterns:     make(map[string][]handlerEntry),
	}, nil
}

// SetMaxStreamLen overrides the stream length bound. Must be called before
// the first Publish.
func (b *Bus) SetMaxStreamLen(n int64) {
	if n > 0 {
		b.maxStreamLen = n
	}
}

// SetObserver installs the instrumentation observer.
func (b *Bus) SetObserver(obs Observer) {
	b.mu.Lock()
	b.obs = obs
	b.mu.Unlock()
}

func (b *Bus) observer() Observer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.obs
}

// Connect verifies Redis connectivity and creates the consumer group. On
// failure the bus stays in local-only fallback mode; the error is returned so
// the caller can log the degraded guarantee.
func (b *Bus) Connect(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis not reachable: %w", err)
	}

	stream := EventStreamKey(b.instanceName)
	group := ConsumerGroup(b.instanceName)
	if err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil {
		if !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create consumer group: %w", err)
		}
	}

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()

	log.Printf("[EventBus] Connected, stream %s group %s consumer %s", stream, group, b.consumerName)
	return nil
}

// Close closes the Redis connection. Implements io.Closer.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	return b.rdb.Close()
}

// Connected reports whether the bus is backed by Redis. When false, delivery
// is best-effort and in-process only.
func (b *Bus) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// Publish appends an event to the stream and returns its position (the stream
// entry ID). Positions are monotonically non-decreasing within the stream.
//
// If the bus is disconnected, matching local handlers are invoked
// synchronously instead and the returned position is empty.
func (b *Bus) Publish(ctx context.Context, event *Event) (string, error) {
	if err := event.Validate(); err != nil {
		return "", fmt.Errorf("invalid event: %w", err)
	}

	if !b.Connected() {
		if obs := b.observer(); obs != nil {
			obs.EventPublished(event.TypeString())
		}
		b.dispatch(ctx, event)
		return "", nil
	}

	values, err := EventToStreamValues(event)
	if err != nil {
		return "", err
	}

	position, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: EventStreamKey(b.instanceName),
		MaxLen: b.maxStreamLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish event: %w", err)
	}

	if obs := b.observer(); obs != nil {
		obs.EventPublished(event.TypeString())
	}
	return position, nil
}

// Broadcast publishes multiple events and returns the count that succeeded.
// Failures are logged and skipped; a partial broadcast is not an error.
func (b *Bus) Broadcast(ctx context.Context, events []*Event) int {
	published := 0
	for _, event := range events {
		if _, err := b.Publish(ctx, event); err != nil {
			log.Printf("[EventBus] Broadcast: failed to publish %s: %v", event.ID, err)
			continue
		}
		published++
	}
	return published
}

// Subscription is a handle to a registered handler. Close removes the handler;
// it is safe to call multiple times.
type Subscription struct {
	cancel func()
	once   sync.Once
}

// Close removes the subscription's handler from the bus. Implements io.Closer.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Subscribe registers a handler for an exact event type. Exact-match handlers
// are invoked before pattern handlers, in registration order.
func (b *Bus) Subscribe(eventType EventType, handler Handler) *Subscription {
	return b.subscribe(b.exact, string(eventType), handler)
}

// SubscribePattern registers a handler for a single-wildcard pattern such as
// "mission.*" or "*.failed".
func (b *Bus) SubscribePattern(pattern string, handler Handler) *Subscription {
	return b.subscribe(b.patterns, pattern, handler)
}

func (b *Bus) subscribe(table map[string][]handlerEntry, key string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	table[key] = append(table[key], handlerEntry{id: id, fn: handler})

	return &Subscription{cancel: func() { b.unsubscribe(table, key, id) }}
}

func (b *Bus) unsubscribe(table map[string][]handlerEntry, key string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := table[key]
	for i, entry := range entries {
		if entry.id == id {
			table[key] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Run starts the consumer loop and blocks until the context is cancelled.
// Each stream entry is dispatched to every matching handler and acknowledged
// once dispatch finishes. Entries that cannot be decoded are moved to the
// dead-letter stream and acknowledged so consumption can proceed.
func (b *Bus) Run(ctx context.Context) error {
	stream := EventStreamKey(b.instanceName)
	group := ConsumerGroup(b.instanceName)

	log.Printf("[EventBus] Consumer loop started")

	for {
		select {
		case <-ctx.Done():
			log.Printf("[EventBus] Consumer loop stopped")
			return nil
		default:
		}

		if !b.Connected() {
			// Nothing to consume in fallback mode; publishes dispatch inline.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.consumerName,
			Streams:  []string{stream, ">"},
			Count:    consumeBatchSize,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("[EventBus] Consumer read error: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				b.consumeEntry(ctx, stream, group, msg)
			}
		}
	}
}

// consumeEntry decodes, dispatches and acknowledges one stream entry.
func (b *Bus) consumeEntry(ctx context.Context, stream, group string, msg redis.XMessage) {
	event, err := StreamValuesToEvent(msg.Values)
	if err != nil {
		log.Printf("[EventBus] Failed to decode entry %s: %v", msg.ID, err)
		b.moveToDeadLetter(ctx, msg, err)
		b.ack(ctx, stream, group, msg.ID)
		return
	}

	b.dispatch(ctx, event)
	b.ack(ctx, stream, group, msg.ID)
	if obs := b.observer(); obs != nil {
		obs.EventConsumed(event.TypeString())
	}
}

func (b *Bus) ack(ctx context.Context, stream, group, msgID string) {
	if err := b.rdb.XAck(ctx, stream, group, msgID).Err(); err != nil {
		log.Printf("[EventBus] Failed to ack entry %s: %v", msgID, err)
	}
}

// dispatch invokes every matching handler: exact matches first, then pattern
// matches, each in registration order. Handler invocations are isolated - an
// error or panic in one handler is logged and does not affect the others.
func (b *Bus) dispatch(ctx context.Context, event *Event) {
	typeString := event.TypeString()

	b.mu.RLock()
	handlers := make([]handlerEntry, 0, len(b.exact[typeString]))
	handlers = append(handlers, b.exact[typeString]...)
	for pattern, entries := range b.patterns {
		if MatchPattern(pattern, typeString) {
			handlers = append(handlers, entries...)
		}
	}
	b.mu.RUnlock()

	for _, entry := range handlers {
		b.invoke(ctx, entry.fn, event)
	}
}

func (b *Bus) invoke(ctx context.Context, handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[EventBus] Handler panic for %s: %v", event.TypeString(), r)
			if obs := b.observer(); obs != nil {
				obs.HandlerError(event.TypeString())
			}
		}
	}()

	if err := handler(ctx, event); err != nil {
		log.Printf("[EventBus] Handler error for %s: %v", event.TypeString(), err)
		if obs := b.observer(); obs != nil {
			obs.HandlerError(event.TypeString())
		}
	}
}

// moveToDeadLetter appends a failed entry to the DLQ stream, annotated with
// the original position, the error, and the failure timestamp.
func (b *Bus) moveToDeadLetter(ctx context.Context, msg redis.XMessage, cause error) {
	values := make(map[string]interface{}, len(msg.Values)+3)
	for k, v := range msg.Values {
		values[k] = v
	}
	values["original_id"] = msg.ID
	values["error"] = cause.Error()
	values["dlq_timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)

	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterStreamKey(b.instanceName),
		MaxLen: deadLetterMaxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		log.Printf("[EventBus] Failed to move entry %s to DLQ: %v", msg.ID, err)
		return
	}
	if obs := b.observer(); obs != nil {
		obs.EventDeadLettered()
	}
}

// PendingCount returns the number of delivered-but-unacknowledged entries in
// the consumer group. Returns 0 in fallback mode.
func (b *Bus) PendingCount(ctx context.Context) (int64, error) {
	if !b.Connected() {
		return 0, nil
	}

	info, err := b.rdb.XPending(ctx, EventStreamKey(b.instanceName), ConsumerGroup(b.instanceName)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read pending count: %w", err)
	}
	return info.Count, nil
}

// StreamLength returns the current length of the primary event stream.
// Returns 0 in fallback mode.
func (b *Bus) StreamLength(ctx context.Context) (int64, error) {
	if !b.Connected() {
		return 0, nil
	}

	n, err := b.rdb.XLen(ctx, EventStreamKey(b.instanceName)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read stream length: %w", err)
	}
	return n, nil
}

// DeadLetterLength returns the current length of the dead-letter stream.
// Returns 0 in fallback mode.
func (b *Bus) DeadLetterLength(ctx context.Context) (int64, error) {
	if !b.Connected() {
		return 0, nil
	}

	n, err := b.rdb.XLen(ctx, DeadLetterStreamKey(b.instanceName)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read DLQ length: %w", err)
	}
	return n, nil
}
