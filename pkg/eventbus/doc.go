// Package eventbus provides the durable publish/subscribe channel that carries
// every coordination signal in a Station instance.
//
// Events are appended to a bounded Redis Stream and consumed through a named
// consumer group, so each entry is delivered to exactly one consumer in the
// group and can be replayed after a crash. Handlers are registered for an exact
// event type or a single-wildcard pattern such as "mission.*"; entries whose
// processing fails at the dispatch level are moved to a dead-letter stream
// annotated with the failure cause.
//
// When Redis is unreachable the bus degrades to best-effort, in-process-only
// delivery: Publish invokes matching local handlers synchronously with no
// persistence and no dead-letter queue. This mode is observable through
// Connected() because it weakens the delivery guarantees.
//
// All stream and key names are namespaced by instance name so that multiple
// Station instances can safely share one Redis server.
package eventbus
