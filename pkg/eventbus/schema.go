package eventbus

import "fmt"

// Redis key pattern helpers
//
// All stream names are namespaced by instance name so multiple Station
// instances can coexist on one Redis server.
//
// Stream pattern: station:{instance_name}:events

// EventStreamKey returns the primary event stream key.
// Pattern: station:{instance_name}:events
func EventStreamKey(instanceName string) string {
	return fmt.Sprintf("station:%s:events", instanceName)
}

// DeadLetterStreamKey returns the dead-letter stream key. Entries whose
// dispatch-level processing failed are appended here with failure annotations.
// Pattern: station:{instance_name}:events:dlq
func DeadLetterStreamKey(instanceName string) string {
	return fmt.Sprintf("station:%s:events:dlq", instanceName)
}

// ConsumerGroup returns the consumer group name used by the hub's consumer
// loop. One group per instance: each entry is delivered to exactly one member.
// Pattern: station:{instance_name}:consumers
func ConsumerGroup(instanceName string) string {
	return fmt.Sprintf("station:%s:consumers", instanceName)
}
