// Package bus carries pipeline events between the collector and its
// consumers: an in-process typed bus for the distribution layer and a NATS
// bridge for config-change notifications and alert fan-out.
package bus

import "time"

type EventType string

const (
	EventData   EventType = "data"
	EventStatus EventType = "status"
	EventAlert  EventType = "alert"
)

// Event is one pipeline occurrence. Payload is the enriched sample, status
// snapshot or alert record and is serialized as-is to subscribers.
type Event struct {
	Type         EventType `json:"type"`
	ConnectionID string    `json:"connectionId"`
	MachineID    string    `json:"machineId"`
	Payload      any       `json:"payload"`
	Timestamp    time.Time `json:"timestamp"`
}
