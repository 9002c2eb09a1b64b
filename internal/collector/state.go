package collector

import "time"

type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
	StatusCollecting   Status = "collecting"
)

// RuntimeState is the in-memory view of one running collector. It is
// returned by value so callers never share it with the tick loop.
type RuntimeState struct {
	ConnectionID        string     `json:"connectionId"`
	MachineID           string     `json:"machineId"`
	ConnectionType      string     `json:"connectionType"`
	Status              Status     `json:"status"`
	PollingIntervalMs   int64      `json:"pollingIntervalMs"`
	StartedAt           time.Time  `json:"startedAt"`
	LastDataAt          *time.Time `json:"lastDataAt"`
	LastError           *string    `json:"lastError"`
	DataPointsCollected int64      `json:"dataPointsCollected"`
}
