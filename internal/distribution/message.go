package distribution

import "spcstream-backend/internal/bus"

const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeData        = "data"
	TypeStatus      = "status"
	TypeAlert       = "alert"
	TypePing        = "ping"
	TypePong        = "pong"
)

const (
	ChannelMachineData   = "machine-data"
	ChannelMachineStatus = "machine-status"
	ChannelAlerts        = "alerts"
	// ChannelAll receives every broadcast regardless of channel.
	ChannelAll = "all"
)

// Message is the wire envelope in both directions.
type Message struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type connectedStatus struct {
	Connected    bool   `json:"connected"`
	SubscriberID string `json:"subscriberId"`
	Timestamp    string `json:"timestamp"`
}

type subscriptionAck struct {
	Subscribed bool `json:"subscribed"`
}

// channelFor maps pipeline events onto their fixed channels.
func channelFor(t bus.EventType) (channel string, msgType string, ok bool) {
	switch t {
	case bus.EventData:
		return ChannelMachineData, TypeData, true
	case bus.EventStatus:
		return ChannelMachineStatus, TypeStatus, true
	case bus.EventAlert:
		return ChannelAlerts, TypeAlert, true
	default:
		return "", "", false
	}
}
