package bus

import (
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
)

const (
	SubjectConnectionCreated     = "connection.created"
	SubjectConnectionUpdated     = "connection.updated"
	SubjectConnectionActivated   = "connection.activated"
	SubjectConnectionDeactivated = "connection.deactivated"
	SubjectConnectionDeleted     = "connection.deleted"
	SubjectAlerts                = "spc.alerts"
)

// ConnectionSubjects lists every subject that signals a config change.
var ConnectionSubjects = []string{
	SubjectConnectionCreated,
	SubjectConnectionUpdated,
	SubjectConnectionActivated,
	SubjectConnectionDeactivated,
	SubjectConnectionDeleted,
}

type Publisher struct {
	Conn *nats.Conn
}

func NewPublisher(url string) (*Publisher, error) {
	conn, err := nats.Connect(url, nats.Name("spcstream-publisher"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	return &Publisher{Conn: conn}, nil
}

func (p *Publisher) Close() {
	if p.Conn != nil {
		p.Conn.Drain()
		p.Conn.Close()
	}
}

func (p *Publisher) Publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.Conn.Publish(subject, data)
}

type Subscriber struct {
	Conn *nats.Conn
}

type ConnectionEvent struct {
	ConnectionID string `json:"connection_id"`
}

func NewSubscriber(url string) (*Subscriber, error) {
	conn, err := nats.Connect(url, nats.Name("spcstream-subscriber"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	return &Subscriber{Conn: conn}, nil
}

func (s *Subscriber) Close() {
	if s.Conn != nil {
		s.Conn.Drain()
		s.Conn.Close()
	}
}

// Subscribe decodes each message on subject as a ConnectionEvent. Messages
// without a connection id are skipped.
func (s *Subscriber) Subscribe(subject string, handler func(subject string, evt ConnectionEvent)) (*nats.Subscription, error) {
	return s.Conn.Subscribe(subject, func(msg *nats.Msg) {
		evt, ok := DecodeConnectionEvent(msg.Data)
		if !ok {
			return
		}
		handler(msg.Subject, evt)
	})
}

func DecodeConnectionEvent(data []byte) (ConnectionEvent, bool) {
	var evt ConnectionEvent
	if err := json.Unmarshal(data, &evt); err != nil || evt.ConnectionID == "" {
		return ConnectionEvent{}, false
	}
	return evt, true
}

// SubjectPublisher is the publishing half of a NATS connection.
type SubjectPublisher interface {
	Publish(subject string, payload any) error
}

// ForwardAlerts republishes every alert event from local onto
// SubjectAlerts. The returned cancel detaches the forwarder.
func ForwardAlerts(local *Local, pub SubjectPublisher, logger *slog.Logger) (cancel func()) {
	if logger == nil {
		logger = slog.Default()
	}
	return local.Subscribe(func(evt Event) {
		if evt.Type != EventAlert {
			return
		}
		if err := pub.Publish(SubjectAlerts, evt); err != nil {
			logger.Warn("alert forward failed", slog.String("connectionId", evt.ConnectionID), slog.String("error", err.Error()))
		}
	})
}
