// Package distribution fans pipeline events out to websocket subscribers.
// It enforces a connection cap, per-subscriber rate and size limits, and a
// heartbeat that evicts subscribers which stop answering pings.
package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"spcstream-backend/internal/bus"
	"spcstream-backend/internal/monitor"
	"spcstream-backend/internal/security"
)

var ErrCapacity = errors.New("subscriber capacity reached")

const dropLogCooldown = 10 * time.Second

type Server struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader
	now      func() time.Time

	mu          sync.RWMutex
	subscribers map[string]*subscriber
	// channels indexes subscribers by channel name for broadcast.
	channels map[string]map[string]*subscriber
}

func NewServer(cfg Config, logger *slog.Logger, metrics *Metrics) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	origins := security.Allowlist{Origins: cfg.AllowedOrigins}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return origins.AllowsOrigin(r.Header.Get("Origin"))
			},
		},
		now:         time.Now,
		subscribers: map[string]*subscriber{},
		channels:    map[string]map[string]*subscriber{},
	}, nil
}

// Count returns the number of registered subscribers.
func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Connect registers conn as a new subscriber and queues the initial status
// message. At the cap the connection is refused and nothing is registered.
func (s *Server) Connect(conn Conn) (string, error) {
	s.mu.Lock()
	if len(s.subscribers) >= s.cfg.MaxConnections {
		s.mu.Unlock()
		s.metrics.refuse()
		s.logger.Warn("subscriber refused at capacity", slog.Int("max", s.cfg.MaxConnections))
		return "", ErrCapacity
	}
	sub := newSubscriber(uuid.NewString(), conn, s.cfg, s.now())
	s.subscribers[sub.id] = sub
	count := len(s.subscribers)
	s.mu.Unlock()

	s.metrics.setSubscribers(count)
	go s.writeLoop(sub)
	s.reply(sub, Message{Type: TypeStatus, Data: connectedStatus{
		Connected:    true,
		SubscriberID: sub.id,
		Timestamp:    s.now().UTC().Format(time.RFC3339Nano),
	}})
	s.logger.Info("subscriber connected", slog.String("subscriberId", sub.id), slog.Int("subscribers", count))
	return sub.id, nil
}

// Disconnect removes the subscriber from the registry and every channel
// index, then closes its connection. Unknown ids are ignored.
func (s *Server) Disconnect(id string) {
	s.disconnect(id, "closed")
}

func (s *Server) disconnect(id, reason string) {
	s.mu.Lock()
	sub, ok := s.subscribers[id]
	if ok {
		delete(s.subscribers, id)
		for ch, members := range s.channels {
			delete(members, id)
			if len(members) == 0 {
				delete(s.channels, ch)
			}
		}
	}
	count := len(s.subscribers)
	s.mu.Unlock()
	if !ok {
		return
	}
	sub.close()
	s.metrics.setSubscribers(count)
	s.metrics.disconnect(reason)
	s.logger.Info("subscriber disconnected", slog.String("subscriberId", id), slog.String("reason", reason))
}

// HandleMessage applies the size cap, then the rate cap, then dispatches.
// Every rejection drops the message and keeps the connection open.
func (s *Server) HandleMessage(id string, raw []byte) {
	sub := s.lookup(id)
	if sub == nil {
		return
	}
	if len(raw) > s.cfg.MaxMessageSize {
		s.dropped(sub, "size", slog.Int("bytes", len(raw)))
		return
	}
	if !sub.limiter.AllowN(s.now(), 1) {
		s.dropped(sub, "rate")
		return
	}
	var msg struct {
		Type    string `json:"type"`
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.dropped(sub, "malformed", slog.String("error", err.Error()))
		return
	}
	switch msg.Type {
	case TypeSubscribe:
		if msg.Channel == "" {
			s.dropped(sub, "malformed", slog.String("type", msg.Type))
			return
		}
		s.subscribe(sub, msg.Channel)
		s.reply(sub, Message{Type: TypeSubscribe, Channel: msg.Channel, Data: subscriptionAck{Subscribed: true}})
	case TypeUnsubscribe:
		if msg.Channel == "" {
			s.dropped(sub, "malformed", slog.String("type", msg.Type))
			return
		}
		s.unsubscribe(sub, msg.Channel)
		s.reply(sub, Message{Type: TypeUnsubscribe, Channel: msg.Channel, Data: subscriptionAck{Subscribed: false}})
	case TypePing:
		s.reply(sub, Message{Type: TypePong})
	case TypePong:
		sub.alive.Store(true)
	default:
		s.dropped(sub, "unknown", slog.String("type", msg.Type))
	}
}

func (s *Server) subscribe(sub *subscriber, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[sub.id]; !ok {
		return
	}
	members, ok := s.channels[channel]
	if !ok {
		members = map[string]*subscriber{}
		s.channels[channel] = members
	}
	members[sub.id] = sub
	sub.mu.Lock()
	sub.channels[channel] = struct{}{}
	sub.mu.Unlock()
}

func (s *Server) unsubscribe(sub *subscriber, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if members, ok := s.channels[channel]; ok {
		delete(members, sub.id)
		if len(members) == 0 {
			delete(s.channels, channel)
		}
	}
	sub.mu.Lock()
	delete(sub.channels, channel)
	sub.mu.Unlock()
}

// Broadcast queues msg for every subscriber of channel and of ChannelAll.
// It never blocks on a subscriber; a full queue drops the message for that
// subscriber only. It returns how many subscribers accepted the message.
func (s *Server) Broadcast(channel string, msg Message) int {
	msg.Channel = channel
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("broadcast encode failed", slog.String("channel", channel), slog.String("error", err.Error()))
		return 0
	}
	targets := s.snapshot(channel)
	delivered := 0
	for _, sub := range targets {
		if sub.enqueue(data) {
			delivered++
			continue
		}
		s.dropped(sub, "slow", slog.String("channel", channel))
	}
	s.metrics.broadcast(channel)
	return delivered
}

// snapshot copies the deduplicated target set so broadcast runs without
// holding the registry lock.
func (s *Server) snapshot(channel string) []*subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]*subscriber, len(s.channels[channel])+len(s.channels[ChannelAll]))
	for id, sub := range s.channels[channel] {
		seen[id] = sub
	}
	for id, sub := range s.channels[ChannelAll] {
		seen[id] = sub
	}
	out := make([]*subscriber, 0, len(seen))
	for _, sub := range seen {
		out = append(out, sub)
	}
	return out
}

// Sweep runs one heartbeat cycle. Subscribers that have not answered since
// the previous sweep are disconnected; the rest are marked not-alive and
// pinged.
func (s *Server) Sweep() {
	s.mu.RLock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()

	deadline := s.now().Add(s.cfg.WriteTimeout)
	for _, sub := range subs {
		if !sub.alive.Swap(false) {
			s.disconnect(sub.id, "heartbeat")
			continue
		}
		if err := sub.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			s.disconnect(sub.id, "write_error")
		}
	}
}

// Run sweeps every heartbeat interval until ctx is done, then disconnects
// every subscriber.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Attach consumes pipeline events from b and broadcasts each one on its
// fixed channel. The returned cancel detaches the consumer.
func (s *Server) Attach(b *bus.Local) (cancel func()) {
	return b.Subscribe(func(evt bus.Event) {
		channel, msgType, ok := channelFor(evt.Type)
		if !ok {
			s.logger.Warn("unroutable event", slog.String("type", string(evt.Type)))
			return
		}
		s.Broadcast(channel, Message{Type: msgType, Data: evt.Payload})
	})
}

// SubscriberInfo describes one subscriber for the admin surface.
type SubscriberInfo struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connectedAt"`
	Channels    []string  `json:"channels"`
	Alive       bool      `json:"alive"`
}

func (s *Server) Subscribers() []SubscriberInfo {
	s.mu.RLock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()
	out := make([]SubscriberInfo, 0, len(subs))
	for _, sub := range subs {
		channels := sub.subscribedTo()
		sort.Strings(channels)
		out = append(out, SubscriberInfo{ID: sub.id, ConnectedAt: sub.connectedAt, Channels: channels, Alive: sub.alive.Load()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// ServeHTTP upgrades a subscriber connection and reads client messages
// until the connection closes. At capacity the request is refused with 503
// before upgrading.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.Count() >= s.cfg.MaxConnections {
		s.metrics.refuse()
		http.Error(w, "subscriber capacity reached", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	id, err := s.Connect(conn)
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber capacity reached")
		_ = conn.WriteControl(websocket.CloseMessage, msg, s.now().Add(time.Second))
		_ = conn.Close()
		return
	}
	defer s.Disconnect(id)

	conn.SetPongHandler(func(string) error {
		if sub := s.lookup(id); sub != nil {
			sub.alive.Store(true)
		}
		return nil
	})
	for {
		_, reader, err := conn.NextReader()
		if err != nil {
			return
		}
		// read one byte past the cap so oversize is detectable, then discard
		// the remainder to keep the connection usable
		raw, err := io.ReadAll(io.LimitReader(reader, int64(s.cfg.MaxMessageSize)+1))
		if err != nil {
			return
		}
		if _, err := io.Copy(io.Discard, reader); err != nil {
			return
		}
		s.HandleMessage(id, raw)
	}
}

func (s *Server) writeLoop(sub *subscriber) {
	for {
		select {
		case <-sub.done:
			return
		case data := <-sub.send:
			_ = sub.conn.SetWriteDeadline(s.now().Add(s.cfg.WriteTimeout))
			if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.disconnect(sub.id, "write_error")
				return
			}
		}
	}
}

func (s *Server) reply(sub *subscriber, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("reply encode failed", slog.String("subscriberId", sub.id), slog.String("error", err.Error()))
		return
	}
	if !sub.enqueue(data) {
		s.dropped(sub, "slow", slog.String("type", msg.Type))
	}
}

func (s *Server) lookup(id string) *subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribers[id]
}

// dropped counts a dropped message and logs it at most once per cooldown
// per subscriber.
func (s *Server) dropped(sub *subscriber, reason string, attrs ...any) {
	s.metrics.drop(reason)
	now := s.now()
	sub.mu.Lock()
	if monitor.WithinCooldownAt(now, sub.lastDropAt, dropLogCooldown) {
		sub.mu.Unlock()
		return
	}
	sub.lastDropAt = now
	sub.mu.Unlock()
	args := append([]any{slog.String("subscriberId", sub.id), slog.String("reason", reason)}, attrs...)
	s.logger.Warn("subscriber message dropped", args...)
}

func (s *Server) closeAll() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.subscribers))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	for _, id := range ids {
		s.disconnect(id, "shutdown")
	}
}
