// Package collector owns the set of running pollers. Each active connection
// gets one adapter, one ticker goroutine and one SPC window; ticks turn
// fetched readings into persisted samples, alerts and bus events.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"spcstream-backend/internal/bus"
	"spcstream-backend/internal/monitor"
	"spcstream-backend/internal/security"
	"spcstream-backend/internal/source"
	"spcstream-backend/internal/spc"
	"spcstream-backend/internal/storage"
)

var (
	ErrNotFound        = errors.New("connection not found")
	ErrInactive        = errors.New("connection is not active")
	ErrUnsupportedType = errors.New("unsupported connection type")
	ErrConnectFailed   = errors.New("source connection failed")
)

// Store is the persistence collaborator.
type Store interface {
	GetConnection(ctx context.Context, id string) (storage.ConnectionConfig, error)
	ListActiveConnections(ctx context.Context) ([]storage.ConnectionConfig, error)
	InsertSample(ctx context.Context, s storage.SampleRecord) error
	InsertAlert(ctx context.Context, a storage.AlertRecord) error
	UpdateConnectionError(ctx context.Context, id string, message string) error
	UpdateConnectionLastData(ctx context.Context, id string, at time.Time) error
}

type AdapterFactory func(connectionType string, config json.RawMessage) (source.Adapter, error)

// EventPublisher accepts pipeline events without blocking.
type EventPublisher interface {
	Publish(evt bus.Event) bool
}

type Options struct {
	Limits           security.Limits
	ErrorLogCooldown time.Duration
	Logger           *slog.Logger
	Metrics          *Metrics
}

type Manager struct {
	store    Store
	factory  AdapterFactory
	engine   *spc.Engine
	events   EventPublisher
	limits   security.Limits
	cooldown time.Duration
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time

	// lifecycle serializes Start and Stop so only one adapter is live per id.
	lifecycle  sync.Mutex
	mu         sync.Mutex
	collectors map[string]*collector
}

type collector struct {
	cfg      storage.ConnectionConfig
	req      source.FetchRequest
	adapter  source.Adapter
	interval time.Duration
	cancel   context.CancelFunc

	// proc is held while fetched points are processed; stop takes it so no
	// point is fed to the engine after the window is reset.
	proc sync.Mutex

	mu         sync.Mutex
	state      RuntimeState
	lastErrLog time.Time
}

func NewManager(store Store, factory AdapterFactory, engine *spc.Engine, events EventPublisher, opts Options) *Manager {
	if engine == nil {
		engine = spc.NewEngine()
	}
	if opts.Limits == (security.Limits{}) {
		opts.Limits = security.DefaultLimits()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		store:      store,
		factory:    factory,
		engine:     engine,
		events:     events,
		limits:     opts.Limits,
		cooldown:   opts.ErrorLogCooldown,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        time.Now,
		collectors: map[string]*collector{},
	}
}

// Start loads the connection, connects its adapter and schedules polling.
// Starting a running id restarts it with a fresh runtime state and window.
func (m *Manager) Start(ctx context.Context, connectionID string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	cfg, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, connectionID)
		}
		return fmt.Errorf("load connection %s: %w", connectionID, err)
	}
	if !cfg.IsActive {
		return fmt.Errorf("%w: %s", ErrInactive, connectionID)
	}
	if cfg.PollingIntervalMs <= 0 {
		return m.reject(ctx, cfg, fmt.Errorf("%w: pollingIntervalMs must be positive", source.ErrInvalidConfig))
	}

	m.stopLocked(connectionID)

	req, err := source.ParseFetchRequest(cfg.Config)
	if err != nil {
		return m.reject(ctx, cfg, err)
	}
	adapter, err := m.factory(cfg.ConnectionType, cfg.Config)
	if err != nil {
		if errors.Is(err, source.ErrUnsupportedKind) {
			err = fmt.Errorf("%w: %v", ErrUnsupportedType, err)
		}
		return m.reject(ctx, cfg, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, m.limits.MaxFetchDuration)
	defer cancel()
	if err := adapter.Connect(connectCtx); err != nil {
		_ = adapter.Disconnect()
		return m.reject(ctx, cfg, fmt.Errorf("%w: %v", ErrConnectFailed, err))
	}
	if ok, msg := adapter.TestConnection(connectCtx); !ok {
		_ = adapter.Disconnect()
		return m.reject(ctx, cfg, fmt.Errorf("%w: %s", ErrConnectFailed, msg))
	}

	interval := m.limits.ClampPoll(time.Duration(cfg.PollingIntervalMs) * time.Millisecond)
	loopCtx, loopCancel := context.WithCancel(context.Background())
	c := &collector{
		cfg:      cfg,
		req:      req,
		adapter:  adapter,
		interval: interval,
		cancel:   loopCancel,
		state: RuntimeState{
			ConnectionID:      cfg.ID,
			MachineID:         cfg.MachineID,
			ConnectionType:    cfg.ConnectionType,
			Status:            StatusConnected,
			PollingIntervalMs: interval.Milliseconds(),
			StartedAt:         m.now().UTC(),
		},
	}

	m.mu.Lock()
	m.collectors[cfg.ID] = c
	m.metrics.setActive(len(m.collectors))
	m.mu.Unlock()

	m.logger.Info("collector started",
		slog.String("connectionId", cfg.ID),
		slog.String("type", cfg.ConnectionType),
		slog.Duration("interval", interval),
	)
	m.publishStatus(c)
	go m.run(loopCtx, c)
	return nil
}

// reject records a start failure on the connection row without scheduling.
// The caller's ctx may already be spent by a connect that ran to its
// deadline, so the write gets its own.
func (m *Manager) reject(ctx context.Context, cfg storage.ConnectionConfig, err error) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if uerr := m.store.UpdateConnectionError(writeCtx, cfg.ID, err.Error()); uerr != nil {
		m.logger.Warn("failed to record connection error", slog.String("connectionId", cfg.ID), slog.String("error", uerr.Error()))
	}
	m.logger.Error("collector start failed", slog.String("connectionId", cfg.ID), slog.String("error", err.Error()))
	return err
}

// Stop cancels the ticker, then disconnects the adapter and drops runtime
// and SPC state. A fetch already in flight finishes but its result is
// discarded. Stopping an id that is not running is a no-op.
func (m *Manager) Stop(connectionID string) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.stopLocked(connectionID)
}

func (m *Manager) stopLocked(connectionID string) {
	m.mu.Lock()
	c, ok := m.collectors[connectionID]
	if ok {
		delete(m.collectors, connectionID)
	}
	m.metrics.setActive(len(m.collectors))
	m.mu.Unlock()
	if !ok {
		return
	}

	c.cancel()
	c.proc.Lock()
	m.engine.Reset(connectionID)
	c.proc.Unlock()
	if err := c.adapter.Disconnect(); err != nil {
		m.logger.Warn("adapter disconnect failed", slog.String("connectionId", connectionID), slog.String("error", err.Error()))
	}

	c.mu.Lock()
	c.state.Status = StatusDisconnected
	c.mu.Unlock()
	m.publishStatus(c)
	m.logger.Info("collector stopped", slog.String("connectionId", connectionID))
}

func (m *Manager) GetStatus(connectionID string) (RuntimeState, bool) {
	m.mu.Lock()
	c, ok := m.collectors[connectionID]
	m.mu.Unlock()
	if !ok {
		return RuntimeState{}, false
	}
	return c.snapshot(), true
}

func (m *Manager) GetAllStatuses() []RuntimeState {
	m.mu.Lock()
	list := make([]*collector, 0, len(m.collectors))
	for _, c := range m.collectors {
		list = append(list, c)
	}
	m.mu.Unlock()
	states := make([]RuntimeState, 0, len(list))
	for _, c := range list {
		states = append(states, c.snapshot())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ConnectionID < states[j].ConnectionID })
	return states
}

// StartAllActive starts every active connection. One failing connection
// does not prevent the others from starting; failures are joined.
func (m *Manager) StartAllActive(ctx context.Context) (int, error) {
	configs, err := m.store.ListActiveConnections(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active connections: %w", err)
	}
	started := 0
	var errs []error
	for _, cfg := range configs {
		if err := m.Start(ctx, cfg.ID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cfg.ID, err))
			continue
		}
		started++
	}
	return started, errors.Join(errs...)
}

func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.collectors))
	for id := range m.collectors {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Stop(id)
	}
}

// Reconcile brings one connection in line with its stored config: active
// connections are (re)started, missing or inactive ones are stopped.
func (m *Manager) Reconcile(ctx context.Context, connectionID string) error {
	cfg, err := m.store.GetConnection(ctx, connectionID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !cfg.IsActive) {
		m.Stop(connectionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load connection %s: %w", connectionID, err)
	}
	return m.Start(ctx, connectionID)
}

// TestConnection builds a throwaway adapter for the stored config and
// reports reachability. It never returns an error.
func (m *Manager) TestConnection(ctx context.Context, connectionID string) (bool, string) {
	cfg, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, "connection not found"
		}
		return false, fmt.Sprintf("load connection: %v", err)
	}
	adapter, err := m.factory(cfg.ConnectionType, cfg.Config)
	if err != nil {
		return false, err.Error()
	}
	testCtx, cancel := context.WithTimeout(ctx, m.limits.MaxFetchDuration)
	defer cancel()
	if err := adapter.Connect(testCtx); err != nil {
		_ = adapter.Disconnect()
		return false, err.Error()
	}
	defer adapter.Disconnect()
	return adapter.TestConnection(testCtx)
}

func (m *Manager) run(ctx context.Context, c *collector) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			started := m.now()
			m.tick(ctx, c)
			// the ticker drops ticks that fire while one is in flight
			m.metrics.skipped(int(m.now().Sub(started) / c.interval))
		}
	}
}

func (m *Manager) tick(ctx context.Context, c *collector) {
	c.proc.Lock()
	if ctx.Err() != nil {
		c.proc.Unlock()
		return
	}
	c.mu.Lock()
	c.state.Status = StatusCollecting
	c.mu.Unlock()
	m.publishStatus(c)
	c.proc.Unlock()

	// Fetch is bounded by its own timeout, not the loop context, so a stop
	// lets it finish; the result is dropped below.
	fetchCtx, cancel := context.WithTimeout(context.Background(), m.limits.MaxFetchDuration)
	points, err := c.adapter.Fetch(fetchCtx, c.req)
	cancel()
	if err != nil {
		m.finish(ctx, c, fmt.Errorf("fetch: %w", err))
		return
	}
	if limit := m.limits.MaxResultSize; limit > 0 && len(points) > limit {
		points = points[len(points)-limit:]
	}

	opCtx, opCancel := context.WithTimeout(ctx, m.limits.MaxFetchDuration)
	defer opCancel()
	for _, p := range points {
		stopped, err := m.process(opCtx, ctx, c, p)
		if stopped {
			m.metrics.tick("discarded")
			return
		}
		if err != nil {
			m.finish(ctx, c, err)
			return
		}
	}
	m.finish(ctx, c, nil)
}

// finish records the tick outcome under proc. Stop cancels the loop before
// taking proc, so a stopped collector never writes its row or status again.
func (m *Manager) finish(ctx context.Context, c *collector, err error) {
	c.proc.Lock()
	defer c.proc.Unlock()
	if ctx.Err() != nil {
		m.metrics.tick("discarded")
		return
	}
	if err != nil {
		m.fail(c, err)
		return
	}
	m.succeed(c)
}

// process feeds one point through the engine and persists the outcome. It
// reports stopped when the collector was stopped before the point was fed.
func (m *Manager) process(opCtx, loopCtx context.Context, c *collector, p source.DataPoint) (bool, error) {
	c.proc.Lock()
	defer c.proc.Unlock()
	if loopCtx.Err() != nil {
		return true, nil
	}

	scale := c.cfg.Scale
	if scale == 0 {
		scale = 1
	}
	value := p.Value*scale + c.cfg.Offset
	res := m.engine.Update(c.cfg.ID, value)
	sample := storage.SampleRecord{
		ConnectionID:    c.cfg.ID,
		MachineID:       c.cfg.MachineID,
		MeasurementName: p.MeasurementName,
		Value:           value,
		Unit:            p.Unit,
		SampleTime:      p.Timestamp,
		SubgroupIndex:   res.SubgroupIndex,
		SubgroupMean:    res.Mean,
		SubgroupRange:   res.Range,
		UCL:             res.UCL,
		LCL:             res.LCL,
		IsOutOfSpec:     res.IsOutOfSpec,
		IsOutOfControl:  res.IsOutOfControl,
		ViolatedRules:   res.ViolatedRules,
	}
	if err := m.store.InsertSample(opCtx, sample); err != nil {
		return false, fmt.Errorf("insert sample: %w", err)
	}
	c.mu.Lock()
	c.state.DataPointsCollected++
	c.mu.Unlock()
	m.metrics.sample()
	m.publish(c, bus.EventData, sample)

	for _, alert := range classifyAlerts(sample, res, m.now().UTC()) {
		if err := m.store.InsertAlert(opCtx, alert); err != nil {
			return false, fmt.Errorf("insert alert: %w", err)
		}
		m.metrics.alert(alert.AlertType)
		m.publish(c, bus.EventAlert, alert)
	}
	return false, nil
}

func (m *Manager) succeed(c *collector) {
	now := m.now().UTC()
	c.mu.Lock()
	c.state.Status = StatusConnected
	c.state.LastDataAt = &now
	c.state.LastError = nil
	c.mu.Unlock()
	m.metrics.tick("success")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.UpdateConnectionLastData(ctx, c.cfg.ID, now); err != nil {
		m.logger.Warn("failed to record last data time", slog.String("connectionId", c.cfg.ID), slog.String("error", err.Error()))
	}
	m.publishStatus(c)
}

// fail marks the collector as errored. The loop keeps running so the next
// tick retries; repeated failures are logged once per cooldown window.
func (m *Manager) fail(c *collector, err error) {
	now := m.now()
	msg := err.Error()
	c.mu.Lock()
	c.state.Status = StatusError
	c.state.LastError = &msg
	shouldLog := !monitor.WithinCooldownAt(now, c.lastErrLog, m.cooldown)
	if shouldLog {
		c.lastErrLog = now
	}
	c.mu.Unlock()
	m.metrics.tick("error")

	if shouldLog {
		m.logger.Error("collector tick failed", slog.String("connectionId", c.cfg.ID), slog.String("error", msg))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if uerr := m.store.UpdateConnectionError(ctx, c.cfg.ID, msg); uerr != nil && shouldLog {
		m.logger.Warn("failed to record connection error", slog.String("connectionId", c.cfg.ID), slog.String("error", uerr.Error()))
	}
	m.publishStatus(c)
}

func (m *Manager) publishStatus(c *collector) {
	m.publish(c, bus.EventStatus, c.snapshot())
}

func (m *Manager) publish(c *collector, typ bus.EventType, payload any) {
	if m.events == nil {
		return
	}
	m.events.Publish(bus.Event{
		Type:         typ,
		ConnectionID: c.cfg.ID,
		MachineID:    c.cfg.MachineID,
		Payload:      payload,
		Timestamp:    m.now().UTC(),
	})
}

func (c *collector) snapshot() RuntimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	if s.LastDataAt != nil {
		t := *s.LastDataAt
		s.LastDataAt = &t
	}
	if s.LastError != nil {
		e := *s.LastError
		s.LastError = &e
	}
	return s
}
