package collector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"spcstream-backend/internal/bus"
	"spcstream-backend/internal/security"
	"spcstream-backend/internal/source"
	"spcstream-backend/internal/spc"
	"spcstream-backend/internal/storage"
)

type fakeStore struct {
	mu       sync.Mutex
	conns    map[string]storage.ConnectionConfig
	samples  []storage.SampleRecord
	alerts   []storage.AlertRecord
	errs     map[string]string
	lastData map[string]time.Time
	failList error

	insertErr error

	// ctxAware makes writes fail once their context is done, as pgx does.
	ctxAware bool

	// insertEntered and insertGate, when set, hold InsertSample until the
	// gate is closed.
	insertEntered chan struct{}
	insertGate    chan struct{}
}

func newFakeStore(conns ...storage.ConnectionConfig) *fakeStore {
	s := &fakeStore{conns: map[string]storage.ConnectionConfig{}, errs: map[string]string{}, lastData: map[string]time.Time{}}
	for _, c := range conns {
		s.conns[c.ID] = c
	}
	return s
}

func (s *fakeStore) GetConnection(ctx context.Context, id string) (storage.ConnectionConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return storage.ConnectionConfig{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *fakeStore) ListActiveConnections(ctx context.Context) ([]storage.ConnectionConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failList != nil {
		return nil, s.failList
	}
	out := []storage.ConnectionConfig{}
	for _, c := range s.conns {
		if c.IsActive {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) InsertSample(ctx context.Context, rec storage.SampleRecord) error {
	if s.insertGate != nil {
		select {
		case s.insertEntered <- struct{}{}:
		default:
		}
		<-s.insertGate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.samples = append(s.samples, rec)
	return nil
}

func (s *fakeStore) InsertAlert(ctx context.Context, rec storage.AlertRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, rec)
	return nil
}

func (s *fakeStore) UpdateConnectionError(ctx context.Context, id string, message string) error {
	if s.ctxAware && ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[id] = message
	return nil
}

func (s *fakeStore) UpdateConnectionLastData(ctx context.Context, id string, at time.Time) error {
	if s.ctxAware && ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastData[id] = at
	delete(s.errs, id)
	return nil
}

func (s *fakeStore) setActive(id string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conns[id]
	c.IsActive = active
	s.conns[id] = c
}

func (s *fakeStore) sampleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

func (s *fakeStore) alertList() []storage.AlertRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.AlertRecord(nil), s.alerts...)
}

func (s *fakeStore) setInsertErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertErr = err
}

func (s *fakeStore) hasLastData(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lastData[id]
	return ok
}

func (s *fakeStore) errFor(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.errs[id]
	return msg, ok
}

type fakeAdapter struct {
	mu          sync.Mutex
	connectErr  error
	testFail    bool
	fetchFn     func(ctx context.Context, call int) ([]source.DataPoint, error)
	calls       int
	inFlight    int
	maxInFlight int
	disconnects int

	// connectHangs blocks Connect until its context is done.
	connectHangs bool
}

func (a *fakeAdapter) Connect(ctx context.Context) error {
	if a.connectHangs {
		<-ctx.Done()
		return ctx.Err()
	}
	return a.connectErr
}

func (a *fakeAdapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disconnects++
	return nil
}

func (a *fakeAdapter) Fetch(ctx context.Context, req source.FetchRequest) ([]source.DataPoint, error) {
	a.mu.Lock()
	a.calls++
	call := a.calls
	a.inFlight++
	if a.inFlight > a.maxInFlight {
		a.maxInFlight = a.inFlight
	}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.inFlight--
		a.mu.Unlock()
	}()
	if a.fetchFn == nil {
		return nil, nil
	}
	return a.fetchFn(ctx, call)
}

func (a *fakeAdapter) TestConnection(ctx context.Context) (bool, string) {
	if a.testFail {
		return false, "unreachable"
	}
	return true, "ok"
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []bus.Event
}

func (p *recordingPublisher) Publish(evt bus.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return true
}

func (p *recordingPublisher) statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Status
	for _, e := range p.events {
		if st, ok := e.Payload.(RuntimeState); ok && e.Type == bus.EventStatus {
			out = append(out, st.Status)
		}
	}
	return out
}

func (p *recordingPublisher) count(typ bus.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func activeConn(id string) storage.ConnectionConfig {
	return storage.ConnectionConfig{
		ID:                id,
		MachineID:         "machine-" + id,
		ConnectionType:    source.KindFile,
		Config:            json.RawMessage(`{"valueField":"v"}`),
		PollingIntervalMs: 5,
		IsActive:          true,
	}
}

func points(values ...float64) []source.DataPoint {
	out := make([]source.DataPoint, len(values))
	for i, v := range values {
		out[i] = source.DataPoint{Timestamp: time.Now().UTC(), MeasurementName: "temp", Value: v}
	}
	return out
}

func newTestManager(store Store, adapter source.Adapter, events EventPublisher) (*Manager, *spc.Engine, *int) {
	built := 0
	factory := func(connectionType string, config json.RawMessage) (source.Adapter, error) {
		built++
		return adapter, nil
	}
	engine := spc.NewEngine()
	m := NewManager(store, factory, engine, events, Options{
		Limits:           security.Limits{MinPollInterval: time.Millisecond, MaxFetchDuration: time.Second, MaxResultSize: 1000},
		ErrorLogCooldown: time.Minute,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return m, engine, &built
}

func TestStartUnknownConnection(t *testing.T) {
	m, _, built := newTestManager(newFakeStore(), &fakeAdapter{}, nil)
	err := m.Start(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, ok := m.GetStatus("missing"); ok {
		t.Fatalf("unknown connection must have no status")
	}
	if *built != 0 {
		t.Fatalf("no adapter should be built")
	}
}

func TestStartInactiveSchedulesNothing(t *testing.T) {
	conn := activeConn("c1")
	conn.IsActive = false
	adapter := &fakeAdapter{}
	m, _, built := newTestManager(newFakeStore(conn), adapter, nil)
	if err := m.Start(context.Background(), "c1"); !errors.Is(err, ErrInactive) {
		t.Fatalf("expected ErrInactive, got %v", err)
	}
	if _, ok := m.GetStatus("c1"); ok {
		t.Fatalf("inactive connection must have no status")
	}
	time.Sleep(30 * time.Millisecond)
	if *built != 0 || adapter.callCount() != 0 {
		t.Fatalf("inactive connection must not be polled")
	}
}

func TestStartConnectFailureRecordsError(t *testing.T) {
	store := newFakeStore(activeConn("c1"))
	adapter := &fakeAdapter{connectErr: errors.New("refused")}
	m, _, _ := newTestManager(store, adapter, nil)
	err := m.Start(context.Background(), "c1")
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
	if msg, ok := store.errFor("c1"); !ok || msg == "" {
		t.Fatalf("expected last error to be recorded")
	}
	if _, ok := m.GetStatus("c1"); ok {
		t.Fatalf("failed start must not leave runtime state")
	}
	time.Sleep(30 * time.Millisecond)
	if adapter.callCount() != 0 {
		t.Fatalf("failed start must not schedule ticks")
	}
}

func TestStartFailedConnectionTest(t *testing.T) {
	store := newFakeStore(activeConn("c1"))
	m, _, _ := newTestManager(store, &fakeAdapter{testFail: true}, nil)
	if err := m.Start(context.Background(), "c1"); !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
}

func TestStartRejectsNonPositiveInterval(t *testing.T) {
	conn := activeConn("c1")
	conn.PollingIntervalMs = 0
	store := newFakeStore(conn)
	m, _, built := newTestManager(store, &fakeAdapter{}, nil)
	if err := m.Start(context.Background(), "c1"); !errors.Is(err, source.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if *built != 0 {
		t.Fatalf("adapter must not be built for invalid config")
	}
}

func TestUnsupportedTypeIsConfigError(t *testing.T) {
	store := newFakeStore(activeConn("c1"))
	factory := func(connectionType string, config json.RawMessage) (source.Adapter, error) {
		return nil, source.ErrUnsupportedKind
	}
	m := NewManager(store, factory, nil, nil, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err := m.Start(context.Background(), "c1"); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestTickPersistsSamplesAndEvents(t *testing.T) {
	conn := activeConn("c1")
	conn.Scale = 2
	conn.Offset = 1
	store := newFakeStore(conn)
	adapter := &fakeAdapter{fetchFn: func(ctx context.Context, call int) ([]source.DataPoint, error) {
		if call == 1 {
			return points(1, 2, 3), nil
		}
		return nil, nil
	}}
	events := &recordingPublisher{}
	m, _, _ := newTestManager(store, adapter, events)
	if err := m.Start(context.Background(), "c1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer m.StopAll()

	require.Eventually(t, func() bool { return store.sampleCount() == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		st, ok := m.GetStatus("c1")
		return ok && st.DataPointsCollected == 3 && st.Status != StatusError && st.LastDataAt != nil
	}, time.Second, 5*time.Millisecond)

	store.mu.Lock()
	first := store.samples[0]
	store.mu.Unlock()
	if first.Value != 3 || first.MachineID != "machine-c1" || first.SubgroupMean != nil {
		t.Fatalf("unexpected first sample %+v", first)
	}
	if events.count(bus.EventData) != 3 || events.count(bus.EventStatus) == 0 {
		t.Fatalf("expected data and status events")
	}
}

func TestSpikeRaisesAlert(t *testing.T) {
	store := newFakeStore(activeConn("c1"))
	values := make([]float64, 0, 21)
	for i := 0; i < 20; i++ {
		values = append(values, 10)
	}
	values = append(values, 50)
	adapter := &fakeAdapter{fetchFn: func(ctx context.Context, call int) ([]source.DataPoint, error) {
		if call == 1 {
			return points(values...), nil
		}
		return nil, nil
	}}
	events := &recordingPublisher{}
	m, _, _ := newTestManager(store, adapter, events)
	if err := m.Start(context.Background(), "c1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer m.StopAll()

	require.Eventually(t, func() bool { return len(store.alertList()) == 1 }, time.Second, 5*time.Millisecond)
	alert := store.alertList()[0]
	if alert.AlertType != AlertOutOfControl || alert.Severity != SeverityCritical || alert.RuleNumber != spc.RuleBeyondLimits {
		t.Fatalf("unexpected alert %+v", alert)
	}
	if alert.Value != 50 || alert.Threshold >= 50 {
		t.Fatalf("alert must carry the value and breached limit, got %+v", alert)
	}
	if events.count(bus.EventAlert) != 1 {
		t.Fatalf("expected one alert event")
	}
}

func TestFetchErrorKeepsPolling(t *testing.T) {
	store := newFakeStore(activeConn("c1"))
	var mu sync.Mutex
	failing := true
	adapter := &fakeAdapter{fetchFn: func(ctx context.Context, call int) ([]source.DataPoint, error) {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return nil, errors.New("timeout")
		}
		return points(5), nil
	}}
	m, _, _ := newTestManager(store, adapter, nil)
	if err := m.Start(context.Background(), "c1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer m.StopAll()

	require.Eventually(t, func() bool { return adapter.callCount() >= 3 }, time.Second, 5*time.Millisecond)
	st, ok := m.GetStatus("c1")
	if !ok || st.Status != StatusError && st.Status != StatusCollecting {
		t.Fatalf("expected error status, got %+v", st)
	}
	if msg, ok := store.errFor("c1"); !ok || msg == "" {
		t.Fatalf("expected error mirrored to store")
	}

	mu.Lock()
	failing = false
	mu.Unlock()
	require.Eventually(t, func() bool {
		st, _ := m.GetStatus("c1")
		_, hasErr := store.errFor("c1")
		return st.LastError == nil && st.DataPointsCollected > 0 && !hasErr
	}, time.Second, 5*time.Millisecond)
}

func TestTicksNeverOverlap(t *testing.T) {
	store := newFakeStore(activeConn("c1"))
	adapter := &fakeAdapter{fetchFn: func(ctx context.Context, call int) ([]source.DataPoint, error) {
		time.Sleep(20 * time.Millisecond)
		return points(1), nil
	}}
	m, _, _ := newTestManager(store, adapter, nil)
	if err := m.Start(context.Background(), "c1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	require.Eventually(t, func() bool { return adapter.callCount() >= 4 }, 2*time.Second, 5*time.Millisecond)
	m.Stop("c1")
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if adapter.maxInFlight != 1 {
		t.Fatalf("expected at most one fetch in flight, got %d", adapter.maxInFlight)
	}
}

func TestStopDiscardsInFlightFetch(t *testing.T) {
	store := newFakeStore(activeConn("c1"))
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	adapter := &fakeAdapter{fetchFn: func(ctx context.Context, call int) ([]source.DataPoint, error) {
		once.Do(func() { close(entered) })
		<-release
		return points(1, 2, 3), nil
	}}
	m, engine, _ := newTestManager(store, adapter, nil)
	if err := m.Start(context.Background(), "c1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	<-entered
	m.Stop("c1")
	close(release)
	time.Sleep(30 * time.Millisecond)
	if store.sampleCount() != 0 {
		t.Fatalf("in-flight result must be discarded after stop")
	}
	if engine.Len("c1") != 0 {
		t.Fatalf("engine window must be reset after stop")
	}
	if _, ok := m.GetStatus("c1"); ok {
		t.Fatalf("stopped connection must have no status")
	}
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if adapter.disconnects != 1 {
		t.Fatalf("expected one disconnect, got %d", adapter.disconnects)
	}
}

func TestStopThenStartIsFresh(t *testing.T) {
	store := newFakeStore(activeConn("c1"))
	adapter := &fakeAdapter{fetchFn: func(ctx context.Context, call int) ([]source.DataPoint, error) {
		return points(7), nil
	}}
	m, _, _ := newTestManager(store, adapter, nil)
	if err := m.Start(context.Background(), "c1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	require.Eventually(t, func() bool {
		st, _ := m.GetStatus("c1")
		return st.DataPointsCollected > 0
	}, time.Second, 5*time.Millisecond)

	m.Stop("c1")
	m.Stop("c1")
	if err := m.Start(context.Background(), "c1"); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	defer m.StopAll()
	st, ok := m.GetStatus("c1")
	if !ok || st.DataPointsCollected != 0 || st.Status != StatusConnected {
		t.Fatalf("expected fresh runtime state, got %+v", st)
	}
}

func TestStartAllActiveIsolatesFailures(t *testing.T) {
	bad := activeConn("bad")
	bad.PollingIntervalMs = -1
	inactive := activeConn("off")
	inactive.IsActive = false
	store := newFakeStore(activeConn("a"), activeConn("b"), bad, inactive)
	m, _, _ := newTestManager(store, &fakeAdapter{}, nil)
	started, err := m.StartAllActive(context.Background())
	defer m.StopAll()
	if started != 2 {
		t.Fatalf("expected 2 started, got %d", started)
	}
	if err == nil {
		t.Fatalf("expected joined error for the bad connection")
	}
	if len(m.GetAllStatuses()) != 2 {
		t.Fatalf("expected 2 running collectors")
	}

	m.StopAll()
	if len(m.GetAllStatuses()) != 0 {
		t.Fatalf("expected no collectors after StopAll")
	}
}

func TestStartAllActiveListError(t *testing.T) {
	store := newFakeStore()
	store.failList = errors.New("db down")
	m, _, _ := newTestManager(store, &fakeAdapter{}, nil)
	if _, err := m.StartAllActive(context.Background()); err == nil {
		t.Fatalf("expected list error")
	}
}

func TestReconcile(t *testing.T) {
	store := newFakeStore(activeConn("c1"))
	m, _, _ := newTestManager(store, &fakeAdapter{}, nil)
	defer m.StopAll()
	if err := m.Reconcile(context.Background(), "c1"); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if _, ok := m.GetStatus("c1"); !ok {
		t.Fatalf("active connection should be running")
	}
	store.setActive("c1", false)
	if err := m.Reconcile(context.Background(), "c1"); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if _, ok := m.GetStatus("c1"); ok {
		t.Fatalf("deactivated connection should be stopped")
	}
	if err := m.Reconcile(context.Background(), "gone"); err != nil {
		t.Fatalf("reconcile of deleted connection should stop quietly: %v", err)
	}
}

func TestTestConnectionNeverErrors(t *testing.T) {
	store := newFakeStore(activeConn("c1"))
	m, _, _ := newTestManager(store, &fakeAdapter{testFail: true}, nil)
	ok, msg := m.TestConnection(context.Background(), "c1")
	if ok || msg != "unreachable" {
		t.Fatalf("unexpected result %v %q", ok, msg)
	}
	ok, msg = m.TestConnection(context.Background(), "missing")
	if ok || msg == "" {
		t.Fatalf("unexpected result for missing connection %v %q", ok, msg)
	}
}

func TestConnectTimeoutStillRecordsError(t *testing.T) {
	store := newFakeStore(activeConn("c1"))
	store.ctxAware = true
	m, _, _ := newTestManager(store, &fakeAdapter{connectHangs: true}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.Start(ctx, "c1"); !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
	if msg, ok := store.errFor("c1"); !ok || msg == "" {
		t.Fatalf("expected last error recorded after connect deadline")
	}
}

func TestStopDuringPersistSkipsOutcome(t *testing.T) {
	store := newFakeStore(activeConn("c1"))
	store.insertEntered = make(chan struct{}, 1)
	store.insertGate = make(chan struct{})
	adapter := &fakeAdapter{fetchFn: func(ctx context.Context, call int) ([]source.DataPoint, error) {
		if call == 1 {
			return points(5), nil
		}
		return nil, nil
	}}
	events := &recordingPublisher{}
	m, _, _ := newTestManager(store, adapter, events)
	if err := m.Start(context.Background(), "c1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	<-store.insertEntered

	stopped := make(chan struct{})
	go func() {
		m.Stop("c1")
		close(stopped)
	}()
	require.Eventually(t, func() bool {
		_, ok := m.GetStatus("c1")
		return !ok
	}, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(store.insertGate)
	<-stopped
	time.Sleep(30 * time.Millisecond)

	if store.hasLastData("c1") {
		t.Fatalf("stopped collector must not record last data")
	}
	statuses := events.statuses()
	if len(statuses) == 0 || statuses[len(statuses)-1] != StatusDisconnected {
		t.Fatalf("disconnected must be the final status, got %v", statuses)
	}
}

func TestBlockedConnectionDoesNotDelayOthers(t *testing.T) {
	slowConn := activeConn("slow")
	slowConn.Config = json.RawMessage(`{"valueField":"slow"}`)
	fastConn := activeConn("fast")
	fastConn.Config = json.RawMessage(`{"valueField":"fast"}`)
	store := newFakeStore(slowConn, fastConn)

	release := make(chan struct{})
	slow := &fakeAdapter{fetchFn: func(ctx context.Context, call int) ([]source.DataPoint, error) {
		<-release
		return nil, nil
	}}
	fast := &fakeAdapter{fetchFn: func(ctx context.Context, call int) ([]source.DataPoint, error) {
		return points(1), nil
	}}
	factory := func(connectionType string, config json.RawMessage) (source.Adapter, error) {
		if string(config) == `{"valueField":"slow"}` {
			return slow, nil
		}
		return fast, nil
	}
	m := NewManager(store, factory, nil, nil, Options{
		Limits: security.Limits{MinPollInterval: time.Millisecond, MaxFetchDuration: time.Second, MaxResultSize: 1000},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := m.Start(context.Background(), "slow"); err != nil {
		t.Fatalf("start slow failed: %v", err)
	}
	if err := m.Start(context.Background(), "fast"); err != nil {
		t.Fatalf("start fast failed: %v", err)
	}

	require.Eventually(t, func() bool { return slow.callCount() == 1 }, time.Second, time.Millisecond)
	before := fast.callCount()
	require.Eventually(t, func() bool { return fast.callCount() >= before+5 }, time.Second, time.Millisecond)
	if slow.callCount() != 1 {
		t.Fatalf("slow connection must still be on its first fetch, got %d", slow.callCount())
	}
	close(release)
	m.StopAll()
}

func TestPersistenceFailureKeepsPolling(t *testing.T) {
	store := newFakeStore(activeConn("c1"))
	store.insertErr = errors.New("pool closed")
	adapter := &fakeAdapter{fetchFn: func(ctx context.Context, call int) ([]source.DataPoint, error) {
		return points(3), nil
	}}
	m, _, _ := newTestManager(store, adapter, nil)
	if err := m.Start(context.Background(), "c1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer m.StopAll()

	require.Eventually(t, func() bool {
		st, _ := m.GetStatus("c1")
		return st.LastError != nil && adapter.callCount() >= 3
	}, time.Second, time.Millisecond)
	st, _ := m.GetStatus("c1")
	if !strings.Contains(*st.LastError, "insert sample") {
		t.Fatalf("unexpected last error %q", *st.LastError)
	}
	if msg, ok := store.errFor("c1"); !ok || !strings.Contains(msg, "pool closed") {
		t.Fatalf("expected persistence error mirrored to store, got %q", msg)
	}
	if st.DataPointsCollected != 0 {
		t.Fatalf("failed inserts must not count as collected, got %d", st.DataPointsCollected)
	}

	store.setInsertErr(nil)
	require.Eventually(t, func() bool {
		st, _ := m.GetStatus("c1")
		return st.LastError == nil && st.DataPointsCollected > 0
	}, time.Second, time.Millisecond)
}
