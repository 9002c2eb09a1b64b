package source

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"
)

// SimulatedConfig configures the OPC-UA and MQTT stand-ins. They validate
// the endpoint like a real client would but synthesize readings around
// Baseline instead of speaking the protocol.
type SimulatedConfig struct {
	Common
	EndpointURL string   `json:"endpointUrl"`
	BrokerURL   string   `json:"brokerUrl"`
	NodeIDs     []string `json:"nodeIds"`
	Topics      []string `json:"topics"`
	Baseline    float64  `json:"baseline"`
	Jitter      float64  `json:"jitter"`
}

const defaultJitter = 1.0

var mqttSchemes = map[string]bool{"mqtt": true, "mqtts": true, "tcp": true, "ssl": true, "ws": true, "wss": true}

// SimulatedAdapter is the placeholder variant shared by OPC-UA and MQTT.
// Replacing it with a real protocol client only needs another Adapter.
type SimulatedAdapter struct {
	kind     string
	endpoint string
	names    []string
	baseline float64
	jitter   float64
	unit     string
	now      func() time.Time

	mu        sync.Mutex
	connected bool
	rng       *rand.Rand
	last      map[string]float64
}

func NewOPCUAAdapter(cfg SimulatedConfig) (*SimulatedAdapter, error) {
	endpoint := strings.TrimSpace(cfg.EndpointURL)
	if err := validateOPCUAEndpoint(endpoint); err != nil {
		return nil, err
	}
	return newSimulated(KindOPCUA, endpoint, cfg.NodeIDs, cfg), nil
}

func NewMQTTAdapter(cfg SimulatedConfig) (*SimulatedAdapter, error) {
	broker := strings.TrimSpace(cfg.BrokerURL)
	if err := validateBrokerURL(broker); err != nil {
		return nil, err
	}
	return newSimulated(KindMQTT, broker, cfg.Topics, cfg), nil
}

func newSimulated(kind, endpoint string, names []string, cfg SimulatedConfig) *SimulatedAdapter {
	jitter := cfg.Jitter
	if jitter <= 0 {
		jitter = defaultJitter
	}
	return &SimulatedAdapter{
		kind:     kind,
		endpoint: endpoint,
		names:    names,
		baseline: cfg.Baseline,
		jitter:   jitter,
		unit:     cfg.Unit,
		now:      time.Now,
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		last:     map[string]float64{},
	}
}

func validateOPCUAEndpoint(endpoint string) error {
	if !strings.HasPrefix(endpoint, "opc.tcp://") {
		return fmt.Errorf("%w: opc-ua endpoint must start with opc.tcp://", ErrInvalidConfig)
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: opc-ua endpoint %q has no host", ErrInvalidConfig, endpoint)
	}
	return nil
}

func validateBrokerURL(broker string) error {
	u, err := url.Parse(broker)
	if err != nil || !mqttSchemes[strings.ToLower(u.Scheme)] || u.Host == "" {
		return fmt.Errorf("%w: mqtt broker url %q must look like mqtt://host:port", ErrInvalidConfig, broker)
	}
	return nil
}

func (a *SimulatedAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = true
	return nil
}

func (a *SimulatedAdapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	return nil
}

// Fetch returns one reading per requested node or topic. Each reading
// starts from the last value seen for that name and moves by at most the
// configured jitter, clamped to baseline ± 5 jitter.
func (a *SimulatedAdapter) Fetch(ctx context.Context, req FetchRequest) ([]DataPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names := splitNames(req.Query)
	if len(names) == 0 {
		names = a.names
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s source has no nodes or topics to read", a.kind)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, ErrNotConnected
	}
	now := a.now().UTC()
	points := make([]DataPoint, 0, len(names))
	for _, name := range names {
		prev, ok := a.last[name]
		if !ok {
			prev = a.baseline
		}
		next := prev + (a.rng.Float64()*2-1)*a.jitter
		lo, hi := a.baseline-5*a.jitter, a.baseline+5*a.jitter
		if next < lo {
			next = lo
		}
		if next > hi {
			next = hi
		}
		a.last[name] = next
		points = append(points, DataPoint{Timestamp: now, MeasurementName: name, Value: next, Unit: a.unit})
	}
	return points, nil
}

func (a *SimulatedAdapter) TestConnection(ctx context.Context) (bool, string) {
	var err error
	if a.kind == KindOPCUA {
		err = validateOPCUAEndpoint(a.endpoint)
	} else {
		err = validateBrokerURL(a.endpoint)
	}
	if err != nil {
		return false, err.Error()
	}
	return true, fmt.Sprintf("%s endpoint %s accepted (simulated)", a.kind, a.endpoint)
}

func splitNames(value string) []string {
	results := []string{}
	for _, part := range strings.Split(value, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		results = append(results, trimmed)
	}
	return results
}
