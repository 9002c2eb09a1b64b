// Package source implements the protocol-specific connectors that feed the
// collector. Every variant satisfies Adapter regardless of the backing
// protocol.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	KindDatabase = "database"
	KindFile     = "file"
	KindAPI      = "api"
	KindOPCUA    = "opcua"
	KindMQTT     = "mqtt"
)

var (
	ErrInvalidConfig   = errors.New("invalid source config")
	ErrNotConnected    = errors.New("source not connected")
	ErrUnsupportedKind = errors.New("unsupported connection type")
)

// DataPoint is one reading produced by an adapter.
type DataPoint struct {
	Timestamp       time.Time `json:"timestamp"`
	MeasurementName string    `json:"measurementName"`
	Value           float64   `json:"value"`
	Unit            string    `json:"unit,omitempty"`
}

// FetchRequest names what to read. Query is the SQL statement for database
// sources and a comma separated node or topic list for OPC-UA and MQTT.
type FetchRequest struct {
	Query          string `json:"query"`
	TimestampField string `json:"timestampField"`
	ValueField     string `json:"valueField"`
}

type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Fetch(ctx context.Context, req FetchRequest) ([]DataPoint, error)
	// TestConnection never fails; it reports reachability as a flag and a
	// message suitable for display.
	TestConnection(ctx context.Context) (bool, string)
}

// Decryptor turns a stored ciphertext into a plain secret.
type Decryptor interface {
	Decrypt(cipherText string) (string, error)
}

// Common holds the keys shared by every config blob.
type Common struct {
	FetchRequest
	MeasurementName string `json:"measurementName"`
	Unit            string `json:"unit"`
}

func (c Common) measurement() string {
	if strings.TrimSpace(c.MeasurementName) != "" {
		return c.MeasurementName
	}
	if c.ValueField != "" {
		return c.ValueField
	}
	return "value"
}

// ParseFetchRequest extracts the fetch parameters from a raw config blob.
func ParseFetchRequest(raw json.RawMessage) (FetchRequest, error) {
	var c Common
	if len(raw) == 0 {
		return FetchRequest{}, nil
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return FetchRequest{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return c.FetchRequest, nil
}

type Factory struct {
	Decryptor  Decryptor
	HTTPClient *http.Client
}

// New builds the adapter variant for connectionType from its config blob.
// Config errors are reported here so a bad connection is never scheduled.
func (f Factory) New(connectionType string, raw json.RawMessage) (Adapter, error) {
	if strings.TrimSpace(connectionType) == "" {
		return nil, fmt.Errorf("%w: connection type is required", ErrInvalidConfig)
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	switch strings.ToLower(connectionType) {
	case KindDatabase:
		var cfg DatabaseConfig
		if err := decodeConfig(raw, &cfg); err != nil {
			return nil, err
		}
		return NewDatabaseAdapter(cfg, f.Decryptor)
	case KindFile:
		var cfg FileConfig
		if err := decodeConfig(raw, &cfg); err != nil {
			return nil, err
		}
		return NewFileAdapter(cfg)
	case KindAPI:
		var cfg APIConfig
		if err := decodeConfig(raw, &cfg); err != nil {
			return nil, err
		}
		return NewAPIAdapter(cfg, f.HTTPClient)
	case KindOPCUA:
		var cfg SimulatedConfig
		if err := decodeConfig(raw, &cfg); err != nil {
			return nil, err
		}
		return NewOPCUAAdapter(cfg)
	case KindMQTT:
		var cfg SimulatedConfig
		if err := decodeConfig(raw, &cfg); err != nil {
			return nil, err
		}
		return NewMQTTAdapter(cfg)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedKind, connectionType)
	}
}

func decodeConfig(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// pointFromFields maps a raw timestamp/value pair into a DataPoint. An empty
// timestamp field stamps the point with now.
func pointFromFields(c Common, req FetchRequest, rawTS any, rawValue any, now time.Time) (DataPoint, error) {
	value, ok := toFloat(rawValue)
	if !ok {
		return DataPoint{}, fmt.Errorf("value %v in field %q is not numeric", rawValue, req.ValueField)
	}
	if !isFinite(value) {
		return DataPoint{}, fmt.Errorf("value in field %q is not finite", req.ValueField)
	}
	ts := now
	if req.TimestampField != "" {
		parsed, ok := toTime(rawTS)
		if !ok {
			return DataPoint{}, fmt.Errorf("timestamp %v in field %q is not a time", rawTS, req.TimestampField)
		}
		ts = parsed
	}
	return DataPoint{
		Timestamp:       ts.UTC(),
		MeasurementName: c.measurement(),
		Value:           value,
		Unit:            c.Unit,
	}, nil
}
