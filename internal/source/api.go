package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultAPITimeout = 10 * time.Second
	maxAPIBodyBytes   = 8 << 20
)

type APIConfig struct {
	Common
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	BearerToken    string            `json:"bearerToken"`
	Headers        map[string]string `json:"headers"`
	Body           json.RawMessage   `json:"body"`
	TimeoutSeconds int               `json:"timeoutSeconds"`
}

// APIAdapter issues one HTTP request per fetch and expects a JSON array of
// objects in the response.
type APIAdapter struct {
	cfg    APIConfig
	method string
	client *http.Client
	now    func() time.Time
}

func NewAPIAdapter(cfg APIConfig, client *http.Client) (*APIAdapter, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: api url must be an absolute http(s) url", ErrInvalidConfig)
	}
	if cfg.ValueField == "" {
		return nil, fmt.Errorf("%w: valueField is required", ErrInvalidConfig)
	}
	method := strings.ToUpper(strings.TrimSpace(cfg.Method))
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("%w: unsupported method %q", ErrInvalidConfig, cfg.Method)
	}
	if client == nil {
		timeout := defaultAPITimeout
		if cfg.TimeoutSeconds > 0 {
			timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &APIAdapter{cfg: cfg, method: method, client: client, now: time.Now}, nil
}

func (a *APIAdapter) Connect(ctx context.Context) error {
	return nil
}

func (a *APIAdapter) Disconnect() error {
	return nil
}

func (a *APIAdapter) newRequest(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if a.method == http.MethodPost && len(a.cfg.Body) > 0 {
		body = bytes.NewReader(a.cfg.Body)
	}
	req, err := http.NewRequestWithContext(ctx, a.method, a.cfg.URL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range a.cfg.Headers {
		req.Header.Set(k, v)
	}
	if a.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.BearerToken)
	}
	return req, nil
}

func (a *APIAdapter) Fetch(ctx context.Context, fetch FetchRequest) ([]DataPoint, error) {
	if fetch.ValueField == "" {
		fetch.ValueField = a.cfg.ValueField
	}
	if fetch.TimestampField == "" {
		fetch.TimestampField = a.cfg.TimestampField
	}
	req, err := a.newRequest(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("api responded with status %d", resp.StatusCode)
	}
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxAPIBodyBytes))
	dec.UseNumber()
	var items []map[string]any
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("decode api response: expected a json array of objects: %w", err)
	}
	now := a.now()
	points := make([]DataPoint, 0, len(items))
	for i, item := range items {
		rawValue, ok := item[fetch.ValueField]
		if !ok {
			return nil, fmt.Errorf("element %d: field %q not found", i, fetch.ValueField)
		}
		var rawTS any
		if fetch.TimestampField != "" {
			rawTS, ok = item[fetch.TimestampField]
			if !ok {
				return nil, fmt.Errorf("element %d: field %q not found", i, fetch.TimestampField)
			}
		}
		point, err := pointFromFields(a.cfg.Common, fetch, rawTS, rawValue, now)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		points = append(points, point)
	}
	return points, nil
}

func (a *APIAdapter) TestConnection(ctx context.Context) (bool, string) {
	req, err := a.newRequest(ctx)
	if err != nil {
		return false, err.Error()
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false, fmt.Sprintf("api unreachable: %v", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Sprintf("api responded with status %d", resp.StatusCode)
	}
	return true, "api reachable"
}
