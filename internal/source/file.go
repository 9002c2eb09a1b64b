package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

type FileConfig struct {
	Common
	Path      string `json:"path"`
	Delimiter string `json:"delimiter"`
}

// FileAdapter re-reads a CSV file on every fetch. It holds no handle between
// calls, so Connect and Disconnect only validate state.
type FileAdapter struct {
	cfg   FileConfig
	comma rune
	now   func() time.Time
}

func NewFileAdapter(cfg FileConfig) (*FileAdapter, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("%w: file path is required", ErrInvalidConfig)
	}
	if cfg.ValueField == "" {
		return nil, fmt.Errorf("%w: valueField is required", ErrInvalidConfig)
	}
	comma := ','
	if cfg.Delimiter != "" {
		runes := []rune(cfg.Delimiter)
		if len(runes) != 1 {
			return nil, fmt.Errorf("%w: delimiter must be a single character", ErrInvalidConfig)
		}
		comma = runes[0]
	}
	return &FileAdapter{cfg: cfg, comma: comma, now: time.Now}, nil
}

func (a *FileAdapter) Connect(ctx context.Context) error {
	return nil
}

func (a *FileAdapter) Disconnect() error {
	return nil
}

func (a *FileAdapter) Fetch(ctx context.Context, req FetchRequest) ([]DataPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.ValueField == "" {
		req.ValueField = a.cfg.ValueField
	}
	if req.TimestampField == "" {
		req.TimestampField = a.cfg.TimestampField
	}
	f, err := os.Open(a.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()
	return a.parse(f, req)
}

func (a *FileAdapter) parse(r io.Reader, req FetchRequest) ([]DataPoint, error) {
	reader := csv.NewReader(r)
	reader.Comma = a.comma
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("csv file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	valueIdx := headerIndex(header, req.ValueField)
	if valueIdx < 0 {
		return nil, fmt.Errorf("csv column %q not found", req.ValueField)
	}
	tsIdx := -1
	if req.TimestampField != "" {
		tsIdx = headerIndex(header, req.TimestampField)
		if tsIdx < 0 {
			return nil, fmt.Errorf("csv column %q not found", req.TimestampField)
		}
	}
	now := a.now()
	points := []DataPoint{}
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		var rawTS any
		if tsIdx >= 0 {
			rawTS = record[tsIdx]
		}
		point, err := pointFromFields(a.cfg.Common, req, rawTS, record[valueIdx], now)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		points = append(points, point)
	}
	return points, nil
}

func (a *FileAdapter) TestConnection(ctx context.Context) (bool, string) {
	info, err := os.Stat(a.cfg.Path)
	if err != nil {
		return false, fmt.Sprintf("file not accessible: %v", err)
	}
	if info.IsDir() {
		return false, "path is a directory"
	}
	f, err := os.Open(a.cfg.Path)
	if err != nil {
		return false, fmt.Sprintf("file not readable: %v", err)
	}
	_ = f.Close()
	return true, "file is readable"
}

func headerIndex(header []string, name string) int {
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")), name) {
			return i
		}
	}
	return -1
}
