package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"

	"spcstream-backend/internal/security"
)

type DatabaseConfig struct {
	Common
	Driver      string `json:"driver"` // mysql | postgres | mssql
	Host        string `json:"host"`
	Port        int    `json:"port"`
	User        string `json:"user"`
	Password    string `json:"password"`
	PasswordEnc string `json:"passwordEnc"`
	Database    string `json:"database"`
	SSLMode     string `json:"sslMode"`
}

// DatabaseAdapter runs the configured query against a pooled connection and
// maps each row's timestamp and value columns into a DataPoint.
type DatabaseAdapter struct {
	cfg        DatabaseConfig
	driverName string
	dsn        string
	now        func() time.Time

	mu sync.Mutex
	db *sql.DB
}

func NewDatabaseAdapter(cfg DatabaseConfig, dec Decryptor) (*DatabaseAdapter, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if cfg.ValueField == "" {
		return nil, fmt.Errorf("%w: valueField is required", ErrInvalidConfig)
	}
	if !security.IsSafeIdentifier(cfg.ValueField) {
		return nil, fmt.Errorf("%w: unsafe value column %q", ErrInvalidConfig, cfg.ValueField)
	}
	if cfg.TimestampField != "" && !security.IsSafeIdentifier(cfg.TimestampField) {
		return nil, fmt.Errorf("%w: unsafe timestamp column %q", ErrInvalidConfig, cfg.TimestampField)
	}
	if cfg.Query != "" && !security.IsReadOnlyQuery(cfg.Query) {
		return nil, fmt.Errorf("%w: query must be a single read-only SELECT", ErrInvalidConfig)
	}
	if cfg.PasswordEnc != "" {
		if dec == nil {
			return nil, fmt.Errorf("%w: encrypted password without decryption key", ErrInvalidConfig)
		}
		plain, err := dec.Decrypt(cfg.PasswordEnc)
		if err != nil {
			return nil, fmt.Errorf("%w: decrypt password: %v", ErrInvalidConfig, err)
		}
		cfg.Password = plain
	}
	driverName, dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}
	return &DatabaseAdapter{cfg: cfg, driverName: driverName, dsn: dsn, now: time.Now}, nil
}

// buildDSN returns the database/sql driver name and a DSN with credentials
// escaped for that driver.
func buildDSN(cfg DatabaseConfig) (string, string, error) {
	sslMode := strings.ToLower(strings.TrimSpace(cfg.SSLMode))
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "mysql":
		if cfg.Port == 0 {
			cfg.Port = 3306
		}
		mc := mysql.NewConfig()
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		mc.DBName = cfg.Database
		mc.ParseTime = true
		switch {
		case sslMode == "disable":
			mc.TLSConfig = "false"
		case sslMode != "":
			mc.TLSConfig = "true"
		}
		return "mysql", mc.FormatDSN(), nil
	case "postgres", "postgresql":
		if cfg.Port == 0 {
			cfg.Port = 5432
		}
		if sslMode == "" {
			sslMode = "disable"
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(cfg.User, cfg.Password),
			Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Path:     "/" + cfg.Database,
			RawQuery: url.Values{"sslmode": {sslMode}}.Encode(),
		}
		return "postgres", u.String(), nil
	case "mssql", "sqlserver":
		if cfg.Port == 0 {
			cfg.Port = 1433
		}
		encrypt := "true"
		if sslMode == "disable" {
			encrypt = "disable"
		}
		u := url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(cfg.User, cfg.Password),
			Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			RawQuery: url.Values{"database": {cfg.Database}, "encrypt": {encrypt}}.Encode(),
		}
		return "sqlserver", u.String(), nil
	case "":
		return "", "", fmt.Errorf("%w: database driver is required", ErrInvalidConfig)
	default:
		return "", "", fmt.Errorf("%w: unsupported database driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func (a *DatabaseAdapter) open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open(a.driverName, a.dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", a.driverName, err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", a.driverName, err)
	}
	return db, nil
}

func (a *DatabaseAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db != nil {
		return nil
	}
	db, err := a.open(ctx)
	if err != nil {
		return err
	}
	a.db = db
	return nil
}

func (a *DatabaseAdapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

func (a *DatabaseAdapter) Fetch(ctx context.Context, req FetchRequest) ([]DataPoint, error) {
	a.mu.Lock()
	db := a.db
	a.mu.Unlock()
	if db == nil {
		return nil, ErrNotConnected
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, errors.New("database query is empty")
	}
	if !security.IsReadOnlyQuery(req.Query) {
		return nil, fmt.Errorf("%w: query must be a single read-only SELECT", ErrInvalidConfig)
	}
	rows, err := db.QueryContext(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", a.driverName, err)
	}
	defer rows.Close()
	records, err := scanRowsToMaps(rows)
	if err != nil {
		return nil, fmt.Errorf("scan %s rows: %w", a.driverName, err)
	}
	return rowsToPoints(a.cfg.Common, req, records, a.now())
}

func (a *DatabaseAdapter) TestConnection(ctx context.Context) (bool, string) {
	a.mu.Lock()
	db := a.db
	a.mu.Unlock()
	if db != nil {
		if err := db.PingContext(ctx); err != nil {
			return false, fmt.Sprintf("ping %s: %v", a.driverName, err)
		}
		return true, "database connection successful"
	}
	db, err := a.open(ctx)
	if err != nil {
		return false, err.Error()
	}
	_ = db.Close()
	return true, "database connection successful"
}

func rowsToPoints(c Common, req FetchRequest, records []map[string]any, now time.Time) ([]DataPoint, error) {
	points := make([]DataPoint, 0, len(records))
	for i, row := range records {
		rawValue, ok := lookupField(row, req.ValueField)
		if !ok {
			return nil, fmt.Errorf("row %d: column %q not found", i, req.ValueField)
		}
		var rawTS any
		if req.TimestampField != "" {
			rawTS, ok = lookupField(row, req.TimestampField)
			if !ok {
				return nil, fmt.Errorf("row %d: column %q not found", i, req.TimestampField)
			}
		}
		point, err := pointFromFields(c, req, rawTS, rawValue, now)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		points = append(points, point)
	}
	return points, nil
}

// lookupField matches a column name exactly, then case-insensitively, since
// some engines fold unquoted identifiers.
func lookupField(row map[string]any, name string) (any, bool) {
	if v, ok := row[name]; ok {
		return v, true
	}
	for k, v := range row {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}
