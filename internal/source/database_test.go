package source

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
)

type fakeDecryptor struct {
	plain string
	err   error
}

func (f fakeDecryptor) Decrypt(string) (string, error) { return f.plain, f.err }

func TestBuildDSN(t *testing.T) {
	tests := []struct {
		cfg        DatabaseConfig
		driver     string
		dsnContain string
	}{
		{cfg: DatabaseConfig{Driver: "mysql", Host: "db", User: "u", Password: "p", Database: "plant"}, driver: "mysql", dsnContain: "u:p@tcp(db:3306)/plant?"},
		{cfg: DatabaseConfig{Driver: "postgres", Host: "db", User: "u", Password: "p", Database: "plant"}, driver: "postgres", dsnContain: "postgres://u:p@db:5432/plant?sslmode=disable"},
		{cfg: DatabaseConfig{Driver: "mssql", Host: "db", User: "u", Password: "p@ss", Database: "plant", SSLMode: "disable"}, driver: "sqlserver", dsnContain: "sqlserver://u:p%40ss@db:1433?database=plant&encrypt=disable"},
	}
	for _, tt := range tests {
		driver, dsn, err := buildDSN(tt.cfg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if driver != tt.driver || !strings.Contains(dsn, tt.dsnContain) {
			t.Fatalf("unexpected driver/dsn %s %s", driver, dsn)
		}
	}
	if _, _, err := buildDSN(DatabaseConfig{Driver: "oracle"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for unknown driver, got %v", err)
	}
}

func TestBuildDSNEscapesCredentials(t *testing.T) {
	const password = "p@ss/w:rd ?&"
	_, dsn, err := buildDSN(DatabaseConfig{Driver: "mysql", Host: "db", User: "u", Password: password, Database: "plant", SSLMode: "disable"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		t.Fatalf("mysql dsn does not parse: %v", err)
	}
	if parsed.Passwd != password || parsed.Addr != "db:3306" || parsed.DBName != "plant" || !parsed.ParseTime || parsed.TLSConfig != "false" {
		t.Fatalf("unexpected mysql config %+v", parsed)
	}

	for _, driver := range []string{"postgres", "mssql"} {
		_, dsn, err := buildDSN(DatabaseConfig{Driver: driver, Host: "db", User: "u", Password: password, Database: "plant"})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", driver, err)
		}
		u, err := url.Parse(dsn)
		if err != nil {
			t.Fatalf("%s: dsn does not parse: %v", driver, err)
		}
		if got, _ := u.User.Password(); got != password {
			t.Fatalf("%s: password mangled: %q", driver, got)
		}
	}
}

func TestNewDatabaseAdapterValidation(t *testing.T) {
	base := DatabaseConfig{Driver: "postgres", Host: "db", Common: Common{FetchRequest: FetchRequest{ValueField: "value", TimestampField: "ts"}}}
	if _, err := NewDatabaseAdapter(base, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unsafe := base
	unsafe.ValueField = "value; drop table x"
	if _, err := NewDatabaseAdapter(unsafe, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected unsafe column rejection, got %v", err)
	}
	writes := base
	writes.Query = "SELECT 1; DELETE FROM readings"
	if _, err := NewDatabaseAdapter(writes, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected write query rejection, got %v", err)
	}
	encrypted := base
	encrypted.PasswordEnc = "abc"
	if _, err := NewDatabaseAdapter(encrypted, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected error without decryptor, got %v", err)
	}
	adapter, err := NewDatabaseAdapter(encrypted, fakeDecryptor{plain: "secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(adapter.dsn, ":secret@") {
		t.Fatalf("expected decrypted password in dsn")
	}
}

func TestDatabaseFetchRequiresConnect(t *testing.T) {
	adapter, _ := NewDatabaseAdapter(DatabaseConfig{Driver: "mysql", Host: "db", Common: Common{FetchRequest: FetchRequest{ValueField: "v"}}}, nil)
	if _, err := adapter.Fetch(context.Background(), FetchRequest{Query: "SELECT 1"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := adapter.Disconnect(); err != nil {
		t.Fatalf("disconnect on idle adapter must be a no-op: %v", err)
	}
}

func TestRowsToPoints(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ts := now.Add(-time.Minute)
	rows := []map[string]any{
		{"TS": ts, "VALUE": int64(7)},
		{"TS": "2024-01-01 00:00:30", "VALUE": "7.5"},
	}
	points, err := rowsToPoints(Common{MeasurementName: "flow", Unit: "l/min"}, FetchRequest{TimestampField: "ts", ValueField: "value"}, rows, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(points) != 2 || points[0].Value != 7 || points[1].Value != 7.5 || points[0].MeasurementName != "flow" {
		t.Fatalf("unexpected points %+v", points)
	}
	if !points[0].Timestamp.Equal(ts) {
		t.Fatalf("unexpected timestamp %v", points[0].Timestamp)
	}
	_, err = rowsToPoints(Common{}, FetchRequest{ValueField: "value"}, []map[string]any{{"value": nil}}, now)
	if err == nil {
		t.Fatalf("null value must fail the fetch")
	}
}
