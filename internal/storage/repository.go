package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

type Repository struct {
	Store *Store
}

func NewRepository(store *Store) *Repository {
	return &Repository{Store: store}
}

const connectionColumns = `id, machine_id, name, connection_type, config, polling_interval_ms, is_active, scale, value_offset, last_error, last_data_at, created_at, updated_at`

func scanConnection(row pgx.Row) (ConnectionConfig, error) {
	var rec ConnectionConfig
	var config []byte
	err := row.Scan(&rec.ID, &rec.MachineID, &rec.Name, &rec.ConnectionType, &config, &rec.PollingIntervalMs, &rec.IsActive, &rec.Scale, &rec.Offset, &rec.LastError, &rec.LastDataAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return ConnectionConfig{}, err
	}
	rec.Config = config
	return rec, nil
}

func (r *Repository) GetConnection(ctx context.Context, id string) (ConnectionConfig, error) {
	row := r.Store.Pool.QueryRow(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id=$1`, id)
	rec, err := scanConnection(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ConnectionConfig{}, ErrNotFound
		}
		return ConnectionConfig{}, err
	}
	return rec, nil
}

func (r *Repository) ListActiveConnections(ctx context.Context) ([]ConnectionConfig, error) {
	rows, err := r.Store.Pool.Query(ctx, `SELECT `+connectionColumns+` FROM connections WHERE is_active ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []ConnectionConfig{}
	for rows.Next() {
		rec, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

func (r *Repository) InsertSample(ctx context.Context, s SampleRecord) error {
	rules := make([]int32, len(s.ViolatedRules))
	for i, rule := range s.ViolatedRules {
		rules[i] = int32(rule)
	}
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO spc_samples (connection_id, machine_id, measurement_name, value, unit, sample_time, subgroup_index, subgroup_mean, subgroup_range, ucl, lcl, is_out_of_spec, is_out_of_control, violated_rules)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		s.ConnectionID, s.MachineID, s.MeasurementName, s.Value, s.Unit, s.SampleTime, s.SubgroupIndex, s.SubgroupMean, s.SubgroupRange, s.UCL, s.LCL, s.IsOutOfSpec, s.IsOutOfControl, rules,
	)
	return err
}

func (r *Repository) InsertAlert(ctx context.Context, a AlertRecord) error {
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO alerts (connection_id, machine_id, alert_type, severity, message, rule_number, value, threshold, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.ConnectionID, a.MachineID, a.AlertType, a.Severity, a.Message, a.RuleNumber, a.Value, a.Threshold, a.CreatedAt,
	)
	return err
}

func (r *Repository) UpdateConnectionError(ctx context.Context, id string, message string) error {
	_, err := r.Store.Pool.Exec(ctx, `UPDATE connections SET last_error=$1, updated_at=now() WHERE id=$2`, message, id)
	return err
}

// UpdateConnectionLastData records a successful collection and clears any
// error left by a previous tick.
func (r *Repository) UpdateConnectionLastData(ctx context.Context, id string, at time.Time) error {
	_, err := r.Store.Pool.Exec(ctx, `UPDATE connections SET last_data_at=$1, last_error=NULL, updated_at=now() WHERE id=$2`, at, id)
	return err
}
