package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	anomaly "tracker-cloud/internal/anomaly/domain"
	"tracker-cloud/internal/storage"
)

// DBTX covers *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const alertColumns = "id, device_id, kind, severity, record_id, detail, triggered_at, acknowledged, acknowledged_at"

// AlertRepository persists alerts in PostgreSQL.
type AlertRepository struct {
	db    DBTX
	table string
}

// AlertRepositoryOption configures the repository.
type AlertRepositoryOption func(*AlertRepository)

// WithAlertTable overrides the table name.
func WithAlertTable(name string) AlertRepositoryOption {
	return func(r *AlertRepository) { r.table = name }
}

// NewAlertRepository constructs a repository.
func NewAlertRepository(db DBTX, opts ...AlertRepositoryOption) (*AlertRepository, error) {
	if db == nil {
		return nil, errors.New("alert repo: db is nil")
	}
	r := &AlertRepository{db: db, table: "alerts"}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Insert stores a new alert.
func (r *AlertRepository) Insert(ctx context.Context, alert *anomaly.Alert) error {
	if alert == nil || alert.ID == "" {
		return errors.New("alert repo: invalid alert")
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, r.table, alertColumns)
	_, err := r.db.ExecContext(ctx, query,
		alert.ID, alert.DeviceID, alert.Kind, alert.Severity,
		nullString(alert.RecordID), alert.Detail, alert.TriggeredAt.UTC(),
		alert.Acknowledged, nullTime(alert.AcknowledgedAt),
	)
	if err != nil {
		return storage.Unavailable("alert insert", err)
	}
	return nil
}

// GetByID loads an alert by id.
func (r *AlertRepository) GetByID(ctx context.Context, id string) (*anomaly.Alert, error) {
	if id == "" {
		return nil, errors.New("alert repo: empty id")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, alertColumns, r.table)
	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Unavailable("alert get", err)
	}
	return alert, nil
}

// FindOpenByKind returns the newest unacknowledged alert of the kind.
func (r *AlertRepository) FindOpenByKind(ctx context.Context, deviceID, kind string) (*anomaly.Alert, error) {
	if deviceID == "" || kind == "" {
		return nil, errors.New("alert repo: device id and kind required")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE device_id = $1 AND kind = $2 AND acknowledged = FALSE ORDER BY triggered_at DESC LIMIT 1`, alertColumns, r.table)
	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, deviceID, kind))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Unavailable("alert find open", err)
	}
	return alert, nil
}

// ListByDevice returns a device's alerts, newest first.
func (r *AlertRepository) ListByDevice(ctx context.Context, deviceID string) ([]anomaly.Alert, error) {
	if deviceID == "" {
		return nil, errors.New("alert repo: empty device id")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE device_id = $1 ORDER BY triggered_at DESC`, alertColumns, r.table)
	rows, err := r.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, storage.Unavailable("alert list", err)
	}
	defer rows.Close()
	return collectAlerts(rows)
}

// ListByDeviceAndRange returns alerts triggered in [from, to], oldest
// first.
func (r *AlertRepository) ListByDeviceAndRange(ctx context.Context, deviceID string, from, to time.Time) ([]anomaly.Alert, error) {
	if deviceID == "" {
		return nil, errors.New("alert repo: empty device id")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE device_id = $1 AND triggered_at >= $2 AND triggered_at <= $3 ORDER BY triggered_at ASC`, alertColumns, r.table)
	rows, err := r.db.QueryContext(ctx, query, deviceID, from.UTC(), to.UTC())
	if err != nil {
		return nil, storage.Unavailable("alert list range", err)
	}
	defer rows.Close()
	return collectAlerts(rows)
}

// MarkAcknowledged acknowledges an alert.
func (r *AlertRepository) MarkAcknowledged(ctx context.Context, id string, at time.Time) error {
	if id == "" {
		return errors.New("alert repo: empty id")
	}
	query := fmt.Sprintf(`UPDATE %s SET acknowledged = TRUE, acknowledged_at = $2 WHERE id = $1`, r.table)
	result, err := r.db.ExecContext(ctx, query, id, at.UTC())
	if err != nil {
		return storage.Unavailable("alert ack", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.Unavailable("alert ack", err)
	}
	if affected == 0 {
		return anomaly.ErrAlertNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*anomaly.Alert, error) {
	var (
		alert    anomaly.Alert
		recordID sql.NullString
		ackedAt  sql.NullTime
	)
	err := row.Scan(
		&alert.ID, &alert.DeviceID, &alert.Kind, &alert.Severity,
		&recordID, &alert.Detail, &alert.TriggeredAt,
		&alert.Acknowledged, &ackedAt,
	)
	if err != nil {
		return nil, err
	}
	if recordID.Valid {
		alert.RecordID = recordID.String
	}
	if ackedAt.Valid {
		alert.AcknowledgedAt = ackedAt.Time.UTC()
	}
	alert.TriggeredAt = alert.TriggeredAt.UTC()
	return &alert, nil
}

func collectAlerts(rows *sql.Rows) ([]anomaly.Alert, error) {
	var result []anomaly.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, storage.Unavailable("alert scan", err)
		}
		result = append(result, *alert)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Unavailable("alert rows", err)
	}
	return result, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// BaselineRepository persists device baselines in PostgreSQL.
type BaselineRepository struct {
	db    DBTX
	table string
}

// NewBaselineRepository constructs a repository.
func NewBaselineRepository(db DBTX) (*BaselineRepository, error) {
	if db == nil {
		return nil, errors.New("baseline repo: db is nil")
	}
	return &BaselineRepository{db: db, table: "device_baselines"}, nil
}

// Get loads a baseline by device id.
func (r *BaselineRepository) Get(ctx context.Context, deviceID string) (*anomaly.Baseline, error) {
	if deviceID == "" {
		return nil, errors.New("baseline repo: empty device id")
	}
	query := fmt.Sprintf(`SELECT device_id, known_ips, known_asns, known_bssids, updated_at FROM %s WHERE device_id = $1`, r.table)
	var (
		baseline anomaly.Baseline
		ips      []byte
		asns     []byte
		bssids   []byte
	)
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(
		&baseline.DeviceID, &ips, &asns, &bssids, &baseline.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Unavailable("baseline get", err)
	}
	if err := json.Unmarshal(ips, &baseline.KnownIPs); err != nil {
		return nil, storage.Unavailable("baseline decode ips", err)
	}
	if err := json.Unmarshal(asns, &baseline.KnownASNs); err != nil {
		return nil, storage.Unavailable("baseline decode asns", err)
	}
	if err := json.Unmarshal(bssids, &baseline.KnownBSSIDs); err != nil {
		return nil, storage.Unavailable("baseline decode bssids", err)
	}
	baseline.UpdatedAt = baseline.UpdatedAt.UTC()
	return &baseline, nil
}

// Upsert stores a baseline, replacing any previous row.
func (r *BaselineRepository) Upsert(ctx context.Context, baseline *anomaly.Baseline) error {
	if baseline == nil || baseline.DeviceID == "" {
		return errors.New("baseline repo: invalid baseline")
	}
	ips, err := json.Marshal(baseline.KnownIPs)
	if err != nil {
		return fmt.Errorf("baseline repo: encode ips: %w", err)
	}
	asns, err := json.Marshal(baseline.KnownASNs)
	if err != nil {
		return fmt.Errorf("baseline repo: encode asns: %w", err)
	}
	bssids, err := json.Marshal(baseline.KnownBSSIDs)
	if err != nil {
		return fmt.Errorf("baseline repo: encode bssids: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (device_id, known_ips, known_asns, known_bssids, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (device_id) DO UPDATE SET known_ips = EXCLUDED.known_ips, known_asns = EXCLUDED.known_asns, known_bssids = EXCLUDED.known_bssids, updated_at = EXCLUDED.updated_at`, r.table)
	if _, err := r.db.ExecContext(ctx, query, baseline.DeviceID, ips, asns, bssids, baseline.UpdatedAt.UTC()); err != nil {
		return storage.Unavailable("baseline upsert", err)
	}
	return nil
}
