package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	devices "tracker-cloud/internal/devices/domain"
	"tracker-cloud/internal/storage"
)

const defaultDevicesTable = "devices"

// DBTX abstracts *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DeviceRepository is a Postgres implementation for devices.
type DeviceRepository struct {
	db    DBTX
	table string
}

// NewDeviceRepository constructs a repository.
func NewDeviceRepository(db DBTX, opts ...DeviceOption) *DeviceRepository {
	repo := &DeviceRepository{db: db, table: defaultDevicesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// DeviceOption configures the repository.
type DeviceOption func(*DeviceRepository)

// WithDeviceTable overrides the default table name.
func WithDeviceTable(table string) DeviceOption {
	return func(repo *DeviceRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

const deviceColumns = `id, owner_id, public_key, token_hash, hostname, platform, status,
enrolled_at, active_since, last_seen_at, last_sequence, last_ip, last_asn, last_bssids,
created_at, updated_at`

// Get loads a device by id.
func (r *DeviceRepository) Get(ctx context.Context, id string) (*devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if id == "" {
		return nil, errors.New("device repo: empty id")
	}

	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE id = $1
LIMIT 1`, deviceColumns, r.table)

	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

// GetByTokenHash loads a device by its credential token hash.
func (r *DeviceRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if tokenHash == "" {
		return nil, errors.New("device repo: empty token hash")
	}

	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE token_hash = $1
LIMIT 1`, deviceColumns, r.table)

	return r.scanOne(r.db.QueryRowContext(ctx, query, tokenHash))
}

// ListByOwner returns the owner's devices ordered by id.
func (r *DeviceRepository) ListByOwner(ctx context.Context, ownerID string) ([]devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if ownerID == "" {
		return nil, errors.New("device repo: empty owner id")
	}

	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE owner_id = $1
ORDER BY id ASC`, deviceColumns, r.table)

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, storage.Unavailable("device repo: list by owner", err)
	}
	defer rows.Close()
	return r.scanMany(rows)
}

// List returns all devices ordered by id.
func (r *DeviceRepository) List(ctx context.Context) ([]devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT %s
FROM %s
ORDER BY id ASC`, deviceColumns, r.table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storage.Unavailable("device repo: list", err)
	}
	defer rows.Close()
	return r.scanMany(rows)
}

// Create stores a new device.
func (r *DeviceRepository) Create(ctx context.Context, device *devices.Device) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if device == nil || device.ID == "" {
		return errors.New("device repo: invalid device")
	}

	bssids, err := json.Marshal(device.LastKnown.BSSIDs)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`, r.table, deviceColumns)

	if _, err := r.db.ExecContext(ctx, query,
		device.ID, device.OwnerID, device.PublicKey, device.TokenHash,
		device.Hostname, device.Platform, device.Status,
		device.EnrolledAt.UTC(), nullTime(device.ActiveSince), nullTime(device.LastSeenAt),
		int64(device.LastSequence), device.LastKnown.IP, device.LastKnown.ASN, bssids,
		device.CreatedAt.UTC(), device.UpdatedAt.UTC(),
	); err != nil {
		return storage.Unavailable("device repo: insert", err)
	}
	return nil
}

// Update overwrites an existing device.
func (r *DeviceRepository) Update(ctx context.Context, device *devices.Device) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if device == nil || device.ID == "" {
		return errors.New("device repo: invalid device")
	}

	bssids, err := json.Marshal(device.LastKnown.BSSIDs)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
UPDATE %s
SET status = $2, active_since = $3, last_seen_at = $4, last_sequence = $5,
    last_ip = $6, last_asn = $7, last_bssids = $8, updated_at = $9
WHERE id = $1`, r.table)

	result, err := r.db.ExecContext(ctx, query,
		device.ID, device.Status, nullTime(device.ActiveSince), nullTime(device.LastSeenAt),
		int64(device.LastSequence), device.LastKnown.IP, device.LastKnown.ASN, bssids,
		device.UpdatedAt.UTC(),
	)
	if err != nil {
		return storage.Unavailable("device repo: update", err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return devices.ErrUnknownDevice
	}
	return nil
}

func (r *DeviceRepository) scanOne(row *sql.Row) (*devices.Device, error) {
	var device devices.Device
	var activeSince, lastSeen sql.NullTime
	var lastSequence int64
	var bssids []byte
	if err := row.Scan(
		&device.ID, &device.OwnerID, &device.PublicKey, &device.TokenHash,
		&device.Hostname, &device.Platform, &device.Status,
		&device.EnrolledAt, &activeSince, &lastSeen,
		&lastSequence, &device.LastKnown.IP, &device.LastKnown.ASN, &bssids,
		&device.CreatedAt, &device.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storage.Unavailable("device repo: scan", err)
	}
	normalizeDevice(&device, activeSince, lastSeen, lastSequence, bssids)
	return &device, nil
}

func (r *DeviceRepository) scanMany(rows *sql.Rows) ([]devices.Device, error) {
	var result []devices.Device
	for rows.Next() {
		var device devices.Device
		var activeSince, lastSeen sql.NullTime
		var lastSequence int64
		var bssids []byte
		if err := rows.Scan(
			&device.ID, &device.OwnerID, &device.PublicKey, &device.TokenHash,
			&device.Hostname, &device.Platform, &device.Status,
			&device.EnrolledAt, &activeSince, &lastSeen,
			&lastSequence, &device.LastKnown.IP, &device.LastKnown.ASN, &bssids,
			&device.CreatedAt, &device.UpdatedAt,
		); err != nil {
			return nil, storage.Unavailable("device repo: scan", err)
		}
		normalizeDevice(&device, activeSince, lastSeen, lastSequence, bssids)
		result = append(result, device)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Unavailable("device repo: rows", err)
	}
	return result, nil
}

func normalizeDevice(device *devices.Device, activeSince, lastSeen sql.NullTime, lastSequence int64, bssids []byte) {
	if activeSince.Valid {
		device.ActiveSince = activeSince.Time.UTC()
	}
	if lastSeen.Valid {
		device.LastSeenAt = lastSeen.Time.UTC()
	}
	if lastSequence > 0 {
		device.LastSequence = uint64(lastSequence)
	}
	if len(bssids) > 0 {
		_ = json.Unmarshal(bssids, &device.LastKnown.BSSIDs)
	}
	device.EnrolledAt = device.EnrolledAt.UTC()
	device.CreatedAt = device.CreatedAt.UTC()
	device.UpdatedAt = device.UpdatedAt.UTC()
}

func nullTime(value time.Time) sql.NullTime {
	if value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value.UTC(), Valid: true}
}
