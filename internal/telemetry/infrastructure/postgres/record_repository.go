package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tracker-cloud/internal/storage"
	telemetry "tracker-cloud/internal/telemetry/domain"
)

const defaultRecordsTable = "telemetry_records"

// DBTX abstracts *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// RecordRepository is a Postgres implementation for telemetry records.
type RecordRepository struct {
	db    DBTX
	table string
}

// NewRecordRepository constructs a repository.
func NewRecordRepository(db DBTX) *RecordRepository {
	return &RecordRepository{db: db, table: defaultRecordsTable}
}

// Insert appends a record.
func (r *RecordRepository) Insert(ctx context.Context, record *telemetry.Record) error {
	if r == nil || r.db == nil {
		return errors.New("record repo: nil db")
	}
	if record == nil || record.ID == "" || record.DeviceID == "" {
		return errors.New("record repo: invalid record")
	}

	bssids, err := json.Marshal(record.Fingerprint.BSSIDs)
	if err != nil {
		return err
	}
	var battery sql.NullInt64
	if record.Battery != nil {
		battery = sql.NullInt64{Int64: int64(*record.Battery), Valid: true}
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, device_id, sequence, ts, ip, asn, bssids, battery, payload, signature, received_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`, r.table)

	if _, err := r.db.ExecContext(ctx, query,
		record.ID, record.DeviceID, int64(record.Sequence), record.Timestamp.UTC(),
		record.Fingerprint.IP, record.Fingerprint.ASN, bssids,
		battery, record.Payload, record.Signature, record.ReceivedAt.UTC(),
	); err != nil {
		return storage.Unavailable("record repo: insert", err)
	}
	return nil
}

// Delete removes a record by id.
func (r *RecordRepository) Delete(ctx context.Context, id string) error {
	if r == nil || r.db == nil {
		return errors.New("record repo: nil db")
	}
	if id == "" {
		return errors.New("record repo: empty record id")
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, r.table)
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return storage.Unavailable("record repo: delete", err)
	}
	return nil
}

// ListByDeviceAndRange returns records in [from, to] ordered by sequence.
func (r *RecordRepository) ListByDeviceAndRange(ctx context.Context, deviceID string, from, to time.Time) ([]telemetry.Record, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("record repo: nil db")
	}
	if deviceID == "" {
		return nil, errors.New("record repo: empty device id")
	}

	query := fmt.Sprintf(`
SELECT id, device_id, sequence, ts, ip, asn, bssids, battery, payload, signature, received_at
FROM %s
WHERE device_id = $1 AND ts >= $2 AND ts <= $3
ORDER BY sequence ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query, deviceID, from.UTC(), to.UTC())
	if err != nil {
		return nil, storage.Unavailable("record repo: list", err)
	}
	defer rows.Close()

	var result []telemetry.Record
	for rows.Next() {
		var record telemetry.Record
		var sequence int64
		var bssids []byte
		var battery sql.NullInt64
		if err := rows.Scan(
			&record.ID, &record.DeviceID, &sequence, &record.Timestamp,
			&record.Fingerprint.IP, &record.Fingerprint.ASN, &bssids,
			&battery, &record.Payload, &record.Signature, &record.ReceivedAt,
		); err != nil {
			return nil, storage.Unavailable("record repo: scan", err)
		}
		record.Sequence = uint64(sequence)
		if len(bssids) > 0 {
			_ = json.Unmarshal(bssids, &record.Fingerprint.BSSIDs)
		}
		if battery.Valid {
			value := int(battery.Int64)
			record.Battery = &value
		}
		record.Timestamp = record.Timestamp.UTC()
		record.ReceivedAt = record.ReceivedAt.UTC()
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Unavailable("record repo: rows", err)
	}
	return result, nil
}
