package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tracker-cloud/internal/storage"
)

// Repository writes audit logs to Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository constructs an audit repository.
func NewRepository(db *sql.DB) *Repository {
	if db == nil {
		return nil
	}
	return &Repository{db: db}
}

// Log writes an audit entry.
func (r *Repository) Log(ctx context.Context, entry Entry) error {
	if r == nil || r.db == nil {
		return errors.New("audit repo: nil db")
	}
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.PayloadDigest == "" {
		entry.PayloadDigest = DigestJSON(entry.Metadata)
	}
	if entry.IP == "" {
		entry.IP = IPFromContext(ctx)
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO audit_logs (
	id, actor, action, resource_type, resource_id, device_id,
	metadata, payload_digest, ip, created_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`, entry.ID, entry.Actor, entry.Action, entry.ResourceType, entry.ResourceID, entry.DeviceID,
		entry.Metadata, entry.PayloadDigest, entry.IP, entry.CreatedAt)
	if err != nil {
		return storage.Unavailable("audit repo: insert", err)
	}
	return nil
}
