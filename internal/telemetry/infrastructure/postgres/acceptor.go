package postgres

import (
	"context"
	"database/sql"
	"errors"

	devices "tracker-cloud/internal/devices/domain"
	devicesrepo "tracker-cloud/internal/devices/infrastructure/postgres"
	"tracker-cloud/internal/storage"
	telemetry "tracker-cloud/internal/telemetry/domain"
)

// Acceptor commits an accepted record and the device row it advances in
// one transaction.
type Acceptor struct {
	db *sql.DB
}

// NewAcceptor constructs an acceptor.
func NewAcceptor(db *sql.DB) *Acceptor {
	return &Acceptor{db: db}
}

// Accept inserts the record and updates the device atomically.
func (a *Acceptor) Accept(ctx context.Context, device *devices.Device, record *telemetry.Record) error {
	if a == nil || a.db == nil {
		return errors.New("telemetry acceptor: nil db")
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Unavailable("telemetry acceptor: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := NewRecordRepository(tx).Insert(ctx, record); err != nil {
		return err
	}
	if err := devicesrepo.NewDeviceRepository(tx).Update(ctx, device); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storage.Unavailable("telemetry acceptor: commit", err)
	}
	return nil
}
