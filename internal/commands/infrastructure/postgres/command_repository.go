package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	commands "tracker-cloud/internal/commands/domain"
	"tracker-cloud/internal/storage"
)

// DBTX covers *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const commandColumns = "id, device_id, command_type, payload, state, attempt, retry_of, created_at, last_transition_at"

// CommandRepository persists commands in PostgreSQL.
type CommandRepository struct {
	db    DBTX
	table string
}

// CommandRepositoryOption configures the repository.
type CommandRepositoryOption func(*CommandRepository)

// WithTable overrides the table name.
func WithTable(name string) CommandRepositoryOption {
	return func(r *CommandRepository) { r.table = name }
}

// NewCommandRepository constructs a repository.
func NewCommandRepository(db DBTX, opts ...CommandRepositoryOption) (*CommandRepository, error) {
	if db == nil {
		return nil, errors.New("command repo: db is nil")
	}
	r := &CommandRepository{db: db, table: "device_commands"}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Insert stores a new command.
func (r *CommandRepository) Insert(ctx context.Context, command *commands.Command) error {
	if command == nil || command.ID == "" {
		return commands.ErrInvalidCommand
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, r.table, commandColumns)
	_, err := r.db.ExecContext(ctx, query,
		command.ID, command.DeviceID, command.Type, []byte(command.Payload),
		command.State, command.Attempt, nullString(command.RetryOf),
		command.CreatedAt.UTC(), command.LastTransitionAt.UTC(),
	)
	if err != nil {
		return storage.Unavailable("command insert", err)
	}
	return nil
}

// Get loads a command by id.
func (r *CommandRepository) Get(ctx context.Context, id string) (*commands.Command, error) {
	if id == "" {
		return nil, errors.New("command repo: empty id")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, commandColumns, r.table)
	command, err := scanCommand(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Unavailable("command get", err)
	}
	return command, nil
}

// OldestPending returns the device's oldest pending command.
func (r *CommandRepository) OldestPending(ctx context.Context, deviceID string) (*commands.Command, error) {
	if deviceID == "" {
		return nil, errors.New("command repo: empty device id")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE device_id = $1 AND state = $2 ORDER BY created_at ASC, id ASC LIMIT 1`, commandColumns, r.table)
	command, err := scanCommand(r.db.QueryRowContext(ctx, query, deviceID, commands.StatePending))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Unavailable("command oldest pending", err)
	}
	return command, nil
}

// InFlight returns the device's delivered command, if any.
func (r *CommandRepository) InFlight(ctx context.Context, deviceID string) (*commands.Command, error) {
	if deviceID == "" {
		return nil, errors.New("command repo: empty device id")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE device_id = $1 AND state = $2 LIMIT 1`, commandColumns, r.table)
	command, err := scanCommand(r.db.QueryRowContext(ctx, query, deviceID, commands.StateDelivered))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Unavailable("command in flight", err)
	}
	return command, nil
}

// ListDeliveredBefore returns delivered commands whose last transition
// happened at or before the cutoff.
func (r *CommandRepository) ListDeliveredBefore(ctx context.Context, cutoff time.Time) ([]commands.Command, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE state = $1 AND last_transition_at <= $2 ORDER BY last_transition_at ASC`, commandColumns, r.table)
	rows, err := r.db.QueryContext(ctx, query, commands.StateDelivered, cutoff.UTC())
	if err != nil {
		return nil, storage.Unavailable("command list delivered", err)
	}
	defer rows.Close()
	return collectCommands(rows)
}

// ListByDevice returns a device's commands, oldest first.
func (r *CommandRepository) ListByDevice(ctx context.Context, deviceID string) ([]commands.Command, error) {
	if deviceID == "" {
		return nil, errors.New("command repo: empty device id")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE device_id = $1 ORDER BY created_at ASC, id ASC`, commandColumns, r.table)
	rows, err := r.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, storage.Unavailable("command list", err)
	}
	defer rows.Close()
	return collectCommands(rows)
}

// ListByDeviceAndRange returns commands created in [from, to], oldest
// first.
func (r *CommandRepository) ListByDeviceAndRange(ctx context.Context, deviceID string, from, to time.Time) ([]commands.Command, error) {
	if deviceID == "" {
		return nil, errors.New("command repo: empty device id")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE device_id = $1 AND created_at >= $2 AND created_at <= $3 ORDER BY created_at ASC, id ASC`, commandColumns, r.table)
	rows, err := r.db.QueryContext(ctx, query, deviceID, from.UTC(), to.UTC())
	if err != nil {
		return nil, storage.Unavailable("command list range", err)
	}
	defer rows.Close()
	return collectCommands(rows)
}

// Update replaces a stored command.
func (r *CommandRepository) Update(ctx context.Context, command *commands.Command) error {
	if command == nil || command.ID == "" {
		return commands.ErrInvalidCommand
	}
	query := fmt.Sprintf(`UPDATE %s SET state = $2, attempt = $3, last_transition_at = $4 WHERE id = $1`, r.table)
	result, err := r.db.ExecContext(ctx, query, command.ID, command.State, command.Attempt, command.LastTransitionAt.UTC())
	if err != nil {
		return storage.Unavailable("command update", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.Unavailable("command update", err)
	}
	if affected == 0 {
		return commands.ErrCommandNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*commands.Command, error) {
	var (
		command commands.Command
		payload []byte
		retryOf sql.NullString
	)
	err := row.Scan(
		&command.ID, &command.DeviceID, &command.Type, &payload,
		&command.State, &command.Attempt, &retryOf,
		&command.CreatedAt, &command.LastTransitionAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		command.Payload = payload
	}
	if retryOf.Valid {
		command.RetryOf = retryOf.String
	}
	command.CreatedAt = command.CreatedAt.UTC()
	command.LastTransitionAt = command.LastTransitionAt.UTC()
	return &command, nil
}

func collectCommands(rows *sql.Rows) ([]commands.Command, error) {
	var result []commands.Command
	for rows.Next() {
		command, err := scanCommand(rows)
		if err != nil {
			return nil, storage.Unavailable("command scan", err)
		}
		result = append(result, *command)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Unavailable("command rows", err)
	}
	return result, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
