package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	enrollment "tracker-cloud/internal/enrollment/domain"
	"tracker-cloud/internal/storage"
)

const defaultTokensTable = "enrollment_tokens"

// DBTX abstracts *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TokenRepository is a Postgres implementation for enrollment tokens.
type TokenRepository struct {
	db    DBTX
	table string
}

// NewTokenRepository constructs a repository.
func NewTokenRepository(db DBTX) *TokenRepository {
	return &TokenRepository{db: db, table: defaultTokensTable}
}

// Get loads a token by id.
func (r *TokenRepository) Get(ctx context.Context, id string) (*enrollment.Token, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("token repo: nil db")
	}
	if id == "" {
		return nil, errors.New("token repo: empty id")
	}

	query := fmt.Sprintf(`
SELECT id, secret_hash, owner_id, expires_at, used, used_at, created_at
FROM %s
WHERE id = $1
LIMIT 1`, r.table)

	var token enrollment.Token
	var usedAt sql.NullTime
	if err := r.db.QueryRowContext(ctx, query, id).Scan(
		&token.ID, &token.SecretHash, &token.OwnerID,
		&token.ExpiresAt, &token.Used, &usedAt, &token.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storage.Unavailable("token repo: scan", err)
	}
	if usedAt.Valid {
		token.UsedAt = usedAt.Time.UTC()
	}
	token.ExpiresAt = token.ExpiresAt.UTC()
	token.CreatedAt = token.CreatedAt.UTC()
	return &token, nil
}

// Create stores a new token.
func (r *TokenRepository) Create(ctx context.Context, token *enrollment.Token) error {
	if r == nil || r.db == nil {
		return errors.New("token repo: nil db")
	}
	if token == nil || token.ID == "" {
		return errors.New("token repo: invalid token")
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, secret_hash, owner_id, expires_at, used, used_at, created_at)
VALUES ($1,$2,$3,$4,$5,NULL,$6)`, r.table)

	if _, err := r.db.ExecContext(ctx, query,
		token.ID, token.SecretHash, token.OwnerID,
		token.ExpiresAt.UTC(), token.Used, token.CreatedAt.UTC(),
	); err != nil {
		return storage.Unavailable("token repo: insert", err)
	}
	return nil
}

// MarkUsed flips the token to used exactly once; racing redeems lose.
func (r *TokenRepository) MarkUsed(ctx context.Context, id string, usedAt time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("token repo: nil db")
	}
	if id == "" {
		return errors.New("token repo: empty id")
	}

	query := fmt.Sprintf(`
UPDATE %s
SET used = TRUE, used_at = $2
WHERE id = $1 AND used = FALSE`, r.table)

	result, err := r.db.ExecContext(ctx, query, id, usedAt.UTC())
	if err != nil {
		return storage.Unavailable("token repo: mark used", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.Unavailable("token repo: mark used", err)
	}
	if affected == 0 {
		return enrollment.ErrTokenAlreadyUsed
	}
	return nil
}
