package enrollment

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidToken covers unknown token ids and wrong secrets.
var ErrInvalidToken = errors.New("enrollment: invalid token")

// ErrExpiredToken indicates the token's expiry has passed.
var ErrExpiredToken = errors.New("enrollment: expired token")

// ErrTokenAlreadyUsed indicates an attempted second redemption.
var ErrTokenAlreadyUsed = errors.New("enrollment: token already used")

// Token is a single-use enrollment credential. The secret itself is
// never stored; only its hash.
type Token struct {
	ID         string
	SecretHash string
	OwnerID    string
	ExpiresAt  time.Time
	Used       bool
	UsedAt     time.Time
	CreatedAt  time.Time
}

// Expired reports whether the token can no longer be redeemed on time
// grounds.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// TokenRepository persists enrollment tokens. Get returns (nil, nil)
// when missing.
type TokenRepository interface {
	Get(ctx context.Context, id string) (*Token, error)
	Create(ctx context.Context, token *Token) error
	// MarkUsed flips the token to used exactly once; a second call
	// returns ErrTokenAlreadyUsed.
	MarkUsed(ctx context.Context, id string, usedAt time.Time) error
}
