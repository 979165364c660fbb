package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	enrollment "tracker-cloud/internal/enrollment/domain"
)

// TokenRepository is an in-memory enrollment token store.
type TokenRepository struct {
	mu   sync.Mutex
	data map[string]enrollment.Token
}

// NewTokenRepository constructs a repository.
func NewTokenRepository() *TokenRepository {
	return &TokenRepository{data: make(map[string]enrollment.Token)}
}

// Get loads a token by id.
func (r *TokenRepository) Get(_ context.Context, id string) (*enrollment.Token, error) {
	if id == "" {
		return nil, errors.New("token repo: empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.data[id]
	if !ok {
		return nil, nil
	}
	copy := token
	return &copy, nil
}

// Create stores a new token.
func (r *TokenRepository) Create(_ context.Context, token *enrollment.Token) error {
	if token == nil || token.ID == "" {
		return errors.New("token repo: invalid token")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.data[token.ID]; exists {
		return errors.New("token repo: duplicate id")
	}
	r.data[token.ID] = *token
	return nil
}

// MarkUsed flips the token to used exactly once.
func (r *TokenRepository) MarkUsed(_ context.Context, id string, usedAt time.Time) error {
	if id == "" {
		return errors.New("token repo: empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.data[id]
	if !ok {
		return enrollment.ErrInvalidToken
	}
	if token.Used {
		return enrollment.ErrTokenAlreadyUsed
	}
	token.Used = true
	token.UsedAt = usedAt.UTC()
	r.data[id] = token
	return nil
}
