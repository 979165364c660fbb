package application

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"tracker-cloud/internal/audit"
	"tracker-cloud/internal/crypto"
	devices "tracker-cloud/internal/devices/domain"
	enrollment "tracker-cloud/internal/enrollment/domain"
	"tracker-cloud/internal/observability/metrics"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// CreateTokenResult carries the one-time secret back to the caller.
// The secret is not retrievable again.
type CreateTokenResult struct {
	TokenID   string    `json:"token_id"`
	Secret    string    `json:"secret"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DeviceMetadata describes the enrolling device.
type DeviceMetadata struct {
	Hostname string `json:"hostname"`
	Platform string `json:"platform"`
}

// RedeemResult carries the server-assigned device identity and
// credential.
type RedeemResult struct {
	DeviceID    string    `json:"device_id"`
	DeviceToken string    `json:"device_token"`
	EnrolledAt  time.Time `json:"enrolled_at"`
}

// Authority issues and redeems enrollment tokens.
type Authority struct {
	tokens      enrollment.TokenRepository
	devices     devices.Repository
	auditLogger audit.Logger
	clock       Clock
	tokenTTL    time.Duration
}

// AuthorityOption customizes the authority.
type AuthorityOption func(*Authority)

// WithClock assigns a clock.
func WithClock(clock Clock) AuthorityOption {
	return func(a *Authority) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithAuditLogger assigns an audit logger.
func WithAuditLogger(logger audit.Logger) AuthorityOption {
	return func(a *Authority) {
		a.auditLogger = logger
	}
}

// NewAuthority constructs an enrollment authority.
func NewAuthority(tokens enrollment.TokenRepository, deviceRepo devices.Repository, tokenTTL time.Duration, opts ...AuthorityOption) (*Authority, error) {
	if tokens == nil {
		return nil, errors.New("enrollment: nil token repository")
	}
	if deviceRepo == nil {
		return nil, errors.New("enrollment: nil device repository")
	}
	if tokenTTL <= 0 {
		return nil, errors.New("enrollment: non-positive token ttl")
	}
	authority := &Authority{
		tokens:   tokens,
		devices:  deviceRepo,
		clock:    systemClock{},
		tokenTTL: tokenTTL,
	}
	for _, opt := range opts {
		opt(authority)
	}
	return authority, nil
}

// CreateEnrollment issues a single-use token bound to the owner.
func (a *Authority) CreateEnrollment(ctx context.Context, ownerID string) (*CreateTokenResult, error) {
	if ownerID == "" {
		return nil, errors.New("enrollment: owner id required")
	}

	now := a.clock.Now()
	secret := crypto.NewEnrollmentSecret()
	token := &enrollment.Token{
		ID:         uuid.NewString(),
		SecretHash: crypto.HashSecret(secret),
		OwnerID:    ownerID,
		ExpiresAt:  now.Add(a.tokenTTL),
		CreatedAt:  now,
	}
	if err := a.tokens.Create(ctx, token); err != nil {
		return nil, err
	}

	a.logAudit(ctx, ownerID, "enrollment.token_created", token.ID, "", nil)
	return &CreateTokenResult{
		TokenID:   token.ID,
		Secret:    secret,
		ExpiresAt: token.ExpiresAt,
	}, nil
}

// Redeem validates the token and registers a new device bound to the
// presented public key. A used token always fails, retried or not.
// The token is burned before the device row is written: when the
// device insert fails the token stays used and the owner must request
// a fresh one. Single use wins over retryability here, a token that
// can be redeemed twice is worse than one lost to a storage error.
func (a *Authority) Redeem(ctx context.Context, tokenID, secret, publicKey string, metadata DeviceMetadata) (*RedeemResult, error) {
	if tokenID == "" || secret == "" {
		metrics.IncEnrollment("invalid_token")
		return nil, enrollment.ErrInvalidToken
	}
	if !crypto.ValidPublicKey(publicKey) {
		metrics.IncEnrollment("invalid_key")
		return nil, errors.New("enrollment: malformed device public key")
	}

	token, err := a.tokens.Get(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	now := a.clock.Now()
	if token == nil || !crypto.SecretMatches(secret, token.SecretHash) {
		metrics.IncEnrollment("invalid_token")
		a.logAudit(ctx, "", "enrollment.redeem.rejected", tokenID, "invalid_token", nil)
		return nil, enrollment.ErrInvalidToken
	}
	if token.Used {
		metrics.IncEnrollment("token_already_used")
		a.logAudit(ctx, token.OwnerID, "enrollment.redeem.rejected", tokenID, "token_already_used", nil)
		return nil, enrollment.ErrTokenAlreadyUsed
	}
	if token.Expired(now) {
		metrics.IncEnrollment("expired_token")
		a.logAudit(ctx, token.OwnerID, "enrollment.redeem.rejected", tokenID, "expired_token", nil)
		return nil, enrollment.ErrExpiredToken
	}

	if err := a.tokens.MarkUsed(ctx, token.ID, now); err != nil {
		if errors.Is(err, enrollment.ErrTokenAlreadyUsed) {
			metrics.IncEnrollment("token_already_used")
		}
		return nil, err
	}

	deviceToken := crypto.NewDeviceToken()
	device := &devices.Device{
		ID:         uuid.NewString(),
		OwnerID:    token.OwnerID,
		PublicKey:  publicKey,
		TokenHash:  crypto.HashSecret(deviceToken),
		Hostname:   metadata.Hostname,
		Platform:   metadata.Platform,
		Status:     devices.StatusEnrolled,
		EnrolledAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := a.devices.Create(ctx, device); err != nil {
		return nil, err
	}

	metrics.IncEnrollment("success")
	a.logAudit(ctx, token.OwnerID, "enrollment.redeemed", tokenID, "", map[string]string{
		"device_id": device.ID,
		"hostname":  metadata.Hostname,
		"platform":  metadata.Platform,
	})
	return &RedeemResult{
		DeviceID:    device.ID,
		DeviceToken: deviceToken,
		EnrolledAt:  now,
	}, nil
}

func (a *Authority) logAudit(ctx context.Context, actor, action, tokenID, reason string, extra map[string]string) {
	if a.auditLogger == nil {
		return
	}
	fields := map[string]string{}
	if reason != "" {
		fields["reason"] = reason
	}
	for key, value := range extra {
		fields[key] = value
	}
	metadata, _ := json.Marshal(fields)
	_ = a.auditLogger.Log(ctx, audit.Entry{
		Actor:        actor,
		Action:       action,
		ResourceType: "enrollment_token",
		ResourceID:   tokenID,
		Metadata:     metadata,
		CreatedAt:    a.clock.Now(),
	})
}
