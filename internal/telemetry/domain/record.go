package telemetry

import (
	"context"
	"errors"
	"time"

	devices "tracker-cloud/internal/devices/domain"
)

// ErrInvalidSignature indicates the payload signature does not verify
// under the device's stored public key.
var ErrInvalidSignature = errors.New("telemetry: invalid signature")

// ErrReplayedTelemetry indicates a non-increasing sequence number.
var ErrReplayedTelemetry = errors.New("telemetry: replayed or out-of-order record")

// ErrClockSkewRejected indicates the claimed timestamp deviates from
// server time beyond tolerance.
var ErrClockSkewRejected = errors.New("telemetry: clock skew rejected")

// Record is one accepted, signed status report. Immutable once stored.
type Record struct {
	ID          string
	DeviceID    string
	Sequence    uint64
	Timestamp   time.Time
	Fingerprint devices.Fingerprint
	Battery     *int
	Payload     []byte
	Signature   string
	ReceivedAt  time.Time
}

// Repository persists telemetry records.
type Repository interface {
	Insert(ctx context.Context, record *Record) error
	Delete(ctx context.Context, id string) error
	ListByDeviceAndRange(ctx context.Context, deviceID string, from, to time.Time) ([]Record, error)
}
