package devices

import (
	"context"
	"errors"
	"time"
)

// Status values stored for a device. Stale is never stored; it is a
// read-time classification of an active device gone quiet.
const (
	StatusEnrolled  = "enrolled"
	StatusActive    = "active"
	StatusLost      = "lost"
	StatusRecovered = "recovered"

	StatusStale = "stale"
)

// ErrUnknownDevice indicates a missing device record.
var ErrUnknownDevice = errors.New("devices: unknown device")

// ErrInvalidStateTransition indicates a disallowed lifecycle transition.
var ErrInvalidStateTransition = errors.New("devices: invalid state transition")

// Fingerprint is the network identity observed with a telemetry record.
type Fingerprint struct {
	IP     string   `json:"ip"`
	ASN    string   `json:"asn,omitempty"`
	BSSIDs []string `json:"bssids,omitempty"`
}

// Device is an enrolled agent. The stored public key is the only trust
// anchor for its telemetry; there is no global keyring.
type Device struct {
	ID           string
	OwnerID      string
	PublicKey    string
	TokenHash    string
	Hostname     string
	Platform     string
	Status       string
	EnrolledAt   time.Time
	ActiveSince  time.Time
	LastSeenAt   time.Time
	LastSequence uint64
	LastKnown    Fingerprint
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MarkLost transitions the device to lost. Declaring a lost device lost
// again returns ErrInvalidStateTransition.
func (d *Device) MarkLost(now time.Time) error {
	switch d.Status {
	case StatusEnrolled, StatusActive, StatusRecovered:
		d.Status = StatusLost
		d.ActiveSince = time.Time{}
		d.UpdatedAt = now.UTC()
		return nil
	default:
		return ErrInvalidStateTransition
	}
}

// MarkRecovered transitions a lost device back toward active semantics.
// The next accepted telemetry record promotes it to active.
func (d *Device) MarkRecovered(now time.Time) error {
	if d.Status != StatusLost {
		return ErrInvalidStateTransition
	}
	d.Status = StatusRecovered
	d.UpdatedAt = now.UTC()
	return nil
}

// RecordTelemetry applies an accepted record to the device. Enrolled and
// recovered devices are promoted to active; lost devices stay lost.
func (d *Device) RecordTelemetry(now time.Time, sequence uint64, fp Fingerprint) {
	if d.Status == StatusEnrolled || d.Status == StatusRecovered {
		d.Status = StatusActive
		d.ActiveSince = now.UTC()
	}
	d.LastSeenAt = now.UTC()
	d.LastSequence = sequence
	d.LastKnown = fp
	d.UpdatedAt = now.UTC()
}

// ExpectedInterval returns the heartbeat cadence required of the device.
// Lost devices must report more often.
func (d *Device) ExpectedInterval(normal, lost time.Duration) time.Duration {
	if d.Status == StatusLost {
		return lost
	}
	return normal
}

// Classify returns the effective status at read time. An active or
// recovered device whose last report is older than its expected interval
// reads as stale.
func (d *Device) Classify(now time.Time, normal, lost time.Duration) string {
	switch d.Status {
	case StatusActive, StatusRecovered:
		if !d.LastSeenAt.IsZero() && now.Sub(d.LastSeenAt) > d.ExpectedInterval(normal, lost) {
			return StatusStale
		}
	}
	return d.Status
}

// TrustedSince reports whether the device has been continuously active
// long enough for baseline learning.
func (d *Device) TrustedSince(now time.Time, trustWindow time.Duration) bool {
	if d.Status != StatusActive || d.ActiveSince.IsZero() {
		return false
	}
	return now.Sub(d.ActiveSince) >= trustWindow
}

// Repository persists devices. Lookups return (nil, nil) when missing.
type Repository interface {
	Get(ctx context.Context, id string) (*Device, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*Device, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Device, error)
	List(ctx context.Context) ([]Device, error)
	Create(ctx context.Context, device *Device) error
	Update(ctx context.Context, device *Device) error
}
