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
	"tracker-cloud/internal/eventing"
	"tracker-cloud/internal/observability/metrics"
	telemetryevents "tracker-cloud/internal/telemetry/application/events"
	telemetry "tracker-cloud/internal/telemetry/domain"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Submission is one signed report offered by an agent.
type Submission struct {
	Sequence    uint64              `json:"sequence"`
	Timestamp   time.Time           `json:"timestamp"`
	Fingerprint devices.Fingerprint `json:"fingerprint"`
	Battery     *int                `json:"battery,omitempty"`
	Payload     []byte              `json:"payload"`
	Signature   string              `json:"signature"`
}

// Acceptor persists an accepted record together with the device row it
// advances. Implementations must leave no partial state behind on error.
type Acceptor interface {
	Accept(ctx context.Context, device *devices.Device, record *telemetry.Record) error
}

// Ingestor verifies and accepts signed telemetry. A submission is
// accepted whole or rejected whole; rejection never mutates state.
type Ingestor struct {
	devices     devices.Repository
	acceptor    Acceptor
	locks       *devices.KeyedMutex
	bus         eventing.EventBus
	auditLogger audit.Logger
	clock       Clock
	maxSkew     time.Duration
}

// IngestorOption customizes the ingestor.
type IngestorOption func(*Ingestor)

// WithClock assigns a clock.
func WithClock(clock Clock) IngestorOption {
	return func(i *Ingestor) {
		if clock != nil {
			i.clock = clock
		}
	}
}

// WithAuditLogger assigns an audit logger.
func WithAuditLogger(logger audit.Logger) IngestorOption {
	return func(i *Ingestor) {
		i.auditLogger = logger
	}
}

// WithAcceptor overrides how an accepted record and its device update
// are persisted, e.g. inside one database transaction.
func WithAcceptor(acceptor Acceptor) IngestorOption {
	return func(i *Ingestor) {
		if acceptor != nil {
			i.acceptor = acceptor
		}
	}
}

// NewIngestor constructs a telemetry ingestor.
func NewIngestor(deviceRepo devices.Repository, records telemetry.Repository, locks *devices.KeyedMutex, bus eventing.EventBus, maxSkew time.Duration, opts ...IngestorOption) (*Ingestor, error) {
	if deviceRepo == nil {
		return nil, errors.New("telemetry: nil device repository")
	}
	if records == nil {
		return nil, errors.New("telemetry: nil record repository")
	}
	if locks == nil {
		return nil, errors.New("telemetry: nil keyed mutex")
	}
	if maxSkew <= 0 {
		return nil, errors.New("telemetry: non-positive skew tolerance")
	}
	ingestor := &Ingestor{
		devices: deviceRepo,
		locks:   locks,
		bus:     bus,
		clock:   systemClock{},
		maxSkew: maxSkew,
	}
	for _, opt := range opts {
		opt(ingestor)
	}
	if ingestor.acceptor == nil {
		ingestor.acceptor = compensatingAcceptor{devices: deviceRepo, records: records}
	}
	return ingestor, nil
}

// compensatingAcceptor rolls the inserted record back when the device
// update fails, so a rejected submission leaves no stored history.
type compensatingAcceptor struct {
	devices devices.Repository
	records telemetry.Repository
}

func (a compensatingAcceptor) Accept(ctx context.Context, device *devices.Device, record *telemetry.Record) error {
	if err := a.records.Insert(ctx, record); err != nil {
		return err
	}
	if err := a.devices.Update(ctx, device); err != nil {
		_ = a.records.Delete(ctx, record.ID)
		return err
	}
	return nil
}

// Submit validates and persists one record under the device's lock.
// State-machine update and anomaly evaluation run synchronously on the
// bus before the lock is released, so the whole unit is atomic per
// device.
func (i *Ingestor) Submit(ctx context.Context, deviceID string, sub Submission) (*telemetry.Record, error) {
	started := i.clock.Now()
	record, err := i.submit(ctx, deviceID, sub)
	if err != nil {
		metrics.ObserveTelemetry("error", i.clock.Now().Sub(started))
		return nil, err
	}
	metrics.ObserveTelemetry("success", i.clock.Now().Sub(started))
	return record, nil
}

func (i *Ingestor) submit(ctx context.Context, deviceID string, sub Submission) (*telemetry.Record, error) {
	if deviceID == "" {
		return nil, devices.ErrUnknownDevice
	}

	unlock := i.locks.Lock(deviceID)
	defer unlock()

	device, err := i.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		metrics.IncTelemetryRejected("unknown_device")
		return nil, devices.ErrUnknownDevice
	}

	if !crypto.Verify(device.PublicKey, sub.Payload, sub.Signature) {
		i.reject(ctx, device.ID, sub.Sequence, "invalid_signature")
		return nil, telemetry.ErrInvalidSignature
	}
	if sub.Sequence <= device.LastSequence {
		i.reject(ctx, device.ID, sub.Sequence, "replayed")
		return nil, telemetry.ErrReplayedTelemetry
	}
	now := i.clock.Now()
	skew := now.Sub(sub.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > i.maxSkew {
		i.reject(ctx, device.ID, sub.Sequence, "clock_skew")
		return nil, telemetry.ErrClockSkewRejected
	}

	record := &telemetry.Record{
		ID:          uuid.NewString(),
		DeviceID:    device.ID,
		Sequence:    sub.Sequence,
		Timestamp:   sub.Timestamp.UTC(),
		Fingerprint: sub.Fingerprint,
		Battery:     sub.Battery,
		Payload:     sub.Payload,
		Signature:   sub.Signature,
		ReceivedAt:  now,
	}
	device.RecordTelemetry(now, sub.Sequence, sub.Fingerprint)
	if err := i.acceptor.Accept(ctx, device, record); err != nil {
		return nil, err
	}

	metrics.IncTelemetryAccepted()
	i.publish(ctx, device, record)
	return record, nil
}

func (i *Ingestor) publish(ctx context.Context, device *devices.Device, record *telemetry.Record) {
	if i.bus == nil {
		return
	}
	// Detection is observational; a handler error never fails the
	// accepted submission.
	_ = i.bus.Publish(ctx, telemetryevents.TelemetryAccepted{
		EventID:      eventing.NewEventID(),
		RecordID:     record.ID,
		DeviceID:     device.ID,
		OwnerID:      device.OwnerID,
		Sequence:     record.Sequence,
		Timestamp:    record.Timestamp,
		Fingerprint:  record.Fingerprint,
		DeviceStatus: device.Status,
		EnrolledAt:   device.EnrolledAt,
		ActiveSince:  device.ActiveSince,
		OccurredAt:   record.ReceivedAt,
	})
}

func (i *Ingestor) reject(ctx context.Context, deviceID string, sequence uint64, reason string) {
	metrics.IncTelemetryRejected(reason)
	if i.auditLogger == nil {
		return
	}
	metadata, _ := json.Marshal(map[string]any{
		"reason":   reason,
		"sequence": sequence,
	})
	_ = i.auditLogger.Log(ctx, audit.Entry{
		Actor:        "agent:" + deviceID,
		Action:       "telemetry.rejected",
		ResourceType: "telemetry",
		ResourceID:   deviceID,
		DeviceID:     deviceID,
		Metadata:     metadata,
		CreatedAt:    i.clock.Now(),
	})
}
