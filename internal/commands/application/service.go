package application

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"tracker-cloud/internal/audit"
	commands "tracker-cloud/internal/commands/domain"
	devices "tracker-cloud/internal/devices/domain"
	"tracker-cloud/internal/observability/metrics"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Dispatcher queues commands for devices and walks them through their
// lifecycle. At most one command per device is in flight at a time.
type Dispatcher struct {
	repo        commands.Repository
	devices     devices.Repository
	locks       *devices.KeyedMutex
	auditLogger audit.Logger
	clock       Clock
	logger      *log.Logger
	timeout     time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithClock overrides the clock.
func WithClock(clock Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clock = clock }
}

// WithAuditLogger attaches an audit sink.
func WithAuditLogger(logger audit.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.auditLogger = logger }
}

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(repo commands.Repository, deviceRepo devices.Repository, locks *devices.KeyedMutex, timeout time.Duration, opts ...DispatcherOption) (*Dispatcher, error) {
	if repo == nil {
		return nil, errors.New("dispatcher: command repository is nil")
	}
	if deviceRepo == nil {
		return nil, errors.New("dispatcher: device repository is nil")
	}
	if locks == nil {
		return nil, errors.New("dispatcher: keyed mutex is nil")
	}
	if timeout <= 0 {
		return nil, errors.New("dispatcher: timeout must be positive")
	}
	d := &Dispatcher{
		repo:    repo,
		devices: deviceRepo,
		locks:   locks,
		clock:   SystemClock{},
		logger:  log.Default(),
		timeout: timeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Enqueue queues a new pending command for the device.
func (d *Dispatcher) Enqueue(ctx context.Context, deviceID, commandType string, payload json.RawMessage, actor string) (*commands.Command, error) {
	if !commands.ValidType(commandType) {
		return nil, commands.ErrInvalidCommand
	}
	device, err := d.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, devices.ErrUnknownDevice
	}
	now := d.clock.Now()
	command := &commands.Command{
		ID:               uuid.NewString(),
		DeviceID:         deviceID,
		Type:             commandType,
		Payload:          payload,
		State:            commands.StatePending,
		Attempt:          1,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
	if err := d.repo.Insert(ctx, command); err != nil {
		return nil, err
	}
	metrics.IncCommandIssued()
	d.audit(ctx, actor, "command.issued", command, nil)
	return command, nil
}

// Poll hands the device its next command. It returns (nil, nil) when
// nothing is pending or a command is already in flight.
func (d *Dispatcher) Poll(ctx context.Context, deviceID string) (*commands.Command, error) {
	unlock := d.locks.Lock(deviceID)
	defer unlock()

	inFlight, err := d.repo.InFlight(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if inFlight != nil {
		return nil, nil
	}
	command, err := d.repo.OldestPending(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if command == nil {
		return nil, nil
	}
	if err := command.MarkDelivered(d.clock.Now()); err != nil {
		return nil, err
	}
	if err := d.repo.Update(ctx, command); err != nil {
		return nil, err
	}
	return command, nil
}

// Acknowledge records that the device executed a delivered command.
func (d *Dispatcher) Acknowledge(ctx context.Context, deviceID, commandID string) error {
	unlock := d.locks.Lock(deviceID)
	defer unlock()

	command, err := d.repo.Get(ctx, commandID)
	if err != nil {
		return err
	}
	if command == nil || command.DeviceID != deviceID {
		return commands.ErrCommandNotFound
	}
	if command.State == commands.StateFailed {
		// The timeout sweep got there first.
		return commands.ErrDeliveryTimeout
	}
	if err := command.MarkAcknowledged(d.clock.Now()); err != nil {
		return err
	}
	if err := d.repo.Update(ctx, command); err != nil {
		return err
	}
	metrics.IncCommandResult("acknowledged")
	d.audit(ctx, deviceID, "command.acknowledged", command, nil)
	return nil
}

// ListByDevice returns the device's command history.
func (d *Dispatcher) ListByDevice(ctx context.Context, deviceID string) ([]commands.Command, error) {
	return d.repo.ListByDevice(ctx, deviceID)
}

// MarkTimeouts fails delivered commands that outlived the delivery
// timeout. A first attempt is re-queued once; a retry fails for good.
func (d *Dispatcher) MarkTimeouts(ctx context.Context) (int, error) {
	now := d.clock.Now()
	cutoff := now.Add(-d.timeout)
	stale, err := d.repo.ListDeliveredBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	failed := 0
	for i := range stale {
		command := stale[i]
		if err := d.timeOut(ctx, &command, now); err != nil {
			d.logger.Printf("commands: timeout %s: %v", command.ID, err)
			continue
		}
		failed++
	}
	return failed, nil
}

func (d *Dispatcher) timeOut(ctx context.Context, command *commands.Command, now time.Time) error {
	unlock := d.locks.Lock(command.DeviceID)
	defer unlock()

	// Re-read under the lock: the device may have acknowledged in the
	// window between listing and locking.
	current, err := d.repo.Get(ctx, command.ID)
	if err != nil {
		return err
	}
	if current == nil || !current.TimedOut(now, d.timeout) {
		return nil
	}
	if err := current.MarkFailed(now); err != nil {
		return err
	}
	if err := d.repo.Update(ctx, current); err != nil {
		return err
	}
	if current.Attempt == 1 {
		retry := &commands.Command{
			ID:               uuid.NewString(),
			DeviceID:         current.DeviceID,
			Type:             current.Type,
			Payload:          current.Payload,
			State:            commands.StatePending,
			Attempt:          current.Attempt + 1,
			RetryOf:          current.ID,
			CreatedAt:        now,
			LastTransitionAt: now,
		}
		if err := d.repo.Insert(ctx, retry); err != nil {
			return err
		}
		metrics.IncCommandResult("retried")
		d.audit(ctx, "system", "command.retried", retry, map[string]string{"retry_of": current.ID})
	} else {
		metrics.IncCommandResult("failed")
		d.audit(ctx, "system", "command.failed", current, map[string]string{"reason": commands.ErrDeliveryTimeout.Error()})
	}
	return nil
}

func (d *Dispatcher) audit(ctx context.Context, actor, action string, command *commands.Command, meta map[string]string) {
	if d.auditLogger == nil {
		return
	}
	var raw json.RawMessage
	if meta != nil {
		raw, _ = json.Marshal(meta)
	}
	entry := audit.Entry{
		ID:           audit.NewID(),
		Actor:        actor,
		Action:       action,
		ResourceType: "command",
		ResourceID:   command.ID,
		DeviceID:     command.DeviceID,
		Metadata:     raw,
		CreatedAt:    d.clock.Now(),
	}
	if err := d.auditLogger.Log(ctx, entry); err != nil {
		d.logger.Printf("commands: audit %s: %v", action, err)
	}
}
