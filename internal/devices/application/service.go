package application

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"tracker-cloud/internal/audit"
	deviceevents "tracker-cloud/internal/devices/application/events"
	devices "tracker-cloud/internal/devices/domain"
	"tracker-cloud/internal/eventing"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// DeviceView is a device with its derived status.
type DeviceView struct {
	Device          devices.Device
	EffectiveStatus string
}

// Registry owns device lifecycle transitions.
type Registry struct {
	repo        devices.Repository
	locks       *devices.KeyedMutex
	bus         eventing.EventBus
	auditLogger audit.Logger
	clock       Clock

	heartbeatInterval time.Duration
	lostInterval      time.Duration
}

// RegistryOption customizes the registry.
type RegistryOption func(*Registry)

// WithClock assigns a clock.
func WithClock(clock Clock) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithAuditLogger assigns an audit logger.
func WithAuditLogger(logger audit.Logger) RegistryOption {
	return func(r *Registry) {
		r.auditLogger = logger
	}
}

// NewRegistry constructs a device registry.
func NewRegistry(repo devices.Repository, locks *devices.KeyedMutex, bus eventing.EventBus, heartbeatInterval, lostInterval time.Duration, opts ...RegistryOption) (*Registry, error) {
	if repo == nil {
		return nil, errors.New("devices: nil repository")
	}
	if locks == nil {
		return nil, errors.New("devices: nil keyed mutex")
	}
	if heartbeatInterval <= 0 || lostInterval <= 0 {
		return nil, errors.New("devices: non-positive heartbeat interval")
	}
	registry := &Registry{
		repo:              repo,
		locks:             locks,
		bus:               bus,
		clock:             SystemClock{},
		heartbeatInterval: heartbeatInterval,
		lostInterval:      lostInterval,
	}
	for _, opt := range opts {
		opt(registry)
	}
	return registry, nil
}

// Get loads a device with its derived status.
func (r *Registry) Get(ctx context.Context, deviceID string) (*DeviceView, error) {
	if deviceID == "" {
		return nil, errors.New("devices: device id required")
	}
	device, err := r.repo.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, devices.ErrUnknownDevice
	}
	return &DeviceView{
		Device:          *device,
		EffectiveStatus: device.Classify(r.clock.Now(), r.heartbeatInterval, r.lostInterval),
	}, nil
}

// ListByOwner returns the owner's devices with derived statuses.
func (r *Registry) ListByOwner(ctx context.Context, ownerID string) ([]DeviceView, error) {
	if ownerID == "" {
		return nil, errors.New("devices: owner id required")
	}
	list, err := r.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()
	views := make([]DeviceView, 0, len(list))
	for _, device := range list {
		views = append(views, DeviceView{
			Device:          device,
			EffectiveStatus: device.Classify(now, r.heartbeatInterval, r.lostInterval),
		})
	}
	return views, nil
}

// MarkLost declares a device lost. Lost on lost is an error.
func (r *Registry) MarkLost(ctx context.Context, deviceID, actor string) (*devices.Device, error) {
	if deviceID == "" {
		return nil, errors.New("devices: device id required")
	}
	unlock := r.locks.Lock(deviceID)
	defer unlock()

	device, err := r.repo.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, devices.ErrUnknownDevice
	}
	now := r.clock.Now()
	prior := device.Status
	if err := device.MarkLost(now); err != nil {
		r.logAudit(ctx, actor, "device.mark_lost.rejected", device.ID, prior)
		return nil, err
	}
	if err := r.repo.Update(ctx, device); err != nil {
		return nil, err
	}
	r.logAudit(ctx, actor, "device.mark_lost", device.ID, prior)
	r.publish(ctx, deviceevents.DeviceMarkedLost{
		EventID:    eventing.NewEventID(),
		DeviceID:   device.ID,
		OwnerID:    device.OwnerID,
		OccurredAt: now,
	})
	return device, nil
}

// MarkRecovered declares a lost device recovered.
func (r *Registry) MarkRecovered(ctx context.Context, deviceID, actor string) (*devices.Device, error) {
	if deviceID == "" {
		return nil, errors.New("devices: device id required")
	}
	unlock := r.locks.Lock(deviceID)
	defer unlock()

	device, err := r.repo.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, devices.ErrUnknownDevice
	}
	now := r.clock.Now()
	prior := device.Status
	if err := device.MarkRecovered(now); err != nil {
		r.logAudit(ctx, actor, "device.mark_recovered.rejected", device.ID, prior)
		return nil, err
	}
	if err := r.repo.Update(ctx, device); err != nil {
		return nil, err
	}
	r.logAudit(ctx, actor, "device.mark_recovered", device.ID, prior)
	r.publish(ctx, deviceevents.DeviceRecovered{
		EventID:    eventing.NewEventID(),
		DeviceID:   device.ID,
		OwnerID:    device.OwnerID,
		OccurredAt: now,
	})
	return device, nil
}

func (r *Registry) publish(ctx context.Context, event any) {
	if r.bus == nil {
		return
	}
	_ = r.bus.Publish(ctx, event)
}

func (r *Registry) logAudit(ctx context.Context, actor, action, deviceID, priorStatus string) {
	if r.auditLogger == nil {
		return
	}
	metadata, _ := json.Marshal(map[string]string{"prior_status": priorStatus})
	_ = r.auditLogger.Log(ctx, audit.Entry{
		Actor:        actor,
		Action:       action,
		ResourceType: "device",
		ResourceID:   deviceID,
		DeviceID:     deviceID,
		Metadata:     metadata,
		CreatedAt:    r.clock.Now(),
	})
}
