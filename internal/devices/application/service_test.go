package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"tracker-cloud/internal/audit"
	devicesevents "tracker-cloud/internal/devices/application/events"
	devices "tracker-cloud/internal/devices/domain"
	devicesmem "tracker-cloud/internal/devices/infrastructure/memory"
	"tracker-cloud/internal/eventing"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func newRegistry(t *testing.T, clock *fixedClock) (*Registry, *devicesmem.DeviceRepository, *eventing.InMemoryBus) {
	t.Helper()
	repo := devicesmem.NewDeviceRepository()
	bus := eventing.NewInMemoryBus()
	registry, err := NewRegistry(repo, devices.NewKeyedMutex(), bus, 15*time.Minute, 5*time.Minute,
		WithClock(clock), WithAuditLogger(audit.NewMemorySink()))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return registry, repo, bus
}

func seedDevice(t *testing.T, repo *devicesmem.DeviceRepository, status string, lastSeen time.Time) *devices.Device {
	t.Helper()
	device := &devices.Device{
		ID:         "dev-1",
		OwnerID:    "owner-1",
		Status:     status,
		LastSeenAt: lastSeen,
		EnrolledAt: lastSeen.Add(-time.Hour),
	}
	if err := repo.Create(context.Background(), device); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	return device
}

func TestMarkLostPublishesEvent(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	registry, repo, bus := newRegistry(t, clock)
	seedDevice(t, repo, devices.StatusActive, clock.now)

	var published []devicesevents.DeviceMarkedLost
	bus.Subscribe(eventing.EventTypeOf[devicesevents.DeviceMarkedLost](), func(_ context.Context, event any) error {
		published = append(published, event.(devicesevents.DeviceMarkedLost))
		return nil
	})

	device, err := registry.MarkLost(ctx, "dev-1", "admin@example.com")
	if err != nil {
		t.Fatalf("mark lost: %v", err)
	}
	if device.Status != devices.StatusLost {
		t.Fatalf("expected lost, got %s", device.Status)
	}
	if len(published) != 1 || published[0].DeviceID != "dev-1" {
		t.Fatalf("expected one DeviceMarkedLost event, got %v", published)
	}

	stored, _ := repo.Get(ctx, "dev-1")
	if stored.Status != devices.StatusLost {
		t.Fatal("transition not persisted")
	}
}

func TestMarkLostTwiceFails(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	registry, repo, _ := newRegistry(t, clock)
	seedDevice(t, repo, devices.StatusActive, clock.now)

	if _, err := registry.MarkLost(ctx, "dev-1", "admin"); err != nil {
		t.Fatalf("first mark lost: %v", err)
	}
	_, err := registry.MarkLost(ctx, "dev-1", "admin")
	if !errors.Is(err, devices.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestMarkRecoveredRequiresLost(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	registry, repo, _ := newRegistry(t, clock)
	seedDevice(t, repo, devices.StatusActive, clock.now)

	_, err := registry.MarkRecovered(ctx, "dev-1", "admin")
	if !errors.Is(err, devices.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}

	if _, err := registry.MarkLost(ctx, "dev-1", "admin"); err != nil {
		t.Fatalf("mark lost: %v", err)
	}
	device, err := registry.MarkRecovered(ctx, "dev-1", "admin")
	if err != nil {
		t.Fatalf("mark recovered: %v", err)
	}
	if device.Status != devices.StatusRecovered {
		t.Fatalf("expected recovered, got %s", device.Status)
	}
}

func TestMarkRecoveredReachesSubscriber(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	registry, repo, bus := newRegistry(t, clock)
	seedDevice(t, repo, devices.StatusLost, clock.now)

	var transitions []string
	eventing.Subscribe(bus, eventing.EventTypeOf[devicesevents.DeviceRecovered](), "transition-counter",
		func(_ context.Context, event any) error {
			evt, ok := event.(devicesevents.DeviceRecovered)
			if !ok {
				return eventing.ErrInvalidEventType
			}
			transitions = append(transitions, evt.DeviceID)
			return nil
		}, eventing.NewMemoryProcessedStore())

	if _, err := registry.MarkRecovered(ctx, "dev-1", "admin"); err != nil {
		t.Fatalf("mark recovered: %v", err)
	}
	if len(transitions) != 1 || transitions[0] != "dev-1" {
		t.Fatalf("expected one recovery delivery, got %v", transitions)
	}
}

func TestMarkUnknownDevice(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	registry, _, _ := newRegistry(t, clock)

	if _, err := registry.MarkLost(ctx, "missing", "admin"); !errors.Is(err, devices.ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestListByOwnerReportsStale(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	registry, repo, _ := newRegistry(t, clock)
	seedDevice(t, repo, devices.StatusActive, clock.now.Add(-time.Hour))

	views, err := registry.ListByOwner(ctx, "owner-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected one device, got %d", len(views))
	}
	if views[0].EffectiveStatus != devices.StatusStale {
		t.Fatalf("expected stale, got %s", views[0].EffectiveStatus)
	}
	if views[0].Device.Status != devices.StatusActive {
		t.Fatal("stored status must stay active")
	}
}
