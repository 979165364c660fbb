package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"tracker-cloud/internal/crypto"
	devices "tracker-cloud/internal/devices/domain"
	devicesmem "tracker-cloud/internal/devices/infrastructure/memory"
	"tracker-cloud/internal/eventing"
	telemetry "tracker-cloud/internal/telemetry/domain"
	telemetrymem "tracker-cloud/internal/telemetry/infrastructure/memory"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

type fixture struct {
	ingestor *Ingestor
	devices  *devicesmem.DeviceRepository
	records  *telemetrymem.RecordRepository
	clock    *fixedClock
	pub      string
	priv     string
	deviceID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	pub, priv, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	deviceRepo := devicesmem.NewDeviceRepository()
	device := &devices.Device{
		ID:         "dev-1",
		OwnerID:    "owner-1",
		PublicKey:  pub,
		Status:     devices.StatusEnrolled,
		EnrolledAt: clock.now.Add(-time.Hour),
		CreatedAt:  clock.now.Add(-time.Hour),
		UpdatedAt:  clock.now.Add(-time.Hour),
	}
	if err := deviceRepo.Create(context.Background(), device); err != nil {
		t.Fatalf("create device: %v", err)
	}
	records := telemetrymem.NewRecordRepository()
	ingestor, err := NewIngestor(deviceRepo, records, devices.NewKeyedMutex(), eventing.NewInMemoryBus(), 5*time.Minute, WithClock(clock))
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}
	return &fixture{ingestor: ingestor, devices: deviceRepo, records: records, clock: clock, pub: pub, priv: priv, deviceID: device.ID}
}

func (f *fixture) signed(t *testing.T, sequence uint64, payload []byte) Submission {
	t.Helper()
	sig, err := crypto.Sign(f.priv, payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return Submission{
		Sequence:    sequence,
		Timestamp:   f.clock.now,
		Fingerprint: devices.Fingerprint{IP: "203.0.113.10", ASN: "AS64500"},
		Payload:     payload,
		Signature:   sig,
	}
}

func TestSubmitPromotesEnrolledDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	record, err := f.ingestor.Submit(ctx, f.deviceID, f.signed(t, 1, []byte(`{"battery":80}`)))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if record.Sequence != 1 {
		t.Fatalf("unexpected sequence %d", record.Sequence)
	}
	device, _ := f.devices.Get(ctx, f.deviceID)
	if device.Status != devices.StatusActive {
		t.Fatalf("expected active, got %s", device.Status)
	}
	if !device.ActiveSince.Equal(f.clock.now) {
		t.Fatalf("unexpected active since %v", device.ActiveSince)
	}
	if device.LastSequence != 1 {
		t.Fatalf("unexpected last sequence %d", device.LastSequence)
	}
}

func TestSubmitInvalidSignatureMutatesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sub := f.signed(t, 1, []byte("payload"))
	sub.Payload = []byte("tampered")
	_, err := f.ingestor.Submit(ctx, f.deviceID, sub)
	if !errors.Is(err, telemetry.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	device, _ := f.devices.Get(ctx, f.deviceID)
	if device.Status != devices.StatusEnrolled {
		t.Fatalf("rejection must not change status, got %s", device.Status)
	}
	if device.LastSequence != 0 {
		t.Fatal("rejection must not advance the sequence")
	}
	list, _ := f.records.ListByDeviceAndRange(ctx, f.deviceID, f.clock.now.Add(-time.Hour), f.clock.now.Add(time.Hour))
	if len(list) != 0 {
		t.Fatalf("rejection must not store records, got %d", len(list))
	}
}

func TestSubmitRejectsReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.ingestor.Submit(ctx, f.deviceID, f.signed(t, 5, []byte("a"))); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err := f.ingestor.Submit(ctx, f.deviceID, f.signed(t, 5, []byte("b")))
	if !errors.Is(err, telemetry.ErrReplayedTelemetry) {
		t.Fatalf("expected ErrReplayedTelemetry, got %v", err)
	}
	_, err = f.ingestor.Submit(ctx, f.deviceID, f.signed(t, 4, []byte("c")))
	if !errors.Is(err, telemetry.ErrReplayedTelemetry) {
		t.Fatalf("expected ErrReplayedTelemetry for lower sequence, got %v", err)
	}
	if _, err := f.ingestor.Submit(ctx, f.deviceID, f.signed(t, 6, []byte("d"))); err != nil {
		t.Fatalf("next sequence should pass: %v", err)
	}
}

func TestSubmitRejectsClockSkew(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sub := f.signed(t, 1, []byte("payload"))
	sub.Timestamp = f.clock.now.Add(-10 * time.Minute)
	_, err := f.ingestor.Submit(ctx, f.deviceID, sub)
	if !errors.Is(err, telemetry.ErrClockSkewRejected) {
		t.Fatalf("expected ErrClockSkewRejected, got %v", err)
	}

	sub = f.signed(t, 1, []byte("payload"))
	sub.Timestamp = f.clock.now.Add(10 * time.Minute)
	_, err = f.ingestor.Submit(ctx, f.deviceID, sub)
	if !errors.Is(err, telemetry.ErrClockSkewRejected) {
		t.Fatalf("expected ErrClockSkewRejected for future timestamp, got %v", err)
	}
}

func TestSubmitUnknownDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.ingestor.Submit(ctx, "missing", f.signed(t, 1, []byte("payload")))
	if !errors.Is(err, devices.ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

// flakyDeviceRepo fails a configurable number of Update calls before
// delegating to the real repository.
type flakyDeviceRepo struct {
	*devicesmem.DeviceRepository
	updateFailures int
}

func (r *flakyDeviceRepo) Update(ctx context.Context, device *devices.Device) error {
	if r.updateFailures > 0 {
		r.updateFailures--
		return errors.New("device repo: down")
	}
	return r.DeviceRepository.Update(ctx, device)
}

func TestSubmitFailedDeviceUpdateLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	pub, priv, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	deviceRepo := &flakyDeviceRepo{DeviceRepository: devicesmem.NewDeviceRepository(), updateFailures: 1}
	if err := deviceRepo.Create(ctx, &devices.Device{
		ID: "dev-1", OwnerID: "owner-1", PublicKey: pub,
		Status: devices.StatusEnrolled, EnrolledAt: clock.now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("create device: %v", err)
	}
	records := telemetrymem.NewRecordRepository()
	ingestor, err := NewIngestor(deviceRepo, records, devices.NewKeyedMutex(), eventing.NewInMemoryBus(), 5*time.Minute, WithClock(clock))
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}
	sign := func(payload []byte) Submission {
		sig, err := crypto.Sign(priv, payload)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return Submission{Sequence: 1, Timestamp: clock.now, Payload: payload, Signature: sig}
	}

	if _, err := ingestor.Submit(ctx, "dev-1", sign([]byte("a"))); err == nil {
		t.Fatal("expected the failed device update to reject the submission")
	}
	list, _ := records.ListByDeviceAndRange(ctx, "dev-1", clock.now.Add(-time.Hour), clock.now.Add(time.Hour))
	if len(list) != 0 {
		t.Fatalf("rejected submission must leave no records, got %d", len(list))
	}

	// The retry is accepted and stores exactly one record for the
	// sequence.
	if _, err := ingestor.Submit(ctx, "dev-1", sign([]byte("a"))); err != nil {
		t.Fatalf("retry: %v", err)
	}
	list, _ = records.ListByDeviceAndRange(ctx, "dev-1", clock.now.Add(-time.Hour), clock.now.Add(time.Hour))
	if len(list) != 1 || list[0].Sequence != 1 {
		t.Fatalf("expected one stored record with sequence 1, got %d", len(list))
	}
	device, _ := deviceRepo.Get(ctx, "dev-1")
	if device.LastSequence != 1 {
		t.Fatalf("unexpected last sequence %d", device.LastSequence)
	}
}

func TestSubmitLostDeviceStaysLost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	device, _ := f.devices.Get(ctx, f.deviceID)
	if err := device.MarkLost(f.clock.now); err != nil {
		t.Fatalf("mark lost: %v", err)
	}
	if err := f.devices.Update(ctx, device); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := f.ingestor.Submit(ctx, f.deviceID, f.signed(t, 1, []byte("payload"))); err != nil {
		t.Fatalf("submit: %v", err)
	}
	device, _ = f.devices.Get(ctx, f.deviceID)
	if device.Status != devices.StatusLost {
		t.Fatalf("telemetry must not clear lost, got %s", device.Status)
	}
	if device.LastSequence != 1 {
		t.Fatal("lost devices still record telemetry")
	}
}
