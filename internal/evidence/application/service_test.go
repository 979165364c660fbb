package application

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	anomaly "tracker-cloud/internal/anomaly/domain"
	anomalymem "tracker-cloud/internal/anomaly/infrastructure/memory"
	commands "tracker-cloud/internal/commands/domain"
	commandsmem "tracker-cloud/internal/commands/infrastructure/memory"
	devices "tracker-cloud/internal/devices/domain"
	devicesmem "tracker-cloud/internal/devices/infrastructure/memory"
	evidence "tracker-cloud/internal/evidence/domain"
	telemetry "tracker-cloud/internal/telemetry/domain"
	telemetrymem "tracker-cloud/internal/telemetry/infrastructure/memory"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

type builderFixture struct {
	builder  *Builder
	records  *telemetrymem.RecordRepository
	alerts   *anomalymem.AlertRepository
	commands *commandsmem.CommandRepository
	locks    *devices.KeyedMutex
	from     time.Time
	to       time.Time
}

func newBuilderFixture(t *testing.T) *builderFixture {
	t.Helper()
	from := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	clock := &fixedClock{now: from.Add(2 * time.Hour)}
	deviceRepo := devicesmem.NewDeviceRepository()
	if err := deviceRepo.Create(context.Background(), &devices.Device{
		ID: "dev-1", OwnerID: "owner-1", Hostname: "laptop-7", Platform: "linux", Status: devices.StatusActive,
	}); err != nil {
		t.Fatalf("create device: %v", err)
	}
	records := telemetrymem.NewRecordRepository()
	alerts := anomalymem.NewAlertRepository()
	commandRepo := commandsmem.NewCommandRepository()
	locks := devices.NewKeyedMutex()
	builder, err := NewBuilder(deviceRepo, records, alerts, commandRepo, locks, WithClock(clock))
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	return &builderFixture{builder: builder, records: records, alerts: alerts, commands: commandRepo, locks: locks, from: from, to: from.Add(time.Hour)}
}

func (f *builderFixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	ts := f.from.Add(10 * time.Minute)
	if err := f.records.Insert(ctx, &telemetry.Record{
		ID: "rec-1", DeviceID: "dev-1", Sequence: 1, Timestamp: ts,
		Fingerprint: devices.Fingerprint{IP: "203.0.113.1", ASN: "AS64500", BSSIDs: []string{"aa:bb:cc:dd:ee:01"}},
		Payload:     []byte(`{"note":"ok"}`), ReceivedAt: ts,
	}); err != nil {
		t.Fatalf("insert record: %v", err)
	}
	if err := f.records.Insert(ctx, &telemetry.Record{
		ID: "rec-2", DeviceID: "dev-1", Sequence: 2, Timestamp: f.from.Add(30 * time.Minute),
		Fingerprint: devices.Fingerprint{IP: "198.51.100.9", ASN: "AS64999", BSSIDs: []string{"ff:ff:ff:ff:ff:01"}},
		ReceivedAt:  f.from.Add(30 * time.Minute),
	}); err != nil {
		t.Fatalf("insert record: %v", err)
	}
	// Same timestamp as rec-2. Ties break on sequence first, and the
	// alert carries none, so it sorts ahead of the record.
	if err := f.alerts.Insert(ctx, &anomaly.Alert{
		ID: "alert-1", DeviceID: "dev-1", Kind: anomaly.KindNewNetwork, Severity: anomaly.SeverityWarning,
		RecordID: "rec-2", Detail: json.RawMessage(`{"ip":"198.51.100.9"}`), TriggeredAt: f.from.Add(30 * time.Minute),
	}); err != nil {
		t.Fatalf("insert alert: %v", err)
	}
	if err := f.commands.Insert(ctx, &commands.Command{
		ID: "cmd-1", DeviceID: "dev-1", Type: commands.TypeLock, State: commands.StateAcknowledged,
		Attempt: 1, CreatedAt: f.from.Add(45 * time.Minute), LastTransitionAt: f.from.Add(46 * time.Minute),
	}); err != nil {
		t.Fatalf("insert command: %v", err)
	}
}

func TestBuildOrdersAndChains(t *testing.T) {
	ctx := context.Background()
	f := newBuilderFixture(t)
	f.seed(t)

	pack, err := f.builder.Build(ctx, "dev-1", f.from, f.to)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	gotIDs := make([]string, 0, len(pack.Items))
	for _, item := range pack.Items {
		gotIDs = append(gotIDs, item.ID)
	}
	wantIDs := []string{"rec-1", "alert-1", "rec-2", "cmd-1"}
	if !reflect.DeepEqual(gotIDs, wantIDs) {
		t.Fatalf("order mismatch: got %v want %v", gotIDs, wantIDs)
	}

	if err := evidence.VerifyChain(pack); err != nil {
		t.Fatalf("chain broken: %v", err)
	}
	if pack.Device.Hostname != "laptop-7" || pack.Device.Status != devices.StatusActive {
		t.Fatalf("unexpected device snapshot %+v", pack.Device)
	}
	if len(pack.Wifi.DistinctBSSIDs) != 2 || len(pack.Wifi.DistinctIPs) != 2 || len(pack.Wifi.DistinctASNs) != 2 {
		t.Fatalf("unexpected wifi summary %+v", pack.Wifi)
	}
	wantBSSIDs := []string{"aa:bb:cc:dd:ee:01", "ff:ff:ff:ff:ff:01"}
	if !reflect.DeepEqual(pack.Wifi.DistinctBSSIDs, wantBSSIDs) {
		t.Fatalf("bssids not sorted distinct: got %v want %v", pack.Wifi.DistinctBSSIDs, wantBSSIDs)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	ctx := context.Background()
	f := newBuilderFixture(t)
	f.seed(t)

	first, err := f.builder.Build(ctx, "dev-1", f.from, f.to)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	second, err := f.builder.Build(ctx, "dev-1", f.from, f.to)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if first.ChainHead != second.ChainHead {
		t.Fatalf("chain head changed between builds: %s vs %s", first.ChainHead, second.ChainHead)
	}
}

func TestBuildEmptyRange(t *testing.T) {
	ctx := context.Background()
	f := newBuilderFixture(t)

	if _, err := f.builder.Build(ctx, "dev-1", f.from, f.to); !errors.Is(err, evidence.ErrEmptyRange) {
		t.Fatalf("expected ErrEmptyRange, got %v", err)
	}
}

func TestBuildInvalidRange(t *testing.T) {
	ctx := context.Background()
	f := newBuilderFixture(t)

	if _, err := f.builder.Build(ctx, "dev-1", f.to, f.from); !errors.Is(err, evidence.ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}

func TestBuildUnknownDevice(t *testing.T) {
	ctx := context.Background()
	f := newBuilderFixture(t)

	if _, err := f.builder.Build(ctx, "missing", f.from, f.to); !errors.Is(err, devices.ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestBuildWaitsForDeviceLock(t *testing.T) {
	ctx := context.Background()
	f := newBuilderFixture(t)
	f.seed(t)

	unlock := f.locks.Lock("dev-1")
	done := make(chan error, 1)
	go func() {
		_, err := f.builder.Build(ctx, "dev-1", f.from, f.to)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("build finished while the device lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("build after unlock: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("build did not finish after the lock was released")
	}
}
