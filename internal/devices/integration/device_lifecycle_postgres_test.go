package integration_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"testing"
	"time"

	anomaly "tracker-cloud/internal/anomaly/domain"
	anomalyrepo "tracker-cloud/internal/anomaly/infrastructure/postgres"
	commands "tracker-cloud/internal/commands/domain"
	commandrepo "tracker-cloud/internal/commands/infrastructure/postgres"
	devices "tracker-cloud/internal/devices/domain"
	devicerepo "tracker-cloud/internal/devices/infrastructure/postgres"
	telemetry "tracker-cloud/internal/telemetry/domain"
	telemetryrepo "tracker-cloud/internal/telemetry/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestDeviceLifecycle_Postgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if !tableExists(db, "devices") ||
		!tableExists(db, "telemetry_records") ||
		!tableExists(db, "alerts") ||
		!tableExists(db, "device_baselines") ||
		!tableExists(db, "device_commands") {
		t.Skip("missing tables; run migrations")
	}

	ctx := context.Background()
	deviceID := "device-it-lifecycle"
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, _ = db.ExecContext(ctx, "DELETE FROM device_commands WHERE device_id = $1", deviceID)
	_, _ = db.ExecContext(ctx, "DELETE FROM alerts WHERE device_id = $1", deviceID)
	_, _ = db.ExecContext(ctx, "DELETE FROM device_baselines WHERE device_id = $1", deviceID)
	_, _ = db.ExecContext(ctx, "DELETE FROM telemetry_records WHERE device_id = $1", deviceID)
	_, _ = db.ExecContext(ctx, "DELETE FROM devices WHERE id = $1", deviceID)

	deviceRepo := devicerepo.NewDeviceRepository(db)
	if err := deviceRepo.Create(ctx, &devices.Device{
		ID: deviceID, OwnerID: "owner-it", PublicKey: "cGsK", TokenHash: "hash-it",
		Hostname: "laptop-it", Platform: "linux", Status: devices.StatusEnrolled,
		EnrolledAt: now, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("create device: %v", err)
	}

	device, err := deviceRepo.GetByTokenHash(ctx, "hash-it")
	if err != nil || device == nil || device.ID != deviceID {
		t.Fatalf("lookup by token hash: %v %+v", err, device)
	}

	device.Status = devices.StatusActive
	device.ActiveSince = now
	device.LastSeenAt = now
	device.LastSequence = 1
	device.LastKnown = devices.Fingerprint{IP: "203.0.113.1", ASN: "AS64500", BSSIDs: []string{"aa:bb:cc:dd:ee:01"}}
	if err := deviceRepo.Update(ctx, device); err != nil {
		t.Fatalf("update device: %v", err)
	}
	reloaded, err := deviceRepo.Get(ctx, deviceID)
	if err != nil || reloaded == nil {
		t.Fatalf("reload device: %v", err)
	}
	if reloaded.Status != devices.StatusActive || reloaded.LastSequence != 1 || reloaded.LastKnown.IP != "203.0.113.1" {
		t.Fatalf("update not persisted: %+v", reloaded)
	}

	recordRepo := telemetryrepo.NewRecordRepository(db)
	if err := recordRepo.Insert(ctx, &telemetry.Record{
		ID: "rec-it-1", DeviceID: deviceID, Sequence: 1, Timestamp: now,
		Fingerprint: reloaded.LastKnown, Payload: []byte(`{"note":"ok"}`),
		Signature: "sig", ReceivedAt: now,
	}); err != nil {
		t.Fatalf("insert record: %v", err)
	}
	records, err := recordRepo.ListByDeviceAndRange(ctx, deviceID, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil || len(records) != 1 {
		t.Fatalf("list records: %v (%d)", err, len(records))
	}

	alertRepo, err := anomalyrepo.NewAlertRepository(db)
	if err != nil {
		t.Fatalf("new alert repo: %v", err)
	}
	if err := alertRepo.Insert(ctx, &anomaly.Alert{
		ID: "alert-it-1", DeviceID: deviceID, Kind: anomaly.KindNewNetwork,
		Severity: anomaly.SeverityWarning, RecordID: "rec-it-1",
		Detail: json.RawMessage(`{"ip":"203.0.113.1"}`), TriggeredAt: now,
	}); err != nil {
		t.Fatalf("insert alert: %v", err)
	}
	open, err := alertRepo.FindOpenByKind(ctx, deviceID, anomaly.KindNewNetwork)
	if err != nil || open == nil {
		t.Fatalf("find open alert: %v", err)
	}
	if err := alertRepo.MarkAcknowledged(ctx, open.ID, now.Add(time.Second)); err != nil {
		t.Fatalf("acknowledge alert: %v", err)
	}
	acked, err := alertRepo.GetByID(ctx, open.ID)
	if err != nil || acked == nil || !acked.Acknowledged {
		t.Fatalf("alert not acknowledged: %v %+v", err, acked)
	}

	commandRepo, err := commandrepo.NewCommandRepository(db)
	if err != nil {
		t.Fatalf("new command repo: %v", err)
	}
	command := &commands.Command{
		ID: "cmd-it-1", DeviceID: deviceID, Type: commands.TypeLock,
		State: commands.StatePending, Attempt: 1, CreatedAt: now, LastTransitionAt: now,
	}
	if err := commandRepo.Insert(ctx, command); err != nil {
		t.Fatalf("insert command: %v", err)
	}
	pending, err := commandRepo.OldestPending(ctx, deviceID)
	if err != nil || pending == nil || pending.ID != command.ID {
		t.Fatalf("oldest pending: %v %+v", err, pending)
	}
	if err := pending.MarkDelivered(now.Add(time.Second)); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if err := commandRepo.Update(ctx, pending); err != nil {
		t.Fatalf("update command: %v", err)
	}
	inflight, err := commandRepo.InFlight(ctx, deviceID)
	if err != nil || inflight == nil || inflight.State != commands.StateDelivered {
		t.Fatalf("in flight: %v %+v", err, inflight)
	}
}

func tableExists(db *sql.DB, table string) bool {
	var exists bool
	err := db.QueryRow(`
SELECT EXISTS (
	SELECT 1
	FROM information_schema.tables
	WHERE table_schema = 'public' AND table_name = $1
)`, table).Scan(&exists)
	if err != nil {
		return false
	}
	return exists
}
