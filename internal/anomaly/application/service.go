package application

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	anomaly "tracker-cloud/internal/anomaly/domain"
	devices "tracker-cloud/internal/devices/domain"
	"tracker-cloud/internal/observability/metrics"
	telemetryevents "tracker-cloud/internal/telemetry/application/events"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// AlertNotifier observes raised alerts.
type AlertNotifier interface {
	Notify(ctx context.Context, alert anomaly.Alert)
}

// Detector evaluates accepted telemetry against per-device baselines
// and sweeps for missed heartbeats. Detection is best-effort: it never
// fails the telemetry submission that triggered it.
type Detector struct {
	alerts    anomaly.AlertRepository
	baselines anomaly.BaselineRepository
	devices   devices.Repository
	notifier  AlertNotifier
	clock     Clock
	logger    *log.Logger

	trustWindow       time.Duration
	wifiGrace         time.Duration
	heartbeatInterval time.Duration
	lostInterval      time.Duration
}

// DetectorOption customizes the detector.
type DetectorOption func(*Detector)

// WithClock assigns a clock.
func WithClock(clock Clock) DetectorOption {
	return func(d *Detector) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithNotifier assigns an alert notifier.
func WithNotifier(notifier AlertNotifier) DetectorOption {
	return func(d *Detector) {
		d.notifier = notifier
	}
}

// WithLogger assigns a logger for swallowed detection errors.
func WithLogger(logger *log.Logger) DetectorOption {
	return func(d *Detector) {
		d.logger = logger
	}
}

// NewDetector constructs an anomaly detector.
func NewDetector(alerts anomaly.AlertRepository, baselines anomaly.BaselineRepository, deviceRepo devices.Repository, trustWindow, wifiGrace, heartbeatInterval, lostInterval time.Duration, opts ...DetectorOption) (*Detector, error) {
	if alerts == nil {
		return nil, errors.New("anomaly: nil alert repository")
	}
	if baselines == nil {
		return nil, errors.New("anomaly: nil baseline repository")
	}
	if deviceRepo == nil {
		return nil, errors.New("anomaly: nil device repository")
	}
	if heartbeatInterval <= 0 || lostInterval <= 0 {
		return nil, errors.New("anomaly: non-positive heartbeat interval")
	}
	detector := &Detector{
		alerts:            alerts,
		baselines:         baselines,
		devices:           deviceRepo,
		clock:             systemClock{},
		trustWindow:       trustWindow,
		wifiGrace:         wifiGrace,
		heartbeatInterval: heartbeatInterval,
		lostInterval:      lostInterval,
	}
	for _, opt := range opts {
		opt(detector)
	}
	return detector, nil
}

// HandleTelemetryAccepted evaluates one accepted record. Errors are
// logged and swallowed; the submission already succeeded.
func (d *Detector) HandleTelemetryAccepted(ctx context.Context, evt telemetryevents.TelemetryAccepted) error {
	if evt.DeviceID == "" {
		return nil
	}
	if err := d.evaluate(ctx, evt); err != nil && d.logger != nil {
		d.logger.Printf("anomaly: detection error device=%s seq=%d err=%v", evt.DeviceID, evt.Sequence, err)
	}
	return nil
}

func (d *Detector) evaluate(ctx context.Context, evt telemetryevents.TelemetryAccepted) error {
	now := d.clock.Now()
	lost := evt.DeviceStatus == devices.StatusLost

	baseline, err := d.baselines.Get(ctx, evt.DeviceID)
	if err != nil {
		return err
	}
	if baseline == nil {
		// First record seeds the baseline: it arrives under the
		// owner's control right after enrollment.
		baseline = &anomaly.Baseline{DeviceID: evt.DeviceID}
		baseline.Absorb(evt.Fingerprint.IP, evt.Fingerprint.ASN, evt.Fingerprint.BSSIDs, now)
		return d.baselines.Upsert(ctx, baseline)
	}

	if evt.Fingerprint.IP != "" && !baseline.HasIP(evt.Fingerprint.IP) && !baseline.HasASN(evt.Fingerprint.ASN) {
		detail, _ := json.Marshal(map[string]any{
			"ip":         evt.Fingerprint.IP,
			"asn":        evt.Fingerprint.ASN,
			"known_ips":  baseline.KnownIPs,
			"known_asns": baseline.KnownASNs,
		})
		if err := d.raise(ctx, evt.DeviceID, anomaly.KindNewNetwork, severity(anomaly.SeverityWarning, lost), evt.RecordID, detail, now); err != nil {
			return err
		}
	}

	if len(evt.Fingerprint.BSSIDs) > 0 && !baseline.SharesBSSID(evt.Fingerprint.BSSIDs) {
		graceOver := now.Sub(evt.EnrolledAt) > d.wifiGrace
		if graceOver || lost {
			detail, _ := json.Marshal(map[string]any{
				"bssids": evt.Fingerprint.BSSIDs,
			})
			if err := d.raise(ctx, evt.DeviceID, anomaly.KindUnknownWifi, severity(anomaly.SeverityInfo, lost), evt.RecordID, detail, now); err != nil {
				return err
			}
		}
	}

	// Baseline learning waits out the trust window so an attacker's
	// first submissions cannot whitelist themselves.
	if evt.DeviceStatus == devices.StatusActive && !evt.ActiveSince.IsZero() && now.Sub(evt.ActiveSince) >= d.trustWindow {
		baseline.Absorb(evt.Fingerprint.IP, evt.Fingerprint.ASN, evt.Fingerprint.BSSIDs, now)
		return d.baselines.Upsert(ctx, baseline)
	}
	return nil
}

// Sweep raises MissedHeartbeat alerts for silent devices. At most one
// alert per silence window: an open alert newer than the device's last
// report means this window already fired.
func (d *Detector) Sweep(ctx context.Context) error {
	list, err := d.devices.List(ctx)
	if err != nil {
		return err
	}
	now := d.clock.Now()
	for _, device := range list {
		switch device.Status {
		case devices.StatusActive, devices.StatusRecovered, devices.StatusLost:
		default:
			continue
		}
		if device.LastSeenAt.IsZero() {
			continue
		}
		expected := device.ExpectedInterval(d.heartbeatInterval, d.lostInterval)
		if now.Sub(device.LastSeenAt) <= expected {
			continue
		}
		open, err := d.alerts.FindOpenByKind(ctx, device.ID, anomaly.KindMissedHeartbeat)
		if err != nil {
			return err
		}
		if open != nil && open.TriggeredAt.After(device.LastSeenAt) {
			continue
		}
		detail, _ := json.Marshal(map[string]any{
			"last_seen":         device.LastSeenAt,
			"expected_interval": expected.String(),
		})
		sev := anomaly.SeverityWarning
		if device.Status == devices.StatusLost {
			sev = anomaly.SeverityCritical
		}
		if err := d.raise(ctx, device.ID, anomaly.KindMissedHeartbeat, sev, "", detail, now); err != nil {
			return err
		}
	}
	return nil
}

// Acknowledge marks an alert acknowledged.
func (d *Detector) Acknowledge(ctx context.Context, alertID string) (*anomaly.Alert, error) {
	if alertID == "" {
		return nil, errors.New("anomaly: alert id required")
	}
	alert, err := d.alerts.GetByID(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, anomaly.ErrAlertNotFound
	}
	if alert.Acknowledged {
		return alert, nil
	}
	at := d.clock.Now()
	if err := d.alerts.MarkAcknowledged(ctx, alert.ID, at); err != nil {
		return nil, err
	}
	alert.Acknowledged = true
	alert.AcknowledgedAt = at
	return alert, nil
}

// ListByDevice returns a device's alerts.
func (d *Detector) ListByDevice(ctx context.Context, deviceID string) ([]anomaly.Alert, error) {
	if deviceID == "" {
		return nil, errors.New("anomaly: device id required")
	}
	return d.alerts.ListByDevice(ctx, deviceID)
}

func (d *Detector) raise(ctx context.Context, deviceID, kind, severity, recordID string, detail json.RawMessage, now time.Time) error {
	alert := &anomaly.Alert{
		ID:          uuid.NewString(),
		DeviceID:    deviceID,
		Kind:        kind,
		Severity:    severity,
		RecordID:    recordID,
		Detail:      detail,
		TriggeredAt: now,
	}
	if err := d.alerts.Insert(ctx, alert); err != nil {
		return err
	}
	metrics.IncAlert(kind)
	if d.notifier != nil {
		d.notifier.Notify(ctx, *alert)
	}
	return nil
}

func severity(base string, lost bool) string {
	if lost {
		return anomaly.SeverityCritical
	}
	return base
}
