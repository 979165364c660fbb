package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Alert kinds.
const (
	KindNewNetwork      = "new_network"
	KindUnknownWifi     = "unknown_wifi"
	KindMissedHeartbeat = "missed_heartbeat"
)

// Alert severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// ErrAlertNotFound indicates a missing alert record.
var ErrAlertNotFound = errors.New("anomaly: alert not found")

// Alert is one detection result. Created only by the detector.
type Alert struct {
	ID             string
	DeviceID       string
	Kind           string
	Severity       string
	RecordID       string
	Detail         json.RawMessage
	TriggeredAt    time.Time
	Acknowledged   bool
	AcknowledgedAt time.Time
}

// AlertRepository persists alerts.
type AlertRepository interface {
	Insert(ctx context.Context, alert *Alert) error
	GetByID(ctx context.Context, id string) (*Alert, error)
	// FindOpenByKind returns the newest unacknowledged alert of the
	// kind for the device, or (nil, nil).
	FindOpenByKind(ctx context.Context, deviceID, kind string) (*Alert, error)
	ListByDevice(ctx context.Context, deviceID string) ([]Alert, error)
	ListByDeviceAndRange(ctx context.Context, deviceID string, from, to time.Time) ([]Alert, error)
	MarkAcknowledged(ctx context.Context, id string, at time.Time) error
}

// Baseline is the trusted network identity set for a device.
type Baseline struct {
	DeviceID    string
	KnownIPs    []string
	KnownASNs   []string
	KnownBSSIDs []string
	UpdatedAt   time.Time
}

// HasIP reports whether the IP is already trusted.
func (b *Baseline) HasIP(ip string) bool {
	return contains(b.KnownIPs, ip)
}

// HasASN reports whether the ASN is already trusted.
func (b *Baseline) HasASN(asn string) bool {
	return contains(b.KnownASNs, asn)
}

// SharesBSSID reports whether any reported BSSID was seen before.
func (b *Baseline) SharesBSSID(bssids []string) bool {
	for _, bssid := range bssids {
		if contains(b.KnownBSSIDs, bssid) {
			return true
		}
	}
	return false
}

// Absorb merges a fingerprint into the baseline, deduplicated.
func (b *Baseline) Absorb(ip, asn string, bssids []string, now time.Time) {
	if ip != "" && !contains(b.KnownIPs, ip) {
		b.KnownIPs = append(b.KnownIPs, ip)
	}
	if asn != "" && !contains(b.KnownASNs, asn) {
		b.KnownASNs = append(b.KnownASNs, asn)
	}
	for _, bssid := range bssids {
		if bssid != "" && !contains(b.KnownBSSIDs, bssid) {
			b.KnownBSSIDs = append(b.KnownBSSIDs, bssid)
		}
	}
	b.UpdatedAt = now.UTC()
}

// BaselineRepository persists baselines. Get returns (nil, nil) when
// the device has no baseline yet.
type BaselineRepository interface {
	Get(ctx context.Context, deviceID string) (*Baseline, error)
	Upsert(ctx context.Context, baseline *Baseline) error
}

func contains(values []string, value string) bool {
	for _, candidate := range values {
		if candidate == value {
			return true
		}
	}
	return false
}
