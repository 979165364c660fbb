package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	anomaly "tracker-cloud/internal/anomaly/domain"
	commands "tracker-cloud/internal/commands/domain"
	devices "tracker-cloud/internal/devices/domain"
	evidence "tracker-cloud/internal/evidence/domain"
	"tracker-cloud/internal/observability/metrics"
	telemetry "tracker-cloud/internal/telemetry/domain"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Builder assembles evidence packs from stored telemetry, alerts and
// commands.
type Builder struct {
	devices  devices.Repository
	records  telemetry.Repository
	alerts   anomaly.AlertRepository
	commands commands.Repository
	locks    *devices.KeyedMutex
	clock    Clock
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithClock overrides the clock.
func WithClock(clock Clock) BuilderOption {
	return func(b *Builder) { b.clock = clock }
}

// NewBuilder constructs a Builder. The keyed mutex is the one the
// ingestion path serializes device writes with, so packs read a
// consistent snapshot.
func NewBuilder(deviceRepo devices.Repository, recordRepo telemetry.Repository, alertRepo anomaly.AlertRepository, commandRepo commands.Repository, locks *devices.KeyedMutex, opts ...BuilderOption) (*Builder, error) {
	if deviceRepo == nil {
		return nil, errors.New("evidence builder: device repository is nil")
	}
	if recordRepo == nil {
		return nil, errors.New("evidence builder: record repository is nil")
	}
	if alertRepo == nil {
		return nil, errors.New("evidence builder: alert repository is nil")
	}
	if commandRepo == nil {
		return nil, errors.New("evidence builder: command repository is nil")
	}
	if locks == nil {
		return nil, errors.New("evidence builder: keyed mutex is nil")
	}
	b := &Builder{
		devices:  deviceRepo,
		records:  recordRepo,
		alerts:   alertRepo,
		commands: commandRepo,
		locks:    locks,
		clock:    SystemClock{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

type telemetryBody struct {
	IP       string   `json:"ip,omitempty"`
	ASN      string   `json:"asn,omitempty"`
	BSSIDs   []string `json:"bssids,omitempty"`
	Battery  *int     `json:"battery,omitempty"`
	Payload  string   `json:"payload,omitempty"`
	Received string   `json:"received_at"`
}

type alertBody struct {
	Kind         string          `json:"kind"`
	Severity     string          `json:"severity"`
	Detail       json.RawMessage `json:"detail,omitempty"`
	RecordID     string          `json:"record_id,omitempty"`
	Acknowledged bool            `json:"acknowledged"`
}

type commandBody struct {
	Type    string `json:"type"`
	State   string `json:"state"`
	Attempt int    `json:"attempt"`
	RetryOf string `json:"retry_of,omitempty"`
	Payload string `json:"payload,omitempty"`
}

// Build assembles the pack for one device over [from, to].
func (b *Builder) Build(ctx context.Context, deviceID string, from, to time.Time) (*evidence.Pack, error) {
	if !from.Before(to) {
		return nil, evidence.ErrInvalidRange
	}
	device, records, alerts, cmds, err := b.snapshot(ctx, deviceID, from, to)
	if err != nil {
		return nil, b.fail(err)
	}
	if len(records) == 0 && len(alerts) == 0 && len(cmds) == 0 {
		return nil, b.fail(evidence.ErrEmptyRange)
	}

	items := make([]evidence.Item, 0, len(records)+len(alerts)+len(cmds))
	wifi := newWifiCollector()
	for i := range records {
		record := records[i]
		wifi.observe(record.Fingerprint)
		body, err := json.Marshal(telemetryBody{
			IP:       record.Fingerprint.IP,
			ASN:      record.Fingerprint.ASN,
			BSSIDs:   record.Fingerprint.BSSIDs,
			Battery:  record.Battery,
			Payload:  string(record.Payload),
			Received: record.ReceivedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, b.fail(fmt.Errorf("evidence: encode record %s: %w", record.ID, err))
		}
		items = append(items, evidence.Item{
			Kind:      evidence.KindTelemetry,
			ID:        record.ID,
			Timestamp: record.Timestamp.UTC(),
			Sequence:  record.Sequence,
			Summary:   fmt.Sprintf("telemetry seq %d from %s", record.Sequence, record.Fingerprint.IP),
			Body:      body,
		})
	}
	for i := range alerts {
		alert := alerts[i]
		body, err := json.Marshal(alertBody{
			Kind:         alert.Kind,
			Severity:     alert.Severity,
			Detail:       alert.Detail,
			RecordID:     alert.RecordID,
			Acknowledged: alert.Acknowledged,
		})
		if err != nil {
			return nil, b.fail(fmt.Errorf("evidence: encode alert %s: %w", alert.ID, err))
		}
		items = append(items, evidence.Item{
			Kind:      evidence.KindAlert,
			ID:        alert.ID,
			Timestamp: alert.TriggeredAt.UTC(),
			Summary:   fmt.Sprintf("%s alert (%s)", alert.Kind, alert.Severity),
			Body:      body,
		})
	}
	for i := range cmds {
		command := cmds[i]
		body, err := json.Marshal(commandBody{
			Type:    command.Type,
			State:   command.State,
			Attempt: command.Attempt,
			RetryOf: command.RetryOf,
			Payload: string(command.Payload),
		})
		if err != nil {
			return nil, b.fail(fmt.Errorf("evidence: encode command %s: %w", command.ID, err))
		}
		items = append(items, evidence.Item{
			Kind:      evidence.KindCommand,
			ID:        command.ID,
			Timestamp: command.CreatedAt.UTC(),
			Summary:   fmt.Sprintf("command %s (%s)", command.Type, command.State),
			Body:      body,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		left, right := items[i], items[j]
		if !left.Timestamp.Equal(right.Timestamp) {
			return left.Timestamp.Before(right.Timestamp)
		}
		if left.Sequence != right.Sequence {
			return left.Sequence < right.Sequence
		}
		if lp, rp := evidence.KindPriority(left.Kind), evidence.KindPriority(right.Kind); lp != rp {
			return lp < rp
		}
		return left.ID < right.ID
	})

	prev := evidence.SeedHash(deviceID, from, to)
	for i := range items {
		items[i].PrevHash = prev
		items[i].Hash = evidence.ItemHash(prev, items[i])
		prev = items[i].Hash
	}

	pack := &evidence.Pack{
		DeviceID:    deviceID,
		From:        from.UTC(),
		To:          to.UTC(),
		GeneratedAt: b.clock.Now(),
		Device: evidence.DeviceSnapshot{
			DeviceID:   device.ID,
			OwnerID:    device.OwnerID,
			Hostname:   device.Hostname,
			Platform:   device.Platform,
			Status:     device.Status,
			PublicKey:  device.PublicKey,
			EnrolledAt: device.EnrolledAt,
			LastSeenAt: device.LastSeenAt,
		},
		Wifi:      wifi.summary(),
		Items:     items,
		ChainHead: prev,
	}
	metrics.IncPackBuilt("ok")
	return pack, nil
}

// snapshot reads the device and its history under the device lock so
// an in-flight submission cannot land between the reads.
func (b *Builder) snapshot(ctx context.Context, deviceID string, from, to time.Time) (*devices.Device, []telemetry.Record, []anomaly.Alert, []commands.Command, error) {
	unlock := b.locks.Lock(deviceID)
	defer unlock()

	device, err := b.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if device == nil {
		return nil, nil, nil, nil, devices.ErrUnknownDevice
	}
	records, err := b.records.ListByDeviceAndRange(ctx, deviceID, from, to)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	alerts, err := b.alerts.ListByDeviceAndRange(ctx, deviceID, from, to)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cmds, err := b.commands.ListByDeviceAndRange(ctx, deviceID, from, to)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return device, records, alerts, cmds, nil
}

func (b *Builder) fail(err error) error {
	metrics.IncPackBuilt("error")
	return err
}

type wifiCollector struct {
	bssids map[string]struct{}
	ips    map[string]struct{}
	asns   map[string]struct{}
}

func newWifiCollector() *wifiCollector {
	return &wifiCollector{
		bssids: make(map[string]struct{}),
		ips:    make(map[string]struct{}),
		asns:   make(map[string]struct{}),
	}
}

func (c *wifiCollector) observe(fp devices.Fingerprint) {
	for _, bssid := range fp.BSSIDs {
		c.bssids[bssid] = struct{}{}
	}
	if fp.IP != "" {
		c.ips[fp.IP] = struct{}{}
	}
	if fp.ASN != "" {
		c.asns[fp.ASN] = struct{}{}
	}
}

func (c *wifiCollector) summary() evidence.WifiSummary {
	return evidence.WifiSummary{
		DistinctBSSIDs: sortedKeys(c.bssids),
		DistinctIPs:    sortedKeys(c.ips),
		DistinctASNs:   sortedKeys(c.asns),
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
