package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	anomaly "tracker-cloud/internal/anomaly/domain"
)

// AlertRepository is an in-memory alert store.
type AlertRepository struct {
	mu   sync.RWMutex
	data map[string]anomaly.Alert
}

// NewAlertRepository constructs a repository.
func NewAlertRepository() *AlertRepository {
	return &AlertRepository{data: make(map[string]anomaly.Alert)}
}

// Insert stores a new alert.
func (r *AlertRepository) Insert(_ context.Context, alert *anomaly.Alert) error {
	if alert == nil || alert.ID == "" {
		return errors.New("alert repo: invalid alert")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[alert.ID] = *alert
	return nil
}

// GetByID loads an alert by id.
func (r *AlertRepository) GetByID(_ context.Context, id string) (*anomaly.Alert, error) {
	if id == "" {
		return nil, errors.New("alert repo: empty id")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	alert, ok := r.data[id]
	if !ok {
		return nil, nil
	}
	copy := alert
	return &copy, nil
}

// FindOpenByKind returns the newest unacknowledged alert of the kind.
func (r *AlertRepository) FindOpenByKind(_ context.Context, deviceID, kind string) (*anomaly.Alert, error) {
	if deviceID == "" || kind == "" {
		return nil, errors.New("alert repo: device id and kind required")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var newest *anomaly.Alert
	for _, alert := range r.data {
		if alert.DeviceID != deviceID || alert.Kind != kind || alert.Acknowledged {
			continue
		}
		if newest == nil || alert.TriggeredAt.After(newest.TriggeredAt) {
			copy := alert
			newest = &copy
		}
	}
	return newest, nil
}

// ListByDevice returns a device's alerts, newest first.
func (r *AlertRepository) ListByDevice(_ context.Context, deviceID string) ([]anomaly.Alert, error) {
	if deviceID == "" {
		return nil, errors.New("alert repo: empty device id")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []anomaly.Alert
	for _, alert := range r.data {
		if alert.DeviceID == deviceID {
			result = append(result, alert)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TriggeredAt.After(result[j].TriggeredAt) })
	return result, nil
}

// ListByDeviceAndRange returns alerts triggered in [from, to], oldest
// first.
func (r *AlertRepository) ListByDeviceAndRange(_ context.Context, deviceID string, from, to time.Time) ([]anomaly.Alert, error) {
	if deviceID == "" {
		return nil, errors.New("alert repo: empty device id")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []anomaly.Alert
	for _, alert := range r.data {
		if alert.DeviceID != deviceID {
			continue
		}
		if alert.TriggeredAt.Before(from) || alert.TriggeredAt.After(to) {
			continue
		}
		result = append(result, alert)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TriggeredAt.Before(result[j].TriggeredAt) })
	return result, nil
}

// MarkAcknowledged acknowledges an alert.
func (r *AlertRepository) MarkAcknowledged(_ context.Context, id string, at time.Time) error {
	if id == "" {
		return errors.New("alert repo: empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	alert, ok := r.data[id]
	if !ok {
		return anomaly.ErrAlertNotFound
	}
	alert.Acknowledged = true
	alert.AcknowledgedAt = at.UTC()
	r.data[id] = alert
	return nil
}

// BaselineRepository is an in-memory baseline store.
type BaselineRepository struct {
	mu   sync.RWMutex
	data map[string]anomaly.Baseline
}

// NewBaselineRepository constructs a repository.
func NewBaselineRepository() *BaselineRepository {
	return &BaselineRepository{data: make(map[string]anomaly.Baseline)}
}

// Get loads a baseline by device id.
func (r *BaselineRepository) Get(_ context.Context, deviceID string) (*anomaly.Baseline, error) {
	if deviceID == "" {
		return nil, errors.New("baseline repo: empty device id")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	baseline, ok := r.data[deviceID]
	if !ok {
		return nil, nil
	}
	copy := baseline
	copy.KnownIPs = append([]string(nil), baseline.KnownIPs...)
	copy.KnownASNs = append([]string(nil), baseline.KnownASNs...)
	copy.KnownBSSIDs = append([]string(nil), baseline.KnownBSSIDs...)
	return &copy, nil
}

// Upsert stores a baseline.
func (r *BaselineRepository) Upsert(_ context.Context, baseline *anomaly.Baseline) error {
	if baseline == nil || baseline.DeviceID == "" {
		return errors.New("baseline repo: invalid baseline")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[baseline.DeviceID] = *baseline
	return nil
}
