package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	telemetry "tracker-cloud/internal/telemetry/domain"
)

// RecordRepository is an in-memory telemetry store.
type RecordRepository struct {
	mu   sync.RWMutex
	data map[string][]telemetry.Record
}

// NewRecordRepository constructs a repository.
func NewRecordRepository() *RecordRepository {
	return &RecordRepository{data: make(map[string][]telemetry.Record)}
}

// Insert appends a record.
func (r *RecordRepository) Insert(_ context.Context, record *telemetry.Record) error {
	if record == nil || record.ID == "" || record.DeviceID == "" {
		return errors.New("record repo: invalid record")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[record.DeviceID] = append(r.data[record.DeviceID], *record)
	return nil
}

// Delete removes a record by id. Missing records are a no-op.
func (r *RecordRepository) Delete(_ context.Context, id string) error {
	if id == "" {
		return errors.New("record repo: empty record id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for deviceID, records := range r.data {
		for i, record := range records {
			if record.ID == id {
				r.data[deviceID] = append(records[:i], records[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

// ListByDeviceAndRange returns records whose timestamp falls in
// [from, to], ordered by sequence.
func (r *RecordRepository) ListByDeviceAndRange(_ context.Context, deviceID string, from, to time.Time) ([]telemetry.Record, error) {
	if deviceID == "" {
		return nil, errors.New("record repo: empty device id")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []telemetry.Record
	for _, record := range r.data[deviceID] {
		if record.Timestamp.Before(from) || record.Timestamp.After(to) {
			continue
		}
		result = append(result, record)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Sequence < result[j].Sequence })
	return result, nil
}
