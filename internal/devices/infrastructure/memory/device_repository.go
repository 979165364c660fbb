package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	devices "tracker-cloud/internal/devices/domain"
)

// DeviceRepository is an in-memory device store for tests and
// single-node use.
type DeviceRepository struct {
	mu   sync.RWMutex
	data map[string]devices.Device
}

// NewDeviceRepository constructs a repository.
func NewDeviceRepository() *DeviceRepository {
	return &DeviceRepository{data: make(map[string]devices.Device)}
}

// Get loads a device by id.
func (r *DeviceRepository) Get(_ context.Context, id string) (*devices.Device, error) {
	if id == "" {
		return nil, errors.New("device repo: empty id")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	device, ok := r.data[id]
	if !ok {
		return nil, nil
	}
	copy := device
	return &copy, nil
}

// GetByTokenHash loads a device by its credential token hash.
func (r *DeviceRepository) GetByTokenHash(_ context.Context, tokenHash string) (*devices.Device, error) {
	if tokenHash == "" {
		return nil, errors.New("device repo: empty token hash")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, device := range r.data {
		if device.TokenHash == tokenHash {
			copy := device
			return &copy, nil
		}
	}
	return nil, nil
}

// ListByOwner returns the owner's devices ordered by id.
func (r *DeviceRepository) ListByOwner(_ context.Context, ownerID string) ([]devices.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []devices.Device
	for _, device := range r.data {
		if device.OwnerID == ownerID {
			result = append(result, device)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// List returns all devices ordered by id.
func (r *DeviceRepository) List(_ context.Context) ([]devices.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]devices.Device, 0, len(r.data))
	for _, device := range r.data {
		result = append(result, device)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Create stores a new device.
func (r *DeviceRepository) Create(_ context.Context, device *devices.Device) error {
	if device == nil || device.ID == "" {
		return errors.New("device repo: invalid device")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.data[device.ID]; exists {
		return errors.New("device repo: duplicate id")
	}
	r.data[device.ID] = *device
	return nil
}

// Update overwrites an existing device.
func (r *DeviceRepository) Update(_ context.Context, device *devices.Device) error {
	if device == nil || device.ID == "" {
		return errors.New("device repo: invalid device")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.data[device.ID]; !exists {
		return devices.ErrUnknownDevice
	}
	r.data[device.ID] = *device
	return nil
}
