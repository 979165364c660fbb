package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	commands "tracker-cloud/internal/commands/domain"
)

// CommandRepository is an in-memory command store.
type CommandRepository struct {
	mu   sync.RWMutex
	data map[string]commands.Command
}

// NewCommandRepository constructs a repository.
func NewCommandRepository() *CommandRepository {
	return &CommandRepository{data: make(map[string]commands.Command)}
}

// Insert stores a new command.
func (r *CommandRepository) Insert(_ context.Context, command *commands.Command) error {
	if command == nil || command.ID == "" {
		return commands.ErrInvalidCommand
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[command.ID] = *command
	return nil
}

// Get loads a command by id.
func (r *CommandRepository) Get(_ context.Context, id string) (*commands.Command, error) {
	if id == "" {
		return nil, errors.New("command repo: empty id")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	command, ok := r.data[id]
	if !ok {
		return nil, nil
	}
	copy := command
	return &copy, nil
}

// OldestPending returns the device's oldest pending command.
func (r *CommandRepository) OldestPending(_ context.Context, deviceID string) (*commands.Command, error) {
	if deviceID == "" {
		return nil, errors.New("command repo: empty device id")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var oldest *commands.Command
	for _, command := range r.data {
		if command.DeviceID != deviceID || command.State != commands.StatePending {
			continue
		}
		if oldest == nil || command.CreatedAt.Before(oldest.CreatedAt) {
			copy := command
			oldest = &copy
		}
	}
	return oldest, nil
}

// InFlight returns the device's delivered command, if any.
func (r *CommandRepository) InFlight(_ context.Context, deviceID string) (*commands.Command, error) {
	if deviceID == "" {
		return nil, errors.New("command repo: empty device id")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, command := range r.data {
		if command.DeviceID == deviceID && command.State == commands.StateDelivered {
			copy := command
			return &copy, nil
		}
	}
	return nil, nil
}

// ListDeliveredBefore returns delivered commands whose last transition
// happened at or before the cutoff.
func (r *CommandRepository) ListDeliveredBefore(_ context.Context, cutoff time.Time) ([]commands.Command, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []commands.Command
	for _, command := range r.data {
		if command.State != commands.StateDelivered {
			continue
		}
		if command.LastTransitionAt.After(cutoff) {
			continue
		}
		result = append(result, command)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].LastTransitionAt.Before(result[j].LastTransitionAt) })
	return result, nil
}

// ListByDevice returns a device's commands, oldest first.
func (r *CommandRepository) ListByDevice(_ context.Context, deviceID string) ([]commands.Command, error) {
	if deviceID == "" {
		return nil, errors.New("command repo: empty device id")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []commands.Command
	for _, command := range r.data {
		if command.DeviceID == deviceID {
			result = append(result, command)
		}
	}
	sortByCreation(result)
	return result, nil
}

// ListByDeviceAndRange returns commands created in [from, to], oldest
// first.
func (r *CommandRepository) ListByDeviceAndRange(_ context.Context, deviceID string, from, to time.Time) ([]commands.Command, error) {
	if deviceID == "" {
		return nil, errors.New("command repo: empty device id")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []commands.Command
	for _, command := range r.data {
		if command.DeviceID != deviceID {
			continue
		}
		if command.CreatedAt.Before(from) || command.CreatedAt.After(to) {
			continue
		}
		result = append(result, command)
	}
	sortByCreation(result)
	return result, nil
}

// Update replaces a stored command.
func (r *CommandRepository) Update(_ context.Context, command *commands.Command) error {
	if command == nil || command.ID == "" {
		return commands.ErrInvalidCommand
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[command.ID]; !ok {
		return commands.ErrCommandNotFound
	}
	r.data[command.ID] = *command
	return nil
}

func sortByCreation(list []commands.Command) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
