package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Command types a device can be asked to execute.
const (
	TypeLock     = "lock"
	TypeChime    = "chime"
	TypeMessage  = "message"
	TypeWipeFlag = "wipe_flag"
)

// Command states. Transitions move forward only.
const (
	StatePending      = "pending"
	StateDelivered    = "delivered"
	StateAcknowledged = "acknowledged"
	StateFailed       = "failed"
)

var (
	ErrCommandNotFound   = errors.New("commands: command not found")
	ErrInvalidCommand    = errors.New("commands: invalid command")
	ErrInvalidTransition = errors.New("commands: invalid state transition")
	ErrDeliveryTimeout   = errors.New("commands: delivery timed out")
	ErrDeviceBusy        = errors.New("commands: device already has a command in flight")
)

// ValidType reports whether t is a known command type.
func ValidType(t string) bool {
	switch t {
	case TypeLock, TypeChime, TypeMessage, TypeWipeFlag:
		return true
	}
	return false
}

// Command is a remote action queued for a device.
type Command struct {
	ID               string
	DeviceID         string
	Type             string
	Payload          json.RawMessage
	State            string
	Attempt          int
	RetryOf          string
	CreatedAt        time.Time
	LastTransitionAt time.Time
}

// MarkDelivered moves a pending command to delivered.
func (c *Command) MarkDelivered(now time.Time) error {
	if c.State != StatePending {
		return ErrInvalidTransition
	}
	c.State = StateDelivered
	c.LastTransitionAt = now.UTC()
	return nil
}

// MarkAcknowledged moves a delivered command to acknowledged.
func (c *Command) MarkAcknowledged(now time.Time) error {
	if c.State != StateDelivered {
		return ErrInvalidTransition
	}
	c.State = StateAcknowledged
	c.LastTransitionAt = now.UTC()
	return nil
}

// MarkFailed moves a pending or delivered command to failed.
func (c *Command) MarkFailed(now time.Time) error {
	if c.State != StatePending && c.State != StateDelivered {
		return ErrInvalidTransition
	}
	c.State = StateFailed
	c.LastTransitionAt = now.UTC()
	return nil
}

// TimedOut reports whether a delivered command has waited for an
// acknowledgement longer than the timeout.
func (c *Command) TimedOut(now time.Time, timeout time.Duration) bool {
	if c.State != StateDelivered {
		return false
	}
	return now.Sub(c.LastTransitionAt) > timeout
}

// Repository persists commands. Lookups return (nil, nil) when no
// command matches.
type Repository interface {
	Insert(ctx context.Context, command *Command) error
	Get(ctx context.Context, id string) (*Command, error)
	// OldestPending returns the oldest pending command for the device.
	OldestPending(ctx context.Context, deviceID string) (*Command, error)
	// InFlight returns the delivered command for the device, if any.
	InFlight(ctx context.Context, deviceID string) (*Command, error)
	// ListDeliveredBefore returns delivered commands whose last
	// transition happened at or before the cutoff.
	ListDeliveredBefore(ctx context.Context, cutoff time.Time) ([]Command, error)
	ListByDevice(ctx context.Context, deviceID string) ([]Command, error)
	ListByDeviceAndRange(ctx context.Context, deviceID string, from, to time.Time) ([]Command, error)
	Update(ctx context.Context, command *Command) error
}
