package events

import (
	"time"

	devices "tracker-cloud/internal/devices/domain"
)

// TelemetryAccepted is published after a record passed every check and
// was persisted. DeviceStatus is the status after the record applied.
type TelemetryAccepted struct {
	EventID      string              `json:"event_id"`
	RecordID     string              `json:"record_id"`
	DeviceID     string              `json:"device_id"`
	OwnerID      string              `json:"owner_id"`
	Sequence     uint64              `json:"sequence"`
	Timestamp    time.Time           `json:"timestamp"`
	Fingerprint  devices.Fingerprint `json:"fingerprint"`
	DeviceStatus string              `json:"device_status"`
	EnrolledAt   time.Time           `json:"enrolled_at"`
	ActiveSince  time.Time           `json:"active_since,omitempty"`
	OccurredAt   time.Time           `json:"occurred_at"`
}
