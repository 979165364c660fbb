package events

import "time"

// DeviceMarkedLost signals an admin lost declaration.
type DeviceMarkedLost struct {
	EventID    string    `json:"event_id"`
	DeviceID   string    `json:"device_id"`
	OwnerID    string    `json:"owner_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// DeviceRecovered signals an admin recovery declaration.
type DeviceRecovered struct {
	EventID    string    `json:"event_id"`
	DeviceID   string    `json:"device_id"`
	OwnerID    string    `json:"owner_id"`
	OccurredAt time.Time `json:"occurred_at"`
}
