package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// Item kinds, in tie-break priority order.
const (
	KindTelemetry = "telemetry"
	KindAlert     = "alert"
	KindCommand   = "command"
)

var (
	ErrEmptyRange   = errors.New("evidence: no events in range")
	ErrInvalidRange = errors.New("evidence: from must precede to")
	ErrChainBroken  = errors.New("evidence: hash chain broken")
)

// KindPriority orders kinds for items sharing a timestamp.
func KindPriority(kind string) int {
	switch kind {
	case KindTelemetry:
		return 0
	case KindAlert:
		return 1
	case KindCommand:
		return 2
	}
	return 3
}

// Item is one chained event in a pack.
type Item struct {
	Kind      string          `json:"kind"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  uint64          `json:"sequence,omitempty"`
	Summary   string          `json:"summary"`
	Body      json.RawMessage `json:"body"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// DeviceSnapshot captures the device at build time.
type DeviceSnapshot struct {
	DeviceID   string    `json:"device_id"`
	OwnerID    string    `json:"owner_id"`
	Hostname   string    `json:"hostname"`
	Platform   string    `json:"platform"`
	Status     string    `json:"status"`
	PublicKey  string    `json:"public_key"`
	EnrolledAt time.Time `json:"enrolled_at"`
	LastSeenAt time.Time `json:"last_seen_at,omitempty"`
}

// WifiSummary aggregates the networks seen in the range.
type WifiSummary struct {
	DistinctBSSIDs []string `json:"distinct_bssids"`
	DistinctIPs    []string `json:"distinct_ips"`
	DistinctASNs   []string `json:"distinct_asns"`
}

// Pack is a tamper-evident evidence bundle for one device and range.
type Pack struct {
	DeviceID    string         `json:"device_id"`
	From        time.Time      `json:"from"`
	To          time.Time      `json:"to"`
	GeneratedAt time.Time      `json:"generated_at"`
	Device      DeviceSnapshot `json:"device"`
	Wifi        WifiSummary    `json:"wifi"`
	Items       []Item         `json:"items"`
	ChainHead   string         `json:"chain_head"`
}
