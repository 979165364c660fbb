package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func chainedPack(t *testing.T) *Pack {
	t.Helper()
	from := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)
	pack := &Pack{
		DeviceID: "dev-1",
		From:     from,
		To:       to,
		Items: []Item{
			{Kind: KindTelemetry, ID: "rec-1", Timestamp: from.Add(time.Minute), Sequence: 1, Body: json.RawMessage(`{"ip":"203.0.113.1"}`)},
			{Kind: KindAlert, ID: "alert-1", Timestamp: from.Add(2 * time.Minute), Body: json.RawMessage(`{"kind":"new_network"}`)},
			{Kind: KindCommand, ID: "cmd-1", Timestamp: from.Add(3 * time.Minute), Body: json.RawMessage(`{"type":"lock"}`)},
		},
	}
	prev := SeedHash(pack.DeviceID, pack.From, pack.To)
	for i := range pack.Items {
		pack.Items[i].PrevHash = prev
		pack.Items[i].Hash = ItemHash(prev, pack.Items[i])
		prev = pack.Items[i].Hash
	}
	pack.ChainHead = prev
	return pack
}

func TestVerifyChain(t *testing.T) {
	pack := chainedPack(t)
	if err := VerifyChain(pack); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	pack := chainedPack(t)
	pack.Items[1].Body = json.RawMessage(`{"kind":"unknown_wifi"}`)
	if err := VerifyChain(pack); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("tampered body: expected ErrChainBroken, got %v", err)
	}

	pack = chainedPack(t)
	pack.Items[2].PrevHash = pack.Items[0].Hash
	if err := VerifyChain(pack); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("relinked item: expected ErrChainBroken, got %v", err)
	}

	pack = chainedPack(t)
	pack.ChainHead = "bogus"
	if err := VerifyChain(pack); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("wrong head: expected ErrChainBroken, got %v", err)
	}

	// The seed binds the chain to its device and range.
	pack = chainedPack(t)
	pack.DeviceID = "dev-2"
	if err := VerifyChain(pack); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("wrong device: expected ErrChainBroken, got %v", err)
	}
}

func TestSeedHashDependsOnRange(t *testing.T) {
	from := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)
	if SeedHash("dev-1", from, to) == SeedHash("dev-1", from, to.Add(time.Minute)) {
		t.Fatal("seed must change with the range")
	}
	if SeedHash("dev-1", from, to) == SeedHash("dev-2", from, to) {
		t.Fatal("seed must change with the device")
	}
}
