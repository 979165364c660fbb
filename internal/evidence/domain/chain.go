package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// SeedHash anchors a pack's hash chain to its device and range.
func SeedHash(deviceID string, from, to time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s",
		deviceID, from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))))
	return hex.EncodeToString(sum[:])
}

// ItemHash chains one item onto the previous hash.
func ItemHash(prev string, item Item) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write([]byte(item.Kind))
	h.Write([]byte(item.ID))
	h.Write([]byte(item.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(fmt.Sprintf("%d", item.Sequence)))
	h.Write(item.Body)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain recomputes the chain and reports the first break.
func VerifyChain(pack *Pack) error {
	prev := SeedHash(pack.DeviceID, pack.From, pack.To)
	for i := range pack.Items {
		item := pack.Items[i]
		if item.PrevHash != prev {
			return fmt.Errorf("%w: item %d prev hash mismatch", ErrChainBroken, i)
		}
		if got := ItemHash(prev, item); got != item.Hash {
			return fmt.Errorf("%w: item %d hash mismatch", ErrChainBroken, i)
		}
		prev = item.Hash
	}
	if pack.ChainHead != prev {
		return fmt.Errorf("%w: chain head mismatch", ErrChainBroken)
	}
	return nil
}
