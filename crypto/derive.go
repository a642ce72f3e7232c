package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// DeriveKey computes a deterministic, labeled, multi-part key: a SHA-256
// digest over the label followed by each part, each preceded by a
// zero-byte separator so that e.g. ("ab", "c") and ("a", "bc") never
// collide. It generalizes the ad hoc single-field concatenation used
// elsewhere for deterministic ID derivation (asset IDs, listing IDs)
// into a shared helper for the market/wager/escrow derivation rules,
// which need more than one variable-length field.
//
// Labels are part of the wire contract and MUST NOT change: "market",
// "user_bet", and "escrow" are the only ones callers should use.
func DeriveKey(label string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(label))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MarketKey derives a market's key from its creator-supplied seed.
func MarketKey(marketSeed string) string {
	return DeriveKey("market", marketSeed)
}

// WagerKey derives a wager's key from its owning market and participant.
func WagerKey(marketKey, participantID string) string {
	return DeriveKey("user_bet", marketKey, participantID)
}

// EscrowKey derives a market's escrow vault address.
func EscrowKey(marketKey string) string {
	return DeriveKey("escrow", marketKey)
}
