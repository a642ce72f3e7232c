package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tolelom/parisettle/crypto"
)

// TxType identifies the kind of operation a transaction performs.
type TxType string

const (
	TxTransfer     TxType = "transfer"
	TxCreateMarket TxType = "create_market"
	TxWager        TxType = "wager"
	TxResolve      TxType = "resolve"
	TxClaim        TxType = "claim"
)

// Transaction is the atomic unit of work on the chain.
// From holds the sender's full hex-encoded ed25519 public key (64 chars).
// Signature covers all fields except Signature itself.
type Transaction struct {
	ID        string          `json:"id"`
	ChainID   string          `json:"chain_id"` // target network; rejected by RPC if it doesn't match
	Type      TxType          `json:"type"`
	From      string          `json:"from"`      // hex-encoded ed25519 public key
	Nonce     uint64          `json:"nonce"`
	Fee       uint64          `json:"fee"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// signingBody holds the fields that are covered by the signature.
type signingBody struct {
	ChainID   string          `json:"chain_id"`
	Type      TxType          `json:"type"`
	From      string          `json:"from"`
	Nonce     uint64          `json:"nonce"`
	Fee       uint64          `json:"fee"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Hash returns a deterministic hash of the transaction (sans Signature).
// Returns an empty string if marshalling fails (which cannot happen in practice).
func (tx *Transaction) Hash() string {
	body := signingBody{
		ChainID:   tx.ChainID,
		Type:      tx.Type,
		From:      tx.From,
		Nonce:     tx.Nonce,
		Fee:       tx.Fee,
		Timestamp: tx.Timestamp,
		Payload:   tx.Payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return ""
	}
	return crypto.Hash(data)
}

// Sign computes the signature and sets ID.
func (tx *Transaction) Sign(priv crypto.PrivateKey) {
	hash := tx.Hash()
	tx.Signature = crypto.Sign(priv, []byte(hash))
	tx.ID = hash
}

// Verify checks the signature and that From is a valid public key.
func (tx *Transaction) Verify() error {
	if tx.From == "" {
		return errors.New("missing from field")
	}
	pub, err := crypto.PubKeyFromHex(tx.From)
	if err != nil {
		return fmt.Errorf("invalid from (must be ed25519 pubkey hex): %w", err)
	}
	return crypto.Verify(pub, []byte(tx.Hash()), tx.Signature)
}

// NewTransaction creates an unsigned transaction with the current timestamp.
func NewTransaction(chainID string, typ TxType, from string, nonce, fee uint64, payload any) (*Transaction, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Transaction{
		ChainID:   chainID,
		Type:      typ,
		From:      from,
		Nonce:     nonce,
		Fee:       fee,
		Timestamp: time.Now().UnixNano(),
		Payload:   raw,
	}, nil
}

// ---- Payload types ----

// TransferPayload transfers native tokens.
type TransferPayload struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// CreateMarketPayload creates a new prediction market.
type CreateMarketPayload struct {
	MarketSeed           string `json:"market_seed"` // ≤32 bytes, derives the market key
	OracleID             string `json:"oracle_id"`
	TrackedAsset         string `json:"tracked_asset"`
	TargetCapitalization uint64 `json:"target_capitalization"` // 10^-6 USD units
	Deadline             int64  `json:"deadline"`              // unix seconds
}

// WagerPayload stakes tokens on one side of a market.
type WagerPayload struct {
	MarketRef string `json:"market_ref"` // derived market key
	Amount    uint64 `json:"amount"`
	Side      bool   `json:"side"` // true = YES, false = NO
}

// ResolvePayload settles a market based on an oracle-observed capitalization.
type ResolvePayload struct {
	MarketRef              string `json:"market_ref"`
	ObservedCapitalization uint64 `json:"observed_capitalization"`
	ObservedAt             int64  `json:"observed_at"` // unix seconds
}

// ClaimPayload withdraws a winning wager's share of the escrow vault.
type ClaimPayload struct {
	MarketRef string `json:"market_ref"`
}
