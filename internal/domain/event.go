package domain

import (
	"encoding/json"
	"time"
)

// EventType mirrors the memo envelope "type" field.
type EventType string

const (
	EventMarket     EventType = "market"
	EventBet        EventType = "bet"
	EventMint       EventType = "mint"
	EventOffer      EventType = "offer"
	EventResolve    EventType = "resolve"
	EventPayout     EventType = "payout"
	EventCancel     EventType = "cancel"
	EventEscrowPool EventType = "escrow_pool"
	EventBurn       EventType = "burn"
)

// Valid reports whether t is one of the recognized envelope types.
func (t EventType) Valid() bool {
	switch t {
	case EventMarket, EventBet, EventMint, EventOffer, EventResolve,
		EventPayout, EventCancel, EventEscrowPool, EventBurn:
		return true
	}
	return false
}

// LedgerEvent is an ingested, confirmed ledger transaction carrying a
// recognized memo. Unique by TxHash; inserting it twice is a no-op.
type LedgerEvent struct {
	ID          string
	TxHash      string
	Type        EventType
	MarketID    string // empty when the payload names no market
	Payload     json.RawMessage
	LedgerIndex uint32
	IngestedAt  time.Time

	// TxJSON is the observed transaction, kept so the event can be applied
	// again without refetching its ledger.
	TxJSON     json.RawMessage
	Applied    bool
	ApplyError string // permanent rejection recorded when the event was applied
}

// SyncCursor keys in the durable system state table.
const (
	StateLastLedgerIndex = "sync:last_ledger_index"
	StateLastSyncTime    = "sync:last_sync_time"
)
