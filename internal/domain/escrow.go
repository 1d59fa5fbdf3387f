package domain

import (
	"math/big"
	"time"
)

// EscrowStatus tracks the on-ledger escrow that backs a market pool.
type EscrowStatus string

const (
	EscrowOpen     EscrowStatus = "open"
	EscrowFinished EscrowStatus = "finished"
	EscrowCanceled EscrowStatus = "canceled"
)

// Escrow mirrors the ledger escrow of a market. At most one is open per
// market; its amount only grows while open.
type Escrow struct {
	ID           string
	MarketID     string
	Amount       *big.Int
	Status       EscrowStatus
	Sequence     uint32
	CancelAfter  time.Time
	FinishAfter  time.Time
	CreateTxHash string
	FinishTxHash string
	CancelTxHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
