package domain

import (
	"math/big"
	"time"
)

// PayoutStatus is the delivery state of a winner's payout.
type PayoutStatus string

const (
	PayoutPending PayoutStatus = "pending"
	PayoutSent    PayoutStatus = "sent"
	PayoutFailed  PayoutStatus = "failed"
)

// Payout is what one recipient is owed for a resolved market. There is at most
// one per (market, recipient).
type Payout struct {
	ID            string
	MarketID      string
	Recipient     string
	Amount        *big.Int
	Status        PayoutStatus
	TxHash        string
	FailureReason string
	CreatedAt     time.Time
	SentAt        *time.Time
}
