package domain

import (
	"math/big"
	"time"
)

// BetStatus represents the lifecycle of a bet. Confirmed, Failed and Refunded
// are terminal.
type BetStatus string

const (
	BetPending   BetStatus = "pending"
	BetConfirmed BetStatus = "confirmed"
	BetFailed    BetStatus = "failed"
	BetRefunded  BetStatus = "refunded"
)

func (s BetStatus) IsTerminal() bool {
	return s == BetConfirmed || s == BetFailed || s == BetRefunded
}

// Bet is a bettor's stake on one outcome. It only counts towards the pool once
// a validated payment hash is bound to it.
type Bet struct {
	ID              string
	MarketID        string
	OutcomeID       string
	Bettor          string // wallet address
	Amount          *big.Int
	Weight          float64 // weight score at the time of the bet
	EffectiveAmount *big.Int
	Status          BetStatus
	PaymentTxHash   string // unique across all bets once set
	EscrowTxHash    string
	MintTxHash      string
	CreatedAt       time.Time
	ConfirmedAt     *time.Time
}
