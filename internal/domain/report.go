package domain

import "time"

// MarketSnapshot is a read-only view of a market for operator reports.
type MarketSnapshot struct {
	Market        Market
	Outcomes      []Outcome
	Probabilities []int // aligned with Outcomes
	Escrow        *Escrow
	Payouts       []Payout
}

// StatusReport is what the operator report prints.
type StatusReport struct {
	GeneratedAt     time.Time
	LastLedgerIndex uint32
	LastSyncTime    time.Time
	EventCount      int
	Markets         []MarketSnapshot
}
