package domain

import (
	"math/big"
	"time"
)

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

const (
	MarketDraft    MarketStatus = "draft"
	MarketOpen     MarketStatus = "open"
	MarketClosed   MarketStatus = "closed"
	MarketResolved MarketStatus = "resolved"
	MarketPaid     MarketStatus = "paid"
	MarketCanceled MarketStatus = "canceled"
	MarketStalled  MarketStatus = "stalled"
)

const (
	MinOutcomes = 2
	MaxOutcomes = 5
)

// forward lists the only legal successor of each state on the happy path.
var forward = map[MarketStatus]MarketStatus{
	MarketDraft:    MarketOpen,
	MarketOpen:     MarketClosed,
	MarketClosed:   MarketResolved,
	MarketResolved: MarketPaid,
}

// CanTransition reports whether from→to is a legal lifecycle move.
// Canceled and Stalled are absorbing exits reachable from Draft, Open and Closed.
func CanTransition(from, to MarketStatus) bool {
	switch to {
	case MarketCanceled, MarketStalled:
		return from == MarketDraft || from == MarketOpen || from == MarketClosed
	}
	next, ok := forward[from]
	return ok && next == to
}

// IsTerminal is true for states no operation can leave.
func (s MarketStatus) IsTerminal() bool {
	return s == MarketPaid || s == MarketCanceled || s == MarketStalled
}

func (s MarketStatus) Valid() bool {
	switch s {
	case MarketDraft, MarketOpen, MarketClosed, MarketResolved, MarketPaid, MarketCanceled, MarketStalled:
		return true
	}
	return false
}

// Market es un mercado parimutuel cuyos fondos viven en un escrow on-ledger.
type Market struct {
	ID                string
	Title             string
	Description       string
	Category          string
	Status            MarketStatus
	ResolvedOutcomeID string // vacío hasta Resolved
	BettingDeadline   time.Time
	ResolutionTime    time.Time
	PoolTotal         *big.Int // siempre Σ Outcome.Total
	OperatorAddress   string
	IssuerAddress     string
	EscrowTxHash      string
	EscrowSequence    uint32
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CanPlaceBet is evaluated for every bet: status Open and now strictly before
// the betting deadline.
func (m Market) CanPlaceBet(now time.Time) bool {
	return m.Status == MarketOpen && now.Before(m.BettingDeadline)
}

// DeadlinePassed reports whether betting time is over.
func (m Market) DeadlinePassed(now time.Time) bool {
	return !now.Before(m.BettingDeadline)
}

// ShortID is the market id prefix embedded in currency codes.
func (m Market) ShortID() string {
	return ShortID(m.ID)
}

// ShortID returns the first 8 characters of a market id. It counts runes so
// a multi-byte id never yields invalid UTF-8.
func ShortID(marketID string) string {
	n := 0
	for i := range marketID {
		if n == 8 {
			return marketID[:i]
		}
		n++
	}
	return marketID
}

// Outcome is one of the 2..5 results a market can resolve to.
type Outcome struct {
	ID           string
	MarketID     string
	Key          string // "A".."E", or "YES"/"NO" on legacy binary markets
	Label        string
	Currency     string // 40 uppercase hex chars
	Total        *big.Int
	DisplayOrder int
}

// OutcomeKeys returns the keys assigned to n outcomes in display order.
func OutcomeKeys(n int, binary bool) []string {
	if binary && n == 2 {
		return []string{"YES", "NO"}
	}
	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		keys = append(keys, string(rune('A'+i)))
	}
	return keys
}

// FindOutcome looks an outcome up by id or by key.
func FindOutcome(outcomes []Outcome, ref string) (Outcome, bool) {
	for _, o := range outcomes {
		if o.ID == ref || o.Key == ref {
			return o, true
		}
	}
	return Outcome{}, false
}

// SumTotals adds up the outcome totals.
func SumTotals(outcomes []Outcome) *big.Int {
	sum := new(big.Int)
	for _, o := range outcomes {
		if o.Total != nil {
			sum.Add(sum, o.Total)
		}
	}
	return sum
}
