package ports

import (
	"context"
	"math/big"
	"time"

	"github.com/alejandrodnm/mitate/internal/domain"
)

// MarketStore persiste mercados, outcomes y sus transiciones de estado.
type MarketStore interface {
	CreateMarket(ctx context.Context, m domain.Market, outcomes []domain.Outcome) error
	GetMarket(ctx context.Context, id string) (domain.Market, error)
	ListOutcomes(ctx context.Context, marketID string) ([]domain.Outcome, error)
	ListMarkets(ctx context.Context, statuses ...domain.MarketStatus) ([]domain.Market, error)
	// ListExpiredOpen devuelve los mercados Open cuyo deadline ya pasó.
	ListExpiredOpen(ctx context.Context, now time.Time) ([]domain.Market, error)

	// OpenMarket moves Draft→Open and records the confirmed escrow in one
	// transaction.
	OpenMarket(ctx context.Context, marketID string, escrow domain.Escrow) error
	// UpdateMarketStatus is a compare-and-set: it fails with ErrConflict if
	// the market is not in `from`.
	UpdateMarketStatus(ctx context.Context, marketID string, from, to domain.MarketStatus) error
	// ResolveMarket moves Closed→Resolved and stores the winning outcome. In
	// the same transaction it reads the pool and the confirmed bets, calls
	// compute and inserts the payouts it returns. A bet confirmation racing
	// with it is either included or rejected, never lost.
	ResolveMarket(ctx context.Context, marketID, winningOutcomeID string, compute PayoutFunc) ([]domain.Payout, error)
}

// PayoutFunc derives the payouts of a resolution from the pool total and the
// confirmed bets read inside the resolving transaction.
type PayoutFunc func(pool *big.Int, confirmed []domain.Bet) []domain.Payout

// BetStore persists bets. ConfirmBet is the only path that moves pool totals.
type BetStore interface {
	CreateBet(ctx context.Context, bet domain.Bet) error
	GetBet(ctx context.Context, id string) (domain.Bet, error)
	ListBets(ctx context.Context, marketID string, status domain.BetStatus) ([]domain.Bet, error)

	// ConfirmBet binds paymentTxHash to a pending bet and, in the same
	// transaction, adds the bet amount to its outcome, its market pool and
	// the market's open escrow. Re-confirming with the same hash returns
	// applied=false and mutates nothing. A hash already bound to another bet
	// is ErrConflict.
	ConfirmBet(ctx context.Context, betID, paymentTxHash string, at time.Time) (bet domain.Bet, applied bool, err error)
	UpdateBetStatus(ctx context.Context, betID string, from, to domain.BetStatus) error
	SetMintTx(ctx context.Context, betID, txHash string) error
}

// EscrowStore persists the escrow mirror of each market.
type EscrowStore interface {
	GetOpenEscrow(ctx context.Context, marketID string) (domain.Escrow, error)
	GetLatestEscrow(ctx context.Context, marketID string) (domain.Escrow, error)
	// CloseEscrow moves the open escrow to Finished or Canceled recording the
	// tx hash. Repeating it with the same hash is a no-op.
	CloseEscrow(ctx context.Context, marketID string, to domain.EscrowStatus, txHash string, at time.Time) (domain.Escrow, error)
}

// PayoutStore persists payouts.
type PayoutStore interface {
	GetPayout(ctx context.Context, id string) (domain.Payout, error)
	ListPayouts(ctx context.Context, marketID string) ([]domain.Payout, error)
	// PendingPayouts returns up to limit pending payouts, largest amount first.
	PendingPayouts(ctx context.Context, marketID string, limit int) ([]domain.Payout, error)
	FindPayout(ctx context.Context, marketID, recipient string) (domain.Payout, error)
	// ConfirmPayout moves Pending→Sent with the tx hash. Same hash again is a
	// no-op (applied=false); a hash bound elsewhere is ErrConflict.
	ConfirmPayout(ctx context.Context, payoutID, txHash string, at time.Time) (p domain.Payout, applied bool, err error)
	FailPayout(ctx context.Context, payoutID, reason string) error
	RetryPayout(ctx context.Context, payoutID string) error
	CountUnsettledPayouts(ctx context.Context, marketID string) (int, error)
}

// EventStore is the append-only LedgerEvent log.
type EventStore interface {
	// InsertEvent is idempotent by tx hash: a duplicate returns
	// inserted=false and leaves the existing row untouched.
	InsertEvent(ctx context.Context, ev domain.LedgerEvent) (inserted bool, err error)
	GetEvent(ctx context.Context, txHash string) (domain.LedgerEvent, error)
	ListEvents(ctx context.Context, marketID string) ([]domain.LedgerEvent, error)
	CountEvents(ctx context.Context) (int, error)

	// MarkEventApplied records that the event's side effects ran. applyErr
	// is empty on success and holds the reason of a permanent rejection.
	MarkEventApplied(ctx context.Context, txHash, applyErr string) error
	// ListUnappliedEvents returns up to limit events whose side effects have
	// not run, oldest ledger first.
	ListUnappliedEvents(ctx context.Context, limit int) ([]domain.LedgerEvent, error)
}

// TradeStore is the append-only DEX fill log.
type TradeStore interface {
	InsertTrade(ctx context.Context, tr domain.Trade) (inserted bool, err error)
	ListTrades(ctx context.Context, marketID string) ([]domain.Trade, error)
}

// StateStore is the durable key/value system state used for the sync cursor.
type StateStore interface {
	GetState(ctx context.Context, key string) (value string, found bool, err error)
	SetState(ctx context.Context, key, value string) error
	// AdvanceLedgerCursor stores index and sync time only if index is
	// greater than the stored cursor. Returns whether it moved.
	AdvanceLedgerCursor(ctx context.Context, index uint32, at time.Time) (bool, error)
}

// AttributeStore persists verified bettor attributes.
type AttributeStore interface {
	UpsertAttribute(ctx context.Context, a domain.UserAttribute) error
	ListAttributes(ctx context.Context, wallet string) ([]domain.UserAttribute, error)
}

// Storage agrupa todos los stores y el ciclo de vida de la conexión.
type Storage interface {
	MarketStore
	BetStore
	EscrowStore
	PayoutStore
	EventStore
	TradeStore
	StateStore
	AttributeStore

	// Close cierra la conexión a la base de datos limpiamente.
	Close() error
}
