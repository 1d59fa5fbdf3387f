package ledger

import (
	"fmt"
	"math/big"
	"time"

	"github.com/alejandrodnm/mitate/internal/domain"
)

// Builder assembles unsigned transactions. It only holds the configured
// accounts and a clock; every method is a pure transform.
type Builder struct {
	operator string
	issuer   string
	now      func() time.Time
}

// NewBuilder creates a Builder. now defaults to time.Now.
func NewBuilder(operator, issuer string, now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{operator: operator, issuer: issuer, now: now}
}

func (b *Builder) Operator() string { return b.operator }
func (b *Builder) Issuer() string   { return b.issuer }

// EscrowCreateParams describes the self-directed escrow backing a market.
type EscrowCreateParams struct {
	MarketID    string
	Amount      *big.Int
	CancelAfter time.Time // the betting deadline
	FinishAfter time.Time // zero → now
}

// EscrowCreate locks operator funds in an escrow to itself. The ledger needs
// at least one release condition, so FinishAfter falls back to now.
func (b *Builder) EscrowCreate(p EscrowCreateParams) (Transaction, error) {
	if b.operator == "" {
		return Transaction{}, fmt.Errorf("escrow create: operator: %w", ErrMissingAccount)
	}
	finish := p.FinishAfter
	if finish.IsZero() {
		finish = b.now()
	}
	return Transaction{
		TransactionType: TxEscrowCreate,
		Account:         b.operator,
		Destination:     b.operator,
		Amount:          NativeAmount(p.Amount),
		CancelAfter:     ToLedgerTime(p.CancelAfter),
		FinishAfter:     ToLedgerTime(finish),
		Memos: b.memo(domain.EventMarket, p.MarketID, MemoFields{
			Amount:  p.Amount.String(),
			Creator: b.operator,
		}),
	}, nil
}

// EscrowFinish releases the market escrow; the memo names the winning outcome.
func (b *Builder) EscrowFinish(marketID string, sequence uint32, winner domain.Outcome) (Transaction, error) {
	if b.operator == "" {
		return Transaction{}, fmt.Errorf("escrow finish: operator: %w", ErrMissingAccount)
	}
	return Transaction{
		TransactionType: TxEscrowFinish,
		Account:         b.operator,
		Owner:           b.operator,
		OfferSequence:   sequence,
		Memos: b.memo(domain.EventResolve, marketID, MemoFields{
			Outcome:   winner.Key,
			OutcomeID: winner.ID,
		}),
	}, nil
}

// EscrowCancel returns the escrowed funds to the operator.
func (b *Builder) EscrowCancel(marketID string, sequence uint32) (Transaction, error) {
	if b.operator == "" {
		return Transaction{}, fmt.Errorf("escrow cancel: operator: %w", ErrMissingAccount)
	}
	return Transaction{
		TransactionType: TxEscrowCancel,
		Account:         b.operator,
		Owner:           b.operator,
		OfferSequence:   sequence,
		Memos:           b.memo(domain.EventCancel, marketID, MemoFields{}),
	}, nil
}

// BetPayment is the bettor → operator stake transfer.
func (b *Builder) BetPayment(bet domain.Bet, outcome domain.Outcome) (Transaction, error) {
	if b.operator == "" {
		return Transaction{}, fmt.Errorf("bet payment: operator: %w", ErrMissingAccount)
	}
	return Transaction{
		TransactionType: TxPayment,
		Account:         bet.Bettor,
		Destination:     b.operator,
		Amount:          NativeAmount(bet.Amount),
		Memos: b.memo(domain.EventBet, bet.MarketID, MemoFields{
			Outcome:   outcome.Key,
			OutcomeID: outcome.ID,
			Amount:    bet.Amount.String(),
			BetID:     bet.ID,
		}),
	}, nil
}

// TrustSet lets the bettor hold the outcome token up to the bet amount.
func (b *Builder) TrustSet(bet domain.Bet, outcome domain.Outcome) (Transaction, error) {
	if b.issuer == "" {
		return Transaction{}, fmt.Errorf("trust set: issuer: %w", ErrMissingAccount)
	}
	cur, err := ParseCurrency(outcome.Currency)
	if err != nil {
		return Transaction{}, fmt.Errorf("trust set: %w", err)
	}
	return Transaction{
		TransactionType: TxTrustSet,
		Account:         bet.Bettor,
		LimitAmount:     IssuedAmount(cur, b.issuer, bet.Amount),
		Memos: b.memo(domain.EventBet, bet.MarketID, MemoFields{
			Outcome:   outcome.Key,
			OutcomeID: outcome.ID,
			Amount:    bet.Amount.String(),
			BetID:     bet.ID,
		}),
	}, nil
}

// MintPayment issues outcome tokens to the bettor of a confirmed bet.
func (b *Builder) MintPayment(bet domain.Bet, outcome domain.Outcome) (Transaction, error) {
	if b.issuer == "" {
		return Transaction{}, fmt.Errorf("mint payment: issuer: %w", ErrMissingAccount)
	}
	cur, err := ParseCurrency(outcome.Currency)
	if err != nil {
		return Transaction{}, fmt.Errorf("mint payment: %w", err)
	}
	return Transaction{
		TransactionType: TxPayment,
		Account:         b.issuer,
		Destination:     bet.Bettor,
		Amount:          IssuedAmount(cur, b.issuer, bet.Amount),
		Memos: b.memo(domain.EventMint, bet.MarketID, MemoFields{
			Outcome:   outcome.Key,
			OutcomeID: outcome.ID,
			Amount:    bet.Amount.String(),
			BetID:     bet.ID,
		}),
	}, nil
}

// PayoutPayment sends a winner their payout from the operator account.
func (b *Builder) PayoutPayment(p domain.Payout, winner domain.Outcome) (Transaction, error) {
	if b.operator == "" {
		return Transaction{}, fmt.Errorf("payout payment: operator: %w", ErrMissingAccount)
	}
	return Transaction{
		TransactionType: TxPayment,
		Account:         b.operator,
		Destination:     p.Recipient,
		Amount:          NativeAmount(p.Amount),
		Memos: b.memo(domain.EventPayout, p.MarketID, MemoFields{
			Outcome:   winner.Key,
			OutcomeID: winner.ID,
			Amount:    p.Amount.String(),
		}),
	}, nil
}

// OfferParams describes a sell order of outcome tokens for drops.
type OfferParams struct {
	MarketID   string
	Account    string
	Outcome    domain.Outcome
	Tokens     *big.Int // outcome tokens offered (TakerGets)
	PriceDrops *big.Int // drops asked in exchange (TakerPays)
	Expiration time.Time
}

// OfferCreate places a DEX order; matching is left to the ledger.
func (b *Builder) OfferCreate(p OfferParams) (Transaction, error) {
	if b.issuer == "" {
		return Transaction{}, fmt.Errorf("offer create: issuer: %w", ErrMissingAccount)
	}
	cur, err := ParseCurrency(p.Outcome.Currency)
	if err != nil {
		return Transaction{}, fmt.Errorf("offer create: %w", err)
	}
	tx := Transaction{
		TransactionType: TxOfferCreate,
		Account:         p.Account,
		TakerGets:       IssuedAmount(cur, b.issuer, p.Tokens),
		TakerPays:       NativeAmount(p.PriceDrops),
		Memos: b.memo(domain.EventOffer, p.MarketID, MemoFields{
			Outcome:   p.Outcome.Key,
			OutcomeID: p.Outcome.ID,
			Amount:    p.Tokens.String(),
		}),
	}
	if !p.Expiration.IsZero() {
		tx.Expiration = ToLedgerTime(p.Expiration)
	}
	return tx, nil
}

func (b *Builder) memo(typ domain.EventType, marketID string, f MemoFields) []MemoWrapper {
	return []MemoWrapper{{Memo: EncodeMemo(typ, marketID, f, b.now())}}
}
