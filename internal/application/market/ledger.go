// Package market owns the market lifecycle: creation, escrow-backed opening,
// closing at the deadline and the stalled exit.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/alejandrodnm/mitate/internal/domain"
	"github.com/alejandrodnm/mitate/internal/ledger"
	"github.com/alejandrodnm/mitate/internal/ports"
	"github.com/google/uuid"
)

// Store es lo que el Ledger necesita del almacenamiento.
type Store interface {
	ports.MarketStore
	ports.EscrowStore
}

// Config contiene la configuración del MarketLedger.
type Config struct {
	// EscrowSeed es el monto (drops) con el que se crea el escrow del mercado.
	EscrowSeed *big.Int
}

// Ledger es el MarketLedger: máquina de estados de mercados.
type Ledger struct {
	cfg     Config
	store   Store
	builder *ledger.Builder
	now     func() time.Time
}

// New crea un Ledger con sus dependencias inyectadas.
func New(cfg Config, store Store, builder *ledger.Builder) *Ledger {
	if cfg.EscrowSeed == nil || cfg.EscrowSeed.Sign() <= 0 {
		cfg.EscrowSeed = big.NewInt(domain.DropsPerXRP)
	}
	return &Ledger{cfg: cfg, store: store, builder: builder, now: time.Now}
}

// SetClock reemplaza el reloj (tests).
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// CreateParams describe un mercado nuevo.
type CreateParams struct {
	Title           string
	Description     string
	Category        string
	Outcomes        []string // labels, en orden de presentación
	BettingDeadline time.Time
	ResolutionTime  time.Time // zero → BettingDeadline
	// Binary usa las claves legacy YES/NO en vez de A/B.
	Binary bool
}

// Created es el resultado de Create: el mercado en Draft y el EscrowCreate
// sin firmar que lo abrirá.
type Created struct {
	Market       domain.Market
	Outcomes     []domain.Outcome
	EscrowCreate ledger.Transaction
}

// Create valida y persiste un mercado en Draft.
func (l *Ledger) Create(ctx context.Context, p CreateParams) (Created, error) {
	now := l.now().UTC()

	if err := validateCreate(p, now); err != nil {
		return Created{}, fmt.Errorf("market.Create: %w", err)
	}
	resolution := p.ResolutionTime
	if resolution.IsZero() {
		resolution = p.BettingDeadline
	}

	id := uuid.NewString()
	keys := domain.OutcomeKeys(len(p.Outcomes), p.Binary)
	outcomes := make([]domain.Outcome, 0, len(p.Outcomes))
	for i, label := range p.Outcomes {
		cur, err := ledger.OutcomeCurrency(id, keys[i])
		if err != nil {
			return Created{}, fmt.Errorf("market.Create: %w: outcome %s: %v", domain.ErrValidation, keys[i], err)
		}
		outcomes = append(outcomes, domain.Outcome{
			ID:           uuid.NewString(),
			MarketID:     id,
			Key:          keys[i],
			Label:        strings.TrimSpace(label),
			Currency:     cur,
			Total:        new(big.Int),
			DisplayOrder: i,
		})
	}

	tx, err := l.builder.EscrowCreate(ledger.EscrowCreateParams{
		MarketID:    id,
		Amount:      l.cfg.EscrowSeed,
		CancelAfter: p.BettingDeadline,
	})
	if err != nil {
		return Created{}, fmt.Errorf("market.Create: %w", err)
	}

	m := domain.Market{
		ID:              id,
		Title:           strings.TrimSpace(p.Title),
		Description:     p.Description,
		Category:        p.Category,
		Status:          domain.MarketDraft,
		BettingDeadline: p.BettingDeadline.UTC(),
		ResolutionTime:  resolution.UTC(),
		PoolTotal:       new(big.Int),
		OperatorAddress: l.builder.Operator(),
		IssuerAddress:   l.builder.Issuer(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := l.store.CreateMarket(ctx, m, outcomes); err != nil {
		return Created{}, fmt.Errorf("market.Create: %w", err)
	}

	slog.Info("market: created", "market", id, "outcomes", len(outcomes), "deadline", m.BettingDeadline)
	return Created{Market: m, Outcomes: outcomes, EscrowCreate: tx}, nil
}

func validateCreate(p CreateParams, now time.Time) error {
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("%w: title is required", domain.ErrValidation)
	}
	n := len(p.Outcomes)
	if n < domain.MinOutcomes || n > domain.MaxOutcomes {
		return fmt.Errorf("%w: %d outcomes, want %d..%d", domain.ErrValidation, n, domain.MinOutcomes, domain.MaxOutcomes)
	}
	seen := make(map[string]bool, n)
	for _, label := range p.Outcomes {
		l := strings.ToLower(strings.TrimSpace(label))
		if l == "" {
			return fmt.Errorf("%w: empty outcome label", domain.ErrValidation)
		}
		if seen[l] {
			return fmt.Errorf("%w: duplicate outcome %q", domain.ErrValidation, label)
		}
		seen[l] = true
	}
	if !p.BettingDeadline.After(now) {
		return fmt.Errorf("%w: betting deadline %s is not in the future", domain.ErrValidation, p.BettingDeadline.Format(time.RFC3339))
	}
	if !p.ResolutionTime.IsZero() && p.ResolutionTime.Before(p.BettingDeadline) {
		return fmt.Errorf("%w: resolution time before betting deadline", domain.ErrValidation)
	}
	return nil
}

// ConfirmEscrowCreated abre el mercado cuando su EscrowCreate fue validado.
// El mismo hash otra vez es un no-op; otro hash sobre un mercado ya abierto es
// un conflicto.
func (l *Ledger) ConfirmEscrowCreated(ctx context.Context, marketID, txHash string, sequence uint32) error {
	if txHash == "" {
		return fmt.Errorf("market.ConfirmEscrowCreated: %w: empty tx hash", domain.ErrValidation)
	}
	m, err := l.store.GetMarket(ctx, marketID)
	if err != nil {
		return fmt.Errorf("market.ConfirmEscrowCreated: %w", err)
	}
	switch {
	case m.Status == domain.MarketOpen && m.EscrowTxHash == txHash:
		return nil
	case m.Status != domain.MarketDraft:
		return fmt.Errorf("market.ConfirmEscrowCreated: %w: market %s is %s (escrow %s)",
			domain.ErrConflict, marketID, m.Status, m.EscrowTxHash)
	}

	e := domain.Escrow{
		ID:           uuid.NewString(),
		MarketID:     marketID,
		Amount:       new(big.Int).Set(l.cfg.EscrowSeed),
		Status:       domain.EscrowOpen,
		Sequence:     sequence,
		CancelAfter:  m.BettingDeadline,
		FinishAfter:  m.CreatedAt,
		CreateTxHash: txHash,
	}
	if err := l.store.OpenMarket(ctx, marketID, e); err != nil {
		return fmt.Errorf("market.ConfirmEscrowCreated: %w", err)
	}
	slog.Info("market: opened", "market", marketID, "escrow_tx", txHash, "sequence", sequence)
	return nil
}

// Close cierra las apuestas de un mercado Open por decisión del operador.
func (l *Ledger) Close(ctx context.Context, marketID string) error {
	if err := l.transition(ctx, marketID, domain.MarketClosed); err != nil {
		return fmt.Errorf("market.Close: %w", err)
	}
	slog.Info("market: closed", "market", marketID)
	return nil
}

// MarkStalled saca al mercado del ciclo normal; es absorbente.
func (l *Ledger) MarkStalled(ctx context.Context, marketID string) error {
	if err := l.transition(ctx, marketID, domain.MarketStalled); err != nil {
		return fmt.Errorf("market.MarkStalled: %w", err)
	}
	slog.Warn("market: stalled", "market", marketID)
	return nil
}

func (l *Ledger) transition(ctx context.Context, marketID string, to domain.MarketStatus) error {
	m, err := l.store.GetMarket(ctx, marketID)
	if err != nil {
		return err
	}
	if !domain.CanTransition(m.Status, to) {
		return fmt.Errorf("%w: market %s cannot move %s → %s", domain.ErrValidation, marketID, m.Status, to)
	}
	return l.store.UpdateMarketStatus(ctx, marketID, m.Status, to)
}

// CloseExpired cierra todos los mercados Open cuyo deadline ya pasó.
// Devuelve cuántos cerró; perder una carrera contra otro cierre no es error.
func (l *Ledger) CloseExpired(ctx context.Context) (int, error) {
	expired, err := l.store.ListExpiredOpen(ctx, l.now())
	if err != nil {
		return 0, fmt.Errorf("market.CloseExpired: %w", err)
	}

	closed := 0
	for _, m := range expired {
		err := l.store.UpdateMarketStatus(ctx, m.ID, domain.MarketOpen, domain.MarketClosed)
		switch {
		case err == nil:
			closed++
			slog.Info("market: closed at deadline", "market", m.ID, "deadline", m.BettingDeadline)
		case errors.Is(err, domain.ErrConflict):
			slog.Debug("market: already moved", "market", m.ID, "err", err)
		default:
			return closed, fmt.Errorf("market.CloseExpired: %w", err)
		}
	}
	return closed, nil
}

// CanPlaceBet evalúa si el mercado acepta apuestas en now.
func (l *Ledger) CanPlaceBet(m domain.Market, now time.Time) bool {
	return m.CanPlaceBet(now)
}

func (l *Ledger) Get(ctx context.Context, marketID string) (domain.Market, error) {
	m, err := l.store.GetMarket(ctx, marketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market.Get: %w", err)
	}
	return m, nil
}

func (l *Ledger) Outcomes(ctx context.Context, marketID string) ([]domain.Outcome, error) {
	outs, err := l.store.ListOutcomes(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("market.Outcomes: %w", err)
	}
	if len(outs) == 0 {
		if _, err := l.store.GetMarket(ctx, marketID); err != nil {
			return nil, fmt.Errorf("market.Outcomes: %w", err)
		}
	}
	return outs, nil
}

// Odds es la probabilidad implícita de un outcome, en puntos porcentuales.
type Odds struct {
	Outcome domain.Outcome
	Percent int
}

// Probabilities devuelve las probabilidades implícitas del pool; suman 100.
func (l *Ledger) Probabilities(ctx context.Context, marketID string) ([]Odds, error) {
	outs, err := l.Outcomes(ctx, marketID)
	if err != nil {
		return nil, err
	}
	pcts := domain.OutcomeProbabilities(outs)
	odds := make([]Odds, len(outs))
	for i, o := range outs {
		odds[i] = Odds{Outcome: o, Percent: pcts[i]}
	}
	return odds, nil
}
