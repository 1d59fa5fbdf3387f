// Package escrow mirrors the ledger escrow that holds each market's pool.
// The tracked amount only grows inside bet confirmation; this package reads it
// and records the release.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alejandrodnm/mitate/internal/domain"
	"github.com/alejandrodnm/mitate/internal/ports"
)

// Tracker es el EscrowTracker.
type Tracker struct {
	store ports.EscrowStore
	now   func() time.Time
}

func New(store ports.EscrowStore) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// SetClock reemplaza el reloj (tests).
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Balance devuelve lo que el escrow abierto del mercado retiene. Un escrow ya
// liberado retiene cero.
func (t *Tracker) Balance(ctx context.Context, marketID string) (*big.Int, error) {
	e, err := t.store.GetOpenEscrow(ctx, marketID)
	if err == nil {
		return new(big.Int).Set(e.Amount), nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("escrow.Balance: %w", err)
	}
	if _, err := t.store.GetLatestEscrow(ctx, marketID); err != nil {
		return nil, fmt.Errorf("escrow.Balance: %w", err)
	}
	return new(big.Int), nil
}

// Open devuelve el escrow abierto del mercado.
func (t *Tracker) Open(ctx context.Context, marketID string) (domain.Escrow, error) {
	e, err := t.store.GetOpenEscrow(ctx, marketID)
	if err != nil {
		return domain.Escrow{}, fmt.Errorf("escrow.Open: %w", err)
	}
	return e, nil
}

// Latest devuelve el escrow más reciente del mercado, abierto o liberado.
func (t *Tracker) Latest(ctx context.Context, marketID string) (domain.Escrow, error) {
	e, err := t.store.GetLatestEscrow(ctx, marketID)
	if err != nil {
		return domain.Escrow{}, fmt.Errorf("escrow.Latest: %w", err)
	}
	return e, nil
}

// ConfirmFinish registra el EscrowFinish validado. Idempotente por hash.
func (t *Tracker) ConfirmFinish(ctx context.Context, marketID, txHash string) (domain.Escrow, error) {
	e, err := t.close(ctx, marketID, domain.EscrowFinished, txHash)
	if err != nil {
		return domain.Escrow{}, fmt.Errorf("escrow.ConfirmFinish: %w", err)
	}
	return e, nil
}

// ConfirmCancel registra el EscrowCancel validado. Idempotente por hash.
func (t *Tracker) ConfirmCancel(ctx context.Context, marketID, txHash string) (domain.Escrow, error) {
	e, err := t.close(ctx, marketID, domain.EscrowCanceled, txHash)
	if err != nil {
		return domain.Escrow{}, fmt.Errorf("escrow.ConfirmCancel: %w", err)
	}
	return e, nil
}

func (t *Tracker) close(ctx context.Context, marketID string, to domain.EscrowStatus, txHash string) (domain.Escrow, error) {
	if txHash == "" {
		return domain.Escrow{}, fmt.Errorf("%w: empty tx hash", domain.ErrValidation)
	}
	e, err := t.store.CloseEscrow(ctx, marketID, to, txHash, t.now())
	if err != nil {
		return domain.Escrow{}, err
	}
	slog.Info("escrow: released", "market", marketID, "status", e.Status, "tx", txHash, "amount", e.Amount.String())
	return e, nil
}
