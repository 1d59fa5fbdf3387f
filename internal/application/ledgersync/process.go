package ledgersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/mitate/internal/domain"
	"github.com/alejandrodnm/mitate/internal/ledger"
	"github.com/google/uuid"
)

// processTx persiste una transacción validada con memo MITATE y, si el evento
// aún no fue aplicado, la pasa al Handler. Devuelve true si era un evento
// nuevo. Los errores de almacenamiento se propagan; los del Handler deciden
// si el evento queda aplicado o pendiente de reintento.
func (s *Syncer) processTx(ctx context.Context, tx ledger.ObservedTx) (bool, error) {
	if !tx.Succeeded() {
		slog.Debug("ledgersync: skipping unsuccessful tx", "tx", tx.Hash, "result", tx.Result)
		return false, nil
	}
	env, ok := tx.Tx.Envelope()
	if !ok {
		return false, nil
	}
	raw, err := json.Marshal(tx)
	if err != nil {
		return false, fmt.Errorf("encode tx %s: %w", tx.Hash, err)
	}

	ev := domain.LedgerEvent{
		ID:          uuid.NewString(),
		TxHash:      tx.Hash,
		Type:        env.Type,
		MarketID:    env.MarketID,
		Payload:     env.RawJSON(),
		LedgerIndex: tx.LedgerIndex,
		IngestedAt:  s.now().UTC(),
		TxJSON:      raw,
	}
	inserted, err := s.store.InsertEvent(ctx, ev)
	if err != nil {
		return false, fmt.Errorf("insert event %s: %w", tx.Hash, err)
	}

	if env.Type == domain.EventOffer && tx.Tx.TransactionType == ledger.TxOfferCreate {
		executed := s.now().UTC()
		if tx.CloseTime > 0 {
			executed = ledger.FromLedgerTime(tx.CloseTime)
		}
		if _, err := s.store.InsertTrade(ctx, domain.Trade{
			ID:          uuid.NewString(),
			MarketID:    env.MarketID,
			OfferTxHash: tx.Hash,
			Account:     tx.Tx.Account,
			TakerGets:   tx.Tx.TakerGets.String(),
			TakerPays:   tx.Tx.TakerPays.String(),
			LedgerIndex: tx.LedgerIndex,
			ExecutedAt:  executed,
		}); err != nil {
			return inserted, fmt.Errorf("insert trade %s: %w", tx.Hash, err)
		}
	}

	if inserted {
		slog.Info("ledgersync: event ingested",
			"tx", tx.Hash, "type", env.Type, "market", env.MarketID, "ledger", tx.LedgerIndex)
	}
	if s.handler == nil {
		return inserted, nil
	}
	if !inserted {
		stored, err := s.store.GetEvent(ctx, tx.Hash)
		if err != nil {
			return false, fmt.Errorf("get event %s: %w", tx.Hash, err)
		}
		if stored.Applied {
			return false, nil
		}
	}
	if _, err := s.apply(ctx, tx, env); err != nil {
		return inserted, err
	}
	return inserted, nil
}

// apply corre el Handler y marca el evento como aplicado salvo ante un error
// transitorio, que lo deja para RetryUnapplied.
func (s *Syncer) apply(ctx context.Context, tx ledger.ObservedTx, env ledger.MemoPayload) (bool, error) {
	herr := s.handler.Handle(ctx, tx, env)
	if herr != nil && !permanent(herr) {
		slog.Warn("ledgersync: handler failed, will retry", "tx", tx.Hash, "type", env.Type, "err", herr)
		return false, nil
	}
	reason := ""
	if herr != nil {
		reason = herr.Error()
		slog.Warn("ledgersync: event rejected", "tx", tx.Hash, "type", env.Type, "err", herr)
	}
	if err := s.store.MarkEventApplied(ctx, tx.Hash, reason); err != nil {
		return false, fmt.Errorf("mark event %s: %w", tx.Hash, err)
	}
	return true, nil
}

func permanent(err error) bool {
	return errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrConflict) ||
		errors.Is(err, domain.ErrNotFound)
}

// RetryUnapplied vuelve a pasar al Handler los eventos persistidos que no
// quedaron aplicados, reconstruyendo la transacción guardada. Devuelve cuántos
// quedaron aplicados.
func (s *Syncer) RetryUnapplied(ctx context.Context) (int, error) {
	if s.handler == nil {
		return 0, nil
	}
	events, err := s.store.ListUnappliedEvents(ctx, unappliedBatch)
	if err != nil {
		return 0, fmt.Errorf("ledgersync.RetryUnapplied: %w", err)
	}

	applied := 0
	for _, ev := range events {
		var tx ledger.ObservedTx
		if len(ev.TxJSON) == 0 {
			// Ingestado antes de guardar la transacción: no hay con qué reaplicar.
			if err := s.store.MarkEventApplied(ctx, ev.TxHash, "transaction not stored"); err != nil {
				return applied, fmt.Errorf("ledgersync.RetryUnapplied: %w", err)
			}
			continue
		}
		if err := json.Unmarshal(ev.TxJSON, &tx); err != nil {
			if err := s.store.MarkEventApplied(ctx, ev.TxHash, "decode stored tx: "+err.Error()); err != nil {
				return applied, fmt.Errorf("ledgersync.RetryUnapplied: %w", err)
			}
			continue
		}
		env, ok := tx.Tx.Envelope()
		if !ok {
			if err := s.store.MarkEventApplied(ctx, ev.TxHash, "stored tx has no envelope"); err != nil {
				return applied, fmt.Errorf("ledgersync.RetryUnapplied: %w", err)
			}
			continue
		}
		ok, err := s.apply(ctx, tx, env)
		if err != nil {
			return applied, fmt.Errorf("ledgersync.RetryUnapplied: %w", err)
		}
		if ok {
			applied++
		}
	}
	if applied > 0 {
		slog.Info("ledgersync: pending events applied", "count", applied, "pending", len(events)-applied)
	}
	return applied, nil
}
