package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alejandrodnm/mitate/internal/domain"
)

// ─── Ledger events ───────────────────────────────────────────────────────────

const eventColumns = `id, tx_hash, event_type, market_id, payload, ledger_index, ingested_at, tx_json, applied, apply_error`

// InsertEvent agrega un evento al log. Un tx hash repetido no hace nada.
func (s *SQLiteStorage) InsertEvent(ctx context.Context, ev domain.LedgerEvent) (bool, error) {
	ingested := ev.IngestedAt
	if ingested.IsZero() {
		ingested = s.now()
	}
	payload := string(ev.Payload)
	if payload == "" {
		payload = "{}"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tx_hash) DO NOTHING`,
		ev.ID, ev.TxHash, string(ev.Type), nullString(ev.MarketID), payload, ev.LedgerIndex, fmtTime(ingested),
		string(ev.TxJSON), ev.Applied, ev.ApplyError,
	)
	if err != nil {
		return false, fmt.Errorf("storage.InsertEvent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage.InsertEvent: rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStorage) GetEvent(ctx context.Context, txHash string) (domain.LedgerEvent, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM ledger_events WHERE tx_hash = ?`, txHash))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LedgerEvent{}, fmt.Errorf("storage.GetEvent: %w", notFound("event", txHash))
	}
	if err != nil {
		return domain.LedgerEvent{}, fmt.Errorf("storage.GetEvent: %w", err)
	}
	return ev, nil
}

// ListEvents devuelve los eventos del mercado en orden de ledger.
func (s *SQLiteStorage) ListEvents(ctx context.Context, marketID string) ([]domain.LedgerEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM ledger_events WHERE market_id = ?
		ORDER BY ledger_index ASC, rowid ASC`, marketID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListEvents: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListEvents: scan: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkEventApplied es idempotente: marcar dos veces deja el primer resultado.
func (s *SQLiteStorage) MarkEventApplied(ctx context.Context, txHash, applyErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger_events SET applied = 1, apply_error = ?
		WHERE tx_hash = ? AND applied = 0`, applyErr, txHash)
	if err != nil {
		return fmt.Errorf("storage.MarkEventApplied: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM ledger_events WHERE tx_hash = ?`, txHash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("storage.MarkEventApplied: %w", notFound("event", txHash))
	}
	if err != nil {
		return fmt.Errorf("storage.MarkEventApplied: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ListUnappliedEvents(ctx context.Context, limit int) ([]domain.LedgerEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM ledger_events WHERE applied = 0
		ORDER BY ledger_index ASC, rowid ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.ListUnappliedEvents: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListUnappliedEvents: scan: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) CountEvents(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage.CountEvents: %w", err)
	}
	return n, nil
}

func scanEvent(r rowScanner) (domain.LedgerEvent, error) {
	var (
		ev                         domain.LedgerEvent
		typ, payload, when, txJSON string
		marketID                   sql.NullString
	)
	if err := r.Scan(&ev.ID, &ev.TxHash, &typ, &marketID, &payload, &ev.LedgerIndex, &when,
		&txJSON, &ev.Applied, &ev.ApplyError); err != nil {
		return domain.LedgerEvent{}, err
	}
	if txJSON != "" {
		ev.TxJSON = json.RawMessage(txJSON)
	}
	ev.Type = domain.EventType(typ)
	ev.MarketID = marketID.String
	ev.Payload = json.RawMessage(payload)
	ev.IngestedAt = parseTime(when)
	return ev, nil
}

// ─── Trades ──────────────────────────────────────────────────────────────────

// InsertTrade agrega un fill del DEX. Idempotente por hash de oferta.
func (s *SQLiteStorage) InsertTrade(ctx context.Context, tr domain.Trade) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (id, market_id, offer_tx_hash, account, taker_gets, taker_pays, ledger_index, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(offer_tx_hash) DO NOTHING`,
		tr.ID, tr.MarketID, tr.OfferTxHash, tr.Account, tr.TakerGets, tr.TakerPays, tr.LedgerIndex, fmtTime(tr.ExecutedAt),
	)
	if err != nil {
		return false, fmt.Errorf("storage.InsertTrade: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStorage) ListTrades(ctx context.Context, marketID string) ([]domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, market_id, offer_tx_hash, account, taker_gets, taker_pays, ledger_index, executed_at
		FROM trades WHERE market_id = ?
		ORDER BY ledger_index ASC, rowid ASC`, marketID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListTrades: %w", err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var (
			tr   domain.Trade
			when string
		)
		if err := rows.Scan(&tr.ID, &tr.MarketID, &tr.OfferTxHash, &tr.Account, &tr.TakerGets, &tr.TakerPays, &tr.LedgerIndex, &when); err != nil {
			return nil, fmt.Errorf("storage.ListTrades: scan: %w", err)
		}
		tr.ExecutedAt = parseTime(when)
		out = append(out, tr)
	}
	return out, rows.Err()
}
