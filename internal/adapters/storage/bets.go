package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/mitate/internal/domain"
)

// ─── Bets ────────────────────────────────────────────────────────────────────

const betColumns = `id, market_id, outcome_id, bettor, amount, weight, effective_amount, status,
	payment_tx_hash, escrow_tx_hash, mint_tx_hash, created_at, confirmed_at`

// CreateBet persiste una apuesta Pending. No toca ningún total.
func (s *SQLiteStorage) CreateBet(ctx context.Context, b domain.Bet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bets (`+betColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.MarketID, b.OutcomeID, b.Bettor, domain.AmountString(b.Amount), b.Weight,
		domain.AmountString(b.EffectiveAmount), string(b.Status),
		nullString(b.PaymentTxHash), nullString(b.EscrowTxHash), nullString(b.MintTxHash),
		fmtTime(b.CreatedAt), nullTime(b.ConfirmedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage.CreateBet: %w: bet %s", domain.ErrConflict, b.ID)
		}
		return fmt.Errorf("storage.CreateBet: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetBet(ctx context.Context, id string) (domain.Bet, error) {
	b, err := getBet(ctx, s.db, id)
	if err != nil {
		return domain.Bet{}, fmt.Errorf("storage.GetBet: %w", err)
	}
	return b, nil
}

func getBet(ctx context.Context, q queryer, id string) (domain.Bet, error) {
	b, err := scanBet(q.QueryRowContext(ctx, `SELECT `+betColumns+` FROM bets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Bet{}, notFound("bet", id)
	}
	return b, err
}

// ListBets lista las apuestas de un mercado; status vacío devuelve todas.
func (s *SQLiteStorage) ListBets(ctx context.Context, marketID string, status domain.BetStatus) ([]domain.Bet, error) {
	out, err := listBets(ctx, s.db, marketID, status)
	if err != nil {
		return nil, fmt.Errorf("storage.ListBets: %w", err)
	}
	return out, nil
}

func listBets(ctx context.Context, q queryer, marketID string, status domain.BetStatus) ([]domain.Bet, error) {
	query := `SELECT ` + betColumns + ` FROM bets WHERE market_id = ?`
	args := []any{marketID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ConfirmBet es el único camino que mueve totales: apuesta, outcome, pool y
// escrow abierto se actualizan en la misma transacción.
func (s *SQLiteStorage) ConfirmBet(ctx context.Context, betID, paymentTxHash string, at time.Time) (domain.Bet, bool, error) {
	var (
		out     domain.Bet
		applied bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		b, err := getBet(ctx, tx, betID)
		if err != nil {
			return err
		}

		switch {
		case b.Status == domain.BetConfirmed && b.PaymentTxHash == paymentTxHash:
			out = b // misma confirmación repetida: no-op
			return nil
		case b.Status == domain.BetConfirmed:
			return fmt.Errorf("%w: bet %s already confirmed by %s", domain.ErrConflict, betID, b.PaymentTxHash)
		case b.Status != domain.BetPending:
			return fmt.Errorf("%w: bet %s is %s", domain.ErrConflict, betID, b.Status)
		}

		var other string
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM bets WHERE payment_tx_hash = ? AND id <> ?`, paymentTxHash, betID,
		).Scan(&other)
		switch {
		case err == nil:
			return fmt.Errorf("%w: payment %s already bound to bet %s", domain.ErrConflict, paymentTxHash, other)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lookup payment hash: %w", err)
		}

		m, err := getMarket(ctx, tx, b.MarketID)
		if err != nil {
			return err
		}
		if m.Status != domain.MarketOpen && m.Status != domain.MarketClosed {
			return fmt.Errorf("%w: market %s is %s", domain.ErrConflict, m.ID, m.Status)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE bets SET status = ?, payment_tx_hash = ?, confirmed_at = ?
			WHERE id = ? AND status = ?`,
			string(domain.BetConfirmed), paymentTxHash, fmtTime(at), betID, string(domain.BetPending),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: payment %s already bound", domain.ErrConflict, paymentTxHash)
			}
			return fmt.Errorf("update bet: %w", err)
		}

		if err := addToOutcome(ctx, tx, b); err != nil {
			return err
		}

		pool, err := addAmount(domain.AmountString(m.PoolTotal), b.Amount)
		if err != nil {
			return err
		}
		now := fmtTime(s.now())
		if _, err := tx.ExecContext(ctx,
			`UPDATE markets SET pool_total = ?, updated_at = ? WHERE id = ?`, pool, now, m.ID,
		); err != nil {
			return fmt.Errorf("update pool: %w", err)
		}

		if err := addToOpenEscrow(ctx, tx, b, now); err != nil {
			return err
		}

		confirmedAt := at.UTC()
		b.Status = domain.BetConfirmed
		b.PaymentTxHash = paymentTxHash
		b.ConfirmedAt = &confirmedAt
		out, applied = b, true
		return nil
	})
	if err != nil {
		return domain.Bet{}, false, fmt.Errorf("storage.ConfirmBet: %w", err)
	}
	return out, applied, nil
}

func addToOutcome(ctx context.Context, tx *sql.Tx, b domain.Bet) error {
	var total string
	err := tx.QueryRowContext(ctx,
		`SELECT total FROM outcomes WHERE id = ? AND market_id = ?`, b.OutcomeID, b.MarketID,
	).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("outcome", b.OutcomeID)
	}
	if err != nil {
		return fmt.Errorf("read outcome total: %w", err)
	}
	next, err := addAmount(total, b.Amount)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE outcomes SET total = ? WHERE id = ?`, next, b.OutcomeID); err != nil {
		return fmt.Errorf("update outcome total: %w", err)
	}
	return nil
}

func addToOpenEscrow(ctx context.Context, tx *sql.Tx, b domain.Bet, now string) error {
	var id, amount string
	err := tx.QueryRowContext(ctx,
		`SELECT id, amount FROM escrows WHERE market_id = ? AND status = ?`, b.MarketID, string(domain.EscrowOpen),
	).Scan(&id, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: market %s has no open escrow", domain.ErrConflict, b.MarketID)
	}
	if err != nil {
		return fmt.Errorf("read escrow: %w", err)
	}
	next, err := addAmount(amount, b.Amount)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE escrows SET amount = ?, updated_at = ? WHERE id = ?`, next, now, id,
	); err != nil {
		return fmt.Errorf("update escrow amount: %w", err)
	}
	return nil
}

// UpdateBetStatus aplica un compare-and-set sobre el estado de la apuesta.
func (s *SQLiteStorage) UpdateBetStatus(ctx context.Context, betID string, from, to domain.BetStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bets SET status = ? WHERE id = ? AND status = ?`, string(to), betID, string(from))
	if err != nil {
		return fmt.Errorf("storage.UpdateBetStatus: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		b, err := getBet(ctx, s.db, betID)
		if err != nil {
			return fmt.Errorf("storage.UpdateBetStatus: %w", err)
		}
		return fmt.Errorf("storage.UpdateBetStatus: %w: bet %s is %s, want %s", domain.ErrConflict, betID, b.Status, from)
	}
	return nil
}

// SetMintTx vincula el hash del mint. Repetir con el mismo hash es un no-op.
func (s *SQLiteStorage) SetMintTx(ctx context.Context, betID, txHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bets SET mint_tx_hash = ?
		WHERE id = ? AND status = ? AND (mint_tx_hash IS NULL OR mint_tx_hash = ?)`,
		txHash, betID, string(domain.BetConfirmed), txHash,
	)
	if err != nil {
		return fmt.Errorf("storage.SetMintTx: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		b, err := getBet(ctx, s.db, betID)
		if err != nil {
			return fmt.Errorf("storage.SetMintTx: %w", err)
		}
		if b.Status != domain.BetConfirmed {
			return fmt.Errorf("storage.SetMintTx: %w: bet %s is %s", domain.ErrConflict, betID, b.Status)
		}
		return fmt.Errorf("storage.SetMintTx: %w: bet %s already minted by %s", domain.ErrConflict, betID, b.MintTxHash)
	}
	return nil
}

func scanBet(r rowScanner) (domain.Bet, error) {
	var (
		b                         domain.Bet
		amount, effective, status string
		created                   string
		payment, escrowTx, mintTx sql.NullString
		confirmed                 sql.NullString
	)
	err := r.Scan(&b.ID, &b.MarketID, &b.OutcomeID, &b.Bettor, &amount, &b.Weight, &effective, &status,
		&payment, &escrowTx, &mintTx, &created, &confirmed)
	if err != nil {
		return domain.Bet{}, err
	}
	b.Status = domain.BetStatus(status)
	b.PaymentTxHash = payment.String
	b.EscrowTxHash = escrowTx.String
	b.MintTxHash = mintTx.String
	b.CreatedAt = parseTime(created)
	b.ConfirmedAt = parseNullTime(confirmed)
	if b.Amount, err = parseBig(amount); err != nil {
		return domain.Bet{}, err
	}
	if b.EffectiveAmount, err = parseBig(effective); err != nil {
		return domain.Bet{}, err
	}
	return b, nil
}
