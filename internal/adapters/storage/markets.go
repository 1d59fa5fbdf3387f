package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/mitate/internal/domain"
	"github.com/alejandrodnm/mitate/internal/ports"
)

// ─── Markets ─────────────────────────────────────────────────────────────────

const marketColumns = `id, title, description, category, status, resolved_outcome_id,
	betting_deadline, resolution_time, pool_total, operator_address, issuer_address,
	escrow_tx_hash, escrow_sequence, created_at, updated_at`

// CreateMarket inserta el mercado y sus outcomes en una sola transacción.
func (s *SQLiteStorage) CreateMarket(ctx context.Context, m domain.Market, outcomes []domain.Outcome) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO markets (`+marketColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.Title, m.Description, m.Category, string(m.Status), nullString(m.ResolvedOutcomeID),
			fmtTime(m.BettingDeadline), fmtTime(m.ResolutionTime), domain.AmountString(m.PoolTotal),
			m.OperatorAddress, m.IssuerAddress, nullString(m.EscrowTxHash), m.EscrowSequence,
			fmtTime(m.CreatedAt), fmtTime(m.UpdatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("storage.CreateMarket: %w: market %s exists", domain.ErrConflict, m.ID)
			}
			return fmt.Errorf("storage.CreateMarket: %w", err)
		}

		for _, o := range outcomes {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO outcomes (id, market_id, key, label, currency, total, display_order)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				o.ID, m.ID, o.Key, o.Label, o.Currency, domain.AmountString(o.Total), o.DisplayOrder,
			)
			if err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("storage.CreateMarket: %w: outcome %s/%s", domain.ErrConflict, m.ID, o.Key)
				}
				return fmt.Errorf("storage.CreateMarket: outcome %s: %w", o.Key, err)
			}
		}
		return nil
	})
}

// GetMarket devuelve un mercado por id o ErrNotFound.
func (s *SQLiteStorage) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	m, err := getMarket(ctx, s.db, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("storage.GetMarket: %w", err)
	}
	return m, nil
}

func getMarket(ctx context.Context, q queryer, id string) (domain.Market, error) {
	row := q.QueryRowContext(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = ?`, id)
	m, err := scanMarket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Market{}, notFound("market", id)
	}
	return m, err
}

// ListOutcomes devuelve los outcomes en orden de presentación.
func (s *SQLiteStorage) ListOutcomes(ctx context.Context, marketID string) ([]domain.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, market_id, key, label, currency, total, display_order
		FROM outcomes WHERE market_id = ?
		ORDER BY display_order ASC`, marketID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListOutcomes: %w", err)
	}
	defer rows.Close()

	var out []domain.Outcome
	for rows.Next() {
		var (
			o     domain.Outcome
			total string
		)
		if err := rows.Scan(&o.ID, &o.MarketID, &o.Key, &o.Label, &o.Currency, &total, &o.DisplayOrder); err != nil {
			return nil, fmt.Errorf("storage.ListOutcomes: scan: %w", err)
		}
		if o.Total, err = parseBig(total); err != nil {
			return nil, fmt.Errorf("storage.ListOutcomes: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListMarkets lista mercados filtrando por estado; sin estados devuelve todos.
func (s *SQLiteStorage) ListMarkets(ctx context.Context, statuses ...domain.MarketStatus) ([]domain.Market, error) {
	query := `SELECT ` + marketColumns + ` FROM markets`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`
	return s.queryMarkets(ctx, "storage.ListMarkets", query, args...)
}

// ListExpiredOpen devuelve los mercados Open con deadline <= now.
func (s *SQLiteStorage) ListExpiredOpen(ctx context.Context, now time.Time) ([]domain.Market, error) {
	return s.queryMarkets(ctx, "storage.ListExpiredOpen", `
		SELECT `+marketColumns+` FROM markets
		WHERE status = ? AND betting_deadline <= ?
		ORDER BY betting_deadline ASC`,
		string(domain.MarketOpen), fmtTime(now))
}

func (s *SQLiteStorage) queryMarkets(ctx context.Context, op, query string, args ...any) ([]domain.Market, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// OpenMarket registra el escrow confirmado y pasa el mercado Draft→Open.
// Repetirlo con el mismo create hash es un no-op.
func (s *SQLiteStorage) OpenMarket(ctx context.Context, marketID string, e domain.Escrow) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		m, err := getMarket(ctx, tx, marketID)
		if err != nil {
			return fmt.Errorf("storage.OpenMarket: %w", err)
		}
		if m.Status == domain.MarketOpen && m.EscrowTxHash == e.CreateTxHash {
			return nil
		}
		if m.Status != domain.MarketDraft {
			return fmt.Errorf("storage.OpenMarket: %w: market %s is %s", domain.ErrConflict, marketID, m.Status)
		}

		now := fmtTime(s.now())
		_, err = tx.ExecContext(ctx, `
			INSERT INTO escrows (id, market_id, amount, status, sequence, cancel_after, finish_after,
			                     create_tx_hash, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, marketID, domain.AmountString(e.Amount), string(domain.EscrowOpen), e.Sequence,
			nullTimeVal(e.CancelAfter), nullTimeVal(e.FinishAfter), e.CreateTxHash, now, now,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("storage.OpenMarket: %w: escrow %s already recorded", domain.ErrConflict, e.CreateTxHash)
			}
			return fmt.Errorf("storage.OpenMarket: insert escrow: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE markets
			SET status = ?, escrow_tx_hash = ?, escrow_sequence = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(domain.MarketOpen), e.CreateTxHash, e.Sequence, now, marketID, string(domain.MarketDraft),
		)
		if err != nil {
			return fmt.Errorf("storage.OpenMarket: update market: %w", err)
		}
		return nil
	})
}

// UpdateMarketStatus aplica un compare-and-set sobre el estado.
func (s *SQLiteStorage) UpdateMarketStatus(ctx context.Context, marketID string, from, to domain.MarketStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE markets SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), fmtTime(s.now()), marketID, string(from),
	)
	if err != nil {
		return fmt.Errorf("storage.UpdateMarketStatus: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		m, err := getMarket(ctx, s.db, marketID)
		if err != nil {
			return fmt.Errorf("storage.UpdateMarketStatus: %w", err)
		}
		return fmt.Errorf("storage.UpdateMarketStatus: %w: market %s is %s, want %s",
			domain.ErrConflict, marketID, m.Status, from)
	}
	return nil
}

// ResolveMarket pasa Closed→Resolved y, en la misma transacción, lee el pool
// y las apuestas confirmadas, calcula los payouts con compute y los inserta.
// Una confirmación concurrente queda antes (y entra en el cálculo) o después
// (y falla porque el mercado ya no acepta confirmaciones).
func (s *SQLiteStorage) ResolveMarket(ctx context.Context, marketID, winningOutcomeID string, compute ports.PayoutFunc) ([]domain.Payout, error) {
	var payouts []domain.Payout
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE markets SET status = ?, resolved_outcome_id = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(domain.MarketResolved), winningOutcomeID, fmtTime(s.now()),
			marketID, string(domain.MarketClosed),
		)
		if err != nil {
			return fmt.Errorf("storage.ResolveMarket: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			m, err := getMarket(ctx, tx, marketID)
			if err != nil {
				return fmt.Errorf("storage.ResolveMarket: %w", err)
			}
			return fmt.Errorf("storage.ResolveMarket: %w: market %s is %s", domain.ErrConflict, marketID, m.Status)
		}

		m, err := getMarket(ctx, tx, marketID)
		if err != nil {
			return fmt.Errorf("storage.ResolveMarket: %w", err)
		}
		bets, err := listBets(ctx, tx, marketID, domain.BetConfirmed)
		if err != nil {
			return fmt.Errorf("storage.ResolveMarket: bets: %w", err)
		}

		payouts = compute(m.PoolTotal, bets)
		for _, p := range payouts {
			if err := insertPayout(ctx, tx, p); err != nil {
				return fmt.Errorf("storage.ResolveMarket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payouts, nil
}

func scanMarket(r rowScanner) (domain.Market, error) {
	var (
		m                         domain.Market
		status, deadline, resolve string
		pool, created, updated    string
		resolvedOutcome, escrowTx sql.NullString
	)
	err := r.Scan(&m.ID, &m.Title, &m.Description, &m.Category, &status, &resolvedOutcome,
		&deadline, &resolve, &pool, &m.OperatorAddress, &m.IssuerAddress,
		&escrowTx, &m.EscrowSequence, &created, &updated)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	m.ResolvedOutcomeID = resolvedOutcome.String
	m.EscrowTxHash = escrowTx.String
	m.BettingDeadline = parseTime(deadline)
	m.ResolutionTime = parseTime(resolve)
	m.CreatedAt = parseTime(created)
	m.UpdatedAt = parseTime(updated)
	if m.PoolTotal, err = parseBig(pool); err != nil {
		return domain.Market{}, err
	}
	return m, nil
}
