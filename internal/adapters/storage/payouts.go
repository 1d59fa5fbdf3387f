package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/mitate/internal/domain"
)

// ─── Payouts ─────────────────────────────────────────────────────────────────

const payoutColumns = `id, market_id, recipient, amount, status, tx_hash, failure_reason, created_at, sent_at`

func insertPayout(ctx context.Context, tx *sql.Tx, p domain.Payout) error {
	status := p.Status
	if status == "" {
		status = domain.PayoutPending
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO payouts (`+payoutColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.MarketID, p.Recipient, domain.AmountString(p.Amount), string(status),
		nullString(p.TxHash), p.FailureReason, fmtTime(p.CreatedAt), nullTime(p.SentAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: payout for %s in market %s", domain.ErrConflict, p.Recipient, p.MarketID)
		}
		return fmt.Errorf("insert payout: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetPayout(ctx context.Context, id string) (domain.Payout, error) {
	p, err := getPayout(ctx, s.db, `WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		err = notFound("payout", id)
	}
	if err != nil {
		return domain.Payout{}, fmt.Errorf("storage.GetPayout: %w", err)
	}
	return p, nil
}

// FindPayout busca el payout de un destinatario en un mercado.
func (s *SQLiteStorage) FindPayout(ctx context.Context, marketID, recipient string) (domain.Payout, error) {
	p, err := getPayout(ctx, s.db, `WHERE market_id = ? AND recipient = ?`, marketID, recipient)
	if errors.Is(err, sql.ErrNoRows) {
		err = notFound("payout for", marketID+"/"+recipient)
	}
	if err != nil {
		return domain.Payout{}, fmt.Errorf("storage.FindPayout: %w", err)
	}
	return p, nil
}

func getPayout(ctx context.Context, q queryer, where string, args ...any) (domain.Payout, error) {
	return scanPayout(q.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts `+where, args...))
}

func (s *SQLiteStorage) ListPayouts(ctx context.Context, marketID string) ([]domain.Payout, error) {
	return s.queryPayouts(ctx, "storage.ListPayouts", `
		SELECT `+payoutColumns+` FROM payouts WHERE market_id = ?
		ORDER BY created_at ASC, recipient ASC`, marketID)
}

// PendingPayouts devuelve hasta limit payouts pendientes, el mayor primero.
// Los montos son TEXT decimal sin signo: ordenar por longitud y luego
// lexicográficamente equivale al orden numérico.
func (s *SQLiteStorage) PendingPayouts(ctx context.Context, marketID string, limit int) ([]domain.Payout, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryPayouts(ctx, "storage.PendingPayouts", `
		SELECT `+payoutColumns+` FROM payouts
		WHERE market_id = ? AND status = ?
		ORDER BY length(amount) DESC, amount DESC, recipient ASC
		LIMIT ?`, marketID, string(domain.PayoutPending), limit)
}

func (s *SQLiteStorage) queryPayouts(ctx context.Context, op, query string, args ...any) ([]domain.Payout, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ConfirmPayout pasa Pending→Sent con el hash del pago.
func (s *SQLiteStorage) ConfirmPayout(ctx context.Context, payoutID, txHash string, at time.Time) (domain.Payout, bool, error) {
	var (
		out     domain.Payout
		applied bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		p, err := getPayout(ctx, tx, `WHERE id = ?`, payoutID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("payout", payoutID)
		}
		if err != nil {
			return err
		}

		switch {
		case p.Status == domain.PayoutSent && p.TxHash == txHash:
			out = p
			return nil
		case p.Status != domain.PayoutPending:
			return fmt.Errorf("%w: payout %s is %s", domain.ErrConflict, payoutID, p.Status)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE payouts SET status = ?, tx_hash = ?, sent_at = ?, failure_reason = ''
			WHERE id = ? AND status = ?`,
			string(domain.PayoutSent), txHash, fmtTime(at), payoutID, string(domain.PayoutPending))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: tx %s already bound to another payout", domain.ErrConflict, txHash)
			}
			return fmt.Errorf("update payout: %w", err)
		}

		sent := at.UTC()
		p.Status = domain.PayoutSent
		p.TxHash = txHash
		p.SentAt = &sent
		p.FailureReason = ""
		out, applied = p, true
		return nil
	})
	if err != nil {
		return domain.Payout{}, false, fmt.Errorf("storage.ConfirmPayout: %w", err)
	}
	return out, applied, nil
}

// FailPayout pasa Pending→Failed guardando el motivo.
func (s *SQLiteStorage) FailPayout(ctx context.Context, payoutID, reason string) error {
	return s.movePayout(ctx, "storage.FailPayout", payoutID, domain.PayoutPending, domain.PayoutFailed, reason)
}

// RetryPayout devuelve un payout Failed a Pending.
func (s *SQLiteStorage) RetryPayout(ctx context.Context, payoutID string) error {
	return s.movePayout(ctx, "storage.RetryPayout", payoutID, domain.PayoutFailed, domain.PayoutPending, "")
}

func (s *SQLiteStorage) movePayout(ctx context.Context, op, id string, from, to domain.PayoutStatus, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payouts SET status = ?, failure_reason = ? WHERE id = ? AND status = ?`,
		string(to), reason, id, string(from))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		p, err := getPayout(ctx, s.db, `WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s: %w", op, notFound("payout", id))
		}
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return fmt.Errorf("%s: %w: payout %s is %s, want %s", op, domain.ErrConflict, id, p.Status, from)
	}
	return nil
}

// CountUnsettledPayouts cuenta los payouts Pending o Failed del mercado.
func (s *SQLiteStorage) CountUnsettledPayouts(ctx context.Context, marketID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payouts WHERE market_id = ? AND status IN (?, ?)`,
		marketID, string(domain.PayoutPending), string(domain.PayoutFailed),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage.CountUnsettledPayouts: %w", err)
	}
	return n, nil
}

func scanPayout(r rowScanner) (domain.Payout, error) {
	var (
		p              domain.Payout
		amount, status string
		created        string
		txHash, sentAt sql.NullString
	)
	err := r.Scan(&p.ID, &p.MarketID, &p.Recipient, &amount, &status, &txHash, &p.FailureReason, &created, &sentAt)
	if err != nil {
		return domain.Payout{}, err
	}
	p.Status = domain.PayoutStatus(status)
	p.TxHash = txHash.String
	p.CreatedAt = parseTime(created)
	p.SentAt = parseNullTime(sentAt)
	if p.Amount, err = parseBig(amount); err != nil {
		return domain.Payout{}, err
	}
	return p, nil
}
