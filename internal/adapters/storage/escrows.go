package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/mitate/internal/domain"
)

// ─── Escrows ─────────────────────────────────────────────────────────────────

const escrowColumns = `id, market_id, amount, status, sequence, cancel_after, finish_after,
	create_tx_hash, finish_tx_hash, cancel_tx_hash, created_at, updated_at`

// GetOpenEscrow devuelve el escrow abierto del mercado o ErrNotFound.
func (s *SQLiteStorage) GetOpenEscrow(ctx context.Context, marketID string) (domain.Escrow, error) {
	e, err := scanEscrow(s.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE market_id = ? AND status = ?`,
		marketID, string(domain.EscrowOpen)))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Escrow{}, fmt.Errorf("storage.GetOpenEscrow: %w", notFound("open escrow for market", marketID))
	}
	if err != nil {
		return domain.Escrow{}, fmt.Errorf("storage.GetOpenEscrow: %w", err)
	}
	return e, nil
}

// GetLatestEscrow devuelve el escrow más reciente del mercado, abierto o no.
func (s *SQLiteStorage) GetLatestEscrow(ctx context.Context, marketID string) (domain.Escrow, error) {
	e, err := latestEscrow(ctx, s.db, marketID)
	if err != nil {
		return domain.Escrow{}, fmt.Errorf("storage.GetLatestEscrow: %w", err)
	}
	return e, nil
}

func latestEscrow(ctx context.Context, q queryer, marketID string) (domain.Escrow, error) {
	e, err := scanEscrow(q.QueryRowContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows WHERE market_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, marketID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Escrow{}, notFound("escrow for market", marketID)
	}
	return e, err
}

// CloseEscrow pasa el escrow abierto a Finished o Canceled.
func (s *SQLiteStorage) CloseEscrow(ctx context.Context, marketID string, to domain.EscrowStatus, txHash string, at time.Time) (domain.Escrow, error) {
	if to != domain.EscrowFinished && to != domain.EscrowCanceled {
		return domain.Escrow{}, fmt.Errorf("storage.CloseEscrow: %w: target status %q", domain.ErrValidation, to)
	}

	var out domain.Escrow
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		e, err := latestEscrow(ctx, tx, marketID)
		if err != nil {
			return err
		}

		if e.Status == to && closingHash(e, to) == txHash {
			out = e
			return nil
		}
		if e.Status != domain.EscrowOpen {
			return fmt.Errorf("%w: escrow %s is %s", domain.ErrConflict, e.ID, e.Status)
		}

		column := "finish_tx_hash"
		if to == domain.EscrowCanceled {
			column = "cancel_tx_hash"
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE escrows SET status = ?, `+column+` = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(to), txHash, fmtTime(at), e.ID, string(domain.EscrowOpen))
		if err != nil {
			return fmt.Errorf("update escrow: %w", err)
		}

		e.Status = to
		e.UpdatedAt = at.UTC()
		if to == domain.EscrowFinished {
			e.FinishTxHash = txHash
		} else {
			e.CancelTxHash = txHash
		}
		out = e
		return nil
	})
	if err != nil {
		return domain.Escrow{}, fmt.Errorf("storage.CloseEscrow: %w", err)
	}
	return out, nil
}

func closingHash(e domain.Escrow, to domain.EscrowStatus) string {
	if to == domain.EscrowFinished {
		return e.FinishTxHash
	}
	return e.CancelTxHash
}

func scanEscrow(r rowScanner) (domain.Escrow, error) {
	var (
		e                      domain.Escrow
		amount, status         string
		created, updated       string
		cancelAfter, finishAft sql.NullString
		finishTx, cancelTx     sql.NullString
	)
	err := r.Scan(&e.ID, &e.MarketID, &amount, &status, &e.Sequence, &cancelAfter, &finishAft,
		&e.CreateTxHash, &finishTx, &cancelTx, &created, &updated)
	if err != nil {
		return domain.Escrow{}, err
	}
	e.Status = domain.EscrowStatus(status)
	e.CancelAfter = parseTime(cancelAfter.String)
	e.FinishAfter = parseTime(finishAft.String)
	e.FinishTxHash = finishTx.String
	e.CancelTxHash = cancelTx.String
	e.CreatedAt = parseTime(created)
	e.UpdatedAt = parseTime(updated)
	if e.Amount, err = parseBig(amount); err != nil {
		return domain.Escrow{}, err
	}
	return e, nil
}
