package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alejandrodnm/mitate/internal/domain"
)

// ─── System state ────────────────────────────────────────────────────────────

func (s *SQLiteStorage) GetState(ctx context.Context, key string) (string, bool, error) {
	v, found, err := getState(ctx, s.db, key)
	if err != nil {
		return "", false, fmt.Errorf("storage.GetState: %w", err)
	}
	return v, found, nil
}

func getState(ctx context.Context, q queryer, key string) (string, bool, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM system_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *SQLiteStorage) SetState(ctx context.Context, key, value string) error {
	if err := setState(ctx, s.db, key, value, s.now()); err != nil {
		return fmt.Errorf("storage.SetState: %w", err)
	}
	return nil
}

func setState(ctx context.Context, q queryer, key, value string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO system_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, fmtTime(at))
	return err
}

// AdvanceLedgerCursor solo mueve el cursor hacia adelante.
func (s *SQLiteStorage) AdvanceLedgerCursor(ctx context.Context, index uint32, at time.Time) (bool, error) {
	var moved bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, found, err := getState(ctx, tx, domain.StateLastLedgerIndex)
		if err != nil {
			return err
		}
		if found {
			prev, err := strconv.ParseUint(cur, 10, 32)
			if err != nil {
				return fmt.Errorf("corrupt cursor %q: %w", cur, err)
			}
			if uint64(index) <= prev {
				return nil
			}
		}
		if err := setState(ctx, tx, domain.StateLastLedgerIndex, strconv.FormatUint(uint64(index), 10), at); err != nil {
			return err
		}
		if err := setState(ctx, tx, domain.StateLastSyncTime, fmtTime(at), at); err != nil {
			return err
		}
		moved = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("storage.AdvanceLedgerCursor: %w", err)
	}
	return moved, nil
}
