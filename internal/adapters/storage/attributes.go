package storage

import (
	"context"
	"fmt"

	"github.com/alejandrodnm/mitate/internal/domain"
)

// ─── User attributes ─────────────────────────────────────────────────────────

// UpsertAttribute guarda (o reemplaza) un atributo verificado de una wallet.
func (s *SQLiteStorage) UpsertAttribute(ctx context.Context, a domain.UserAttribute) error {
	if !a.Type.Valid() {
		return fmt.Errorf("storage.UpsertAttribute: %w: attribute type %q", domain.ErrValidation, a.Type)
	}
	if a.Weight < domain.MinWeight || a.Weight > domain.MaxWeight {
		return fmt.Errorf("storage.UpsertAttribute: %w: weight %v out of [%v, %v]",
			domain.ErrValidation, a.Weight, domain.MinWeight, domain.MaxWeight)
	}
	verified := a.VerifiedAt
	if verified.IsZero() {
		verified = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_attributes (wallet, attr_type, label, weight, verified_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(wallet, attr_type, label) DO UPDATE SET
			weight      = excluded.weight,
			verified_at = excluded.verified_at`,
		a.Wallet, string(a.Type), a.Label, a.Weight, fmtTime(verified),
	)
	if err != nil {
		return fmt.Errorf("storage.UpsertAttribute: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ListAttributes(ctx context.Context, wallet string) ([]domain.UserAttribute, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT wallet, attr_type, label, weight, verified_at
		FROM user_attributes WHERE wallet = ?
		ORDER BY attr_type ASC, label ASC`, wallet)
	if err != nil {
		return nil, fmt.Errorf("storage.ListAttributes: %w", err)
	}
	defer rows.Close()

	var out []domain.UserAttribute
	for rows.Next() {
		var (
			a         domain.UserAttribute
			typ, when string
		)
		if err := rows.Scan(&a.Wallet, &typ, &a.Label, &a.Weight, &when); err != nil {
			return nil, fmt.Errorf("storage.ListAttributes: scan: %w", err)
		}
		a.Type = domain.AttributeType(typ)
		a.VerifiedAt = parseTime(when)
		out = append(out, a)
	}
	return out, rows.Err()
}
