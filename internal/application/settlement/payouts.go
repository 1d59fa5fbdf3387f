package settlement

import (
	"math/big"
	"time"

	"github.com/alejandrodnm/mitate/internal/domain"
	"github.com/google/uuid"
)

// ComputePayouts reparte pool entre las apuestas confirmadas del outcome
// ganador. Cada apuesta recibe floor(pool × stake / Σ stakes) y los montos se
// suman por destinatario, así que el total nunca supera el pool.
//
// stake es el monto bruto, o el monto efectivo (ponderado) si weighted.
// Sin apuestas ganadoras no hay payouts.
func ComputePayouts(marketID string, pool *big.Int, winnerID string, bets []domain.Bet, weighted bool, at time.Time) []domain.Payout {
	stakeOf := func(b domain.Bet) *big.Int {
		if weighted && b.EffectiveAmount != nil {
			return b.EffectiveAmount
		}
		return b.Amount
	}

	base := new(big.Int)
	var winners []domain.Bet
	for _, b := range bets {
		if b.Status != domain.BetConfirmed || b.OutcomeID != winnerID {
			continue
		}
		winners = append(winners, b)
		base.Add(base, stakeOf(b))
	}
	if base.Sign() == 0 {
		return nil
	}

	var (
		order  []string
		totals = make(map[string]*big.Int)
	)
	for _, b := range winners {
		share := domain.ShareOf(pool, stakeOf(b), base)
		if _, ok := totals[b.Bettor]; !ok {
			totals[b.Bettor] = new(big.Int)
			order = append(order, b.Bettor)
		}
		totals[b.Bettor].Add(totals[b.Bettor], share)
	}

	payouts := make([]domain.Payout, 0, len(order))
	for _, recipient := range order {
		amount := totals[recipient]
		if amount.Sign() == 0 {
			continue
		}
		payouts = append(payouts, domain.Payout{
			ID:        uuid.NewString(),
			MarketID:  marketID,
			Recipient: recipient,
			Amount:    amount,
			Status:    domain.PayoutPending,
			CreatedAt: at,
		})
	}
	return payouts
}
