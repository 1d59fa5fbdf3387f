package domain

import "math/big"

// PreviewPayout quotes what `amount` placed on an outcome would return if that
// outcome won right now: the hypothetical bet is added to both the grand pool
// and the outcome pool, then floor(newTotal × amount / newOutcomeTotal).
// If the outcome pool is still zero the whole hypothetical pool is returned.
func PreviewPayout(poolTotal, outcomeTotal, amount *big.Int) *big.Int {
	newTotal := new(big.Int).Add(orZero(poolTotal), orZero(amount))
	newOutcome := new(big.Int).Add(orZero(outcomeTotal), orZero(amount))
	if newOutcome.Sign() == 0 {
		return newTotal
	}
	return ShareOf(newTotal, orZero(amount), newOutcome)
}

// ShareOf is floor(pool × stake / base) for non-negative inputs; zero when
// base is zero.
func ShareOf(pool, stake, base *big.Int) *big.Int {
	if base == nil || base.Sign() <= 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(orZero(pool), orZero(stake))
	return out.Quo(out, base)
}

// Probabilities derives integer percentages for the outcomes, in the order
// given, that always sum to exactly 100.
//
// Non-empty pool: each outcome gets round(100 × total / pool) and the
// difference to 100 goes to the largest outcome (first one on ties).
// Empty pool: 100 split evenly, remainder to the first outcome.
func Probabilities(totals []*big.Int) []int {
	n := len(totals)
	if n == 0 {
		return nil
	}
	out := make([]int, n)

	pool := new(big.Int)
	for _, t := range totals {
		pool.Add(pool, orZero(t))
	}
	if pool.Sign() == 0 {
		for i := range out {
			out[i] = 100 / n
		}
		out[0] += 100 - (100/n)*n
		return out
	}

	sum := 0
	largest := 0
	twoPool := new(big.Int).Lsh(pool, 1)
	for i, t := range totals {
		// round(100·t/pool) = floor((200·t + pool) / (2·pool))
		v := new(big.Int).Mul(orZero(t), big.NewInt(200))
		v.Add(v, pool)
		v.Quo(v, twoPool)
		out[i] = int(v.Int64())
		sum += out[i]
		if orZero(t).Cmp(orZero(totals[largest])) > 0 {
			largest = i
		}
	}
	out[largest] += 100 - sum
	return out
}

// OutcomeProbabilities is Probabilities over the outcome totals.
func OutcomeProbabilities(outcomes []Outcome) []int {
	totals := make([]*big.Int, len(outcomes))
	for i, o := range outcomes {
		totals[i] = o.Total
	}
	return Probabilities(totals)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
