package domain

import (
	"math"
	"math/big"
	"time"
)

const (
	MinWeight  = 0.5
	MaxWeight  = 3.0
	BaseWeight = 1.0
)

// AttributeType classifies a verified bettor attribute.
type AttributeType string

const (
	AttrRegion     AttributeType = "region"
	AttrExpertise  AttributeType = "expertise"
	AttrExperience AttributeType = "experience"
)

func (t AttributeType) Valid() bool {
	return t == AttrRegion || t == AttrExpertise || t == AttrExperience
}

// UserAttribute is a verified attribute of a wallet. Weight lives in [0.5, 3.0].
type UserAttribute struct {
	Wallet     string
	Type       AttributeType
	Label      string
	Weight     float64
	VerifiedAt time.Time
}

// WeightScore computes the stake multiplier of a bettor:
// clamp(1.0 + Σ(weight − 1.0), 0.5, 3.0). An empty list scores 1.0.
func WeightScore(attrs []UserAttribute) float64 {
	score := BaseWeight
	for _, a := range attrs {
		if math.IsNaN(a.Weight) || math.IsInf(a.Weight, 0) {
			continue
		}
		score += a.Weight - BaseWeight
	}
	return ClampWeight(score)
}

// ClampWeight bounds w to [MinWeight, MaxWeight].
func ClampWeight(w float64) float64 {
	if math.IsNaN(w) {
		return BaseWeight
	}
	return math.Min(MaxWeight, math.Max(MinWeight, w))
}

// EffectiveAmount returns round(amount × weight), half away from zero.
// The float weight is converted exactly to a rational so money never passes
// through float multiplication.
func EffectiveAmount(amount *big.Int, weight float64) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	w := new(big.Rat)
	if w.SetFloat64(weight) == nil {
		w.SetInt64(1)
	}
	prod := new(big.Rat).Mul(new(big.Rat).SetInt(amount), w)
	return roundRat(prod)
}

func roundRat(r *big.Rat) *big.Int {
	num := new(big.Int).Set(r.Num())
	den := r.Denom()
	neg := num.Sign() < 0
	num.Abs(num)
	// floor((2·num + den) / (2·den))
	twice := new(big.Int).Lsh(num, 1)
	twice.Add(twice, den)
	q := twice.Quo(twice, new(big.Int).Lsh(den, 1))
	if neg {
		q.Neg(q)
	}
	return q
}
