package domain

import (
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition_ForwardOnly(t *testing.T) {
	assert.True(t, CanTransition(MarketDraft, MarketOpen))
	assert.True(t, CanTransition(MarketOpen, MarketClosed))
	assert.True(t, CanTransition(MarketClosed, MarketResolved))
	assert.True(t, CanTransition(MarketResolved, MarketPaid))

	assert.False(t, CanTransition(MarketOpen, MarketDraft))
	assert.False(t, CanTransition(MarketDraft, MarketClosed))
	assert.False(t, CanTransition(MarketOpen, MarketResolved))
	assert.False(t, CanTransition(MarketPaid, MarketResolved))
}

func TestCanTransition_AbsorbingExits(t *testing.T) {
	for _, from := range []MarketStatus{MarketDraft, MarketOpen, MarketClosed} {
		assert.True(t, CanTransition(from, MarketCanceled), from)
		assert.True(t, CanTransition(from, MarketStalled), from)
	}
	for _, from := range []MarketStatus{MarketResolved, MarketPaid, MarketCanceled, MarketStalled} {
		assert.False(t, CanTransition(from, MarketCanceled), from)
		assert.False(t, CanTransition(from, MarketOpen), from)
	}
}

func TestCanPlaceBet_Deadline(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := Market{Status: MarketOpen}

	m.BettingDeadline = now.Add(-time.Second)
	assert.False(t, m.CanPlaceBet(now))

	m.BettingDeadline = now.Add(time.Second)
	assert.True(t, m.CanPlaceBet(now))

	m.BettingDeadline = now
	assert.False(t, m.CanPlaceBet(now))

	m.Status = MarketClosed
	m.BettingDeadline = now.Add(time.Hour)
	assert.False(t, m.CanPlaceBet(now))
}

func TestOutcomeKeys(t *testing.T) {
	assert.Equal(t, []string{"A", "B", "C"}, OutcomeKeys(3, false))
	assert.Equal(t, []string{"YES", "NO"}, OutcomeKeys(2, true))
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, OutcomeKeys(5, true))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "3f2a9c1e", ShortID("3f2a9c1e-0000-4000-8000-000000000000"))
	assert.Equal(t, "abc", ShortID("abc"))
	assert.Equal(t, "12345678", ShortID("12345678"))
}

func TestShortID_MultiByte(t *testing.T) {
	got := ShortID("mercado-ñandú-2026")
	assert.Equal(t, "mercado-", got)
	got = ShortID("ñandúñandú")
	assert.Equal(t, "ñandúñan", got)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 8, utf8.RuneCountInString(got))
}

func TestFormatXRP(t *testing.T) {
	assert.Equal(t, "1.500000", FormatXRP(MustAmount("1500000")))
	assert.Equal(t, "0.000000", FormatXRP(nil))
}
