package domain

import "time"

// Trade es un fill del DEX observado on-ledger. Append-only, único por hash de oferta.
type Trade struct {
	ID          string
	MarketID    string
	OfferTxHash string
	Account     string
	TakerGets   string // JSON del amount tal como vino del ledger
	TakerPays   string
	LedgerIndex uint32
	ExecutedAt  time.Time
}
