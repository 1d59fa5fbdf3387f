package ports

import (
	"context"

	"github.com/alejandrodnm/mitate/internal/ledger"
)

// LedgerReader fetches historical ledgers over the RPC interface.
type LedgerReader interface {
	// LedgerTransactions returns every transaction included in ledger index.
	LedgerTransactions(ctx context.Context, index uint32) ([]ledger.ObservedTx, error)
	// LatestValidatedLedger returns the newest validated ledger index.
	LatestValidatedLedger(ctx context.Context) (uint32, error)
}

// LedgerStream delivers the live transaction stream for a set of accounts
// plus validated ledger-close notices.
type LedgerStream interface {
	// Stream subscribes and writes messages to out until ctx is done or the
	// connection drops. Writes block when out is full. It unsubscribes before
	// returning on ctx cancellation.
	Stream(ctx context.Context, accounts []string, out chan<- ledger.StreamMessage) error
}
