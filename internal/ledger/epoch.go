package ledger

import "time"

// EpochOffset is the number of seconds between the Unix epoch and the ledger
// epoch (2000-01-01T00:00:00Z).
const EpochOffset = 946684800

// ToLedgerTime converts a wall-clock instant into ledger epoch seconds.
// Instants before the ledger epoch clamp to 0.
func ToLedgerTime(t time.Time) uint32 {
	s := t.Unix() - EpochOffset
	if s < 0 {
		return 0
	}
	return uint32(s)
}

// FromLedgerTime converts ledger epoch seconds back to UTC time.
func FromLedgerTime(s uint32) time.Time {
	return time.Unix(int64(s)+EpochOffset, 0).UTC()
}
