package domain

import "errors"

// Error classes shared by every settlement operation. Callers match them with
// errors.Is; operations wrap them with the specific reason.
var (
	// ErrValidation: bad input or wrong-status operation. No state was mutated.
	ErrValidation = errors.New("validation failed")
	// ErrConflict: duplicate tx hash, double confirmation or a lost race.
	// Existing state is untouched; retry with fresh input.
	ErrConflict = errors.New("conflict")
	ErrNotFound = errors.New("not found")
	// ErrLedger: the external ledger could not be reached or answered badly.
	ErrLedger = errors.New("ledger unavailable")
)
