package ledger

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/alejandrodnm/mitate/internal/domain"
)

const (
	// MemoDiscriminator tags every memo the settlement core writes.
	MemoDiscriminator = "MITATE"
	MemoFormatJSON    = "application/json"
	MemoVersion       = 1
)

// Memo is the ledger memo triple; all three fields are hex encoded.
type Memo struct {
	MemoType   string `json:"MemoType,omitempty"`
	MemoData   string `json:"MemoData,omitempty"`
	MemoFormat string `json:"MemoFormat,omitempty"`
}

// MemoWrapper is how memos are nested inside a transaction's Memos array.
type MemoWrapper struct {
	Memo Memo `json:"Memo"`
}

// MemoFields are the optional envelope fields beyond type and market id.
type MemoFields struct {
	Outcome   string `json:"outcome,omitempty"`
	OutcomeID string `json:"outcomeId,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Creator   string `json:"creator,omitempty"`
	BetID     string `json:"betId,omitempty"`
}

// MemoPayload is the decoded envelope {v, type, marketId, ...fields, timestamp}.
type MemoPayload struct {
	V        int              `json:"v"`
	Type     domain.EventType `json:"type"`
	MarketID string           `json:"marketId"`
	MemoFields
	Timestamp int64 `json:"timestamp"` // unix millis
}

// EncodeMemo builds the MITATE envelope. The timestamp is passed in so that
// encoding is deterministic.
func EncodeMemo(typ domain.EventType, marketID string, fields MemoFields, ts time.Time) Memo {
	payload := MemoPayload{
		V:          MemoVersion,
		Type:       typ,
		MarketID:   marketID,
		MemoFields: fields,
		Timestamp:  ts.UnixMilli(),
	}
	// MemoPayload has only string and integer fields; Marshal cannot fail.
	data, _ := json.Marshal(payload)
	return Memo{
		MemoType:   hexUpper([]byte(MemoDiscriminator)),
		MemoData:   hexUpper(data),
		MemoFormat: hexUpper([]byte(MemoFormatJSON)),
	}
}

// DecodeMemo never fails loudly: anything that is not a version-1 MITATE
// envelope with a known type yields ok=false.
func DecodeMemo(m Memo) (payload MemoPayload, ok bool) {
	typ, err := hex.DecodeString(m.MemoType)
	if err != nil || string(typ) != MemoDiscriminator {
		return MemoPayload{}, false
	}
	data, err := hex.DecodeString(m.MemoData)
	if err != nil || len(data) == 0 {
		return MemoPayload{}, false
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return MemoPayload{}, false
	}
	if payload.V != MemoVersion || !payload.Type.Valid() {
		return MemoPayload{}, false
	}
	return payload, true
}

// FindEnvelope returns the first recognized envelope among a transaction's memos.
func FindEnvelope(memos []MemoWrapper) (MemoPayload, bool) {
	for _, w := range memos {
		if p, ok := DecodeMemo(w.Memo); ok {
			return p, true
		}
	}
	return MemoPayload{}, false
}

// RawJSON re-serializes a decoded payload for storage.
func (p MemoPayload) RawJSON() json.RawMessage {
	data, _ := json.Marshal(p)
	return data
}

func hexUpper(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
