package ledger

import (
	"encoding/json"
	"errors"
)

// TxType is the ledger transaction kind.
type TxType string

const (
	TxEscrowCreate TxType = "EscrowCreate"
	TxEscrowFinish TxType = "EscrowFinish"
	TxEscrowCancel TxType = "EscrowCancel"
	TxPayment      TxType = "Payment"
	TxTrustSet     TxType = "TrustSet"
	TxOfferCreate  TxType = "OfferCreate"
)

// ErrMissingAccount is returned by builders that need an operator or issuer
// address the configuration does not provide.
var ErrMissingAccount = errors.New("ledger: account not configured")

// Transaction is an unsigned ledger transaction. Field names follow the
// ledger's JSON casing; unset fields are omitted. Sequence, Fee and signing
// fields are filled in by the external signer.
type Transaction struct {
	TransactionType TxType        `json:"TransactionType"`
	Account         string        `json:"Account"`
	Destination     string        `json:"Destination,omitempty"`
	Amount          *Amount       `json:"Amount,omitempty"`
	Owner           string        `json:"Owner,omitempty"`
	OfferSequence   uint32        `json:"OfferSequence,omitempty"`
	CancelAfter     uint32        `json:"CancelAfter,omitempty"`
	FinishAfter     uint32        `json:"FinishAfter,omitempty"`
	LimitAmount     *Amount       `json:"LimitAmount,omitempty"`
	TakerGets       *Amount       `json:"TakerGets,omitempty"`
	TakerPays       *Amount       `json:"TakerPays,omitempty"`
	Expiration      uint32        `json:"Expiration,omitempty"`
	Flags           uint32        `json:"Flags,omitempty"`
	Sequence        uint32        `json:"Sequence,omitempty"`
	Fee             string        `json:"Fee,omitempty"`
	Memos           []MemoWrapper `json:"Memos,omitempty"`
}

// JSON serializes the transaction for the external signer.
func (t Transaction) JSON() ([]byte, error) {
	return json.Marshal(t)
}

// Envelope returns the MITATE payload attached to the transaction, if any.
func (t Transaction) Envelope() (MemoPayload, bool) {
	return FindEnvelope(t.Memos)
}

// ObservedTx is a transaction as reported by the ledger after inclusion.
type ObservedTx struct {
	Hash        string
	LedgerIndex uint32
	Validated   bool
	Result      string // engine result, "tesSUCCESS" on success
	Tx          Transaction
	CloseTime   uint32 // ledger epoch seconds, 0 when unknown
}

// Succeeded reports whether the transaction was validated and applied.
func (o ObservedTx) Succeeded() bool {
	return o.Validated && o.Result == "tesSUCCESS"
}

// StreamKind discriminates live stream messages.
type StreamKind int

const (
	StreamTransaction StreamKind = iota + 1
	StreamLedgerClosed
)

// StreamMessage is one item delivered by the live subscription.
type StreamMessage struct {
	Kind        StreamKind
	Tx          ObservedTx // StreamTransaction
	LedgerIndex uint32     // StreamLedgerClosed
	LedgerTime  uint32
}
