package rippled

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/alejandrodnm/mitate/internal/ledger"
)

// rpcRequest es el cuerpo JSON-RPC que espera rippled: params es siempre un
// array de un solo objeto.
type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
}

// rpcStatus aparece en todo result; status "error" viene con HTTP 200.
type rpcStatus struct {
	Status       string `json:"status"`
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

type ledgerParams struct {
	LedgerIndex  any  `json:"ledger_index"`
	Transactions bool `json:"transactions,omitempty"`
	Expand       bool `json:"expand,omitempty"`
}

type ledgerResult struct {
	rpcStatus
	LedgerIndex flexUint32 `json:"ledger_index"`
	Validated   bool       `json:"validated"`
	Ledger      struct {
		LedgerIndex  flexUint32        `json:"ledger_index"`
		CloseTime    uint32            `json:"close_time"`
		Transactions []json.RawMessage `json:"transactions"`
	} `json:"ledger"`
}

// flexUint32 acepta índices de ledger como número o como string ("123"),
// rippled usa ambos según el método y la versión de API.
type flexUint32 uint32

func (f *flexUint32) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return fmt.Errorf("rippled: bad ledger index %s", b)
	}
	*f = flexUint32(v)
	return nil
}

type txMeta struct {
	TransactionResult string `json:"TransactionResult"`
}

// txEntry cubre las tres formas en que llega una transacción:
//   - ledger expandido (API v1): campos del tx + hash + metaData en el mismo objeto
//   - API v2: tx_json + meta + hash
//   - stream (v1): transaction + meta + engine_result + validated
type txEntry struct {
	Hash         string          `json:"hash"`
	TxJSON       json.RawMessage `json:"tx_json"`
	Transaction  json.RawMessage `json:"transaction"`
	Meta         *txMeta         `json:"meta"`
	MetaData     *txMeta         `json:"metaData"`
	EngineResult string          `json:"engine_result"`
	LedgerIndex  flexUint32      `json:"ledger_index"`
	Validated    bool            `json:"validated"`
	Date         uint32          `json:"date"`
}

type txInner struct {
	Hash string `json:"hash"`
	Date uint32 `json:"date"`
}

// decodeObserved convierte una entrada de tx de rippled en un ObservedTx.
func decodeObserved(raw json.RawMessage) (ledger.ObservedTx, error) {
	var e txEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return ledger.ObservedTx{}, fmt.Errorf("rippled: decode tx entry: %w", err)
	}

	body := e.TxJSON
	if len(body) == 0 {
		body = e.Transaction
	}
	if len(body) == 0 {
		body = raw
	}

	var tx ledger.Transaction
	if err := json.Unmarshal(body, &tx); err != nil {
		return ledger.ObservedTx{}, fmt.Errorf("rippled: decode transaction: %w", err)
	}
	var inner txInner
	_ = json.Unmarshal(body, &inner)

	obs := ledger.ObservedTx{
		Hash:        e.Hash,
		LedgerIndex: uint32(e.LedgerIndex),
		Validated:   e.Validated,
		Result:      e.EngineResult,
		Tx:          tx,
		CloseTime:   e.Date,
	}
	if obs.Hash == "" {
		obs.Hash = inner.Hash
	}
	if obs.CloseTime == 0 {
		obs.CloseTime = inner.Date
	}
	switch {
	case e.Meta != nil && e.Meta.TransactionResult != "":
		obs.Result = e.Meta.TransactionResult
	case e.MetaData != nil && e.MetaData.TransactionResult != "":
		obs.Result = e.MetaData.TransactionResult
	}
	if obs.Hash == "" {
		return ledger.ObservedTx{}, fmt.Errorf("rippled: transaction without hash")
	}
	return obs, nil
}

// streamMessage es cualquier mensaje recibido por el WebSocket.
type streamMessage struct {
	Type        string     `json:"type"`
	LedgerIndex flexUint32 `json:"ledger_index"`
	LedgerTime  uint32     `json:"ledger_time"`
	Status      string     `json:"status"`
	Error       string     `json:"error"`
}

type subscribeCommand struct {
	ID       int      `json:"id"`
	Command  string   `json:"command"`
	Accounts []string `json:"accounts,omitempty"`
	Streams  []string `json:"streams,omitempty"`
}
