package rippled

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/mitate/internal/domain"
	"github.com/alejandrodnm/mitate/internal/ledger"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Stream es la suscripción WebSocket a rippled. Cada llamada a Stream abre su
// propia conexión; la reconexión la decide el llamador.
type Stream struct {
	url    string
	dialer websocket.Dialer
}

// NewStream crea un Stream contra wsURL (ws:// o wss://).
func NewStream(wsURL string) *Stream {
	return &Stream{
		url:    wsURL,
		dialer: websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}
}

// Stream se suscribe a las transacciones de accounts y al stream de ledgers y
// escribe cada mensaje en out hasta que ctx termine o la conexión caiga.
// Devuelve ctx.Err() al cancelar, tras desuscribirse.
func (s *Stream) Stream(ctx context.Context, accounts []string, out chan<- ledger.StreamMessage) error {
	if len(accounts) == 0 {
		return fmt.Errorf("%w: rippled/ws: no accounts to subscribe", domain.ErrValidation)
	}
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("%w: rippled/ws: connect: %v", domain.ErrLedger, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	sub := subscribeCommand{ID: 1, Command: "subscribe", Accounts: accounts, Streams: []string{"ledger"}}
	if err := writeJSON(conn, sub); err != nil {
		return fmt.Errorf("%w: rippled/ws: subscribe: %v", domain.ErrLedger, err)
	}
	slog.Info("rippled/ws: subscribed", "url", s.url, "accounts", accounts)

	done := make(chan struct{})
	defer close(done)

	// La única otra escritura de datos es el unsubscribe: ocurre acá, después
	// del subscribe, así que no compite con ningún otro writer.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				unsub := sub
				unsub.ID, unsub.Command = 2, "unsubscribe"
				_ = writeJSON(conn, unsub)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				conn.Close() // desbloquea ReadMessage
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: rippled/ws: read: %v", domain.ErrLedger, err)
		}

		msg, ok, err := parseStreamMessage(data)
		if err != nil {
			slog.Warn("rippled/ws: dropping malformed message", "err", err)
			continue
		}
		if !ok {
			continue
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// parseStreamMessage devuelve ok=false para mensajes que no se reenvían
// (respuestas a comandos, validaciones, etc).
func parseStreamMessage(data []byte) (ledger.StreamMessage, bool, error) {
	var head streamMessage
	if err := json.Unmarshal(data, &head); err != nil {
		return ledger.StreamMessage{}, false, err
	}

	switch head.Type {
	case "ledgerClosed":
		return ledger.StreamMessage{
			Kind:        ledger.StreamLedgerClosed,
			LedgerIndex: uint32(head.LedgerIndex),
			LedgerTime:  head.LedgerTime,
		}, true, nil

	case "transaction":
		obs, err := decodeObserved(data)
		if err != nil {
			return ledger.StreamMessage{}, false, err
		}
		return ledger.StreamMessage{Kind: ledger.StreamTransaction, Tx: obs}, true, nil

	case "response":
		if head.Status == "error" {
			return ledger.StreamMessage{}, false, fmt.Errorf("command failed: %s", head.Error)
		}
	}
	return ledger.StreamMessage{}, false, nil
}

func writeJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
