// Package ledgersync ingests confirmed ledger transactions that carry a
// MITATE memo, from the live stream and from historical backfills, and keeps
// the durable sync cursor.
package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/alejandrodnm/mitate/internal/domain"
	"github.com/alejandrodnm/mitate/internal/ledger"
	"github.com/alejandrodnm/mitate/internal/ports"
)

// Store es lo que el Syncer necesita del almacenamiento.
type Store interface {
	ports.EventStore
	ports.TradeStore
	ports.StateStore
}

// Handler recibe cada evento reconocido después de persistirlo. Un evento se
// entrega hasta que el Handler lo acepta o lo rechaza con un error permanente
// (ErrValidation, ErrConflict, ErrNotFound); cualquier otro error se reintenta.
type Handler interface {
	Handle(ctx context.Context, tx ledger.ObservedTx, env ledger.MemoPayload) error
}

// Config contiene la configuración del Syncer.
type Config struct {
	Account         string // cuenta del operador a suscribir
	Issuer          string // emisora de tokens; se suscribe también si es distinta
	QueueSize       int
	CheckpointEvery uint32 // ledgers entre checkpoints del cursor en backfill
	MaxRetries      int
	RetryWait       time.Duration // espera inicial; se duplica en cada intento
	MaxBackoff      time.Duration
	StartLedger     uint32 // usado por Resume cuando no hay cursor
}

func (c *Config) setDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.CheckpointEvery == 0 {
		c.CheckpointEvery = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryWait <= 0 {
		c.RetryWait = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

func (c Config) accounts() []string {
	if c.Issuer == "" || c.Issuer == c.Account {
		return []string{c.Account}
	}
	return []string{c.Account, c.Issuer}
}

// streamConnected marca en la cola el inicio de cada conexión del stream.
const streamConnected ledger.StreamKind = -1

// unappliedBatch limita cuántos eventos pendientes se reintentan por pasada.
const unappliedBatch = 100

// Syncer es el LedgerSync.
type Syncer struct {
	cfg     Config
	store   Store
	reader  ports.LedgerReader
	stream  ports.LedgerStream
	handler Handler
	now     func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New crea un Syncer. handler puede ser nil (solo ingesta).
func New(cfg Config, store Store, reader ports.LedgerReader, stream ports.LedgerStream, handler Handler) *Syncer {
	cfg.setDefaults()
	return &Syncer{
		cfg:     cfg,
		store:   store,
		reader:  reader,
		stream:  stream,
		handler: handler,
		now:     time.Now,
	}
}

// SetClock reemplaza el reloj (tests).
func (s *Syncer) SetClock(now func() time.Time) {
	s.now = now
}

// Start suscribe las cuentas del operador y del emisor y arranca el loop de
// procesamiento. Retorna enseguida; los mensajes se procesan en orden en una
// sola goroutine.
func (s *Syncer) Start(ctx context.Context) error {
	if s.cfg.Account == "" {
		return fmt.Errorf("ledgersync.Start: %w: operator address is required", domain.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("ledgersync.Start: %w: already running", domain.ErrConflict)
	}

	runCtx, cancel := context.WithCancel(ctx)
	msgs := make(chan ledger.StreamMessage, s.cfg.QueueSize)
	done := make(chan struct{})

	go func() {
		defer close(msgs)
		s.subscribe(runCtx, msgs)
	}()
	go func() {
		defer close(done)
		s.consume(runCtx, msgs)
	}()

	s.running = true
	s.cancel = cancel
	s.done = done
	slog.Info("ledgersync: started", "accounts", s.cfg.accounts(), "queue", s.cfg.QueueSize)
	return nil
}

// Stop cancela la suscripción y espera a que el loop vacíe la cola.
// Es seguro llamarlo sin Start.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
	slog.Info("ledgersync: stopped")
}

// Running indica si la suscripción está activa.
func (s *Syncer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// subscribe mantiene la suscripción viva, reconectando con backoff
// exponencial hasta que ctx se cancele.
func (s *Syncer) subscribe(ctx context.Context, out chan<- ledger.StreamMessage) {
	wait := s.cfg.RetryWait
	for {
		select {
		case out <- ledger.StreamMessage{Kind: streamConnected}:
		case <-ctx.Done():
			return
		}
		started := s.now()
		err := s.stream.Stream(ctx, s.cfg.accounts(), out)
		if ctx.Err() != nil {
			return
		}
		if s.now().Sub(started) > s.cfg.MaxBackoff {
			wait = s.cfg.RetryWait
		}
		slog.Warn("ledgersync: stream dropped, reconnecting", "err", err, "retry_in", wait)
		if !sleep(ctx, wait) {
			return
		}
		wait = min(wait*2, s.cfg.MaxBackoff)
	}
}

// consume procesa la cola en orden. rippled publica ledgerClosed N antes de
// las transacciones de N, así que al recibirlo los ledgers < N están completos
// y el cursor avanza a N-1. Antes de avanzar se rellena desde RPC lo que el
// stream no cubrió: el hueco entre el cursor y la primera conexión (o una
// reconexión), y los ledgers con transacciones que fallaron al persistirse.
// El cursor nunca pasa de un ledger pendiente de reparación.
func (s *Syncer) consume(ctx context.Context, msgs <-chan ledger.StreamMessage) {
	work := context.WithoutCancel(ctx) // la cola se vacía aunque se cancele
	var (
		fresh  bool   // aún no llegó el primer ledgerClosed de esta conexión
		repair uint32 // primer ledger a reprocesar por RPC; 0 = ninguno
	)
	for msg := range msgs {
		switch msg.Kind {
		case streamConnected:
			fresh = true

		case ledger.StreamTransaction:
			if _, err := s.processTx(work, msg.Tx); err != nil {
				slog.Error("ledgersync: process tx failed", "tx", msg.Tx.Hash, "ledger", msg.Tx.LedgerIndex, "err", err)
				repair = lowest(repair, msg.Tx.LedgerIndex)
			}

		case ledger.StreamLedgerClosed:
			if msg.LedgerIndex < 2 {
				continue
			}
			target := msg.LedgerIndex - 1
			if fresh {
				cursor, _, err := s.Cursor(work)
				if err != nil {
					slog.Error("ledgersync: read cursor failed", "err", err)
					continue
				}
				fresh = false
				if cursor > 0 && cursor < target {
					repair = lowest(repair, cursor+1)
				}
			}
			if repair != 0 && repair <= target {
				slog.Info("ledgersync: repairing ledgers", "from", repair, "to", target)
				reached, err := s.backfill(ctx, repair, target)
				if reached >= repair {
					repair = reached + 1
				}
				if err != nil || reached < target {
					slog.Warn("ledgersync: repair incomplete, cursor held", "next", repair, "target", target, "err", err)
					continue
				}
				repair = 0
			}
			if err := s.checkpoint(work, target); err != nil {
				slog.Error("ledgersync: checkpoint failed", "ledger", target, "err", err)
			}
			if _, err := s.RetryUnapplied(work); err != nil {
				slog.Error("ledgersync: retry unapplied failed", "err", err)
			}
		}
	}
}

func lowest(cur, idx uint32) uint32 {
	if cur == 0 || idx < cur {
		return idx
	}
	return cur
}

// checkpoint persiste el cursor; nunca retrocede.
func (s *Syncer) checkpoint(ctx context.Context, index uint32) error {
	moved, err := s.store.AdvanceLedgerCursor(ctx, index, s.now())
	if err != nil {
		return err
	}
	if moved {
		slog.Debug("ledgersync: cursor advanced", "ledger", index)
	}
	return nil
}

// Cursor devuelve el último ledger procesado y cuándo se registró.
func (s *Syncer) Cursor(ctx context.Context) (index uint32, syncedAt time.Time, err error) {
	v, found, err := s.store.GetState(ctx, domain.StateLastLedgerIndex)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("ledgersync.Cursor: %w", err)
	}
	if !found {
		return 0, time.Time{}, nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("ledgersync.Cursor: bad cursor %q: %w", v, err)
	}
	if t, ok, _ := s.store.GetState(ctx, domain.StateLastSyncTime); ok {
		syncedAt, _ = time.Parse(time.RFC3339Nano, t)
	}
	return uint32(n), syncedAt, nil
}

// Backfill procesa en orden los ledgers [start, end], sin pasar del último
// ledger validado. El cursor se persiste cada CheckpointEvery ledgers y al
// final. Ante un error de RPC que agota los reintentos devuelve el error con
// el cursor en el último checkpoint.
func (s *Syncer) Backfill(ctx context.Context, start, end uint32) error {
	if start == 0 || start > end {
		return fmt.Errorf("ledgersync.Backfill: %w: bad range %d..%d", domain.ErrValidation, start, end)
	}
	reached, err := s.backfill(ctx, start, end)
	if err != nil {
		return fmt.Errorf("ledgersync.Backfill: %w", err)
	}
	if reached < end {
		slog.Warn("ledgersync: backfill stopped at latest validated ledger", "requested", end, "reached", reached)
	}
	return nil
}

// backfill devuelve el último ledger procesado por completo (start-1 si
// ninguno).
func (s *Syncer) backfill(ctx context.Context, start, end uint32) (uint32, error) {
	reached := start - 1
	latest, err := s.reader.LatestValidatedLedger(ctx)
	if err != nil {
		return reached, fmt.Errorf("latest validated ledger: %w", err)
	}
	if end > latest {
		end = latest
	}
	if start > end {
		return reached, nil
	}
	slog.Info("ledgersync: backfill starting", "from", start, "to", end)

	events := 0
	for idx := start; ; idx++ {
		txs, err := s.fetch(ctx, idx)
		if err != nil {
			return reached, fmt.Errorf("ledger %d: %w", idx, err)
		}
		for _, tx := range txs {
			ok, err := s.processTx(ctx, tx)
			if err != nil {
				return reached, fmt.Errorf("ledger %d: %w", idx, err)
			}
			if ok {
				events++
			}
		}
		reached = idx
		if (idx-start+1)%s.cfg.CheckpointEvery == 0 || idx == end {
			if err := s.checkpoint(ctx, idx); err != nil {
				return reached, err
			}
		}
		if idx == end {
			break
		}
	}
	slog.Info("ledgersync: backfill complete", "from", start, "to", end, "events", events)
	return reached, nil
}

// Resume hace backfill desde el cursor hasta el último ledger validado y
// reintenta los eventos que quedaron sin aplicar. Sin cursor empieza en
// Config.StartLedger; si tampoco hay, en el último validado.
func (s *Syncer) Resume(ctx context.Context) error {
	latest, err := s.reader.LatestValidatedLedger(ctx)
	if err != nil {
		return fmt.Errorf("ledgersync.Resume: %w", err)
	}
	cursor, _, err := s.Cursor(ctx)
	if err != nil {
		return err
	}

	var from uint32
	switch {
	case cursor > 0:
		from = cursor + 1
	case s.cfg.StartLedger > 0:
		from = s.cfg.StartLedger
	default:
		from = latest
	}
	if from == 0 || from > latest {
		slog.Debug("ledgersync: cursor up to date", "cursor", cursor, "latest", latest)
	} else if err := s.Backfill(ctx, from, latest); err != nil {
		return err
	}
	if _, err := s.RetryUnapplied(ctx); err != nil {
		return fmt.Errorf("ledgersync.Resume: %w", err)
	}
	return nil
}

func (s *Syncer) fetch(ctx context.Context, index uint32) ([]ledger.ObservedTx, error) {
	wait := s.cfg.RetryWait
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("ledgersync: retrying ledger fetch", "ledger", index, "attempt", attempt, "err", lastErr)
			if !sleep(ctx, wait) {
				return nil, ctx.Err()
			}
			wait = min(wait*2, s.cfg.MaxBackoff)
		}
		txs, err := s.reader.LedgerTransactions(ctx, index)
		if err == nil {
			return txs, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// sleep espera d o hasta que ctx se cancele. Devuelve false si se canceló.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
