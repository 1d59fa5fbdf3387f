// Package engine wires the settlement services into one Core with an
// explicit start-up and teardown.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/alejandrodnm/mitate/internal/application/betbook"
	"github.com/alejandrodnm/mitate/internal/application/escrow"
	"github.com/alejandrodnm/mitate/internal/application/ledgersync"
	"github.com/alejandrodnm/mitate/internal/application/market"
	"github.com/alejandrodnm/mitate/internal/application/scheduler"
	"github.com/alejandrodnm/mitate/internal/application/settlement"
	"github.com/alejandrodnm/mitate/internal/domain"
	"github.com/alejandrodnm/mitate/internal/ledger"
	"github.com/alejandrodnm/mitate/internal/ports"
)

// Config agrupa la configuración de todos los servicios.
type Config struct {
	Operator   string
	Issuer     string
	EscrowSeed *big.Int
	Settlement settlement.Config
	Sync       ledgersync.Config
	Scheduler  scheduler.Config
}

// Deps son los adapters que el Core no construye.
type Deps struct {
	Storage  ports.Storage
	Reader   ports.LedgerReader
	Stream   ports.LedgerStream
	Reporter ports.Reporter // opcional
}

// Core es el objeto de servicio: cada componente se crea una vez en New y se
// libera en Close. No hay estado global.
type Core struct {
	Markets    *market.Ledger
	Bets       *betbook.Book
	Escrows    *escrow.Tracker
	Settlement *settlement.Engine
	Sync       *ledgersync.Syncer
	Scheduler  *scheduler.Scheduler

	store    ports.Storage
	reporter ports.Reporter
	now      func() time.Time

	closeOnce sync.Once
	closeErr  error
}

// New crea el Core. Un operador vacío no es un error aquí: fallan solo las
// operaciones que lo necesitan.
func New(cfg Config, deps Deps) (*Core, error) {
	if deps.Storage == nil {
		return nil, fmt.Errorf("engine.New: %w: storage is required", domain.ErrValidation)
	}
	if cfg.Issuer == "" {
		cfg.Issuer = cfg.Operator
	}
	cfg.Sync.Account = cfg.Operator
	cfg.Sync.Issuer = cfg.Issuer

	builder := ledger.NewBuilder(cfg.Operator, cfg.Issuer, time.Now)
	markets := market.New(market.Config{EscrowSeed: cfg.EscrowSeed}, deps.Storage, builder)
	bets := betbook.New(deps.Storage, builder)
	escrows := escrow.New(deps.Storage)
	settle := settlement.New(cfg.Settlement, deps.Storage, escrows, builder)
	reconciler := ledgersync.NewReconciler(cfg.Operator, markets, bets, settle)
	syncer := ledgersync.New(cfg.Sync, deps.Storage, deps.Reader, deps.Stream, reconciler)

	sched, err := scheduler.New(cfg.Scheduler, markets, settle)
	if err != nil {
		return nil, fmt.Errorf("engine.New: %w", err)
	}

	return &Core{
		Markets:    markets,
		Bets:       bets,
		Escrows:    escrows,
		Settlement: settle,
		Sync:       syncer,
		Scheduler:  sched,
		store:      deps.Storage,
		reporter:   deps.Reporter,
		now:        time.Now,
	}, nil
}

// SetClock reemplaza el reloj de todos los servicios (tests).
func (c *Core) SetClock(now func() time.Time) {
	c.now = now
	c.Markets.SetClock(now)
	c.Bets.SetClock(now)
	c.Escrows.SetClock(now)
	c.Settlement.SetClock(now)
	c.Sync.SetClock(now)
}

// Run pone al día el cursor, arranca la suscripción y el scheduler, y bloquea
// hasta que ctx se cancele.
func (c *Core) Run(ctx context.Context) error {
	if err := c.Sync.Resume(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		// El stream sigue siendo útil aunque el backfill haya quedado a medias.
		slog.Error("engine: resume failed", "err", err)
	}
	if err := c.Sync.Start(ctx); err != nil {
		return fmt.Errorf("engine.Run: %w", err)
	}
	c.Scheduler.Start(ctx)

	<-ctx.Done()
	c.Scheduler.Stop()
	c.Sync.Stop()
	return nil
}

// Report arma una foto del estado de liquidación.
func (c *Core) Report(ctx context.Context) (domain.StatusReport, error) {
	cursor, syncedAt, err := c.Sync.Cursor(ctx)
	if err != nil {
		return domain.StatusReport{}, fmt.Errorf("engine.Report: %w", err)
	}
	events, err := c.store.CountEvents(ctx)
	if err != nil {
		return domain.StatusReport{}, fmt.Errorf("engine.Report: %w", err)
	}
	markets, err := c.store.ListMarkets(ctx)
	if err != nil {
		return domain.StatusReport{}, fmt.Errorf("engine.Report: %w", err)
	}

	report := domain.StatusReport{
		GeneratedAt:     c.now().UTC(),
		LastLedgerIndex: cursor,
		LastSyncTime:    syncedAt,
		EventCount:      events,
		Markets:         make([]domain.MarketSnapshot, 0, len(markets)),
	}
	for _, m := range markets {
		snap, err := c.snapshot(ctx, m)
		if err != nil {
			return domain.StatusReport{}, fmt.Errorf("engine.Report: market %s: %w", m.ID, err)
		}
		report.Markets = append(report.Markets, snap)
	}
	return report, nil
}

func (c *Core) snapshot(ctx context.Context, m domain.Market) (domain.MarketSnapshot, error) {
	outs, err := c.store.ListOutcomes(ctx, m.ID)
	if err != nil {
		return domain.MarketSnapshot{}, err
	}
	snap := domain.MarketSnapshot{
		Market:        m,
		Outcomes:      outs,
		Probabilities: domain.OutcomeProbabilities(outs),
	}

	e, err := c.Escrows.Latest(ctx, m.ID)
	switch {
	case err == nil:
		snap.Escrow = &e
	case !errors.Is(err, domain.ErrNotFound):
		return domain.MarketSnapshot{}, err
	}

	if snap.Payouts, err = c.store.ListPayouts(ctx, m.ID); err != nil {
		return domain.MarketSnapshot{}, err
	}
	return snap, nil
}

// Publish genera el reporte y lo entrega al Reporter configurado.
func (c *Core) Publish(ctx context.Context) error {
	if c.reporter == nil {
		return nil
	}
	r, err := c.Report(ctx)
	if err != nil {
		return err
	}
	return c.reporter.Report(ctx, r)
}

// Close detiene los servicios y cierra el almacenamiento. Idempotente.
func (c *Core) Close() error {
	c.closeOnce.Do(func() {
		c.Sync.Stop()
		c.closeErr = c.store.Close()
	})
	return c.closeErr
}
