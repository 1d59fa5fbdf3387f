// Package scheduler runs the periodic market sweeps: closing markets whose
// betting deadline passed and finalizing fully paid resolutions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/mitate/internal/domain"
	"github.com/robfig/cron/v3"
)

const (
	DefaultCloseSpec    = "*/15 * * * * *"
	DefaultFinalizeSpec = "0 * * * * *"
)

// Closer cierra los mercados vencidos.
type Closer interface {
	CloseExpired(ctx context.Context) (int, error)
}

// Finalizer pasa a Paid los mercados resueltos sin payouts pendientes.
type Finalizer interface {
	FinalizeResolved(ctx context.Context) (int, error)
}

// Config usa specs de cron con segundos.
type Config struct {
	CloseSpec    string
	FinalizeSpec string
}

// Scheduler agenda los barridos con robfig/cron.
type Scheduler struct {
	cron      *cron.Cron
	closer    Closer
	finalizer Finalizer
	baseCtx   context.Context
}

// New valida los specs y registra los jobs. No arranca nada hasta Start.
func New(cfg Config, closer Closer, finalizer Finalizer) (*Scheduler, error) {
	if cfg.CloseSpec == "" {
		cfg.CloseSpec = DefaultCloseSpec
	}
	if cfg.FinalizeSpec == "" {
		cfg.FinalizeSpec = DefaultFinalizeSpec
	}
	s := &Scheduler{
		cron:      cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		closer:    closer,
		finalizer: finalizer,
		baseCtx:   context.Background(),
	}
	if _, err := s.cron.AddFunc(cfg.CloseSpec, func() { s.closeExpired(s.baseCtx) }); err != nil {
		return nil, fmt.Errorf("scheduler.New: %w: close spec %q: %v", domain.ErrValidation, cfg.CloseSpec, err)
	}
	if _, err := s.cron.AddFunc(cfg.FinalizeSpec, func() { s.finalize(s.baseCtx) }); err != nil {
		return nil, fmt.Errorf("scheduler.New: %w: finalize spec %q: %v", domain.ErrValidation, cfg.FinalizeSpec, err)
	}
	return s, nil
}

// Start arranca el cron; los jobs usan ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.baseCtx = ctx
	s.cron.Start()
	slog.Info("scheduler: started", "jobs", len(s.cron.Entries()))
}

// Stop detiene el cron y espera a los jobs en curso.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("scheduler: stopped")
}

// RunOnce ejecuta ambos barridos ahora, en orden.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	_, errClose := s.closer.CloseExpired(ctx)
	_, errFinal := s.finalizer.FinalizeResolved(ctx)
	return errors.Join(errClose, errFinal)
}

func (s *Scheduler) closeExpired(ctx context.Context) {
	n, err := s.closer.CloseExpired(ctx)
	if err != nil {
		slog.Error("scheduler: close sweep failed", "err", err)
		return
	}
	if n > 0 {
		slog.Info("scheduler: markets closed", "count", n)
	}
}

func (s *Scheduler) finalize(ctx context.Context) {
	n, err := s.finalizer.FinalizeResolved(ctx)
	if err != nil {
		slog.Error("scheduler: finalize sweep failed", "err", err)
		return
	}
	if n > 0 {
		slog.Info("scheduler: markets paid", "count", n)
	}
}
