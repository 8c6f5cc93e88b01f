// Package sweeper periodically reclaims stale holds and chases payment
// attempts whose providers never called back.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/kirinyoku/tix-bus/internal/clock"
	"github.com/kirinyoku/tix-bus/internal/domain"
	"github.com/kirinyoku/tix-bus/internal/repository"
	"github.com/kirinyoku/tix-bus/internal/service/payment"
)

type Releaser interface {
	Release(ctx context.Context, id uuid.UUID, reason domain.ReservationState) (*domain.Reservation, error)
}

type Reconciler interface {
	ReconcilePending(ctx context.Context, olderThan time.Duration, limit int) (payment.ReconcileReport, error)
}

type Config struct {
	Interval time.Duration
	// BatchSize caps how many holds and attempts one run touches.
	BatchSize int
	// ReconcileAfter is how long an attempt may sit untouched before it is
	// verified again.
	ReconcileAfter time.Duration
}

type Report struct {
	Expired      int
	Skipped      int
	Failed       int
	CartsExpired int64
	Payments     payment.ReconcileReport
}

type Sweeper struct {
	reservations repository.ReservationRepository
	carts        repository.CartRepository
	holds        Releaser
	payments     Reconciler
	clock        clock.Clock
	log          *slog.Logger
	cfg          Config

	running sync.Mutex
	cron    *cron.Cron
}

func New(
	store repository.Store,
	holds Releaser,
	payments Reconciler,
	clk clock.Clock,
	log *slog.Logger,
	cfg Config,
) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}

	if cfg.ReconcileAfter <= 0 {
		cfg.ReconcileAfter = 2 * time.Minute
	}

	return &Sweeper{
		reservations: store.Reservations(),
		carts:        store.Carts(),
		holds:        holds,
		payments:     payments,
		clock:        clk,
		log:          log.With(slog.String("component", "sweeper")),
		cfg:          cfg,
	}
}

// ErrBusy is returned when a run is already in progress.
var ErrBusy = errors.New("sweep already running")

// RunOnce expires stale holds, closes drained carts and reconciles stale
// payment attempts. Every write is conditioned on the reservation still being
// pending, so overlapping runs and racing confirmations are harmless.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	const op = "service.sweeper.RunOnce"

	if !s.running.TryLock() {
		return Report{}, fmt.Errorf("%s: %w", op, ErrBusy)
	}
	defer s.running.Unlock()

	var rep Report

	stale, err := s.reservations.ListExpirable(ctx, s.clock.Now(), s.cfg.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("%s: %w", op, err)
	}

	for _, r := range stale {
		if err := ctx.Err(); err != nil {
			return rep, fmt.Errorf("%s: %w", op, err)
		}

		out, err := s.holds.Release(ctx, r.ID, domain.StateExpired)
		if err != nil {
			rep.Failed++
			s.log.Warn("expire hold failed", slog.String("reservation_id", r.ID.String()), slog.Any("err", err))
			continue
		}

		if out.State == domain.StateExpired && out.ReleasedAt != nil {
			rep.Expired++
		} else {
			rep.Skipped++
		}
	}

	if rep.CartsExpired, err = s.carts.SettleDrained(ctx); err != nil {
		return rep, fmt.Errorf("%s: %w", op, err)
	}

	if s.payments != nil {
		if rep.Payments, err = s.payments.ReconcilePending(ctx, s.cfg.ReconcileAfter, s.cfg.BatchSize); err != nil {
			return rep, fmt.Errorf("%s: %w", op, err)
		}
	}

	return rep, nil
}

// Start schedules RunOnce every Interval until Stop.
func (s *Sweeper) Start(ctx context.Context) error {
	const op = "service.sweeper.Start"

	logger := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	schedule := fmt.Sprintf("@every %s", s.cfg.Interval)
	if _, err := c.AddFunc(schedule, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.cron = c
	c.Start()

	s.log.Info("sweeper started", slog.Duration("interval", s.cfg.Interval))

	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.log.Info("sweeper stopped")
}

func (s *Sweeper) tick(ctx context.Context) {
	began := time.Now()

	rep, err := s.RunOnce(ctx)
	if err != nil {
		if errors.Is(err, ErrBusy) || errors.Is(err, context.Canceled) {
			return
		}
		s.log.Error("sweep failed", slog.Any("err", err))
		return
	}

	if rep.Expired == 0 && rep.CartsExpired == 0 && rep.Payments.Checked == 0 {
		return
	}

	s.log.Info("sweep done",
		slog.Int("expired", rep.Expired),
		slog.Int("skipped", rep.Skipped),
		slog.Int64("carts_expired", rep.CartsExpired),
		slog.Int("payments_checked", rep.Payments.Checked),
		slog.Int("payments_confirmed", rep.Payments.Confirmed),
		slog.Duration("took", time.Since(began)),
	)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "err", err)...)
}
