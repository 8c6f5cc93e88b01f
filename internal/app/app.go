package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirinyoku/tix-bus/internal/auth"
	"github.com/kirinyoku/tix-bus/internal/clock"
	"github.com/kirinyoku/tix-bus/internal/config"
	"github.com/kirinyoku/tix-bus/internal/notify"
	provider "github.com/kirinyoku/tix-bus/internal/payment"
	"github.com/kirinyoku/tix-bus/internal/payment/card"
	"github.com/kirinyoku/tix-bus/internal/payment/cash"
	"github.com/kirinyoku/tix-bus/internal/payment/mobilemoney"
	"github.com/kirinyoku/tix-bus/internal/payment/paypal"
	"github.com/kirinyoku/tix-bus/internal/postgres"
	redisx "github.com/kirinyoku/tix-bus/internal/redis"
	"github.com/kirinyoku/tix-bus/internal/repository"
	"github.com/kirinyoku/tix-bus/internal/repository/memory"
	postgresrepo "github.com/kirinyoku/tix-bus/internal/repository/postgres"
	redisrepo "github.com/kirinyoku/tix-bus/internal/repository/redis"
	"github.com/kirinyoku/tix-bus/internal/service"
	"github.com/kirinyoku/tix-bus/internal/service/hold"
	"github.com/kirinyoku/tix-bus/internal/service/payment"
	"github.com/kirinyoku/tix-bus/internal/service/query"
	"github.com/kirinyoku/tix-bus/internal/service/sweeper"
	"github.com/kirinyoku/tix-bus/internal/ticket"
	httpgin "github.com/kirinyoku/tix-bus/internal/transport/http/gin"
	"github.com/kirinyoku/tix-bus/internal/uow"
)

type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	httpServer *http.Server
	services   *service.Services
	pubsub     *redisx.DeparturesPubSub
	closers    []func() error
}

func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx := context.Background()
	a := &App{cfg: cfg, logger: logger}

	// Initialize storage
	store, txUoW, err := a.openStore(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	deps := service.Deps{
		Store: store,
		Clock: clock.NewSystem(),
		Log:   logger,
		UoW:   txUoW,
	}

	// Redis-backed collaborators are optional
	var idem httpgin.IdempotencyStore
	if cfg.Redis.Addr != "" {
		rdb, err := redisx.New(ctx, redisx.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to initialize redis: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)

		deps.Cache = redisrepo.NewCache(rdb)
		a.pubsub = redisx.NewDeparturesPubSub(rdb)
		deps.Changes = redisrepo.NewChangeFanout(deps.Cache, a.pubsub, logger)
		if cfg.Hold.RatePerMinute > 0 {
			deps.Limiter = redisrepo.NewSlidingWindowLimiter(rdb, "holds", cfg.Hold.RatePerMinute, time.Minute)
		}
		idem = redisrepo.NewIdempotencyStore(rdb, 24*time.Hour)

		if cfg.Notify.Transport == config.NotifyRedisStream {
			stream, err := notify.NewRedisStream(rdb, cfg.Notify.StreamTopic, logger)
			if err != nil {
				a.close()
				return nil, fmt.Errorf("failed to initialize notifications: %w", err)
			}
			a.closers = append(a.closers, stream.Close)
			deps.Notifier = stream
		}
	} else {
		logger.Warn("redis disabled: no availability cache, hold rate limit or HTTP idempotency replay")
	}

	switch cfg.Notify.Transport {
	case config.NotifyAMQP:
		mq := notify.NewAMQP(cfg.Notify.RabbitMQURL, cfg.Notify.Queue)
		a.closers = append(a.closers, mq.Close)
		deps.Notifier = mq
	case config.NotifyLog:
		deps.Notifier = notify.NewLog(logger)
	}

	deps.Gateways = gateways(cfg.Payment, logger)

	if cfg.Ticket.RendererURL != "" {
		deps.Renderer = ticket.NewHTTPRenderer(cfg.Ticket.RendererURL, &http.Client{Timeout: cfg.Payment.ProviderTimeout})
	}

	// Initialize services
	a.services = service.NewServices(deps, service.Config{
		Hold: hold.Config{
			DefaultTTL: cfg.Hold.DefaultTTL,
			MinHoldTTL: cfg.Hold.MinTTL,
			MaxHoldTTL: cfg.Hold.MaxTTL,
		},
		Payment:        payment.Config{LockTTL: cfg.Payment.LockTTL},
		Query:          query.Config{},
		Sweeper:        sweeper.Config{Interval: cfg.Sweeper.Interval},
		TicketSecret:   []byte(cfg.Ticket.SigningSecret),
		TicketValidity: cfg.Ticket.Validity,
	})

	tokens := auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL,
		auth.WithGuestTTL(cfg.Auth.GuestTokenTTL))

	// Initialize Gin router
	router := httpgin.NewRouter(a.services, tokens, idem, logger)

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

func (a *App) openStore(ctx context.Context) (repository.Store, *uow.UoW, error) {
	if a.cfg.Store == config.StoreMemory {
		a.logger.Warn("using the in-memory store: state is lost on restart")
		store := memory.NewStore()
		return store, uow.New(store), nil
	}

	pool, err := postgres.New(ctx, postgres.Config{
		DSN:      a.cfg.Postgres.DSN(),
		MaxConns: a.cfg.Postgres.MaxConns,
		Migrate:  a.cfg.Postgres.AutoMigrate,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize postgres: %w", err)
	}
	a.closers = append(a.closers, func() error { pool.Close(); return nil })

	store := postgresrepo.NewStore(pool)

	return store, uow.New(store, uow.WithRetry(3, 25*time.Millisecond, postgresrepo.IsRetryable)), nil
}

// gateways registers every configured provider behind a call timeout. Cash
// needs no credentials and is always available.
func gateways(cfg config.PaymentConfig, logger *slog.Logger) *provider.Registry {
	client := &http.Client{Timeout: cfg.ProviderTimeout + time.Second}
	gws := []provider.Gateway{cash.New()}

	if cfg.Card.APIKey != "" {
		gws = append(gws, card.New(card.Config{
			APIKey:        cfg.Card.APIKey,
			WebhookSecret: cfg.Card.WebhookSecret,
			BaseURL:       cfg.Card.BaseURL,
			ReturnURL:     cfg.ReturnURL,
			HTTPClient:    client,
		}))
	}

	if cfg.PayPal.ClientID != "" {
		gws = append(gws, paypal.New(paypal.Config{
			ClientID:     cfg.PayPal.ClientID,
			ClientSecret: cfg.PayPal.ClientSecret,
			BaseURL:      cfg.PayPal.BaseURL,
			ReturnURL:    cfg.ReturnURL,
			CancelURL:    cfg.ReturnURL,
			WebhookID:    cfg.PayPal.WebhookID,
			HTTPClient:   client,
		}))
	}

	if cfg.MobileMoney.BaseURL != "" {
		gws = append(gws, mobilemoney.New(mobilemoney.Config{
			APIKey:        cfg.MobileMoney.APIKey,
			WebhookSecret: cfg.MobileMoney.WebhookSecret,
			BaseURL:       cfg.MobileMoney.BaseURL,
			CallbackURL:   cfg.MobileMoney.CallbackURL,
			HTTPClient:    client,
		}))
	}

	for i, gw := range gws {
		gws[i] = provider.Timeout(gw, cfg.ProviderTimeout)
	}

	reg := provider.NewRegistry(gws...)
	logger.Info("payment methods enabled", slog.Any("methods", reg.Methods()))

	return reg
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	defer a.close()

	g, gCtx := errgroup.WithContext(ctx)

	// Start HTTP server
	g.Go(func() error {
		a.logger.Info("HTTP server listening", "host", a.cfg.Server.Host, "port", a.cfg.Server.Port)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	})

	// Expiration sweeper
	g.Go(func() error {
		if err := a.services.Sweeper.Start(gCtx); err != nil {
			return err
		}
		<-gCtx.Done()
		a.services.Sweeper.Stop()
		return nil
	})

	// Departure changes from every instance feed the local SSE watchers
	if a.pubsub != nil {
		g.Go(func() error {
			err := a.pubsub.Subscribe(gCtx, a.services.Query.DepartureChanged)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("departure changes subscription: %w", err)
			}
			return nil
		})
	}

	// Graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutting down HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(ctx)
	})

	return g.Wait()
}

// close releases resources in reverse order of acquisition.
func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && !errors.Is(err, io.EOF) {
			a.logger.Warn("close failed", slog.Any("err", err))
		}
	}
	a.closers = nil
}
