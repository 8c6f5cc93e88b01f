package service

import (
	"log/slog"
	"time"

	"github.com/kirinyoku/tix-bus/internal/clock"
	"github.com/kirinyoku/tix-bus/internal/notify"
	provider "github.com/kirinyoku/tix-bus/internal/payment"
	"github.com/kirinyoku/tix-bus/internal/repository"
	redisrepo "github.com/kirinyoku/tix-bus/internal/repository/redis"
	"github.com/kirinyoku/tix-bus/internal/service/admin"
	"github.com/kirinyoku/tix-bus/internal/service/hold"
	"github.com/kirinyoku/tix-bus/internal/service/payment"
	"github.com/kirinyoku/tix-bus/internal/service/query"
	"github.com/kirinyoku/tix-bus/internal/service/sweeper"
	"github.com/kirinyoku/tix-bus/internal/ticket"
	"github.com/kirinyoku/tix-bus/internal/uow"
)

type Services struct {
	Holds    *hold.Service
	Payments *payment.Service
	Query    *query.Service
	Admin    *admin.Service
	Sweeper  *sweeper.Sweeper
	Tickets  *ticket.Issuer
}

type Config struct {
	Hold           hold.Config
	Payment        payment.Config
	Query          query.Config
	Sweeper        sweeper.Config
	TicketSecret   []byte
	TicketValidity time.Duration
}

// Deps are the collaborators chosen by the application. Cache, Limiter,
// Changes, Notifier, Renderer and UoW are optional.
type Deps struct {
	Store    repository.Store
	Gateways *provider.Registry
	Clock    clock.Clock
	Log      *slog.Logger
	Cache    *redisrepo.Cache
	Limiter  hold.Limiter
	// Changes receives departure-changed signals. Without one, the query
	// service wakes its own SSE watchers directly.
	Changes  hold.ChangeNotifier
	Notifier notify.Notifier
	Renderer ticket.Renderer
	UoW      *uow.UoW
}

func NewServices(deps Deps, cfg Config) *Services {
	qry := query.New(deps.Store.Departures(), deps.Cache, cfg.Query)

	changes := deps.Changes
	if changes == nil {
		changes = qry
	}

	holdOpts := []hold.Option{hold.WithChangeNotifier(changes)}
	payOpts := []payment.Option{payment.WithChangeNotifier(changes)}

	if deps.UoW != nil {
		holdOpts = append(holdOpts, hold.WithUoW(deps.UoW))
		payOpts = append(payOpts, payment.WithUoW(deps.UoW))
	}
	if deps.Limiter != nil {
		holdOpts = append(holdOpts, hold.WithLimiter(deps.Limiter))
	}
	if deps.Notifier != nil {
		payOpts = append(payOpts, payment.WithNotifier(deps.Notifier))
	}
	if deps.Renderer != nil {
		payOpts = append(payOpts, payment.WithRenderer(deps.Renderer))
	}

	issuer := ticket.NewIssuer(deps.Store.Tickets(), cfg.TicketSecret, cfg.TicketValidity, deps.Clock, deps.Log)
	holds := hold.New(deps.Store, deps.Clock, deps.Log, cfg.Hold, holdOpts...)
	payments := payment.New(deps.Store, deps.Gateways, issuer, deps.Clock, deps.Log, cfg.Payment, payOpts...)

	return &Services{
		Holds:    holds,
		Payments: payments,
		Query:    qry,
		Admin:    admin.New(deps.Store, holds, payments, changes, deps.Log),
		Sweeper:  sweeper.New(deps.Store, holds, payments, deps.Clock, deps.Log, cfg.Sweeper),
		Tickets:  issuer,
	}
}
