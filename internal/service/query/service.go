// Package query serves read-mostly views of seat availability, from the
// redis cache when one is configured.
package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kirinyoku/tix-bus/internal/domain"
	redisx "github.com/kirinyoku/tix-bus/internal/redis"
	"github.com/kirinyoku/tix-bus/internal/repository"
	redisrepo "github.com/kirinyoku/tix-bus/internal/repository/redis"
)

type Config struct {
	AvailabilityTTL time.Duration
}

type Service struct {
	departures repository.DepartureRepository
	cache      *redisrepo.Cache
	cfg        Config

	mu       sync.Mutex
	watchers map[int64]map[chan struct{}]struct{}
}

// New builds the service; cache may be nil.
func New(departures repository.DepartureRepository, cache *redisrepo.Cache, cfg Config) *Service {
	if cfg.AvailabilityTTL <= 0 {
		cfg.AvailabilityTTL = 15 * time.Second
	}

	return &Service{
		departures: departures,
		cache:      cache,
		cfg:        cfg,
		watchers:   make(map[int64]map[chan struct{}]struct{}),
	}
}

// Availability returns the seat counters of a departure.
//
// Parameters:
//   - ctx: request-scoped context.
//   - departureID: ID of the departure.
//
// Returns:
//   - *domain.Availability: capacity with available, held and sold seats.
//   - error: query.ErrDepartureNotFound if the departure is unknown.
func (s *Service) Availability(ctx context.Context, departureID int64) (*domain.Availability, error) {
	const op = "service.query.Availability"

	load := func(ctx context.Context) (domain.Availability, error) {
		a, err := s.departures.Availability(ctx, departureID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return domain.Availability{}, ErrDepartureNotFound
			}
			return domain.Availability{}, err
		}
		return *a, nil
	}

	var (
		a   domain.Availability
		err error
	)
	if s.cache != nil {
		a, err = redisrepo.GetOrSetJSON(ctx, s.cache, redisx.KeyDepartureAvailability(departureID), s.cfg.AvailabilityTTL, load)
	} else {
		a, err = load(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &a, nil
}

// Watch returns a channel signalled whenever the departure's counters change.
// Signals coalesce; a slow reader sees at least the latest one.
func (s *Service) Watch(departureID int64) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	set, ok := s.watchers[departureID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		s.watchers[departureID] = set
	}
	set[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(set, ch)
			if len(set) == 0 {
				delete(s.watchers, departureID)
			}
			s.mu.Unlock()
		})
	}

	return ch, cancel
}

// DepartureChanged wakes the local watchers of a departure.
func (s *Service) DepartureChanged(_ context.Context, departureID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.watchers[departureID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
