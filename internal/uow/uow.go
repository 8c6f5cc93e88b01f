package uow

import (
	"context"
	"time"

	"github.com/kirinyoku/tix-bus/internal/repository"
)

// AfterCommit is a function that runs after a successful transaction commit.
type AfterCommit func(ctx context.Context)

// UoW represents a unit of work.
type UoW struct {
	tx        repository.Transactor
	attempts  int
	backoff   time.Duration
	retryable func(error) bool
}

type Option func(*UoW)

// WithRetry reruns the whole unit up to attempts times while retryable
// reports the failure as transient.
func WithRetry(attempts int, backoff time.Duration, retryable func(error) bool) Option {
	return func(u *UoW) {
		u.attempts = max(1, attempts)
		u.backoff = backoff
		u.retryable = retryable
	}
}

func New(tx repository.Transactor, opts ...Option) *UoW {
	u := &UoW{tx: tx, attempts: 1}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Do runs fn inside the transaction. After a successful commit,
// it executes all after-commit hooks. Hooks queued by a rolled back run are
// discarded.
func (u *UoW) Do(
	ctx context.Context,
	fn func(ctx context.Context, after func(AfterCommit)) error,
) error {
	var (
		hooks []AfterCommit
		err   error
	)

	for i := 0; i < u.attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(u.backoff * time.Duration(i)):
			}
		}

		hooks = hooks[:0]
		err = u.tx.WithTx(ctx, func(ctx context.Context) error {
			return fn(ctx, func(h AfterCommit) {
				hooks = append(hooks, h)
			})
		})
		if err == nil || u.retryable == nil || !u.retryable(err) {
			break
		}
	}
	if err != nil {
		return err
	}

	for _, h := range hooks {
		h(context.WithoutCancel(ctx))
	}

	return nil
}
