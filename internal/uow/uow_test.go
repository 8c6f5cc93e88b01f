package uow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirinyoku/tix-bus/internal/repository/memory"
	"github.com/kirinyoku/tix-bus/internal/uow"
)

var errTransient = errors.New("transient")

func TestDo_RunsHooksOnlyAfterCommit(t *testing.T) {
	u := uow.New(memory.NewStore())

	var ran []string
	err := u.Do(context.Background(), func(ctx context.Context, after func(uow.AfterCommit)) error {
		after(func(context.Context) { ran = append(ran, "hook") })
		ran = append(ran, "body")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"body", "hook"}, ran)

	ran = nil
	err = u.Do(context.Background(), func(ctx context.Context, after func(uow.AfterCommit)) error {
		after(func(context.Context) { ran = append(ran, "hook") })
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Empty(t, ran)
}

func TestDo_RetriesTransientFailures(t *testing.T) {
	u := uow.New(memory.NewStore(), uow.WithRetry(3, time.Millisecond, func(err error) bool {
		return errors.Is(err, errTransient)
	}))

	calls, hooks := 0, 0
	err := u.Do(context.Background(), func(ctx context.Context, after func(uow.AfterCommit)) error {
		calls++
		after(func(context.Context) { hooks++ })
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, hooks, "hooks from failed runs are dropped")
}

func TestDo_GivesUpOnPermanentFailure(t *testing.T) {
	u := uow.New(memory.NewStore(), uow.WithRetry(5, time.Millisecond, func(err error) bool {
		return errors.Is(err, errTransient)
	}))

	calls := 0
	err := u.Do(context.Background(), func(ctx context.Context, after func(uow.AfterCommit)) error {
		calls++
		return errors.New("permanent")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
