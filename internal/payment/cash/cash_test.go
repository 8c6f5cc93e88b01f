package cash_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirinyoku/tix-bus/internal/payment"
	"github.com/kirinyoku/tix-bus/internal/payment/cash"
)

func TestCashNeedsAssertion(t *testing.T) {
	gw := cash.New()
	ctx := context.Background()
	id := uuid.New()

	h, err := gw.Initiate(ctx, payment.InitiateRequest{AttemptID: id})
	require.NoError(t, err)
	assert.Equal(t, "cash-"+id.String(), h.Reference)

	v, err := gw.Verify(ctx, h, payment.Proof{})
	require.NoError(t, err)
	assert.Equal(t, payment.OutcomePending, v.Outcome)

	v, err = gw.Verify(ctx, h, payment.Proof{AssertedBy: "agent-7"})
	require.NoError(t, err)
	assert.Equal(t, payment.OutcomeSucceeded, v.Outcome)
}
