package payment

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type timeoutGateway struct {
	next Gateway
	d    time.Duration
}

// Timeout bounds every provider call by d. Initiate failures other than a
// rejection surface as ErrProviderTransient. Verify errors never fail an
// attempt: a bad proof is passed through and anything else degrades to
// OutcomePending so the attempt can be polled again. Only a Verification
// with OutcomeFailed closes it.
func Timeout(g Gateway, d time.Duration) Gateway {
	return &timeoutGateway{next: g, d: d}
}

func (t *timeoutGateway) Method() Method  { return t.next.Method() }
func (t *timeoutGateway) Unwrap() Gateway { return t.next }

func (t *timeoutGateway) Initiate(ctx context.Context, req InitiateRequest) (Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()

	h, err := t.next.Initiate(ctx, req)
	if err == nil {
		return h, nil
	}

	if errors.Is(err, ErrProviderRejected) || errors.Is(err, ErrProviderTransient) {
		return Handle{}, err
	}

	return Handle{}, fmt.Errorf("%w: %w", ErrProviderTransient, err)
}

func (t *timeoutGateway) Verify(ctx context.Context, h Handle, p Proof) (Verification, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()

	v, err := t.next.Verify(ctx, h, p)
	if err == nil {
		return v, nil
	}

	if errors.Is(err, ErrInvalidProof) {
		return Verification{}, err
	}

	return Verification{Outcome: OutcomePending, Reference: h.Reference, Reason: err.Error()}, nil
}
