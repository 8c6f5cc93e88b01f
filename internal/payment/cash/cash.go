// Package cash settles payments taken at a counter. Nothing is called
// remotely: an operator asserts the receipt.
package cash

import (
	"context"

	"github.com/kirinyoku/tix-bus/internal/payment"
)

type Gateway struct{}

var _ payment.Gateway = Gateway{}

func New() Gateway { return Gateway{} }

func (Gateway) Method() payment.Method { return payment.MethodCash }

func (Gateway) Initiate(_ context.Context, req payment.InitiateRequest) (payment.Handle, error) {
	return payment.Handle{AttemptID: req.AttemptID, Reference: "cash-" + req.AttemptID.String()}, nil
}

// Verify succeeds only once an operator asserted receipt.
func (Gateway) Verify(_ context.Context, h payment.Handle, p payment.Proof) (payment.Verification, error) {
	if p.AssertedBy == "" {
		return payment.Verification{Outcome: payment.OutcomePending, Reference: h.Reference, Reason: "awaiting cash receipt"}, nil
	}
	return payment.Verification{Outcome: payment.OutcomeSucceeded, Reference: h.Reference}, nil
}
