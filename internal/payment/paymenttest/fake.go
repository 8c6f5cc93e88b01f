// Package paymenttest provides a scriptable in-memory payment gateway.
package paymenttest

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/kirinyoku/tix-bus/internal/payment"
)

// Fake answers Initiate and Verify from scripted queues. An empty Verify
// queue answers with OutcomeSucceeded; an empty Initiate queue hands out a
// reference derived from the attempt id. Like the real gateways, a session id
// in the proof must match the handle's reference.
type Fake struct {
	method payment.Method

	mu        sync.Mutex
	initiates []InitiateResult
	verifies  []VerifyResult
	block     chan struct{}

	InitiateCalls []payment.InitiateRequest
	VerifyCalls   []payment.Handle
}

type InitiateResult struct {
	Handle payment.Handle
	Err    error
}

type VerifyResult struct {
	Verification payment.Verification
	Err          error
}

func New(method payment.Method) *Fake {
	return &Fake{method: method}
}

func (f *Fake) Method() payment.Method { return f.method }

func (f *Fake) QueueInitiate(results ...InitiateResult) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiates = append(f.initiates, results...)
	return f
}

func (f *Fake) QueueVerify(results ...VerifyResult) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifies = append(f.verifies, results...)
	return f
}

// QueueOutcomes is shorthand for verifications with bare outcomes.
func (f *Fake) QueueOutcomes(outcomes ...payment.Outcome) *Fake {
	for _, o := range outcomes {
		f.QueueVerify(VerifyResult{Verification: payment.Verification{Outcome: o}})
	}
	return f
}

// BlockUntilCancelled makes every subsequent call wait for ctx to end.
func (f *Fake) BlockUntilCancelled() *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = make(chan struct{})
	return f
}

func (f *Fake) wait(ctx context.Context) error {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()

	if block == nil {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-block:
		return nil
	}
}

func (f *Fake) Initiate(ctx context.Context, req payment.InitiateRequest) (payment.Handle, error) {
	f.mu.Lock()
	f.InitiateCalls = append(f.InitiateCalls, req)
	var next *InitiateResult
	if len(f.initiates) > 0 {
		next = &f.initiates[0]
		f.initiates = f.initiates[1:]
	}
	f.mu.Unlock()

	if err := f.wait(ctx); err != nil {
		return payment.Handle{}, err
	}

	if next != nil {
		h := next.Handle
		h.AttemptID = req.AttemptID
		return h, next.Err
	}

	return payment.Handle{
		AttemptID:   req.AttemptID,
		Reference:   fmt.Sprintf("%s_%s", f.method, req.AttemptID),
		RedirectURL: "https://pay.example.test/" + req.AttemptID.String(),
	}, nil
}

func (f *Fake) Verify(ctx context.Context, h payment.Handle, p payment.Proof) (payment.Verification, error) {
	if p.SessionID != "" && h.Reference != "" && p.SessionID != h.Reference {
		return payment.Verification{}, fmt.Errorf("%w: session %q", payment.ErrInvalidProof, p.SessionID)
	}

	f.mu.Lock()
	f.VerifyCalls = append(f.VerifyCalls, h)
	var next *VerifyResult
	if len(f.verifies) > 0 {
		next = &f.verifies[0]
		f.verifies = f.verifies[1:]
	}
	f.mu.Unlock()

	if err := f.wait(ctx); err != nil {
		return payment.Verification{}, err
	}

	if next == nil {
		return payment.Verification{Outcome: payment.OutcomeSucceeded, Reference: h.Reference}, nil
	}

	v := next.Verification
	if v.Reference == "" {
		v.Reference = h.Reference
	}
	return v, next.Err
}

// ParseWebhook trusts the X-Fake-Reference header. It exists so webhook
// plumbing can be tested without a signing provider.
func (f *Fake) ParseWebhook(_ context.Context, header http.Header, body []byte) (string, payment.Proof, error) {
	ref := header.Get("X-Fake-Reference")
	if ref == "" {
		return "", payment.Proof{}, payment.ErrBadSignature
	}
	return ref, payment.Proof{Payload: body}, nil
}

// Calls reports how often each provider operation was reached.
func (f *Fake) Calls() (initiates, verifies int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.InitiateCalls), len(f.VerifyCalls)
}
