// Package payment defines the provider-agnostic gateway capability the
// reconciler drives, plus the decorators and registry around it. Provider
// variants live in subpackages.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/kirinyoku/tix-bus/internal/domain"
)

type Method string

const (
	MethodCard        Method = "carte"
	MethodPayPal      Method = "paypal"
	MethodMobileMoney Method = "mobile_money"
	MethodCash        Method = "cash"
)

func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodCard, MethodPayPal, MethodMobileMoney, MethodCash:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomePending   Outcome = "pending"
	OutcomeFailed    Outcome = "failed"
)

var (
	// ErrProviderTransient marks timeouts, network failures and 5xx answers.
	ErrProviderTransient = errors.New("payment provider temporarily unavailable")
	// ErrProviderRejected marks a definitive refusal by the provider.
	ErrProviderRejected = errors.New("payment rejected by provider")
	// ErrInvalidProof marks client evidence that does not belong to the
	// attempt. The attempt itself is left untouched.
	ErrInvalidProof = errors.New("payment proof does not match the attempt")
	// ErrReferenceMismatch marks a provider record that names another attempt.
	ErrReferenceMismatch = errors.New("provider record belongs to another attempt")

	ErrUnknownMethod      = errors.New("unknown payment method")
	ErrBadSignature       = errors.New("webhook signature mismatch")
	ErrWebhookUnsupported = errors.New("payment method has no webhooks")
)

type InitiateRequest struct {
	// AttemptID doubles as the provider-side idempotency key, so re-driving
	// an attempt never opens a second charge.
	AttemptID   uuid.UUID
	AmountCents int64
	Currency    string
	Buyer       domain.Buyer
	Description string
	Metadata    map[string]string
}

// Handle is what the provider returned for an attempt.
type Handle struct {
	AttemptID   uuid.UUID
	Reference   string
	RedirectURL string
}

// Proof is the client- or provider-supplied evidence handed to Verify. It is
// never trusted on its own: gateways re-read provider state.
type Proof struct {
	SessionID  string
	Payload    []byte
	AssertedBy string
}

type Verification struct {
	Outcome     Outcome
	Reference   string
	AmountCents int64
	Currency    string
	Reason      string
}

type Gateway interface {
	Method() Method
	Initiate(ctx context.Context, req InitiateRequest) (Handle, error)
	Verify(ctx context.Context, h Handle, p Proof) (Verification, error)
}

// WebhookParser authenticates a provider callback and extracts the provider
// reference it concerns.
type WebhookParser interface {
	ParseWebhook(ctx context.Context, header http.Header, body []byte) (reference string, proof Proof, err error)
}

// Unwrapper is implemented by gateway decorators.
type Unwrapper interface {
	Unwrap() Gateway
}
