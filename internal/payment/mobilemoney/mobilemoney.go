// Package mobilemoney drives push collections: the provider prompts the
// buyer's handset and calls back asynchronously.
package mobilemoney

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kirinyoku/tix-bus/internal/payment"
)

type Config struct {
	APIKey        string
	WebhookSecret string
	BaseURL       string
	CallbackURL   string
	HTTPClient    *http.Client
}

type Gateway struct {
	cfg    Config
	client *http.Client
}

var (
	_ payment.Gateway       = (*Gateway)(nil)
	_ payment.WebhookParser = (*Gateway)(nil)
)

func New(cfg Config) *Gateway {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &Gateway{cfg: cfg, client: client}
}

func (g *Gateway) Method() payment.Method { return payment.MethodMobileMoney }

type collection struct {
	ID        string `json:"id"`
	Reference string `json:"reference"`
	Status    string `json:"status"` // PENDING, SUCCESSFUL, FAILED, REJECTED, EXPIRED
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reason    string `json:"reason,omitempty"`
}

// Initiate pushes a collection request to the buyer's wallet.
func (g *Gateway) Initiate(ctx context.Context, req payment.InitiateRequest) (payment.Handle, error) {
	const op = "mobilemoney.Gateway.Initiate"

	msisdn := req.Metadata["msisdn"]
	if msisdn == "" {
		msisdn = req.Buyer.Contact
	}

	body, err := json.Marshal(map[string]any{
		"reference":    req.AttemptID.String(),
		"amount":       req.AmountCents,
		"currency":     strings.ToUpper(req.Currency),
		"msisdn":       msisdn,
		"description":  req.Description,
		"callback_url": g.cfg.CallbackURL,
	})
	if err != nil {
		return payment.Handle{}, fmt.Errorf("%s: %w", op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/collections", bytes.NewReader(body))
	if err != nil {
		return payment.Handle{}, fmt.Errorf("%s: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Idempotency-Key", req.AttemptID.String())
	g.authorize(httpReq)

	var c collection
	if err := payment.DoJSON(g.client, httpReq, &c); err != nil {
		return payment.Handle{}, fmt.Errorf("%s: %w", op, err)
	}

	if isFailed(c.Status) {
		return payment.Handle{}, fmt.Errorf("%s: %w: %s", op, payment.ErrProviderRejected, c.Reason)
	}

	return payment.Handle{AttemptID: req.AttemptID, Reference: c.ID}, nil
}

// Verify re-reads the collection; the callback body alone is never trusted.
func (g *Gateway) Verify(ctx context.Context, h payment.Handle, _ payment.Proof) (payment.Verification, error) {
	const op = "mobilemoney.Gateway.Verify"

	if h.Reference == "" {
		return payment.Verification{Outcome: payment.OutcomePending, Reason: "no collection yet"}, nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.cfg.BaseURL+"/collections/"+url.PathEscape(h.Reference), nil)
	if err != nil {
		return payment.Verification{}, fmt.Errorf("%s: %w", op, err)
	}
	g.authorize(httpReq)

	var c collection
	if err := payment.DoJSON(g.client, httpReq, &c); err != nil {
		return payment.Verification{}, fmt.Errorf("%s: %w", op, err)
	}

	if c.Reference != "" && c.Reference != h.AttemptID.String() {
		return payment.Verification{}, fmt.Errorf("%s: %w: collection %q references %q", op, payment.ErrReferenceMismatch, c.ID, c.Reference)
	}

	v := payment.Verification{Reference: c.ID, AmountCents: c.Amount, Currency: c.Currency, Reason: c.Reason}
	switch {
	case c.Status == "SUCCESSFUL":
		v.Outcome = payment.OutcomeSucceeded
	case isFailed(c.Status):
		v.Outcome = payment.OutcomeFailed
	default:
		v.Outcome = payment.OutcomePending
	}

	return v, nil
}

// ParseWebhook checks the hex HMAC-SHA256 of the raw body in X-Signature.
// Callbacks may arrive out of order; only the reference is taken from them.
func (g *Gateway) ParseWebhook(_ context.Context, header http.Header, body []byte) (string, payment.Proof, error) {
	const op = "mobilemoney.Gateway.ParseWebhook"

	got := header.Get("X-Signature")
	want := Sign(g.cfg.WebhookSecret, body)
	if got == "" || !hmac.Equal([]byte(got), []byte(want)) {
		return "", payment.Proof{}, fmt.Errorf("%s: %w", op, payment.ErrBadSignature)
	}

	var c collection
	if err := json.Unmarshal(body, &c); err != nil {
		return "", payment.Proof{}, fmt.Errorf("%s: decode: %w", op, err)
	}
	if c.ID == "" {
		return "", payment.Proof{}, fmt.Errorf("%s: callback carries no collection id", op)
	}

	return c.ID, payment.Proof{Payload: body}, nil
}

func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (g *Gateway) authorize(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
}

func isFailed(status string) bool {
	switch status {
	case "FAILED", "REJECTED", "EXPIRED":
		return true
	}
	return false
}
