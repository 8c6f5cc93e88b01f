// Package card drives redirect checkout sessions on a Stripe-compatible API.
package card

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kirinyoku/tix-bus/internal/payment"
)

const (
	defaultBaseURL = "https://api.stripe.com"
	signatureTTL   = 5 * time.Minute
)

type Config struct {
	APIKey        string
	WebhookSecret string
	BaseURL       string
	// ReturnURL receives the buyer after checkout; the session id is appended
	// as session_id.
	ReturnURL  string
	HTTPClient *http.Client
	Now        func() time.Time
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
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &Gateway{cfg: cfg, client: client}
}

func (g *Gateway) Method() payment.Method { return payment.MethodCard }

type session struct {
	ID                string `json:"id"`
	URL               string `json:"url"`
	Status            string `json:"status"`         // open, complete, expired
	PaymentStatus     string `json:"payment_status"` // paid, unpaid, no_payment_required
	AmountTotal       int64  `json:"amount_total"`
	Currency          string `json:"currency"`
	ClientReferenceID string `json:"client_reference_id"`
}

// Initiate opens a checkout session for the attempt.
func (g *Gateway) Initiate(ctx context.Context, req payment.InitiateRequest) (payment.Handle, error) {
	const op = "card.Gateway.Initiate"

	returnURL := g.cfg.ReturnURL
	if returnURL == "" {
		returnURL = "https://localhost/checkout/return"
	}
	sep := "?"
	if strings.Contains(returnURL, "?") {
		sep = "&"
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", req.AttemptID.String())
	form.Set("success_url", returnURL+sep+"session_id={CHECKOUT_SESSION_ID}")
	form.Set("cancel_url", returnURL+sep+"cancelled=1")
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(req.Currency))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.AmountCents, 10))
	form.Set("line_items[0][price_data][product_data][name]", description(req))
	form.Set("metadata[attempt_id]", req.AttemptID.String())
	if req.Buyer.Contact != "" && strings.Contains(req.Buyer.Contact, "@") {
		form.Set("customer_email", req.Buyer.Contact)
	}
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.cfg.BaseURL+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return payment.Handle{}, fmt.Errorf("%s: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Idempotency-Key", req.AttemptID.String())
	g.authorize(httpReq)

	var s session
	if err := payment.DoJSON(g.client, httpReq, &s); err != nil {
		return payment.Handle{}, fmt.Errorf("%s: %w", op, err)
	}

	return payment.Handle{AttemptID: req.AttemptID, Reference: s.ID, RedirectURL: s.URL}, nil
}

// Verify re-reads the session server-side. A session id presented by the
// buyer must be the attempt's own.
func (g *Gateway) Verify(ctx context.Context, h payment.Handle, p payment.Proof) (payment.Verification, error) {
	const op = "card.Gateway.Verify"

	id := h.Reference
	if id == "" {
		id = p.SessionID
	}
	if id == "" {
		return payment.Verification{Outcome: payment.OutcomePending, Reason: "no checkout session yet"}, nil
	}
	if p.SessionID != "" && p.SessionID != id {
		return payment.Verification{}, fmt.Errorf("%s: %w: session %q", op, payment.ErrInvalidProof, p.SessionID)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.cfg.BaseURL+"/v1/checkout/sessions/"+url.PathEscape(id), nil)
	if err != nil {
		return payment.Verification{}, fmt.Errorf("%s: %w", op, err)
	}
	g.authorize(httpReq)

	var s session
	if err := payment.DoJSON(g.client, httpReq, &s); err != nil {
		return payment.Verification{}, fmt.Errorf("%s: %w", op, err)
	}

	if h.AttemptID.String() != s.ClientReferenceID {
		cause := payment.ErrReferenceMismatch
		if h.Reference == "" {
			cause = payment.ErrInvalidProof
		}
		return payment.Verification{}, fmt.Errorf("%s: %w: session %q references %q", op, cause, s.ID, s.ClientReferenceID)
	}

	v := payment.Verification{
		Reference:   s.ID,
		AmountCents: s.AmountTotal,
		Currency:    strings.ToUpper(s.Currency),
	}

	switch {
	case s.PaymentStatus == "paid":
		v.Outcome = payment.OutcomeSucceeded
	case s.Status == "expired":
		v.Outcome = payment.OutcomeFailed
		v.Reason = "checkout session expired"
	default:
		v.Outcome = payment.OutcomePending
	}

	return v, nil
}

type webhookEvent struct {
	Type string `json:"type"`
	Data struct {
		Object session `json:"object"`
	} `json:"data"`
}

// ParseWebhook checks the t=…,v1=… signature header over "t.body".
func (g *Gateway) ParseWebhook(_ context.Context, header http.Header, body []byte) (string, payment.Proof, error) {
	const op = "card.Gateway.ParseWebhook"

	if err := g.checkSignature(header.Get("Stripe-Signature"), body); err != nil {
		return "", payment.Proof{}, fmt.Errorf("%s: %w", op, err)
	}

	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return "", payment.Proof{}, fmt.Errorf("%s: decode: %w", op, err)
	}
	if ev.Data.Object.ID == "" {
		return "", payment.Proof{}, fmt.Errorf("%s: event %q carries no session", op, ev.Type)
	}

	return ev.Data.Object.ID, payment.Proof{SessionID: ev.Data.Object.ID, Payload: body}, nil
}

func (g *Gateway) checkSignature(header string, body []byte) error {
	var (
		ts   string
		sigs []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return payment.ErrBadSignature
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return payment.ErrBadSignature
	}
	if age := g.cfg.Now().Sub(time.Unix(sec, 0)); age > signatureTTL || age < -signatureTTL {
		return fmt.Errorf("%w: timestamp outside tolerance", payment.ErrBadSignature)
	}

	want := Sign(g.cfg.WebhookSecret, ts, body)
	for _, s := range sigs {
		if hmac.Equal([]byte(s), []byte(want)) {
			return nil
		}
	}

	return payment.ErrBadSignature
}

// Sign computes the v1 signature of body at timestamp ts.
func Sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (g *Gateway) authorize(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
}

func description(req payment.InitiateRequest) string {
	if req.Description != "" {
		return req.Description
	}
	return "Bus ticket"
}
