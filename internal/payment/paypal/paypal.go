// Package paypal drives the PayPal orders API: create an order, let the
// buyer approve it, capture on verify.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kirinyoku/tix-bus/internal/payment"
)

const defaultBaseURL = "https://api-m.sandbox.paypal.com"

type Config struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	ReturnURL    string
	CancelURL    string
	// WebhookID enables webhook verification through PayPal's
	// verify-webhook-signature endpoint.
	WebhookID  string
	HTTPClient *http.Client
}

type Gateway struct {
	cfg    Config
	client *http.Client

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
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

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &Gateway{cfg: cfg, client: client}
}

func (g *Gateway) Method() payment.Method { return payment.MethodPayPal }

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type order struct {
	ID            string `json:"id"`
	Status        string `json:"status"` // CREATED, APPROVED, COMPLETED, VOIDED
	Links         []link `json:"links"`
	PurchaseUnits []struct {
		ReferenceID string `json:"reference_id"`
		Amount      struct {
			CurrencyCode string `json:"currency_code"`
			Value        string `json:"value"`
		} `json:"amount"`
	} `json:"purchase_units"`
}

type apiError struct {
	Name    string `json:"name"`
	Details []struct {
		Issue string `json:"issue"`
	} `json:"details"`
}

func (e apiError) hasIssue(issue string) bool {
	for _, d := range e.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}

// accessToken returns a cached client-credentials token, refreshing it a
// minute before it lapses.
func (g *Gateway) accessToken(ctx context.Context) (string, error) {
	const op = "paypal.Gateway.accessToken"

	g.tokenMu.Lock()
	defer g.tokenMu.Unlock()

	if g.token != "" && time.Now().Before(g.tokenExpiry) {
		return g.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/v1/oauth2/token",
		strings.NewReader(url.Values{"grant_type": {"client_credentials"}}.Encode()))
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	req.SetBasicAuth(g.cfg.ClientID, g.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := payment.DoJSON(g.client, req, &out); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	g.token = out.AccessToken
	g.tokenExpiry = time.Now().Add(time.Duration(out.ExpiresIn)*time.Second - time.Minute)

	return g.token, nil
}

func (g *Gateway) do(ctx context.Context, method, path, requestID string, body, out any) error {
	token, err := g.accessToken(ctx)
	if err != nil {
		return err
	}

	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}

	return payment.DoJSON(g.client, req, out)
}

func (g *Gateway) Initiate(ctx context.Context, req payment.InitiateRequest) (payment.Handle, error) {
	const op = "paypal.Gateway.Initiate"

	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": req.AttemptID.String(),
			"custom_id":    req.AttemptID.String(),
			"description":  req.Description,
			"amount": map[string]string{
				"currency_code": strings.ToUpper(req.Currency),
				"value":         payment.FormatMinor(req.AmountCents),
			},
		}},
		"application_context": map[string]string{
			"return_url":  g.cfg.ReturnURL,
			"cancel_url":  g.cfg.CancelURL,
			"user_action": "PAY_NOW",
		},
	}

	var o order
	if err := g.do(ctx, http.MethodPost, "/v2/checkout/orders", req.AttemptID.String(), body, &o); err != nil {
		return payment.Handle{}, fmt.Errorf("%s: %w", op, err)
	}

	h := payment.Handle{AttemptID: req.AttemptID, Reference: o.ID}
	for _, l := range o.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			h.RedirectURL = l.Href
		}
	}

	return h, nil
}

// Verify captures the approved order. An order captured earlier (a replayed
// verify, or a webhook that won the race) is re-read and reported as is.
func (g *Gateway) Verify(ctx context.Context, h payment.Handle, _ payment.Proof) (payment.Verification, error) {
	const op = "paypal.Gateway.Verify"

	if h.Reference == "" {
		return payment.Verification{Outcome: payment.OutcomePending, Reason: "no order yet"}, nil
	}

	path := "/v2/checkout/orders/" + url.PathEscape(h.Reference)

	var o order
	err := g.do(ctx, http.MethodPost, path+"/capture", h.AttemptID.String()+"-capture", map[string]any{}, &o)
	if err != nil {
		var pe *payment.ProviderError
		if !errors.As(err, &pe) || pe.Status != http.StatusUnprocessableEntity {
			return payment.Verification{}, fmt.Errorf("%s: %w", op, err)
		}

		var ae apiError
		_ = json.Unmarshal([]byte(pe.Body), &ae)

		switch {
		case ae.hasIssue("ORDER_ALREADY_CAPTURED"):
			if err := g.do(ctx, http.MethodGet, path, "", nil, &o); err != nil {
				return payment.Verification{}, fmt.Errorf("%s: re-read: %w", op, err)
			}
		case ae.hasIssue("ORDER_NOT_APPROVED"), ae.hasIssue("PAYER_ACTION_REQUIRED"):
			return payment.Verification{Outcome: payment.OutcomePending, Reference: h.Reference, Reason: "awaiting buyer approval"}, nil
		case ae.hasIssue("INSTRUMENT_DECLINED"), ae.hasIssue("TRANSACTION_REFUSED"):
			return payment.Verification{Outcome: payment.OutcomeFailed, Reference: h.Reference, Reason: "instrument declined"}, nil
		default:
			return payment.Verification{}, fmt.Errorf("%s: %w", op, err)
		}
	}

	v := payment.Verification{Reference: o.ID}
	if len(o.PurchaseUnits) > 0 {
		v.Currency = o.PurchaseUnits[0].Amount.CurrencyCode
		v.AmountCents = parseMinor(o.PurchaseUnits[0].Amount.Value)
	}

	switch o.Status {
	case "COMPLETED":
		v.Outcome = payment.OutcomeSucceeded
	case "VOIDED":
		v.Outcome = payment.OutcomeFailed
		v.Reason = "order voided"
	default:
		v.Outcome = payment.OutcomePending
	}

	return v, nil
}

type webhookEvent struct {
	EventType string `json:"event_type"`
	Resource  struct {
		ID                string `json:"id"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
	} `json:"resource"`
}

// ParseWebhook asks PayPal to verify the transmission, then extracts the
// order id the event concerns.
func (g *Gateway) ParseWebhook(ctx context.Context, header http.Header, body []byte) (string, payment.Proof, error) {
	const op = "paypal.Gateway.ParseWebhook"

	if g.cfg.WebhookID == "" {
		return "", payment.Proof{}, fmt.Errorf("%s: %w", op, payment.ErrWebhookUnsupported)
	}

	check := map[string]any{
		"auth_algo":         header.Get("Paypal-Auth-Algo"),
		"cert_url":          header.Get("Paypal-Cert-Url"),
		"transmission_id":   header.Get("Paypal-Transmission-Id"),
		"transmission_sig":  header.Get("Paypal-Transmission-Sig"),
		"transmission_time": header.Get("Paypal-Transmission-Time"),
		"webhook_id":        g.cfg.WebhookID,
		"webhook_event":     json.RawMessage(body),
	}

	var res struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := g.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", "", check, &res); err != nil {
		return "", payment.Proof{}, fmt.Errorf("%s: %w", op, err)
	}
	if res.VerificationStatus != "SUCCESS" {
		return "", payment.Proof{}, fmt.Errorf("%s: %w", op, payment.ErrBadSignature)
	}

	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return "", payment.Proof{}, fmt.Errorf("%s: decode: %w", op, err)
	}

	ref := ev.Resource.ID
	if strings.HasPrefix(ev.EventType, "PAYMENT.CAPTURE.") {
		ref = ev.Resource.SupplementaryData.RelatedIDs.OrderID
	}
	if ref == "" {
		return "", payment.Proof{}, fmt.Errorf("%s: event %q carries no order", op, ev.EventType)
	}

	return ref, payment.Proof{Payload: body}, nil
}

func parseMinor(s string) int64 {
	whole, frac, _ := strings.Cut(s, ".")
	var w, f int64
	fmt.Sscan(whole, &w)
	if len(frac) == 1 {
		frac += "0"
	}
	if len(frac) > 2 {
		frac = frac[:2]
	}
	if frac != "" {
		fmt.Sscan(frac, &f)
	}
	return w*100 + f
}
