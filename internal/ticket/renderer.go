package ticket

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kirinyoku/tix-bus/internal/domain"
)

// Renderer turns a signed payload into a printable document. It runs after
// commit and its failures never undo a confirmation.
type Renderer interface {
	Render(ctx context.Context, t domain.Ticket) error
}

type NopRenderer struct{}

func (NopRenderer) Render(context.Context, domain.Ticket) error { return nil }

// HTTPRenderer posts the payload to the document service.
type HTTPRenderer struct {
	url    string
	client *http.Client
}

func NewHTTPRenderer(url string, client *http.Client) *HTTPRenderer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPRenderer{url: url, client: client}
}

func (r *HTTPRenderer) Render(ctx context.Context, t domain.Ticket) error {
	const op = "ticket.HTTPRenderer.Render"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(t.Payload))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ticket-Id", t.ID.String())

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: renderer answered %d", op, resp.StatusCode)
	}

	return nil
}
