package payment

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// ProviderError carries a non-2xx provider answer.
type ProviderError struct {
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider answered %d: %s", e.Status, e.Body)
}

// Unwrap classifies the answer: 400, 402 and 422 refuse the request itself
// and are rejections. Everything else, auth and lookup failures included,
// says nothing about the payment and is transient.
func (e *ProviderError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest, http.StatusPaymentRequired, http.StatusUnprocessableEntity:
		return ErrProviderRejected
	}
	return ErrProviderTransient
}

const maxBody = 1 << 20

// DoJSON sends req and decodes a 2xx JSON answer into out. Transport errors
// come back as ErrProviderTransient.
func DoJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProviderTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("%w: read body: %w", ErrProviderTransient, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ProviderError{Status: resp.StatusCode, Body: string(body)}
	}

	if out == nil || len(body) == 0 {
		return nil
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode: %w", ErrProviderTransient, err)
	}

	return nil
}

// FormatMinor renders minor units as a decimal string with two places.
func FormatMinor(cents int64) string {
	sign := ""
	if cents < 0 {
		sign, cents = "-", -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
