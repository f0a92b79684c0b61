package sms

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cwygoda/herald/internal/domain"
)

const maxErrorBody = 512

// gateway is the HTTP plumbing shared by the gateway adapters. It maps
// transport and status failures onto the domain error taxonomy.
type gateway struct {
	name    string
	baseURL string
	http    *http.Client
}

func newGateway(name, baseURL, fallback string, timeout time.Duration) gateway {
	if baseURL == "" {
		baseURL = fallback
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return gateway{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// do sends req and decodes a JSON response body into out (if non-nil).
func (g gateway) do(req *http.Request, out any) error {
	resp, err := g.http.Do(req)
	if err != nil {
		return &domain.TransientProviderError{Provider: g.name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return g.statusError(resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", g.name, err)
	}
	return nil
}

func (g gateway) statusError(code int, body string) error {
	cause := fmt.Errorf("status %d: %s", code, body)
	switch {
	case code == http.StatusTooManyRequests || code >= 500:
		return &domain.TransientProviderError{Provider: g.name, Err: cause}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &domain.ValidationError{Field: "credentials", Err: fmt.Errorf("%w: %s: %v", domain.ErrInvalidCredentials, g.name, cause)}
	default:
		return fmt.Errorf("%s: rejected: %w", g.name, cause)
	}
}

func missingCredentials(provider string) error {
	return &domain.ValidationError{
		Field: "credentials",
		Err:   fmt.Errorf("%w: %s: missing credentials", domain.ErrInvalidCredentials, provider),
	}
}

func failure(err error) domain.SendResult {
	return domain.SendResult{Success: false, Error: err.Error(), Err: err}
}
