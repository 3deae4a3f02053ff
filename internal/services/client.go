package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"podforge/internal/config"
)

const defaultHTTPTimeout = 30 * time.Second

// client is the shared JSON-over-HTTP transport for the generation
// collaborators. Each collaborator exposes a single blocking call built on
// top of it.
type client struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func newClient(name string, svc config.Service, httpClient *http.Client) client {
	timeout := defaultHTTPTimeout
	if svc.TimeoutSeconds > 0 {
		timeout = time.Duration(svc.TimeoutSeconds) * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return client{
		name:       name,
		baseURL:    strings.TrimRight(strings.TrimSpace(svc.BaseURL), "/"),
		apiKey:     strings.TrimSpace(svc.APIKey),
		httpClient: httpClient,
	}
}

func (c client) configured() bool {
	return c.baseURL != ""
}

func (c client) postJSON(ctx context.Context, path string, in, out any) error {
	if !c.configured() {
		return Wrap(ErrConfiguration, c.name, "post", "base URL not configured", nil)
	}

	body, err := json.Marshal(in)
	if err != nil {
		return Wrap(ErrValidation, c.name, "encode request", "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Wrap(ErrConfiguration, c.name, "build request", "", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return Wrap(ErrTimeout, c.name, "post", "request timed out", err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Wrap(ErrTimeout, c.name, "post", "request timed out", err)
		}
		return Wrap(ErrTransient, c.name, "post", "request failed", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Wrap(ErrTransient, c.name, "read response", "", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return Wrap(ErrValidation, c.name, "post", trimBody(payload), nil)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Wrap(ErrConfiguration, c.name, "post", fmt.Sprintf("authentication rejected (%d)", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusNotFound:
		return Wrap(ErrNotFound, c.name, "post", trimBody(payload), nil)
	default:
		return Wrap(ErrExternal, c.name, "post", fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, trimBody(payload)), nil)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return Wrap(ErrExternal, c.name, "decode response", "", err)
	}
	return nil
}

func trimBody(payload []byte) string {
	text := strings.TrimSpace(string(payload))
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	return text
}
