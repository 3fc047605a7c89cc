package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"chatrelay/internal/config"
)

const (
	contentTypeJSON   = "application/json"
	contentTypeStream = "text/event-stream"
	userAgent         = "chatrelay/0.1"
	maxErrorBody      = 64 * 1024
	defaultBackoff    = 200 * time.Millisecond
)

// StatusError reports a non-2xx answer from a provider.
type StatusError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Transport performs JSON requests against one provider's base URL. Transient failures are
// retried a bounded number of times, and only before any response body is handed out.
type Transport struct {
	name    string
	baseURL string
	apiKey  string
	headers map[string]string
	client  *http.Client
	timeout time.Duration
	retries int
	backoff time.Duration
}

// NewTransport builds a transport for the provider described by cfg.
func NewTransport(name string, cfg config.ProviderConfig, client *http.Client) (*Transport, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	return &Transport{
		name:    name,
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		headers: cfg.Headers,
		client:  client,
		timeout: cfg.Timeout,
		retries: cfg.Retries,
		backoff: defaultBackoff,
	}, nil
}

// GetJSON issues a GET and returns the full 2xx response body.
func (t *Transport) GetJSON(ctx context.Context, path string) ([]byte, error) {
	return t.roundTrip(ctx, http.MethodGet, path, nil)
}

// PostJSON issues a POST with a JSON payload and returns the full 2xx response body.
func (t *Transport) PostJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return t.roundTrip(ctx, http.MethodPost, path, body)
}

// DeleteJSON issues a DELETE carrying a JSON payload and returns the full 2xx response body.
func (t *Transport) DeleteJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return t.roundTrip(ctx, http.MethodDelete, path, body)
}

// OpenStream issues a streaming POST and returns the undecoded body once a 2xx status has
// been received. Cancelling ctx aborts the upstream request.
func (t *Transport) OpenStream(ctx context.Context, path string, payload any) (io.ReadCloser, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := t.do(ctx, http.MethodPost, path, body, contentTypeStream)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, t.parseAPIError(resp)
	}
	return resp.Body, nil
}

func (t *Transport) roundTrip(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	resp, err := t.do(ctx, method, path, body, contentTypeJSON)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, t.parseAPIError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", t.name, err)
	}
	return data, nil
}

func (t *Transport) do(ctx context.Context, method, path string, body []byte, accept string) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		req, err := t.newRequest(ctx, method, path, body, accept)
		if err != nil {
			return nil, err
		}

		resp, err := t.client.Do(req)
		retryable := false
		switch {
		case err != nil:
			retryable = ctx.Err() == nil
		default:
			retryable = isRetryableStatus(resp.StatusCode)
		}

		if !retryable || attempt >= t.retries {
			if err != nil {
				return nil, fmt.Errorf("%s %s request failed: %w", t.name, path, err)
			}
			return resp, nil
		}

		if resp != nil {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
		}

		wait := t.backoff << attempt
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%s %s request: %w", t.name, path, ctx.Err())
		case <-timer.C:
		}
	}
}

func (t *Transport) newRequest(ctx context.Context, method, path string, body []byte, accept string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent)
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
	if accept == contentTypeStream {
		req.Header.Set("Cache-Control", "no-cache")
	}

	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

func (t *Transport) parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("%s returned status %d and the body could not be read: %w", t.name, resp.StatusCode, err)
	}

	message := strings.TrimSpace(string(body))
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "error", "message", "detail"} {
			if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.Str != "" {
				message = v.Str
				break
			}
		}
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	return &StatusError{Provider: t.name, StatusCode: resp.StatusCode, Message: message}
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
