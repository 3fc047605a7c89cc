package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/config"
)

func newTestTransport(t *testing.T, url string, retries int) *Transport {
	t.Helper()
	tr, err := NewTransport("test", config.ProviderConfig{
		BaseURL: url + "/",
		APIKey:  "sk-test",
		Timeout: 5 * time.Second,
		Retries: retries,
		Headers: config.Headers{"X-Trace": "abc"},
	}, &http.Client{})
	require.NoError(t, err)
	tr.backoff = time.Millisecond
	return tr
}

func TestTransportRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "abc", r.Header.Get("X-Trace"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"q":1}`, string(body))
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer ts.Close()

	body, err := newTestTransport(t, ts.URL, 2).PostJSON(context.Background(), "/echo", map[string]int{"q": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestTransportGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, `{"error":{"message":"upstream down"}}`)
	}))
	defer ts.Close()

	_, err := newTestTransport(t, ts.URL, 1).GetJSON(context.Background(), "/models")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.Equal(t, "upstream down", statusErr.Message)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTransportDoesNotRetryPermanentStatus(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"detail":"bad model"}`)
	}))
	defer ts.Close()

	_, err := newTestTransport(t, ts.URL, 3).OpenStream(context.Background(), "/stream", map[string]any{})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, "bad model", statusErr.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenStreamHandsBackBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		_, _ = io.WriteString(w, "data: one\n\ndata: two\n\n")
	}))
	defer ts.Close()

	body, err := newTestTransport(t, ts.URL, 0).OpenStream(context.Background(), "/stream", map[string]any{"stream": true})
	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "data: one\n\ndata: two\n\n", string(raw))
}

func TestTransportStopsRetryingOnCancel(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	tr := newTestTransport(t, ts.URL, 5)
	tr.backoff = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := tr.GetJSON(ctx, "/models")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestNewTransportValidation(t *testing.T) {
	_, err := NewTransport("x", config.ProviderConfig{BaseURL: "http://h"}, nil)
	assert.Error(t, err)
	_, err = NewTransport("x", config.ProviderConfig{}, &http.Client{})
	assert.Error(t, err)
}

func TestTransportDeleteSendsJSONBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"name":"m"}`, string(body))
	}))
	defer ts.Close()

	body, err := newTestTransport(t, ts.URL, 0).DeleteJSON(context.Background(), "/api/delete", map[string]string{"name": "m"})
	require.NoError(t, err)
	assert.Empty(t, body)
}
