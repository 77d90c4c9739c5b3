package deepseek

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wallet-chat-proxy/internal/domain"
)

// ---------------------------------------------------------------------------
// chatURL helper
// ---------------------------------------------------------------------------

func TestChatURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://api.deepseek.com/v1", "https://api.deepseek.com/v1/chat/completions"},
		{"https://api.deepseek.com/v1/", "https://api.deepseek.com/v1/chat/completions"},
		{"https://api.deepseek.com", "https://api.deepseek.com/v1/chat/completions"},
		{"http://localhost:8080", "http://localhost:8080/v1/chat/completions"},
		{"", "https://api.deepseek.com/v1/chat/completions"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, chatURL(tc.base), "base=%q", tc.base)
	}
}

// ---------------------------------------------------------------------------
// NewClient
// ---------------------------------------------------------------------------

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient()
	require.NoError(t, err)
	require.Equal(t, DefaultBaseURL, c.baseURL)
	require.Equal(t, defaultTimeout, c.httpClient.Timeout)
}

func TestNewClient_Options(t *testing.T) {
	c, err := NewClient(WithBaseURL(" http://localhost:9000 "), WithTimeout(3*time.Second))
	require.NoError(t, err)
	require.Equal(t, "http://localhost:9000", c.baseURL)
	require.Equal(t, 3*time.Second, c.httpClient.Timeout)
}

func TestNewClient_RejectsBadBaseURL(t *testing.T) {
	_, err := NewClient(WithBaseURL(" "))
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")

	_, err = NewClient(WithBaseURL("ftp://api.deepseek.com"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "http or https")
}

// ---------------------------------------------------------------------------
// Client.Complete
// ---------------------------------------------------------------------------

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	)
	require.NoError(t, err)
	return c
}

func testRequest(messages ...domain.ChatMessage) domain.CompletionRequest {
	return domain.CompletionRequest{
		Model:       "deepseek-chat",
		Messages:    messages,
		Temperature: 0.7,
		MaxTokens:   1000,
	}
}

func TestClient_Complete_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var got map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		require.Equal(t, "deepseek-chat", got["model"])
		require.Equal(t, 0.7, got["temperature"])
		require.Equal(t, float64(1000), got["max_tokens"])
		require.Equal(t, []any{
			map[string]any{"role": "system", "content": "be brief"},
			map[string]any{"role": "user", "content": "hi"},
		}, got["messages"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-123",
			"object": "chat.completion",
			"created": 1670000000,
			"choices": [{
				"index": 0,
				"message": { "role": "assistant", "content": "Hello from mock – <b>&</b>" }
			}]
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.Complete(context.Background(), "sk-test", testRequest(
		domain.ChatMessage{Role: domain.RoleSystem, Content: "be brief"},
		domain.ChatMessage{Role: domain.RoleUser, Content: "hi"},
	))
	require.NoError(t, err)
	require.Equal(t, "Hello from mock – <b>&</b>", resp)
}

func TestClient_Complete_EmptyMessagesSentAsArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Contains(t, string(raw), `"messages":[]`)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":""}}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.Complete(context.Background(), "sk-test", testRequest())
	require.NoError(t, err)
	require.Equal(t, "", resp)
}

func TestClient_Complete_Non200WithErrorObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Authentication Fails (no such user)","type":"authentication_error"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Complete(context.Background(), "sk-test", testRequest())
	require.Error(t, err)
	require.Contains(t, err.Error(), "unexpected status")
	require.Contains(t, err.Error(), "401")

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusUnauthorized, statusErr.HTTPStatusCode())
	require.Equal(t, "Authentication Fails (no such user)", statusErr.UpstreamMessage())
}

func TestClient_Complete_Non200WithErrorString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(429)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Complete(context.Background(), "sk-test", testRequest())
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 429, statusErr.StatusCode)
	require.Equal(t, "rate limited", statusErr.Message)
}

func TestClient_Complete_Non200Unparseable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
		_, _ = w.Write([]byte(`<html>upstream gateway down</html>`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Complete(context.Background(), "sk-test", testRequest())
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 503, statusErr.StatusCode)
	require.Empty(t, statusErr.Message)
	require.Contains(t, statusErr.Body, "gateway down")
}

func TestClient_Complete_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`not-a-json`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Complete(context.Background(), "sk-test", testRequest())
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode response")
	require.ErrorIs(t, err, domain.ErrMalformedCompletion)
}

func TestClient_Complete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Complete(context.Background(), "sk-test", testRequest())
	require.Error(t, err)
	require.Contains(t, err.Error(), "no choices")
	require.ErrorIs(t, err, domain.ErrMalformedCompletion)
}

func TestClient_Complete_NullContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":null}}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Complete(context.Background(), "sk-test", testRequest())
	require.ErrorIs(t, err, domain.ErrMalformedCompletion)
}

func TestClient_Complete_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.httpClient = &http.Client{Timeout: 50 * time.Millisecond}
	_, err := c.Complete(context.Background(), "sk-test", testRequest())
	require.Error(t, err)
	require.Contains(t, err.Error(), "request failed")
	require.NotErrorIs(t, err, domain.ErrMalformedCompletion)
}

func TestClient_Complete_ContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Complete(ctx, "sk-test", testRequest())
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestClient_Complete_NetworkError(t *testing.T) {
	c, err := NewClient(WithBaseURL("http://127.0.0.1:1"), WithTimeout(100*time.Millisecond))
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "sk-test", testRequest())
	require.Error(t, err)
	require.Contains(t, err.Error(), "request failed")
	require.NotContains(t, err.Error(), "sk-test")
}

func TestClient_Complete_RejectsMissingInputs(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Complete(context.Background(), "sk-test", domain.CompletionRequest{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "model")

	_, err = c.Complete(context.Background(), " ", testRequest())
	require.Error(t, err)
	require.Contains(t, err.Error(), "api key")
	require.Zero(t, calls.Load())
}

// ---------------------------------------------------------------------------
// parseErrorMessage
// ---------------------------------------------------------------------------

func TestParseErrorMessage(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{`{"error":{"message":"Insufficient Balance"}}`, "Insufficient Balance"},
		{`{"error":"bad request"}`, "bad request"},
		{`{"error":{"code":"x"}}`, ""},
		{`{"error":42}`, ""},
		{`{}`, ""},
		{`not-json`, ""},
		{``, ""},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, parseErrorMessage([]byte(tc.body)), "body=%q", tc.body)
	}
}
