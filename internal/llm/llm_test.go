package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"prose around", "Sure! ```json\n{\"success\": true, \"reason\": \"ok {x}\"}\n``` done", `{"success": true, "reason": "ok {x}"}`},
		{"array", `result: [{"index":0},{"index":1}] end`, `[{"index":0},{"index":1}]`},
		{"nested", `{"a":{"b":[1,2]}}`, `{"a":{"b":[1,2]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ExtractJSON("SUCCESS - the page says you are unsubscribed")
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Success    bool `json:"success"`
		Confidence int  `json:"confidence"`
	}
	require.NoError(t, DecodeJSON(`answer: {"success": true, "confidence": 85}`, &v))
	assert.True(t, v.Success)
	assert.Equal(t, 85, v.Confidence)
}

func TestAnthropicGenerate(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"type":"overloaded_error","message":"busy"}}`))
			return
		}
		var payload anthropicPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, SystemPrompt, payload.System)
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"SUCCESS"}]}`))
	}))
	defer srv.Close()

	c := &anthropicClient{apiKey: "test-key", model: "m", endpoint: srv.URL, http: srv.Client(), logger: zerolog.Nop()}
	text, err := Ask(context.Background(), c, "is this page done?", false)
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAnthropicDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer srv.Close()

	c := &anthropicClient{apiKey: "k", model: "m", endpoint: srv.URL, http: srv.Client(), logger: zerolog.Nop()}
	_, err := c.Generate(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic 400")
	assert.Equal(t, int32(1), calls.Load())
}

type failingClient struct{ calls atomic.Int32 }

func (f *failingClient) Name() string { return "failing" }
func (f *failingClient) Generate(context.Context, Request) (Response, error) {
	f.calls.Add(1)
	return Response{}, errors.New("provider down")
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &failingClient{}
	b := NewBreaker(inner, zerolog.Nop())
	req := Request{Messages: []Message{{Role: "user", Content: "x"}}}

	for i := 0; i < 3; i++ {
		_, err := b.Generate(context.Background(), req)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.Generate(context.Background(), req)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(3), inner.calls.Load())
}

type cancelledClient struct{ calls atomic.Int32 }

func (c *cancelledClient) Name() string { return "cancelled" }
func (c *cancelledClient) Generate(ctx context.Context, _ Request) (Response, error) {
	c.calls.Add(1)
	return Response{}, &url.Error{Op: "Post", URL: "https://api.example/v1", Err: fmt.Errorf("send: %w", context.Canceled)}
}

func TestBreakerIgnoresWrappedCancellation(t *testing.T) {
	inner := &cancelledClient{}
	b := NewBreaker(inner, zerolog.Nop())

	for i := 0; i < 5; i++ {
		_, err := b.Generate(context.Background(), Request{})
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
	assert.Equal(t, int32(5), inner.calls.Load())
}

type blockingClient struct{}

func (blockingClient) Name() string { return "blocking" }
func (blockingClient) Generate(ctx context.Context, _ Request) (Response, error) {
	<-ctx.Done()
	return Response{}, ctx.Err()
}

func TestWithTimeout(t *testing.T) {
	assert.Nil(t, WithTimeout(nil, time.Second))

	c := WithTimeout(blockingClient{}, 20*time.Millisecond)
	start := time.Now()
	_, err := c.Generate(context.Background(), Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, "blocking", c.Name())
}
