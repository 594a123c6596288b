package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Compile-time interface check.
var _ Provider = (*AnthropicProvider)(nil)

// newAnthropicTestProvider creates an AnthropicProvider pointing at the given test server URL.
func newAnthropicTestProvider(baseURL string) *AnthropicProvider {
	return NewAnthropicProvider(ProviderConfig{
		Name:    ProviderAnthropic,
		APIKey:  "test-api-key",
		Model:   "claude-3-5-sonnet-20241022",
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	})
}

func TestAnthropicProvider_Complete(t *testing.T) {
	t.Parallel()

	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/messages", r.URL.Path)

		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "test-api-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		assert.Equal(t, "wf:draft:2", r.Header.Get("Idempotency-Key"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		defer r.Body.Close()

		var reqBody messagesRequest
		require.NoError(t, json.Unmarshal(body, &reqBody))

		assert.Equal(t, "claude-3-5-sonnet-20241022", reqBody.Model)
		assert.Equal(t, 800, reqBody.MaxTokens)
		assert.Equal(t, "You write research drafts.", reqBody.System)
		require.Len(t, reqBody.Messages, 1)
		assert.Equal(t, "user", reqBody.Messages[0].Role)
		require.Len(t, reqBody.Messages[0].Content, 2)
		assert.Equal(t, "text", reqBody.Messages[0].Content[0].Type)
		assert.Equal(t, "image", reqBody.Messages[0].Content[1].Type)
		require.NotNil(t, reqBody.Messages[0].Content[1].Source)
		assert.Equal(t, "base64", reqBody.Messages[0].Content[1].Source.Type)
		assert.Equal(t, "YWJj", reqBody.Messages[0].Content[1].Source.Data)
		assert.InDelta(t, 0.7, reqBody.Temperature, 0.001)

		resp := messagesResponse{
			ID:         "msg_test123",
			Type:       "message",
			Role:       "assistant",
			Content:    []contentBlock{{Type: "text", Text: "## Draft\nFindings suggest"}},
			Model:      "claude-3-5-sonnet-20241022",
			StopReason: "end_turn",
			Usage:      anthropicUsage{InputTokens: 150, OutputTokens: 45},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}

	srv := newTestServer(t, handler)
	provider := newAnthropicTestProvider(srv.URL)

	req := mustRequest(t, []Message{
		Text(RoleSystem, "You write research drafts."),
		{Role: RoleUser, Parts: []Part{
			TextPart{Text: "Draft from these findings."},
			ImageDataPart{MediaType: "image/png", Data: []byte("abc")},
		}},
	}, WithTemperature(0.7), WithMaxTokens(800), WithIdempotencyKey("wf:draft:2"))

	resp, err := provider.Complete(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, ProviderAnthropic, resp.Provider)
	assert.Equal(t, "## Draft\nFindings suggest", resp.Content)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, Usage{InputTokens: 150, OutputTokens: 45, TotalTokens: 195}, resp.Usage)
}

func TestAnthropicProvider_Complete_APIError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		status        int
		errType       string
		wantStatus    int
		wantTransient bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, errType: "rate_limit_error", wantStatus: 429, wantTransient: true},
		{name: "overloaded", status: 529, errType: "overloaded_error", wantStatus: 529, wantTransient: true},
		{name: "invalid request", status: http.StatusBadRequest, errType: "invalid_request_error", wantStatus: 400},
		{name: "authentication", status: http.StatusUnauthorized, errType: "authentication_error", wantStatus: 401},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_ = json.NewEncoder(w).Encode(anthropicErrorResponse{
					Type:  "error",
					Error: anthropicAPIErrorDetail{Type: tc.errType, Message: "boom"},
				})
			})

			_, err := newAnthropicTestProvider(srv.URL).Complete(context.Background(), mustRequest(t, []Message{Text(RoleUser, "hi")}))
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tc.wantStatus, apiErr.StatusCode)
			assert.Equal(t, tc.errType, apiErr.Type)
			assert.Equal(t, "boom", apiErr.Message)
			assert.Equal(t, tc.wantTransient, apiErr.IsTransient())
		})
	}
}

func TestAnthropicProvider_Complete_EmptyContentBlocks(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(messagesResponse{ID: "msg_empty", Type: "message", Role: "assistant"})
	})

	_, err := newAnthropicTestProvider(srv.URL).Complete(context.Background(), mustRequest(t, []Message{Text(RoleUser, "hi")}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no text content")
}

func TestAnthropicProvider_Complete_ContextCancelled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newAnthropicTestProvider(srv.URL).Complete(ctx, mustRequest(t, []Message{Text(RoleUser, "hi")}))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAnthropicProvider_JSONModeAddsInstruction(t *testing.T) {
	t.Parallel()

	var system string
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var reqBody messagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&reqBody))
		system = reqBody.System
		_ = json.NewEncoder(w).Encode(messagesResponse{Content: []contentBlock{{Type: "text", Text: "{}"}}})
	})

	_, err := newAnthropicTestProvider(srv.URL).Complete(context.Background(),
		mustRequest(t, []Message{Text(RoleUser, "hi")}, WithJSONMode()))
	require.NoError(t, err)
	assert.Contains(t, system, "JSON object")
}
