package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Provider = (*GeminiProvider)(nil)

func newGeminiTestProvider(t *testing.T, baseURL string) *GeminiProvider {
	t.Helper()
	p, err := NewGeminiProvider(context.Background(), ProviderConfig{
		Name:    ProviderGemini,
		APIKey:  "test-api-key",
		Model:   "gemini-2.0-flash",
		BaseURL: baseURL + "/",
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)
	return p
}

func TestGeminiProvider_Complete(t *testing.T) {
	var (
		path    string
		idemKey string
		body    map[string]any
	)
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		idemKey = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "three themes"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 3, "totalTokenCount": 15}
		}`))
	})

	p := newGeminiTestProvider(t, srv.URL)
	req := mustRequest(t, []Message{
		Text(RoleSystem, "Summarize literature."),
		Text(RoleUser, "Summarize."),
	}, WithIdempotencyKey("wf:literature:1"))

	resp, err := p.Complete(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(path, "models/gemini-2.0-flash:generateContent"), path)
	assert.Equal(t, "wf:literature:1", idemKey)
	assert.Contains(t, body, "systemInstruction")
	assert.Contains(t, body, "contents")

	assert.Equal(t, ProviderGemini, resp.Provider)
	assert.Equal(t, "three themes", resp.Content)
	assert.Equal(t, "STOP", resp.FinishReason)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 3, TotalTokens: 15}, resp.Usage)
}

func TestGeminiProvider_Complete_APIError(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"code": 400, "message": "API key not valid", "status": "INVALID_ARGUMENT"}}`))
	})

	_, err := newGeminiTestProvider(t, srv.URL).Complete(context.Background(), mustRequest(t, []Message{Text(RoleUser, "hi")}))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, ProviderGemini, apiErr.Provider)
	assert.Equal(t, 400, apiErr.StatusCode)
	assert.False(t, apiErr.IsTransient())
}

func TestNewGeminiProvider_RequiresAPIKey(t *testing.T) {
	_, err := NewGeminiProvider(context.Background(), ProviderConfig{Name: ProviderGemini})
	assert.ErrorContains(t, err, "api key is required")
}

func TestToGeminiContents(t *testing.T) {
	contents := toGeminiContents([]Message{
		{Role: RoleUser, Parts: []Part{
			TextPart{Text: "look"},
			ImageURLPart{URL: "gs://bucket/fig.png", MediaType: "image/png"},
			ImageDataPart{MediaType: "image/jpeg", Data: []byte{1, 2}},
		}},
		Text(RoleAssistant, "ok"),
	})
	require.Len(t, contents, 2)
	assert.Equal(t, "user", contents[0].Role)
	require.Len(t, contents[0].Parts, 3)
	assert.Equal(t, "look", contents[0].Parts[0].Text)
	require.NotNil(t, contents[0].Parts[1].FileData)
	assert.Equal(t, "gs://bucket/fig.png", contents[0].Parts[1].FileData.FileURI)
	require.NotNil(t, contents[0].Parts[2].InlineData)
	assert.Equal(t, "image/jpeg", contents[0].Parts[2].InlineData.MIMEType)
	assert.Equal(t, "model", contents[1].Role)
}
