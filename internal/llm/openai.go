package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Base URLs of the OpenAI-compatible providers.
const (
	defaultOpenAIBaseURL     = "https://api.openai.com/v1"
	defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	defaultGroqBaseURL       = "https://api.groq.com/openai/v1"
	defaultGLMBaseURL        = "https://open.bigmodel.cn/api/paas/v4"
)

// Default models of the OpenAI-compatible providers.
const (
	defaultOpenAIModel     = "gpt-4o"
	defaultOpenRouterModel = "openai/gpt-4o"
	defaultGroqModel       = "llama-3.3-70b-versatile"
	defaultGLMModel        = "glm-4-plus"
)

// chatRequest represents the Chat Completions API request body.
type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

// chatMessage is a single message. Content is either a string or a list of
// chatContentPart for multimodal user turns.
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// chatContentPart is one element of a multimodal content array.
type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

// responseFormat specifies the output format for the API response.
type responseFormat struct {
	Type string `json:"type"`
}

// chatResponse represents the Chat Completions API response body.
type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

// chatChoice represents a single completion choice.
type chatChoice struct {
	Index        int                 `json:"index"`
	Message      chatResponseMessage `json:"message"`
	FinishReason string              `json:"finish_reason"`
}

type chatResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatUsage contains token usage information.
type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// openAIErrorResponse represents an error response from the API.
type openAIErrorResponse struct {
	Error openAIErrorDetail `json:"error"`
}

// openAIErrorDetail contains error details. Some compatible providers send a
// numeric code, so Code is decoded loosely.
type openAIErrorDetail struct {
	Message string          `json:"message"`
	Type    string          `json:"type"`
	Code    json.RawMessage `json:"code"`
}

// OpenAIProvider speaks the Chat Completions protocol. It serves OpenAI and
// the compatible hosted APIs (OpenRouter, Groq, GLM) under different names.
type OpenAIProvider struct {
	name         string
	httpClient   *http.Client
	apiKey       string
	model        string
	baseURL      string
	capabilities Capabilities
	headers      map[string]string
}

// NewOpenAIProvider creates a Chat Completions provider. cfg.Name selects the
// defaults for base URL and model.
func NewOpenAIProvider(cfg ProviderConfig) *OpenAIProvider {
	name := cfg.Name
	if name == "" {
		name = ProviderOpenAI
	}
	baseURL, model := cfg.BaseURL, cfg.Model
	defURL, defModel := openAICompatibleDefaults(name)
	if baseURL == "" {
		baseURL = defURL
	}
	if model == "" {
		model = defModel
	}

	p := &OpenAIProvider{
		name:         name,
		httpClient:   newHTTPClient(cfg.Timeout),
		apiKey:       cfg.APIKey,
		model:        model,
		baseURL:      baseURL,
		capabilities: cfg.Capabilities,
		headers:      map[string]string{},
	}
	if name == ProviderOpenRouter {
		p.headers["X-Title"] = "Oxidized-Bio"
	}
	return p
}

func openAICompatibleDefaults(name string) (string, string) {
	switch name {
	case ProviderOpenRouter:
		return defaultOpenRouterBaseURL, defaultOpenRouterModel
	case ProviderGroq:
		return defaultGroqBaseURL, defaultGroqModel
	case ProviderGLM:
		return defaultGLMBaseURL, defaultGLMModel
	default:
		return defaultOpenAIBaseURL, defaultOpenAIModel
	}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string { return p.name }

// Model returns the model identifier being used.
func (p *OpenAIProvider) Model() string { return p.model }

// Capabilities returns the configured capabilities.
func (p *OpenAIProvider) Capabilities() Capabilities { return p.capabilities }

// Complete performs a single Chat Completions call.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	chatReq := chatRequest{
		Model:       model,
		Messages:    toChatMessages(req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSONMode {
		chatReq.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
	for k, v := range p.headers {
		headers[k] = v
	}
	if req.IdempotencyKey != "" {
		headers[idempotencyHeader] = req.IdempotencyKey
	}

	status, respBody, err := postJSON(ctx, p.httpClient, p.name, p.baseURL+"/chat/completions", headers, chatReq)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, parseOpenAIAPIError(p.name, status, respBody)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("%s: failed to unmarshal response: %w", p.name, err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, &APIError{Provider: p.name, StatusCode: http.StatusBadGateway, Message: "empty choices in response", Type: "server_error"}
	}

	choice := chatResp.Choices[0]
	if chatResp.Model != "" {
		model = chatResp.Model
	}
	total := chatResp.Usage.TotalTokens
	if total == 0 {
		total = chatResp.Usage.PromptTokens + chatResp.Usage.CompletionTokens
	}
	return &Response{
		Provider:     p.name,
		Model:        model,
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: Usage{
			InputTokens:  chatResp.Usage.PromptTokens,
			OutputTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:  total,
		},
	}, nil
}

func toChatMessages(messages []Message) []chatMessage {
	out := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		if !hasImage(m) {
			out = append(out, chatMessage{Role: string(m.Role), Content: m.PlainText()})
			continue
		}
		parts := make([]chatContentPart, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch part := part.(type) {
			case TextPart:
				parts = append(parts, chatContentPart{Type: "text", Text: part.Text})
			case ImageURLPart:
				parts = append(parts, chatContentPart{Type: "image_url", ImageURL: &chatImageURL{URL: part.URL}})
			case ImageDataPart:
				parts = append(parts, chatContentPart{Type: "image_url", ImageURL: &chatImageURL{URL: part.DataURL()}})
			}
		}
		out = append(out, chatMessage{Role: string(m.Role), Content: parts})
	}
	return out
}

func hasImage(m Message) bool {
	for _, part := range m.Parts {
		switch part.(type) {
		case ImageURLPart, ImageDataPart:
			return true
		}
	}
	return false
}

// parseOpenAIAPIError parses an error from the response status code and body.
func parseOpenAIAPIError(provider string, statusCode int, body []byte) *APIError {
	apiErr := &APIError{
		Provider:   provider,
		StatusCode: statusCode,
		Message:    string(body),
	}

	var errResp openAIErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		apiErr.Message = errResp.Error.Message
		apiErr.Type = errResp.Error.Type
		apiErr.Code = decodeLooseCode(errResp.Error.Code)
	}

	return apiErr
}

func decodeLooseCode(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
