package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Default values for the Anthropic provider.
const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultAnthropicModel   = "claude-3-5-sonnet-latest"
	anthropicAPIVersion     = "2023-06-01"
)

// messagesRequest represents the Anthropic Messages API request body.
type messagesRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
}

// anthropicMessage represents a single message in the conversation.
type anthropicMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

// contentBlock is a text or image block.
type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

// imageSource is either inline base64 data or a URL.
type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// messagesResponse represents the Anthropic Messages API response body.
type messagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

// anthropicUsage contains token usage information.
type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicAPIErrorDetail contains error details from the Anthropic API.
type anthropicAPIErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// anthropicErrorResponse represents an error response from the Anthropic API.
type anthropicErrorResponse struct {
	Type  string                  `json:"type"`
	Error anthropicAPIErrorDetail `json:"error"`
}

// AnthropicProvider implements Provider using the Anthropic Messages API.
type AnthropicProvider struct {
	httpClient   *http.Client
	apiKey       string
	model        string
	baseURL      string
	capabilities Capabilities
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(cfg ProviderConfig) *AnthropicProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicProvider{
		httpClient:   newHTTPClient(cfg.Timeout),
		apiKey:       cfg.APIKey,
		model:        model,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		capabilities: cfg.Capabilities,
	}
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string { return ProviderAnthropic }

// Model returns the model identifier being used.
func (p *AnthropicProvider) Model() string { return p.model }

// Capabilities returns the configured capabilities.
func (p *AnthropicProvider) Capabilities() Capabilities { return p.capabilities }

// Complete performs a single Messages API call. System messages are lifted
// into the top-level system field.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	system, turns := req.systemAndTurns()
	if req.JSONMode {
		system = strings.TrimSpace(system + "\n\nRespond with a single JSON object and nothing else.")
	}

	msgReq := messagesRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		System:      system,
		Messages:    toAnthropicMessages(turns),
		Temperature: req.Temperature,
	}

	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicAPIVersion,
	}
	if req.IdempotencyKey != "" {
		headers[idempotencyHeader] = req.IdempotencyKey
	}

	status, respBody, err := postJSON(ctx, p.httpClient, ProviderAnthropic, p.baseURL+"/v1/messages", headers, msgReq)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, parseAnthropicAPIError(status, respBody)
	}

	var msgResp messagesResponse
	if err := json.Unmarshal(respBody, &msgResp); err != nil {
		return nil, fmt.Errorf("anthropic: failed to unmarshal response: %w", err)
	}

	var text strings.Builder
	for _, block := range msgResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, &APIError{Provider: ProviderAnthropic, StatusCode: http.StatusBadGateway, Message: "no text content in response", Type: "server_error"}
	}

	if msgResp.Model != "" {
		model = msgResp.Model
	}
	return &Response{
		Provider:     ProviderAnthropic,
		Model:        model,
		Content:      text.String(),
		FinishReason: msgResp.StopReason,
		Usage: Usage{
			InputTokens:  msgResp.Usage.InputTokens,
			OutputTokens: msgResp.Usage.OutputTokens,
			TotalTokens:  msgResp.Usage.InputTokens + msgResp.Usage.OutputTokens,
		},
	}, nil
}

func toAnthropicMessages(turns []Message) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(turns))
	for _, m := range turns {
		blocks := make([]contentBlock, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch part := part.(type) {
			case TextPart:
				blocks = append(blocks, contentBlock{Type: "text", Text: part.Text})
			case ImageURLPart:
				blocks = append(blocks, contentBlock{Type: "image", Source: &imageSource{Type: "url", URL: part.URL}})
			case ImageDataPart:
				blocks = append(blocks, contentBlock{Type: "image", Source: &imageSource{
					Type:      "base64",
					MediaType: part.MediaType,
					Data:      part.Base64(),
				}})
			}
		}
		out = append(out, anthropicMessage{Role: string(m.Role), Content: blocks})
	}
	return out
}

// parseAnthropicAPIError parses an Anthropic API error from the response status code and body.
func parseAnthropicAPIError(statusCode int, body []byte) *APIError {
	apiErr := &APIError{
		Provider:   ProviderAnthropic,
		StatusCode: statusCode,
		Message:    string(body),
	}

	var errResp anthropicErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		apiErr.Message = errResp.Error.Message
		apiErr.Type = errResp.Error.Type
	}

	// Anthropic reports overload as 529 with type overloaded_error.
	if apiErr.Type == "overloaded_error" && apiErr.StatusCode < 500 {
		apiErr.StatusCode = 529
	}

	return apiErr
}
