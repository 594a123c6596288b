package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiProvider implements Provider on top of the Gemini API client.
type GeminiProvider struct {
	client       *genai.Client
	model        string
	capabilities Capabilities
}

// NewGeminiProvider creates a Gemini provider. BaseURL overrides the API
// endpoint, which tests use to point the client at a local server.
func NewGeminiProvider(ctx context.Context, cfg ProviderConfig) (*GeminiProvider, error) {
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: api key is required")
	}

	clientCfg := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: newHTTPClient(cfg.Timeout),
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}

	return &GeminiProvider{
		client:       client,
		model:        model,
		capabilities: cfg.Capabilities,
	}, nil
}

// Name returns the provider name.
func (p *GeminiProvider) Name() string { return ProviderGemini }

// Model returns the model identifier being used.
func (p *GeminiProvider) Model() string { return p.model }

// Capabilities returns the configured capabilities.
func (p *GeminiProvider) Capabilities() Capabilities { return p.capabilities }

// Complete performs a single GenerateContent call.
func (p *GeminiProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	system, turns := req.systemAndTurns()
	genCfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Temperature)),
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if system != "" {
		genCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(system)}}
	}
	if req.JSONMode {
		genCfg.ResponseMIMEType = "application/json"
	}
	if req.IdempotencyKey != "" {
		genCfg.HTTPOptions = &genai.HTTPOptions{
			Headers: http.Header{idempotencyHeader: []string{req.IdempotencyKey}},
		}
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, toGeminiContents(turns), genCfg)
	if err != nil {
		return nil, classifyGeminiError(ctx, err)
	}

	content := resp.Text()
	if len(resp.Candidates) == 0 || content == "" {
		return nil, &APIError{Provider: ProviderGemini, StatusCode: http.StatusBadGateway, Message: "no text content in response", Type: "server_error"}
	}

	out := &Response{
		Provider:     ProviderGemini,
		Model:        model,
		Content:      content,
		FinishReason: string(resp.Candidates[0].FinishReason),
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = Usage{
			InputTokens:  int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
			TotalTokens:  int(u.TotalTokenCount),
		}
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	return out, nil
}

func toGeminiContents(turns []Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(turns))
	for _, m := range turns {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		parts := make([]*genai.Part, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch part := part.(type) {
			case TextPart:
				parts = append(parts, genai.NewPartFromText(part.Text))
			case ImageURLPart:
				mediaType := part.MediaType
				if mediaType == "" {
					mediaType = "image/jpeg"
				}
				parts = append(parts, genai.NewPartFromURI(part.URL, mediaType))
			case ImageDataPart:
				parts = append(parts, genai.NewPartFromBytes(part.Data, part.MediaType))
			}
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	return out
}

// classifyGeminiError maps client errors onto APIError so the gateway can
// classify them like the HTTP adapters.
func classifyGeminiError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("gemini: %w", ctx.Err())
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &APIError{
			Provider:   ProviderGemini,
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       apiErr.Status,
		}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return &APIError{
			Provider:   ProviderGemini,
			StatusCode: apiErrPtr.Code,
			Message:    apiErrPtr.Message,
			Type:       apiErrPtr.Status,
		}
	}
	return networkError(ProviderGemini, err)
}
