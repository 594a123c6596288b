package llm

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
)

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Part is one piece of message content. The set of implementations is closed:
// TextPart, ImageURLPart and ImageDataPart.
type Part interface {
	isPart()
}

// TextPart is plain text content.
type TextPart struct {
	Text string
}

// ImageURLPart references an image by URL.
type ImageURLPart struct {
	URL       string
	MediaType string
}

// ImageDataPart carries an inline image.
type ImageDataPart struct {
	MediaType string
	Data      []byte
}

func (TextPart) isPart()      {}
func (ImageURLPart) isPart()  {}
func (ImageDataPart) isPart() {}

// Base64 returns the image data base64 encoded.
func (p ImageDataPart) Base64() string {
	return base64.StdEncoding.EncodeToString(p.Data)
}

// DataURL returns the image as a data: URL.
func (p ImageDataPart) DataURL() string {
	return "data:" + p.MediaType + ";base64," + p.Base64()
}

// Message is a role and its ordered content parts.
type Message struct {
	Role  Role
	Parts []Part
}

// Text builds a single-part text message.
func Text(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{TextPart{Text: text}}}
}

// PlainText concatenates the text parts of the message.
func (m Message) PlainText() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// Requirements are the capabilities a request needs from a provider.
type Requirements struct {
	Vision        bool
	Streaming     bool
	ContextTokens int
}

// Request is a validated, provider-neutral completion request.
type Request struct {
	Messages       []Message
	Temperature    float64
	MaxTokens      int
	JSONMode       bool
	Stream         bool
	IdempotencyKey string
	// Model overrides the provider's configured model when set.
	Model string

	requirements Requirements
}

// Requirements returns the capabilities derived when the request was built.
func (r *Request) Requirements() Requirements {
	return r.requirements
}

// RequestOption customizes a Request.
type RequestOption func(*Request)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) RequestOption {
	return func(r *Request) { r.Temperature = t }
}

// WithMaxTokens sets the completion budget.
func WithMaxTokens(n int) RequestOption {
	return func(r *Request) { r.MaxTokens = n }
}

// WithJSONMode asks the provider for a JSON object response where supported.
func WithJSONMode() RequestOption {
	return func(r *Request) { r.JSONMode = true }
}

// WithStreaming marks the request as requiring a streaming-capable provider.
func WithStreaming() RequestOption {
	return func(r *Request) { r.Stream = true }
}

// WithIdempotencyKey attaches a key providers can use to de-duplicate retries.
func WithIdempotencyKey(key string) RequestOption {
	return func(r *Request) { r.IdempotencyKey = key }
}

// WithModel overrides the provider's configured model.
func WithModel(model string) RequestOption {
	return func(r *Request) { r.Model = model }
}

const (
	defaultMaxTokens = 1024
	// imageTokenEstimate approximates the context cost of one image.
	imageTokenEstimate = 1000
)

// NewRequest validates messages and options and derives the request's
// capability requirements.
func NewRequest(messages []Message, opts ...RequestOption) (*Request, error) {
	r := &Request{
		Messages:  messages,
		MaxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(r)
	}

	if len(r.Messages) == 0 {
		return nil, domain.NewValidationError("messages", "at least one message is required")
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return nil, domain.NewValidationError("temperature", "must be between 0 and 2")
	}
	if r.MaxTokens <= 0 {
		return nil, domain.NewValidationError("max_tokens", "must be positive")
	}

	chars := 0
	hasUser := false
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleAssistant:
		case RoleUser:
			hasUser = true
		default:
			return nil, domain.NewValidationError("messages", fmt.Sprintf("message %d has unknown role %q", i, m.Role))
		}
		if len(m.Parts) == 0 {
			return nil, domain.NewValidationError("messages", fmt.Sprintf("message %d has no content", i))
		}
		for _, p := range m.Parts {
			switch p := p.(type) {
			case TextPart:
				chars += len(p.Text)
			case ImageURLPart:
				if p.URL == "" {
					return nil, domain.NewValidationError("messages", fmt.Sprintf("message %d has an image without URL", i))
				}
				if m.Role != RoleUser {
					return nil, domain.NewValidationError("messages", "images are only allowed in user messages")
				}
				r.requirements.Vision = true
				r.requirements.ContextTokens += imageTokenEstimate
			case ImageDataPart:
				if len(p.Data) == 0 || p.MediaType == "" {
					return nil, domain.NewValidationError("messages", fmt.Sprintf("message %d has an image without data or media type", i))
				}
				if m.Role != RoleUser {
					return nil, domain.NewValidationError("messages", "images are only allowed in user messages")
				}
				r.requirements.Vision = true
				r.requirements.ContextTokens += imageTokenEstimate
			default:
				return nil, domain.NewValidationError("messages", fmt.Sprintf("message %d has unsupported content", i))
			}
		}
	}
	if !hasUser {
		return nil, domain.NewValidationError("messages", "at least one user message is required")
	}

	r.requirements.Streaming = r.Stream
	r.requirements.ContextTokens += chars/4 + r.MaxTokens

	return r, nil
}

// systemAndTurns splits leading-or-interleaved system messages from the
// conversational turns, for providers that carry the system prompt separately.
func (r *Request) systemAndTurns() (string, []Message) {
	var (
		system []string
		turns  []Message
	)
	for _, m := range r.Messages {
		if m.Role == RoleSystem {
			system = append(system, m.PlainText())
			continue
		}
		turns = append(turns, m)
	}
	return strings.Join(system, "\n\n"), turns
}
