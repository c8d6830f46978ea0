// Package translate converts between the OpenAI-compatible wire format, the
// provider's native generateContent format, and the internal conversation
// model. Translation is pure: no I/O, no retries, no knowledge of keys.
package translate

import (
	"encoding/json"
	"fmt"

	proxy "github.com/eugener/palantir/internal"
)

// Request is the native generateContent request body.
type Request struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
	ToolConfig        json.RawMessage   `json:"toolConfig,omitempty"`
	SafetySettings    []SafetySetting   `json:"safetySettings,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	CachedContent     string            `json:"cachedContent,omitempty"`
}

// Content is one native conversation entry.
type Content struct {
	Role  string       `json:"role,omitempty"`
	Parts []NativePart `json:"parts"`
}

// NativePart is one piece of native content. Exactly one field is set.
type NativePart struct {
	Text             string          `json:"text,omitempty"`
	InlineData       *InlineBlob     `json:"inlineData,omitempty"`
	FunctionCall     json.RawMessage `json:"functionCall,omitempty"`
	FunctionResponse json.RawMessage `json:"functionResponse,omitempty"`
}

// InlineBlob is base64 binary content in the native camelCase shape.
type InlineBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Tool wraps native function declarations.
type Tool struct {
	FunctionDeclarations json.RawMessage `json:"functionDeclarations,omitempty"`
}

// SafetySetting adjusts one harm-category threshold.
type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// GenerationConfig carries sampling and length parameters.
type GenerationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	MaxOutputTokens *int            `json:"maxOutputTokens,omitempty"`
	CandidateCount  int             `json:"candidateCount,omitempty"`
	StopSequences   json.RawMessage `json:"stopSequences,omitempty"`
}

// safetyCategories are the harm categories the provider filters by default.
var safetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
	"HARM_CATEGORY_CIVIC_INTEGRITY",
}

// safetyOff returns settings that disable all harm-category blocking.
func safetyOff() []SafetySetting {
	out := make([]SafetySetting, 0, len(safetyCategories))
	for _, cat := range safetyCategories {
		out = append(out, SafetySetting{Category: cat, Threshold: "BLOCK_NONE"})
	}
	return out
}

// ParseNative decodes a native request body for the passthrough endpoints.
// The body is not restructured; only decoded far enough to validate and to
// reuse its contents for caching and context handling.
func ParseNative(body []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: invalid request body: %v", proxy.ErrBadRequest, err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Validate checks structural requirements: at least one content entry and
// only provider-accepted inline mime types.
func (r *Request) Validate() error {
	if len(r.Contents) == 0 {
		return fmt.Errorf("%w: contents must not be empty", proxy.ErrBadRequest)
	}
	for _, c := range r.Contents {
		if err := validateParts(c.Parts); err != nil {
			return err
		}
	}
	if r.SystemInstruction != nil {
		if err := validateParts(r.SystemInstruction.Parts); err != nil {
			return err
		}
	}
	return nil
}

func validateParts(parts []NativePart) error {
	for _, p := range parts {
		if p.InlineData != nil && !proxy.AllowedImageMime(p.InlineData.MimeType) {
			return fmt.Errorf("%w: unsupported inline mime type %q", proxy.ErrBadRequest, p.InlineData.MimeType)
		}
	}
	return nil
}

// Marshal serializes the request for the upstream call.
func (r *Request) Marshal() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return b, nil
}
