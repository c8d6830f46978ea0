package translate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	proxy "github.com/eugener/palantir/internal"
)

// Options adjusts OpenAI-to-native translation per request.
type Options struct {
	// History is prepended to the request contents, oldest first.
	History []proxy.Turn
	// CachedContent pins the request to an upstream cached-content id.
	CachedContent string
	// DisableSafety sends BLOCK_NONE for every harm category.
	DisableSafety bool
}

// FromOpenAI converts an OpenAI chat completion request to a native
// generateContent request. System messages have no native role; their text is
// flattened into the first user entry.
func FromOpenAI(req *proxy.ChatRequest, opts Options) (*Request, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: messages must not be empty", proxy.ErrBadRequest)
	}

	out := &Request{CachedContent: opts.CachedContent}
	if opts.DisableSafety {
		out.SafetySettings = safetyOff()
	}
	out.GenerationConfig = generationConfig(req)
	out.Tools = toolDeclarations(req.Tools)
	out.Contents = ContentsFromTurns(opts.History)

	var systemText []string
	var body []Content
	for i := range req.Messages {
		m := &req.Messages[i]
		switch m.Role {
		case "system", "developer":
			parts, err := decodeContent(m.Content)
			if err != nil {
				return nil, err
			}
			for _, p := range parts {
				if p.Text != "" {
					systemText = append(systemText, p.Text)
				}
			}
		case "user":
			parts, err := decodeContent(m.Content)
			if err != nil {
				return nil, err
			}
			body = append(body, Content{Role: proxy.RoleUser, Parts: parts})
		case "assistant":
			content, err := assistantContent(m)
			if err != nil {
				return nil, err
			}
			body = append(body, content)
		case "tool":
			body = append(body, toolResponseContent(m))
		default:
			return nil, fmt.Errorf("%w: unsupported message role %q", proxy.ErrBadRequest, m.Role)
		}
	}

	if len(systemText) > 0 {
		prefix := NativePart{Text: strings.Join(systemText, "\n\n")}
		if i := firstUserIndex(body); i >= 0 {
			body[i].Parts = append([]NativePart{prefix}, body[i].Parts...)
		} else {
			body = append([]Content{{Role: proxy.RoleUser, Parts: []NativePart{prefix}}}, body...)
		}
	}
	out.Contents = append(out.Contents, body...)

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func firstUserIndex(contents []Content) int {
	for i, c := range contents {
		if c.Role == proxy.RoleUser {
			return i
		}
	}
	return -1
}

func generationConfig(req *proxy.ChatRequest) *GenerationConfig {
	if req.Temperature == nil && req.TopP == nil && req.MaxTokens == nil &&
		len(req.Stop) == 0 && req.N <= 1 {
		return nil
	}
	cfg := &GenerationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   stopSequences(req.Stop),
	}
	if req.N > 1 {
		cfg.CandidateCount = req.N
	}
	return cfg
}

// stopSequences normalizes the OpenAI stop field, which is either a string
// or an array of strings, to the native array form.
func stopSequences(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		b, _ := json.Marshal([]string{s})
		return b
	}
	return raw
}

// toolDeclarations lifts the function objects out of the OpenAI tools array.
func toolDeclarations(raw json.RawMessage) []Tool {
	if len(raw) == 0 {
		return nil
	}
	var tools []struct {
		Function json.RawMessage `json:"function"`
	}
	if json.Unmarshal(raw, &tools) != nil {
		return nil
	}
	var decls []json.RawMessage
	for _, t := range tools {
		if t.Function != nil {
			decls = append(decls, t.Function)
		}
	}
	if len(decls) == 0 {
		return nil
	}
	b, _ := json.Marshal(decls)
	return []Tool{{FunctionDeclarations: b}}
}

// decodeContent maps an OpenAI content field, a JSON string or an array of
// typed parts, to native parts. Images must be data URLs with an accepted
// mime type.
func decodeContent(raw json.RawMessage) ([]NativePart, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		if s == "" {
			return nil, nil
		}
		return []NativePart{{Text: s}}, nil
	}

	var items []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: invalid message content", proxy.ErrBadRequest)
	}

	var parts []NativePart
	for _, item := range items {
		switch item.Type {
		case "text":
			parts = append(parts, NativePart{Text: item.Text})
		case "image_url":
			blob, err := parseDataURL(item.ImageURL.URL)
			if err != nil {
				return nil, err
			}
			parts = append(parts, NativePart{InlineData: blob})
		default:
			return nil, fmt.Errorf("%w: unsupported content part type %q", proxy.ErrBadRequest, item.Type)
		}
	}
	return parts, nil
}

// parseDataURL splits a data:<mime>;base64,<data> URL. Remote image URLs are
// not fetched on the caller's behalf.
func parseDataURL(url string) (*InlineBlob, error) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return nil, fmt.Errorf("%w: image_url must be a base64 data URL", proxy.ErrBadRequest)
	}
	mime, data, ok := strings.Cut(rest, ";base64,")
	if !ok {
		return nil, fmt.Errorf("%w: image_url must be a base64 data URL", proxy.ErrBadRequest)
	}
	if !proxy.AllowedImageMime(mime) {
		return nil, fmt.Errorf("%w: unsupported image mime type %q", proxy.ErrBadRequest, mime)
	}
	return &InlineBlob{MimeType: mime, Data: data}, nil
}

// assistantContent maps an assistant message to a model entry, converting
// prior tool calls back to native functionCall parts.
func assistantContent(m *proxy.Message) (Content, error) {
	content := Content{Role: proxy.RoleModel}

	parts, err := decodeContent(m.Content)
	if err != nil {
		return Content{}, err
	}
	content.Parts = parts

	if len(m.ToolCalls) > 0 {
		var calls []struct {
			Function struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function"`
		}
		if err := json.Unmarshal(m.ToolCalls, &calls); err != nil {
			return Content{}, fmt.Errorf("%w: invalid tool_calls", proxy.ErrBadRequest)
		}
		for _, call := range calls {
			args := json.RawMessage(call.Function.Arguments)
			if !json.Valid(args) {
				args, _ = json.Marshal(call.Function.Arguments)
			}
			fc, _ := json.Marshal(map[string]any{
				"name": call.Function.Name,
				"args": args,
			})
			content.Parts = append(content.Parts, NativePart{FunctionCall: fc})
		}
	}
	return content, nil
}

// toolResponseContent maps a tool-result message to a user entry carrying a
// functionResponse part. The native API requires response to be an object;
// bare strings get wrapped.
func toolResponseContent(m *proxy.Message) Content {
	name := m.Name
	if name == "" {
		name = m.ToolCallID
	}
	var response json.RawMessage
	if trimmed := bytes.TrimSpace(m.Content); len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed) {
		response = trimmed
	} else {
		var s string
		if json.Unmarshal(m.Content, &s) != nil {
			s = string(m.Content)
		}
		response, _ = json.Marshal(map[string]string{"result": s})
	}
	fr, _ := json.Marshal(map[string]any{
		"name":     name,
		"response": response,
	})
	return Content{Role: proxy.RoleUser, Parts: []NativePart{{FunctionResponse: fr}}}
}
