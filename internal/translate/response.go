package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
)

// ToOpenAI converts a native generateContent response to an OpenAI chat
// completion. A response with no candidates (fully filtered) becomes an
// empty assistant message rather than an error.
func ToOpenAI(data []byte, id, model string, created int64) (*proxy.ChatResponse, error) {
	r := gjson.ParseBytes(data)

	msg := proxy.Message{Role: "assistant"}
	finish := mapStopReason(r.Get("candidates.0.finishReason").String())

	var text strings.Builder
	var toolCalls []json.RawMessage
	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			text.WriteString(t.String())
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			toolCalls = append(toolCalls, toolCallJSON(fc, len(toolCalls)))
		}
		return true
	})

	if text.Len() > 0 || len(toolCalls) == 0 {
		ct, _ := json.Marshal(text.String())
		msg.Content = ct
	}
	if len(toolCalls) > 0 {
		tc, _ := json.Marshal(toolCalls)
		msg.ToolCalls = tc
		finish = "tool_calls"
	}
	if finish == "" {
		finish = "stop"
	}

	return &proxy.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []proxy.Choice{{Index: 0, Message: msg, FinishReason: finish}},
		Usage:   usageFrom(r),
	}, nil
}

// toolCallJSON builds one OpenAI tool_calls entry from a native functionCall
// part. The native API has no call ids; a stable synthetic one is derived
// from the name and position.
func toolCallJSON(fc gjson.Result, index int) json.RawMessage {
	name := fc.Get("name").String()
	args := fc.Get("args").Raw
	if args == "" {
		args = "{}"
	}
	b, _ := json.Marshal(map[string]any{
		"id":   callID(name, index),
		"type": "function",
		"function": map[string]any{
			"name":      name,
			"arguments": args,
		},
	})
	return b
}

func callID(name string, index int) string {
	if index == 0 {
		return "call_" + name
	}
	return fmt.Sprintf("call_%s_%d", name, index)
}

// usageFrom extracts token usage from native usageMetadata. Missing metadata
// yields nil; cached-prefix tokens surface in prompt_tokens_details.
func usageFrom(r gjson.Result) *proxy.Usage {
	u := r.Get("usageMetadata")
	if !u.Exists() {
		return nil
	}
	usage := &proxy.Usage{
		PromptTokens:     int(u.Get("promptTokenCount").Int()),
		CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
		TotalTokens:      int(u.Get("totalTokenCount").Int()),
	}
	if cached := u.Get("cachedContentTokenCount"); cached.Exists() {
		usage.PromptTokensDetails = &proxy.PromptTokensDetails{CachedTokens: int(cached.Int())}
	}
	return usage
}

// mapStopReason converts native finish reasons to OpenAI finish reasons.
// Anything unrecognized maps to "stop" so clients always see a known value.
func mapStopReason(reason string) string {
	switch reason {
	case "":
		return ""
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return "stop"
	}
}

// ResponseText concatenates the text parts of the first candidate, for
// context persistence and logging.
func ResponseText(data []byte) string {
	var b strings.Builder
	gjson.GetBytes(data, "candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			b.WriteString(t.String())
		}
		return true
	})
	return b.String()
}

// UsageFromNative extracts usage from a raw native response body.
func UsageFromNative(data []byte) *proxy.Usage {
	return usageFrom(gjson.ParseBytes(data))
}
