package translate

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
)

// Stream converts native streaming events to OpenAI chat.completion.chunk
// payloads. It is stateful per response: the first delta carries the
// assistant role, the terminal chunk carries the finish reason, and usage is
// tracked cumulatively for the final usage chunk and the tracker settle.
//
// Not safe for concurrent use; one Stream serves one response.
type Stream struct {
	id           string
	model        string
	created      int64
	includeUsage bool

	started   bool
	toolCalls int
	finish    string
	usage     *proxy.Usage
}

// NewStream returns a translator for one streaming response.
func NewStream(id, model string, created int64, includeUsage bool) *Stream {
	return &Stream{id: id, model: model, created: created, includeUsage: includeUsage}
}

// Next translates one native SSE event into zero or more chunk payloads.
// finishReason and usage are remembered, not emitted here; Finish flushes
// them so the terminal ordering is always delta* -> finish -> usage.
func (s *Stream) Next(event []byte) [][]byte {
	event = Repair(event)
	r := gjson.ParseBytes(event)

	if u := usageFrom(r); u != nil {
		s.usage = u
	}
	if fr := mapStopReason(r.Get("candidates.0.finishReason").String()); fr != "" {
		s.finish = fr
	}

	var out [][]byte
	var text string
	var calls []map[string]any
	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			text += t.String()
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			name := fc.Get("name").String()
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			calls = append(calls, map[string]any{
				"index": s.toolCalls,
				"id":    callID(name, s.toolCalls),
				"type":  "function",
				"function": map[string]any{
					"name":      name,
					"arguments": args,
				},
			})
			s.toolCalls++
		}
		return true
	})

	if text != "" {
		delta := map[string]any{"content": text}
		if !s.started {
			delta["role"] = "assistant"
			s.started = true
		}
		out = append(out, s.chunk(delta, nil))
	}
	if len(calls) > 0 {
		delta := map[string]any{"tool_calls": calls}
		if !s.started {
			delta["role"] = "assistant"
			s.started = true
		}
		out = append(out, s.chunk(delta, nil))
	}
	return out
}

// Finish returns the terminal chunks: one carrying the finish reason, then a
// usage chunk when the client asked for it. The caller appends the [DONE]
// sentinel itself.
func (s *Stream) Finish() [][]byte {
	finish := s.FinishReason()

	out := [][]byte{s.chunk(map[string]any{}, finish)}
	if s.includeUsage && s.usage != nil {
		out = append(out, s.usageChunk())
	}
	return out
}

// FinishReason returns the mapped terminal reason. Tool calls override a
// plain stop; a stream that ended without one reports "stop".
func (s *Stream) FinishReason() string {
	if s.toolCalls > 0 && (s.finish == "" || s.finish == "stop") {
		return "tool_calls"
	}
	if s.finish == "" {
		return "stop"
	}
	return s.finish
}

// Usage returns the last cumulative usage seen, or nil.
func (s *Stream) Usage() *proxy.Usage { return s.usage }

func (s *Stream) chunk(delta map[string]any, finish any) []byte {
	if fr, ok := finish.(string); ok && fr == "" {
		finish = nil
	}
	b, _ := json.Marshal(map[string]any{
		"id":      s.id,
		"object":  "chat.completion.chunk",
		"created": s.created,
		"model":   s.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finish,
		}},
	})
	return b
}

func (s *Stream) usageChunk() []byte {
	b, _ := json.Marshal(map[string]any{
		"id":      s.id,
		"object":  "chat.completion.chunk",
		"created": s.created,
		"model":   s.model,
		"choices": []map[string]any{},
		"usage":   s.usage,
	})
	return b
}
