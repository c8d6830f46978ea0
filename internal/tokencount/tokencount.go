// Package tokencount provides token estimation for pre-flight checks, context
// truncation, and usage recording. Uses a character-based heuristic (~4 bytes
// per token) which is documented-inexact but sufficient for quota accounting;
// the upstream countTokens endpoint can substitute exact counts when needed.
package tokencount

import (
	"encoding/json"

	proxy "github.com/eugener/palantir/internal"
)

// Estimate returns the heuristic token count for a plain string: ceil(len/4).
func Estimate(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}

// EstimateJSON estimates tokens for an already-serialized JSON payload.
func EstimateJSON(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	return (len(b) + 3) / 4
}

// EstimateTurns estimates the token total of conversation turns by the size
// of their serialized JSON form. This matches what the store persists, so
// truncation decisions and store-time checks agree with each other.
func EstimateTurns(turns []proxy.Turn) int {
	if len(turns) == 0 {
		return 0
	}
	b, err := json.Marshal(turns)
	if err != nil {
		// Turns are plain structs; Marshal cannot realistically fail.
		// Fall back to per-part counting to stay conservative.
		total := 0
		for _, turn := range turns {
			total += Estimate(turn.Role)
			for _, p := range turn.Parts {
				total += Estimate(p.Text)
				if p.InlineData != nil {
					total += Estimate(p.InlineData.Data)
				}
			}
		}
		return max(total, 1)
	}
	return EstimateJSON(b)
}

// EstimateMessages estimates the token total for OpenAI-shape messages,
// including a small per-message overhead for role framing.
func EstimateMessages(messages []proxy.Message) int {
	total := 0
	for _, m := range messages {
		total += 4 // role and framing overhead
		total += Estimate(string(m.Content))
		if len(m.ToolCalls) > 0 {
			total += Estimate(string(m.ToolCalls))
		}
	}
	return max(total, 1)
}
