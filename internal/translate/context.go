package translate

import (
	"encoding/json"
	"fmt"
	"time"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/tokencount"
)

// ContentsFromTurns maps stored conversation turns to native content entries.
func ContentsFromTurns(turns []proxy.Turn) []Content {
	if len(turns) == 0 {
		return nil
	}
	out := make([]Content, 0, len(turns))
	for _, turn := range turns {
		c := Content{Role: turn.Role, Parts: make([]NativePart, 0, len(turn.Parts))}
		for _, p := range turn.Parts {
			switch {
			case p.InlineData != nil:
				c.Parts = append(c.Parts, NativePart{InlineData: &InlineBlob{
					MimeType: p.InlineData.MimeType,
					Data:     p.InlineData.Data,
				}})
			default:
				c.Parts = append(c.Parts, NativePart{Text: p.Text})
			}
		}
		out = append(out, c)
	}
	return out
}

// TurnsFromContents maps native content entries to storable turns. Function
// call and response parts are not persisted; only text and inline data make
// up the conversation record.
func TurnsFromContents(contents []Content) []proxy.Turn {
	out := make([]proxy.Turn, 0, len(contents))
	for _, c := range contents {
		role := c.Role
		if role == "" {
			role = proxy.RoleUser
		}
		turn := proxy.Turn{Role: role}
		for _, p := range c.Parts {
			switch {
			case p.InlineData != nil:
				turn.Parts = append(turn.Parts, proxy.BlobPart(p.InlineData.MimeType, p.InlineData.Data))
			case p.Text != "":
				turn.Parts = append(turn.Parts, proxy.TextPart(p.Text))
			}
		}
		if len(turn.Parts) > 0 {
			out = append(out, turn)
		}
	}
	return out
}

// ResponseTurn builds the model turn to persist from a native response body.
// ok is false when the response carries no storable content.
func ResponseTurn(data []byte) (proxy.Turn, bool) {
	text := ResponseText(data)
	if text == "" {
		return proxy.Turn{}, false
	}
	return proxy.Turn{Role: proxy.RoleModel, Parts: []proxy.Part{proxy.TextPart(text)}}, true
}

// PrefixPayload serializes contents canonically for cache-prefix hashing.
func PrefixPayload(contents []Content) []byte {
	b, _ := json.Marshal(contents)
	return b
}

// PrefixHash returns the content hash used to match a prompt prefix against
// registered cache handles.
func PrefixHash(contents []Content) string {
	return proxy.HashContent(PrefixPayload(contents))
}

// EstimateTokens estimates the input token count of a native request:
// serialized contents plus system instruction at four bytes per token.
func EstimateTokens(r *Request) int {
	total := tokencount.EstimateJSON(PrefixPayload(r.Contents))
	if r.SystemInstruction != nil {
		b, _ := json.Marshal(r.SystemInstruction)
		total += tokencount.EstimateJSON(b)
	}
	return total
}

// CachedContentBody builds the native cachedContents create request for a
// prompt prefix.
func CachedContentBody(model string, contents []Content, ttl time.Duration) ([]byte, error) {
	body := map[string]any{
		"model":    "models/" + model,
		"contents": contents,
		"ttl":      fmt.Sprintf("%ds", int(ttl.Seconds())),
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal cached content: %w", err)
	}
	return b, nil
}
