package translate

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// repairableTools are function calls whose schema requires a line_count the
// model routinely omits. The count is recomputed from the content argument.
var repairableTools = map[string]bool{
	"write_to_file": true,
}

// Repair fixes known defects in a native response body before it reaches the
// client: write_to_file-style calls missing line_count get it injected.
// Bodies without matching calls pass through untouched.
func Repair(body []byte) []byte {
	candidates := gjson.GetBytes(body, "candidates")
	if !candidates.IsArray() {
		return body
	}

	out := body
	candidates.ForEach(func(ci, cand gjson.Result) bool {
		cand.Get("content.parts").ForEach(func(pi, part gjson.Result) bool {
			fc := part.Get("functionCall")
			if !fc.Exists() || !repairableTools[fc.Get("name").String()] {
				return true
			}
			args := fc.Get("args")
			if args.Get("line_count").Exists() {
				return true
			}
			content := args.Get("content")
			if !content.Exists() {
				return true
			}
			path := fmt.Sprintf("candidates.%d.content.parts.%d.functionCall.args.line_count",
				ci.Int(), pi.Int())
			if fixed, err := sjson.SetBytes(out, path, countLines(content.String())); err == nil {
				out = fixed
			}
			return true
		})
		return true
	})
	return out
}

// countLines counts text lines the way editors do: a trailing newline does
// not start an extra line.
func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
