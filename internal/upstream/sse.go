package upstream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	proxy "github.com/eugener/palantir/internal"
)

const maxLineSize = 1 << 20 // 1MB per SSE line; events carry whole JSON bodies

// newScanner returns a bufio.Scanner sized for SSE lines.
func newScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// parseSSELine extracts the data payload from one SSE line. ok is false for
// empty lines, comments, event fields, and anything malformed.
func parseSSELine(line string) (data string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", false
	}
	key, value, found := strings.Cut(line, ":")
	if !found || key != "data" {
		return "", false
	}
	return strings.TrimPrefix(value, " "), true
}

// readStream forwards raw native SSE events to ch until EOF. The provider's
// stream has no terminator sentinel; the response simply ends. A read error
// or cancellation is delivered as the final event before close.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- proxy.StreamEvent) {
	defer close(ch)
	defer body.Close()

	scanner := newScanner(body)
	for scanner.Scan() {
		data, ok := parseSSELine(scanner.Text())
		if !ok {
			continue
		}
		select {
		case ch <- proxy.StreamEvent{Data: []byte(data)}:
		case <-ctx.Done():
			ch <- proxy.StreamEvent{Err: ctx.Err()}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			// Client cancellation, not an upstream failure.
			ch <- proxy.StreamEvent{Err: cerr}
			return
		}
		ch <- proxy.StreamEvent{Err: fmt.Errorf("%w: %v", proxy.ErrStreamInterrupted, err)}
	}
}
