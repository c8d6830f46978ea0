package server

import (
	"net/http"

	"github.com/eugener/palantir/internal/app"
)

// Pre-allocated byte slices for SSE framing. These avoid heap allocations
// on every write in the streaming hot path.
var (
	sseDataPrefix = []byte("data: ")
	sseNewline    = []byte("\n\n")
	sseDone       = []byte("data: [DONE]\n\n")
)

// Pre-allocated header value slices for SSE responses.
// Direct map assignment avoids the []string{v} alloc that Header.Set creates.
var (
	sseContentType  = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
)

// writeSSEHeaders sets the response headers for an SSE stream.
func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = sseContentType
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(http.StatusOK)
}

// writeSSEData writes a single SSE data frame: "data: <payload>\n\n".
func writeSSEData(w http.ResponseWriter, data []byte) error {
	if _, err := w.Write(sseDataPrefix); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write(sseNewline)
	return err
}

// writeSSEDone writes the SSE stream termination sentinel: "data: [DONE]\n\n".
func writeSSEDone(w http.ResponseWriter) {
	w.Write(sseDone)
}

// lazySink returns a StreamSink that frames chunks as SSE data events,
// sending response headers with the first chunk so failures before any
// output still get a proper status line. opened reports whether anything
// reached the wire.
func lazySink(w http.ResponseWriter, f http.Flusher, opened *bool) app.StreamSink {
	return func(chunk []byte) error {
		if !*opened {
			writeSSEHeaders(w)
			*opened = true
		}
		if err := writeSSEData(w, chunk); err != nil {
			return err
		}
		f.Flush()
		return nil
	}
}
