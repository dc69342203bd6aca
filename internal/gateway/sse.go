package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/af-corp/loom/internal/types"
)

// sseWriter frames stream events as SSE data lines. Headers are written
// lazily on the first event, so failures before any output can still be
// reported as plain JSON errors with a proper status code.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	reqID   string
	started bool
}

func newSSEWriter(w http.ResponseWriter, reqID string) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: w, flusher: flusher, reqID: reqID}, true
}

func (s *sseWriter) Started() bool { return s.started }

func (s *sseWriter) start() {
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.Header().Set("X-Request-ID", s.reqID)
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
	s.started = true
}

// WriteEvent sends one event and flushes so chunks reach the consumer as
// they arrive, not when the buffer fills.
func (s *sseWriter) WriteEvent(ev types.StreamEvent) error {
	if !s.started {
		s.start()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// Done terminates the stream with the [DONE] sentinel.
func (s *sseWriter) Done() {
	if !s.started {
		s.start()
	}
	fmt.Fprintf(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}
