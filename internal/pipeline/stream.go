package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/af-corp/loom/internal/provider"
	"github.com/af-corp/loom/internal/types"
)

// ErrStreamIdle marks a stream torn down by the idle watchdog.
var ErrStreamIdle = errors.New("stream idle timeout")

// StreamResult is what a completed stream produced. Content is empty on the
// error path: a partial answer is never persisted or billed.
type StreamResult struct {
	Content string
	Metrics *types.TelemetryMetrics
}

// StreamManager drains one provider stream, forwarding chunks to the
// consumer and accumulating the full reply. A watchdog tears the stream
// down when no fragment arrives within the idle timeout; a reset happens on
// every fragment, so slow-but-alive streams run indefinitely.
type StreamManager struct {
	inference   provider.Inference
	idleTimeout time.Duration
}

func NewStreamManager(inference provider.Inference, idleTimeout time.Duration) *StreamManager {
	return &StreamManager{inference: inference, idleTimeout: idleTimeout}
}

// Run streams the payload through the provider. On success it returns the
// accumulated reply and whatever telemetry the provider reported; on any
// stream error the accumulated content is discarded and only the error is
// returned. The watchdog cancels the upstream call when it fires, so the
// provider connection is released, not orphaned.
func (m *StreamManager) Run(ctx context.Context, messages []types.PromptMessage, opts provider.StreamOptions, emit Emit) (*StreamResult, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	fragments, err := m.inference.Stream(streamCtx, messages, opts)
	if err != nil {
		return nil, fmt.Errorf("start stream: %w", err)
	}

	watchdog := time.NewTimer(m.idleTimeout)
	defer watchdog.Stop()

	var reply strings.Builder
	var metrics *types.TelemetryMetrics

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-watchdog.C:
			cancel()
			return nil, fmt.Errorf("%w after %s", ErrStreamIdle, m.idleTimeout)

		case frag, ok := <-fragments:
			if !ok {
				return &StreamResult{Content: reply.String(), Metrics: metrics}, nil
			}
			if !watchdog.Stop() {
				<-watchdog.C
			}
			watchdog.Reset(m.idleTimeout)

			switch frag.Kind {
			case provider.FragmentContent:
				reply.WriteString(frag.Content)
				emit(types.StreamEvent{Type: types.EventChunk, Content: frag.Content})
			case provider.FragmentTelemetry:
				metrics = frag.Metrics
			case provider.FragmentError:
				cancel()
				return nil, fmt.Errorf("provider stream: %s", frag.Err)
			}
		}
	}
}
