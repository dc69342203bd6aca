package provider

import (
	"context"

	"github.com/af-corp/loom/internal/types"
)

type FragmentKind string

const (
	FragmentContent   FragmentKind = "content"
	FragmentTelemetry FragmentKind = "telemetry"
	FragmentError     FragmentKind = "error"
)

// Fragment is one element of an inference provider's output stream.
type Fragment struct {
	Kind    FragmentKind
	Content string
	Metrics *types.TelemetryMetrics
	Err     string
}

// StreamOptions selects the model and identity for one inference call.
// Sampling is nil in auto inference mode; no sampling parameters are
// forwarded to the provider in that case.
type StreamOptions struct {
	Provider string
	Model    string
	UserID   string
	Sampling *types.SamplingParams
}

// Inference drives a model's token stream. The returned channel is closed
// when the stream ends; cancelling ctx tears down the underlying call.
type Inference interface {
	Stream(ctx context.Context, messages []types.PromptMessage, opts StreamOptions) (<-chan Fragment, error)
}

// Embedder converts text into a vector, or nil when the provider has no
// embedding deployment configured.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
