package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/af-corp/loom/internal/config"
	"github.com/af-corp/loom/internal/types"
)

// OpenAICompatible talks to any provider exposing the OpenAI chat-completions
// and embeddings API shape (OpenAI, Groq, Together, local gateways).
type OpenAICompatible struct {
	name   string
	cfg    config.ProviderConfig
	client *http.Client
}

func NewOpenAICompatible(name string, cfg config.ProviderConfig, client *http.Client) *OpenAICompatible {
	return &OpenAICompatible{name: name, cfg: cfg, client: client}
}

func (c *OpenAICompatible) Name() string { return c.name }

type chatRequestBody struct {
	Model         string                `json:"model"`
	Messages      []types.PromptMessage `json:"messages"`
	Stream        bool                  `json:"stream"`
	StreamOptions *streamOptionsBody    `json:"stream_options,omitempty"`
	Temperature   *float64              `json:"temperature,omitempty"`
	TopP          *float64              `json:"top_p,omitempty"`
	TopK          *int                  `json:"top_k,omitempty"`
	MaxTokens     *int                  `json:"max_tokens,omitempty"`
	User          string                `json:"user,omitempty"`
}

type streamOptionsBody struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Stream opens a chat-completions stream and converts SSE lines into
// fragments. The returned channel is closed when the provider finishes,
// errors, or ctx is cancelled.
func (c *OpenAICompatible) Stream(ctx context.Context, messages []types.PromptMessage, opts StreamOptions) (<-chan Fragment, error) {
	body := chatRequestBody{
		Model:         opts.Model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &streamOptionsBody{IncludeUsage: true},
		User:          opts.UserID,
	}
	if opts.Sampling != nil {
		body.Temperature = opts.Sampling.Temperature
		body.TopP = opts.Sampling.TopP
		body.TopK = opts.Sampling.TopK
		body.MaxTokens = opts.Sampling.MaxTokens
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	url := c.cfg.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	for k, v := range c.cfg.Headers {
		if v != "" {
			httpReq.Header.Set(k, v)
		}
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("provider %s returned status %d: %s", c.name, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	ch := make(chan Fragment, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		// Increase scanner buffer for large chunks
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				return
			}

			var chunk chatStreamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}

			if chunk.Error != nil {
				if !send(ctx, ch, Fragment{Kind: FragmentError, Err: chunk.Error.Message}) {
					return
				}
				continue
			}
			if chunk.Usage != nil {
				frag := Fragment{Kind: FragmentTelemetry, Metrics: &types.TelemetryMetrics{
					Provider:  c.name,
					Model:     chunk.Model,
					TokensIn:  chunk.Usage.PromptTokens,
					TokensOut: chunk.Usage.CompletionTokens,
				}}
				if !send(ctx, ch, frag) {
					return
				}
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if !send(ctx, ch, Fragment{Kind: FragmentContent, Content: choice.Delta.Content}) {
					return
				}
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			send(ctx, ch, Fragment{Kind: FragmentError, Err: err.Error()})
		}
	}()

	return ch, nil
}

func send(ctx context.Context, ch chan<- Fragment, f Fragment) bool {
	select {
	case ch <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

type embedRequestBody struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponseBody struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// EmbedWithModel requests a single embedding vector.
func (c *OpenAICompatible) EmbedWithModel(ctx context.Context, model, text string) ([]float32, error) {
	data, err := json.Marshal(embedRequestBody{Model: model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/embeddings", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var body embedResponseBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("unmarshal embedding response: %w", err)
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	return body.Data[0].Embedding, nil
}

// EmbeddingClient binds a provider client to a fixed embedding model,
// satisfying the Embedder interface.
type EmbeddingClient struct {
	c     *OpenAICompatible
	model string
}

func NewEmbeddingClient(c *OpenAICompatible, model string) *EmbeddingClient {
	return &EmbeddingClient{c: c, model: model}
}

func (e *EmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.c.EmbedWithModel(ctx, e.model, text)
}
