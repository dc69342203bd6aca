package pipeline

import (
	"errors"
	"strings"
	"testing"

	"github.com/af-corp/loom/internal/config"
	"github.com/af-corp/loom/internal/provider"
	"github.com/af-corp/loom/internal/types"
)

func testBackgroundConfig() config.BackgroundConfig {
	cfg := config.DefaultConfig().Background
	cfg.EmbeddingMaxTokens = 5
	return cfg
}

func TestBackgroundEmbedsBothMessages(t *testing.T) {
	s := newFakeStore()
	embedder := &fakeEmbedder{vector: []float32{0.5}}
	bg := NewBackground(s, embedder, &fakeInference{}, wordCounter{}, testBackgroundConfig(), testLogger(), nil)

	user := &types.Message{ID: "u1", ChatID: "c1", Content: "question"}
	assistant := &types.Message{ID: "a1", ChatID: "c1", Content: "answer"}
	bg.EmbedMessages(user, assistant)

	if len(s.vectors) != 2 {
		t.Fatalf("got %d stored vectors, want 2", len(s.vectors))
	}
	if s.vectors["u1"] == nil || s.vectors["a1"] == nil {
		t.Error("vectors not stored under the message ids")
	}
}

func TestBackgroundEmbedTruncatesLongContent(t *testing.T) {
	s := newFakeStore()
	embedder := &fakeEmbedder{vector: []float32{0.5}}
	bg := NewBackground(s, embedder, &fakeInference{}, wordCounter{}, testBackgroundConfig(), testLogger(), nil)

	long := &types.Message{ID: "m1", ChatID: "c1", Content: "one two three four five six seven"}
	bg.EmbedMessages(long)

	if len(embedder.calls) != 1 {
		t.Fatalf("got %d embed calls, want 1", len(embedder.calls))
	}
	if got := embedder.calls[0]; got != "one two three four five" {
		t.Errorf("embedded text = %q, want the 5-token prefix", got)
	}
}

func TestBackgroundEmbedFailureIsIsolated(t *testing.T) {
	s := newFakeStore()
	embedder := &fakeEmbedder{err: errors.New("quota exceeded")}
	var failed []string
	bg := NewBackground(s, embedder, &fakeInference{}, wordCounter{}, testBackgroundConfig(), testLogger(),
		func(task string) { failed = append(failed, task) })

	bg.EmbedMessages(
		&types.Message{ID: "u1", ChatID: "c1", Content: "question"},
		&types.Message{ID: "a1", ChatID: "c1", Content: "answer"},
	)

	// Both messages were attempted; both failures counted; nothing stored.
	if len(embedder.calls) != 2 {
		t.Errorf("got %d embed calls, want 2 (one failure must not stop the other)", len(embedder.calls))
	}
	if len(failed) != 2 {
		t.Errorf("got %d failure callbacks, want 2", len(failed))
	}
	if len(s.vectors) != 0 {
		t.Error("vectors stored despite embedding failures")
	}
}

func TestBackgroundGenerateTitle(t *testing.T) {
	s := newFakeStore()
	inference := &fakeInference{fragments: []provider.Fragment{
		{Kind: provider.FragmentContent, Content: `  "Trip Planning Help"  `},
	}}
	bg := NewBackground(s, &fakeEmbedder{}, inference, wordCounter{}, testBackgroundConfig(), testLogger(), nil)

	bg.GenerateTitle("chat-1", "help me plan a trip", "sure, where to?")

	if got := s.titleUpdates["chat-1"]; got != "Trip Planning Help" {
		t.Errorf("title = %q, want the quote-stripped model output", got)
	}
	if inference.lastOpts.Provider == "" || inference.lastOpts.Model == "" {
		t.Error("title request did not target the configured title model")
	}
}

func TestBackgroundTitleLengthCapped(t *testing.T) {
	s := newFakeStore()
	inference := &fakeInference{fragments: []provider.Fragment{
		{Kind: provider.FragmentContent, Content: strings.Repeat("Very Long Title ", 20)},
	}}
	bg := NewBackground(s, &fakeEmbedder{}, inference, wordCounter{}, testBackgroundConfig(), testLogger(), nil)

	bg.GenerateTitle("chat-1", "hi", "hello")

	if got := s.titleUpdates["chat-1"]; len(got) > 80 {
		t.Errorf("title length = %d, want at most 80", len(got))
	}
}

func TestBackgroundTitleFailureDoesNotUpdate(t *testing.T) {
	s := newFakeStore()
	inference := &fakeInference{fragments: []provider.Fragment{
		{Kind: provider.FragmentError, Err: "model offline"},
	}}
	var failed []string
	bg := NewBackground(s, &fakeEmbedder{}, inference, wordCounter{}, testBackgroundConfig(), testLogger(),
		func(task string) { failed = append(failed, task) })

	bg.GenerateTitle("chat-1", "hi", "hello")

	if len(s.titleUpdates) != 0 {
		t.Error("title stored despite the model failure")
	}
	if len(failed) != 1 || failed[0] != "title" {
		t.Errorf("failure callbacks = %v, want one title failure", failed)
	}
}
