package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/af-corp/loom/internal/types"
)

func autoConfig(maxTokens int) Config {
	return Config{
		SystemPrompt:     "be helpful",
		PinnedEnabled:    true,
		RecentEnabled:    true,
		RecentCount:      10,
		RAGEnabled:       false,
		RAGTopK:          5,
		MaxContextTokens: maxTokens,
	}
}

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("w ", n))
}

func discardEvents(types.StreamEvent) {}

func TestAssembleManualSelection(t *testing.T) {
	s := newFakeStore()
	m1 := s.addMessage("chat-1", types.RoleUser, "first", false)
	s.addMessage("chat-1", types.RoleAssistant, "second", false)
	m3 := s.addMessage("chat-1", types.RoleUser, "third", false)
	userMsg := s.addMessage("chat-1", types.RoleUser, "current", false)

	a := NewAssembler(s, &fakeSearcher{}, wordCounter{})
	got, err := a.Assemble(context.Background(), &userMsg, ValidatedTurn{Content: "current", ManualMode: true},
		[]string{m1.ID, m3.ID}, autoConfig(4000), discardEvents)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	if len(got.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(got.Messages))
	}
	for _, m := range got.Messages {
		if got.Origins[m.ID] != types.OriginManual {
			t.Errorf("origin for %s = %q, want manual", m.ID, got.Origins[m.ID])
		}
	}
}

func TestAssembleManualEmptySelection(t *testing.T) {
	s := newFakeStore()
	s.addMessage("chat-1", types.RoleUser, "history", false)
	userMsg := s.addMessage("chat-1", types.RoleUser, "current", false)

	a := NewAssembler(s, &fakeSearcher{}, wordCounter{})
	got, err := a.Assemble(context.Background(), &userMsg, ValidatedTurn{Content: "current", ManualMode: true},
		nil, autoConfig(4000), discardEvents)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	if len(got.Messages) != 0 {
		t.Errorf("got %d messages, want empty context", len(got.Messages))
	}
	if got.Origins == nil {
		t.Error("Origins is nil, want empty map")
	}
}

func TestAssemblePinnedNeverDropped(t *testing.T) {
	s := newFakeStore()
	pinned := s.addMessage("chat-1", types.RoleUser, words(20), true)
	recent := s.addMessage("chat-1", types.RoleAssistant, "small reply", false)
	userMsg := s.addMessage("chat-1", types.RoleUser, "hi", false)

	// Budget: 510 - 1 - 500 = 9 tokens. The pinned message alone overruns it.
	a := NewAssembler(s, &fakeSearcher{}, wordCounter{})
	got, err := a.Assemble(context.Background(), &userMsg, ValidatedTurn{Content: "hi"},
		nil, autoConfig(510), discardEvents)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	if len(got.Messages) != 1 || got.Messages[0].ID != pinned.ID {
		t.Fatalf("got %d messages, want only the pinned one", len(got.Messages))
	}
	if got.Origins[pinned.ID] != types.OriginPinned {
		t.Errorf("origin = %q, want pinned", got.Origins[pinned.ID])
	}
	if _, ok := got.Origins[recent.ID]; ok {
		t.Error("over-budget recent message was included")
	}
}

func TestAssembleGreedyNewestFirst(t *testing.T) {
	s := newFakeStore()
	m1 := s.addMessage("chat-1", types.RoleUser, words(8), false)
	m2 := s.addMessage("chat-1", types.RoleAssistant, words(4), false)
	m3 := s.addMessage("chat-1", types.RoleUser, words(5), false)
	userMsg := s.addMessage("chat-1", types.RoleUser, "hi", false)

	// Budget: 511 - 1 - 500 = 10. Newest-first: m3 (5) fits, m2 (4) fits,
	// m1 (8) does not.
	a := NewAssembler(s, &fakeSearcher{}, wordCounter{})
	got, err := a.Assemble(context.Background(), &userMsg, ValidatedTurn{Content: "hi"},
		nil, autoConfig(511), discardEvents)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	wantIDs := []string{m2.ID, m3.ID}
	if len(got.Messages) != len(wantIDs) {
		t.Fatalf("got %d messages, want %d", len(got.Messages), len(wantIDs))
	}
	for i, id := range wantIDs {
		if got.Messages[i].ID != id {
			t.Errorf("messages[%d] = %s, want %s", i, got.Messages[i].ID, id)
		}
	}
	if _, ok := got.Origins[m1.ID]; ok {
		t.Error("oversized oldest message was included")
	}
}

func TestAssembleStopsAtFirstNonFit(t *testing.T) {
	s := newFakeStore()
	m1 := s.addMessage("chat-1", types.RoleUser, words(1), false)
	s.addMessage("chat-1", types.RoleAssistant, words(20), false)
	m3 := s.addMessage("chat-1", types.RoleUser, words(5), false)
	userMsg := s.addMessage("chat-1", types.RoleUser, "hi", false)

	// Budget 10. m3 fits, m2 does not; the fill stops there even though m1
	// would still fit. Skipping past a non-fit would reorder the
	// conversation's tail.
	a := NewAssembler(s, &fakeSearcher{}, wordCounter{})
	got, err := a.Assemble(context.Background(), &userMsg, ValidatedTurn{Content: "hi"},
		nil, autoConfig(511), discardEvents)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	if len(got.Messages) != 1 || got.Messages[0].ID != m3.ID {
		t.Fatalf("got %v, want only %s", ids(got.Messages), m3.ID)
	}
	if _, ok := got.Origins[m1.ID]; ok {
		t.Error("message past the first non-fit was included")
	}
}

func TestAssembleCombinedOrigin(t *testing.T) {
	s := newFakeStore()
	old := s.addMessage("chat-1", types.RoleUser, "old related note", false)
	shared := s.addMessage("chat-1", types.RoleAssistant, "recent and relevant", false)
	userMsg := s.addMessage("chat-1", types.RoleUser, "hi", false)

	cfg := autoConfig(4000)
	cfg.RAGEnabled = true
	cfg.RecentCount = 1

	search := &fakeSearcher{results: []types.Message{shared, old}}
	a := NewAssembler(s, search, wordCounter{})
	got, err := a.Assemble(context.Background(), &userMsg, ValidatedTurn{Content: "hi"},
		nil, cfg, discardEvents)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	if got.Origins[shared.ID] != types.OriginRAGRecent {
		t.Errorf("origin for shared = %q, want rag+recent", got.Origins[shared.ID])
	}
	if got.Origins[old.ID] != types.OriginRAG {
		t.Errorf("origin for old = %q, want rag", got.Origins[old.ID])
	}
	if len(got.Messages) != 2 {
		t.Errorf("got %d messages, want 2 (deduplicated)", len(got.Messages))
	}
}

func TestAssembleExcludesCurrentUserMessage(t *testing.T) {
	s := newFakeStore()
	s.addMessage("chat-1", types.RoleUser, "prior", false)
	userMsg := s.addMessage("chat-1", types.RoleUser, "current question", false)

	a := NewAssembler(s, &fakeSearcher{}, wordCounter{})
	got, err := a.Assemble(context.Background(), &userMsg, ValidatedTurn{Content: "current question"},
		nil, autoConfig(4000), discardEvents)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	for _, m := range got.Messages {
		if m.ID == userMsg.ID {
			t.Fatal("current user message leaked into the assembled context")
		}
	}
}

func ids(msgs []types.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
