package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/af-corp/loom/internal/provider"
	"github.com/af-corp/loom/internal/store"
	"github.com/af-corp/loom/internal/telemetry"
	"github.com/af-corp/loom/internal/types"
)

// Prometheus collectors register globally, so the test binary shares one set.
var testMetrics = telemetry.NewMetrics()

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wordCounter counts whitespace-separated words so test budgets stay easy to
// reason about.
type wordCounter struct{}

func (wordCounter) Count(text string) int {
	return len(strings.Fields(text))
}

func (wordCounter) Truncate(text string, maxTokens int) string {
	words := strings.Fields(text)
	if len(words) <= maxTokens {
		return text
	}
	return strings.Join(words[:maxTokens], " ")
}

// fakeStore is an in-memory Store. Messages get strictly increasing
// timestamps in insertion order.
type fakeStore struct {
	chats    map[string]*types.Chat
	messages []types.Message
	nextID   int
	clock    time.Time

	createMessageErr error
	// failSaveAfter makes CreateMessage fail with saveErr once more than
	// that many saves have landed. Zero disables it.
	failSaveAfter int
	saveErr       error
	saveCalls     int

	titleUpdates map[string]string
	vectors      map[string][]float32
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		chats:        make(map[string]*types.Chat),
		clock:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		titleUpdates: make(map[string]string),
		vectors:      make(map[string][]float32),
	}
}

func (s *fakeStore) addChat(id, ownerID, title string) *types.Chat {
	chat := &types.Chat{ID: id, OwnerID: ownerID, Provider: "groq", Title: title, CreatedAt: s.clock}
	s.chats[id] = chat
	return chat
}

func (s *fakeStore) addMessage(chatID string, role types.Role, content string, pinned bool) types.Message {
	s.nextID++
	s.clock = s.clock.Add(time.Second)
	m := types.Message{
		ID:        fmt.Sprintf("msg-%d", s.nextID),
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		CreatedAt: s.clock,
		IsPinned:  pinned,
	}
	s.messages = append(s.messages, m)
	return m
}

func (s *fakeStore) CreateChat(_ context.Context, ownerID, providerName string) (*types.Chat, error) {
	s.nextID++
	chat := &types.Chat{
		ID:        fmt.Sprintf("chat-%d", s.nextID),
		OwnerID:   ownerID,
		Provider:  providerName,
		CreatedAt: s.clock,
	}
	s.chats[chat.ID] = chat
	return chat, nil
}

func (s *fakeStore) FindChat(_ context.Context, id, ownerID string) (*types.Chat, error) {
	chat, ok := s.chats[id]
	if !ok || chat.OwnerID != ownerID {
		return nil, nil
	}
	return chat, nil
}

func (s *fakeStore) UpdateChatTitle(_ context.Context, id, title string) error {
	s.titleUpdates[id] = title
	return nil
}

func (s *fakeStore) CreateMessage(_ context.Context, p store.CreateMessageParams) (*types.Message, error) {
	if s.createMessageErr != nil {
		return nil, s.createMessageErr
	}
	s.saveCalls++
	if s.failSaveAfter > 0 && s.saveCalls > s.failSaveAfter {
		return nil, s.saveErr
	}
	s.nextID++
	s.clock = s.clock.Add(time.Second)
	m := types.Message{
		ID:          fmt.Sprintf("msg-%d", s.nextID),
		ChatID:      p.ChatID,
		Role:        p.Role,
		Content:     p.Content,
		CreatedAt:   s.clock,
		Provider:    p.Provider,
		Model:       p.Model,
		TokensIn:    p.TokensIn,
		TokensOut:   p.TokensOut,
		CostInUSD:   p.CostInUSD,
		SentContext: p.SentContext,
	}
	s.messages = append(s.messages, m)
	return &m, nil
}

func (s *fakeStore) FindMessagesByChat(_ context.Context, chatID string, f store.MessageFilter) ([]types.Message, error) {
	var out []types.Message
	for _, m := range s.messages {
		if m.ChatID != chatID {
			continue
		}
		if f.PinnedOnly && !m.IsPinned {
			continue
		}
		if contains(f.ExcludeIDs, m.ID) {
			continue
		}
		out = append(out, m)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func (s *fakeStore) FindMessagesByIDs(_ context.Context, chatID string, ids []string) ([]types.Message, error) {
	var out []types.Message
	for _, m := range s.messages {
		if m.ChatID == chatID && contains(ids, m.ID) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateMessageVector(_ context.Context, id string, embedding []float32) error {
	s.vectors[id] = embedding
	return nil
}

func (s *fakeStore) lastMessage() types.Message {
	return s.messages[len(s.messages)-1]
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// fakeSearcher returns its preset results minus exclusions.
type fakeSearcher struct {
	results []types.Message
	err     error
}

func (f *fakeSearcher) FindSimilar(_ context.Context, _, _ string, k int, excludeIDs []string) ([]types.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []types.Message
	for _, m := range f.results {
		if contains(excludeIDs, m.ID) {
			continue
		}
		out = append(out, m)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// fakeInference replays preset fragments. When silent is set the channel
// stays open without sending, for watchdog tests.
type fakeInference struct {
	fragments []provider.Fragment
	startErr  error
	silent    bool

	lastOpts     provider.StreamOptions
	lastMessages []types.PromptMessage
	lastCtx      context.Context
}

func (f *fakeInference) Stream(ctx context.Context, messages []types.PromptMessage, opts provider.StreamOptions) (<-chan provider.Fragment, error) {
	f.lastOpts = opts
	f.lastMessages = messages
	f.lastCtx = ctx
	if f.startErr != nil {
		return nil, f.startErr
	}
	ch := make(chan provider.Fragment)
	go func() {
		if f.silent {
			<-ctx.Done()
			close(ch)
			return
		}
		defer close(ch)
		for _, frag := range f.fragments {
			select {
			case ch <- frag:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// fakeEmbedder returns a fixed vector for any input.
type fakeEmbedder struct {
	vector []float32
	err    error
	calls  []string
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls = append(f.calls, text)
	if f.err != nil {
		return nil, f.err
	}
	return f.vector, nil
}

// collectEvents returns an Emit that appends into the returned slice.
func collectEvents() (Emit, *[]types.StreamEvent) {
	var events []types.StreamEvent
	return func(ev types.StreamEvent) { events = append(events, ev) }, &events
}

func eventsOfType(events []types.StreamEvent, t types.EventType) []types.StreamEvent {
	var out []types.StreamEvent
	for _, ev := range events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
