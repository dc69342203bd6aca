package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/af-corp/loom/internal/store"
	"github.com/af-corp/loom/internal/tokenizer"
	"github.com/af-corp/loom/internal/types"
)

// safetyMargin is reserved headroom below the context ceiling so the reply
// has room to grow.
const safetyMargin = 500

// AssembledContext is the ordered message selection for one prompt, with the
// provenance of every entry. The provenance map always covers exactly the
// selected messages.
type AssembledContext struct {
	Messages []types.Message
	Origins  map[string]types.Origin
}

// Assembler selects which prior messages enter the prompt. Auto mode runs a
// priority-tiered greedy budget fill: pinned first (never dropped), then
// recency and similarity candidates newest-first until the token budget is
// spent. Manual mode takes the caller's explicit selection verbatim.
type Assembler struct {
	store  Store
	search SimilaritySearcher
	tokens tokenizer.Counter
}

func NewAssembler(st Store, search SimilaritySearcher, tokens tokenizer.Counter) *Assembler {
	return &Assembler{store: st, search: search, tokens: tokens}
}

// Assemble runs the selection for one turn. userMsg is the already-persisted
// inbound message; it is excluded from every candidate pool since it enters
// the payload as the final user step, not as history.
func (a *Assembler) Assemble(ctx context.Context, userMsg *types.Message, turn ValidatedTurn, selectedIDs []string, cfg Config, emit Emit) (*AssembledContext, error) {
	if turn.ManualMode {
		return a.assembleManual(ctx, userMsg.ChatID, selectedIDs)
	}
	return a.assembleAuto(ctx, userMsg, cfg, emit)
}

// assembleManual loads the caller's selection. An empty selection is a valid
// empty context, not an error. No budget logic applies; the token guard
// still runs downstream as an advisory check.
func (a *Assembler) assembleManual(ctx context.Context, chatID string, selectedIDs []string) (*AssembledContext, error) {
	result := &AssembledContext{Origins: make(map[string]types.Origin)}
	if len(selectedIDs) == 0 {
		return result, nil
	}

	msgs, err := a.store.FindMessagesByIDs(ctx, chatID, selectedIDs)
	if err != nil {
		return nil, fmt.Errorf("load selected messages: %w", err)
	}
	result.Messages = msgs
	for _, m := range msgs {
		result.Origins[m.ID] = types.OriginManual
	}
	return result, nil
}

func (a *Assembler) assembleAuto(ctx context.Context, userMsg *types.Message, cfg Config, emit Emit) (*AssembledContext, error) {
	budget := cfg.MaxContextTokens - a.tokens.Count(userMsg.Content) - safetyMargin

	origins := make(map[string]types.Origin)

	// Tier 1: pinned messages. User-curated context outranks automatic
	// budgeting, so these are charged against the budget but never dropped,
	// even when the budget goes negative.
	var pinned []types.Message
	if cfg.PinnedEnabled {
		var err error
		pinned, err = a.store.FindMessagesByChat(ctx, userMsg.ChatID, store.MessageFilter{
			PinnedOnly: true,
			ExcludeIDs: []string{userMsg.ID},
		})
		if err != nil {
			return nil, fmt.Errorf("load pinned messages: %w", err)
		}
		for _, m := range pinned {
			budget -= a.tokens.Count(m.Content)
			origins[m.ID] = types.OriginPinned
		}
	}

	excluded := make([]string, 0, len(pinned)+1)
	excluded = append(excluded, userMsg.ID)
	for _, m := range pinned {
		excluded = append(excluded, m.ID)
	}

	// Tier 2: candidate pools, deduplicated by id. A message present in
	// both pools carries the combined tag.
	candidates := make(map[string]types.Message)
	candidateOrigin := make(map[string]types.Origin)

	if cfg.RecentEnabled {
		emit(types.StreamEvent{Type: types.EventDebug, Log: "context: retrieving recent history"})
		recent, err := a.store.FindMessagesByChat(ctx, userMsg.ChatID, store.MessageFilter{
			ExcludeIDs: excluded,
			Limit:      cfg.RecentCount,
		})
		if err != nil {
			return nil, fmt.Errorf("load recent messages: %w", err)
		}
		for _, m := range recent {
			candidates[m.ID] = m
			candidateOrigin[m.ID] = types.OriginRecent
		}
	}

	if cfg.RAGEnabled {
		emit(types.StreamEvent{Type: types.EventDebug, Log: "context: retrieving semantic matches"})
		similar, err := a.search.FindSimilar(ctx, userMsg.Content, userMsg.ChatID, cfg.RAGTopK, excluded)
		if err != nil {
			return nil, fmt.Errorf("similarity search: %w", err)
		}
		for _, m := range similar {
			if _, seen := candidates[m.ID]; seen {
				candidateOrigin[m.ID] = types.OriginRAGRecent
				continue
			}
			candidates[m.ID] = m
			candidateOrigin[m.ID] = types.OriginRAG
		}
	}

	merged := make([]types.Message, 0, len(candidates))
	for _, m := range candidates {
		merged = append(merged, m)
	}
	sortByCreatedAt(merged)

	// Greedy first-fit, newest first: stop at the first candidate that does
	// not fit. Favors recency over squeezing in older, smaller messages.
	var included []types.Message
	for i := len(merged) - 1; i >= 0; i-- {
		cost := a.tokens.Count(merged[i].Content)
		if budget-cost < 0 {
			break
		}
		budget -= cost
		included = append(included, merged[i])
		origins[merged[i].ID] = candidateOrigin[merged[i].ID]
	}

	final := make([]types.Message, 0, len(pinned)+len(included))
	final = append(final, pinned...)
	final = append(final, included...)
	sortByCreatedAt(final)

	return &AssembledContext{Messages: final, Origins: origins}, nil
}

// sortByCreatedAt orders ascending by creation time, breaking ties by id so
// assembly stays deterministic.
func sortByCreatedAt(msgs []types.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
