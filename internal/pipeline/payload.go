package pipeline

import (
	"github.com/af-corp/loom/internal/tokenizer"
	"github.com/af-corp/loom/internal/types"
)

// Payload is the exact ordered request sent to inference, plus the
// provenance needed to audit it after the fact. Step indices are positions
// in Messages: 0 is the system prompt, the user turn is last.
type Payload struct {
	Messages []types.PromptMessage

	// PinnedStepIndices are the positions of pinned history entries.
	PinnedStepIndices []int
	// StepOrigins maps each history position to the tier that selected it.
	// The system and user steps carry no origin.
	StepOrigins map[int]types.Origin

	TotalTokens int
}

// PayloadBuilder assembles the wire-ready message list. It is pure: no I/O,
// no mutation of its inputs, same output for the same inputs.
type PayloadBuilder struct {
	tokens tokenizer.Counter
}

func NewPayloadBuilder(tokens tokenizer.Counter) *PayloadBuilder {
	return &PayloadBuilder{tokens: tokens}
}

// Build produces [system, history..., user]. History keeps the assembler's
// chronological order; provenance is re-keyed from message ids to payload
// positions so the audit record survives message deletion.
func (b *PayloadBuilder) Build(systemPrompt string, assembled *AssembledContext, userMessage string) *Payload {
	messages := make([]types.PromptMessage, 0, len(assembled.Messages)+2)
	messages = append(messages, types.PromptMessage{Role: types.RoleSystem, Content: systemPrompt})

	var pinnedSteps []int
	origins := make(map[int]types.Origin, len(assembled.Messages))

	for _, m := range assembled.Messages {
		step := len(messages)
		messages = append(messages, types.PromptMessage{Role: m.Role, Content: m.Content})
		if m.IsPinned {
			pinnedSteps = append(pinnedSteps, step)
		}
		if origin, ok := assembled.Origins[m.ID]; ok {
			origins[step] = origin
		}
	}

	messages = append(messages, types.PromptMessage{Role: types.RoleUser, Content: userMessage})

	total := 0
	for _, m := range messages {
		total += b.tokens.Count(m.Content)
	}

	return &Payload{
		Messages:          messages,
		PinnedStepIndices: pinnedSteps,
		StepOrigins:       origins,
		TotalTokens:       total,
	}
}
