package pipeline

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/af-corp/loom/internal/types"
)

func buildTestAudit(t *testing.T, sampling types.SamplingParams, turn ValidatedTurn) *AuditRecord {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assembled := &AssembledContext{
		Messages: []types.Message{
			historyMessage("m1", types.RoleUser, "a very long pinned message body", true, base),
			historyMessage("m2", types.RoleAssistant, "an equally long reply body", false, base.Add(time.Second)),
		},
		Origins: map[string]types.Origin{
			"m1": types.OriginPinned,
			"m2": types.OriginRecent,
		},
	}
	payload := NewPayloadBuilder(wordCounter{}).Build("system prompt text", assembled, "the user turn")

	b := NewAuditBuilder()
	b.now = func() time.Time { return base }
	return b.Build("groq", "llama-3.1-8b-instant", "u-1", sampling, turn,
		autoConfig(4000), assembled, payload)
}

func TestAuditRecordIsLean(t *testing.T) {
	record := buildTestAudit(t, types.SamplingParams{}, ValidatedTurn{Content: "the user turn"})

	raw, err := record.Serialize()
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	// History is referenced by id, never copied.
	for _, leaked := range []string{"pinned message body", "long reply body", "the user turn"} {
		if strings.Contains(raw, leaked) {
			t.Errorf("serialized record contains message content %q", leaked)
		}
	}
	for _, want := range []string{`"m1"`, `"m2"`, "system prompt text", `"user_message_id":"u-1"`} {
		if !strings.Contains(raw, want) {
			t.Errorf("serialized record is missing %q", want)
		}
	}
}

func TestAuditStrategyAndMemoryWindow(t *testing.T) {
	window := 20
	record := buildTestAudit(t, types.SamplingParams{},
		ValidatedTurn{Strategy: "hybrid", MemoryWindow: &window})

	if record.Context.Strategy != "hybrid" {
		t.Errorf("strategy = %q, want the caller's label", record.Context.Strategy)
	}

	raw, err := record.Serialize()
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	if !strings.Contains(raw, `"memory_window":20`) {
		t.Errorf("serialized record does not carry the memory window: %s", raw)
	}

	// Absent window serializes as the auto sentinel, like sampling params.
	auto := buildTestAudit(t, types.SamplingParams{}, ValidatedTurn{})
	rawAuto, err := auto.Serialize()
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	if !strings.Contains(rawAuto, `"memory_window":"auto"`) {
		t.Errorf("absent memory window did not serialize as auto: %s", rawAuto)
	}
}

func TestAuditAutoSentinels(t *testing.T) {
	record := buildTestAudit(t, types.SamplingParams{}, ValidatedTurn{})

	raw, err := record.Serialize()
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	var decoded struct {
		Sampling struct {
			Mode        string          `json:"mode"`
			Temperature json.RawMessage `json:"temperature"`
			MaxTokens   json.RawMessage `json:"max_tokens"`
		} `json:"sampling"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.Sampling.Mode != "auto" {
		t.Errorf("sampling mode = %q, want auto", decoded.Sampling.Mode)
	}
	if string(decoded.Sampling.Temperature) != `"auto"` {
		t.Errorf("temperature = %s, want \"auto\"", decoded.Sampling.Temperature)
	}
	if string(decoded.Sampling.MaxTokens) != `"auto"` {
		t.Errorf("max_tokens = %s, want \"auto\"", decoded.Sampling.MaxTokens)
	}
}

func TestAuditManualSamplingMode(t *testing.T) {
	temp := 0.2
	record := buildTestAudit(t, types.SamplingParams{Temperature: &temp}, ValidatedTurn{})

	if record.Sampling.Mode != "manual" {
		t.Errorf("sampling mode = %q, want manual with one pinned parameter", record.Sampling.Mode)
	}

	raw, err := record.Serialize()
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	if !strings.Contains(raw, `"temperature":0.2`) {
		t.Errorf("serialized record does not carry the pinned temperature: %s", raw)
	}
}

func TestAuditContextModes(t *testing.T) {
	auto := buildTestAudit(t, types.SamplingParams{}, ValidatedTurn{ManualMode: false})
	if auto.Context.Mode != "auto" {
		t.Errorf("context mode = %q, want auto", auto.Context.Mode)
	}

	manual := buildTestAudit(t, types.SamplingParams{}, ValidatedTurn{ManualMode: true})
	if manual.Context.Mode != "manual" {
		t.Errorf("context mode = %q, want manual", manual.Context.Mode)
	}
}

func TestAuditWithErrorLeavesOriginal(t *testing.T) {
	record := buildTestAudit(t, types.SamplingParams{}, ValidatedTurn{})

	annotated := record.WithError(AuditError{Message: "provider exploded", Code: "overloaded", Status: 529})

	if annotated.Error == nil || annotated.Error.Message != "provider exploded" {
		t.Fatalf("annotated.Error = %+v", annotated.Error)
	}
	if annotated.Error.Type != "stream_error" {
		t.Errorf("error type = %q, want stream_error default", annotated.Error.Type)
	}
	if annotated.Error.Code != "overloaded" || annotated.Error.Status != 529 {
		t.Errorf("error block = %+v, want code and status preserved", annotated.Error)
	}
	if record.Error != nil {
		t.Error("WithError mutated the original record")
	}
	if annotated.Provider != record.Provider || len(annotated.MessageIDs) != len(record.MessageIDs) {
		t.Error("annotated copy lost fields from the original")
	}
}
