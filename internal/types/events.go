package types

type EventType string

const (
	EventChunk            EventType = "chunk"
	EventUserMessageSaved EventType = "user_message_saved"
	EventTelemetry        EventType = "telemetry"
	EventDebug            EventType = "debug"
	EventError            EventType = "error"
)

// StreamEvent is a consumer-facing event emitted while a turn is processed.
// The transport layer frames these as SSE data lines.
type StreamEvent struct {
	Type          EventType         `json:"type"`
	Content       string            `json:"content,omitempty"`
	Log           string            `json:"log,omitempty"`
	Error         string            `json:"error,omitempty"`
	ChatID        string            `json:"chat_id,omitempty"`
	UserMessageID string            `json:"user_message_id,omitempty"`
	Metrics       *TelemetryMetrics `json:"metrics,omitempty"`
}

// TelemetryMetrics carries usage and cost figures for one completed turn.
type TelemetryMetrics struct {
	MessageID string  `json:"message_id,omitempty"`
	ChatID    string  `json:"chat_id,omitempty"`
	Provider  string  `json:"provider"`
	Model     string  `json:"model"`
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostInUSD float64 `json:"cost_in_usd"`
}
