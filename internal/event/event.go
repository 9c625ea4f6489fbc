// ABOUTME: Wire events: the transport-agnostic units streamed to clients and history.
// ABOUTME: A closed set of tagged variants with JSON-serializable payloads.

package event

import "encoding/json"

// Type tags the closed set of wire events. Both transports map exactly this
// set onto their framing; no transport invents additional tags.
type Type string

const (
	TypeSession    Type = "session"     // engine announced its session id
	TypeText       Type = "text"        // streaming text fragment (may be empty)
	TypeToolUse    Type = "tool_use"    // tool invocation started
	TypeToolResult Type = "tool_result" // tool result received
	TypeDone       Type = "done"        // turn complete
	TypeError      Type = "error"       // turn failed
)

// Event is one wire event. Only the payload matching Type is set.
type Event struct {
	Type       Type        `json:"type"`
	SessionID  string      `json:"session_id,omitempty"`
	Text       string      `json:"text,omitempty"`
	ToolUse    *ToolUse    `json:"tool_use,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	Stats      *TurnStats  `json:"stats,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// ToolUse is the payload of a tool_use event.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the payload of a tool_result event. Content is always a
// string regardless of what the engine produced.
type ToolResult struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// TurnStats is the payload of a done event. Figures the engine omitted are
// zero, never absent.
type TurnStats struct {
	NumTurns     int     `json:"num_turns"`
	DurationMS   int64   `json:"duration_ms"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CacheRead    int64   `json:"cache_read_tokens"`
	CacheWrite   int64   `json:"cache_write_tokens"`
}

// Terminal reports whether the event ends a turn.
func (e *Event) Terminal() bool {
	return e.Type == TypeDone || e.Type == TypeError
}
