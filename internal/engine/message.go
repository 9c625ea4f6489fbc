// ABOUTME: Native message types emitted by the agent engine's stream-json output.
// ABOUTME: One JSON line per message; unrecognized types are carried through as-is.

package engine

import (
	"encoding/json"
	"fmt"
)

// Message types the engine emits. Anything else is forwarded with its raw
// type string and dropped during normalization.
const (
	MessageInit       = "init"        // engine announces its session id
	MessageText       = "text"        // streaming text delta (may be empty)
	MessageAssistant  = "assistant"   // completed assistant message, may carry tool uses
	MessageToolResult = "tool_result" // result of a tool invocation
	MessageAskUser    = "ask_user"    // engine suspends awaiting a human answer
	MessageResult     = "result"      // terminal: turn finished
	MessageError      = "error"       // terminal: turn failed
)

// Message is one native engine message, decoded from a stream-json line.
// Only the fields matching Type are populated.
type Message struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"` // init
	Text      string      `json:"text,omitempty"`       // text, assistant
	ToolUses  []ToolUse   `json:"tool_uses,omitempty"`  // assistant
	ToolRes   *ToolResult `json:"tool_result,omitempty"`
	Question  *Question   `json:"question,omitempty"` // ask_user
	Result    *TurnResult `json:"result,omitempty"`
	Err       string      `json:"error,omitempty"`
}

// ToolUse describes one tool invocation within an assistant message.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult carries the outcome of a tool invocation.
type ToolResult struct {
	ID      string          `json:"id"`
	Content json.RawMessage `json:"content,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// Question is the payload of an ask_user suspension. The engine blocks until
// an answer message for QuestionID arrives on its stdin.
type Question struct {
	QuestionID string         `json:"question_id"`
	Items      []QuestionItem `json:"items"`
}

// QuestionItem is a single question presented to the human.
type QuestionItem struct {
	Question    string   `json:"question"`
	Header      string   `json:"header,omitempty"`
	Options     []string `json:"options,omitempty"`
	MultiSelect bool     `json:"multi_select,omitempty"`
}

// TurnResult carries turn statistics from a terminal result message.
type TurnResult struct {
	NumTurns     int     `json:"num_turns"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`
}

// Usage is token consumption reported by the engine. Figures the engine
// omits decode as zero.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	CacheRead    int64 `json:"cache_read_tokens"`
	CacheWrite   int64 `json:"cache_write_tokens"`
}

// DecodeMessage parses one stream-json line into a Message.
func DecodeMessage(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("decoding engine message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("engine message missing type")
	}
	return &msg, nil
}

// promptFrame is what the gateway writes to the engine's stdin to start a turn.
type promptFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// answerFrame resumes a suspended ask_user turn.
type answerFrame struct {
	Type       string            `json:"type"`
	QuestionID string            `json:"question_id"`
	Answers    map[string]string `json:"answers"`
}
