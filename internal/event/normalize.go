// ABOUTME: Pure normalization from native engine messages to wire events.
// ABOUTME: One message in, zero or more events out; unrecognized types drop.

package event

import (
	"encoding/json"

	"github.com/2389/parley-gateway/internal/engine"
)

// AskUserToolName is the tool name given to ask_user suspensions on the
// wire, so clients render them with their tool machinery instead of a
// bespoke frame type.
const AskUserToolName = "ask_user"

// Normalize translates one native engine message into its wire events.
func Normalize(msg *engine.Message) []Event {
	switch msg.Type {
	case engine.MessageInit:
		return []Event{{Type: TypeSession, SessionID: msg.SessionID}}

	case engine.MessageText:
		// Empty deltas are forwarded too: callers measure first-token
		// latency off them.
		return []Event{{Type: TypeText, Text: msg.Text}}

	case engine.MessageAssistant:
		events := make([]Event, 0, len(msg.ToolUses))
		for _, tu := range msg.ToolUses {
			events = append(events, Event{
				Type:    TypeToolUse,
				ToolUse: &ToolUse{ID: tu.ID, Name: tu.Name, Input: tu.Input},
			})
		}
		// Text-only assistant messages emit nothing: the text already
		// went out as streaming deltas.
		return events

	case engine.MessageAskUser:
		if msg.Question == nil {
			return nil
		}
		input, err := json.Marshal(msg.Question.Items)
		if err != nil {
			return nil
		}
		return []Event{{
			Type:    TypeToolUse,
			ToolUse: &ToolUse{ID: msg.Question.QuestionID, Name: AskUserToolName, Input: input},
		}}

	case engine.MessageToolResult:
		if msg.ToolRes == nil {
			return nil
		}
		return []Event{{
			Type: TypeToolResult,
			ToolResult: &ToolResult{
				ID:      msg.ToolRes.ID,
				Content: contentToString(msg.ToolRes.Content),
				IsError: msg.ToolRes.IsError,
			},
		}}

	case engine.MessageResult:
		stats := &TurnStats{}
		if r := msg.Result; r != nil {
			stats.NumTurns = r.NumTurns
			stats.DurationMS = r.DurationMS
			stats.TotalCostUSD = r.TotalCostUSD
			if u := r.Usage; u != nil {
				stats.InputTokens = u.InputTokens
				stats.OutputTokens = u.OutputTokens
				stats.CacheRead = u.CacheRead
				stats.CacheWrite = u.CacheWrite
			}
		}
		return []Event{{Type: TypeDone, Stats: stats}}

	case engine.MessageError:
		errText := msg.Err
		if errText == "" {
			errText = "engine error"
		}
		return []Event{{Type: TypeError, Error: errText}}
	}

	// Unrecognized message types are dropped, not errors.
	return nil
}

// contentToString normalizes raw tool-result content to a string: JSON
// strings are unquoted, anything else keeps its JSON text form.
func contentToString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}
