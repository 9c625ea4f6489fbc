// ABOUTME: Tests for the engine-message to wire-event normalizer.
// ABOUTME: One case per mapping rule, including drops and zero substitution.

package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-gateway/internal/engine"
)

func TestNormalizeInit(t *testing.T) {
	events := Normalize(&engine.Message{Type: engine.MessageInit, SessionID: "e1"})
	require.Len(t, events, 1)
	assert.Equal(t, TypeSession, events[0].Type)
	assert.Equal(t, "e1", events[0].SessionID)
}

func TestNormalizeTextDelta(t *testing.T) {
	events := Normalize(&engine.Message{Type: engine.MessageText, Text: "Hi"})
	require.Len(t, events, 1)
	assert.Equal(t, TypeText, events[0].Type)
	assert.Equal(t, "Hi", events[0].Text)
}

func TestNormalizeEmptyTextDeltaForwarded(t *testing.T) {
	// Empty deltas carry timing signal and must not be suppressed.
	events := Normalize(&engine.Message{Type: engine.MessageText, Text: ""})
	require.Len(t, events, 1)
	assert.Equal(t, TypeText, events[0].Type)
}

func TestNormalizeAssistantToolUses(t *testing.T) {
	msg := &engine.Message{
		Type: engine.MessageAssistant,
		Text: "running tools",
		ToolUses: []engine.ToolUse{
			{ID: "t1", Name: "read_file", Input: json.RawMessage(`{"path":"a"}`)},
			{ID: "t2", Name: "run_command", Input: json.RawMessage(`{"cmd":"ls"}`)},
		},
	}

	events := Normalize(msg)
	require.Len(t, events, 2)
	assert.Equal(t, "t1", events[0].ToolUse.ID)
	assert.Equal(t, "t2", events[1].ToolUse.ID)
	assert.Equal(t, "run_command", events[1].ToolUse.Name)
}

func TestNormalizeTextOnlyAssistantEmitsNothing(t *testing.T) {
	events := Normalize(&engine.Message{Type: engine.MessageAssistant, Text: "already streamed"})
	assert.Empty(t, events)
}

func TestNormalizeAskUserBecomesToolUse(t *testing.T) {
	msg := &engine.Message{
		Type: engine.MessageAskUser,
		Question: &engine.Question{
			QuestionID: "q1",
			Items:      []engine.QuestionItem{{Question: "Proceed?", Options: []string{"yes", "no"}}},
		},
	}

	events := Normalize(msg)
	require.Len(t, events, 1)
	assert.Equal(t, TypeToolUse, events[0].Type)
	assert.Equal(t, AskUserToolName, events[0].ToolUse.Name)
	assert.Equal(t, "q1", events[0].ToolUse.ID)

	var items []engine.QuestionItem
	require.NoError(t, json.Unmarshal(events[0].ToolUse.Input, &items))
	require.Len(t, items, 1)
	assert.Equal(t, "Proceed?", items[0].Question)
}

func TestNormalizeToolResult(t *testing.T) {
	tests := []struct {
		name    string
		content json.RawMessage
		want    string
	}{
		{"json string unquoted", json.RawMessage(`"42 lines"`), "42 lines"},
		{"object kept as json text", json.RawMessage(`{"exit":0}`), `{"exit":0}`},
		{"null becomes empty", json.RawMessage(`null`), ""},
		{"absent becomes empty", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := Normalize(&engine.Message{
				Type:    engine.MessageToolResult,
				ToolRes: &engine.ToolResult{ID: "t1", Content: tt.content, IsError: true},
			})
			require.Len(t, events, 1)
			assert.Equal(t, TypeToolResult, events[0].Type)
			assert.Equal(t, tt.want, events[0].ToolResult.Content)
			assert.True(t, events[0].ToolResult.IsError)
		})
	}
}

func TestNormalizeResult(t *testing.T) {
	msg := &engine.Message{
		Type: engine.MessageResult,
		Result: &engine.TurnResult{
			NumTurns:     2,
			TotalCostUSD: 0.5,
			Usage:        &engine.Usage{InputTokens: 10, OutputTokens: 20},
		},
	}

	events := Normalize(msg)
	require.Len(t, events, 1)
	assert.Equal(t, TypeDone, events[0].Type)
	assert.Equal(t, 2, events[0].Stats.NumTurns)
	assert.Equal(t, int64(10), events[0].Stats.InputTokens)
}

func TestNormalizeResultSubstitutesZeros(t *testing.T) {
	events := Normalize(&engine.Message{Type: engine.MessageResult})
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Stats)
	assert.Zero(t, events[0].Stats.NumTurns)
	assert.Zero(t, events[0].Stats.InputTokens)
	assert.Zero(t, events[0].Stats.TotalCostUSD)
}

func TestNormalizeError(t *testing.T) {
	events := Normalize(&engine.Message{Type: engine.MessageError, Err: "boom"})
	require.Len(t, events, 1)
	assert.Equal(t, TypeError, events[0].Type)
	assert.Equal(t, "boom", events[0].Error)
	assert.True(t, events[0].Terminal())
}

func TestNormalizeUnknownDropped(t *testing.T) {
	assert.Empty(t, Normalize(&engine.Message{Type: "telemetry"}))
	assert.Empty(t, Normalize(&engine.Message{Type: engine.MessageAskUser})) // malformed, no question
}
