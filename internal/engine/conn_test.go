// ABOUTME: Tests for the JSON-line engine connection using in-memory pipes.
// ABOUTME: Covers turn streaming, terminal guarantees, answers, and close behavior.

package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stdinBuffer is a concurrency-safe io.WriteCloser capturing engine input.
type stdinBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *stdinBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *stdinBuffer) Close() error { return nil }

func (b *stdinBuffer) lines(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for scanner.Scan() {
		var frame map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &frame))
		out = append(out, frame)
	}
	return out
}

// collect drains the message stream with a deadline so a broken conn cannot
// hang the test.
func collect(t *testing.T, ch <-chan *Message) []*Message {
	t.Helper()
	var msgs []*Message
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		case <-deadline:
			t.Fatal("timed out draining message stream")
		}
	}
}

func TestSendPromptStreamsUntilResult(t *testing.T) {
	stdin := &stdinBuffer{}
	stdoutR, stdoutW := io.Pipe()
	c := newConn(stdin, stdoutR, nil, nil, nil)

	ch, err := c.SendPrompt(context.Background(), "hello")
	require.NoError(t, err)

	go func() {
		io.WriteString(stdoutW, `{"type":"init","session_id":"e1"}`+"\n")
		io.WriteString(stdoutW, `{"type":"text","text":"Hi"}`+"\n")
		io.WriteString(stdoutW, `{"type":"result","result":{"num_turns":1}}`+"\n")
	}()

	msgs := collect(t, ch)
	require.Len(t, msgs, 3)
	assert.Equal(t, MessageInit, msgs[0].Type)
	assert.Equal(t, MessageText, msgs[1].Type)
	assert.Equal(t, MessageResult, msgs[2].Type)

	frames := stdin.lines(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "prompt", frames[0]["type"])
	assert.Equal(t, "hello", frames[0]["text"])
}

func TestStreamEndWithoutTerminalSynthesizesError(t *testing.T) {
	stdin := &stdinBuffer{}
	stdoutR, stdoutW := io.Pipe()
	c := newConn(stdin, stdoutR, nil, nil, nil)

	ch, err := c.SendPrompt(context.Background(), "hello")
	require.NoError(t, err)

	go func() {
		io.WriteString(stdoutW, `{"type":"text","text":"partial"}`+"\n")
		stdoutW.Close() // process died mid-turn
	}()

	msgs := collect(t, ch)
	require.Len(t, msgs, 2)
	assert.Equal(t, MessageText, msgs[0].Type)
	assert.Equal(t, MessageError, msgs[1].Type)
	assert.NotEmpty(t, msgs[1].Err)
}

func TestUndecodableLinesAreSkipped(t *testing.T) {
	stdin := &stdinBuffer{}
	stdoutR, stdoutW := io.Pipe()
	c := newConn(stdin, stdoutR, nil, nil, nil)

	ch, err := c.SendPrompt(context.Background(), "x")
	require.NoError(t, err)

	go func() {
		io.WriteString(stdoutW, "garbage\n")
		io.WriteString(stdoutW, `{"type":"result","result":{"num_turns":1}}`+"\n")
	}()

	msgs := collect(t, ch)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageResult, msgs[0].Type)
}

func TestSendAnswerWritesFrame(t *testing.T) {
	stdin := &stdinBuffer{}
	c := newConn(stdin, bytes.NewReader(nil), nil, nil, nil)

	require.NoError(t, c.SendAnswer(context.Background(), "q1", map[string]string{"q1": "yes"}))

	frames := stdin.lines(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "answer", frames[0]["type"])
	assert.Equal(t, "q1", frames[0]["question_id"])
}

func TestSendAnswerNilAnswersEncodesEmptyObject(t *testing.T) {
	stdin := &stdinBuffer{}
	c := newConn(stdin, bytes.NewReader(nil), nil, nil, nil)

	require.NoError(t, c.SendAnswer(context.Background(), "q1", nil))

	frames := stdin.lines(t)
	require.Len(t, frames, 1)
	answers, ok := frames[0]["answers"].(map[string]any)
	require.True(t, ok, "answers must be an object, not null")
	assert.Empty(t, answers)
}

func TestClosedConnRejectsWrites(t *testing.T) {
	stdin := &stdinBuffer{}
	c := newConn(stdin, bytes.NewReader(nil), nil, nil, nil)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close()) // idempotent

	_, err := c.SendPrompt(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrConnClosed)

	err = c.SendAnswer(context.Background(), "q1", nil)
	assert.ErrorIs(t, err, ErrConnClosed)
}
