// ABOUTME: Live engine conversation over stdin/stdout JSON lines.
// ABOUTME: One in-flight turn at a time; stderr drains into filtered diagnostics.

package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// maxLineBytes bounds a single engine message. Tool results can be large.
const maxLineBytes = 8 << 20

// conn implements Conn over a pair of byte streams. The process handle is
// optional so tests can drive a conn with in-memory pipes.
type conn struct {
	cmd *exec.Cmd

	stdin   io.WriteCloser
	scanner *bufio.Scanner

	writeMu sync.Mutex // guards stdin
	mu      sync.Mutex // guards closed
	closed  bool

	logger *slog.Logger
}

func newConn(stdin io.WriteCloser, stdout, stderr io.Reader, filter *Filter, logger *slog.Logger) *conn {
	if logger == nil {
		logger = slog.Default()
	}
	if filter == nil {
		filter = DefaultFilter()
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	c := &conn{
		stdin:   stdin,
		scanner: scanner,
		logger:  logger,
	}

	if stderr != nil {
		go c.drainStderr(stderr, filter)
	}
	return c
}

// SendPrompt writes a prompt frame and returns the message stream for the
// turn. The stream always ends with a result or error message, then closes.
func (c *conn) SendPrompt(ctx context.Context, prompt string) (<-chan *Message, error) {
	if err := c.writeFrame(promptFrame{Type: "prompt", Text: prompt}); err != nil {
		return nil, err
	}

	out := make(chan *Message, 16)
	go c.readTurn(ctx, out)
	return out, nil
}

// SendAnswer resumes a suspended ask_user turn.
func (c *conn) SendAnswer(_ context.Context, questionID string, answers map[string]string) error {
	if answers == nil {
		answers = map[string]string{}
	}
	return c.writeFrame(answerFrame{Type: "answer", QuestionID: questionID, Answers: answers})
}

// Close terminates the engine process. Safe to call multiple times.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.stdin.Close()

	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
	}
	return nil
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// writeFrame encodes one JSON line onto the engine's stdin.
func (c *conn) writeFrame(frame any) error {
	if c.isClosed() {
		return ErrConnClosed
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding engine frame: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	return nil
}

// readTurn pumps stdout lines into out until a terminal message or failure.
// A turn that ends without a terminal message gets a synthesized error so
// consumers never wait forever.
func (c *conn) readTurn(ctx context.Context, out chan<- *Message) {
	defer close(out)

	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := DecodeMessage(line)
		if err != nil {
			c.logger.Warn("dropping undecodable engine message", "error", err)
			continue
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}

		if msg.Type == MessageResult || msg.Type == MessageError {
			return
		}
	}

	// Stream ended without a terminal message: process died or stdout closed.
	errText := "engine stream ended unexpectedly"
	if err := c.scanner.Err(); err != nil {
		errText = fmt.Sprintf("engine stream failed: %v", err)
	}
	select {
	case out <- &Message{Type: MessageError, Err: errText}:
	case <-ctx.Done():
	}
}

// drainStderr reads stderr lines, classifies them, and logs the ones the
// rule table allows.
func (c *conn) drainStderr(stderr io.Reader, filter *Filter) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 16*1024), 1<<20)

	for scanner.Scan() {
		d := classifyStderr(scanner.Text())
		if !filter.Allow(d) {
			continue
		}
		c.logger.Log(context.Background(), d.Severity.Level(), "engine diagnostic",
			"source", d.Source,
			"message", d.Message,
		)
	}
}
