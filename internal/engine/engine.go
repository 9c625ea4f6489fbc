// ABOUTME: Client contract for starting or resuming engine conversations.
// ABOUTME: SubprocessClient launches the engine binary with per-session flags.

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
)

// ErrConnClosed indicates the engine connection is no longer usable.
var ErrConnClosed = errors.New("engine connection closed")

// ConnectOptions selects how a conversation is started.
type ConnectOptions struct {
	// Resume is a previously announced engine session id. When set, the
	// engine is asked to continue that conversation instead of starting
	// a fresh one.
	Resume string

	// Agent names the persona the engine should load. Empty means the
	// engine's default.
	Agent string
}

// Client starts or resumes engine conversations.
type Client interface {
	Connect(ctx context.Context, opts ConnectOptions) (Conn, error)
}

// Conn is one live engine conversation.
//
// SendPrompt begins a turn and returns a finite, single-pass message stream
// ending with a result or error message. Callers must not overlap prompts on
// one Conn; the session layer serializes turns.
type Conn interface {
	SendPrompt(ctx context.Context, prompt string) (<-chan *Message, error)
	SendAnswer(ctx context.Context, questionID string, answers map[string]string) error
	Close() error
}

// SubprocessClient runs the engine as a child process per conversation,
// speaking JSON lines over stdin/stdout.
type SubprocessClient struct {
	Command string
	Args    []string
	Filter  *Filter
	Logger  *slog.Logger
}

// NewSubprocessClient creates a client for the given engine command.
func NewSubprocessClient(command string, args []string, logger *slog.Logger) *SubprocessClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubprocessClient{
		Command: command,
		Args:    args,
		Filter:  DefaultFilter(),
		Logger:  logger.With("component", "engine"),
	}
}

// Connect launches the engine process. The process outlives ctx: ctx only
// bounds startup, the conversation itself is ended by Close.
func (c *SubprocessClient) Connect(ctx context.Context, opts ConnectOptions) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := append([]string{}, c.Args...)
	if opts.Agent != "" {
		args = append(args, "--agent", opts.Agent)
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}

	cmd := exec.Command(c.Command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting engine process: %w", err)
	}

	c.Logger.Debug("engine process started",
		"command", c.Command,
		"pid", cmd.Process.Pid,
		"resume", opts.Resume != "",
		"agent", opts.Agent,
	)

	conn := newConn(stdin, stdout, stderr, c.Filter, c.Logger)
	conn.cmd = cmd
	return conn, nil
}
