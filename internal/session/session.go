// ABOUTME: Conversation session wrapping one engine connection.
// ABOUTME: RunTurn drives the engine, persists history, and yields wire events.

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/parley-gateway/internal/engine"
	"github.com/2389/parley-gateway/internal/event"
	"github.com/2389/parley-gateway/internal/history"
	"github.com/2389/parley-gateway/internal/question"
)

// Session is one conversation: a client-visible id bound to one engine
// connection. At most one turn executes at a time, enforced by a 1-slot
// semaphore acquired for the full duration of the turn including all
// engine I/O. The registry exclusively owns Session objects.
type Session struct {
	ClientID string

	client      engine.Client
	recorder    *history.Recorder
	questions   *question.Registry
	waitTimeout time.Duration
	logger      *slog.Logger

	// onEngineID reports the engine-assigned id to the registry the first
	// time the engine announces it. onTurnEnd persists session metadata.
	onEngineID func(ctx context.Context, clientID, engineID string)
	onTurnEnd  func(ctx context.Context, s *Session)

	// guard is the turn-exclusivity semaphore. Acquire suspends the
	// caller; release happens on every exit path of the pump goroutine.
	guard chan struct{}

	mu           sync.Mutex
	conn         engine.Conn
	connDead     bool
	engineID     string
	userID       string
	agent        string
	firstMessage string
	createdAt    time.Time
	lastActive   time.Time
	turnCount    int
}

// Summary is a read-only snapshot of session state for listings.
type Summary struct {
	ClientID     string    `json:"client_id"`
	EngineID     string    `json:"engine_id,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	Agent        string    `json:"agent,omitempty"`
	FirstMessage string    `json:"first_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	TurnCount    int       `json:"turn_count"`
	InFlight     bool      `json:"in_flight"`
}

// RunTurn executes one prompt-in, event-stream-out cycle. It suspends
// until any in-flight turn on this session finishes, records the user
// message, reconnects (with resume) if the engine connection died, and
// returns a finite, single-pass event stream ending in exactly one
// terminal done or error event.
func (s *Session) RunTurn(ctx context.Context, prompt string) (<-chan event.Event, error) {
	select {
	case s.guard <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.beginTurn(prompt)

	if err := s.recorder.SaveUserMessage(ctx, prompt); err != nil {
		<-s.guard
		return nil, fmt.Errorf("recording user message: %w", err)
	}

	conn, err := s.ensureConn(ctx)
	if err != nil {
		<-s.guard
		return nil, fmt.Errorf("connecting to engine: %w", err)
	}

	msgs, err := conn.SendPrompt(ctx, prompt)
	if err != nil {
		s.markConnDead()
		<-s.guard
		return nil, fmt.Errorf("sending prompt: %w", err)
	}

	out := make(chan event.Event, 16)
	go s.pump(ctx, conn, msgs, out)
	return out, nil
}

// pump consumes the engine's native stream, normalizes, persists, and
// yields events. History writes use a context detached from the caller so
// events already received survive a client disconnect. The engine read
// itself shares the caller's context; see yield for what a disconnect
// does to the rest of the turn.
func (s *Session) pump(ctx context.Context, conn engine.Conn, msgs <-chan *engine.Message, out chan<- event.Event) {
	defer func() { <-s.guard }()
	defer close(out)

	persist := context.WithoutCancel(ctx)
	yielding := true
	sawTerminal := false

	for msg := range msgs {
		isAsk := msg.Type == engine.MessageAskUser

		for _, ev := range event.Normalize(msg) {
			switch ev.Type {
			case event.TypeSession:
				s.adoptEngineID(persist, ev.SessionID)

			case event.TypeToolUse:
				// Register the rendezvous before the client can see the
				// question, so an immediate answer cannot miss it.
				if isAsk {
					if err := s.questions.Create(s.ClientID, ev.ToolUse.ID, ev.ToolUse.Input); err != nil {
						s.logger.Warn("failed to register pending question",
							"question_id", ev.ToolUse.ID, "error", err)
					}
				}

			case event.TypeError:
				sawTerminal = true
				s.finalizeWithError(persist, ev.Error)
				s.markConnDead()

			case event.TypeDone:
				sawTerminal = true
			}

			if err := s.recorder.ProcessEvent(persist, &ev); err != nil {
				s.logger.Error("failed to persist event", "type", ev.Type, "error", err)
			}
			if yielding {
				yielding = s.yield(ctx, out, ev)
			}
		}

		if isAsk && msg.Question != nil {
			s.answerQuestion(ctx, conn, msg.Question.QuestionID)
		}
	}

	if sawTerminal {
		s.endTurn(persist)
		return
	}

	// Stream ended without a terminal message. Surface an error so no
	// caller is left waiting, and flush whatever text accumulated.
	errText := "engine stream ended unexpectedly"
	s.finalizeWithError(persist, errText)
	s.markConnDead()
	s.endTurn(persist)
	if yielding {
		s.yield(ctx, out, event.Event{Type: event.TypeError, Error: errText})
	}
}

// answerQuestion blocks the turn at the rendezvous until the human answers
// or the wait resolves another way, then resumes the engine. Timeout and
// cancellation both resume with an empty answer set; the engine decides
// its own fallback.
func (s *Session) answerQuestion(ctx context.Context, conn engine.Conn, questionID string) {
	answers, err := s.questions.WaitForAnswer(ctx, questionID, s.waitTimeout)
	if err != nil {
		s.logger.Debug("question wait resolved without answer",
			"question_id", questionID, "reason", err)
		answers = map[string]string{}
	}

	if err := conn.SendAnswer(ctx, questionID, answers); err != nil {
		s.logger.Error("failed to send answer to engine",
			"question_id", questionID, "error", err)
		s.markConnDead()
	}
}

// yield forwards one event to the caller. Returns false once the caller
// is gone. A disconnect also cancels the engine read, so the turn ends
// early: accumulated text is flushed to history with error metadata and
// the next prompt resumes the engine conversation.
func (s *Session) yield(ctx context.Context, out chan<- event.Event, ev event.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		s.logger.Debug("caller gone mid-turn, aborting turn",
			"session_id", s.ClientID)
		return false
	}
}

// ensureConn returns a live engine connection, reconnecting with the known
// engine id when the previous connection died. Called with the turn guard
// held, so it never races itself.
func (s *Session) ensureConn(ctx context.Context) (engine.Conn, error) {
	s.mu.Lock()
	conn, dead := s.conn, s.connDead
	engineID, agent := s.engineID, s.agent
	s.mu.Unlock()

	if conn != nil && !dead {
		return conn, nil
	}
	if conn != nil {
		conn.Close()
		s.logger.Info("reconnecting to engine", "session_id", s.ClientID, "resume", engineID)
	}

	newConn, err := s.client.Connect(ctx, engine.ConnectOptions{Resume: engineID, Agent: agent})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.conn = newConn
	s.connDead = false
	s.mu.Unlock()
	return newConn, nil
}

func (s *Session) beginTurn(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
	s.turnCount++
	if s.firstMessage == "" {
		s.firstMessage = prompt
	}
}

func (s *Session) endTurn(ctx context.Context) {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
	if s.onTurnEnd != nil {
		s.onTurnEnd(ctx, s)
	}
}

func (s *Session) adoptEngineID(ctx context.Context, engineID string) {
	s.mu.Lock()
	known := s.engineID == engineID
	s.engineID = engineID
	s.mu.Unlock()
	if !known && s.onEngineID != nil {
		s.onEngineID(ctx, s.ClientID, engineID)
	}
}

func (s *Session) finalizeWithError(ctx context.Context, errText string) {
	if err := s.recorder.Finalize(ctx, map[string]string{"error": errText}); err != nil {
		s.logger.Error("failed to finalize history", "error", err)
	}
}

func (s *Session) markConnDead() {
	s.mu.Lock()
	s.connDead = true
	s.mu.Unlock()
}

// EngineID returns the engine-assigned id, empty before the first turn.
func (s *Session) EngineID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engineID
}

// InFlight reports whether a turn currently holds the exclusivity guard.
func (s *Session) InFlight() bool {
	return len(s.guard) > 0
}

// IdleFor reports how long the session has been without activity.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActive)
}

// Summary snapshots the session for listings.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		ClientID:     s.ClientID,
		EngineID:     s.engineID,
		UserID:       s.userID,
		Agent:        s.agent,
		FirstMessage: s.firstMessage,
		CreatedAt:    s.createdAt,
		LastActiveAt: s.lastActive,
		TurnCount:    s.turnCount,
		InFlight:     s.InFlight(),
	}
}

// Close terminates the underlying engine connection. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.connDead = true
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
