// ABOUTME: Per-session history recorder consuming normalized wire events.
// ABOUTME: Buffers text fragments and persists discrete entries to the store.

package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley-gateway/internal/event"
	"github.com/2389/parley-gateway/internal/store"
)

// Appender is the slice of the store the recorder needs.
type Appender interface {
	AppendHistory(ctx context.Context, entry *store.HistoryEntry) error
}

// Recorder accumulates one session's turn output into history entries.
// Text fragments are buffered and persisted as a single assistant entry
// when the turn completes; tool events are persisted immediately so the
// transcript preserves the order the engine emitted them.
//
// A Recorder is owned by one session and called from within that session's
// turn, which is already serialized, so it needs no locking of its own.
type Recorder struct {
	sessionID string
	appender  Appender
	logger    *slog.Logger

	buf strings.Builder
}

func NewRecorder(sessionID string, appender Appender, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		sessionID: sessionID,
		appender:  appender,
		logger:    logger.With("component", "history", "session_id", sessionID),
	}
}

// SaveUserMessage persists the user's prompt as one entry.
func (r *Recorder) SaveUserMessage(ctx context.Context, text string) error {
	return r.append(ctx, &store.HistoryEntry{
		Role:    store.RoleUser,
		Content: text,
	})
}

// ProcessEvent routes one wire event into the transcript. Text fragments
// are buffered; tool events persist immediately; a done event flushes the
// buffered text as one assistant entry. Session and error events are not
// persisted here (the error path goes through Finalize so partial text
// carries its error annotation).
func (r *Recorder) ProcessEvent(ctx context.Context, ev *event.Event) error {
	switch ev.Type {
	case event.TypeText:
		r.buf.WriteString(ev.Text)
		return nil

	case event.TypeToolUse:
		if ev.ToolUse == nil {
			return nil
		}
		return r.append(ctx, &store.HistoryEntry{
			Role:     store.RoleToolUse,
			Content:  string(ev.ToolUse.Input),
			ToolID:   ev.ToolUse.ID,
			ToolName: ev.ToolUse.Name,
		})

	case event.TypeToolResult:
		if ev.ToolResult == nil {
			return nil
		}
		return r.append(ctx, &store.HistoryEntry{
			Role:    store.RoleToolResult,
			Content: ev.ToolResult.Content,
			ToolID:  ev.ToolResult.ID,
			IsError: ev.ToolResult.IsError,
		})

	case event.TypeDone:
		return r.flush(ctx, false, nil)
	}

	return nil
}

// Finalize flushes whatever text is buffered, tagging the entry with the
// given metadata and an error flag. Used on the error path when no done
// event will arrive. Calling it twice, or with nothing buffered, is a
// no-op.
func (r *Recorder) Finalize(ctx context.Context, metadata map[string]string) error {
	return r.flush(ctx, true, metadata)
}

func (r *Recorder) flush(ctx context.Context, isError bool, metadata map[string]string) error {
	if r.buf.Len() == 0 {
		return nil
	}
	text := r.buf.String()
	r.buf.Reset()

	return r.append(ctx, &store.HistoryEntry{
		Role:     store.RoleAssistant,
		Content:  text,
		IsError:  isError,
		Metadata: metadata,
	})
}

func (r *Recorder) append(ctx context.Context, entry *store.HistoryEntry) error {
	entry.ID = uuid.NewString()
	entry.SessionID = r.sessionID
	entry.CreatedAt = time.Now().UTC()

	if err := r.appender.AppendHistory(ctx, entry); err != nil {
		r.logger.Error("failed to append history entry", "role", entry.Role, "error", err)
		return fmt.Errorf("appending %s entry: %w", entry.Role, err)
	}
	return nil
}
