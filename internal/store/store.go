// ABOUTME: Store interface and data types for parley-gateway persistence
// ABOUTME: Defines Session, HistoryEntry structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// History entry roles
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolUse    = "tool_use"
	RoleToolResult = "tool_result"
)

// Session is the persisted metadata for one conversation. The client id is
// the client-visible key; the engine id is filled in after the engine
// announces its own session id on the first turn.
type Session struct {
	ClientID     string
	EngineID     string
	UserID       string
	Agent        string
	FirstMessage string
	CreatedAt    time.Time
	LastActiveAt time.Time
	TurnCount    int
}

// HistoryEntry is one record in a session's append-only transcript log.
// Entries are never rewritten after append; read-back order is append order.
type HistoryEntry struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	ToolID    string
	ToolName  string
	IsError   bool
	Metadata  map[string]string
	CreatedAt time.Time
}

// Store defines the interface for session, history, and token persistence
type Store interface {
	// Sessions
	UpsertSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, clientID string) (*Session, error)
	SetEngineID(ctx context.Context, clientID, engineID string) error
	ListSessions(ctx context.Context, limit int) ([]*Session, error)
	DeleteSession(ctx context.Context, clientID string) error

	// History (append-only per session)
	AppendHistory(ctx context.Context, entry *HistoryEntry) error
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*HistoryEntry, error)

	// Token revocation
	RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, tokenID string) (bool, error)
	PruneRevocations(ctx context.Context, before time.Time) (int, error)

	// Close releases any resources held by the store
	Close() error
}
