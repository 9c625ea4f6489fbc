// ABOUTME: Concurrency-safe registry of conversation sessions with TTL eviction.
// ABOUTME: Creation-on-demand, engine-id resumption index, and background sweeps.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley-gateway/internal/engine"
	"github.com/2389/parley-gateway/internal/history"
	"github.com/2389/parley-gateway/internal/persona"
	"github.com/2389/parley-gateway/internal/question"
	"github.com/2389/parley-gateway/internal/store"
)

// ErrNotFound is returned for operations on unknown session ids.
var ErrNotFound = errors.New("session not found")

// SessionStore is the slice of the store the registry needs.
type SessionStore interface {
	UpsertSession(ctx context.Context, session *store.Session) error
	GetSession(ctx context.Context, clientID string) (*store.Session, error)
	SetEngineID(ctx context.Context, clientID, engineID string) error
	DeleteSession(ctx context.Context, clientID string) error
	AppendHistory(ctx context.Context, entry *store.HistoryEntry) error
}

// Options configures a Registry.
type Options struct {
	Client              engine.Client
	Store               SessionStore
	Questions           *question.Registry
	Personas            persona.Resolver
	Logger              *slog.Logger
	TTL                 time.Duration
	SweepInterval       time.Duration
	QuestionWaitTimeout time.Duration
	QuestionMaxAge      time.Duration
	QuestionSweep       time.Duration
}

// Registry is the top-level cache of live sessions keyed by client id.
// Its lock protects only the maps; it is never held across engine I/O, so
// different sessions create and run turns concurrently while each session
// serializes its own turns.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	engineIDs map[string]string // client id -> engine id, survives eviction

	client      engine.Client
	store       SessionStore
	questions   *question.Registry
	personas    persona.Resolver
	logger      *slog.Logger
	ttl         time.Duration
	sweep       time.Duration
	waitTimeout time.Duration
	qMaxAge     time.Duration
	qSweep      time.Duration
}

func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		engineIDs:   make(map[string]string),
		client:      opts.Client,
		store:       opts.Store,
		questions:   opts.Questions,
		personas:    opts.Personas,
		logger:      logger.With("component", "session"),
		ttl:         opts.TTL,
		sweep:       opts.SweepInterval,
		waitTimeout: opts.QuestionWaitTimeout,
		qMaxAge:     opts.QuestionMaxAge,
		qSweep:      opts.QuestionSweep,
	}
}

// GetOrCreate returns the session for clientID, building one if none is
// cached. An empty clientID gets a generated UUID. A session evicted
// earlier is rebuilt with a resume request when the engine id is still
// known (memory index first, then the store). Returns the resolved id and
// whether the session object already existed.
func (r *Registry) GetOrCreate(ctx context.Context, clientID, agent, userID string) (*Session, string, bool, error) {
	if clientID == "" {
		clientID = uuid.NewString()
	}

	r.mu.Lock()
	if sess, ok := r.sessions[clientID]; ok {
		r.mu.Unlock()
		return sess, clientID, true, nil
	}
	engineID := r.engineIDs[clientID]
	r.mu.Unlock()

	// Persona resolution and store lookup happen outside the lock.
	p, err := r.personas.Resolve(agent)
	if err != nil {
		return nil, "", false, err
	}

	now := time.Now()
	meta := &store.Session{
		ClientID:     clientID,
		UserID:       userID,
		Agent:        p.Name,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if persisted, err := r.store.GetSession(ctx, clientID); err == nil {
		meta = persisted
		if engineID == "" {
			engineID = persisted.EngineID
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, "", false, fmt.Errorf("looking up session: %w", err)
	}

	sess := r.buildSession(clientID, engineID, meta)

	r.mu.Lock()
	if winner, ok := r.sessions[clientID]; ok {
		// Creation race: the loser reuses the winner's entry.
		r.mu.Unlock()
		sess.Close()
		return winner, clientID, true, nil
	}
	r.sessions[clientID] = sess
	r.mu.Unlock()

	if err := r.store.UpsertSession(ctx, meta); err != nil {
		r.logger.Error("failed to persist session metadata", "client_id", clientID, "error", err)
	}

	r.logger.Info("session created", "client_id", clientID, "agent", p.Name, "resume", engineID != "")
	return sess, clientID, false, nil
}

func (r *Registry) buildSession(clientID, engineID string, meta *store.Session) *Session {
	return &Session{
		ClientID:     clientID,
		client:       r.client,
		recorder:     history.NewRecorder(clientID, r.store, r.logger),
		questions:    r.questions,
		waitTimeout:  r.waitTimeout,
		logger:       r.logger,
		onEngineID:   r.RegisterEngineID,
		onTurnEnd:    r.persistSession,
		guard:        make(chan struct{}, 1),
		engineID:     engineID,
		userID:       meta.UserID,
		agent:        meta.Agent,
		firstMessage: meta.FirstMessage,
		createdAt:    meta.CreatedAt,
		lastActive:   meta.LastActiveAt,
		turnCount:    meta.TurnCount,
	}
}

// RegisterEngineID records the client id to engine id mapping in memory
// and in the store, so an evicted session resumes the same engine
// conversation when rebuilt.
func (r *Registry) RegisterEngineID(ctx context.Context, clientID, engineID string) {
	r.mu.Lock()
	r.engineIDs[clientID] = engineID
	r.mu.Unlock()

	if err := r.store.SetEngineID(ctx, clientID, engineID); err != nil {
		r.logger.Warn("failed to persist engine id", "client_id", clientID, "error", err)
	}
	r.logger.Debug("engine id registered", "client_id", clientID, "engine_id", engineID)
}

// persistSession writes current session metadata after a turn completes.
func (r *Registry) persistSession(ctx context.Context, s *Session) {
	sum := s.Summary()
	meta := &store.Session{
		ClientID:     sum.ClientID,
		EngineID:     sum.EngineID,
		UserID:       sum.UserID,
		Agent:        sum.Agent,
		FirstMessage: sum.FirstMessage,
		CreatedAt:    sum.CreatedAt,
		LastActiveAt: sum.LastActiveAt,
		TurnCount:    sum.TurnCount,
	}
	if err := r.store.UpsertSession(ctx, meta); err != nil {
		r.logger.Error("failed to persist session metadata", "client_id", sum.ClientID, "error", err)
	}
}

// ListSessions snapshots all live sessions. The registry lock is released
// before summaries are built, so serialization never blocks lookups.
func (r *Registry) ListSessions() []Summary {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	summaries := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, s.Summary())
	}
	return summaries
}

// CloseSession terminates the engine connection and removes the in-memory
// entry; persisted history survives. Pending questions are canceled so no
// waiter is stranded. Returns ErrNotFound for an unknown id.
func (r *Registry) CloseSession(ctx context.Context, clientID string) error {
	r.mu.Lock()
	sess, ok := r.sessions[clientID]
	if ok {
		delete(r.sessions, clientID)
	}
	r.mu.Unlock()

	if !ok {
		// Not live; still a known session if the store has it.
		if _, err := r.store.GetSession(ctx, clientID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		return nil
	}

	r.questions.CancelForSession(clientID)
	if err := sess.Close(); err != nil {
		r.logger.Warn("error closing engine connection", "client_id", clientID, "error", err)
	}
	r.logger.Info("session closed", "client_id", clientID)
	return nil
}

// DeleteSession closes the session and additionally removes its persisted
// metadata and history. Returns ErrNotFound if the id is unknown both in
// memory and in the store.
func (r *Registry) DeleteSession(ctx context.Context, clientID string) error {
	r.mu.Lock()
	sess, live := r.sessions[clientID]
	if live {
		delete(r.sessions, clientID)
	}
	delete(r.engineIDs, clientID)
	r.mu.Unlock()

	if live {
		r.questions.CancelForSession(clientID)
		if err := sess.Close(); err != nil {
			r.logger.Warn("error closing engine connection", "client_id", clientID, "error", err)
		}
	}

	err := r.store.DeleteSession(ctx, clientID)
	if errors.Is(err, store.ErrNotFound) {
		if !live {
			return ErrNotFound
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting persisted session: %w", err)
	}

	r.logger.Info("session deleted", "client_id", clientID)
	return nil
}

// CleanupExpired evicts sessions idle longer than the TTL. A session with
// a turn in flight is never evicted: eviction requires taking the turn
// guard without waiting. Pending questions of evicted sessions are
// canceled first. Returns the number evicted.
func (r *Registry) CleanupExpired(ctx context.Context) int {
	// Snapshot-then-act: the lock is never held while closing connections.
	r.mu.Lock()
	candidates := make([]*Session, 0)
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.Unlock()

	evicted := 0
	for _, s := range candidates {
		if s.IdleFor() <= r.ttl {
			continue
		}

		// Take the guard without suspending; a held guard means a turn
		// is in flight and the session is off limits.
		select {
		case s.guard <- struct{}{}:
		default:
			continue
		}

		// Re-check idleness: a turn may have finished just before we
		// took the guard.
		if s.IdleFor() <= r.ttl {
			<-s.guard
			continue
		}

		r.mu.Lock()
		delete(r.sessions, s.ClientID)
		r.mu.Unlock()

		r.questions.CancelForSession(s.ClientID)
		if err := s.Close(); err != nil {
			r.logger.Warn("error closing expired session", "client_id", s.ClientID, "error", err)
		}
		<-s.guard
		evicted++
		r.logger.Info("session evicted", "client_id", s.ClientID, "idle", s.IdleFor().Round(time.Second))
	}
	return evicted
}

// Run drives the background sweeps until ctx is done: session TTL
// eviction and orphaned-question cleanup, on independent cycles.
func (r *Registry) Run(ctx context.Context) {
	sessionTicker := time.NewTicker(r.sweep)
	defer sessionTicker.Stop()
	questionTicker := time.NewTicker(r.qSweep)
	defer questionTicker.Stop()

	r.logger.Info("background sweeps started",
		"session_ttl", r.ttl, "sweep_interval", r.sweep,
		"question_max_age", r.qMaxAge)

	for {
		select {
		case <-sessionTicker.C:
			if n := r.CleanupExpired(ctx); n > 0 {
				r.logger.Info("expired sessions evicted", "count", n)
			}
		case <-questionTicker.C:
			if n := r.questions.CleanupOrphaned(r.qMaxAge); n > 0 {
				r.logger.Info("orphaned questions removed", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown closes every live session. Called once during gateway
// shutdown, after the transports stop accepting work.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		r.questions.CancelForSession(s.ClientID)
		if err := s.Close(); err != nil {
			r.logger.Warn("error closing session during shutdown", "client_id", s.ClientID, "error", err)
		}
	}
	r.logger.Info("all sessions closed", "count", len(sessions))
}
