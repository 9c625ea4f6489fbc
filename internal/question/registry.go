// ABOUTME: In-memory registry of questions awaiting human answers.
// ABOUTME: Create/submit/wait/cancel plus an orphan sweep for crashed turns.

package question

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNotFound means the question id is unknown at call time.
	ErrNotFound = errors.New("question not found")
	// ErrTimeout means the wait deadline elapsed before an answer arrived.
	// Distinct from ErrNotFound so callers can apply a different fallback.
	ErrTimeout = errors.New("question wait timed out")
	// ErrAlreadyWaiting means a second waiter tried to wait on the same
	// question. Each question has exactly one waiter.
	ErrAlreadyWaiting = errors.New("question already has a waiter")
)

// pending tracks one question awaiting an answer.
type pending struct {
	sessionID string
	payload   json.RawMessage
	answers   map[string]string
	resolved  bool
	waiting   bool
	done      chan struct{} // closed when an answer or cancellation lands
	createdAt time.Time
}

// Summary describes a pending question without exposing registry internals.
type Summary struct {
	QuestionID string          `json:"question_id"`
	SessionID  string          `json:"session_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Registry is the process-wide rendezvous table for pending questions.
// The mutex guards only map mutation; waits block on per-question channels.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*pending
}

func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]*pending)}
}

// Create registers a new question in the awaiting state. The caller must
// guarantee questionID uniqueness; a duplicate id is an error.
func (r *Registry) Create(sessionID, questionID string, payload json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[questionID]; exists {
		return fmt.Errorf("question %s already pending", questionID)
	}
	r.pending[questionID] = &pending{
		sessionID: sessionID,
		payload:   payload,
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
	return nil
}

// SubmitAnswer stores the answers and signals the waiter. It does not
// remove the entry; removal belongs to the waiter, so an answer racing
// the waiter's timeout check cannot be lost. Returns whether the entry
// was found and still unresolved.
func (r *Registry) SubmitAnswer(questionID string, answers map[string]string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	pq, ok := r.pending[questionID]
	if !ok || pq.resolved {
		return false
	}
	if answers == nil {
		answers = map[string]string{}
	}
	pq.answers = answers
	pq.resolved = true
	close(pq.done)
	return true
}

// WaitForAnswer blocks until the question is answered or canceled, the
// timeout elapses, or ctx is done. The entry is always removed before
// returning. A cancellation delivers an empty answer set.
func (r *Registry) WaitForAnswer(ctx context.Context, questionID string, timeout time.Duration) (map[string]string, error) {
	r.mu.Lock()
	pq, ok := r.pending[questionID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	if pq.waiting {
		r.mu.Unlock()
		return nil, ErrAlreadyWaiting
	}
	pq.waiting = true
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-pq.done:
		r.remove(questionID)
		return r.resolvedAnswers(pq), nil
	case <-timer.C:
		// An answer may land exactly as the deadline fires, and select
		// picks arbitrarily between the two ready channels. An answer
		// that SubmitAnswer already acknowledged must not be dropped,
		// so re-check resolution before declaring a timeout.
		r.remove(questionID)
		if r.isResolved(pq) {
			return r.resolvedAnswers(pq), nil
		}
		return nil, ErrTimeout
	case <-ctx.Done():
		r.remove(questionID)
		return nil, ctx.Err()
	}
}

func (r *Registry) isResolved(pq *pending) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return pq.resolved
}

func (r *Registry) resolvedAnswers(pq *pending) map[string]string {
	r.mu.Lock()
	answers := pq.answers
	r.mu.Unlock()
	if answers == nil {
		answers = map[string]string{}
	}
	return answers
}

// Cancel resolves a question with an empty answer set, representing "the
// human declined or could not be reached". If a waiter is blocked it is
// signaled and removes the entry itself; without a waiter the entry is
// removed here since nothing will ever consume it. Idempotent; reports
// whether an entry existed.
func (r *Registry) Cancel(questionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	pq, ok := r.pending[questionID]
	if !ok {
		return false
	}
	if !pq.resolved {
		pq.answers = map[string]string{}
		pq.resolved = true
		close(pq.done)
	}
	if !pq.waiting {
		delete(r.pending, questionID)
	}
	return true
}

// CancelForSession cancels every pending question owned by sessionID.
// Session eviction calls this so a TTL sweep never strands a waiter.
func (r *Registry) CancelForSession(sessionID string) int {
	ids := r.snapshot(func(pq *pending) bool { return pq.sessionID == sessionID })
	count := 0
	for _, id := range ids {
		if r.Cancel(id) {
			count++
		}
	}
	return count
}

// CleanupOrphaned removes entries older than maxAge regardless of a
// waiter. A safety net against turns that crashed without ever waiting.
func (r *Registry) CleanupOrphaned(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	ids := r.snapshot(func(pq *pending) bool { return pq.createdAt.Before(cutoff) })

	count := 0
	for _, id := range ids {
		r.mu.Lock()
		pq, ok := r.pending[id]
		if ok {
			if !pq.resolved {
				pq.answers = map[string]string{}
				pq.resolved = true
				close(pq.done)
			}
			delete(r.pending, id)
			count++
		}
		r.mu.Unlock()
	}
	return count
}

// PendingForSession returns summaries of the session's open questions.
func (r *Registry) PendingForSession(sessionID string) []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Summary
	for id, pq := range r.pending {
		if pq.sessionID == sessionID && !pq.resolved {
			out = append(out, Summary{
				QuestionID: id,
				SessionID:  pq.sessionID,
				Payload:    pq.payload,
				CreatedAt:  pq.createdAt,
			})
		}
	}
	return out
}

// PendingCount reports the number of registered questions.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Registry) remove(questionID string) {
	r.mu.Lock()
	delete(r.pending, questionID)
	r.mu.Unlock()
}

// snapshot collects matching ids under the lock so sweeps act on a copy,
// tolerating concurrent mutation of the map.
func (r *Registry) snapshot(match func(*pending) bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, pq := range r.pending {
		if match(pq) {
			ids = append(ids, id)
		}
	}
	return ids
}
