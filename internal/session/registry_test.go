// ABOUTME: Tests for the session registry: caching, resumption, eviction.
// ABOUTME: Uses the same scripted fake engine as the session tests.

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-gateway/internal/engine"
	"github.com/2389/parley-gateway/internal/event"
	"github.com/2389/parley-gateway/internal/persona"
	"github.com/2389/parley-gateway/internal/question"
)

func TestGetOrCreateCachesSession(t *testing.T) {
	reg, _, _ := newTestRegistry(t, simpleTurn("e1", "x"))
	ctx := context.Background()

	first, id, cached, err := reg.GetOrCreate(ctx, "c1", "", "")
	require.NoError(t, err)
	assert.Equal(t, "c1", id)
	assert.False(t, cached)

	second, id, cached, err := reg.GetOrCreate(ctx, "c1", "", "")
	require.NoError(t, err)
	assert.Equal(t, "c1", id)
	assert.True(t, cached)
	assert.Same(t, first, second, "same session object before TTL expiry")
}

func TestGetOrCreateGeneratesID(t *testing.T) {
	reg, _, _ := newTestRegistry(t, simpleTurn("e1", "x"))

	_, id, cached, err := reg.GetOrCreate(context.Background(), "", "", "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.False(t, cached)
}

func TestGetOrCreateUnknownPersona(t *testing.T) {
	reg, _, _ := newTestRegistry(t, simpleTurn("e1", "x"))

	_, _, _, err := reg.GetOrCreate(context.Background(), "c1", "nonexistent", "")
	assert.ErrorIs(t, err, persona.ErrUnknownPersona)
}

func TestResumeAfterEviction(t *testing.T) {
	reg, client, _ := newTestRegistry(t, simpleTurn("e9", "hi"))
	ctx := context.Background()

	sess, _, _, err := reg.GetOrCreate(ctx, "c1", "", "")
	require.NoError(t, err)
	ch, err := sess.RunTurn(ctx, "start")
	require.NoError(t, err)
	drain(t, ch)
	require.Equal(t, "e9", sess.EngineID())

	require.NoError(t, reg.CloseSession(ctx, "c1"))

	// Rebuilt session requests resumption with the known engine id.
	rebuilt, _, cached, err := reg.GetOrCreate(ctx, "c1", "", "")
	require.NoError(t, err)
	assert.False(t, cached)
	assert.NotSame(t, sess, rebuilt)
	assert.Equal(t, "e9", rebuilt.EngineID())

	ch, err = rebuilt.RunTurn(ctx, "continue")
	require.NoError(t, err)
	drain(t, ch)

	require.Equal(t, 2, client.connectCount())
	assert.Equal(t, "e9", client.connects[1].Resume)
}

func TestResumeFromStoreAfterRestart(t *testing.T) {
	// Same backing store, fresh registry: the engine id survives via the
	// persisted session row.
	st := newMemStore()
	client := &fakeClient{serve: simpleTurn("e7", "x")}
	opts := Options{
		Client:              client,
		Store:               st,
		Questions:           question.NewRegistry(),
		Personas:            persona.NewDirResolver("", ""),
		TTL:                 time.Hour,
		SweepInterval:       time.Minute,
		QuestionWaitTimeout: time.Second,
		QuestionMaxAge:      time.Minute,
		QuestionSweep:       time.Minute,
	}
	ctx := context.Background()

	reg1 := NewRegistry(opts)
	sess, _, _, err := reg1.GetOrCreate(ctx, "c1", "", "")
	require.NoError(t, err)
	ch, err := sess.RunTurn(ctx, "hello")
	require.NoError(t, err)
	drain(t, ch)

	reg2 := NewRegistry(opts)
	rebuilt, _, cached, err := reg2.GetOrCreate(ctx, "c1", "", "")
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "e7", rebuilt.EngineID())
	sum := rebuilt.Summary()
	assert.Equal(t, 1, sum.TurnCount)
	assert.Equal(t, "hello", sum.FirstMessage)
}

func TestListSessions(t *testing.T) {
	reg, _, _ := newTestRegistry(t, simpleTurn("e1", "x"))
	ctx := context.Background()

	_, _, _, err := reg.GetOrCreate(ctx, "a", "", "")
	require.NoError(t, err)
	_, _, _, err = reg.GetOrCreate(ctx, "b", "", "")
	require.NoError(t, err)

	summaries := reg.ListSessions()
	assert.Len(t, summaries, 2)
}

func TestCloseSessionNotFound(t *testing.T) {
	reg, _, _ := newTestRegistry(t, simpleTurn("e1", "x"))
	assert.ErrorIs(t, reg.CloseSession(context.Background(), "ghost"), ErrNotFound)
}

func TestCloseSessionKeepsHistory(t *testing.T) {
	reg, _, st := newTestRegistry(t, simpleTurn("e1", "reply"))
	ctx := context.Background()

	sess, _, _, err := reg.GetOrCreate(ctx, "c1", "", "")
	require.NoError(t, err)
	ch, err := sess.RunTurn(ctx, "hi")
	require.NoError(t, err)
	drain(t, ch)

	require.NoError(t, reg.CloseSession(ctx, "c1"))
	assert.Empty(t, reg.ListSessions())
	assert.NotEmpty(t, st.entriesFor("c1"), "close preserves persisted history")

	// Still known via the store, so a second close succeeds quietly.
	assert.NoError(t, reg.CloseSession(ctx, "c1"))
}

func TestDeleteSessionRemovesHistory(t *testing.T) {
	reg, _, st := newTestRegistry(t, simpleTurn("e1", "reply"))
	ctx := context.Background()

	sess, _, _, err := reg.GetOrCreate(ctx, "c1", "", "")
	require.NoError(t, err)
	ch, err := sess.RunTurn(ctx, "hi")
	require.NoError(t, err)
	drain(t, ch)

	require.NoError(t, reg.DeleteSession(ctx, "c1"))
	assert.Empty(t, st.entriesFor("c1"))
	assert.ErrorIs(t, reg.DeleteSession(ctx, "c1"), ErrNotFound)
}

func TestCleanupExpiredEvictsIdleSessions(t *testing.T) {
	client := &fakeClient{serve: simpleTurn("e1", "x")}
	st := newMemStore()
	reg := NewRegistry(Options{
		Client:              client,
		Store:               st,
		Questions:           question.NewRegistry(),
		Personas:            persona.NewDirResolver("", ""),
		TTL:                 30 * time.Millisecond,
		SweepInterval:       time.Minute,
		QuestionWaitTimeout: time.Second,
		QuestionMaxAge:      time.Minute,
		QuestionSweep:       time.Minute,
	})
	ctx := context.Background()

	_, _, _, err := reg.GetOrCreate(ctx, "idle", "", "")
	require.NoError(t, err)

	assert.Zero(t, reg.CleanupExpired(ctx), "fresh session is not evicted")

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, reg.CleanupExpired(ctx))
	assert.Empty(t, reg.ListSessions())
}

func TestCleanupExpiredSkipsInFlightTurns(t *testing.T) {
	release := make(chan struct{})
	serve := func(_ string, emit func(*engine.Message), _ func() answerCall) {
		<-release
		emit(&engine.Message{Type: engine.MessageResult, Result: &engine.TurnResult{NumTurns: 1}})
	}
	client := &fakeClient{serve: serve}
	st := newMemStore()
	reg := NewRegistry(Options{
		Client:              client,
		Store:               st,
		Questions:           question.NewRegistry(),
		Personas:            persona.NewDirResolver("", ""),
		TTL:                 10 * time.Millisecond,
		SweepInterval:       time.Minute,
		QuestionWaitTimeout: time.Second,
		QuestionMaxAge:      time.Minute,
		QuestionSweep:       time.Minute,
	})
	ctx := context.Background()

	sess, _, _, err := reg.GetOrCreate(ctx, "busy", "", "")
	require.NoError(t, err)
	ch, err := sess.RunTurn(ctx, "slow work")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	// lastActive is old but the guard is held; the sweep must skip it.
	assert.Zero(t, reg.CleanupExpired(ctx))
	assert.Len(t, reg.ListSessions(), 1)

	close(release)
	events := drain(t, ch)
	assert.Equal(t, event.TypeDone, events[len(events)-1].Type)
}

func TestEvictionCancelsPendingQuestions(t *testing.T) {
	reg, _, _ := newTestRegistry(t, simpleTurn("e1", "x"))
	ctx := context.Background()

	_, _, _, err := reg.GetOrCreate(ctx, "c1", "", "")
	require.NoError(t, err)
	require.NoError(t, reg.questions.Create("c1", "q1", nil))

	require.NoError(t, reg.CloseSession(ctx, "c1"))
	assert.Zero(t, reg.questions.PendingCount(), "close cancels the session's pending questions")
}

func TestCreationRaceReusesWinner(t *testing.T) {
	reg, _, _ := newTestRegistry(t, simpleTurn("e1", "x"))
	ctx := context.Background()

	const workers = 8
	results := make(chan *Session, workers)
	for i := 0; i < workers; i++ {
		go func() {
			sess, _, _, err := reg.GetOrCreate(ctx, "raced", "", "")
			assert.NoError(t, err)
			results <- sess
		}()
	}

	first := <-results
	for i := 1; i < workers; i++ {
		assert.Same(t, first, <-results, "all racers share one session object")
	}
	assert.Len(t, reg.ListSessions(), 1)
}

func TestShutdownClosesEverything(t *testing.T) {
	reg, client, _ := newTestRegistry(t, simpleTurn("e1", "x"))
	ctx := context.Background()

	sess, _, _, err := reg.GetOrCreate(ctx, "c1", "", "")
	require.NoError(t, err)
	ch, err := sess.RunTurn(ctx, "hi")
	require.NoError(t, err)
	drain(t, ch)

	reg.Shutdown()
	assert.Empty(t, reg.ListSessions())

	client.mu.Lock()
	defer client.mu.Unlock()
	for _, conn := range client.conns {
		conn.mu.Lock()
		assert.True(t, conn.closed)
		conn.mu.Unlock()
	}
}
