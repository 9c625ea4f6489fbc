// ABOUTME: Tests for the HTTP API: SSE streaming, session REST, questions.
// ABOUTME: Runs against a scripted engine and a real SQLite store on disk.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/config"
	"github.com/2389/parley-gateway/internal/dedupe"
	"github.com/2389/parley-gateway/internal/engine"
	"github.com/2389/parley-gateway/internal/persona"
	"github.com/2389/parley-gateway/internal/question"
	"github.com/2389/parley-gateway/internal/session"
	"github.com/2389/parley-gateway/internal/store"
)

// scriptedClient runs a canned turn for every prompt: announce the engine
// id, emit one text reply, finish.
type scriptedClient struct {
	engineID string
	reply    string
}

func (c *scriptedClient) Connect(_ context.Context, _ engine.ConnectOptions) (engine.Conn, error) {
	return &scriptedConn{engineID: c.engineID, reply: c.reply}, nil
}

type scriptedConn struct {
	engineID string
	reply    string
}

func (c *scriptedConn) SendPrompt(_ context.Context, _ string) (<-chan *engine.Message, error) {
	ch := make(chan *engine.Message, 4)
	ch <- &engine.Message{Type: engine.MessageInit, SessionID: c.engineID}
	ch <- &engine.Message{Type: engine.MessageText, Text: c.reply}
	ch <- &engine.Message{Type: engine.MessageResult, Result: &engine.TurnResult{NumTurns: 1}}
	close(ch)
	return ch, nil
}

func (c *scriptedConn) SendAnswer(_ context.Context, _ string, _ map[string]string) error {
	return nil
}

func (c *scriptedConn) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestGateway assembles a Gateway around the scripted engine and a real
// SQLite store, plus a mux with all routes registered and auth disabled.
func newTestGateway(t *testing.T, reply string) (*Gateway, *http.ServeMux) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	questions := question.NewRegistry()
	registry := session.NewRegistry(session.Options{
		Client:              &scriptedClient{engineID: "e1", reply: reply},
		Store:               st,
		Questions:           questions,
		Personas:            persona.NewDirResolver("", ""),
		Logger:              testLogger(),
		TTL:                 time.Hour,
		SweepInterval:       time.Minute,
		QuestionWaitTimeout: time.Second,
		QuestionMaxAge:      time.Minute,
		QuestionSweep:       time.Minute,
	})

	g := &Gateway{
		config:    &config.Config{},
		store:     st,
		registry:  registry,
		questions: questions,
		personas:  persona.NewDirResolver("", ""),
		dedupe:    dedupe.New(time.Minute, time.Minute, 100),
		logger:    testLogger(),
	}
	t.Cleanup(func() {
		registry.Shutdown()
		g.dedupe.Close()
	})

	mux := http.NewServeMux()
	g.registerRoutes(mux)
	return g, mux
}

// sseEvent is one parsed Server-Sent Event from a recorded response body.
type sseEvent struct {
	Event string
	Data  string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data = strings.TrimPrefix(line, "data: ")
			}
		}
		require.NotEmpty(t, ev.Event, "SSE block missing event line: %q", block)
		events = append(events, ev)
	}
	return events
}

func postJSON(mux *http.ServeMux, path string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func get(mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestSendMessageInvalidJSON(t *testing.T) {
	_, mux := newTestGateway(t, "x")

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/s1/messages", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendMessageEmptyContent(t *testing.T) {
	_, mux := newTestGateway(t, "x")

	rec := postJSON(mux, "/api/sessions/s1/messages", SendMessageRequest{Content: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
	assert.Equal(t, "content is required", errResp["error"])
}

func TestSendMessageStreamsSSE(t *testing.T) {
	_, mux := newTestGateway(t, "Hello back")

	rec := postJSON(mux, "/api/sessions/s1/messages", SendMessageRequest{Content: "Hello"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, events)

	assert.Equal(t, "started", events[0].Event)
	var started map[string]any
	require.NoError(t, json.Unmarshal([]byte(events[0].Data), &started))
	assert.Equal(t, "s1", started["session_id"])

	var tags []string
	for _, ev := range events[1:] {
		tags = append(tags, ev.Event)
	}
	assert.Equal(t, []string{"session", "text", "done"}, tags)
	assert.Contains(t, events[2].Data, "Hello back")
}

func TestSendMessageGeneratesSessionID(t *testing.T) {
	_, mux := newTestGateway(t, "x")

	rec := postJSON(mux, "/api/messages", SendMessageRequest{Content: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	events := parseSSE(t, rec.Body.String())
	require.Equal(t, "started", events[0].Event)

	var started map[string]any
	require.NoError(t, json.Unmarshal([]byte(events[0].Data), &started))
	assert.NotEmpty(t, started["session_id"])
}

func TestSendMessageDuplicateSuppressed(t *testing.T) {
	_, mux := newTestGateway(t, "x")

	body := SendMessageRequest{Content: "hi", MessageID: "m1"}
	first := postJSON(mux, "/api/sessions/s1/messages", body)
	require.Equal(t, http.StatusOK, first.Code)

	second := postJSON(mux, "/api/sessions/s1/messages", body)
	assert.Equal(t, http.StatusConflict, second.Code)
}

func TestFailedStartDoesNotPoisonRetry(t *testing.T) {
	_, mux := newTestGateway(t, "x")

	// A request rejected before the turn starts must not burn the
	// message id; the client's honest retry has to go through.
	bad := SendMessageRequest{Content: "hi", Agent: "ghost", MessageID: "m1"}
	rec := postJSON(mux, "/api/sessions/s1/messages", bad)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	retry := SendMessageRequest{Content: "hi", MessageID: "m1"}
	rec = postJSON(mux, "/api/sessions/s1/messages", retry)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSendMessageUnknownPersona(t *testing.T) {
	_, mux := newTestGateway(t, "x")

	rec := postJSON(mux, "/api/sessions/s1/messages", SendMessageRequest{Content: "hi", Agent: "ghost"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListSessions(t *testing.T) {
	_, mux := newTestGateway(t, "x")

	rec := postJSON(mux, "/api/sessions/s1/messages", SendMessageRequest{Content: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(mux, "/api/sessions")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Sessions []session.Summary `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, "s1", resp.Sessions[0].ClientID)
	assert.Equal(t, 1, resp.Sessions[0].TurnCount)
}

func TestListAgents(t *testing.T) {
	_, mux := newTestGateway(t, "x")

	rec := get(mux, "/api/agents")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Agents []AgentInfoResponse `json:"agents"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	// No agent directory configured: the built-in default is the only entry.
	require.Len(t, resp.Agents, 1)
	assert.Equal(t, persona.Default().Name, resp.Agents[0].Name)
}

func TestGetHistoryUnknownSession(t *testing.T) {
	_, mux := newTestGateway(t, "x")

	rec := get(mux, "/api/sessions/ghost/history")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetHistoryAfterTurn(t *testing.T) {
	_, mux := newTestGateway(t, "The answer")

	rec := postJSON(mux, "/api/sessions/s1/messages", SendMessageRequest{Content: "The question"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(mux, "/api/sessions/s1/history")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		SessionID string                 `json:"session_id"`
		Entries   []HistoryEntryResponse `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "s1", resp.SessionID)
	require.Len(t, resp.Entries, 2)
	assert.Equal(t, "user", resp.Entries[0].Role)
	assert.Equal(t, "The question", resp.Entries[0].Content)
	assert.Equal(t, "assistant", resp.Entries[1].Role)
	assert.Equal(t, "The answer", resp.Entries[1].Content)
}

func TestGetHistoryInvalidLimit(t *testing.T) {
	_, mux := newTestGateway(t, "x")

	rec := get(mux, "/api/sessions/s1/history?limit=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnswerQuestionNotFound(t *testing.T) {
	_, mux := newTestGateway(t, "x")

	rec := postJSON(mux, "/api/questions/ghost/answer", AnswerRequest{Answers: map[string]string{"q": "a"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnswerQuestionDelivers(t *testing.T) {
	g, mux := newTestGateway(t, "x")
	require.NoError(t, g.questions.Create("s1", "q1", nil))

	rec := postJSON(mux, "/api/questions/q1/answer", AnswerRequest{Answers: map[string]string{"color": "green"}})
	require.Equal(t, http.StatusOK, rec.Code)

	answers, err := g.questions.WaitForAnswer(context.Background(), "q1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"color": "green"}, answers)
}

func TestListQuestions(t *testing.T) {
	g, mux := newTestGateway(t, "x")
	require.NoError(t, g.questions.Create("s1", "q1", json.RawMessage(`{"items":[]}`)))

	rec := get(mux, "/api/sessions/s1/questions")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Questions []question.Summary `json:"questions"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Questions, 1)
}

func TestCloseSessionNotFound(t *testing.T) {
	_, mux := newTestGateway(t, "x")

	rec := postJSON(mux, "/api/sessions/ghost/close", struct{}{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCloseAndDeleteSession(t *testing.T) {
	_, mux := newTestGateway(t, "x")

	rec := postJSON(mux, "/api/sessions/s1/messages", SendMessageRequest{Content: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(mux, "/api/sessions/s1/close", struct{}{})
	require.Equal(t, http.StatusOK, rec.Code)

	// Close keeps history.
	rec = get(mux, "/api/sessions/s1/history")
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodDelete, "/api/sessions/s1", nil)
	del := httptest.NewRecorder()
	mux.ServeHTTP(del, req)
	require.Equal(t, http.StatusOK, del.Code)

	rec = get(mux, "/api/sessions/s1/history")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTranscriptRendersMarkdown(t *testing.T) {
	_, mux := newTestGateway(t, "Use the **red** wire")

	rec := postJSON(mux, "/api/sessions/s1/messages", SendMessageRequest{Content: "which wire?"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(mux, "/api/sessions/s1/transcript")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))

	html := rec.Body.String()
	assert.Contains(t, html, "Session s1")
	assert.Contains(t, html, "<strong>red</strong>")
}

func TestTranscriptUnknownSession(t *testing.T) {
	_, mux := newTestGateway(t, "x")

	rec := get(mux, "/api/sessions/ghost/transcript")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// newAuthedMux enables bearer auth on a test gateway and returns a mux with
// the middleware applied, plus a valid token and its id.
func newAuthedMux(t *testing.T, g *Gateway) (*http.ServeMux, string, string) {
	t.Helper()
	g.verifier = auth.NewJWTVerifier([]byte("test-secret"), g.store)
	mux := http.NewServeMux()
	g.registerRoutes(mux)

	token, tokenID, err := g.verifier.Generate("owner", time.Hour)
	require.NoError(t, err)
	return mux, token, tokenID
}

func TestRevokeToken(t *testing.T) {
	g, _ := newTestGateway(t, "x")
	mux, token, tokenID := newAuthedMux(t, g)

	body, _ := json.Marshal(RevokeTokenRequest{Token: token})
	req := httptest.NewRequest(http.MethodPost, "/api/tokens/revoke", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	revoked, err := g.store.IsTokenRevoked(context.Background(), tokenID)
	require.NoError(t, err)
	assert.True(t, revoked, "revocation must be persisted")

	// The revoked token no longer opens the API.
	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRevokeTokenMalformed(t *testing.T) {
	g, _ := newTestGateway(t, "x")
	mux, token, _ := newAuthedMux(t, g)

	body, _ := json.Marshal(RevokeTokenRequest{Token: "not-a-jwt"})
	req := httptest.NewRequest(http.MethodPost, "/api/tokens/revoke", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRevokeTokenAuthDisabled(t *testing.T) {
	_, mux := newTestGateway(t, "x")

	rec := postJSON(mux, "/api/tokens/revoke", RevokeTokenRequest{Token: "anything"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	_, mux := newTestGateway(t, "x")

	rec := get(mux, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(mux, "/health/ready")
	require.Equal(t, http.StatusOK, rec.Code)

	var ready map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ready))
	assert.Equal(t, "ok", ready["status"])
}
