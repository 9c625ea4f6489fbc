// ABOUTME: HTTP API handlers: SSE message streaming, session REST, question answers.
// ABOUTME: Also renders a session transcript as HTML from markdown history.

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/yuin/goldmark"

	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/dedupe"
	"github.com/2389/parley-gateway/internal/session"
	"github.com/2389/parley-gateway/internal/store"
)

const defaultHistoryLimit = 500

// SendMessageRequest is the JSON request body for sending a message.
// SessionID in the body is used when the URL carries no session id; an empty
// id means the gateway picks one. MessageID is an optional client-chosen id
// used to suppress duplicate deliveries of the same prompt.
type SendMessageRequest struct {
	Content   string `json:"content"`
	SessionID string `json:"session_id,omitempty"`
	Agent     string `json:"agent,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// AnswerRequest is the JSON request body for answering a pending question.
type AnswerRequest struct {
	Answers map[string]string `json:"answers"`
}

// RevokeTokenRequest is the JSON request body for revoking a credential.
type RevokeTokenRequest struct {
	Token string `json:"token"`
}

// AgentInfoResponse is one persona in GET /api/agents responses.
type AgentInfoResponse struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Model       string `json:"model,omitempty"`
}

// HistoryEntryResponse is one transcript record in history responses.
type HistoryEntryResponse struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	ToolID    string            `json:"tool_id,omitempty"`
	ToolName  string            `json:"tool_name,omitempty"`
	IsError   bool              `json:"is_error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt string            `json:"created_at"`
}

// sendJSONError writes a JSON error response with the given status code.
func (g *Gateway) sendJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (g *Gateway) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// writeSSEEvent writes a Server-Sent Event with the given event type and data.
func writeSSEEvent(w http.ResponseWriter, event string, data any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling SSE data: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", dataJSON); err != nil {
		return err
	}
	return nil
}

// parseSendRequest decodes and validates the send-message body.
func parseSendRequest(r *http.Request) (*SendMessageRequest, error) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.Content == "" {
		return nil, errors.New("content is required")
	}
	return &req, nil
}

// handleSendMessage runs one turn and streams its events via SSE.
//
// The session id comes from the URL path, or the body, or is generated. The
// stream always starts with a `started` preamble carrying the resolved id,
// then carries wire events until the turn's terminal event.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	req, err := parseSendRequest(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	clientID := r.PathValue("id")
	if clientID == "" {
		clientID = req.SessionID
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// The dedupe key is forgotten again on every failure before the turn
	// starts, so a rejected request never poisons the client's retry.
	dedupeKey := ""
	if req.MessageID != "" && clientID != "" {
		dedupeKey = dedupe.Key(clientID, req.MessageID)
		if g.dedupe.CheckAndMark(dedupeKey) {
			g.sendJSONError(w, http.StatusConflict, "duplicate message")
			return
		}
	}

	userID := ""
	if identity := auth.FromContext(r.Context()); identity != nil {
		userID = identity.UserID
	}

	sess, resolvedID, cached, err := g.registry.GetOrCreate(r.Context(), clientID, req.Agent, userID)
	if err != nil {
		if dedupeKey != "" {
			g.dedupe.Forget(dedupeKey)
		}
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := sess.RunTurn(r.Context(), req.Content)
	if err != nil {
		if dedupeKey != "" {
			g.dedupe.Forget(dedupeKey)
		}
		g.sendJSONError(w, http.StatusBadGateway, fmt.Sprintf("starting turn: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if err := writeSSEEvent(w, "started", map[string]any{
		"session_id": resolvedID,
		"was_cached": cached,
	}); err != nil {
		g.logger.Error("failed to write started event", "error", err)
		return
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			if err := writeSSEEvent(w, string(ev.Type), ev); err != nil {
				g.logger.Debug("client gone mid-stream", "session_id", resolvedID, "error", err)
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// handleListAgents handles GET /api/agents, listing the personas a client
// can pick when starting a session.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	personas, err := g.personas.List()
	if err != nil {
		g.logger.Error("failed to list agent definitions", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]AgentInfoResponse, len(personas))
	for i, p := range personas {
		response[i] = AgentInfoResponse{
			Name:        p.Name,
			Description: p.Description,
			Model:       p.Model,
		}
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"agents": response})
}

// handleListSessions handles GET /api/sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	summaries := g.registry.ListSessions()
	if summaries == nil {
		summaries = []session.Summary{}
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"sessions": summaries})
}

// handleGetHistory handles GET /api/sessions/{id}/history. Accepts an
// optional ?limit=N query parameter.
func (g *Gateway) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("id")

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	entries, err := g.fetchHistory(r, clientID, limit)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		g.logger.Error("failed to load history", "session_id", clientID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]HistoryEntryResponse, len(entries))
	for i, e := range entries {
		response[i] = HistoryEntryResponse{
			ID:        e.ID,
			Role:      e.Role,
			Content:   e.Content,
			ToolID:    e.ToolID,
			ToolName:  e.ToolName,
			IsError:   e.IsError,
			Metadata:  e.Metadata,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		}
	}

	g.sendJSON(w, http.StatusOK, map[string]any{
		"session_id": clientID,
		"entries":    response,
	})
}

// fetchHistory loads transcript entries, distinguishing an unknown session
// from one that simply has no entries yet.
func (g *Gateway) fetchHistory(r *http.Request, clientID string, limit int) ([]*store.HistoryEntry, error) {
	if _, err := g.store.GetSession(r.Context(), clientID); err != nil {
		return nil, err
	}
	return g.store.GetHistory(r.Context(), clientID, limit)
}

// handleListQuestions handles GET /api/sessions/{id}/questions.
func (g *Gateway) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("id")
	pending := g.questions.PendingForSession(clientID)
	g.sendJSON(w, http.StatusOK, map[string]any{"questions": pending})
}

// handleCloseSession handles POST /api/sessions/{id}/close. History survives.
func (g *Gateway) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("id")
	if err := g.registry.CloseSession(r.Context(), clientID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		g.logger.Error("failed to close session", "session_id", clientID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// handleDeleteSession handles DELETE /api/sessions/{id}. Removes history too.
func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("id")
	if err := g.registry.DeleteSession(r.Context(), clientID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		g.logger.Error("failed to delete session", "session_id", clientID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleAnswerQuestion handles POST /api/questions/{id}/answer. Delivers the
// answers to the turn blocked at the rendezvous. 404 when the question is
// unknown, already answered, or timed out.
func (g *Gateway) handleAnswerQuestion(w http.ResponseWriter, r *http.Request) {
	questionID := r.PathValue("id")

	var req AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Answers == nil {
		req.Answers = map[string]string{}
	}

	if !g.questions.SubmitAnswer(questionID, req.Answers) {
		g.sendJSONError(w, http.StatusNotFound, "no pending question with this id")
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "answered"})
}

// handleRevokeToken handles POST /api/tokens/revoke. The token named in the
// body joins the revocation list; subsequent requests presenting it are
// rejected until it expires on its own. Revoking an already revoked token
// succeeds quietly.
func (g *Gateway) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	if g.verifier == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "auth is not configured")
		return
	}

	var req RevokeTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Token == "" {
		g.sendJSONError(w, http.StatusBadRequest, "token is required")
		return
	}

	if err := g.verifier.Revoke(r.Context(), req.Token); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingClaim) {
			g.sendJSONError(w, http.StatusBadRequest, "invalid token")
			return
		}
		g.logger.Error("failed to revoke token", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

var transcriptTemplate = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Transcript {{.SessionID}}</title>
<style>
body { font-family: sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; }
.entry { margin-bottom: 1.5rem; }
.role { font-weight: bold; color: #555; font-size: 0.85rem; text-transform: uppercase; }
.tool { color: #777; font-family: monospace; font-size: 0.85rem; }
.error { color: #b00; }
</style>
</head>
<body>
<h1>Session {{.SessionID}}</h1>
{{range .Entries}}<div class="entry">
<div class="role{{if .IsError}} error{{end}}">{{.Role}}{{if .ToolName}} <span class="tool">{{.ToolName}}</span>{{end}}</div>
{{.HTML}}
</div>
{{end}}</body>
</html>
`))

type transcriptEntry struct {
	Role     string
	ToolName string
	IsError  bool
	HTML     template.HTML
}

// handleTranscript handles GET /api/sessions/{id}/transcript, rendering the
// session history as an HTML page with message bodies converted from
// markdown.
func (g *Gateway) handleTranscript(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("id")

	entries, err := g.fetchHistory(r, clientID, defaultHistoryLimit)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		g.logger.Error("failed to load history", "session_id", clientID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	rendered := make([]transcriptEntry, len(entries))
	for i, e := range entries {
		var htmlBuf bytes.Buffer
		if err := goldmark.Convert([]byte(e.Content), &htmlBuf); err != nil {
			g.logger.Error("failed to convert markdown", "error", err)
			htmlBuf.Reset()
			htmlBuf.WriteString("<p>(failed to render)</p>")
		}
		rendered[i] = transcriptEntry{
			Role:     e.Role,
			ToolName: e.ToolName,
			IsError:  e.IsError,
			HTML:     template.HTML(htmlBuf.String()),
		}
	}

	data := struct {
		SessionID string
		Entries   []transcriptEntry
	}{SessionID: clientID, Entries: rendered}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := transcriptTemplate.Execute(w, data); err != nil {
		g.logger.Error("failed to render transcript", "error", err)
	}
}

// handleHealth handles GET /health.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady handles GET /health/ready with a summary of live state.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"live_sessions":     len(g.registry.ListSessions()),
		"pending_questions": g.questions.PendingCount(),
	})
}
