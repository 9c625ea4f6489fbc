// ABOUTME: WebSocket transport: duplex frames over one connection per session.
// ABOUTME: Inbound prompt/answer/ping frames; outbound wire events plus pong.

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/dedupe"
)

// wsFrame is the inbound WebSocket message envelope. Type selects which of
// the remaining fields apply.
type wsFrame struct {
	Type       string            `json:"type"` // "prompt", "answer", "ping"
	Content    string            `json:"content,omitempty"`
	Agent      string            `json:"agent,omitempty"`
	MessageID  string            `json:"message_id,omitempty"`
	QuestionID string            `json:"question_id,omitempty"`
	Answers    map[string]string `json:"answers,omitempty"`
}

// wsConn serializes writes to one WebSocket connection. The turn pump and
// the read loop's pong replies share it.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// handleWebSocket handles GET /api/ws?session=ID. The connection is bound to
// one session; prompt frames run turns whose events stream back over the
// same socket, and answer frames feed the question rendezvous directly so an
// operator can reply while a turn is blocked.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("session")
	if clientID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session query parameter is required")
		return
	}

	userID := ""
	if identity := auth.FromContext(r.Context()); identity != nil {
		userID = identity.UserID
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Error("failed to accept websocket", "error", err)
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "session ended")

	conn := &wsConn{conn: ws}
	logger := g.logger.With("session_id", clientID, "transport", "ws")
	logger.Info("websocket connected")

	// Turns run off the read loop so answer frames still arrive while a
	// turn is blocked at a question rendezvous. One turn at a time per
	// socket; the session guard serializes across sockets too. Cancel
	// before waiting so a turn blocked at a rendezvous unwinds promptly
	// when the socket goes away.
	ctx, cancel := context.WithCancel(r.Context())
	var turns sync.WaitGroup
	defer func() {
		cancel()
		turns.Wait()
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			logger.Debug("websocket closed", "error", err)
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.wsError(ctx, conn, "invalid JSON frame")
			continue
		}

		switch frame.Type {
		case "ping":
			if err := conn.writeJSON(ctx, map[string]string{"type": "pong"}); err != nil {
				return
			}

		case "answer":
			if frame.QuestionID == "" {
				g.wsError(ctx, conn, "question_id is required")
				continue
			}
			answers := frame.Answers
			if answers == nil {
				answers = map[string]string{}
			}
			if !g.questions.SubmitAnswer(frame.QuestionID, answers) {
				g.wsError(ctx, conn, "no pending question with this id")
			}

		case "prompt":
			if frame.Content == "" {
				g.wsError(ctx, conn, "content is required")
				continue
			}
			dedupeKey := ""
			if frame.MessageID != "" {
				dedupeKey = dedupe.Key(clientID, frame.MessageID)
				if g.dedupe.CheckAndMark(dedupeKey) {
					logger.Debug("duplicate prompt suppressed", "message_id", frame.MessageID)
					continue
				}
			}
			turns.Add(1)
			go func(frame wsFrame, dedupeKey string) {
				defer turns.Done()
				g.runWSTurn(ctx, conn, clientID, userID, frame, dedupeKey)
			}(frame, dedupeKey)

		default:
			g.wsError(ctx, conn, "unknown frame type")
		}
	}
}

// runWSTurn executes one turn and streams its events onto the socket. A
// failure before the turn starts forgets the dedupe key so the client can
// retry the same message id.
func (g *Gateway) runWSTurn(ctx context.Context, conn *wsConn, clientID, userID string, frame wsFrame, dedupeKey string) {
	sess, _, _, err := g.registry.GetOrCreate(ctx, clientID, frame.Agent, userID)
	if err != nil {
		if dedupeKey != "" {
			g.dedupe.Forget(dedupeKey)
		}
		g.wsError(ctx, conn, err.Error())
		return
	}

	events, err := sess.RunTurn(ctx, frame.Content)
	if err != nil {
		if dedupeKey != "" {
			g.dedupe.Forget(dedupeKey)
		}
		g.wsError(ctx, conn, err.Error())
		return
	}

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			if err := conn.writeJSON(ctx, ev); err != nil {
				g.logger.Debug("websocket write failed mid-turn",
					"session_id", clientID, "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// wsError sends an error frame without closing the connection. Turn-level
// terminal errors come through as wire events instead.
func (g *Gateway) wsError(ctx context.Context, conn *wsConn, message string) {
	if err := conn.writeJSON(ctx, map[string]string{"type": "error", "error": message}); err != nil {
		g.logger.Debug("failed to write websocket error", "error", err)
	}
}
