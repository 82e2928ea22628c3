package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/nugget/parley/internal/agent"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSRequest is one client frame on /v1/ws.
type WSRequest struct {
	Action       string   `json:"action,omitempty"` // "chat" (default) or "reset"
	Message      string   `json:"message,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	SystemPrompt *string  `json:"system_prompt,omitempty"`
}

// WSResponse is one server frame on /v1/ws.
type WSResponse struct {
	Type           string `json:"type"` // session, reply, error
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message,omitempty"`
	*ChatResponse
}

// handleWebSocket binds one session to one socket. The session is ended,
// and its history cleared, when the socket closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	ctx := r.Context()
	sess := s.sessions.Open(r.URL.Query().Get("conversation_id"))
	defer func() {
		if err := s.sessions.End(context.WithoutCancel(ctx), sess.ID()); err != nil {
			s.logger.Warn("failed to end websocket session", "conversation", sess.ID(), "error", err)
		}
		s.sessions.Release(sess)
	}()

	s.logger.Info("websocket session started", "conversation", sess.ID())
	if err := s.sendWS(ws, WSResponse{Type: "session", ConversationID: sess.ID()}); err != nil {
		return
	}

	for {
		var req WSRequest
		if err := ws.ReadJSON(&req); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("websocket session closed", "conversation", sess.ID())
			} else {
				s.logger.Warn("websocket read failed", "conversation", sess.ID(), "error", err)
			}
			return
		}

		switch req.Action {
		case "reset":
			if err := s.sessions.End(ctx, sess.ID()); err != nil {
				s.logger.Error("session reset failed", "conversation", sess.ID(), "error", err)
				if s.sendWS(ws, WSResponse{Type: "error", ConversationID: sess.ID(), Message: "reset failed"}) != nil {
					return
				}
				continue
			}
			s.sessions.Release(sess)
			sess = s.sessions.Open("")
			if err := s.sendWS(ws, WSResponse{Type: "session", ConversationID: sess.ID()}); err != nil {
				return
			}

		case "", "chat":
			resp := s.wsTurn(ctx, sess, req)
			if err := s.sendWS(ws, resp); err != nil {
				return
			}

		default:
			if s.sendWS(ws, WSResponse{Type: "error", ConversationID: sess.ID(), Message: "unknown action " + req.Action}) != nil {
				return
			}
		}
	}
}

func (s *Server) wsTurn(ctx context.Context, sess *agent.Session, req WSRequest) WSResponse {
	fail := func(msg string) WSResponse {
		return WSResponse{Type: "error", ConversationID: sess.ID(), Message: msg}
	}

	if req.Message == "" {
		return fail("message is required")
	}
	if !validTemperature(req.Temperature) {
		return fail("temperature must be between 0 and 1")
	}

	reply, err := s.loop.ProcessWithOptions(ctx, sess, req.Message, agent.TurnOptions{
		Temperature:  req.Temperature,
		SystemPrompt: req.SystemPrompt,
	})
	if errors.Is(err, agent.ErrSessionClosed) {
		return fail("session closed")
	}
	if err != nil {
		s.logger.Error("chat turn failed", "conversation", sess.ID(), "error", err)
		return fail("turn failed")
	}

	resp := newChatResponse(sess.ID(), reply)
	return WSResponse{Type: "reply", ConversationID: sess.ID(), ChatResponse: &resp}
}

func (s *Server) sendWS(ws *websocket.Conn, v WSResponse) error {
	if err := ws.WriteJSON(v); err != nil {
		s.logger.Warn("failed to write websocket frame", "error", err)
		return err
	}
	return nil
}
