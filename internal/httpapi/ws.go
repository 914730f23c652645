package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/AneKazek/open-gemma-rag/internal/rag"
)

const (
	wsWriteWait = 10 * time.Second
	wsReadLimit = 1 << 20
)

// wsInbound is a client frame on the chat socket.
type wsInbound struct {
	Type        string `json:"type"`
	Query       string `json:"query"`
	SessionID   string `json:"session_id"`
	ForceSearch bool   `json:"force_search"`
}

// wsOutbound is a server frame: streamed deltas, the turn summary, or an error.
type wsOutbound struct {
	Type          string `json:"type"`
	Text          string `json:"text,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	TurnID        string `json:"turn_id,omitempty"`
	Response      string `json:"response,omitempty"`
	MemoryMatches int    `json:"memory_matches,omitempty"`
	SearchUsed    bool   `json:"search_used,omitempty"`
	Code          string `json:"code,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

// handleChatWS streams turns over a WebSocket. Frames are processed one at a
// time per connection, so writes never interleave.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	logger := log.WithField("remote", conn.RemoteAddr().String())
	logger.Info("chat socket opened")

	for {
		var in wsInbound
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WithError(err).Warn("chat socket closed unexpectedly")
			}
			return
		}

		switch in.Type {
		case "query":
			if strings.TrimSpace(in.Query) == "" {
				s.writeWS(conn, wsOutbound{Type: "error", Code: "missing_query", Detail: "field 'query' is required"})
				continue
			}
			s.streamTurn(r, conn, in)
		case "reset":
			if err := s.orchestrator.Reset(in.SessionID); err != nil {
				s.writeWS(conn, wsOutbound{Type: "error", Code: "session_not_found", Detail: err.Error()})
				continue
			}
			s.writeWS(conn, wsOutbound{Type: "reset_ok", SessionID: in.SessionID})
		case "ping":
			s.writeWS(conn, wsOutbound{Type: "pong"})
		default:
			s.writeWS(conn, wsOutbound{Type: "error", Code: "unknown_type", Detail: "expected type 'query', 'reset' or 'ping'"})
		}
	}
}

func (s *Server) streamTurn(r *http.Request, conn *websocket.Conn, in wsInbound) {
	result, err := s.orchestrator.Turn(r.Context(), rag.TurnRequest{
		SessionID:   in.SessionID,
		Query:       in.Query,
		ForceSearch: in.ForceSearch,
	}, func(delta string) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(wsOutbound{Type: "delta", Text: delta})
	})
	if err != nil {
		_, code := turnErrorStatus(err)
		s.writeWS(conn, wsOutbound{Type: "error", Code: code, Detail: err.Error()})
		return
	}

	s.writeWS(conn, wsOutbound{
		Type:          "turn_end",
		SessionID:     result.SessionID,
		TurnID:        result.TurnID,
		Response:      result.Response,
		MemoryMatches: result.MemoryMatches,
		SearchUsed:    result.SearchUsed,
	})
}

func (s *Server) writeWS(conn *websocket.Conn, frame wsOutbound) {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(frame); err != nil {
		log.WithError(err).Debug("websocket write failed")
	}
}
