package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/AneKazek/open-gemma-rag/internal/config"
	"github.com/AneKazek/open-gemma-rag/internal/history"
	"github.com/AneKazek/open-gemma-rag/internal/llm"
	"github.com/AneKazek/open-gemma-rag/internal/memory"
	"github.com/AneKazek/open-gemma-rag/internal/observability"
	"github.com/AneKazek/open-gemma-rag/internal/rag"
	"github.com/AneKazek/open-gemma-rag/internal/reliability"
	"github.com/AneKazek/open-gemma-rag/internal/search"
)

// Orchestrator is the turn pipeline the API fronts.
type Orchestrator interface {
	Turn(ctx context.Context, req rag.TurnRequest, onDelta llm.DeltaHandler) (rag.TurnResult, error)
	Reset(sessionID string) error
}

// Server exposes the pipeline over HTTP and WebSocket.
type Server struct {
	cfg          config.Config
	orchestrator Orchestrator
	store        memory.Store
	searcher     search.Searcher
	metrics      *observability.Metrics
	limiter      *rate.Limiter
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, orchestrator Orchestrator, store memory.Store, searcher search.Searcher, metrics *observability.Metrics) *Server {
	s := &Server{
		cfg:          cfg,
		orchestrator: orchestrator,
		store:        store,
		searcher:     searcher,
		metrics:      metrics,
	}
	if cfg.API.RateLimit > 0 {
		burst := int(cfg.API.RateLimit)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.API.RateLimit), burst)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			// Debug mode is for local UIs; otherwise only same-origin
			// browser connections may drive the chat socket.
			if cfg.API.Debug {
				return true
			}
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return false
			}
			return strings.EqualFold(u.Host, r.Host)
		},
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authorize)
		r.Use(s.throttle)
		r.Post("/chat", s.handleChat)
		r.Get("/chat/ws", s.handleChatWS)
		r.Post("/search", s.handleSearch)
		r.Get("/memory", s.handleMemory)
		r.Post("/reset", s.handleReset)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"search_enabled": s.cfg.Search.Enabled,
		"model":          s.cfg.LLM.Model,
	})
}

type chatRequest struct {
	Query       string `json:"query"`
	SessionID   string `json:"session_id"`
	ForceSearch bool   `json:"force_search"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		respondError(w, http.StatusBadRequest, "missing_query", "field 'query' is required")
		return
	}

	result, err := s.orchestrator.Turn(r.Context(), rag.TurnRequest{
		SessionID:   req.SessionID,
		Query:       req.Query,
		ForceSearch: req.ForceSearch,
	}, nil)
	if err != nil {
		status, code := turnErrorStatus(err)
		respondError(w, status, code, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type searchRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		respondError(w, http.StatusBadRequest, "missing_query", "field 'query' is required")
		return
	}

	results, err := s.searcher.Search(r.Context(), req.Query)
	if err != nil {
		if reliability.IsTimeout(err) {
			respondError(w, http.StatusGatewayTimeout, "search_timeout", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "search_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		respondJSON(w, http.StatusOK, map[string]any{"entries": []memory.Match{}, "count": 0})
		return
	}

	matches, err := s.store.Retrieve(r.Context(), query)
	if err != nil {
		respondError(w, http.StatusBadGateway, "memory_failed", err.Error())
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "field 'limit' must be a non-negative integer")
			return
		}
		if limit < len(matches) {
			matches = matches[:limit]
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"entries": matches,
		"count":   len(matches),
	})
}

type resetRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "field 'session_id' is required")
		return
	}

	if err := s.orchestrator.Reset(req.SessionID); err != nil {
		if errors.Is(err, history.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "reset_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "reset"})
}

// authorize enforces the static bearer token when one is configured.
func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.API.Token == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.API.Token)) != 1 {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(rest)
	}
	// WebSocket clients cannot always set headers.
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			respondError(w, http.StatusTooManyRequests, "rate_limited", "request rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func turnErrorStatus(err error) (int, string) {
	switch reliability.KindOf(err) {
	case reliability.KindTimeout:
		return http.StatusGatewayTimeout, "llm_timeout"
	case reliability.KindUnavailable:
		return http.StatusBadGateway, "llm_unavailable"
	default:
		return http.StatusInternalServerError, "turn_failed"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
