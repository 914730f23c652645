package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/AneKazek/open-gemma-rag/internal/config"
	"github.com/AneKazek/open-gemma-rag/internal/history"
	"github.com/AneKazek/open-gemma-rag/internal/llm"
	"github.com/AneKazek/open-gemma-rag/internal/memory"
	"github.com/AneKazek/open-gemma-rag/internal/rag"
	"github.com/AneKazek/open-gemma-rag/internal/reliability"
	"github.com/AneKazek/open-gemma-rag/internal/search"
)

type stubOrchestrator struct {
	result   rag.TurnResult
	err      error
	deltas   []string
	resetErr error
	lastReq  rag.TurnRequest
}

func (s *stubOrchestrator) Turn(_ context.Context, req rag.TurnRequest, onDelta llm.DeltaHandler) (rag.TurnResult, error) {
	s.lastReq = req
	if s.err != nil {
		return rag.TurnResult{}, s.err
	}
	if onDelta != nil {
		for _, d := range s.deltas {
			if err := onDelta(d); err != nil {
				return rag.TurnResult{}, err
			}
		}
	}
	return s.result, nil
}

func (s *stubOrchestrator) Reset(string) error { return s.resetErr }

func newTestServer(cfg config.Config, orch Orchestrator, store memory.Store, searcher search.Searcher) *Server {
	if orch == nil {
		orch = &stubOrchestrator{}
	}
	if store == nil {
		store = memory.NewMock()
	}
	if searcher == nil {
		searcher = search.NewMock()
	}
	return New(cfg, orch, store, searcher, nil)
}

func postJSON(t *testing.T, handler http.Handler, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestHealthAndReadyAreUnauthenticated(t *testing.T) {
	cfg := config.Config{}
	cfg.API.Token = "secret"
	cfg.LLM.Model = "gemma:3b"
	router := newTestServer(cfg, nil, nil, nil).Router()

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("GET %s = %d, want 200", path, rr.Code)
		}
	}
}

func TestAuthRejectsBadToken(t *testing.T) {
	cfg := config.Config{}
	cfg.API.Token = "secret"
	router := newTestServer(cfg, nil, nil, nil).Router()

	rr := postJSON(t, router, "/v1/chat", "wrong", map[string]string{"query": "hi"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}

	rr = postJSON(t, router, "/v1/chat", "", map[string]string{"query": "hi"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", rr.Code)
	}
}

func TestAuthDisabledWhenNoToken(t *testing.T) {
	orch := &stubOrchestrator{result: rag.TurnResult{SessionID: "s1", Response: "hi there"}}
	router := newTestServer(config.Config{}, orch, nil, nil).Router()

	rr := postJSON(t, router, "/v1/chat", "", map[string]string{"query": "hi"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
}

func TestChatReturnsTurnResult(t *testing.T) {
	orch := &stubOrchestrator{result: rag.TurnResult{
		SessionID:     "s1",
		TurnID:        "t1",
		Response:      "March 5",
		MemoryMatches: 1,
		SearchUsed:    true,
	}}
	cfg := config.Config{}
	cfg.API.Token = "secret"
	router := newTestServer(cfg, orch, nil, nil).Router()

	rr := postJSON(t, router, "/v1/chat", "secret", map[string]any{
		"query":        "deadline?",
		"session_id":   "s1",
		"force_search": true,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}

	var res rag.TurnResult
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Response != "March 5" || !res.SearchUsed {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !orch.lastReq.ForceSearch || orch.lastReq.SessionID != "s1" {
		t.Fatalf("request not forwarded: %+v", orch.lastReq)
	}
}

func TestChatRequiresQuery(t *testing.T) {
	router := newTestServer(config.Config{}, nil, nil, nil).Router()

	rr := postJSON(t, router, "/v1/chat", "", map[string]string{"query": "  "})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "missing_query") {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestChatMapsLLMFailureToBadGateway(t *testing.T) {
	orch := &stubOrchestrator{
		err: reliability.NewServiceError("llm", reliability.KindUnavailable, 503, context.Canceled),
	}
	router := newTestServer(config.Config{}, orch, nil, nil).Router()

	rr := postJSON(t, router, "/v1/chat", "", map[string]string{"query": "hi"})
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "llm_unavailable") {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestSearchEndpoint(t *testing.T) {
	searcher := search.NewMock()
	searcher.Results = []search.Result{{Title: "Go 1.25", URL: "https://go.dev", Summary: "released", Score: 0.9}}
	router := newTestServer(config.Config{}, nil, nil, searcher).Router()

	rr := postJSON(t, router, "/v1/search", "", map[string]string{"query": "go release"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}

	var body struct {
		Results []search.Result `json:"results"`
		Count   int             `json:"count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Count != 1 || body.Results[0].Title != "Go 1.25" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestSearchTimeoutMapsToGatewayTimeout(t *testing.T) {
	searcher := search.NewMock()
	searcher.Err = reliability.NewServiceError("search", reliability.KindTimeout, 0, context.DeadlineExceeded)
	router := newTestServer(config.Config{}, nil, nil, searcher).Router()

	rr := postJSON(t, router, "/v1/search", "", map[string]string{"query": "slow"})
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rr.Code)
	}
}

func TestMemoryEndpointEmptyQuery(t *testing.T) {
	router := newTestServer(config.Config{}, nil, nil, nil).Router()

	req := httptest.NewRequest(http.MethodGet, "/v1/memory", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"count":0`) {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestMemoryEndpointReturnsMatches(t *testing.T) {
	store := memory.NewMock()
	store.Matches = []memory.Match{{ID: "m1", Text: "note", Score: 0.8}}
	router := newTestServer(config.Config{}, nil, store, nil).Router()

	req := httptest.NewRequest(http.MethodGet, "/v1/memory?query=note", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"count":1`) {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestMemoryEndpointHonorsLimit(t *testing.T) {
	store := memory.NewMock()
	store.Matches = []memory.Match{
		{ID: "m1", Text: "a", Score: 0.9},
		{ID: "m2", Text: "b", Score: 0.8},
		{ID: "m3", Text: "c", Score: 0.7},
	}
	router := newTestServer(config.Config{}, nil, store, nil).Router()

	req := httptest.NewRequest(http.MethodGet, "/v1/memory?query=x&limit=2", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"count":2`) {
		t.Fatalf("body = %s", rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/memory?query=x&limit=abc", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestResetUnknownSession(t *testing.T) {
	orch := &stubOrchestrator{resetErr: history.ErrNotFound}
	router := newTestServer(config.Config{}, orch, nil, nil).Router()

	rr := postJSON(t, router, "/v1/reset", "", map[string]string{"session_id": "nope"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestRateLimitReturns429(t *testing.T) {
	cfg := config.Config{}
	cfg.API.RateLimit = 1
	router := newTestServer(cfg, nil, nil, nil).Router()

	// Burst of 1: first request passes, second is throttled.
	first := postJSON(t, router, "/v1/chat", "", map[string]string{"query": "hi"})
	if first.Code == http.StatusTooManyRequests {
		t.Fatalf("first request throttled")
	}
	second := postJSON(t, router, "/v1/chat", "", map[string]string{"query": "hi"})
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", second.Code)
	}
}

func TestChatWSStreamsDeltasAndTurnEnd(t *testing.T) {
	orch := &stubOrchestrator{
		result: rag.TurnResult{SessionID: "s1", TurnID: "t1", Response: "hello world"},
		deltas: []string{"hello ", "world"},
	}
	srv := httptest.NewServer(newTestServer(config.Config{}, orch, nil, nil).Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsInbound{Type: "query", Query: "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var streamed strings.Builder
	for {
		var frame wsOutbound
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read: %v", err)
		}
		switch frame.Type {
		case "delta":
			streamed.WriteString(frame.Text)
		case "turn_end":
			if streamed.String() != "hello world" {
				t.Fatalf("streamed = %q, want %q", streamed.String(), "hello world")
			}
			if frame.Response != "hello world" || frame.SessionID != "s1" {
				t.Fatalf("turn_end frame = %+v", frame)
			}
			return
		case "error":
			t.Fatalf("unexpected error frame: %+v", frame)
		}
	}
}

func TestChatWSAuthViaQueryToken(t *testing.T) {
	cfg := config.Config{}
	cfg.API.Token = "secret"
	orch := &stubOrchestrator{result: rag.TurnResult{Response: "ok"}}
	srv := httptest.NewServer(newTestServer(cfg, orch, nil, nil).Router())
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/chat/ws"

	if _, _, err := websocket.DefaultDialer.Dial(base, nil); err == nil {
		t.Fatalf("dial without token should fail")
	}
	conn, _, err := websocket.DefaultDialer.Dial(base+"?token=secret", nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	conn.Close()
}

func TestChatWSRejectsEmptyQuery(t *testing.T) {
	srv := httptest.NewServer(newTestServer(config.Config{}, nil, nil, nil).Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsInbound{Type: "query", Query: ""}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var frame wsOutbound
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Type != "error" || frame.Code != "missing_query" {
		t.Fatalf("frame = %+v", frame)
	}
}
