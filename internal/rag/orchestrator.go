package rag

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/AneKazek/open-gemma-rag/internal/history"
	"github.com/AneKazek/open-gemma-rag/internal/llm"
	"github.com/AneKazek/open-gemma-rag/internal/memory"
	"github.com/AneKazek/open-gemma-rag/internal/observability"
	"github.com/AneKazek/open-gemma-rag/internal/reliability"
	"github.com/AneKazek/open-gemma-rag/internal/search"
)

// Config holds the orchestrator's own knobs; client-level bounds (top-k,
// thresholds, timeouts) live in the respective clients.
type Config struct {
	SearchEnabled   bool
	SearchThreshold float64
}

// TurnRequest is one user query to process.
type TurnRequest struct {
	SessionID   string
	Query       string
	ForceSearch bool
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	SessionID     string `json:"session_id"`
	TurnID        string `json:"turn_id"`
	Response      string `json:"response"`
	MemoryMatches int    `json:"memory_matches"`
	SearchUsed    bool   `json:"search_used"`
}

// Orchestrator coordinates one turn: memory recall, optional web search,
// prompt assembly, generation, and memory write-back.
type Orchestrator struct {
	memory  memory.Store
	search  search.Searcher
	llm     llm.Generator
	history *history.Manager
	metrics *observability.Metrics
	cfg     Config
}

func New(store memory.Store, searcher search.Searcher, generator llm.Generator, sessions *history.Manager, metrics *observability.Metrics, cfg Config) *Orchestrator {
	return &Orchestrator{
		memory:  store,
		search:  searcher,
		llm:     generator,
		history: sessions,
		metrics: metrics,
		cfg:     cfg,
	}
}

// Turn processes a user query. Memory and search failures degrade the turn;
// a generation failure aborts it and nothing is written back.
func (o *Orchestrator) Turn(ctx context.Context, req TurnRequest, onDelta llm.DeltaHandler) (TurnResult, error) {
	started := time.Now()
	sess := o.history.GetOrCreate(req.SessionID)
	turnID := uuid.NewString()

	logger := log.WithFields(log.Fields{"session_id": sess.ID, "turn_id": turnID})

	matches := o.recall(ctx, req.Query, logger)

	var searchBlock string
	searchUsed := false
	if o.shouldSearch(req, matches) {
		results := o.webSearch(ctx, req.Query, logger)
		if len(results) > 0 {
			searchBlock = search.Format(req.Query, results)
			searchUsed = true
		}
	}

	prompt := BuildPrompt(req.Query, FormatMemory(matches), searchBlock, o.history.Recent(sess.ID))

	response, err := o.llm.Generate(ctx, prompt, onDelta)
	if err != nil {
		o.countServiceError("llm", err)
		o.countTurn("llm_error", started)
		return TurnResult{}, fmt.Errorf("generate response: %w", err)
	}

	o.persist(ctx, sess.ID, turnID, req.Query, response, searchBlock, logger)

	if err := o.history.Append(sess.ID, req.Query, response); err != nil {
		logger.WithError(err).Warn("append chat history failed")
	}

	o.countTurn("ok", started)
	if o.metrics != nil {
		o.metrics.ActiveSessions.Set(float64(o.history.ActiveCount()))
	}

	return TurnResult{
		SessionID:     sess.ID,
		TurnID:        turnID,
		Response:      response,
		MemoryMatches: len(matches),
		SearchUsed:    searchUsed,
	}, nil
}

// Reset clears a session's in-process transcript.
func (o *Orchestrator) Reset(sessionID string) error {
	return o.history.Reset(sessionID)
}

func (o *Orchestrator) recall(ctx context.Context, query string, logger *log.Entry) []memory.Match {
	matches, err := o.memory.Retrieve(ctx, query)
	if err != nil {
		o.countServiceError("memory", err)
		o.countContext("memory", "failed")
		logger.WithError(err).Warn("memory retrieval failed, continuing without memory context")
		return nil
	}
	if len(matches) == 0 {
		o.countContext("memory", "miss")
	} else {
		o.countContext("memory", "hit")
	}
	return matches
}

// shouldSearch triggers a web search when the caller forces it or when memory
// alone is too weak: no matches, or the best similarity is below the search
// threshold.
func (o *Orchestrator) shouldSearch(req TurnRequest, matches []memory.Match) bool {
	if !o.cfg.SearchEnabled {
		return false
	}
	if req.ForceSearch {
		return true
	}
	if len(matches) == 0 {
		return true
	}
	return matches[0].Score < o.cfg.SearchThreshold
}

func (o *Orchestrator) webSearch(ctx context.Context, query string, logger *log.Entry) []search.Result {
	results, err := o.search.Search(ctx, query)
	if err != nil {
		o.countServiceError("search", err)
		o.countContext("search", "failed")
		if reliability.IsTimeout(err) {
			logger.Warn("web search timed out, continuing without search context")
		} else {
			logger.WithError(err).Warn("web search failed, continuing without search context")
		}
		return nil
	}
	if len(results) == 0 {
		o.countContext("search", "miss")
	} else {
		o.countContext("search", "hit")
	}
	return results
}

// persist writes the completed interaction (and any search context) back to
// the memory service. Failures are logged, never fatal for the turn.
func (o *Orchestrator) persist(ctx context.Context, sessionID, turnID, query, response, searchBlock string, logger *log.Entry) {
	entry := memory.Interaction{
		Text:      FormatInteraction(query, response),
		Query:     query,
		CreatedAt: time.Now().UTC(),
		Tags: map[string]string{
			"source_type": "conversation",
			"session_id":  sessionID,
			"turn_id":     turnID,
		},
	}
	if _, err := o.memory.Save(ctx, entry); err != nil {
		o.countServiceError("memory", err)
		logger.WithError(err).Warn("memory write-back failed")
	}

	if searchBlock == "" {
		return
	}
	searchEntry := memory.Interaction{
		Text:      searchBlock,
		Query:     query,
		CreatedAt: time.Now().UTC(),
		Tags: map[string]string{
			"source_type": "search",
			"session_id":  sessionID,
			"turn_id":     turnID,
		},
	}
	if _, err := o.memory.Save(ctx, searchEntry); err != nil {
		o.countServiceError("memory", err)
		logger.WithError(err).Warn("search context write-back failed")
	}
}

func (o *Orchestrator) countTurn(outcome string, started time.Time) {
	if o.metrics == nil {
		return
	}
	o.metrics.Turns.WithLabelValues(outcome).Inc()
	o.metrics.ObserveTurnLatency(time.Since(started))
}

func (o *Orchestrator) countContext(source, result string) {
	if o.metrics == nil {
		return
	}
	o.metrics.ContextSources.WithLabelValues(source, result).Inc()
}

func (o *Orchestrator) countServiceError(service string, err error) {
	if o.metrics == nil {
		return
	}
	kind := reliability.KindOf(err)
	if kind == "" {
		kind = reliability.KindUnknown
	}
	o.metrics.ServiceErrors.WithLabelValues(service, string(kind)).Inc()
}
