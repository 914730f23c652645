package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/AneKazek/open-gemma-rag/internal/reliability"
)

const serviceName = "memory"

// ClientConfig holds the retrieval contract for the memory service.
type ClientConfig struct {
	BaseURL             string
	Collection          string
	TopK                int
	SimilarityThreshold float64
	SimilarityMetric    string
}

// Client talks to an OpenMemory-compatible HTTP endpoint.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type collectionInfo struct {
	Name string `json:"name"`
}

type listCollectionsResponse struct {
	Collections []collectionInfo `json:"collections"`
}

// EnsureCollection creates the configured collection if it does not exist.
// The memory service often starts alongside us, so transient failures are
// retried with backoff.
func (c *Client) EnsureCollection(ctx context.Context) error {
	return reliability.Retry(ctx, 3, 500*time.Millisecond, 4*time.Second, func() error {
		return c.ensureCollection(ctx)
	})
}

func (c *Client) ensureCollection(ctx context.Context) error {
	var listed listCollectionsResponse
	if err := c.do(ctx, http.MethodGet, "/collections", nil, &listed); err != nil {
		return err
	}
	for _, col := range listed.Collections {
		if col.Name == c.cfg.Collection {
			return nil
		}
	}

	body := map[string]any{
		"name": c.cfg.Collection,
		"metadata": map[string]string{
			"description": "conversation history",
		},
	}
	log.WithField("collection", c.cfg.Collection).Info("creating memory collection")
	return c.do(ctx, http.MethodPost, "/collections", body, nil)
}

type saveResponse struct {
	ID string `json:"id"`
}

// Save stores an interaction in the configured collection.
func (c *Client) Save(ctx context.Context, entry Interaction) (string, error) {
	metadata := map[string]string{}
	for k, v := range entry.Tags {
		metadata[k] = v
	}
	if _, ok := metadata["timestamp"]; !ok {
		ts := entry.CreatedAt
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		metadata["timestamp"] = ts.Format(time.RFC3339)
	}
	if entry.Query != "" {
		metadata["query"] = entry.Query
	}

	body := map[string]any{
		"collection_name": c.cfg.Collection,
		"text":            entry.Text,
		"metadata":        metadata,
	}

	var created saveResponse
	if err := c.do(ctx, http.MethodPost, "/memories", body, &created); err != nil {
		return "", err
	}
	log.WithFields(log.Fields{"id": created.ID, "collection": c.cfg.Collection}).Debug("stored memory entry")
	return created.ID, nil
}

type searchResponse struct {
	Results []struct {
		ID       string            `json:"id"`
		Text     string            `json:"text"`
		Score    float64           `json:"score"`
		Metadata map[string]string `json:"metadata"`
	} `json:"results"`
}

// Retrieve queries the collection for semantically similar entries.
func (c *Client) Retrieve(ctx context.Context, query string) ([]Match, error) {
	body := map[string]any{
		"collection_name": c.cfg.Collection,
		"query":           query,
		"limit":           c.cfg.TopK,
		"min_score":       c.cfg.SimilarityThreshold,
		"metric":          c.cfg.SimilarityMetric,
	}

	var res searchResponse
	if err := c.do(ctx, http.MethodPost, "/search", body, &res); err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(res.Results))
	for _, r := range res.Results {
		// Re-assert the contract locally; a permissive server must not be
		// able to break the top-k / threshold invariants.
		if r.Score < c.cfg.SimilarityThreshold {
			continue
		}
		matches = append(matches, Match{
			ID:    r.ID,
			Text:  r.Text,
			Score: r.Score,
			Tags:  r.Metadata,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > c.cfg.TopK {
		matches = matches[:c.cfg.TopK]
	}
	return matches, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return reliability.NewServiceError(serviceName, reliability.TransportKind(err), 0, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return reliability.NewServiceError(serviceName, reliability.StatusKind(res.StatusCode), res.StatusCode,
			fmt.Errorf("memory http status %d: %s", res.StatusCode, string(snippet)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return reliability.NewServiceError(serviceName, reliability.KindUnknown, res.StatusCode,
			fmt.Errorf("decode response: %w", err))
	}
	return nil
}
