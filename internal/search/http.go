package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/AneKazek/open-gemma-rag/internal/reliability"
)

const serviceName = "search"

// ClientConfig bounds every search call.
type ClientConfig struct {
	BaseURL    string
	MaxResults int
	Threshold  float64
	Timeout    time.Duration
}

// Client talks to a Perplexica-compatible HTTP endpoint.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{},
	}
}

type searchRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type searchResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Snippet string  `json:"snippet"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search performs a bounded web search. The configured timeout caps the whole
// round trip; the caller treats a timeout as "no search context".
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	payload, err := json.Marshal(searchRequest{Query: query, MaxResults: c.cfg.MaxResults})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		kind := reliability.TransportKind(err)
		if ctx.Err() == context.DeadlineExceeded {
			kind = reliability.KindTimeout
		}
		return nil, reliability.NewServiceError(serviceName, kind, 0, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, reliability.NewServiceError(serviceName, reliability.StatusKind(res.StatusCode), res.StatusCode,
			fmt.Errorf("search http status %d: %s", res.StatusCode, string(snippet)))
	}

	var decoded searchResponse
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return nil, reliability.NewServiceError(serviceName, reliability.KindUnknown, res.StatusCode,
			fmt.Errorf("decode response: %w", err))
	}

	results := make([]Result, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		if r.Score < c.cfg.Threshold {
			continue
		}
		results = append(results, Result{
			Title:   r.Title,
			URL:     r.URL,
			Summary: r.Snippet,
			Score:   r.Score,
		})
		if len(results) == c.cfg.MaxResults {
			break
		}
	}

	log.WithFields(log.Fields{"query": query, "results": len(results)}).Debug("web search completed")
	return results, nil
}
