package llm

import (
	"bufio"
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

const serviceName = "llm"

// ClientConfig carries the fixed generation parameters for every call.
type ClientConfig struct {
	BaseURL     string
	Model       string
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Client talks to an Ollama-compatible /api/generate endpoint.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	return &Client{
		cfg: cfg,
		http: &http.Client{
			// Generation can legitimately take a while on local hardware.
			Timeout: 5 * time.Minute,
		},
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	NumPredict  int     `json:"num_predict"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

// Generate sends the prompt and returns the full generated text. When the
// runtime streams, onDelta is invoked per fragment in order.
func (c *Client) Generate(ctx context.Context, prompt string, onDelta DeltaHandler) (string, error) {
	payload, err := json.Marshal(generateRequest{
		Model:  c.cfg.Model,
		Prompt: prompt,
		Stream: true,
		Options: generateOptions{
			Temperature: c.cfg.Temperature,
			TopP:        c.cfg.TopP,
			NumPredict:  c.cfg.MaxTokens,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		return "", reliability.NewServiceError(serviceName, reliability.TransportKind(err), 0, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", reliability.NewServiceError(serviceName, reliability.StatusKind(res.StatusCode), res.StatusCode,
			fmt.Errorf("llm http status %d: %s", res.StatusCode, string(snippet)))
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	var text string
	if strings.Contains(ct, "application/x-ndjson") || strings.Contains(ct, "application/jsonl") {
		text, err = c.consumeStream(res.Body, onDelta)
	} else {
		text, err = c.consumeSingle(res.Body, onDelta)
	}
	if err != nil {
		return "", err
	}

	log.WithFields(log.Fields{
		"model":      c.cfg.Model,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Debug("generation completed")
	return text, nil
}

func (c *Client) consumeStream(body io.Reader, onDelta DeltaHandler) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk generateChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return "", reliability.NewServiceError(serviceName, reliability.KindUnknown, 0,
				fmt.Errorf("decode stream chunk: %w", err))
		}
		if chunk.Error != "" {
			return "", reliability.NewServiceError(serviceName, reliability.KindUnavailable, 0,
				fmt.Errorf("runtime error: %s", chunk.Error))
		}
		if chunk.Response != "" {
			out.WriteString(chunk.Response)
			if onDelta != nil {
				if err := onDelta(chunk.Response); err != nil {
					return "", err
				}
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", reliability.NewServiceError(serviceName, reliability.TransportKind(err), 0,
			fmt.Errorf("stream read: %w", err))
	}
	return out.String(), nil
}

func (c *Client) consumeSingle(body io.Reader, onDelta DeltaHandler) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", reliability.NewServiceError(serviceName, reliability.TransportKind(err), 0,
			fmt.Errorf("read response: %w", err))
	}
	var chunk generateChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return "", reliability.NewServiceError(serviceName, reliability.KindUnknown, 0,
			fmt.Errorf("decode response: %w", err))
	}
	if chunk.Error != "" {
		return "", reliability.NewServiceError(serviceName, reliability.KindUnavailable, 0,
			fmt.Errorf("runtime error: %s", chunk.Error))
	}
	if chunk.Response != "" && onDelta != nil {
		if err := onDelta(chunk.Response); err != nil {
			return "", err
		}
	}
	return chunk.Response, nil
}
