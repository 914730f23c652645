package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Memory.TopK != 5 {
		t.Fatalf("Memory.TopK = %d, want 5", cfg.Memory.TopK)
	}
	if cfg.Memory.SimilarityThreshold != 0.7 {
		t.Fatalf("Memory.SimilarityThreshold = %v, want 0.7", cfg.Memory.SimilarityThreshold)
	}
	if cfg.Memory.SimilarityMetric != "cosine" {
		t.Fatalf("Memory.SimilarityMetric = %q, want cosine", cfg.Memory.SimilarityMetric)
	}
	if cfg.Search.Timeout != 10*time.Second {
		t.Fatalf("Search.Timeout = %v, want 10s", cfg.Search.Timeout)
	}
	if !cfg.Search.Enabled {
		t.Fatalf("Search.Enabled = false, want true")
	}
	if cfg.LLM.Model != "gemma:3b" {
		t.Fatalf("LLM.Model = %q, want gemma:3b", cfg.LLM.Model)
	}
	if cfg.API.Token != "" {
		t.Fatalf("API.Token = %q, want empty", cfg.API.Token)
	}
	if got := cfg.LLMBaseURL(); got != "http://localhost:11434" {
		t.Fatalf("LLMBaseURL() = %q, want http://localhost:11434", got)
	}
	if got := cfg.APIBindAddr(); got != "localhost:5002" {
		t.Fatalf("APIBindAddr() = %q, want localhost:5002", got)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("MEMORY_TOP_K", "3")
	t.Setenv("MEMORY_SIMILARITY_THRESHOLD", "0.85")
	t.Setenv("SEARCH_TIMEOUT", "4")
	t.Setenv("LLM_MODEL", "gemma:7b")
	t.Setenv("API_TOKEN", "  secret  ")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Memory.TopK != 3 {
		t.Fatalf("Memory.TopK = %d, want 3", cfg.Memory.TopK)
	}
	if cfg.Memory.SimilarityThreshold != 0.85 {
		t.Fatalf("Memory.SimilarityThreshold = %v, want 0.85", cfg.Memory.SimilarityThreshold)
	}
	if cfg.Search.Timeout != 4*time.Second {
		t.Fatalf("Search.Timeout = %v, want 4s (bare seconds)", cfg.Search.Timeout)
	}
	if cfg.LLM.Model != "gemma:7b" {
		t.Fatalf("LLM.Model = %q, want gemma:7b", cfg.LLM.Model)
	}
	if cfg.API.Token != "secret" {
		t.Fatalf("API.Token = %q, want trimmed %q", cfg.API.Token, "secret")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"malformed top-k", "MEMORY_TOP_K", "five"},
		{"zero top-k", "MEMORY_TOP_K", "0"},
		{"threshold out of range", "MEMORY_SIMILARITY_THRESHOLD", "1.5"},
		{"unknown metric", "MEMORY_SIMILARITY_METRIC", "manhattan"},
		{"negative timeout", "SEARCH_TIMEOUT", "-2s"},
		{"bad bool", "API_DEBUG", "maybe"},
		{"bad port", "LLM_PORT", "99999"},
		{"top-p out of range", "LLM_TOP_P", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(""); err == nil {
				t.Fatalf("Load() with %s=%q expected error", tc.key, tc.value)
			}
		})
	}
}

func TestLoadYAMLFileWithEnvPrecedence(t *testing.T) {
	setCoreEnvEmpty(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte("memory:\n  host: mem.internal\n  port: 6000\n  collection: notes\n  top_k: 7\n  similarity_threshold: 0.6\n  similarity_metric: dot\nllm:\n  model: ${TEST_CFG_MODEL}\n  host: localhost\n  port: 11434\n  temperature: 0.5\n  top_p: 0.9\n  max_tokens: 1024\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("TEST_CFG_MODEL", "gemma:2b")
	t.Setenv("MEMORY_TOP_K", "9")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Memory.Host != "mem.internal" {
		t.Fatalf("Memory.Host = %q, want mem.internal", cfg.Memory.Host)
	}
	if cfg.LLM.Model != "gemma:2b" {
		t.Fatalf("LLM.Model = %q, want expanded gemma:2b", cfg.LLM.Model)
	}
	// Env beats file.
	if cfg.Memory.TopK != 9 {
		t.Fatalf("Memory.TopK = %d, want 9", cfg.Memory.TopK)
	}
	if cfg.Memory.SimilarityMetric != "dot" {
		t.Fatalf("Memory.SimilarityMetric = %q, want dot", cfg.Memory.SimilarityMetric)
	}
}

func TestLoadRejectsUnknownYAMLFields(t *testing.T) {
	setCoreEnvEmpty(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("memroy:\n  host: typo\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("Load() expected error for unknown field")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"MEMORY_HOST", "MEMORY_PORT", "MEMORY_COLLECTION", "MEMORY_TOP_K",
		"MEMORY_SIMILARITY_THRESHOLD", "MEMORY_SIMILARITY_METRIC",
		"SEARCH_HOST", "SEARCH_PORT", "SEARCH_MAX_RESULTS", "SEARCH_THRESHOLD",
		"SEARCH_TIMEOUT", "SEARCH_ENABLED",
		"LLM_MODEL", "LLM_HOST", "LLM_PORT", "LLM_TEMPERATURE", "LLM_TOP_P",
		"LLM_MAX_TOKENS",
		"API_HOST", "API_PORT", "API_DEBUG", "API_TOKEN", "API_RATE_LIMIT",
		"API_SHUTDOWN_TIMEOUT",
		"LOG_LEVEL", "METRICS_NAMESPACE", "HISTORY_MAX_TURNS",
		"HISTORY_IDLE_TIMEOUT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
