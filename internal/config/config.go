package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MemoryConfig points at the external semantic memory service.
type MemoryConfig struct {
	Host                string  `yaml:"host"`
	Port                int     `yaml:"port"`
	Collection          string  `yaml:"collection"`
	TopK                int     `yaml:"top_k"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	SimilarityMetric    string  `yaml:"similarity_metric"`
}

// SearchConfig points at the external web search service.
type SearchConfig struct {
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	MaxResults int           `yaml:"max_results"`
	Threshold  float64       `yaml:"threshold"`
	Timeout    time.Duration `yaml:"timeout"`
	Enabled    bool          `yaml:"enabled"`
}

// LLMConfig points at the Ollama-compatible model runtime.
type LLMConfig struct {
	Model       string  `yaml:"model"`
	Host        string  `yaml:"host"`
	Port        int     `yaml:"port"`
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// APIConfig controls the optional HTTP surface.
type APIConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Debug           bool          `yaml:"debug"`
	Token           string        `yaml:"token"`
	RateLimit       float64       `yaml:"rate_limit"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Config contains all runtime settings, read once at startup.
type Config struct {
	Memory MemoryConfig `yaml:"memory"`
	Search SearchConfig `yaml:"search"`
	LLM    LLMConfig    `yaml:"llm"`
	API    APIConfig    `yaml:"api"`

	LogLevel         string        `yaml:"log_level"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	HistoryMaxTurns  int           `yaml:"history_max_turns"`
	HistoryIdleAfter time.Duration `yaml:"history_idle_timeout"`
}

func defaults() Config {
	return Config{
		Memory: MemoryConfig{
			Host:                "localhost",
			Port:                5000,
			Collection:          "open_gemma_rag",
			TopK:                5,
			SimilarityThreshold: 0.7,
			SimilarityMetric:    "cosine",
		},
		Search: SearchConfig{
			Host:       "localhost",
			Port:       5001,
			MaxResults: 5,
			Threshold:  0.5,
			Timeout:    10 * time.Second,
			Enabled:    true,
		},
		LLM: LLMConfig{
			Model:       "gemma:3b",
			Host:        "localhost",
			Port:        11434,
			Temperature: 0.7,
			TopP:        0.9,
			MaxTokens:   2048,
		},
		API: APIConfig{
			Host:            "localhost",
			Port:            5002,
			ShutdownTimeout: 15 * time.Second,
		},
		LogLevel:         "info",
		MetricsNamespace: "gemmarag",
		HistoryMaxTurns:  20,
		HistoryIdleAfter: 30 * time.Minute,
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, in increasing order of precedence.
func Load(path string) (Config, error) {
	cfg := defaults()

	if strings.TrimSpace(path) != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var err error

	cfg.Memory.Host = envOrDefault("MEMORY_HOST", cfg.Memory.Host)
	cfg.Memory.Collection = envOrDefault("MEMORY_COLLECTION", cfg.Memory.Collection)
	cfg.Memory.SimilarityMetric = envOrDefault("MEMORY_SIMILARITY_METRIC", cfg.Memory.SimilarityMetric)
	if cfg.Memory.Port, err = intFromEnv("MEMORY_PORT", cfg.Memory.Port); err != nil {
		return err
	}
	if cfg.Memory.TopK, err = intFromEnv("MEMORY_TOP_K", cfg.Memory.TopK); err != nil {
		return err
	}
	if cfg.Memory.SimilarityThreshold, err = floatFromEnv("MEMORY_SIMILARITY_THRESHOLD", cfg.Memory.SimilarityThreshold); err != nil {
		return err
	}

	cfg.Search.Host = envOrDefault("SEARCH_HOST", cfg.Search.Host)
	if cfg.Search.Port, err = intFromEnv("SEARCH_PORT", cfg.Search.Port); err != nil {
		return err
	}
	if cfg.Search.MaxResults, err = intFromEnv("SEARCH_MAX_RESULTS", cfg.Search.MaxResults); err != nil {
		return err
	}
	if cfg.Search.Threshold, err = floatFromEnv("SEARCH_THRESHOLD", cfg.Search.Threshold); err != nil {
		return err
	}
	if cfg.Search.Timeout, err = durationFromEnv("SEARCH_TIMEOUT", cfg.Search.Timeout); err != nil {
		return err
	}
	if cfg.Search.Enabled, err = boolFromEnv("SEARCH_ENABLED", cfg.Search.Enabled); err != nil {
		return err
	}

	cfg.LLM.Model = envOrDefault("LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.Host = envOrDefault("LLM_HOST", cfg.LLM.Host)
	if cfg.LLM.Port, err = intFromEnv("LLM_PORT", cfg.LLM.Port); err != nil {
		return err
	}
	if cfg.LLM.Temperature, err = floatFromEnv("LLM_TEMPERATURE", cfg.LLM.Temperature); err != nil {
		return err
	}
	if cfg.LLM.TopP, err = floatFromEnv("LLM_TOP_P", cfg.LLM.TopP); err != nil {
		return err
	}
	if cfg.LLM.MaxTokens, err = intFromEnv("LLM_MAX_TOKENS", cfg.LLM.MaxTokens); err != nil {
		return err
	}

	cfg.API.Host = envOrDefault("API_HOST", cfg.API.Host)
	cfg.API.Token = envTrimmed("API_TOKEN", cfg.API.Token)
	if cfg.API.Port, err = intFromEnv("API_PORT", cfg.API.Port); err != nil {
		return err
	}
	if cfg.API.Debug, err = boolFromEnv("API_DEBUG", cfg.API.Debug); err != nil {
		return err
	}
	if cfg.API.RateLimit, err = floatFromEnv("API_RATE_LIMIT", cfg.API.RateLimit); err != nil {
		return err
	}
	if cfg.API.ShutdownTimeout, err = durationFromEnv("API_SHUTDOWN_TIMEOUT", cfg.API.ShutdownTimeout); err != nil {
		return err
	}

	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.MetricsNamespace = envOrDefault("METRICS_NAMESPACE", cfg.MetricsNamespace)
	if cfg.HistoryMaxTurns, err = intFromEnv("HISTORY_MAX_TURNS", cfg.HistoryMaxTurns); err != nil {
		return err
	}
	if cfg.HistoryIdleAfter, err = durationFromEnv("HISTORY_IDLE_TIMEOUT", cfg.HistoryIdleAfter); err != nil {
		return err
	}

	return nil
}

func (c Config) validate() error {
	if err := validPort("MEMORY_PORT", c.Memory.Port); err != nil {
		return err
	}
	if err := validPort("SEARCH_PORT", c.Search.Port); err != nil {
		return err
	}
	if err := validPort("LLM_PORT", c.LLM.Port); err != nil {
		return err
	}
	if err := validPort("API_PORT", c.API.Port); err != nil {
		return err
	}
	if c.Memory.TopK <= 0 {
		return fmt.Errorf("MEMORY_TOP_K must be positive")
	}
	if c.Memory.SimilarityThreshold < 0 || c.Memory.SimilarityThreshold > 1 {
		return fmt.Errorf("MEMORY_SIMILARITY_THRESHOLD must be within [0, 1]")
	}
	switch c.Memory.SimilarityMetric {
	case "cosine", "dot", "euclidean":
	default:
		return fmt.Errorf("MEMORY_SIMILARITY_METRIC must be one of cosine, dot, euclidean (got %q)", c.Memory.SimilarityMetric)
	}
	if c.Search.MaxResults <= 0 {
		return fmt.Errorf("SEARCH_MAX_RESULTS must be positive")
	}
	if c.Search.Threshold < 0 || c.Search.Threshold > 1 {
		return fmt.Errorf("SEARCH_THRESHOLD must be within [0, 1]")
	}
	if c.Search.Timeout <= 0 {
		return fmt.Errorf("SEARCH_TIMEOUT must be positive")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("LLM_MODEL must not be empty")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("LLM_TEMPERATURE must be within [0, 2]")
	}
	if c.LLM.TopP <= 0 || c.LLM.TopP > 1 {
		return fmt.Errorf("LLM_TOP_P must be within (0, 1]")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("LLM_MAX_TOKENS must be positive")
	}
	if c.API.RateLimit < 0 {
		return fmt.Errorf("API_RATE_LIMIT must be >= 0")
	}
	if c.HistoryMaxTurns <= 0 {
		return fmt.Errorf("HISTORY_MAX_TURNS must be positive")
	}
	return nil
}

func validPort(key string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s must be a valid port (got %d)", key, port)
	}
	return nil
}

// MemoryBaseURL returns the memory service endpoint.
func (c Config) MemoryBaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Memory.Host, c.Memory.Port)
}

// SearchBaseURL returns the search service endpoint.
func (c Config) SearchBaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Search.Host, c.Search.Port)
}

// LLMBaseURL returns the model runtime endpoint.
func (c Config) LLMBaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.LLM.Host, c.LLM.Port)
}

// APIBindAddr returns the listen address for the HTTP surface.
func (c Config) APIBindAddr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key, fallback string) string {
	if _, ok := os.LookupEnv(key); !ok {
		return fallback
	}
	return strings.TrimSpace(os.Getenv(key))
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	// Bare numbers are seconds, matching the original env contract.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
