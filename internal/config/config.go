package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/abhishekj44/genai-test/internal/tokens"
)

// CompletionConfig configures the OpenAI-compatible completion endpoint.
type CompletionConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// RetrievalConfig configures the vector index and first-pass query.
type RetrievalConfig struct {
	ChromaURL   string `yaml:"chroma_url"`
	Collection  string `yaml:"collection"`
	NResults    int    `yaml:"n_results"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// RerankingConfig enables the cross-encoder re-ranking stage when present.
type RerankingConfig struct {
	ServiceURL  string `yaml:"service_url"`
	Model       string `yaml:"model"`
	TopK        int    `yaml:"top_k"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// Config is the root application configuration.
type Config struct {
	Addr           string           `yaml:"addr"`
	DBPath         string           `yaml:"db_path"`
	ExperimentID   string           `yaml:"experiment_id"`
	PromptTemplate string           `yaml:"prompt_template"`
	Completion     CompletionConfig `yaml:"completion"`
	Retrieval      RetrievalConfig  `yaml:"retrieval"`
	Reranking      *RerankingConfig `yaml:"reranking,omitempty"`
}

// Load reads and validates the configuration file. Every recognized option is
// typed; unknown model names and impossible retrieval settings fail here
// rather than at point of use.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Addr == "" {
		cfg.Addr = ":8100"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "rag.db"
	}
	if cfg.Completion.APIKeyEnv == "" {
		cfg.Completion.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Retrieval.NResults == 0 {
		cfg.Retrieval.NResults = 10
	}
	if cfg.Retrieval.TimeoutSecs == 0 {
		cfg.Retrieval.TimeoutSecs = 30
	}
	if cfg.Reranking != nil && cfg.Reranking.TimeoutSecs == 0 {
		cfg.Reranking.TimeoutSecs = 30
	}
	if cfg.PromptTemplate == "" {
		cfg.PromptTemplate = "You are a contract assistant. Answer using only the following context:\n%s"
	}
}

func validate(cfg *Config) error {
	if cfg.ExperimentID == "" {
		return fmt.Errorf("experiment_id must be set")
	}
	if cfg.Completion.Model == "" {
		return fmt.Errorf("completion.model must be set")
	}
	if _, err := tokens.LookupParams(cfg.Completion.Model); err != nil {
		return err
	}
	if cfg.Retrieval.ChromaURL == "" {
		return fmt.Errorf("retrieval.chroma_url must be set")
	}
	if cfg.Retrieval.Collection == "" {
		return fmt.Errorf("retrieval.collection must be set")
	}
	if cfg.Reranking != nil {
		if cfg.Reranking.ServiceURL == "" {
			return fmt.Errorf("reranking.service_url must be set")
		}
		if cfg.Reranking.TopK <= 0 {
			return fmt.Errorf("reranking.top_k must be positive")
		}
		if cfg.Reranking.TopK > cfg.Retrieval.NResults {
			return fmt.Errorf("reranking.top_k (%d) > retrieval.n_results (%d)", cfg.Reranking.TopK, cfg.Retrieval.NResults)
		}
	}
	return nil
}

// RetrievalTimeout is the configured vector index client timeout.
func (c *Config) RetrievalTimeout() time.Duration {
	return time.Duration(c.Retrieval.TimeoutSecs) * time.Second
}

// RerankTimeout is the configured scoring service timeout.
func (c *Config) RerankTimeout() time.Duration {
	if c.Reranking == nil {
		return 0
	}
	return time.Duration(c.Reranking.TimeoutSecs) * time.Second
}
