package main

import (
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/abhishekj44/genai-test/internal/api"
	"github.com/abhishekj44/genai-test/internal/config"
	"github.com/abhishekj44/genai-test/internal/db"
	"github.com/abhishekj44/genai-test/internal/llm"
	"github.com/abhishekj44/genai-test/internal/metrics"
	"github.com/abhishekj44/genai-test/internal/rag"
	"github.com/abhishekj44/genai-test/internal/retriever"
	"github.com/abhishekj44/genai-test/internal/tokens"
	"github.com/abhishekj44/genai-test/internal/vectordb"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load config",
			zap.Error(err),
			zap.String("path", configPath))
	}

	store, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Fatal("failed to initialize database",
			zap.Error(err),
			zap.String("dbPath", cfg.DBPath))
	}
	defer store.Close()

	index := vectordb.NewClient(vectordb.Config{
		URL:        cfg.Retrieval.ChromaURL,
		Collection: cfg.Retrieval.Collection,
		Timeout:    cfg.RetrievalTimeout(),
	})

	var (
		rerank *retriever.RerankConfig
		scorer retriever.Scorer
	)
	if cfg.Reranking != nil {
		rerank = &retriever.RerankConfig{Model: cfg.Reranking.Model, TopK: cfg.Reranking.TopK}
		scorer = retriever.NewHTTPScorer(cfg.Reranking.ServiceURL, cfg.RerankTimeout())
	}
	retr, err := retriever.New(index, retriever.QueryConfig{NResults: cfg.Retrieval.NResults}, rerank, scorer)
	if err != nil {
		logger.Fatal("failed to initialize retriever", zap.Error(err))
	}

	completions, err := llm.New(
		cfg.Completion.BaseURL,
		os.Getenv(cfg.Completion.APIKeyEnv),
		cfg.Completion.Model,
		llm.Settings{
			Temperature: cfg.Completion.Temperature,
			TopP:        cfg.Completion.TopP,
			MaxTokens:   cfg.Completion.MaxTokens,
		},
	)
	if err != nil {
		logger.Fatal("failed to initialize completion service", zap.Error(err))
	}

	estimator := tokens.NewEstimator()
	engineConfig := rag.Config{
		PromptTemplate: cfg.PromptTemplate,
		ExperimentID:   cfg.ExperimentID,
	}
	newEngine := func() *rag.Engine {
		return rag.NewEngine(store, retr, completions, estimator, engineConfig, logger)
	}

	handler := api.NewHandler(store, newEngine, cfg.ExperimentID, logger, metrics.New())

	http.HandleFunc("/api/query", handler.HandleQuery)
	http.HandleFunc("/api/conversations", handler.HandleConversations)
	http.HandleFunc("/api/users", handler.HandleUsers)
	http.HandleFunc("/api/share", handler.HandleShare)
	http.HandleFunc("/api/feedback", handler.HandleFeedback)
	http.HandleFunc("/api/summarize", handler.HandleSummarize)
	http.Handle("/metrics", promhttp.Handler())

	logger.Info("Starting server", zap.String("addr", cfg.Addr), zap.String("experiment", cfg.ExperimentID))
	if err := http.ListenAndServe(cfg.Addr, nil); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}
}
