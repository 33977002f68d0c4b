package retriever

import (
	"context"
	"fmt"
	"sort"

	"github.com/abhishekj44/genai-test/internal/models"
)

// VectorIndex is the query contract consumed from the vector store. The
// where filter narrows candidates by metadata; nResults bounds the batch.
type VectorIndex interface {
	Query(ctx context.Context, text string, where map[string]any, nResults int) (*models.RetrievalResult, error)
}

// Scorer scores the relevance of each document to the query, one score per
// document, higher meaning more relevant. Implemented by a cross-encoder
// scoring service.
type Scorer interface {
	Score(ctx context.Context, model, query string, documents []string) ([]float64, error)
}

// QueryConfig is the fixed per-deployment first-pass query configuration.
type QueryConfig struct {
	NResults int
}

// RerankConfig enables the optional cross-encoder re-ranking stage.
type RerankConfig struct {
	Model string
	TopK  int
}

// Retriever queries a vector index for passages relevant to a text and
// optionally re-ranks the candidates with a cross-encoder before truncating
// to the configured top-k.
type Retriever struct {
	index       VectorIndex
	queryConfig QueryConfig
	rerank      *RerankConfig
	scorer      Scorer
}

// New validates the configuration eagerly: a re-ranking top_k larger than the
// first-pass n_results can never be satisfied.
func New(index VectorIndex, queryConfig QueryConfig, rerank *RerankConfig, scorer Scorer) (*Retriever, error) {
	if queryConfig.NResults <= 0 {
		return nil, fmt.Errorf("n_results must be positive, got %d", queryConfig.NResults)
	}
	if rerank != nil {
		if rerank.TopK > queryConfig.NResults {
			return nil, fmt.Errorf("reranking top_k (%d) > n_results (%d)", rerank.TopK, queryConfig.NResults)
		}
		if scorer == nil {
			return nil, fmt.Errorf("reranking configured without a scorer")
		}
	}
	return &Retriever{index: index, queryConfig: queryConfig, rerank: rerank, scorer: scorer}, nil
}

// Query runs the first-pass index query and, if configured, the re-ranking
// stage.
func (r *Retriever) Query(ctx context.Context, text string, where map[string]any) (*models.RetrievalResult, error) {
	result, err := r.index.Query(ctx, text, where, r.queryConfig.NResults)
	if err != nil {
		return nil, fmt.Errorf("vector index query: %w", err)
	}
	if r.rerank != nil {
		if result, err = r.rerankResult(ctx, text, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

type hit struct {
	originalIndex int
	score         float64
}

// rerankResult scores every (query, candidate) pair, sorts descending by
// score, keeps the top-k and permutes every parallel array of the result by
// the same new index order.
func (r *Retriever) rerankResult(ctx context.Context, query string, result *models.RetrievalResult) (*models.RetrievalResult, error) {
	if len(result.Documents) == 0 || len(result.Documents[0]) == 0 {
		return result, nil
	}
	docs := result.Documents[0]
	scores, err := r.scorer.Score(ctx, r.rerank.Model, query, docs)
	if err != nil {
		return nil, fmt.Errorf("scoring candidates: %w", err)
	}
	if len(scores) != len(docs) {
		return nil, fmt.Errorf("scorer returned %d scores for %d documents", len(scores), len(docs))
	}

	hits := make([]hit, len(docs))
	for i, s := range scores {
		hits[i] = hit{originalIndex: i, score: s}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	order := make([]int, 0, r.rerank.TopK)
	for _, h := range hits {
		if len(order) == r.rerank.TopK {
			break
		}
		order = append(order, h.originalIndex)
	}

	reorder(result.IDs, order)
	reorder(result.Documents, order)
	reorder(result.Metadatas, order)
	reorder(result.Distances, order)
	return result, nil
}

// reorder permutes the first batch of a parallel field by the new index
// order. Absent or empty fields are left untouched.
func reorder[T any](field [][]T, order []int) {
	if len(field) == 0 || len(field[0]) == 0 {
		return
	}
	out := make([]T, 0, len(order))
	for _, i := range order {
		out = append(out, field[0][i])
	}
	field[0] = out
}
