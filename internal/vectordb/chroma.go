package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/abhishekj44/genai-test/internal/models"
)

// Client is a minimal REST client to a chroma server. The collection is
// resolved by name once and cached; the server computes embeddings with the
// collection's configured embedding function.
type Client struct {
	url          string
	collection   string
	collectionID string
	client       *http.Client
}

type Config struct {
	URL        string
	Collection string
	Timeout    time.Duration
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:        cfg.URL,
		collection: cfg.Collection,
		client:     &http.Client{Timeout: timeout},
	}
}

type collectionInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (c *Client) resolveCollection(ctx context.Context) (string, error) {
	if c.collectionID != "" {
		return c.collectionID, nil
	}
	var info collectionInfo
	if err := c.do(ctx, http.MethodGet, "/api/v1/collections/"+c.collection, nil, &info); err != nil {
		return "", fmt.Errorf("resolving collection %s: %w", c.collection, err)
	}
	c.collectionID = info.ID
	return c.collectionID, nil
}

type queryRequest struct {
	QueryTexts []string       `json:"query_texts"`
	NResults   int            `json:"n_results"`
	Where      map[string]any `json:"where,omitempty"`
	Include    []string       `json:"include"`
}

// Query issues a single-text similarity query and returns the index's
// nested-batch result as-is.
func (c *Client) Query(ctx context.Context, text string, where map[string]any, nResults int) (*models.RetrievalResult, error) {
	id, err := c.resolveCollection(ctx)
	if err != nil {
		return nil, err
	}
	req := queryRequest{
		QueryTexts: []string{text},
		NResults:   nResults,
		Where:      where,
		Include:    []string{"documents", "metadatas", "distances"},
	}
	var result models.RetrievalResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/collections/"+id+"/query", req, &result); err != nil {
		return nil, fmt.Errorf("querying collection %s: %w", c.collection, err)
	}
	return &result, nil
}

type addRequest struct {
	IDs       []string         `json:"ids"`
	Metadatas []map[string]any `json:"metadatas"`
	Documents []string         `json:"documents"`
}

// AddDocuments batch-inserts pre-chunked documents. Only the ingestion path
// uses this; the conversation engine is read-only against the index.
func (c *Client) AddDocuments(ctx context.Context, ids []string, metadatas []map[string]any, documents []string) error {
	if len(ids) != len(documents) || len(ids) != len(metadatas) {
		return fmt.Errorf("ids/metadatas/documents length mismatch: %d/%d/%d", len(ids), len(metadatas), len(documents))
	}
	id, err := c.resolveCollection(ctx)
	if err != nil {
		return err
	}
	req := addRequest{IDs: ids, Metadatas: metadatas, Documents: documents}
	if err := c.do(ctx, http.MethodPost, "/api/v1/collections/"+id+"/add", req, nil); err != nil {
		return fmt.Errorf("adding documents to %s: %w", c.collection, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("chroma returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
