package rag

import (
	"fmt"
	"strings"

	"github.com/abhishekj44/genai-test/internal/models"
)

// Metadata keys worth surfacing to the model alongside each passage.
var contextMetadataKeys = []string{"filename", "page_number"}

func formatMetadata(metadata map[string]any) string {
	var lines []string
	for _, key := range contextMetadataKeys {
		if value, ok := metadata[key]; ok {
			lines = append(lines, fmt.Sprintf("%s: %v", key, value))
		}
	}
	return strings.Join(lines, "\n")
}

// formatContext renders retrieved passages and their source metadata into a
// single context string.
func formatContext(result *models.RetrievalResult) string {
	var b strings.Builder
	for batch, docs := range result.Documents {
		for i, doc := range docs {
			if batch < len(result.Metadatas) && i < len(result.Metadatas[batch]) {
				b.WriteString(formatMetadata(result.Metadatas[batch][i]))
			}
			b.WriteString("\n\n" + doc + "\n\n")
		}
	}
	return b.String()
}

// contextMessage builds the system prompt that embeds the retrieved context.
func (e *Engine) contextMessage(result *models.RetrievalResult) (string, error) {
	if result.Documents == nil {
		return "", fmt.Errorf("documents missing from retrieval")
	}
	if result.Metadatas == nil {
		return "", fmt.Errorf("metadatas missing from retrieval")
	}
	return fmt.Sprintf(e.promptTemplate, formatContext(result)), nil
}
