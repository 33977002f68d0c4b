package rag

import (
	"context"
	"strings"

	"github.com/abhishekj44/genai-test/internal/models"
)

// DefaultSummaryPrompt is the stock instruction for contract summaries.
const DefaultSummaryPrompt = `Your job is to summarise this document. The summary should have six sections:
- Summary (two sentences)
- Identify the parties involved
- Identify the payment terms
- Identify the contract duration/expiry date
- Identifty the liability cap and exclusions
- Give a summary of the scope of work and costs`

const chunkSummaryPrefix = "You will recieve a chunk of a document.  Make sure that you capture all of the relevant " +
	"information so that when the chunks are combined, the following task can be completed.  "

const combineSummariesPrefix = "The following texts were generated from portions of an original document that was too large " +
	"to put into the context in one go. You need to combine this information into the described format to get the full summary.  "

// Summarize produces a summary of text under the given system prompt. An
// oversized document is summarised per chunk and the partial summaries are
// combined with a follow-up call. Nothing is persisted to the conversation.
func (e *Engine) Summarize(ctx context.Context, text, systemPrompt string) (string, error) {
	if systemPrompt == "" {
		systemPrompt = DefaultSummaryPrompt
	}
	n, err := e.chunkCount(text)
	if err != nil {
		return "", err
	}
	if n <= 1 {
		completion, err := e.completion.CreateCompletion(ctx, []models.ChatMessage{
			{Role: models.RoleSystem, Content: systemPrompt},
			{Role: models.RoleUser, Content: text},
		})
		if err != nil {
			return "", &CompletionError{Err: err}
		}
		return completion.Content, nil
	}

	var partials []string
	for _, chunk := range splitChunks(text, n) {
		completion, err := e.completion.CreateCompletion(ctx, []models.ChatMessage{
			{Role: models.RoleSystem, Content: chunkSummaryPrefix + systemPrompt},
			{Role: models.RoleUser, Content: chunk},
		})
		if err != nil {
			return "", &CompletionError{Err: err}
		}
		partials = append(partials, completion.Content)
	}

	combined, err := e.completion.CreateCompletion(ctx, []models.ChatMessage{
		{Role: models.RoleSystem, Content: combineSummariesPrefix + systemPrompt},
		{Role: models.RoleUser, Content: strings.Join(partials, "\n\n")},
	})
	if err != nil {
		return "", &CompletionError{Err: err}
	}
	return combined.Content, nil
}
