package rag

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/abhishekj44/genai-test/internal/db"
	"github.com/abhishekj44/genai-test/internal/models"
	"github.com/abhishekj44/genai-test/internal/tokens"
	"go.uber.org/zap"
)

// CompletionClient is the contract consumed from the completion service.
type CompletionClient interface {
	CreateCompletion(ctx context.Context, messages []models.ChatMessage) (*models.Completion, error)
	Model() string
}

// ContextRetriever fetches passages relevant to a text from the vector index.
type ContextRetriever interface {
	Query(ctx context.Context, text string, where map[string]any) (*models.RetrievalResult, error)
}

// Estimator estimates token counts for completion inputs.
type Estimator interface {
	EstimateTokenCount(text, model string) (int, error)
	FitsWithinLimit(text, model string) (bool, error)
}

const attachedDocumentPrefix = "\nAttached document: "

const chunkSubPromptGlue = "Answer the question based on the attached file section: "

const combineAnswersPrompt = "The following are responses to a question based on different parts of a document. " +
	"Combine these into one cohesive answer for the entire document."

// Engine is the conversation orchestrator. One Engine is scoped to a single
// (user, instance) session; concurrent sessions each construct their own.
type Engine struct {
	store      *db.Store
	retriever  ContextRetriever
	completion CompletionClient
	estimator  Estimator
	logger     *zap.Logger

	model          string
	promptTemplate string
	experimentID   string

	user     string
	instance *models.Instance
}

// Config carries the engine's fixed per-deployment settings.
// PromptTemplate must contain one %s slot for the formatted context.
type Config struct {
	PromptTemplate string
	ExperimentID   string
}

func NewEngine(store *db.Store, retr ContextRetriever, completion CompletionClient, estimator Estimator, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		store:          store,
		retriever:      retr,
		completion:     completion,
		estimator:      estimator,
		logger:         logger,
		model:          completion.Model(),
		promptTemplate: cfg.PromptTemplate,
		experimentID:   cfg.ExperimentID,
	}
}

// User returns the session's current user, empty if none.
func (e *Engine) User() string { return e.user }

// Instance returns the session's active instance, nil if none.
func (e *Engine) Instance() *models.Instance { return e.instance }

// ChangeUser switches the session to an existing user and clears the active
// instance.
func (e *Engine) ChangeUser(user string) error {
	exists, err := e.store.UserExists(user)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", db.ErrUserNotFound, user)
	}
	e.user = user
	e.instance = nil
	return nil
}

// CreateInstance creates a conversation owned by the session user and makes
// it the active instance.
func (e *Engine) CreateInstance(nameOverride string) (*models.Instance, error) {
	if e.user == "" {
		return nil, ErrNoActiveUser
	}
	in, err := e.store.CreateInstance(e.user, e.experimentID, nameOverride)
	if err != nil {
		return nil, err
	}
	e.instance = in
	return in, nil
}

// ChangeInstance switches the session to an instance the user owns or has
// been shared.
func (e *Engine) ChangeInstance(instanceID int64) error {
	if e.user == "" {
		return ErrNoActiveUser
	}
	owned, err := e.store.OwnedInstanceIDs(e.user)
	if err != nil {
		return err
	}
	shared, err := e.store.SharedInstanceIDs(e.user)
	if err != nil {
		return err
	}
	authorized := false
	viaSharing := false
	for _, id := range owned {
		if id == instanceID {
			authorized = true
			break
		}
	}
	if !authorized {
		for _, id := range shared {
			if id == instanceID {
				authorized = true
				viaSharing = true
				break
			}
		}
	}
	if !authorized {
		return fmt.Errorf("%w: user %s, instance %d", ErrUnauthorizedInstance, e.user, instanceID)
	}

	in, err := e.store.LoadInstance(instanceID)
	if err != nil {
		return err
	}
	in.Shared = viaSharing
	e.instance = in
	return nil
}

// ShareInstanceWithUser makes an instance visible to another user.
// Idempotent; reports whether the user already had it.
func (e *Engine) ShareInstanceWithUser(user string, instanceID int64) (alreadyShared bool, err error) {
	return e.store.ShareInstance(user, instanceID)
}

// SetFeedback attaches feedback to a message of the active instance.
func (e *Engine) SetFeedback(messageID string, fb models.Feedback) error {
	if e.instance == nil {
		return ErrNoActiveInstance
	}
	return e.store.SetFeedback(e.instance, messageID, fb)
}

// Query runs one conversation turn: decides on retrieval, chunks an
// oversized attachment, calls the completion service and commits the
// resulting messages. A completion-stage failure rolls the persisted
// conversation back to its state before the call.
func (e *Engine) Query(ctx context.Context, prompt, fileContent string, where map[string]any, forceRetrieval bool) (*models.Completion, *models.RetrievalResult, error) {
	if e.instance == nil {
		return nil, nil, ErrNoActiveInstance
	}

	useRetrieval := len(e.instance.Messages) == 0 || forceRetrieval

	if fileContent != "" {
		n, err := e.chunkCount(prompt + " " + fileContent)
		if err != nil {
			return nil, nil, err
		}
		if n > 1 {
			return e.queryChunked(ctx, prompt, fileContent, where, useRetrieval, n)
		}
	}

	return e.queryDirect(ctx, prompt, fileContent, where, useRetrieval)
}

// chunkCount is the number of model-sized chunks the text needs.
func (e *Engine) chunkCount(text string) (int, error) {
	count, err := e.estimator.EstimateTokenCount(text, e.model)
	if err != nil {
		return 0, err
	}
	params, err := tokens.LookupParams(e.model)
	if err != nil {
		return 0, err
	}
	return int(math.Ceil(float64(count) / float64(params.TokenLimit))), nil
}

// splitChunks splits s into n contiguous equal-length segments by character
// count; the last segment absorbs the remainder.
func splitChunks(s string, n int) []string {
	size := len(s) / n
	chunks := make([]string, 0, n)
	for i := 0; i < n; i++ {
		start := i * size
		end := start + size
		if i == n-1 {
			end = len(s)
		}
		chunks = append(chunks, s[start:end])
	}
	return chunks
}

func (e *Engine) queryDirect(ctx context.Context, prompt, fileContent string, where map[string]any, useRetrieval bool) (*models.Completion, *models.RetrievalResult, error) {
	var (
		retrieved       *models.RetrievalResult
		persistedSystem bool
	)
	if useRetrieval {
		var err error
		retrieved, err = e.retriever.Query(ctx, prompt, where)
		if err != nil {
			return nil, nil, err
		}
		systemPrompt, err := e.contextMessage(retrieved)
		if err != nil {
			return nil, nil, err
		}
		if err := e.store.AppendMessage(e.instance, models.Message{Role: models.RoleSystem, Content: systemPrompt}); err != nil {
			return nil, nil, err
		}
		persistedSystem = true
	}

	userContent := prompt
	if fileContent != "" {
		userContent = prompt + attachedDocumentPrefix + fileContent
	}
	if err := e.store.AppendMessage(e.instance, models.Message{Role: models.RoleUser, Content: userContent}); err != nil {
		return nil, nil, err
	}

	history := e.instance.ChatMessages()
	cut, err := e.truncationIndex(history)
	if err != nil {
		e.rollback(persistedSystem, err)
		return nil, nil, err
	}

	completion, err := e.completion.CreateCompletion(ctx, history[cut:])
	if err != nil {
		e.rollback(persistedSystem, err)
		return nil, nil, &CompletionError{Err: err}
	}

	if err := e.store.AppendMessage(e.instance, completionToMessage(completion, retrieved)); err != nil {
		return nil, nil, err
	}
	return completion, retrieved, nil
}

// truncationIndex walks the history backward, accumulating content, and
// returns the index of the oldest message that still lets the joined suffix
// fit within the model's limit. The newest message is always included.
func (e *Engine) truncationIndex(history []models.ChatMessage) (int, error) {
	var acc []string
	cut := 0
	for i := len(history) - 1; i >= 0; i-- {
		acc = append(acc, history[i].Content)
		ok, err := e.estimator.FitsWithinLimit(strings.Join(acc, " "), e.model)
		if err != nil {
			return 0, err
		}
		if !ok {
			cut = i + 1
			break
		}
	}
	if cut >= len(history) {
		cut = len(history) - 1
	}
	return cut, nil
}

// rollback removes this call's pending messages so the persisted conversation
// matches its state before the call.
func (e *Engine) rollback(systemPersisted bool, cause error) {
	e.logger.Error("completion failed, rolling back pending messages", zap.Error(cause))
	if err := e.store.RemoveLastMessage(e.instance); err != nil {
		e.logger.Error("rollback failed", zap.Error(err))
	}
	if systemPersisted {
		if err := e.store.RemoveLastMessage(e.instance); err != nil {
			e.logger.Error("rollback of context message failed", zap.Error(err))
		}
	}
}

func (e *Engine) queryChunked(ctx context.Context, prompt, fileContent string, where map[string]any, useRetrieval bool, n int) (*models.Completion, *models.RetrievalResult, error) {
	chunks := splitChunks(fileContent, n)

	var (
		merged    *models.RetrievalResult
		responses []string
	)
	for _, chunk := range chunks {
		var (
			subPrompt    string
			systemPrompt string
		)
		if useRetrieval {
			retrieved, err := e.retriever.Query(ctx, prompt, where)
			if err != nil {
				return nil, nil, err
			}
			if merged == nil {
				merged = &models.RetrievalResult{}
			}
			merged.Merge(retrieved)
			if systemPrompt, err = e.contextMessage(retrieved); err != nil {
				return nil, nil, err
			}
			subPrompt = strings.Join([]string{prompt, chunkSubPromptGlue, chunk}, " ")
		} else {
			subPrompt = prompt
			systemPrompt = chunk
		}

		completion, err := e.completion.CreateCompletion(ctx, []models.ChatMessage{
			{Role: models.RoleSystem, Content: systemPrompt},
			{Role: models.RoleUser, Content: subPrompt},
		})
		if err != nil {
			e.logger.Error("chunk completion failed", zap.Error(err))
			return nil, nil, &CompletionError{Err: err}
		}
		responses = append(responses, completion.Content)
	}

	// The merge call is not token-checked; its result is what gets persisted.
	final, err := e.completion.CreateCompletion(ctx, []models.ChatMessage{
		{Role: models.RoleSystem, Content: combineAnswersPrompt},
		{Role: models.RoleUser, Content: strings.Join(responses, "\n")},
	})
	if err != nil {
		e.logger.Error("combining completion failed", zap.Error(err))
		return nil, nil, &CompletionError{Err: err}
	}

	if merged != nil {
		systemPrompt, err := e.contextMessage(merged)
		if err != nil {
			return nil, nil, err
		}
		if err := e.store.AppendMessage(e.instance, models.Message{Role: models.RoleSystem, Content: systemPrompt}); err != nil {
			return nil, nil, err
		}
	}
	if err := e.store.AppendMessage(e.instance, models.Message{
		Role:    models.RoleUser,
		Content: prompt + attachedDocumentPrefix + fileContent,
	}); err != nil {
		return nil, nil, err
	}
	if err := e.store.AppendMessage(e.instance, completionToMessage(final, merged)); err != nil {
		return nil, nil, err
	}

	return final, merged, nil
}

func completionToMessage(c *models.Completion, context *models.RetrievalResult) models.Message {
	usage := c.Usage
	return models.Message{
		Role:    models.RoleAssistant,
		Content: c.Content,
		Usage:   &usage,
		Model:   c.Model,
		Context: context,
	}
}
