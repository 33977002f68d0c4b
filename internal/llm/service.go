package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/abhishekj44/genai-test/internal/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

// ErrMalformedCompletion indicates the completion service returned a payload
// without usable content, violating its contract.
var ErrMalformedCompletion = errors.New("malformed completion response")

// Settings are the recognized model settings for completion calls.
type Settings struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Service wraps an OpenAI-compatible chat completion endpoint. One Service is
// constructed per process and reused across calls; each call is stateless.
type Service struct {
	llm      llms.Model
	model    string
	settings Settings
}

func New(baseURL, token, model string, settings Settings) (*Service, error) {
	llm, err := openai.New(
		openai.WithToken(token),
		openai.WithBaseURL(baseURL),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, err
	}
	return &Service{llm: llm, model: model, settings: settings}, nil
}

// NewWithModel builds a Service on an already-constructed model client.
// Tests use this to inject a stub.
func NewWithModel(llm llms.Model, model string, settings Settings) *Service {
	return &Service{llm: llm, model: model, settings: settings}
}

// Model returns the configured model name.
func (s *Service) Model() string {
	return s.model
}

// CreateCompletion sends the message list to the completion service and
// normalizes the response. Network and service errors propagate; a response
// with no content fails with ErrMalformedCompletion.
func (s *Service) CreateCompletion(ctx context.Context, messages []models.ChatMessage) (*models.Completion, error) {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		content = append(content, llms.TextParts(roleToMessageType(m.Role), m.Content))
	}

	opts := []llms.CallOption{
		llms.WithTemperature(s.settings.Temperature),
	}
	if s.settings.TopP > 0 {
		opts = append(opts, llms.WithTopP(s.settings.TopP))
	}
	if s.settings.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(s.settings.MaxTokens))
	}

	resp, err := s.llm.GenerateContent(ctx, content, opts...)
	if err != nil {
		return nil, fmt.Errorf("completion call: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return nil, ErrMalformedCompletion
	}

	choice := resp.Choices[0]
	return &models.Completion{
		Content: choice.Content,
		Model:   s.model,
		Usage: models.TokenUsage{
			PromptTokens:     usageCount(choice.GenerationInfo, "PromptTokens"),
			CompletionTokens: usageCount(choice.GenerationInfo, "CompletionTokens"),
		},
	}, nil
}

func roleToMessageType(role string) schema.ChatMessageType {
	switch role {
	case models.RoleSystem:
		return schema.ChatMessageTypeSystem
	case models.RoleAssistant:
		return schema.ChatMessageTypeAI
	default:
		return schema.ChatMessageTypeHuman
	}
}

func usageCount(info map[string]any, key string) int {
	if info == nil {
		return 0
	}
	if n, ok := info[key].(int); ok {
		return n
	}
	return 0
}
