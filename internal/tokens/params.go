package tokens

import (
	"errors"
	"fmt"
)

// ErrUnknownModel is returned when a model has no registered parameters.
var ErrUnknownModel = errors.New("unknown model")

// Params holds the per-model pricing and context-window limits.
type Params struct {
	PromptCostPer1M     float64
	CompletionCostPer1M float64
	TokenLimit          int
}

var modelParams = map[string]Params{
	"gpt-4":                  {PromptCostPer1M: 30, CompletionCostPer1M: 60, TokenLimit: 8192},
	"gpt-4-32k":              {PromptCostPer1M: 60, CompletionCostPer1M: 120, TokenLimit: 32768},
	"gpt-35-turbo":           {PromptCostPer1M: 0.5, CompletionCostPer1M: 1.5, TokenLimit: 16385},
	"gpt-35-turbo-16k":       {PromptCostPer1M: 0.5, CompletionCostPer1M: 1.5, TokenLimit: 16385},
	"gpt-35-turbo-32k":       {PromptCostPer1M: 0.5, CompletionCostPer1M: 1.5, TokenLimit: 32768},
	"text-embedding-ada-002": {PromptCostPer1M: 0.1, CompletionCostPer1M: 0.1, TokenLimit: 1536},
}

// LookupParams returns the registered parameters for a model.
func LookupParams(model string) (Params, error) {
	p, ok := modelParams[model]
	if !ok {
		return Params{}, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return p, nil
}
