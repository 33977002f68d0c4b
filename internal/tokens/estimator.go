package tokens

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator estimates token counts for model inputs using the model's
// tokenizer. The zero value is not usable; construct with NewEstimator.
type Estimator struct {
	encodeLen func(text, model string) (int, error)
}

func NewEstimator() *Estimator {
	return &Estimator{encodeLen: tiktokenLen}
}

func tiktokenLen(text, model string) (int, error) {
	enc, err := tiktoken.EncodingForModel(tiktokenModelName(model))
	if err != nil {
		return 0, fmt.Errorf("tokenizer for %s: %w", model, err)
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// tiktokenModelName maps Azure-style deployment names onto the tokenizer
// model names tiktoken recognises.
func tiktokenModelName(model string) string {
	switch model {
	case "gpt-35-turbo", "gpt-35-turbo-16k", "gpt-35-turbo-32k":
		return "gpt-3.5-turbo"
	default:
		return model
	}
}

// EstimateTokenCount estimates the token count of text for a model.
func (e *Estimator) EstimateTokenCount(text, model string) (int, error) {
	return e.encodeLen(text, model)
}

// FitsWithinLimit reports whether text is estimated to fit within 90% of the
// model's token limit. The remaining 10% is headroom for the completion.
func (e *Estimator) FitsWithinLimit(text, model string) (bool, error) {
	params, err := LookupParams(model)
	if err != nil {
		return false, err
	}
	count, err := e.encodeLen(text, model)
	if err != nil {
		return false, err
	}
	return float64(count) < float64(params.TokenLimit)*0.9, nil
}
