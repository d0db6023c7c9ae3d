// Package estimator provides token-count estimation for sizing requests.
//
// The engine treats the estimator as infallible: if none is configured,
// token-based limits are simply disabled rather than failing requests.
package estimator

import (
	"github.com/tiktoken-go/tokenizer"
)

// Estimator is a pure function from text to a non-negative token count.
type Estimator interface {
	Estimate(text string) int
}

// TikTokenEstimator counts tokens with a GPT-4 encoding, which is close
// enough across providers for scheduling purposes; it is not used to bill.
type TikTokenEstimator struct {
	codec tokenizer.Codec
}

// New creates a TikTokenEstimator, falling back to a nil codec (and hence
// the character-based approximation) if the codec cannot be constructed.
func New() *TikTokenEstimator {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return &TikTokenEstimator{codec: nil}
	}
	return &TikTokenEstimator{codec: codec}
}

// Estimate returns the estimated token count for text.
func (e *TikTokenEstimator) Estimate(text string) int {
	if e.codec == nil {
		return len(text) / 4
	}
	count, err := e.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}
