package keyresolver

import (
	"github.com/broker/llmbroker/internal/brokererrors"
	"github.com/broker/llmbroker/internal/config"
	"github.com/broker/llmbroker/internal/queue"
)

// Direct resolves a single key per provider straight from the environment
// (<PROVIDER>_API_KEY). It has nothing to re-resolve, so reload is rejected.
type Direct struct {
	fallbackDelayMs *int64
}

// NewDirect creates a Direct resolver applying fallbackDelayMs (nil for none)
// to every key it produces.
func NewDirect(fallbackDelayMs *int64) *Direct {
	return &Direct{fallbackDelayMs: fallbackDelayMs}
}

// IsDirect always returns true for this strategy.
func (d *Direct) IsDirect() bool { return true }

// Resolve returns the single environment-sourced key for provider.
func (d *Direct) Resolve(provider string) ([]queue.KeyConfig, error) {
	key, err := config.GetAPIKey(provider)
	if err != nil {
		return nil, brokererrors.Wrap(brokererrors.TypeBootstrapFailure, "resolving direct key for "+provider, err)
	}
	return []queue.KeyConfig{{
		Key:             key,
		Label:           provider + ":default",
		FallbackDelayMs: d.fallbackDelayMs,
	}}, nil
}
