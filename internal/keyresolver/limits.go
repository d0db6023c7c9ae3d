// Package keyresolver implements the three external key-configuration
// strategies: direct environment, authenticated record store, and HTTP
// endpoint, each producing []queue.KeyConfig for the Router.
package keyresolver

import (
	"encoding/json"
	"fmt"

	"github.com/broker/llmbroker/internal/ratelimit"
)

// rawKeyRecord is the wire shape shared by the record-store and HTTP
// resolvers: a raw key, its label, and an optional limit field in either
// flat ({"RPS": 10}) or nested ({"default": {...}, "<model>": {...}}) form.
type rawKeyRecord struct {
	Key             string          `json:"key"`
	Label           string          `json:"label"`
	Provider        string          `json:"provider"`
	Limit           json.RawMessage `json:"limit"`
	FallbackDelayMs *int64          `json:"fallbackDelayMs,omitempty"`
}

// parseLimitField distinguishes the flat compact form from the nested
// default/model-override form and returns the corresponding default and
// per-model limit sets.
func parseLimitField(raw json.RawMessage) ([]ratelimit.LimitSpec, map[string][]ratelimit.LimitSpec, error) {
	if len(raw) == 0 {
		return nil, nil, nil
	}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, nil, fmt.Errorf("parsing limit field: %w", err)
	}

	nested := false
	for _, v := range generic {
		if _, ok := v.(map[string]any); ok {
			nested = true
			break
		}
	}

	if !nested {
		defaults, err := toLimitSpecs(generic)
		return defaults, nil, err
	}

	var defaults []ratelimit.LimitSpec
	modelLimits := make(map[string][]ratelimit.LimitSpec)
	for key, v := range generic {
		sub, ok := v.(map[string]any)
		if !ok {
			continue
		}
		specs, err := toLimitSpecs(sub)
		if err != nil {
			return nil, nil, err
		}
		if key == "default" {
			defaults = specs
			continue
		}
		modelLimits[key] = specs
	}
	return defaults, modelLimits, nil
}

func toLimitSpecs(m map[string]any) ([]ratelimit.LimitSpec, error) {
	specs := make([]ratelimit.LimitSpec, 0, len(m))
	for k, v := range m {
		n, ok := toInt(v)
		if !ok {
			return nil, fmt.Errorf("limit value for %s is not numeric", k)
		}
		specs = append(specs, ratelimit.LimitSpec{Type: ratelimit.LimitType(k), Limit: n})
	}
	return specs, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
