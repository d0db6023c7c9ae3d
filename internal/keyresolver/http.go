package keyresolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/broker/llmbroker/internal/brokererrors"
	"github.com/broker/llmbroker/internal/queue"
)

const httpResolveTimeout = 15 * time.Second

// HTTP resolves KeyConfigs by fetching a JSON array of rawKeyRecord from a
// configured endpoint, filtered to one provider.
type HTTP struct {
	endpoint string
	client   *http.Client
}

// NewHTTP creates an HTTP resolver against endpoint.
func NewHTTP(endpoint string) *HTTP {
	return &HTTP{endpoint: endpoint, client: &http.Client{Timeout: httpResolveTimeout}}
}

// IsDirect always returns false for this strategy.
func (h *HTTP) IsDirect() bool { return false }

// Resolve fetches and deduplicates (by raw key) the KeyConfigs for provider.
func (h *HTTP) Resolve(provider string) ([]queue.KeyConfig, error) {
	ctx, cancel := context.WithTimeout(context.Background(), httpResolveTimeout)
	defer cancel()

	target := h.endpoint
	if q := url.Values{"provider": {provider}}.Encode(); q != "" {
		sep := "?"
		if containsQuery(target) {
			sep = "&"
		}
		target += sep + q
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, brokererrors.Wrap(brokererrors.TypeBootstrapFailure, "building key-resolver request", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, brokererrors.Wrap(brokererrors.TypeBootstrapFailure, "fetching keys from resolver endpoint", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, brokererrors.Wrap(brokererrors.TypeBootstrapFailure, "reading key-resolver response", err)
	}
	if resp.StatusCode >= 300 {
		return nil, brokererrors.New(brokererrors.TypeBootstrapFailure, fmt.Sprintf("key resolver returned status %d", resp.StatusCode))
	}

	var records []rawKeyRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, brokererrors.Wrap(brokererrors.TypeBootstrapFailure, "decoding key-resolver response", err)
	}

	seen := make(map[string]bool, len(records))
	configs := make([]queue.KeyConfig, 0, len(records))
	for _, rec := range records {
		if rec.Provider != "" && rec.Provider != provider {
			continue
		}
		if seen[rec.Key] {
			continue
		}
		seen[rec.Key] = true

		defaults, modelLimits, err := parseLimitField(rec.Limit)
		if err != nil {
			return nil, brokererrors.Wrap(brokererrors.TypeBootstrapFailure, "parsing limit for key "+rec.Label, err)
		}
		configs = append(configs, queue.KeyConfig{
			Key:             rec.Key,
			Label:           rec.Label,
			DefaultLimits:   defaults,
			ModelLimits:     modelLimits,
			FallbackDelayMs: rec.FallbackDelayMs,
		})
	}
	return configs, nil
}

func containsQuery(target string) bool {
	for i := 0; i < len(target); i++ {
		if target[i] == '?' {
			return true
		}
	}
	return false
}
