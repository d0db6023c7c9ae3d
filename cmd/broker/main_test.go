package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/broker/llmbroker/internal/broker"
	"github.com/broker/llmbroker/internal/queue"
	"github.com/broker/llmbroker/internal/usagestore"
)

type stubResolver struct {
	configs map[string][]queue.KeyConfig
	errs    map[string]error
}

func (s stubResolver) IsDirect() bool { return false }

func (s stubResolver) Resolve(provider string) ([]queue.KeyConfig, error) {
	if err, ok := s.errs[provider]; ok {
		return nil, err
	}
	return s.configs[provider], nil
}

type stubClient struct{}

func (stubClient) Ask(string, []broker.Message) (string, error)        { return "", nil }
func (stubClient) AnalyzeImage(string, []byte, string) (string, error) { return "", nil }

func TestBootstrapProviderRegistersOneQueuerPerKey(t *testing.T) {
	resolver := stubResolver{configs: map[string][]queue.KeyConfig{
		"mistral": {{Key: "a", Label: "mistral:a"}, {Key: "b", Label: "mistral:b"}},
	}}
	clientFactory := func(_ string, _ queue.KeyConfig) (broker.Client, error) { return stubClient{}, nil }
	storeFactory := func(_ queue.KeyConfig) usagestore.Store { return usagestore.NewMemory() }
	router := broker.New(nil, resolver, clientFactory, storeFactory)

	n, err := bootstrapProvider(router, resolver, clientFactory, storeFactory, nil, "mistral")

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, router.QueuersFor("mistral"), 2)
}

func TestBootstrapProviderPropagatesResolveError(t *testing.T) {
	resolver := stubResolver{errs: map[string]error{"gemini": errors.New("no key")}}
	clientFactory := func(_ string, _ queue.KeyConfig) (broker.Client, error) { return stubClient{}, nil }
	storeFactory := func(_ queue.KeyConfig) usagestore.Store { return usagestore.NewMemory() }
	router := broker.New(nil, resolver, clientFactory, storeFactory)

	_, err := bootstrapProvider(router, resolver, clientFactory, storeFactory, nil, "gemini")

	assert.Error(t, err)
}

func TestBootstrapProviderErrorsWhenNoKeysResolve(t *testing.T) {
	resolver := stubResolver{configs: map[string][]queue.KeyConfig{"ollama": {}}}
	clientFactory := func(_ string, _ queue.KeyConfig) (broker.Client, error) { return stubClient{}, nil }
	storeFactory := func(_ queue.KeyConfig) usagestore.Store { return usagestore.NewMemory() }
	router := broker.New(nil, resolver, clientFactory, storeFactory)

	_, err := bootstrapProvider(router, resolver, clientFactory, storeFactory, nil, "ollama")

	assert.Error(t, err)
}

func TestFallbackDelayPtr(t *testing.T) {
	assert.Nil(t, fallbackDelayPtr(0))
	assert.Nil(t, fallbackDelayPtr(-5))
	require.NotNil(t, fallbackDelayPtr(200))
	assert.Equal(t, int64(200), *fallbackDelayPtr(200))
}
