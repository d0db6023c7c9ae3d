package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/broker/llmbroker/internal/broker"
	"github.com/broker/llmbroker/internal/queue"
	"github.com/broker/llmbroker/internal/ratelimit"
	"github.com/broker/llmbroker/internal/usagestore"
)

type fakeClient struct {
	name string
}

func (f *fakeClient) Ask(model string, _ []broker.Message) (string, error) {
	return f.name + ":" + model, nil
}

func (f *fakeClient) AnalyzeImage(model string, _ []byte, _ string) (string, error) {
	return f.name + ":image:" + model, nil
}

type fakeEstimator struct{}

func (fakeEstimator) Estimate(text string) int { return len(text) }

func newTestServer() (*Server, *broker.Router) {
	router := broker.New(fakeEstimator{}, nil, nil, nil)
	q := queue.New(queue.KeyConfig{Label: "mistral:default"}, usagestore.NewMemory(), fakeEstimator{})
	router.Register("mistral", []*queue.Queuer{q}, []broker.Client{&fakeClient{name: "mistral"}})
	return NewServer(router, fakeEstimator{}, "mistral", "admin", ""), router
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleAskSuccess(t *testing.T) {
	s, _ := newTestServer()
	body := bytes.NewBufferString(`{"history": [{"role": "user", "content": "hi"}], "model": "magistral-small-2509"}`)
	req := httptest.NewRequest(http.MethodPost, "/ask", body)
	w := httptest.NewRecorder()

	s.handleAsk(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp askResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "mistral:magistral-small-2509", resp.Response)
	assert.Equal(t, "mistral", resp.Provider)
}

func TestHandleAskRejectsEmptyHistory(t *testing.T) {
	s, _ := newTestServer()
	body := bytes.NewBufferString(`{"history": [], "model": "m"}`)
	req := httptest.NewRequest(http.MethodPost, "/ask", body)
	w := httptest.NewRecorder()

	s.handleAsk(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleAskRejectsUnknownRole(t *testing.T) {
	s, _ := newTestServer()
	body := bytes.NewBufferString(`{"history": [{"role": "villain", "content": "hi"}], "model": "m"}`)
	req := httptest.NewRequest(http.MethodPost, "/ask", body)
	w := httptest.NewRecorder()

	s.handleAsk(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleAnalyzeImageUsesDefaultTarget(t *testing.T) {
	s, _ := newTestServer()
	body := bytes.NewBufferString(`{"image": "aGVsbG8="}`)
	req := httptest.NewRequest(http.MethodPost, "/analyze-image", body)
	w := httptest.NewRecorder()

	s.handleAnalyzeImage(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp analyzeResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, defaultAnalyzeModel, resp.Model)
	assert.Equal(t, defaultAnalyzeProvider, resp.Provider)
}

func TestHandleAnalyzeImageRejectsBadBase64(t *testing.T) {
	s, _ := newTestServer()
	body := bytes.NewBufferString(`{"image": "not-base64!!"}`)
	req := httptest.NewRequest(http.MethodPost, "/analyze-image", body)
	w := httptest.NewRecorder()

	s.handleAnalyzeImage(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleQueueStatus(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/queue/status", nil)
	w := httptest.NewRecorder()

	s.handleQueueStatus(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var out map[string][]queueStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	require.Len(t, out["mistral"], 1)
	assert.Equal(t, "mistral:default", out["mistral"][0].Label)
}

func TestHandleModelsExcludesSyntheticDefault(t *testing.T) {
	router := broker.New(fakeEstimator{}, nil, nil, nil)
	q := queue.New(queue.KeyConfig{
		Label: "mistral:default",
		ModelLimits: map[string][]ratelimit.LimitSpec{
			"magistral-small-2509": {{Type: ratelimit.RPS, Limit: 10}},
			"__default__":          {{Type: ratelimit.RPS, Limit: 1}},
		},
	}, usagestore.NewMemory(), fakeEstimator{})
	router.Register("mistral", []*queue.Queuer{q}, []broker.Client{&fakeClient{name: "mistral"}})
	s := NewServer(router, fakeEstimator{}, "mistral", "admin", "")
	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	w := httptest.NewRecorder()

	s.handleModels(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var out map[string][]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	assert.Equal(t, []string{"magistral-small-2509"}, out["mistral"])
}

func TestHandleEstimateTokens(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/estimate-tokens?text=hello&model=m", nil)
	w := httptest.NewRecorder()

	s.handleEstimateTokens(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp estimateTokensResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 5, resp.TextLength)
	assert.Equal(t, 5, resp.EstimatedTokens)
}

func TestHandleReloadKeysRequiresAuth(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/admin/reload-keys?provider=mistral", nil)
	w := httptest.NewRecorder()

	s.requireAdmin(s.handleReloadKeys)(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleReloadKeysAcceptsValidAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	router, resolver, clientFactory, storeFactory := newReloadableRouter()
	s := NewServer(router, fakeEstimator{}, "mistral", "admin", string(hash))
	_ = resolver
	_ = clientFactory
	_ = storeFactory

	req := httptest.NewRequest(http.MethodPost, "/admin/reload-keys?provider=mistral", nil)
	req.SetBasicAuth("admin", "secret")
	w := httptest.NewRecorder()

	s.requireAdmin(s.handleReloadKeys)(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

type stubResolver struct{}

func (stubResolver) IsDirect() bool { return false }
func (stubResolver) Resolve(provider string) ([]queue.KeyConfig, error) {
	return []queue.KeyConfig{{Key: "k", Label: provider + ":default"}}, nil
}

func newReloadableRouter() (*broker.Router, broker.Resolver, broker.ClientFactory, broker.StoreFactory) {
	resolver := stubResolver{}
	clientFactory := func(provider string, _ queue.KeyConfig) (broker.Client, error) {
		return &fakeClient{name: provider}, nil
	}
	storeFactory := func(_ queue.KeyConfig) usagestore.Store {
		return usagestore.NewMemory()
	}
	router := broker.New(fakeEstimator{}, resolver, clientFactory, storeFactory)
	return router, resolver, clientFactory, storeFactory
}
