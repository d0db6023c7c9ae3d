package httpapi

import (
	"net/http"
	"sort"

	"github.com/broker/llmbroker/internal/brokererrors"
	"github.com/broker/llmbroker/internal/ratelimit"
)

type queueStatus struct {
	Label        string `json:"label"`
	QueueLength  int    `json:"queueLength"`
	IsProcessing bool   `json:"isProcessing"`
}

// handleQueueStatus implements GET /queue/status.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	out := make(map[string][]queueStatus)
	for _, p := range s.router.Providers() {
		queuers := s.router.QueuersFor(p)
		statuses := make([]queueStatus, 0, len(queuers))
		for _, q := range queuers {
			statuses = append(statuses, queueStatus{
				Label:        q.Label(),
				QueueLength:  q.QueueLength(),
				IsProcessing: q.IsProcessing(),
			})
		}
		out[p] = statuses
	}
	writeJSON(w, http.StatusOK, out)
}

type queueUsage struct {
	Label string                        `json:"label"`
	Usage map[string]ratelimit.Snapshot `json:"usage"`
}

type aggregatedCounts struct {
	Second        int `json:"second"`
	Minute        int `json:"minute"`
	Day           int `json:"day"`
	MinuteTokens  int `json:"minuteTokens"`
	MonthTokens   int `json:"monthTokens"`
	MonthRequests int `json:"monthRequests"`
}

type usageResponse struct {
	Queues     map[string][]queueUsage     `json:"queues"`
	Aggregated map[string]aggregatedCounts `json:"aggregated"`
}

// handleUsage implements GET /usage.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := usageResponse{
		Queues:     make(map[string][]queueUsage),
		Aggregated: make(map[string]aggregatedCounts),
	}

	for _, p := range s.router.Providers() {
		for _, q := range s.router.QueuersFor(p) {
			snap := q.UsageSnapshot()
			resp.Queues[p] = append(resp.Queues[p], queueUsage{Label: q.Label(), Usage: snap})
			for model, snapshot := range snap {
				agg := resp.Aggregated[model]
				agg.Second += snapshot.Second.Count
				agg.Minute += snapshot.Minute.Count
				agg.Day += snapshot.Day.Count
				agg.MinuteTokens += snapshot.MinuteToken.Count
				agg.MonthTokens += snapshot.MonthToken.Count
				agg.MonthRequests += snapshot.MonthReqs.Count
				resp.Aggregated[model] = agg
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleModels implements GET /models.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	out := make(map[string][]string)
	for _, p := range s.router.Providers() {
		seen := make(map[string]bool)
		var names []string
		for _, q := range s.router.QueuersFor(p) {
			for _, m := range q.ModelNames() {
				if seen[m] {
					continue
				}
				seen[m] = true
				names = append(names, m)
			}
		}
		sort.Strings(names)
		out[p] = names
	}
	writeJSON(w, http.StatusOK, out)
}

type estimateTokensResponse struct {
	Model           string `json:"model"`
	TextLength      int    `json:"textLength"`
	EstimatedTokens int    `json:"estimatedTokens"`
}

// handleEstimateTokens implements GET /estimate-tokens?text=&model=.
func (s *Server) handleEstimateTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	text := r.URL.Query().Get("text")
	model := r.URL.Query().Get("model")
	if text == "" {
		writeError(w, brokererrors.New(brokererrors.TypeInvalidRequest, "text query parameter is required"))
		return
	}

	tokens := 0
	if s.estimator != nil {
		tokens = s.estimator.Estimate(text)
	}

	writeJSON(w, http.StatusOK, estimateTokensResponse{
		Model:           model,
		TextLength:      len(text),
		EstimatedTokens: tokens,
	})
}
