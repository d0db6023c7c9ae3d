package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/broker/llmbroker/internal/broker"
	"github.com/broker/llmbroker/internal/brokererrors"
)

const (
	defaultAnalyzeProvider = "mistral"
	defaultAnalyzeModel    = "magistral-small-2509"
	defaultAnalyzePrompt   = "Analyze this image and describe what you see."
)

type askRequest struct {
	History []broker.Message `json:"history"`
	Model   any              `json:"model"`
}

type askResponse struct {
	Response  string                    `json:"response"`
	Provider  string                    `json:"provider"`
	Model     string                    `json:"model"`
	Providers map[string]providerStatus `json:"providers"`
}

type providerStatus struct {
	TotalQueueLength int `json:"totalQueueLength"`
}

// handleAsk implements POST /ask.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, brokererrors.Wrap(brokererrors.TypeInvalidRequest, "decoding request body", err))
		return
	}
	if len(req.History) == 0 {
		writeError(w, brokererrors.New(brokererrors.TypeInvalidRequest, "history must not be empty"))
		return
	}
	if err := validateRoles(req.History); err != nil {
		writeError(w, err)
		return
	}

	candidates, err := broker.ParseCandidates(req.Model, s.defaultProvider)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.router.Dispatch(candidates, historyText(req.History), func(client broker.Client, target broker.Candidate) (any, error) {
		return client.Ask(target.Model, req.History)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	text, _ := result.Value.(string)
	writeJSON(w, http.StatusOK, askResponse{
		Response:  text,
		Provider:  result.Provider,
		Model:     result.Model,
		Providers: s.providerStatuses(),
	})
}

type analyzeRequest struct {
	Image  string `json:"image"`
	Prompt string `json:"prompt"`
	Model  any    `json:"model"`
}

type analyzeResponse struct {
	Analysis  string                    `json:"analysis"`
	Provider  string                    `json:"provider"`
	Model     string                    `json:"model"`
	Providers map[string]providerStatus `json:"providers"`
}

// handleAnalyzeImage implements POST /analyze-image.
func (s *Server) handleAnalyzeImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, brokererrors.Wrap(brokererrors.TypeInvalidRequest, "decoding request body", err))
		return
	}
	if req.Image == "" {
		writeError(w, brokererrors.New(brokererrors.TypeInvalidRequest, "image is required"))
		return
	}

	image, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		writeError(w, brokererrors.Wrap(brokererrors.TypeInvalidRequest, "decoding base64 image", err))
		return
	}

	prompt := req.Prompt
	if prompt == "" {
		prompt = defaultAnalyzePrompt
	}

	model := req.Model
	if model == nil {
		model = map[string]any{"provider": defaultAnalyzeProvider, "model": defaultAnalyzeModel}
	}
	candidates, err := broker.ParseCandidates(model, s.defaultProvider)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.router.Dispatch(candidates, prompt, func(client broker.Client, target broker.Candidate) (any, error) {
		return client.AnalyzeImage(target.Model, image, prompt)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	text, _ := result.Value.(string)
	writeJSON(w, http.StatusOK, analyzeResponse{
		Analysis:  text,
		Provider:  result.Provider,
		Model:     result.Model,
		Providers: s.providerStatuses(),
	})
}

func (s *Server) providerStatuses() map[string]providerStatus {
	out := make(map[string]providerStatus)
	for _, p := range s.router.Providers() {
		total := 0
		for _, q := range s.router.QueuersFor(p) {
			total += q.QueueLength()
		}
		out[p] = providerStatus{TotalQueueLength: total}
	}
	return out
}

var validRoles = map[string]bool{"user": true, "assistant": true, "system": true}

// validateRoles rejects any history entry whose role is not one of
// user/assistant/system.
func validateRoles(history []broker.Message) error {
	for _, m := range history {
		if !validRoles[m.Role] {
			return brokererrors.New(brokererrors.TypeInvalidRequest, "unknown role: "+m.Role)
		}
	}
	return nil
}

func historyText(history []broker.Message) string {
	var b strings.Builder
	for _, m := range history {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}
