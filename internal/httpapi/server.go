// Package httpapi exposes the broker's request and operator surface over
// plain JSON on net/http.ServeMux: POST /ask and /analyze-image for callers,
// GET /queue/status, /usage, /models and /estimate-tokens for observers, and
// an admin-authenticated POST /admin/reload-keys.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/broker/llmbroker/internal/broker"
	"github.com/broker/llmbroker/internal/brokererrors"
	"github.com/broker/llmbroker/internal/estimator"
	"github.com/broker/llmbroker/internal/logx"
)

// Server wires the Router and estimator to the HTTP surface.
type Server struct {
	router          *broker.Router
	estimator       estimator.Estimator
	logger          *logx.Logger
	defaultProvider string

	adminUser string
	adminHash []byte
}

// NewServer creates a Server. adminPasswordHash is a bcrypt hash; an empty
// hash makes /admin/reload-keys permanently unauthorized rather than open.
// defaultProvider is the provider assumed when a request names a bare model
// string rather than a {provider, model} target.
func NewServer(router *broker.Router, est estimator.Estimator, defaultProvider, adminUser, adminPasswordHash string) *Server {
	return &Server{
		router:          router,
		estimator:       est,
		logger:          logx.NewLogger("httpapi"),
		defaultProvider: defaultProvider,
		adminUser:       adminUser,
		adminHash:       []byte(adminPasswordHash),
	}
}

// RegisterRoutes installs every endpoint on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", s.handleHealth)
	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/ask", s.handleAsk)
	mux.HandleFunc("/analyze-image", s.handleAnalyzeImage)

	mux.HandleFunc("/queue/status", s.handleQueueStatus)
	mux.HandleFunc("/usage", s.handleUsage)
	mux.HandleFunc("/models", s.handleModels)
	mux.HandleFunc("/estimate-tokens", s.handleEstimateTokens)

	mux.HandleFunc("/admin/reload-keys", s.requireAdmin(s.handleReloadKeys))
}

// requireAdmin wraps next with HTTP Basic Authentication against the
// configured admin user and bcrypt password hash.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.adminHash) == 0 {
			s.logger.Error("admin password hash not configured - denying access")
			w.Header().Set("WWW-Authenticate", `Basic realm="llmbroker admin"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		username, password, ok := r.BasicAuth()
		if !ok || username != s.adminUser || bcrypt.CompareHashAndPassword(s.adminHash, []byte(password)) != nil {
			s.logger.Warn("failed admin authentication attempt from %s", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Basic realm="llmbroker admin"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// healthResponse reports liveness plus a bounded tail of recent log activity,
// so an operator can tell the process is alive and see what it was just
// doing without a separate log-shipping setup.
type healthResponse struct {
	Status string          `json:"status"`
	Logs   []logx.LogEntry `json:"logs"`
}

const healthLogLines = 20

// handleHealth implements GET / and GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	logs := logx.GetRecentLogEntries("", time.Time{})
	if len(logs) > healthLogLines {
		logs = logs[len(logs)-healthLogLines:]
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Logs: logs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already sent; nothing left to do but note it happened.
		logx.NewLogger("httpapi").Error("failed to encode response: %v", err)
	}
}

// writeError maps a broker error's Type to an HTTP status and writes a JSON
// body of the form {"error": "..."}.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case brokererrors.Is(err, brokererrors.TypeInvalidRequest):
		status = http.StatusBadRequest
	case brokererrors.Is(err, brokererrors.TypeNoAvailableProvider):
		status = http.StatusServiceUnavailable
	case brokererrors.Is(err, brokererrors.TypeProviderFailure):
		status = http.StatusBadGateway
	case brokererrors.Is(err, brokererrors.TypePersistenceFailure):
		status = http.StatusInternalServerError
	case brokererrors.Is(err, brokererrors.TypeBootstrapFailure):
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
