package httpapi

import (
	"net/http"

	"github.com/broker/llmbroker/internal/brokererrors"
)

// handleReloadKeys implements POST /admin/reload-keys?provider=<name>|all.
func (s *Server) handleReloadKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	provider := r.URL.Query().Get("provider")
	if provider == "" {
		writeError(w, brokererrors.New(brokererrors.TypeInvalidRequest, "provider query parameter is required"))
		return
	}

	if err := s.router.ReloadProvider(provider); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"provider": provider, "status": "reloaded"})
}
