package api

import (
	"net/http"

	"github.com/seantiz/longcall/internal/backend"
	"github.com/seantiz/longcall/internal/manager"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	manager.Stats
	Capabilities backend.Capabilities `json:"capabilities"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, statsResponse{
		Stats:        s.manager.Stats(),
		Capabilities: s.manager.Backend().Capabilities(),
	})
}
