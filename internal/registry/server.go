package registry

import (
	"encoding/json"
	"net/http"
)

// Server exposes the registry over HTTP.
type Server struct {
	store *Store
}

// NewServer creates a new registry server.
func NewServer(store *Store) *Server {
	return &Server{store: store}
}

// HandleList returns every known source, or one when ?path= is given.
// GET /api/sources
func (s *Server) HandleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if path := r.URL.Query().Get("path"); path != "" {
		src, ok := s.store.Get(path)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "unknown source"})
			return
		}
		json.NewEncoder(w).Encode(src)
		return
	}
	json.NewEncoder(w).Encode(s.store.List())
}
