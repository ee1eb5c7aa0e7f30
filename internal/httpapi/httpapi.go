// Package httpapi serves a read-only JSON view of the shared map.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/OCAP2/worldmap/internal/mapsync"
	"github.com/OCAP2/worldmap/pkg/core"
)

// Source is the part of the controller the API reads from.
type Source interface {
	State() mapsync.State
	Snapshot() core.MapData
}

// Service exposes map state over HTTP.
type Service struct {
	src    Source
	logger *slog.Logger
}

// New creates a Service.
func New(src Source, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{src: src, logger: logger.With("component", "httpapi")}
}

// Router returns a chi router with the API mounted.
func (s *Service) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	s.RegisterHTTP(r)
	return r
}

// RegisterHTTP mounts the endpoints on r.
func (s *Service) RegisterHTTP(r chi.Router) {
	r.Get("/healthz", s.handleHealth)
	r.Get("/api/map", s.handleMap)
	r.Get("/api/markers/{id}", s.handleMarker)
}

type stateJSON struct {
	Status string `json:"status"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func toStateJSON(st mapsync.State) stateJSON {
	out := stateJSON{Status: string(st.Status), Kind: string(st.Kind)}
	if st.Reason != nil {
		out.Reason = st.Reason.Error()
	}
	return out
}

// MapResponse is the body of GET /api/map.
type MapResponse struct {
	State stateJSON    `json:"state"`
	Data  core.MapData `json:"data"`
}

// MarkerResponse is the body of GET /api/markers/{id}.
type MarkerResponse struct {
	Marker core.LocationMarker `json:"marker"`
	Style  core.Style          `json:"style"`
}

// handleHealth answers 200 while the map is usable and 503 otherwise.
// GET /healthz
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.src.State()
	code := http.StatusOK
	if st.Status == mapsync.StatusError || st.Status == mapsync.StatusConnecting {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, toStateJSON(st))
}

// GET /api/map
func (s *Service) handleMap(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, MapResponse{
		State: toStateJSON(s.src.State()),
		Data:  s.src.Snapshot(),
	})
}

// GET /api/markers/{id}
func (s *Service) handleMarker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, ok := s.src.Snapshot().Marker(id)
	if !ok {
		http.Error(w, "Marker not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, MarkerResponse{Marker: m, Style: core.MarkerStyle(m.Type)})
}

func (s *Service) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
