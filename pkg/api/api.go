// Package api is the small REST facade for operators: health, cache
// lookups, stats and Prometheus metrics.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamcatchered/dreamDownloader/pkg/logger"
	"github.com/dreamcatchered/dreamDownloader/pkg/store"
)

// Server wraps the HTTP facade.
type Server struct {
	store *store.Store
	http  *http.Server
}

func New(addr string, s *store.Store) *Server {
	srv := &Server{store: s}

	r := mux.NewRouter()
	r.HandleFunc("/health", srv.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/cache", srv.handleCacheByURL).Methods(http.MethodGet)
	r.HandleFunc("/api/cache/{id:[0-9]+}", srv.handleCacheByID).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", srv.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	srv.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return srv
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves until the listener fails; run it on its own goroutine.
func (s *Server) Start() {
	logger.InfoCF("api", "REST facade listening", map[string]any{"addr": s.http.Addr})
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.ErrorCF("api", "REST facade stopped", map[string]any{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type cacheResponse struct {
	TransportIDs []string        `json:"transport_ids"`
	MediaKind    store.MediaKind `json:"media_kind"`
}

func (s *Server) handleCacheByURL(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url parameter required"})
		return
	}

	ids, kind, ok, err := s.store.GetCache(url)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not cached"})
		return
	}
	writeJSON(w, http.StatusOK, cacheResponse{TransportIDs: ids, MediaKind: kind})
}

func (s *Server) handleCacheByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad id"})
		return
	}

	ids, kind, ok, err := s.store.GetCacheByID(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not cached"})
		return
	}
	writeJSON(w, http.StatusOK, cacheResponse{TransportIDs: ids, MediaKind: kind})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	cacheRows, userRows, trRows, err := s.store.CacheStats()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"cached_files":   cacheRows,
		"users":          userRows,
		"transcriptions": trRows,
	})
}
