package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamcatchered/dreamDownloader/pkg/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(":0", s), s
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := get(t, srv, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCacheByURL(t *testing.T) {
	srv, s := newTestServer(t)
	_, err := s.SaveCache("https://youtu.be/abc", []string{"fid-1"}, store.KindVideo, 1)
	require.NoError(t, err)

	rec := get(t, srv, "/api/cache?url=https://youtu.be/abc")
	require.Equal(t, http.StatusOK, rec.Code)

	var got cacheResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []string{"fid-1"}, got.TransportIDs)
	assert.Equal(t, store.KindVideo, got.MediaKind)

	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/cache?url=https://youtu.be/none").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/cache").Code)
}

func TestCacheByID(t *testing.T) {
	srv, s := newTestServer(t)
	id, err := s.SaveCache("https://youtu.be/xyz", []string{"a", "b"}, store.KindPhoto, 1)
	require.NoError(t, err)

	rec := get(t, srv, "/api/cache/"+strconv.FormatInt(id, 10))
	require.Equal(t, http.StatusOK, rec.Code)

	var got cacheResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []string{"a", "b"}, got.TransportIDs)
	assert.Equal(t, store.KindCarousel, got.MediaKind)

	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/cache/999999").Code)
}

func TestStats(t *testing.T) {
	srv, s := newTestServer(t)
	_, err := s.SaveCache("https://youtu.be/1", []string{"x"}, store.KindVideo, 1)
	require.NoError(t, err)
	require.NoError(t, s.UpsertUser(store.User{TransportID: 5}))

	rec := get(t, srv, "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(1), got["cached_files"])
	assert.Equal(t, int64(1), got["users"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := get(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
