package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWav(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voice.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFFfakewav"), 0o644))
	return path
}

func TestTranscribe(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, r.ParseMultipartForm(1<<20))
		_, _, err := r.FormFile("file")
		require.NoError(t, err)
		assert.NotEmpty(t, r.FormValue("model"))
		json.NewEncoder(w).Encode(map[string]string{"text": "  привет мир  "})
	}))
	defer srv.Close()

	s := NewSpeech(srv.URL, "secret-token")
	text, err := s.Transcribe(context.Background(), writeWav(t))
	require.NoError(t, err)
	assert.Equal(t, "привет мир", text)
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestTranscribeNotRecognized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"text": "Речь не распознана"})
	}))
	defer srv.Close()

	s := NewSpeech(srv.URL, "")
	text, err := s.Transcribe(context.Background(), writeWav(t))
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestTranscribeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewSpeech(srv.URL, "")
	_, err := s.Transcribe(context.Background(), writeWav(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestIsNotRecognized(t *testing.T) {
	assert.True(t, isNotRecognized(""))
	assert.True(t, isNotRecognized("Не распознано"))
	assert.True(t, isNotRecognized("no speech detected"))
	assert.False(t, isNotRecognized("обычный текст"))
}

func TestCleanModelOutput(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "think block stripped",
			in:   "<think>рассуждения модели</think>Краткая выжимка.",
			want: "Краткая выжимка.",
		},
		{
			name: "multiline think block",
			in:   "<think>\nline1\nline2\n</think>\n\nИтог.",
			want: "Итог.",
		},
		{
			name: "stray tags removed",
			in:   "<answer>Суть сообщения</answer>",
			want: "Суть сообщения",
		},
		{
			name: "plain text untouched",
			in:   "Просто текст без разметки",
			want: "Просто текст без разметки",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanModelOutput(tt.in))
		})
	}
}
