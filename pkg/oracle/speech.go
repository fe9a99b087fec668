// Package oracle holds the two remote model clients: speech recognition
// for voice messages and chat-completion summarization for transcripts.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/dreamcatchered/dreamDownloader/pkg/logger"
)

// The recognizer returns filler like this for silence and noise; such
// results are treated as empty transcripts, not errors.
var notRecognizedMarkers = []string{
	"не распознано",
	"not recognized",
	"no speech",
}

// Speech transcribes 16 kHz mono WAV audio via the remote recognizer.
// Requests are rate limited client-side so a flushed voice batch does not
// trip the provider's limits.
type Speech struct {
	url     string
	token   string
	model   string
	client  *http.Client
	limiter *rate.Limiter
}

func NewSpeech(url, token string) *Speech {
	return &Speech{
		url:    url,
		token:  token,
		model:  "whisper-large-v3",
		client: &http.Client{Timeout: 120 * time.Second},
		// 5 rps with small bursts keeps a 16-wide transcription pool
		// under most provider limits.
		limiter: rate.NewLimiter(rate.Limit(5), 8),
	}
}

// Transcribe sends a WAV file and returns the recognized text, or "" when
// the recognizer heard nothing usable.
func (s *Speech) Transcribe(ctx context.Context, wavPath string) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}

	f, err := os.Open(wavPath)
	if err != nil {
		return "", fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(wavPath))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("read wav: %w", err)
	}
	if err := writer.WriteField("model", s.model); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("speech request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("speech oracle returned %d: %s", resp.StatusCode, string(raw))
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode speech response: %w", err)
	}

	text := strings.TrimSpace(parsed.Text)
	if isNotRecognized(text) {
		logger.DebugCF("oracle", "Speech not recognized", map[string]any{"wav": wavPath})
		return "", nil
	}
	return text, nil
}

func isNotRecognized(text string) bool {
	if text == "" {
		return true
	}
	lowered := strings.ToLower(text)
	for _, marker := range notRecognizedMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
