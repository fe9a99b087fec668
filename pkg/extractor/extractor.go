// Package extractor fetches media from the supported platforms by driving
// yt-dlp and gallery-dl. Each platform gets its own strategy ladder; rungs
// escalate from anonymous access to cookie-backed access, and video tools
// fall back to the image tool where a link turns out to be a photo post.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamcatchered/dreamDownloader/pkg/logger"
)

// ContentKind is the pre-download guess at what a link holds. The final
// classification happens on the downloaded bytes; this only picks the
// opening strategy.
type ContentKind string

const (
	KindPhoto ContentKind = "photo"
	KindVideo ContentKind = "video"
	KindAudio ContentKind = "audio"
)

// Artifact floor and salvage thresholds. Files below minArtifactBytes are
// tool debris; partial files above salvageMinBytes are still worth sending
// when the tool ran out of time.
const (
	minArtifactBytes = 10 * 1024
	salvageMinBytes  = 100 * 1024
)

// ErrNoFiles means the tool exited cleanly but left nothing worth
// sending in the task directory.
var ErrNoFiles = errors.New("no usable files after download")

const mobileUserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"

// youtubeFormat caps resolution at 1080p and prefers progressive streams,
// which skip the merge step.
const youtubeFormat = "best[height<=1080][ext=mp4]/bestvideo[height<=1080]+bestaudio/best[height<=1080]/best"

// audioArgs turn the tool into a music downloader: extract to mp3 at a
// fixed bitrate and pull the cover art down next to the track.
var audioArgs = []string{"-x", "--audio-format", "mp3", "--audio-quality", "192K", "--write-thumbnail"}

// TrackMeta describes a music track pulled from its platform metadata.
type TrackMeta struct {
	Title    string `json:"title"`
	Uploader string `json:"uploader"`
}

// Result is one successful extraction.
type Result struct {
	TaskDir string
	Files   []string
	Hint    ContentKind

	// Audio extras, populated for music platforms only.
	Track     *TrackMeta
	CoverPath string
}

// Extractor owns the task-directory root and the external tool invocations.
type Extractor struct {
	downloadsDir string
	cookiesDir   string
	proxy        string

	// yt-dlp's generic path misbehaves when run concurrently against the
	// same host; the platform-specific rungs do not need this.
	generalMu sync.Mutex
}

func New(downloadsDir, cookiesDir, proxy string) *Extractor {
	return &Extractor{
		downloadsDir: downloadsDir,
		cookiesDir:   cookiesDir,
		proxy:        proxy,
	}
}

// KindForURL guesses content kind from the URL shape.
func KindForURL(url string) ContentKind {
	lowered := strings.ToLower(url)
	switch {
	case strings.Contains(lowered, "soundcloud.com"):
		return KindAudio
	case strings.Contains(lowered, "youtube.com"), strings.Contains(lowered, "youtu.be"):
		return KindVideo
	case strings.Contains(lowered, "instagram.com"):
		if strings.Contains(lowered, "/reel") || strings.Contains(lowered, "/tv/") {
			return KindVideo
		}
		if strings.Contains(lowered, "/p/") {
			return KindPhoto
		}
		return KindVideo
	case strings.Contains(lowered, "tiktok.com"):
		if strings.Contains(lowered, "/photo/") {
			return KindPhoto
		}
		return KindVideo
	default:
		return KindVideo
	}
}

// Fetch downloads a URL into a fresh task directory and returns the usable
// artifacts. The caller owns the directory afterwards, including on error.
func (e *Extractor) Fetch(ctx context.Context, url string) (*Result, error) {
	taskDir := filepath.Join(e.downloadsDir, uuid.New().String())
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return nil, fmt.Errorf("create task dir: %w", err)
	}

	hint := KindForURL(url)
	logger.InfoCF("extractor", "Starting download", map[string]any{
		"url":  url,
		"hint": string(hint),
		"dir":  taskDir,
	})

	var err error
	switch {
	case hint == KindPhoto:
		err = e.fetchPhoto(ctx, taskDir, url)
	case hint == KindAudio:
		err = e.fetchAudio(ctx, taskDir, url)
	case strings.Contains(strings.ToLower(url), "youtube.com"),
		strings.Contains(strings.ToLower(url), "youtu.be"):
		err = e.fetchYouTube(ctx, taskDir, url)
	case strings.Contains(strings.ToLower(url), "instagram.com"):
		err = e.fetchInstagram(ctx, taskDir, url)
	default:
		err = e.fetchGeneral(ctx, taskDir, url)
	}
	if err != nil {
		return nil, err
	}

	files, err := usableArtifacts(taskDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, &Error{
			Code:  CodeNoFormats,
			Stage: "post-filter",
			Err:   fmt.Errorf("%w: %s", ErrNoFiles, url),
		}
	}

	res := &Result{TaskDir: taskDir, Files: files, Hint: hint}
	if hint == KindAudio {
		finalizeAudio(res)
	}

	logger.InfoCF("extractor", "Download finished", map[string]any{
		"url":   url,
		"files": len(res.Files),
	})
	return res, nil
}

// fetchPhoto runs the image tool first and falls back to the video tool,
// which handles the odd photo post with an embedded clip.
func (e *Extractor) fetchPhoto(ctx context.Context, dir, url string) error {
	if err := e.runGalleryDL(ctx, dir, url); err == nil {
		return nil
	} else {
		logger.WarnCF("extractor", "gallery-dl failed, retrying with yt-dlp", map[string]any{
			"url":   url,
			"error": err.Error(),
		})
	}
	return e.runYtdlp(ctx, dir, url, nil)
}

// fetchYouTube tries anonymously with the resolution cap, then once more
// with cookies when the bot wall comes up.
func (e *Extractor) fetchYouTube(ctx context.Context, dir, url string) error {
	args := []string{"-f", youtubeFormat}
	err := e.runYtdlp(ctx, dir, url, args)
	if err == nil {
		return nil
	}

	var xerr *Error
	if errors.As(err, &xerr) && xerr.Code == CodeBotDetected {
		if cookies := e.cookieFileFor(url); cookies != "" {
			logger.InfoCF("extractor", "Bot wall hit, retrying with cookies", map[string]any{"url": url})
			return e.runYtdlp(ctx, dir, url, append(args, "--cookies", cookies))
		}
	}
	return err
}

// fetchInstagram starts without cookies behind a mobile user agent, which
// dodges most login walls; credential-looking failures retry with cookies,
// and anything else gets one plain attempt.
func (e *Extractor) fetchInstagram(ctx context.Context, dir, url string) error {
	err := e.runYtdlp(ctx, dir, url, []string{"--user-agent", mobileUserAgent})
	if err == nil {
		return nil
	}

	var xerr *Error
	if errors.As(err, &xerr) && xerr.Code == CodeAuthRequired {
		if cookies := e.cookieFileFor(url); cookies != "" {
			logger.InfoCF("extractor", "Auth wall hit, retrying with cookies", map[string]any{"url": url})
			if retryErr := e.runYtdlp(ctx, dir, url, []string{"--cookies", cookies}); retryErr == nil {
				return nil
			}
		}
	}
	return e.runYtdlp(ctx, dir, url, nil)
}

// fetchAudio is the music rung. It shares the general path's serialization
// and asks the tool for the mp3 conversion and the cover download.
func (e *Extractor) fetchAudio(ctx context.Context, dir, url string) error {
	e.generalMu.Lock()
	defer e.generalMu.Unlock()

	return e.runYtdlp(ctx, dir, url, audioArgs)
}

// fetchGeneral is the serialized catch-all rung: yt-dlp first, image tool
// when the error says there is nothing video-shaped there. tiktok links
// always get the fallback since photo posts surface as format errors.
func (e *Extractor) fetchGeneral(ctx context.Context, dir, url string) error {
	e.generalMu.Lock()
	defer e.generalMu.Unlock()

	err := e.runYtdlp(ctx, dir, url, nil)
	if err == nil {
		return nil
	}

	isTiktok := strings.Contains(strings.ToLower(url), "tiktok.com")
	var xerr *Error
	if errors.As(err, &xerr) && (isTiktok || needsGalleryFallback(xerr.Stderr)) {
		logger.InfoCF("extractor", "Falling back to gallery-dl", map[string]any{
			"url":  url,
			"code": string(xerr.Code),
		})
		if gerr := e.runGalleryDL(ctx, dir, url); gerr == nil {
			return nil
		}
	}
	return err
}

func (e *Extractor) ytdlpArgs(dir, url string, extra []string) []string {
	args := []string{
		"--no-playlist",
		"--no-warnings",
		"--write-info-json",
		"-o", filepath.Join(dir, "%(title).80s.%(ext)s"),
	}
	if e.proxy != "" {
		args = append(args, "--proxy", e.proxy)
	}
	args = append(args, extra...)
	return append(args, url)
}

func (e *Extractor) galleryDLArgs(dir, url string) []string {
	args := []string{"-D", dir}
	if e.proxy != "" {
		args = append(args, "--proxy", e.proxy)
	}
	if cookies := e.cookieFileFor(url); cookies != "" {
		args = append(args, "--cookies", cookies)
	}
	return append(args, url)
}

func (e *Extractor) runYtdlp(ctx context.Context, dir, url string, extra []string) error {
	return e.runTool(ctx, dir, "yt-dlp", e.ytdlpArgs(dir, url, extra))
}

func (e *Extractor) runGalleryDL(ctx context.Context, dir, url string) error {
	return e.runTool(ctx, dir, "gallery-dl", e.galleryDLArgs(dir, url))
}

func (e *Extractor) runTool(ctx context.Context, dir, tool string, args []string) error {
	cmd := exec.CommandContext(ctx, tool, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if err == nil {
		return nil
	}

	out := stderr.String()
	if ctx.Err() == context.DeadlineExceeded {
		// A timed-out download may still have produced a sendable file.
		if salvaged := salvageable(dir); len(salvaged) > 0 {
			logger.WarnCF("extractor", "Timed out but salvaged partial result", map[string]any{
				"tool":    tool,
				"files":   len(salvaged),
				"elapsed": time.Since(start).String(),
			})
			return nil
		}
		return &Error{Code: CodeTimeout, Stage: tool, Stderr: out,
			Err: fmt.Errorf("%s timed out", tool)}
	}

	code := Classify(out)
	logger.WarnCF("extractor", "Tool failed", map[string]any{
		"tool": tool,
		"code": string(code),
	})
	return &Error{Code: code, Stage: tool, Stderr: out,
		Err: fmt.Errorf("%s: %w", tool, err)}
}

// salvageable lists complete-enough files left behind by a timed-out tool.
func salvageable(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() || isToolDebris(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Size() < salvageMinBytes {
			continue
		}
		out = append(out, filepath.Join(dir, entry.Name()))
	}
	return out
}

func isToolDebris(name string) bool {
	lowered := strings.ToLower(name)
	return strings.HasSuffix(lowered, ".part") ||
		strings.HasSuffix(lowered, ".ytdl") ||
		strings.HasSuffix(lowered, ".tmp") ||
		strings.HasSuffix(lowered, ".info.json")
}

// usableArtifacts filters the task directory down to real media files.
func usableArtifacts(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if isToolDebris(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() < minArtifactBytes {
			return nil
		}
		out = append(out, path)
		return nil
	})
	return out, err
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".gif": true,
}

// finalizeAudio splits a music download into track and cover art, reads the
// platform metadata and renames the track to "artist - title". A metadata
// sidecar is written next to the track so the reuse path keeps the names.
func finalizeAudio(res *Result) {
	var audio string
	var rest []string
	for _, f := range res.Files {
		ext := strings.ToLower(filepath.Ext(f))
		switch {
		case imageExtensions[ext]:
			if res.CoverPath == "" {
				res.CoverPath = f
			}
		default:
			if audio == "" {
				audio = f
			} else {
				rest = append(rest, f)
			}
		}
	}
	if audio == "" {
		return
	}

	meta := readTrackMeta(res.TaskDir)
	if meta == nil {
		meta = loadMetaSidecar(res.TaskDir)
	}
	if meta != nil && meta.Title != "" {
		renamed := renameTrack(audio, meta)
		if renamed != "" {
			audio = renamed
		}
		writeMetaSidecar(res.TaskDir, meta)
		res.Track = meta
	}

	res.Files = append([]string{audio}, rest...)
}

// readTrackMeta pulls title and uploader from the tool's info.json.
func readTrackMeta(dir string) *TrackMeta {
	matches, _ := filepath.Glob(filepath.Join(dir, "*.info.json"))
	if len(matches) == 0 {
		return nil
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		return nil
	}
	var meta TrackMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil
	}
	if meta.Title == "" {
		return nil
	}
	return &meta
}

const metaSidecarName = "metadata.json"

func writeMetaSidecar(dir string, meta *TrackMeta) {
	data, err := json.Marshal(meta)
	if err != nil {
		return
	}
	os.WriteFile(filepath.Join(dir, metaSidecarName), data, 0o644)
}

func loadMetaSidecar(dir string) *TrackMeta {
	data, err := os.ReadFile(filepath.Join(dir, metaSidecarName))
	if err != nil {
		return nil
	}
	var meta TrackMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil
	}
	return &meta
}

// LoadTrackMeta exposes the sidecar for the on-disk reuse path.
func LoadTrackMeta(taskDir string) *TrackMeta {
	return loadMetaSidecar(taskDir)
}

func renameTrack(path string, meta *TrackMeta) string {
	name := meta.Title
	if meta.Uploader != "" {
		name = meta.Uploader + " - " + meta.Title
	}
	name = sanitizeFilename(name) + filepath.Ext(path)
	dst := filepath.Join(filepath.Dir(path), name)
	if dst == path {
		return path
	}
	if err := os.Rename(path, dst); err != nil {
		return ""
	}
	return dst
}

func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_",
		"?", "_", `"`, "_", "<", "_", ">", "_", "|", "_",
	)
	out := strings.TrimSpace(replacer.Replace(name))
	if len(out) > 120 {
		out = out[:120]
	}
	return out
}
