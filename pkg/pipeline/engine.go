// Package pipeline drives a URL from message to delivered media: cache
// lookup, single-flight download, transcoding to transport constraints,
// upload and cache write-back. One Engine instance serves every chat.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dreamcatchered/dreamDownloader/pkg/extractor"
	"github.com/dreamcatchered/dreamDownloader/pkg/flight"
	"github.com/dreamcatchered/dreamDownloader/pkg/gate"
	"github.com/dreamcatchered/dreamDownloader/pkg/logger"
	"github.com/dreamcatchered/dreamDownloader/pkg/media"
	"github.com/dreamcatchered/dreamDownloader/pkg/metrics"
	"github.com/dreamcatchered/dreamDownloader/pkg/store"
	"github.com/dreamcatchered/dreamDownloader/pkg/urlx"
)

// Pipeline deadlines. Message-path joiners wait the full window; the
// inline path has its own 10 s shield in the bot layer.
const (
	DownloadTimeout = 600 * time.Second
	JoinWaitTimeout = 300 * time.Second
	OnDiskTTL       = 24 * time.Hour
)

// ErrTooLarge means even compression could not fit the transport's hard
// 50 MB ceiling; the file is discarded.
var ErrTooLarge = errors.New("file exceeds the 50 MB transport limit even after compression")

// Request is one URL asked for by one chat.
type Request struct {
	ChatID int64
	UserID int64
	RawURL string
}

// Engine owns the download pipeline. It collapses concurrent duplicates,
// enforces the stage gates and keeps the cache coherent.
type Engine struct {
	store     *store.Store
	registry  *flight.Registry
	gates     *gate.Gates
	extractor *extractor.Extractor
	transport Transport

	botName       string
	cleanupUpload bool

	// Retry pacing for timed-out sends; shortened in tests.
	retryBackoff []time.Duration
}

// Config carries the engine's collaborators and knobs.
type Config struct {
	Store     *store.Store
	Registry  *flight.Registry
	Gates     *gate.Gates
	Extractor *extractor.Extractor
	Transport Transport

	BotName string
	// CleanupAfterUpload removes files right after a successful upload.
	// When false they are kept for OnDiskTTL and reused.
	CleanupAfterUpload bool
}

func New(cfg Config) *Engine {
	return &Engine{
		store:         cfg.Store,
		registry:      cfg.Registry,
		gates:         cfg.Gates,
		extractor:     cfg.Extractor,
		transport:     cfg.Transport,
		botName:       cfg.BotName,
		cleanupUpload: cfg.CleanupAfterUpload,
		retryBackoff:  []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second},
	}
}

// Registry exposes the in-flight registry so the sweeper can tell idle
// from busy.
func (e *Engine) Registry() *flight.Registry {
	return e.registry
}

// Canonical resolves a raw link to its cache key, expanding short links
// first.
func (e *Engine) Canonical(raw string) string {
	return urlx.Canonicalize(urlx.ExpandShort(raw))
}

// caption builds the reply caption. Cache hits get the lightning marker.
func (e *Engine) caption(url string, cached bool) string {
	prefix := "@" + e.botName
	if cached {
		prefix = "⚡ " + prefix
	}
	return prefix + "\n🔗 " + url
}

// ProcessURL serves one request end to end. Concurrent requests for the
// same canonical URL share a single download; joiners wait up to
// JoinWaitTimeout and then get ErrDeferred while the leader finishes.
func (e *Engine) ProcessURL(ctx context.Context, req Request) error {
	canonical := e.Canonical(req.RawURL)

	ids, kind, hit, err := e.store.GetCache(canonical)
	if err != nil {
		return err
	}
	if hit {
		metrics.CacheHits.Inc()
		logger.InfoCF("pipeline", "Cache hit", map[string]any{"url": canonical})
		return e.sendCached(ctx, req.ChatID, canonical, ids, kind)
	}
	metrics.CacheMisses.Inc()

	call, leader := e.registry.Claim(canonical)
	if !leader {
		logger.InfoCF("pipeline", "Joining in-flight download", map[string]any{"url": canonical})
		waitCtx, cancel := context.WithTimeout(ctx, JoinWaitTimeout)
		defer cancel()
		res, err := call.Wait(waitCtx)
		if err != nil {
			return err
		}
		return e.sendCached(ctx, req.ChatID, canonical, res.TransportIDs, res.Kind)
	}

	res, err := e.lead(ctx, req, canonical)
	e.registry.Fulfill(canonical, call, res, err)
	return err
}

// lead runs the leader's side: obtain files (disk reuse or download),
// transcode, upload, persist.
func (e *Engine) lead(ctx context.Context, req Request, canonical string) (flight.Result, error) {
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	files, taskDir, track, cover, reused, err := e.obtainFiles(ctx, canonical)
	if err != nil {
		metrics.Downloads.WithLabelValues(failureOutcome(err)).Inc()
		return flight.Result{}, err
	}
	metrics.Downloads.WithLabelValues("ok").Inc()

	prepared, err := e.prepare(ctx, files, cover)
	if err != nil {
		return flight.Result{}, err
	}

	up, err := e.upload(ctx, req.ChatID, canonical, prepared, track)
	if err != nil {
		return flight.Result{}, err
	}

	cacheID, err := e.persist(canonical, req.UserID, up, prepared, taskDir, reused)
	if err != nil {
		logger.ErrorCF("pipeline", "Cache write failed after upload", map[string]any{
			"url":   canonical,
			"error": err.Error(),
		})
	}

	menuWorthy := up.kind == store.KindVideo || up.kind == store.KindAudio
	if menuWorthy && up.menuMessageID != 0 && cacheID != 0 {
		if err := e.transport.AttachActionMenu(ctx, req.ChatID, up.menuMessageID, cacheID); err != nil {
			logger.WarnCF("pipeline", "Action menu attach failed", map[string]any{"error": err.Error()})
		}
	}

	return flight.Result{TransportIDs: up.fileIDs, Kind: up.kind, CacheID: cacheID}, nil
}

func failureOutcome(err error) string {
	var xerr *extractor.Error
	if errors.As(err, &xerr) {
		return string(xerr.Code)
	}
	return "error"
}

// obtainFiles returns the artifacts for a URL, reusing a live on-disk
// download when one exists, otherwise downloading under the gate.
func (e *Engine) obtainFiles(ctx context.Context, canonical string) (files []string, taskDir string, track *extractor.TrackMeta, cover string, reused bool, err error) {
	if rec, derr := e.store.GetDownloadedFile(canonical); derr == nil && rec != nil {
		logger.InfoCF("pipeline", "Reusing on-disk download", map[string]any{
			"url":  canonical,
			"path": rec.FilePath,
		})
		return []string{rec.FilePath}, rec.TaskDir, extractor.LoadTrackMeta(rec.TaskDir), "", true, nil
	}

	var res *extractor.Result
	err = e.gates.Download(ctx, func() error {
		dlCtx, cancel := context.WithTimeout(ctx, DownloadTimeout)
		defer cancel()
		var ferr error
		res, ferr = e.extractor.Fetch(dlCtx, canonical)
		return ferr
	})
	if err != nil {
		return nil, "", nil, "", false, err
	}

	files = res.Files
	if res.CoverPath != "" {
		// Cover art travels next to the track but never enters the cache
		// row; it is delivered as a standalone photo.
		files = append(files, res.CoverPath)
	}
	return files, res.TaskDir, res.Track, res.CoverPath, false, nil
}

// preparedArtifact is one file after transcoding, ready to upload.
type preparedArtifact struct {
	path    string
	class   artifactClass
	meta    VideoMeta
	isCover bool
}

// prepare probes and transcodes every artifact to transport constraints.
func (e *Engine) prepare(ctx context.Context, files []string, cover string) ([]preparedArtifact, error) {
	out := make([]preparedArtifact, 0, len(files))
	for _, f := range files {
		class := classifyArtifact(f)
		art := preparedArtifact{path: f, class: class, isCover: cover != "" && f == cover}
		if class == classVideo {
			path, err := e.prepareVideo(ctx, f)
			if err != nil {
				return nil, err
			}
			art.path = path
			// Re-probe the final artifact; transcoding may have changed
			// the dimensions.
			if info, perr := media.Probe(ctx, path); perr == nil {
				art.meta.Width = info.Width
				art.meta.Height = info.Height
				art.meta.Duration = int(info.Duration + 0.5)
			}
			art.meta.ThumbPath = e.makeThumbnail(ctx, path)
		}
		out = append(out, art)
	}
	return out, nil
}

// prepareVideo re-encodes when needed and compresses when still over the
// cap. The returned path may differ from the input.
func (e *Engine) prepareVideo(ctx context.Context, path string) (string, error) {
	st, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat artifact: %w", err)
	}

	info, probeErr := media.Probe(ctx, path)
	if probeErr != nil {
		logger.WarnCF("pipeline", "Probe failed, re-encoding conservatively", map[string]any{
			"path":  path,
			"error": probeErr.Error(),
		})
	}

	current := path
	if media.NeedsTransportOptimization(info, st.Size()) {
		optimized := current + ".opt.mp4"
		err := e.gates.Optimization(ctx, func() error {
			return media.Optimize(ctx, current, optimized)
		})
		if err != nil {
			return "", err
		}
		os.Remove(current)
		current = optimized
	}

	st, err = os.Stat(current)
	if err != nil {
		return "", fmt.Errorf("stat optimized artifact: %w", err)
	}
	if needsCompression(st.Size()) {
		duration := 0.0
		if info != nil {
			duration = info.Duration
		}
		if d, err := media.Probe(ctx, current); err == nil {
			duration = d.Duration
		}
		compressed := current + ".cmp.mp4"
		err := e.gates.Optimization(ctx, func() error {
			return media.Compress(ctx, current, compressed, duration)
		})
		if err != nil {
			return "", err
		}
		os.Remove(current)
		current = compressed

		st, err = os.Stat(current)
		if err != nil {
			return "", fmt.Errorf("stat compressed artifact: %w", err)
		}
		if st.Size() > media.TransportLimitBytes {
			os.Remove(current)
			return "", ErrTooLarge
		}
	}
	return current, nil
}

// needsCompression keeps a safety margin below the transport ceiling: a
// file over 48 MB is squeezed toward the 49 MB target before upload.
func needsCompression(size int64) bool {
	return size > media.OptimizeThresholdBytes
}

// makeThumbnail is best-effort; uploads proceed without one.
func (e *Engine) makeThumbnail(ctx context.Context, videoPath string) string {
	thumb := videoPath + ".thumb.jpg"
	if err := media.Thumbnail(ctx, videoPath, thumb); err != nil {
		logger.DebugCF("pipeline", "Thumbnail generation failed", map[string]any{
			"path":  videoPath,
			"error": err.Error(),
		})
		return ""
	}
	return thumb
}

// persist writes the cache row and either schedules disk cleanup or
// records the files for the 24 h reuse window.
func (e *Engine) persist(canonical string, userID int64, up *uploadOutcome, prepared []preparedArtifact, taskDir string, reused bool) (int64, error) {
	var cacheID int64
	if len(up.fileIDs) > 0 {
		id, err := e.store.SaveCache(canonical, up.fileIDs, up.kind, userID)
		if err != nil {
			return 0, err
		}
		cacheID = id
	}

	if e.cleanupUpload {
		if taskDir != "" {
			os.RemoveAll(taskDir)
		}
		return cacheID, nil
	}
	if reused {
		if cacheID != 0 {
			e.store.SetDownloadedFileCacheRef(canonical, cacheID)
		}
		return cacheID, nil
	}

	for _, art := range prepared {
		if art.isCover || art.class == classDocument {
			continue
		}
		st, err := os.Stat(art.path)
		if err != nil {
			continue
		}
		rec := store.DownloadedFile{
			URL:       canonical,
			FilePath:  art.path,
			Size:      st.Size(),
			FileType:  fileExt(art.path),
			MediaKind: art.class.mediaKind(),
			TaskDir:   taskDir,
			CacheRef:  cacheID,
		}
		if err := e.store.SaveDownloadedFile(rec, OnDiskTTL); err != nil {
			logger.WarnCF("pipeline", "Failed to record downloaded file", map[string]any{
				"path":  art.path,
				"error": err.Error(),
			})
		}
		break // one record per URL, keyed by it
	}
	return cacheID, nil
}
