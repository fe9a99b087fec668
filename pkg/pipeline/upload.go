package pipeline

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/dreamcatchered/dreamDownloader/pkg/extractor"
	"github.com/dreamcatchered/dreamDownloader/pkg/logger"
	"github.com/dreamcatchered/dreamDownloader/pkg/metrics"
	"github.com/dreamcatchered/dreamDownloader/pkg/store"
)

// Albums carry at most this many items per transport call; longer
// carousels go out in several chunks with the caption on the first.
const albumChunkSize = 10

// uploadOutcome is what a finished upload contributes to the cache.
type uploadOutcome struct {
	fileIDs       []string
	kind          store.MediaKind
	menuMessageID int
}

// upload delivers the prepared artifacts to the requesting chat and
// harvests transport file ids for the cache. Documents and cover art are
// sent but never cached.
func (e *Engine) upload(ctx context.Context, chatID int64, canonical string, prepared []preparedArtifact, track *extractor.TrackMeta) (*uploadOutcome, error) {
	caption := e.caption(canonical, false)

	var albumable, singles []preparedArtifact
	for _, art := range prepared {
		switch art.class {
		case classPhoto, classVideo:
			if art.isCover {
				singles = append(singles, art)
			} else {
				albumable = append(albumable, art)
			}
		default:
			singles = append(singles, art)
		}
	}

	out := &uploadOutcome{}
	var err error
	switch {
	case len(albumable) > 1:
		err = e.uploadAlbum(ctx, chatID, caption, albumable, out)
	case len(albumable) == 1:
		err = e.uploadSingle(ctx, chatID, caption, albumable[0], out)
	}
	if err != nil {
		return nil, err
	}

	for _, art := range singles {
		if serr := e.uploadExtra(ctx, chatID, caption, art, track, out); serr != nil {
			// Cover art is decoration; losing the track itself is a failed
			// request.
			if !art.isCover {
				return nil, serr
			}
			logger.WarnCF("pipeline", "Cover art send failed", map[string]any{
				"path":  art.path,
				"error": serr.Error(),
			})
		}
	}

	if len(out.fileIDs) == 0 && len(singles) == 0 {
		return nil, errors.New("upload produced no transport ids")
	}
	out.kind = store.CoerceKind(out.kind, len(out.fileIDs))
	metrics.Uploads.WithLabelValues(string(out.kind)).Inc()
	return out, nil
}

func (e *Engine) uploadSingle(ctx context.Context, chatID int64, caption string, art preparedArtifact, out *uploadOutcome) error {
	var sent *Sent
	err := e.sendWithRetry(func() error {
		var serr error
		switch art.class {
		case classPhoto:
			sent, serr = e.transport.SendPhoto(ctx, chatID, Source{Path: art.path}, caption)
		default:
			sent, serr = e.transport.SendVideo(ctx, chatID, Source{Path: art.path}, art.meta, caption)
		}
		return serr
	})
	if err != nil {
		return err
	}
	out.fileIDs = append(out.fileIDs, sent.FileID)
	out.kind = art.class.mediaKind()
	out.menuMessageID = sent.MessageID
	return nil
}

// uploadAlbum sends chunks of up to ten items. A failed chunk degrades to
// individual sends so one bad item cannot sink the whole carousel.
func (e *Engine) uploadAlbum(ctx context.Context, chatID int64, caption string, arts []preparedArtifact, out *uploadOutcome) error {
	out.kind = store.KindCarousel

	for start := 0; start < len(arts); start += albumChunkSize {
		end := start + albumChunkSize
		if end > len(arts) {
			end = len(arts)
		}
		chunk := arts[start:end]

		items := make([]AlbumItem, 0, len(chunk))
		for i, art := range chunk {
			item := AlbumItem{Src: Source{Path: art.path}, Kind: art.class.mediaKind()}
			if start == 0 && i == 0 {
				item.Caption = caption
			}
			items = append(items, item)
		}

		var sents []Sent
		err := e.sendWithRetry(func() error {
			var serr error
			sents, serr = e.transport.SendAlbum(ctx, chatID, items)
			return serr
		})
		if err != nil {
			logger.WarnCF("pipeline", "Album chunk failed, sending items individually", map[string]any{
				"chunk": start / albumChunkSize,
				"error": err.Error(),
			})
			for _, art := range chunk {
				single := &uploadOutcome{}
				if ierr := e.uploadSingle(ctx, chatID, "", art, single); ierr != nil {
					logger.WarnCF("pipeline", "Individual fallback failed", map[string]any{
						"path":  art.path,
						"error": ierr.Error(),
					})
					continue
				}
				out.fileIDs = append(out.fileIDs, single.fileIDs...)
			}
			continue
		}
		for _, s := range sents {
			out.fileIDs = append(out.fileIDs, s.FileID)
		}
	}

	if len(out.fileIDs) == 0 {
		return errors.New("every album item failed to send")
	}
	return nil
}

// uploadExtra delivers the non-album artifacts: audio tracks with their
// metadata, cover art as a plain photo, everything unknown as a document.
func (e *Engine) uploadExtra(ctx context.Context, chatID int64, caption string, art preparedArtifact, track *extractor.TrackMeta, out *uploadOutcome) error {
	switch {
	case art.class == classAudio:
		title, performer := "", ""
		if track != nil {
			title, performer = track.Title, track.Uploader
		}
		var sent *Sent
		err := e.sendWithRetry(func() error {
			var serr error
			sent, serr = e.transport.SendAudio(ctx, chatID, Source{Path: art.path}, caption, title, performer)
			return serr
		})
		if err != nil {
			return err
		}
		out.fileIDs = append(out.fileIDs, sent.FileID)
		if out.kind == "" {
			out.kind = store.KindAudio
		}
		out.menuMessageID = sent.MessageID
		return nil

	case art.isCover:
		// Cover art is delivered but stays out of the cache row.
		return e.sendWithRetry(func() error {
			_, serr := e.transport.SendPhoto(ctx, chatID, Source{Path: art.path}, "")
			return serr
		})

	default:
		return e.sendWithRetry(func() error {
			_, serr := e.transport.SendDocument(ctx, chatID, Source{Path: art.path}, caption)
			return serr
		})
	}
}

// sendCached replays a cache row by file id. Carousel rows go out as photo
// albums, matching how multi-item rows were recorded.
func (e *Engine) sendCached(ctx context.Context, chatID int64, canonical string, ids []string, kind store.MediaKind) error {
	caption := e.caption(canonical, true)

	if kind == store.KindCarousel || len(ids) > 1 {
		for start := 0; start < len(ids); start += albumChunkSize {
			end := start + albumChunkSize
			if end > len(ids) {
				end = len(ids)
			}
			items := make([]AlbumItem, 0, end-start)
			for i, id := range ids[start:end] {
				item := AlbumItem{Src: Source{FileID: id}, Kind: store.KindPhoto}
				if start == 0 && i == 0 {
					item.Caption = caption
				}
				items = append(items, item)
			}
			err := e.sendWithRetry(func() error {
				_, serr := e.transport.SendAlbum(ctx, chatID, items)
				return serr
			})
			if err != nil {
				logger.WarnCF("pipeline", "Cached album chunk failed, sending individually", map[string]any{
					"error": err.Error(),
				})
				for _, id := range ids[start:end] {
					e.sendWithRetry(func() error {
						_, serr := e.transport.SendPhoto(ctx, chatID, Source{FileID: id}, "")
						return serr
					})
				}
			}
		}
		return nil
	}

	if len(ids) == 0 {
		return errors.New("cache row has no transport ids")
	}
	id := ids[0]

	var sent *Sent
	err := e.sendWithRetry(func() error {
		var serr error
		switch kind {
		case store.KindPhoto:
			sent, serr = e.transport.SendPhoto(ctx, chatID, Source{FileID: id}, caption)
		case store.KindAudio:
			sent, serr = e.transport.SendAudio(ctx, chatID, Source{FileID: id}, caption, "", "")
		default:
			sent, serr = e.transport.SendVideo(ctx, chatID, Source{FileID: id}, VideoMeta{}, caption)
		}
		return serr
	})
	if err != nil {
		return err
	}

	menuWorthy := kind == store.KindVideo || kind == store.KindAudio
	if cacheID, cerr := e.store.CacheIDOf(canonical); menuWorthy && cerr == nil && cacheID != 0 && sent != nil {
		if merr := e.transport.AttachActionMenu(ctx, chatID, sent.MessageID, cacheID); merr != nil {
			logger.DebugCF("pipeline", "Action menu attach failed on cached send", map[string]any{
				"error": merr.Error(),
			})
		}
	}
	return nil
}

// sendWithRetry retries timed-out sends with growing pauses. Non-timeout
// errors surface immediately; retrying a malformed request cannot help.
func (e *Engine) sendWithRetry(fn func() error) error {
	err := fn()
	if err == nil || !isTimeout(err) {
		return err
	}

	for _, pause := range e.retryBackoff {
		logger.WarnCF("pipeline", "Send timed out, retrying", map[string]any{
			"pause": pause.String(),
		})
		time.Sleep(pause)
		if err = fn(); err == nil || !isTimeout(err) {
			return err
		}
	}
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

func fileExt(path string) string {
	return strings.ToLower(filepath.Ext(path))
}
