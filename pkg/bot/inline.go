package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/mymmrac/telego"

	"github.com/dreamcatchered/dreamDownloader/pkg/logger"
	"github.com/dreamcatchered/dreamDownloader/pkg/pipeline"
	"github.com/dreamcatchered/dreamDownloader/pkg/store"
	"github.com/dreamcatchered/dreamDownloader/pkg/urlx"
)

// inlineDeadline is how long an inline query may wait for a fresh
// download before answering empty. The download itself keeps running on a
// background context; the deadline only shields the inline answer.
const inlineDeadline = 10 * time.Second

func (b *Bot) handleInline(ctx context.Context, q *telego.InlineQuery) {
	url := firstSupportedURL(q.Query)
	if url == "" {
		b.answerInline(ctx, q.ID, nil)
		return
	}
	canonical := b.engine.Canonical(url)

	ids, kind, hit, err := b.store.GetCache(canonical)
	if err == nil && hit {
		b.answerInline(ctx, q.ID, cachedInlineResults(ids, kind))
		return
	}

	// Fresh link: kick off (or join) the download on a background
	// context and deliver to the user's private chat when it lands.
	if b.inlineSent.MarkIfNew(q.From.ID, canonical) {
		userID := q.From.ID
		go func() {
			err := b.engine.ProcessURL(context.Background(), pipeline.Request{
				ChatID: userID,
				UserID: userID,
				RawURL: canonical,
			})
			if err != nil {
				b.inlineSent.Forget(userID, canonical)
				logger.WarnCF("bot", "Inline background download failed", map[string]any{
					"url":   canonical,
					"error": err.Error(),
				})
			}
		}()
	}

	// Poll the cache for a quick finish; slow downloads answer empty and
	// arrive via the side channel.
	deadline := time.Now().Add(inlineDeadline)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
		if ids, kind, hit, err := b.store.GetCache(canonical); err == nil && hit {
			b.answerInline(ctx, q.ID, cachedInlineResults(ids, kind))
			return
		}
	}
	b.answerInline(ctx, q.ID, nil)
}

// firstSupportedURL picks the link an inline query is about.
func firstSupportedURL(query string) string {
	for _, raw := range urlx.ExtractURLs(query) {
		if urlx.IsSupported(raw) {
			return raw
		}
	}
	return ""
}

// cachedInlineResults renders a cache row as inline answers. Carousels
// expose each item; everything is served by file id, so answering costs
// no uploads.
func cachedInlineResults(ids []string, kind store.MediaKind) []telego.InlineQueryResult {
	var out []telego.InlineQueryResult
	for i, id := range ids {
		resultID := fmt.Sprintf("r%d", i)
		switch kind {
		case store.KindAudio:
			out = append(out, &telego.InlineQueryResultCachedAudio{
				Type:        telego.ResultTypeAudio,
				ID:          resultID,
				AudioFileID: id,
			})
		case store.KindVideo:
			out = append(out, &telego.InlineQueryResultCachedVideo{
				Type:        telego.ResultTypeVideo,
				ID:          resultID,
				VideoFileID: id,
				Title:       "Видео",
			})
		default:
			out = append(out, &telego.InlineQueryResultCachedPhoto{
				Type:        telego.ResultTypePhoto,
				ID:          resultID,
				PhotoFileID: id,
			})
		}
		if len(out) == 10 {
			break
		}
	}
	return out
}

func (b *Bot) answerInline(ctx context.Context, queryID string, results []telego.InlineQueryResult) {
	err := b.client.Bot().AnswerInlineQuery(ctx, &telego.AnswerInlineQueryParams{
		InlineQueryID: queryID,
		Results:       results,
		CacheTime:     1,
	})
	if err != nil {
		logger.DebugCF("bot", "Inline answer failed", map[string]any{"error": err.Error()})
	}
}
