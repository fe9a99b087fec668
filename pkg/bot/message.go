package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/sync/errgroup"

	"github.com/dreamcatchered/dreamDownloader/pkg/extractor"
	"github.com/dreamcatchered/dreamDownloader/pkg/logger"
	"github.com/dreamcatchered/dreamDownloader/pkg/pipeline"
	"github.com/dreamcatchered/dreamDownloader/pkg/store"
	"github.com/dreamcatchered/dreamDownloader/pkg/telegram"
	"github.com/dreamcatchered/dreamDownloader/pkg/urlx"
	"github.com/dreamcatchered/dreamDownloader/pkg/voice"
)

const greeting = "Пришли мне ссылку на Instagram, TikTok, YouTube или SoundCloud, " +
	"и я скачаю её содержимое. Голосовые сообщения я превращаю в текст."

func (b *Bot) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil {
		return
	}
	b.recordUser(msg.From)

	switch {
	case msg.Voice != nil:
		b.batcher.Add(voice.Item{
			ChatID:    msg.Chat.ID,
			UserID:    msg.From.ID,
			MessageID: msg.MessageID,
			FileID:    msg.Voice.FileID,
			UniqueID:  msg.Voice.FileUniqueID,
		})
		return
	case msg.VideoNote != nil:
		b.batcher.Add(voice.Item{
			ChatID:    msg.Chat.ID,
			UserID:    msg.From.ID,
			MessageID: msg.MessageID,
			FileID:    msg.VideoNote.FileID,
			UniqueID:  msg.VideoNote.FileUniqueID,
		})
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if strings.HasPrefix(text, "/start") {
		b.handleStart(ctx, msg, text)
		return
	}

	urls := supportedURLs(text, b.engine)
	if len(urls) == 0 {
		return
	}

	b.processURLs(ctx, msg.Chat.ID, msg.From.ID, urls)
}

// supportedURLs extracts, filters and dedupes the message's links by
// canonical form, preserving first-seen order.
func supportedURLs(text string, engine *pipeline.Engine) []string {
	seen := make(map[string]bool)
	var out []string
	for _, raw := range urlx.ExtractURLs(text) {
		if !urlx.IsSupported(raw) {
			continue
		}
		canonical := engine.Canonical(raw)
		if seen[canonical] {
			continue
		}
		seen[canonical] = true
		out = append(out, raw)
	}
	return out
}

// processURLs fans the links out through the pipeline behind a single
// status placeholder, which is deleted exactly once when the first result
// lands.
func (b *Bot) processURLs(ctx context.Context, chatID, userID int64, urls []string) {
	placeholder, err := b.client.SendText(ctx, chatID, "⏳ Загружаю...")
	if err != nil {
		logger.WarnCF("bot", "Placeholder send failed", map[string]any{"error": err.Error()})
	}

	var deleted atomic.Bool
	removePlaceholder := func() {
		if placeholder != nil && deleted.CompareAndSwap(false, true) {
			b.client.DeleteMessage(ctx, chatID, placeholder.MessageID)
		}
	}
	// Failed-only batches still clear the placeholder once everything has
	// settled.
	defer removePlaceholder()

	fanOutURLs(ctx, urls,
		func(gctx context.Context, raw string) error {
			return b.engine.ProcessURL(gctx, pipeline.Request{
				ChatID: chatID,
				UserID: userID,
				RawURL: raw,
			})
		},
		removePlaceholder,
		func(raw string, err error) {
			logger.ErrorCF("bot", "URL processing failed", map[string]any{
				"url":   raw,
				"error": err.Error(),
			})
			b.client.SendText(ctx, chatID, failureText(err, raw))
		})
}

// fanOutURLs runs every URL through process concurrently, detached from
// the update's lifetime. clear fires on the first successful dispatch
// only; failures go to notify and leave the placeholder standing.
func fanOutURLs(ctx context.Context, urls []string, process func(context.Context, string) error, clear func(), notify func(url string, err error)) {
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	for _, raw := range urls {
		g.Go(func() error {
			if err := process(gctx, raw); err != nil {
				notify(raw, err)
				return nil
			}
			clear()
			return nil
		})
	}
	g.Wait()
}

// failureText picks the user-facing message for a pipeline error. The
// transport ceiling and the download deadline get their own wording;
// everything else collapses to a generic failure.
func failureText(err error, raw string) string {
	if errors.Is(err, pipeline.ErrTooLarge) {
		return "❌ Файл больше 50 МБ даже после сжатия, отправить его не получится."
	}
	var xerr *extractor.Error
	if errors.As(err, &xerr) {
		switch xerr.Code {
		case extractor.CodeTimeout:
			return "❌ Загрузка заняла больше 10 минут и была прервана: " + raw
		case extractor.CodeRateLimited:
			return "❌ Источник временно ограничил загрузки, попробуй позже: " + raw
		case extractor.CodeAuthRequired:
			return "❌ Контент недоступен без авторизации: " + raw
		}
	}
	return "❌ Не удалось скачать: " + raw
}

func (b *Bot) handleStart(ctx context.Context, msg *telego.Message, text string) {
	payload := strings.TrimSpace(strings.TrimPrefix(text, "/start"))
	if cacheID, ok := parseStartFileRef(payload); ok {
		b.sendConversionMenu(ctx, msg.Chat.ID, cacheID)
		return
	}
	b.client.SendText(ctx, msg.Chat.ID, greeting)
}

// parseStartFileRef recognizes the file_<id> deep-link payload.
func parseStartFileRef(payload string) (int64, bool) {
	rest, ok := strings.CutPrefix(payload, "file_")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (b *Bot) sendConversionMenu(ctx context.Context, chatID, cacheID int64) {
	_, _, ok, err := b.store.GetCacheByID(cacheID)
	if err != nil || !ok {
		b.client.SendText(ctx, chatID, "Файл не найден, возможно кеш устарел.")
		return
	}

	_, err = b.client.Bot().SendMessage(ctx, tu.Message(tu.ID(chatID), "Что сделать с файлом?").
		WithReplyMarkup(telegram.ConversionMenu(cacheID)))
	if err != nil {
		logger.WarnCF("bot", "Conversion menu send failed", map[string]any{"error": err.Error()})
	}
}

func (b *Bot) recordUser(from *telego.User) {
	err := b.store.UpsertUser(store.User{
		TransportID: from.ID,
		Username:    from.Username,
		FirstName:   from.FirstName,
		LastName:    from.LastName,
		Locale:      from.LanguageCode,
	})
	if err != nil {
		logger.WarnCF("bot", "User upsert failed", map[string]any{"error": err.Error()})
	}
}
