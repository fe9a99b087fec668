package bot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"

	"github.com/dreamcatchered/dreamDownloader/pkg/logger"
	"github.com/dreamcatchered/dreamDownloader/pkg/media"
	"github.com/dreamcatchered/dreamDownloader/pkg/pipeline"
	"github.com/dreamcatchered/dreamDownloader/pkg/telegram"
	"github.com/dreamcatchered/dreamDownloader/pkg/voice"
)

// conversionAction is one entry of the conversion menu.
type conversionAction string

const (
	actionNote          conversionAction = "note"
	actionVoice         conversionAction = "voice"
	actionMP3           conversionAction = "mp3"
	actionFile          conversionAction = "file"
	actionTranscription conversionAction = "transcription"
)

func (b *Bot) handleCallback(ctx context.Context, q *telego.CallbackQuery) {
	data := q.Data
	chatID := q.From.ID
	if q.Message != nil {
		chatID = q.Message.GetChat().ID
	}

	b.ackCallback(ctx, q.ID)

	switch {
	case strings.HasPrefix(data, "summarize:"):
		b.summarizeOne(ctx, chatID, strings.TrimPrefix(data, "summarize:"))
	case strings.HasPrefix(data, "batch_summarize:"):
		b.summarizeBatch(ctx, chatID, strings.Split(strings.TrimPrefix(data, "batch_summarize:"), ","))
	default:
		if action, cacheID, ok := parseConversionData(data); ok {
			b.runConversion(ctx, chatID, action, cacheID)
		}
	}
}

func (b *Bot) ackCallback(ctx context.Context, id string) {
	err := b.client.Bot().AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: id,
	})
	if err != nil {
		logger.DebugCF("bot", "Callback ack failed", map[string]any{"error": err.Error()})
	}
}

// parseConversionData splits conv_<action>_<cacheID> callback payloads.
func parseConversionData(data string) (conversionAction, int64, bool) {
	prefixes := map[string]conversionAction{
		telegram.ConvNotePrefix:          actionNote,
		telegram.ConvVoicePrefix:         actionVoice,
		telegram.ConvMP3Prefix:           actionMP3,
		telegram.ConvFilePrefix:          actionFile,
		telegram.ConvTranscriptionPrefix: actionTranscription,
	}
	for prefix, action := range prefixes {
		if rest, ok := strings.CutPrefix(data, prefix); ok {
			id, err := strconv.ParseInt(rest, 10, 64)
			if err != nil || id <= 0 {
				return "", 0, false
			}
			return action, id, true
		}
	}
	return "", 0, false
}

// runConversion pulls the cached file back from the transport, transcodes
// it under the conversion gate and sends the result.
func (b *Bot) runConversion(ctx context.Context, chatID int64, action conversionAction, cacheID int64) {
	ids, _, ok, err := b.store.GetCacheByID(cacheID)
	if err != nil || !ok || len(ids) == 0 {
		b.client.SendText(ctx, chatID, "Файл не найден, возможно кеш устарел.")
		return
	}

	workDir := filepath.Join(b.workDir, "conv-"+uuid.New().String())
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		logger.ErrorCF("bot", "Conversion dir create failed", map[string]any{"error": err.Error()})
		return
	}
	defer os.RemoveAll(workDir)

	src := filepath.Join(workDir, "source.bin")
	if err := b.client.DownloadFile(ctx, ids[0], src); err != nil {
		logger.ErrorCF("bot", "Conversion source download failed", map[string]any{"error": err.Error()})
		b.client.SendText(ctx, chatID, "Не удалось получить файл для конвертации.")
		return
	}

	err = b.gates.Conversion(ctx, func() error {
		return b.convertAndSend(ctx, chatID, action, src, workDir)
	})
	if err != nil {
		logger.ErrorCF("bot", "Conversion failed", map[string]any{
			"action": string(action),
			"error":  err.Error(),
		})
		b.client.SendText(ctx, chatID, "Конвертация не удалась.")
	}
}

func (b *Bot) convertAndSend(ctx context.Context, chatID int64, action conversionAction, src, workDir string) error {
	switch action {
	case actionNote:
		info, perr := media.Probe(ctx, src)
		hasVideo := perr == nil && info.HasVideo
		out := filepath.Join(workDir, "note.mp4")
		if err := media.ToVideoNote(ctx, src, out, hasVideo); err != nil {
			return err
		}
		return b.client.SendVideoNote(ctx, chatID, out)

	case actionVoice:
		out := filepath.Join(workDir, "voice.ogg")
		if err := media.ToVoice(ctx, src, out); err != nil {
			return err
		}
		return b.client.SendVoice(ctx, chatID, out)

	case actionMP3:
		out := filepath.Join(workDir, "audio.mp3")
		if err := media.ToMP3(ctx, src, out); err != nil {
			return err
		}
		_, err := b.client.SendAudio(ctx, chatID, pipeline.Source{Path: out}, "", "", "")
		return err

	case actionFile:
		// Videos get the slow quality-preserving re-encode before going out
		// as a document; everything else ships as-is.
		path := src
		if info, perr := media.Probe(ctx, src); perr == nil && info.HasVideo {
			fixed := filepath.Join(workDir, "fixed.mp4")
			if err := media.FixForTransport(ctx, src, fixed); err != nil {
				return err
			}
			path = fixed
		}
		_, err := b.client.SendDocument(ctx, chatID, pipeline.Source{Path: path}, "")
		return err

	case actionTranscription:
		wav := filepath.Join(workDir, "speech.wav")
		if err := media.ToSpeechWAV(ctx, src, wav); err != nil {
			return err
		}
		var text string
		err := b.gates.Transcription(ctx, func() error {
			var terr error
			text, terr = b.speech.Transcribe(ctx, wav)
			return terr
		})
		if err != nil {
			return err
		}
		if text == "" {
			text = "Речь не распознана."
		}
		return b.client.SendTranscript(ctx, chatID, 0, text, "")

	default:
		return fmt.Errorf("unknown conversion action %q", action)
	}
}

func (b *Bot) summarizeOne(ctx context.Context, chatID int64, uid string) {
	text, err := b.store.GetTranscription(uid)
	if err != nil || text == "" {
		b.client.SendText(ctx, chatID, "Расшифровка не найдена.")
		return
	}
	b.sendSummary(ctx, chatID, text)
}

func (b *Bot) summarizeBatch(ctx context.Context, chatID int64, uids []string) {
	var parts []string
	for i, uid := range uids {
		text, err := b.store.GetTranscription(uid)
		if err != nil || text == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("Сообщение %d:\n%s", i+1, text))
	}
	if len(parts) == 0 {
		b.client.SendText(ctx, chatID, "Расшифровки не найдены.")
		return
	}
	b.sendSummary(ctx, chatID, strings.Join(parts, "\n\n"))
}

func (b *Bot) sendSummary(ctx context.Context, chatID int64, transcript string) {
	summary, err := b.summary.Summarize(ctx, transcript)
	if err != nil {
		logger.ErrorCF("bot", "Summary failed", map[string]any{"error": err.Error()})
		b.client.SendText(ctx, chatID, "Не удалось построить выжимку.")
		return
	}
	for _, chunk := range voice.SplitMessage("📝 "+summary, voice.MaxMessageLength) {
		if _, err := b.client.SendText(ctx, chatID, chunk); err != nil {
			logger.WarnCF("bot", "Summary send failed", map[string]any{"error": err.Error()})
			return
		}
	}
}
