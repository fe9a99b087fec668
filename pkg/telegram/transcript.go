package telegram

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/dreamcatchered/dreamDownloader/pkg/logger"
	"github.com/dreamcatchered/dreamDownloader/pkg/voice"
)

// Transcripts longer than this many chunks go out as a text document
// instead of flooding the chat.
const maxTranscriptChunks = 3

var transcriptBackoff = []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}

// SendTranscript replies to a voice batch with its transcript. Long texts
// are split at the message cap; very long ones become a .txt document.
// The summary button rides the last chunk.
func (c *Client) SendTranscript(ctx context.Context, chatID int64, replyTo int, text, summaryData string) error {
	chunks := voice.SplitMessage(text, voice.MaxMessageLength)
	if len(chunks) == 0 {
		return nil
	}

	var markup *telego.InlineKeyboardMarkup
	if summaryData != "" {
		markup = SummaryKeyboard(summaryData)
	}

	if len(chunks) > maxTranscriptChunks {
		return c.sendTranscriptDocument(ctx, chatID, replyTo, text, markup)
	}

	for i, chunk := range chunks {
		params := &telego.SendMessageParams{
			ChatID: tu.ID(chatID),
			Text:   chunk,
		}
		if i == 0 && replyTo != 0 {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: replyTo}
		}
		if i == len(chunks)-1 {
			params.ReplyMarkup = markup
		}
		if err := c.sendMessageWithRetry(ctx, params); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) sendTranscriptDocument(ctx context.Context, chatID int64, replyTo int, text string, markup *telego.InlineKeyboardMarkup) error {
	doc := tu.File(tu.NameReader(bytes.NewReader([]byte(text)), "transcript.txt"))
	params := &telego.SendDocumentParams{
		ChatID:      tu.ID(chatID),
		Document:    doc,
		Caption:     "Расшифровка получилась длинной, отправляю файлом.",
		ReplyMarkup: markup,
	}
	if replyTo != 0 {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: replyTo}
	}
	_, err := c.bot.SendDocument(ctx, params)
	return err
}

// sendMessageWithRetry retries timed-out sends with growing pauses and
// drops the reply reference when the target message has vanished.
func (c *Client) sendMessageWithRetry(ctx context.Context, params *telego.SendMessageParams) error {
	_, err := c.bot.SendMessage(ctx, params)
	if err == nil {
		return nil
	}

	if isReplyNotFound(err) && params.ReplyParameters != nil {
		params.ReplyParameters = nil
		_, err = c.bot.SendMessage(ctx, params)
		if err == nil {
			return nil
		}
	}

	for _, pause := range transcriptBackoff {
		if !isTimeoutErr(err) {
			return err
		}
		logger.WarnCF("telegram", "Transcript send timed out, retrying", map[string]any{
			"pause": pause.String(),
		})
		time.Sleep(pause)
		if _, err = c.bot.SendMessage(ctx, params); err == nil {
			return nil
		}
	}
	return err
}

func isTimeoutErr(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

func isReplyNotFound(err error) bool {
	lowered := strings.ToLower(err.Error())
	return strings.Contains(lowered, "message to be replied not found") ||
		strings.Contains(lowered, "message not found")
}
