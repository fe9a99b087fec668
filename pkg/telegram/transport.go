// Package telegram is the production chat transport, backed by the Bot
// API. It implements the pipeline and voice transport surfaces and the
// handful of extra calls the update loop needs.
package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/dreamcatchered/dreamDownloader/pkg/logger"
	"github.com/dreamcatchered/dreamDownloader/pkg/pipeline"
	"github.com/dreamcatchered/dreamDownloader/pkg/store"
)

// Client wraps the Bot API connection.
type Client struct {
	bot  *telego.Bot
	name string

	fileClient *http.Client
}

// New connects and resolves the bot's own username, which captions and
// deep links embed.
func New(ctx context.Context, token string) (*Client, error) {
	bot, err := telego.NewBot(token, telego.WithDefaultLogger(false, true))
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}

	me, err := bot.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("get me: %w", err)
	}

	logger.InfoCF("telegram", "Connected", map[string]any{"username": me.Username})
	return &Client{
		bot:  bot,
		name: me.Username,
		// Large videos take a while to pull back for conversions.
		fileClient: &http.Client{Timeout: 600 * time.Second},
	}, nil
}

// Bot exposes the raw API client for the update loop.
func (c *Client) Bot() *telego.Bot { return c.bot }

// Name returns the bot username without the @.
func (c *Client) Name() string { return c.name }

func inputFile(src pipeline.Source) (telego.InputFile, func(), error) {
	if src.FileID != "" {
		return telego.InputFile{FileID: src.FileID}, func() {}, nil
	}
	f, err := os.Open(src.Path)
	if err != nil {
		return telego.InputFile{}, nil, fmt.Errorf("open upload: %w", err)
	}
	return tu.File(f), func() { f.Close() }, nil
}

func (c *Client) SendPhoto(ctx context.Context, chatID int64, src pipeline.Source, caption string) (*pipeline.Sent, error) {
	file, done, err := inputFile(src)
	if err != nil {
		return nil, err
	}
	defer done()

	msg, err := c.bot.SendPhoto(ctx, &telego.SendPhotoParams{
		ChatID:  tu.ID(chatID),
		Photo:   file,
		Caption: caption,
	})
	if err != nil {
		return nil, err
	}
	return &pipeline.Sent{MessageID: msg.MessageID, FileID: bestPhotoID(msg)}, nil
}

func (c *Client) SendVideo(ctx context.Context, chatID int64, src pipeline.Source, meta pipeline.VideoMeta, caption string) (*pipeline.Sent, error) {
	file, done, err := inputFile(src)
	if err != nil {
		return nil, err
	}
	defer done()

	params := &telego.SendVideoParams{
		ChatID:            tu.ID(chatID),
		Video:             file,
		Caption:           caption,
		Width:             meta.Width,
		Height:            meta.Height,
		Duration:          meta.Duration,
		SupportsStreaming: true,
	}
	if meta.ThumbPath != "" {
		if tf, terr := os.Open(meta.ThumbPath); terr == nil {
			defer tf.Close()
			thumb := tu.File(tf)
			params.Thumbnail = &thumb
		}
	}

	msg, err := c.bot.SendVideo(ctx, params)
	if err != nil {
		return nil, err
	}
	sent := &pipeline.Sent{MessageID: msg.MessageID}
	if msg.Video != nil {
		sent.FileID = msg.Video.FileID
	}
	return sent, nil
}

func (c *Client) SendAudio(ctx context.Context, chatID int64, src pipeline.Source, caption, title, performer string) (*pipeline.Sent, error) {
	file, done, err := inputFile(src)
	if err != nil {
		return nil, err
	}
	defer done()

	msg, err := c.bot.SendAudio(ctx, &telego.SendAudioParams{
		ChatID:    tu.ID(chatID),
		Audio:     file,
		Caption:   caption,
		Title:     title,
		Performer: performer,
	})
	if err != nil {
		return nil, err
	}
	sent := &pipeline.Sent{MessageID: msg.MessageID}
	if msg.Audio != nil {
		sent.FileID = msg.Audio.FileID
	}
	return sent, nil
}

func (c *Client) SendDocument(ctx context.Context, chatID int64, src pipeline.Source, caption string) (*pipeline.Sent, error) {
	file, done, err := inputFile(src)
	if err != nil {
		return nil, err
	}
	defer done()

	msg, err := c.bot.SendDocument(ctx, &telego.SendDocumentParams{
		ChatID:   tu.ID(chatID),
		Document: file,
		Caption:  caption,
	})
	if err != nil {
		return nil, err
	}
	sent := &pipeline.Sent{MessageID: msg.MessageID}
	if msg.Document != nil {
		sent.FileID = msg.Document.FileID
	}
	return sent, nil
}

func (c *Client) SendAlbum(ctx context.Context, chatID int64, items []pipeline.AlbumItem) ([]pipeline.Sent, error) {
	media := make([]telego.InputMedia, 0, len(items))
	var cleanups []func()
	defer func() {
		for _, fn := range cleanups {
			fn()
		}
	}()

	for _, item := range items {
		file, done, err := inputFile(item.Src)
		if err != nil {
			return nil, err
		}
		cleanups = append(cleanups, done)

		switch item.Kind {
		case store.KindVideo:
			media = append(media, &telego.InputMediaVideo{
				Type:    telego.MediaTypeVideo,
				Media:   file,
				Caption: item.Caption,
			})
		default:
			media = append(media, &telego.InputMediaPhoto{
				Type:    telego.MediaTypePhoto,
				Media:   file,
				Caption: item.Caption,
			})
		}
	}

	msgs, err := c.bot.SendMediaGroup(ctx, &telego.SendMediaGroupParams{
		ChatID: tu.ID(chatID),
		Media:  media,
	})
	if err != nil {
		return nil, err
	}

	out := make([]pipeline.Sent, 0, len(msgs))
	for _, msg := range msgs {
		sent := pipeline.Sent{MessageID: msg.MessageID}
		switch {
		case msg.Video != nil:
			sent.FileID = msg.Video.FileID
		default:
			sent.FileID = bestPhotoID(&msg)
		}
		out = append(out, sent)
	}
	return out, nil
}

// bestPhotoID picks the highest-resolution rendition the API generated.
func bestPhotoID(msg *telego.Message) string {
	if msg == nil || len(msg.Photo) == 0 {
		return ""
	}
	return msg.Photo[len(msg.Photo)-1].FileID
}

// SendVoice delivers an opus file as a voice message.
func (c *Client) SendVoice(ctx context.Context, chatID int64, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open voice: %w", err)
	}
	defer f.Close()

	_, err = c.bot.SendVoice(ctx, &telego.SendVoiceParams{
		ChatID: tu.ID(chatID),
		Voice:  tu.File(f),
	})
	return err
}

// SendVideoNote delivers a square clip as a circle message.
func (c *Client) SendVideoNote(ctx context.Context, chatID int64, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open video note: %w", err)
	}
	defer f.Close()

	_, err = c.bot.SendVideoNote(ctx, &telego.SendVideoNoteParams{
		ChatID:    tu.ID(chatID),
		VideoNote: tu.File(f),
	})
	return err
}

// AttachActionMenu hangs the conversion deep link off a sent message.
func (c *Client) AttachActionMenu(ctx context.Context, chatID int64, messageID int, cacheID int64) error {
	markup := ActionMenu(c.name, cacheID)
	_, err := c.bot.EditMessageReplyMarkup(ctx, &telego.EditMessageReplyMarkupParams{
		ChatID:      tu.ID(chatID),
		MessageID:   messageID,
		ReplyMarkup: markup,
	})
	return err
}

// DownloadFile fetches a transport file by id into dest.
func (c *Client) DownloadFile(ctx context.Context, fileID, dest string) error {
	f, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return fmt.Errorf("get file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.bot.FileDownloadURL(f.FilePath), nil)
	if err != nil {
		return err
	}
	resp, err := c.fileClient.Do(req)
	if err != nil {
		return fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download file: status %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// SendText sends a plain text message and returns it, for placeholders
// the caller later deletes.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) (*telego.Message, error) {
	return c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
}

// DeleteMessage is best-effort; an already-deleted placeholder is fine.
func (c *Client) DeleteMessage(ctx context.Context, chatID int64, messageID int) {
	err := c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
	})
	if err != nil {
		logger.DebugCF("telegram", "Delete message failed", map[string]any{"error": err.Error()})
	}
}
