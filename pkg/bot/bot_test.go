package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dreamcatchered/dreamDownloader/pkg/extractor"
	"github.com/dreamcatchered/dreamDownloader/pkg/pipeline"
	"github.com/dreamcatchered/dreamDownloader/pkg/telegram"
)

func TestParseStartFileRef(t *testing.T) {
	id, ok := parseStartFileRef("file_42")
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)

	_, ok = parseStartFileRef("file_abc")
	assert.False(t, ok)
	_, ok = parseStartFileRef("file_-1")
	assert.False(t, ok)
	_, ok = parseStartFileRef("")
	assert.False(t, ok)
	_, ok = parseStartFileRef("ref_42")
	assert.False(t, ok)
}

func TestParseConversionData(t *testing.T) {
	tests := []struct {
		data   string
		action conversionAction
		id     int64
		ok     bool
	}{
		{telegram.ConvNotePrefix + "7", actionNote, 7, true},
		{telegram.ConvVoicePrefix + "12", actionVoice, 12, true},
		{telegram.ConvMP3Prefix + "3", actionMP3, 3, true},
		{telegram.ConvFilePrefix + "9", actionFile, 9, true},
		{telegram.ConvTranscriptionPrefix + "1", actionTranscription, 1, true},
		{telegram.ConvMP3Prefix + "zzz", "", 0, false},
		{"conv_unknown_5", "", 0, false},
		{"summarize:abc", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.data, func(t *testing.T) {
			action, id, ok := parseConversionData(tt.data)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.action, action)
				assert.Equal(t, tt.id, id)
			}
		})
	}
}

func TestSentLinks(t *testing.T) {
	var s sentLinks

	assert.True(t, s.MarkIfNew(1, "https://instagram.com/reel/A"))
	assert.False(t, s.MarkIfNew(1, "https://instagram.com/reel/A"))
	assert.True(t, s.MarkIfNew(2, "https://instagram.com/reel/A"), "per-user keying")
	assert.True(t, s.MarkIfNew(1, "https://instagram.com/reel/B"))

	s.Forget(1, "https://instagram.com/reel/A")
	assert.True(t, s.MarkIfNew(1, "https://instagram.com/reel/A"), "forgotten pairs retry")
}

func TestSupportedURLs(t *testing.T) {
	engine := pipeline.New(pipeline.Config{BotName: "t"})

	text := "смотри https://instagram.com/reel/ABC/?igsh=x и ещё раз " +
		"https://instagram.com/reel/ABC и https://example.com/nope " +
		"плюс https://soundcloud.com/a/b"
	got := supportedURLs(text, engine)

	assert.Equal(t, []string{
		"https://instagram.com/reel/ABC/?igsh=x",
		"https://soundcloud.com/a/b",
	}, got, "duplicates collapse by canonical form, unsupported hosts drop")
}

func TestFanOutClearsPlaceholderOnlyOnSuccess(t *testing.T) {
	var mu sync.Mutex
	var cleared int
	var notified []string

	process := func(_ context.Context, raw string) error {
		if strings.Contains(raw, "bad") {
			return errors.New("download failed")
		}
		return nil
	}
	clear := func() { mu.Lock(); cleared++; mu.Unlock() }
	notify := func(raw string, _ error) { mu.Lock(); notified = append(notified, raw); mu.Unlock() }

	fanOutURLs(context.Background(), []string{"https://a/bad", "https://b/bad"}, process, clear, notify)
	assert.Zero(t, cleared, "failures leave the placeholder standing")
	assert.Len(t, notified, 2)

	notified = nil
	fanOutURLs(context.Background(), []string{"https://a/bad", "https://b/ok"}, process, clear, notify)
	assert.Equal(t, 1, cleared, "a successful dispatch clears it")
	assert.Equal(t, []string{"https://a/bad"}, notified)
}

func TestFailureText(t *testing.T) {
	raw := "https://youtu.be/slow"

	got := failureText(&extractor.Error{
		Code: extractor.CodeTimeout, Stage: "yt-dlp", Err: context.DeadlineExceeded,
	}, raw)
	assert.Contains(t, got, "10 минут")
	assert.Contains(t, got, raw)

	got = failureText(pipeline.ErrTooLarge, raw)
	assert.Contains(t, got, "50 МБ")

	got = failureText(errors.New("boom"), raw)
	assert.Equal(t, "❌ Не удалось скачать: "+raw, got)
}

func TestFirstSupportedURL(t *testing.T) {
	assert.Equal(t, "https://youtu.be/abc",
		firstSupportedURL("check https://example.com/x https://youtu.be/abc"))
	assert.Empty(t, firstSupportedURL("no links here"))
}
