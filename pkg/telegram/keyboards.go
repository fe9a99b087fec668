package telegram

import (
	"fmt"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// Conversion callback prefixes. The suffix is always the cache row id.
const (
	ConvNotePrefix          = "conv_note_"
	ConvVoicePrefix         = "conv_voice_"
	ConvMP3Prefix           = "conv_mp3_"
	ConvFilePrefix          = "conv_file_"
	ConvTranscriptionPrefix = "conv_transcription_"
)

// ActionMenu is the single-button markup attached to delivered media. It
// deep links into a private chat so conversions never spam groups.
func ActionMenu(botName string, cacheID int64) *telego.InlineKeyboardMarkup {
	link := fmt.Sprintf("https://t.me/%s?start=file_%d", botName, cacheID)
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("⚙️ Действия").WithURL(link),
		),
	)
}

// ConversionMenu lists what a cached file can be turned into.
func ConversionMenu(cacheID int64) *telego.InlineKeyboardMarkup {
	id := fmt.Sprint(cacheID)
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("⭕ Кружок").WithCallbackData(ConvNotePrefix+id),
			tu.InlineKeyboardButton("🎤 Голосовое").WithCallbackData(ConvVoicePrefix+id),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("🎵 MP3").WithCallbackData(ConvMP3Prefix+id),
			tu.InlineKeyboardButton("📄 Файл").WithCallbackData(ConvFilePrefix+id),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("📝 Расшифровка").WithCallbackData(ConvTranscriptionPrefix+id),
		),
	)
}

// SummaryKeyboard offers a digest of a transcript. The payload is either
// summarize:{uid} or batch_summarize:{uid,...}.
func SummaryKeyboard(payload string) *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("📝 Суммаризация").WithCallbackData(payload),
		),
	)
}
