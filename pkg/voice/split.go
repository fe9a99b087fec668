package voice

import (
	"strings"
	"unicode/utf8"
)

// MaxMessageLength is the transport's hard cap on text messages.
const MaxMessageLength = 4096

// SplitMessage cuts text into transport-sized chunks, breaking on word
// boundaries where one exists in the tail of the window.
func SplitMessage(text string, max int) []string {
	if max <= 0 || len(text) <= max {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var out []string
	rest := text
	for len(rest) > max {
		cut := max
		if idx := strings.LastIndexAny(rest[:max], " \n\t"); idx > max/2 {
			cut = idx
		}
		// Never cut inside a multibyte rune.
		for cut > 0 && !utf8.RuneStart(rest[cut]) {
			cut--
		}
		out = append(out, strings.TrimSpace(rest[:cut]))
		rest = strings.TrimSpace(rest[cut:])
	}
	if rest != "" {
		out = append(out, rest)
	}
	return out
}
