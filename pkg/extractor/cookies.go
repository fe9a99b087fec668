package extractor

import (
	"os"
	"path/filepath"
	"strings"
)

// Per-platform credential files. They are re-checked on every download so
// an operator can rotate them without a restart.
const (
	instagramCookies = "ig_cookies.txt"
	youtubeCookies   = "yt_cookies.txt"
	genericCookies   = "cookies.txt"
)

// cookieFileFor returns the credential file for a URL, or "" when none is
// present on disk right now.
func (e *Extractor) cookieFileFor(url string) string {
	name := genericCookies
	lowered := strings.ToLower(url)
	switch {
	case strings.Contains(lowered, "instagram.com"):
		name = instagramCookies
	case strings.Contains(lowered, "youtube.com"), strings.Contains(lowered, "youtu.be"):
		name = youtubeCookies
	}

	path := filepath.Join(e.cookiesDir, name)
	if st, err := os.Stat(path); err == nil && st.Size() > 0 {
		return path
	}
	// Platform file absent; the generic jar is better than nothing.
	if name != genericCookies {
		fallback := filepath.Join(e.cookiesDir, genericCookies)
		if st, err := os.Stat(fallback); err == nil && st.Size() > 0 {
			return fallback
		}
	}
	return ""
}
