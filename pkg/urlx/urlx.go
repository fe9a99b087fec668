// Package urlx turns user-supplied media links into stable canonical cache
// keys. Canonicalization is deterministic and idempotent: two links that
// differ only in tracking parameters, scheme absence, host case or a trailing
// slash map to the same key.
package urlx

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/dreamcatchered/dreamDownloader/pkg/logger"
)

// Host families. The set below is the complete list of supported platforms;
// anything else is silently ignored in the message path and rejected inline.
var supportedHosts = []string{
	"instagram.com",
	"tiktok.com",
	"vt.tiktok.com",
	"youtube.com",
	"youtu.be",
	"soundcloud.com",
}

var urlPattern = regexp.MustCompile(`(https?://\S+|(?:instagram\.com|tiktok\.com|vt\.tiktok\.com|youtube\.com|youtu\.be|soundcloud\.com)/\S+)`)

// ExtractURLs pulls every candidate link out of a message body. Bare links
// without a scheme are matched for the supported hosts only.
func ExtractURLs(text string) []string {
	return urlPattern.FindAllString(text, -1)
}

// IsSupported reports whether the link belongs to a supported platform.
func IsSupported(raw string) bool {
	if raw == "" {
		return false
	}
	lowered := strings.ToLower(raw)
	for _, host := range supportedHosts {
		if strings.Contains(lowered, host) {
			return true
		}
	}
	return false
}

// hostIs matches a hostname against a registered domain, accepting any
// subdomain (www.instagram.com, m.youtube.com).
func hostIs(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// Canonicalize derives the cache key for a user-supplied link. It never
// fails: on any parse error the trimmed input is returned as-is.
func Canonicalize(raw string) string {
	if raw == "" {
		return raw
	}

	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimRight(trimmed, `\`)
	withScheme := trimmed
	if !strings.Contains(withScheme, "://") {
		withScheme = "https://" + withScheme
	}

	parsed, err := url.Parse(withScheme)
	if err != nil || parsed.Host == "" {
		logger.DebugCF("urlx", "Canonicalize parse failed, returning trimmed input", map[string]any{
			"url": trimmed,
		})
		return trimmed
	}

	host := strings.ToLower(parsed.Hostname())
	path := parsed.EscapedPath()
	if path != "/" {
		path = strings.TrimRight(path, "/")
	}

	switch {
	case hostIs(host, "instagram.com") || hostIs(host, "facebook.com"):
		// Keep only the carousel index; igsh and friends are tracking.
		return rebuild(parsed, host, path, filterQuery(parsed.Query(), "img_index"))
	case hostIs(host, "tiktok.com"):
		return rebuild(parsed, host, path, "")
	case hostIs(host, "youtube.com") || hostIs(host, "youtu.be"):
		// Keep the video id and the timecode.
		return rebuild(parsed, host, path, filterQuery(parsed.Query(), "v", "t"))
	case hostIs(host, "soundcloud.com"):
		return rebuild(parsed, host, path, "")
	default:
		return withScheme
	}
}

// rebuild assembles the key from the already-lowered hostname; url.Parse
// keeps the host's original case, which would split the cache by case.
func rebuild(parsed *url.URL, host, path, query string) string {
	if port := parsed.Port(); port != "" {
		host += ":" + port
	}
	out := url.URL{
		Scheme:   parsed.Scheme,
		Host:     host,
		Path:     path,
		RawQuery: query,
	}
	return out.String()
}

func filterQuery(values url.Values, keep ...string) string {
	filtered := url.Values{}
	for _, key := range keep {
		if v, ok := values[key]; ok {
			filtered[key] = v
		}
	}
	return filtered.Encode()
}

// shortLinkClient resolves redirect chains without downloading bodies.
var shortLinkClient = &http.Client{
	Timeout: 10 * time.Second,
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return http.ErrUseLastResponse
		}
		return nil
	},
}

// ExpandShort resolves short-redirect links (vt.tiktok.com) to their final
// location so that canonicalization sees the real path. Non-short links and
// resolution failures return the input unchanged.
func ExpandShort(raw string) string {
	lowered := strings.ToLower(raw)
	if !strings.Contains(lowered, "vt.tiktok.com") {
		return raw
	}

	target := raw
	if !strings.Contains(target, "://") {
		target = "https://" + target
	}

	resp, err := shortLinkClient.Head(target)
	if err != nil {
		logger.WarnCF("urlx", "Short link expansion failed", map[string]any{
			"url":   raw,
			"error": err.Error(),
		})
		return raw
	}
	defer resp.Body.Close()

	final := resp.Request.URL.String()
	if final == "" {
		return raw
	}
	return final
}
