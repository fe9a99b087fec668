package extractor

import "strings"

// Code is a stable label for a download failure. Callers branch on the code
// instead of scraping tool output themselves.
type Code string

const (
	CodeRateLimited   Code = "rate-limited"
	CodeAuthRequired  Code = "auth-required"
	CodeNoFormats     Code = "no-formats"
	CodePhotoRedirect Code = "photo-redirect"
	CodeTimeout       Code = "timeout"
	CodeBotDetected   Code = "bot-detected"
	CodeGeneric       Code = "generic"
)

// Error wraps a tool failure with its classified code and the stage that
// produced it.
type Error struct {
	Code   Code
	Stage  string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	return "extractor " + e.Stage + " (" + string(e.Code) + "): " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

var (
	rateLimitKeywords = []string{"rate-limit", "rate limit", "429", "too many requests"}
	botKeywords       = []string{"sign in to confirm", "not a bot", "confirm your age"}
	authKeywords      = []string{
		"login", "private", "unavailable", "access denied",
		"authentication", "cookie", "session", "403", "401",
	}
	fallbackKeywords = []string{
		"no video formats", "no formats", "unable to download",
		"unavailable", "unsupported url",
	}
)

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// Classify maps tool stderr to a failure code. Checks run most-specific
// first: a 429 mentioning cookies is still a rate limit.
func Classify(stderr string) Code {
	lowered := strings.ToLower(stderr)
	switch {
	case containsAny(lowered, rateLimitKeywords):
		return CodeRateLimited
	case containsAny(lowered, botKeywords):
		return CodeBotDetected
	case strings.Contains(lowered, "/photo/"):
		return CodePhotoRedirect
	case containsAny(lowered, authKeywords):
		return CodeAuthRequired
	case containsAny(lowered, fallbackKeywords):
		return CodeNoFormats
	default:
		return CodeGeneric
	}
}

// needsGalleryFallback reports errors where the generic video tool gave up
// in a way the image tool might still handle.
func needsGalleryFallback(stderr string) bool {
	lowered := strings.ToLower(stderr)
	return containsAny(lowered, fallbackKeywords) || strings.Contains(lowered, "/photo/")
}
