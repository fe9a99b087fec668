package urlx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "instagram tracking params stripped",
			in:   "https://instagram.com/reel/ABC/?igsh=tracking123",
			want: "https://instagram.com/reel/ABC",
		},
		{
			name: "instagram carousel index survives",
			in:   "https://www.instagram.com/p/XYZ/?igsh=zzz&img_index=3",
			want: "https://www.instagram.com/p/XYZ?img_index=3",
		},
		{
			name: "missing scheme completed",
			in:   "instagram.com/reel/ABC",
			want: "https://instagram.com/reel/ABC",
		},
		{
			name: "mixed case host lowered",
			in:   "HTTPS://Instagram.COM/reel/ABC/",
			want: "https://instagram.com/reel/ABC",
		},
		{
			name: "port survives host lowering",
			in:   "https://Instagram.COM:443/reel/ABC",
			want: "https://instagram.com:443/reel/ABC",
		},
		{
			name: "trailing slash trimmed",
			in:   "https://instagram.com/reel/ABC/",
			want: "https://instagram.com/reel/ABC",
		},
		{
			name: "tiktok drops every query",
			in:   "https://www.tiktok.com/@user/video/123?is_from_webapp=1&sender_device=pc",
			want: "https://www.tiktok.com/@user/video/123",
		},
		{
			name: "tiktok short host drops queries",
			in:   "https://vt.tiktok.com/ZSabc123/?k=1",
			want: "https://vt.tiktok.com/ZSabc123",
		},
		{
			name: "youtube keeps video id and timecode",
			in:   "https://www.youtube.com/watch?v=dQw4w9WgXcQ&feature=share&si=abc&t=42",
			want: "https://www.youtube.com/watch?t=42&v=dQw4w9WgXcQ",
		},
		{
			name: "youtube shorts path preserved",
			in:   "https://youtube.com/shorts/abc123?si=tracking",
			want: "https://youtube.com/shorts/abc123",
		},
		{
			name: "youtu.be shortener",
			in:   "https://youtu.be/dQw4w9WgXcQ?si=xyz",
			want: "https://youtu.be/dQw4w9WgXcQ",
		},
		{
			name: "soundcloud drops queries",
			in:   "https://soundcloud.com/artist/track?in=playlist&utm_source=share",
			want: "https://soundcloud.com/artist/track",
		},
		{
			name: "unknown host only gains scheme and trim",
			in:   "  example.com/page?x=1  ",
			want: "https://example.com/page?x=1",
		},
		{
			name: "surrounding whitespace trimmed",
			in:   "  https://tiktok.com/@u/video/9  ",
			want: "https://tiktok.com/@u/video/9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Canonicalize(tt.in))
		})
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	inputs := []string{
		"https://instagram.com/reel/ABC/?igsh=tracking",
		"instagram.com/p/XYZ/?img_index=2",
		"HTTPS://WWW.YOUTUBE.COM/watch?v=id&feature=share",
		"vt.tiktok.com/ZSabc/",
		"soundcloud.com/a/b/",
		"not a url at all",
		"",
	}

	for _, in := range inputs {
		once := Canonicalize(in)
		twice := Canonicalize(once)
		assert.Equal(t, once, twice, "canon must be idempotent for %q", in)
	}
}

func TestIsSupported(t *testing.T) {
	assert.True(t, IsSupported("https://instagram.com/reel/ABC"))
	assert.True(t, IsSupported("vt.tiktok.com/ZSabc"))
	assert.True(t, IsSupported("https://YOUTU.BE/abc"))
	assert.False(t, IsSupported("https://example.com/video"))
	assert.False(t, IsSupported(""))
}

func TestExtractURLs(t *testing.T) {
	text := "look at this https://instagram.com/reel/ABC and tiktok.com/@u/video/1 plus https://example.com/x"
	got := ExtractURLs(text)
	assert.Equal(t, []string{
		"https://instagram.com/reel/ABC",
		"tiktok.com/@u/video/1",
		"https://example.com/x",
	}, got)
}
