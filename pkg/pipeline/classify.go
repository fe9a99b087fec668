package pipeline

import (
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"

	"github.com/dreamcatchered/dreamDownloader/pkg/store"
)

// artifactClass is the per-file sending decision. It is wider than the
// cached MediaKind: unknown files go out as documents and stay uncached.
type artifactClass int

const (
	classPhoto artifactClass = iota
	classVideo
	classAudio
	classDocument
)

var extClasses = map[string]artifactClass{
	".jpg": classPhoto, ".jpeg": classPhoto, ".png": classPhoto, ".webp": classPhoto,
	".mp4": classVideo, ".mov": classVideo, ".mkv": classVideo,
	".webm": classVideo, ".avi": classVideo, ".m4v": classVideo, ".gif": classVideo,
	".mp3": classAudio, ".m4a": classAudio, ".ogg": classAudio,
	".opus": classAudio, ".wav": classAudio, ".flac": classAudio, ".aac": classAudio,
}

// classifyArtifact decides by extension first and sniffs the magic bytes
// when the extension says nothing. Sniffing failures fall through to
// document, which any file can be sent as.
func classifyArtifact(path string) artifactClass {
	if class, ok := extClasses[strings.ToLower(filepath.Ext(path))]; ok {
		return class
	}

	kind, err := filetype.MatchFile(path)
	if err != nil {
		return classDocument
	}
	switch kind.MIME.Type {
	case "image":
		return classPhoto
	case "video":
		return classVideo
	case "audio":
		return classAudio
	default:
		return classDocument
	}
}

func (c artifactClass) mediaKind() store.MediaKind {
	switch c {
	case classPhoto:
		return store.KindPhoto
	case classVideo:
		return store.KindVideo
	case classAudio:
		return store.KindAudio
	default:
		return store.KindVideo
	}
}
