package pipeline

import (
	"context"

	"github.com/dreamcatchered/dreamDownloader/pkg/store"
)

// Source is one media payload: either a local file or a transport file id
// from the cache. Exactly one field is set.
type Source struct {
	Path   string
	FileID string
}

// AlbumItem is one entry of a media group.
type AlbumItem struct {
	Src     Source
	Kind    store.MediaKind
	Caption string
}

// Sent reports what the transport assigned to an upload.
type Sent struct {
	MessageID int
	FileID    string
}

// VideoMeta carries the probed attributes a video send attaches so clients
// render the player before downloading. Zero fields are omitted.
type VideoMeta struct {
	Width     int
	Height    int
	Duration  int
	ThumbPath string
}

// Transport is the chat-side surface the pipeline drives. The production
// implementation lives in pkg/telegram; tests substitute a fake.
type Transport interface {
	SendPhoto(ctx context.Context, chatID int64, src Source, caption string) (*Sent, error)
	SendVideo(ctx context.Context, chatID int64, src Source, meta VideoMeta, caption string) (*Sent, error)
	SendAudio(ctx context.Context, chatID int64, src Source, caption, title, performer string) (*Sent, error)
	SendDocument(ctx context.Context, chatID int64, src Source, caption string) (*Sent, error)
	SendAlbum(ctx context.Context, chatID int64, items []AlbumItem) ([]Sent, error)

	// AttachActionMenu hangs the conversion deep-link keyboard off an
	// already-sent single-media message.
	AttachActionMenu(ctx context.Context, chatID int64, messageID int, cacheID int64) error
}
