package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamcatchered/dreamDownloader/pkg/flight"
	"github.com/dreamcatchered/dreamDownloader/pkg/gate"
	"github.com/dreamcatchered/dreamDownloader/pkg/media"
	"github.com/dreamcatchered/dreamDownloader/pkg/store"
)

type sentCall struct {
	method  string
	chatID  int64
	src     Source
	meta    VideoMeta
	caption string
	items   []AlbumItem
}

type fakeTransport struct {
	mu    sync.Mutex
	calls []sentCall
	seq   int

	failSends int
	failWith  error

	sendDelay time.Duration
}

func (f *fakeTransport) next() *Sent {
	f.seq++
	return &Sent{MessageID: f.seq, FileID: fmt.Sprintf("fid-%d", f.seq)}
}

func (f *fakeTransport) record(c sentCall) (*Sent, error) {
	if f.sendDelay > 0 {
		time.Sleep(f.sendDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSends > 0 {
		f.failSends--
		return nil, f.failWith
	}
	f.calls = append(f.calls, c)
	return f.next(), nil
}

func (f *fakeTransport) SendPhoto(ctx context.Context, chatID int64, src Source, caption string) (*Sent, error) {
	return f.record(sentCall{method: "photo", chatID: chatID, src: src, caption: caption})
}

func (f *fakeTransport) SendVideo(ctx context.Context, chatID int64, src Source, meta VideoMeta, caption string) (*Sent, error) {
	return f.record(sentCall{method: "video", chatID: chatID, src: src, meta: meta, caption: caption})
}

func (f *fakeTransport) SendAudio(ctx context.Context, chatID int64, src Source, caption, title, performer string) (*Sent, error) {
	return f.record(sentCall{method: "audio", chatID: chatID, src: src, caption: caption})
}

func (f *fakeTransport) SendDocument(ctx context.Context, chatID int64, src Source, caption string) (*Sent, error) {
	return f.record(sentCall{method: "document", chatID: chatID, src: src, caption: caption})
}

func (f *fakeTransport) SendAlbum(ctx context.Context, chatID int64, items []AlbumItem) ([]Sent, error) {
	if f.sendDelay > 0 {
		time.Sleep(f.sendDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSends > 0 {
		f.failSends--
		return nil, f.failWith
	}
	f.calls = append(f.calls, sentCall{method: "album", chatID: chatID, items: items})
	out := make([]Sent, 0, len(items))
	for range items {
		out = append(out, *f.next())
	}
	return out, nil
}

func (f *fakeTransport) AttachActionMenu(ctx context.Context, chatID int64, messageID int, cacheID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sentCall{method: "menu", chatID: chatID})
	return nil
}

func (f *fakeTransport) callsOf(method string) []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func newTestEngine(t *testing.T, tr Transport) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	e := New(Config{
		Store:     s,
		Registry:  flight.NewRegistry(),
		Gates:     gate.New(),
		Transport: tr,
		BotName:   "testbot",
	})
	e.retryBackoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	return e, s
}

// seedDiskFile plants a reusable on-disk photo so the leader path runs
// without external tools.
func seedDiskFile(t *testing.T, s *store.Store, url, name string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("image-bytes"), 0o644))
	require.NoError(t, s.SaveDownloadedFile(store.DownloadedFile{
		URL: url, FilePath: path, Size: 11, FileType: filepath.Ext(name),
		MediaKind: store.KindPhoto, TaskDir: dir,
	}, time.Hour))
	return path
}

func TestCacheHitSendsByFileID(t *testing.T) {
	tr := &fakeTransport{}
	e, s := newTestEngine(t, tr)

	url := "https://instagram.com/p/CACHED"
	_, err := s.SaveCache(url, []string{"stored-fid"}, store.KindPhoto, 1)
	require.NoError(t, err)

	require.NoError(t, e.ProcessURL(context.Background(), Request{ChatID: 7, UserID: 1, RawURL: url}))

	photos := tr.callsOf("photo")
	require.Len(t, photos, 1)
	assert.Equal(t, "stored-fid", photos[0].src.FileID)
	assert.Empty(t, photos[0].src.Path)
	assert.Equal(t, "⚡ @testbot\n🔗 "+url, photos[0].caption)
}

func TestFreshUploadWritesCache(t *testing.T) {
	tr := &fakeTransport{}
	e, s := newTestEngine(t, tr)

	url := "https://instagram.com/p/FRESH"
	seedDiskFile(t, s, url, "pic.jpg")

	require.NoError(t, e.ProcessURL(context.Background(), Request{ChatID: 7, UserID: 3, RawURL: url}))

	photos := tr.callsOf("photo")
	require.Len(t, photos, 1)
	assert.NotEmpty(t, photos[0].src.Path)
	assert.Equal(t, "@testbot\n🔗 "+url, photos[0].caption)

	ids, kind, ok, err := s.GetCache(url)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, ids, 1)
	assert.Equal(t, store.KindPhoto, kind)

	assert.Empty(t, tr.callsOf("menu"), "photos carry no action menu")
}

func TestAudioSendFailurePropagates(t *testing.T) {
	tr := &fakeTransport{failSends: 1, failWith: errors.New("Bad Request: wrong file type")}
	e, s := newTestEngine(t, tr)

	url := "https://soundcloud.com/artist/track"
	dir := t.TempDir()
	path := filepath.Join(dir, "track.mp3")
	require.NoError(t, os.WriteFile(path, []byte("audio-bytes"), 0o644))
	require.NoError(t, s.SaveDownloadedFile(store.DownloadedFile{
		URL: url, FilePath: path, Size: 11, FileType: ".mp3",
		MediaKind: store.KindAudio, TaskDir: dir,
	}, time.Hour))

	err := e.ProcessURL(context.Background(), Request{ChatID: 7, UserID: 3, RawURL: url})
	require.Error(t, err, "losing the only artifact fails the request")

	_, _, ok, gerr := s.GetCache(url)
	require.NoError(t, gerr)
	assert.False(t, ok, "no cache row after a failed delivery")
}

func TestPrepareMarksCoverArt(t *testing.T) {
	e, _ := newTestEngine(t, &fakeTransport{})

	arts, err := e.prepare(context.Background(), []string{"track.mp3", "cover.jpg"}, "cover.jpg")
	require.NoError(t, err)
	require.Len(t, arts, 2)
	assert.False(t, arts[0].isCover)
	assert.Equal(t, classAudio, arts[0].class)
	assert.True(t, arts[1].isCover, "the cover travels flagged so it stays out of the cache row")
	assert.Equal(t, classPhoto, arts[1].class)
}

func TestNeedsCompressionBoundary(t *testing.T) {
	assert.False(t, needsCompression(media.OptimizeThresholdBytes))
	assert.True(t, needsCompression(media.OptimizeThresholdBytes+1),
		"one byte over 48 MB already triggers compression")
	assert.True(t, needsCompression(media.TransportLimitBytes-1),
		"files between 48 and 50 MB do not ship uncompressed")
}

func TestUploadSingleAttachesVideoMeta(t *testing.T) {
	tr := &fakeTransport{}
	e, _ := newTestEngine(t, tr)

	art := preparedArtifact{
		path:  "clip.mp4",
		class: classVideo,
		meta:  VideoMeta{Width: 1280, Height: 720, Duration: 42},
	}
	out := &uploadOutcome{}
	require.NoError(t, e.uploadSingle(context.Background(), 7, "caption", art, out))

	vids := tr.callsOf("video")
	require.Len(t, vids, 1)
	assert.Equal(t, VideoMeta{Width: 1280, Height: 720, Duration: 42}, vids[0].meta,
		"probed dimensions and duration travel with the send")
}

func TestCachedCarouselChunking(t *testing.T) {
	tr := &fakeTransport{}
	e, s := newTestEngine(t, tr)

	url := "https://instagram.com/p/BIG"
	ids := make([]string, 11)
	for i := range ids {
		ids[i] = fmt.Sprintf("fid-%d", i)
	}
	_, err := s.SaveCache(url, ids, store.KindCarousel, 1)
	require.NoError(t, err)

	require.NoError(t, e.ProcessURL(context.Background(), Request{ChatID: 7, RawURL: url}))

	albums := tr.callsOf("album")
	require.Len(t, albums, 2)
	assert.Len(t, albums[0].items, 10)
	assert.Len(t, albums[1].items, 1)

	assert.NotEmpty(t, albums[0].items[0].Caption, "caption rides the first item only")
	for _, item := range albums[0].items[1:] {
		assert.Empty(t, item.Caption)
	}
	assert.Empty(t, albums[1].items[0].Caption)
}

func TestConcurrentDuplicatesShareOneUpload(t *testing.T) {
	tr := &fakeTransport{sendDelay: 50 * time.Millisecond}
	e, s := newTestEngine(t, tr)

	url := "https://tiktok.com/@u/video/DUP"
	seedDiskFile(t, s, url, "clip.jpg")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.ProcessURL(context.Background(), Request{ChatID: int64(10 + i), RawURL: url})
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	photos := tr.callsOf("photo")
	require.Len(t, photos, 2, "each chat gets a delivery")

	var fromDisk, fromCache int
	for _, c := range photos {
		if c.src.Path != "" {
			fromDisk++
		} else {
			fromCache++
		}
	}
	assert.Equal(t, 1, fromDisk, "exactly one upload from disk")
	assert.Equal(t, 1, fromCache, "the joiner resends by file id")
}

func TestSendRetryOnTimeout(t *testing.T) {
	timeoutErr := errors.New("request timeout while uploading")
	tr := &fakeTransport{failSends: 2, failWith: timeoutErr}
	e, s := newTestEngine(t, tr)

	url := "https://instagram.com/p/RETRY"
	seedDiskFile(t, s, url, "pic.jpg")

	require.NoError(t, e.ProcessURL(context.Background(), Request{ChatID: 1, RawURL: url}))
	require.Len(t, tr.callsOf("photo"), 1, "third attempt lands")
}

func TestSendNoRetryOnHardError(t *testing.T) {
	hard := errors.New("400: wrong file format")
	tr := &fakeTransport{failSends: 1, failWith: hard}
	e, s := newTestEngine(t, tr)

	url := "https://instagram.com/p/HARD"
	seedDiskFile(t, s, url, "pic.jpg")

	err := e.ProcessURL(context.Background(), Request{ChatID: 1, RawURL: url})
	require.Error(t, err)
	assert.Empty(t, tr.callsOf("photo"), "hard errors do not retry")
}

func TestJoinerDeferredWhileLeaderRuns(t *testing.T) {
	tr := &fakeTransport{}
	e, _ := newTestEngine(t, tr)

	url := e.Canonical("https://youtu.be/SLOW")
	call, leader := e.registry.Claim(url)
	require.True(t, leader)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.ProcessURL(ctx, Request{ChatID: 2, RawURL: url})
	assert.ErrorIs(t, err, flight.ErrDeferred)

	// The leader is unaffected and can still publish.
	e.registry.Fulfill(url, call, flight.Result{TransportIDs: []string{"x"}, Kind: store.KindVideo}, nil)
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, isTimeout(context.DeadlineExceeded))
	assert.True(t, isTimeout(errors.New("Gateway Timeout")))
	assert.False(t, isTimeout(errors.New("file too large")))
}

func TestCaption(t *testing.T) {
	e := &Engine{botName: "dreambot"}
	assert.Equal(t, "@dreambot\n🔗 u", e.caption("u", false))
	assert.Equal(t, "⚡ @dreambot\n🔗 u", e.caption("u", true))
}
