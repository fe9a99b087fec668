// Package voice turns voice and video-note messages into text. Messages
// forwarded in quick succession are batched per user, transcribed in
// parallel and answered with one combined transcript.
package voice

import (
	"sort"
	"sync"
	"time"

	"github.com/dreamcatchered/dreamDownloader/pkg/logger"
)

// Batching knobs. The debounce window is how long a user can keep
// forwarding before the batch closes; the cap bounds memory and flushes
// oversized dumps immediately.
const (
	DebounceWindow = 500 * time.Millisecond
	BatchCap       = 50
)

// Item is one voice or video-note message waiting for transcription.
type Item struct {
	ChatID    int64
	UserID    int64
	MessageID int
	FileID    string
	UniqueID  string
}

// Batcher groups incoming items per user and hands closed batches to the
// flush callback, sorted by message id so the transcript reads in send
// order.
type Batcher struct {
	mu      sync.Mutex
	pending map[int64][]Item
	timers  map[int64]*time.Timer

	flush    func(userID int64, items []Item)
	debounce time.Duration
	cap      int
}

func NewBatcher(flush func(userID int64, items []Item)) *Batcher {
	return &Batcher{
		pending:  make(map[int64][]Item),
		timers:   make(map[int64]*time.Timer),
		flush:    flush,
		debounce: DebounceWindow,
		cap:      BatchCap,
	}
}

// Add queues an item. Every addition restarts the user's debounce timer;
// hitting the cap flushes at once.
func (b *Batcher) Add(item Item) {
	b.mu.Lock()
	b.pending[item.UserID] = append(b.pending[item.UserID], item)
	count := len(b.pending[item.UserID])

	if count >= b.cap {
		items := b.take(item.UserID)
		b.mu.Unlock()
		logger.InfoCF("voice", "Batch cap reached, flushing", map[string]any{
			"user":  item.UserID,
			"count": len(items),
		})
		go b.flush(item.UserID, items)
		return
	}

	if timer, ok := b.timers[item.UserID]; ok {
		timer.Stop()
	}
	userID := item.UserID
	b.timers[userID] = time.AfterFunc(b.debounce, func() {
		b.mu.Lock()
		items := b.take(userID)
		b.mu.Unlock()
		if len(items) > 0 {
			b.flush(userID, items)
		}
	})
	b.mu.Unlock()
}

// take removes and orders a user's pending items. Callers hold the lock.
func (b *Batcher) take(userID int64) []Item {
	items := b.pending[userID]
	delete(b.pending, userID)
	if timer, ok := b.timers[userID]; ok {
		timer.Stop()
		delete(b.timers, userID)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].MessageID < items[j].MessageID
	})
	return items
}
