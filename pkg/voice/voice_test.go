package voice

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches [][]Item
}

func (r *flushRecorder) flush(userID int64, items []Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, items)
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *flushRecorder) batch(i int) []Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[i]
}

func newFastBatcher(r *flushRecorder) *Batcher {
	b := NewBatcher(r.flush)
	b.debounce = 30 * time.Millisecond
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestBatcherDebounce(t *testing.T) {
	rec := &flushRecorder{}
	b := newFastBatcher(rec)

	b.Add(Item{UserID: 1, MessageID: 3, UniqueID: "c"})
	b.Add(Item{UserID: 1, MessageID: 1, UniqueID: "a"})
	b.Add(Item{UserID: 1, MessageID: 2, UniqueID: "b"})

	waitFor(t, func() bool { return rec.count() == 1 })

	got := rec.batch(0)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b", "c"},
		[]string{got[0].UniqueID, got[1].UniqueID, got[2].UniqueID},
		"items sorted by message id")
}

func TestBatcherResetsTimerPerAddition(t *testing.T) {
	rec := &flushRecorder{}
	b := newFastBatcher(rec)

	// Keep adding inside the window; nothing may flush until we stop.
	for i := 0; i < 5; i++ {
		b.Add(Item{UserID: 1, MessageID: i})
		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, 0, rec.count())
	}
	waitFor(t, func() bool { return rec.count() == 1 })
	assert.Len(t, rec.batch(0), 5)
}

func TestBatcherSeparatesUsers(t *testing.T) {
	rec := &flushRecorder{}
	b := newFastBatcher(rec)

	b.Add(Item{UserID: 1, MessageID: 1, UniqueID: "u1"})
	b.Add(Item{UserID: 2, MessageID: 1, UniqueID: "u2"})

	waitFor(t, func() bool { return rec.count() == 2 })
	assert.Len(t, rec.batch(0), 1)
	assert.Len(t, rec.batch(1), 1)
}

func TestBatcherCapFlushesImmediately(t *testing.T) {
	rec := &flushRecorder{}
	b := newFastBatcher(rec)
	b.debounce = time.Hour // only the cap can flush

	for i := 0; i < BatchCap; i++ {
		b.Add(Item{UserID: 1, MessageID: i})
	}
	waitFor(t, func() bool { return rec.count() == 1 })
	assert.Len(t, rec.batch(0), BatchCap)

	// The 51st starts a fresh batch.
	b.Add(Item{UserID: 1, MessageID: 100})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestSplitMessage(t *testing.T) {
	assert.Nil(t, SplitMessage("", MaxMessageLength))
	assert.Equal(t, []string{"short"}, SplitMessage("short", MaxMessageLength))

	long := strings.Repeat("слово ", 2000)
	chunks := SplitMessage(long, MaxMessageLength)
	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), MaxMessageLength)
		// Word-boundary cuts keep every chunk valid UTF-8.
		assert.True(t, strings.HasPrefix(chunk, "слово"))
		assert.NotContains(t, chunk, "�")
	}

	// Reassembly loses only whitespace.
	joined := strings.Join(chunks, " ")
	assert.Equal(t, strings.TrimSpace(long), joined)
}

func TestSplitMessageNoSpaces(t *testing.T) {
	long := strings.Repeat("ж", 5000) // 2 bytes per rune
	chunks := SplitMessage(long, 4096)
	require.Len(t, chunks, 3)
	for _, chunk := range chunks {
		assert.True(t, len(chunk)%2 == 0, "no rune split in half")
	}
}

func TestCombineTranscripts(t *testing.T) {
	items := []Item{
		{UniqueID: "a", MessageID: 1},
		{UniqueID: "b", MessageID: 2},
		{UniqueID: "c", MessageID: 3},
	}

	text, uids := combineTranscripts(items, []string{"первое", "", "третье"})
	assert.Equal(t, "Сообщение 1:\nпервое\n\nСообщение 2:\nтретье", text)
	assert.Equal(t, []string{"a", "c"}, uids)

	single, uids := combineTranscripts(items[:1], []string{"только одно"})
	assert.Equal(t, "только одно", single)
	assert.Equal(t, []string{"a"}, uids)

	empty, uids := combineTranscripts(items, []string{"", "", ""})
	assert.Empty(t, empty)
	assert.Nil(t, uids)
}

func TestSummaryPayload(t *testing.T) {
	assert.Empty(t, summaryPayload(nil))
	assert.Equal(t, "summarize:a", summaryPayload([]string{"a"}))
	assert.Equal(t, "batch_summarize:a,b,c", summaryPayload([]string{"a", "b", "c"}))
}
