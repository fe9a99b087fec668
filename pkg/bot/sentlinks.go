package bot

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamcatchered/dreamDownloader/pkg/logger"
)

// sentLinksCap bounds the inline delivery cache; a cleanup pass runs
// lazily once the approximate counter crosses it.
const sentLinksCap = 10000

// sentLinksExpiry is how long a delivered link blocks re-delivery.
const sentLinksExpiry = 24 * time.Hour

// sentLinks remembers which (user, url) pairs already got a side-channel
// delivery from the inline path, so repeated inline queries while typing
// do not spam the chat.
type sentLinks struct {
	entries sync.Map // "userID|url" -> time.Time
	count   atomic.Int64
}

func sentLinkKey(userID int64, url string) string {
	return fmt.Sprintf("%d|%s", userID, url)
}

// MarkIfNew records the pair and reports whether it was unseen.
func (s *sentLinks) MarkIfNew(userID int64, url string) bool {
	key := sentLinkKey(userID, url)
	if _, loaded := s.entries.LoadOrStore(key, time.Now()); loaded {
		logger.DebugCF("bot", "Duplicate inline delivery skipped", map[string]any{"key": key})
		return false
	}

	if s.count.Add(1) >= int64(sentLinksCap) {
		s.cleanExpired()
	}
	return true
}

// Forget releases the pair, letting a failed delivery be retried.
func (s *sentLinks) Forget(userID int64, url string) {
	s.entries.Delete(sentLinkKey(userID, url))
}

// cleanExpired removes entries older than the expiry and resets the
// approximate counter.
func (s *sentLinks) cleanExpired() {
	cutoff := time.Now().Add(-sentLinksExpiry)
	s.entries.Range(func(key, value any) bool {
		if ts, ok := value.(time.Time); ok && ts.Before(cutoff) {
			s.entries.Delete(key)
		}
		return true
	})
	s.count.Store(0)
}
