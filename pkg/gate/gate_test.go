package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptimizationConcurrencyBound(t *testing.T) {
	g := New()

	var (
		current int32
		peak    int32
		wg      sync.WaitGroup
	)
	for i := 0; i < MaxOptimizations*3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Optimization(context.Background(), func() error {
				n := atomic.AddInt32(&current, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&current, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(MaxOptimizations))
	assert.Greater(t, atomic.LoadInt32(&peak), int32(0))
}

func TestAcquireHonorsContext(t *testing.T) {
	g := New()

	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < MaxConversions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Conversion(context.Background(), func() error {
				<-release
				return nil
			})
		}()
	}

	// All slots are held; an extra caller with a short deadline must fail
	// without running its body.
	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ran := false
	err := g.Conversion(ctx, func() error {
		ran = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, ran)

	close(release)
	wg.Wait()
}

func TestStagesAreIndependent(t *testing.T) {
	g := New()

	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < MaxDownloads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Download(context.Background(), func() error {
				<-release
				return nil
			})
		}()
	}
	time.Sleep(20 * time.Millisecond)

	// A saturated download gate must not block transcription.
	done := make(chan error, 1)
	go func() {
		done <- g.Transcription(context.Background(), func() error { return nil })
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("transcription blocked by download gate")
	}

	close(release)
	wg.Wait()
}
