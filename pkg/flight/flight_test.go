package flight

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamcatchered/dreamDownloader/pkg/store"
)

func TestSingleLeader(t *testing.T) {
	r := NewRegistry()

	c1, leader1 := r.Claim("https://instagram.com/reel/A")
	c2, leader2 := r.Claim("https://instagram.com/reel/A")

	assert.True(t, leader1)
	assert.False(t, leader2)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, r.Len())
}

func TestFulfillWakesAllWaiters(t *testing.T) {
	r := NewRegistry()
	c, leader := r.Claim("key")
	require.True(t, leader)

	const waiters = 5
	var wg sync.WaitGroup
	results := make([]Result, waiters)
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Wait(context.Background())
		}(i)
	}

	want := Result{TransportIDs: []string{"fid"}, Kind: store.KindVideo, CacheID: 9}
	r.Fulfill("key", c, want, nil)
	wg.Wait()

	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, want, results[i])
	}
	assert.Equal(t, 0, r.Len())
}

func TestWaitDeferredOnDeadline(t *testing.T) {
	r := NewRegistry()
	c, leader := r.Claim("slow")
	require.True(t, leader)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Wait(ctx)
	assert.ErrorIs(t, err, ErrDeferred)

	// The call is still live and can complete for later joiners.
	assert.Equal(t, 1, r.Len())
	r.Fulfill("slow", c, Result{TransportIDs: []string{"late"}}, nil)

	res, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"late"}, res.TransportIDs)
}

func TestFulfillOnce(t *testing.T) {
	r := NewRegistry()
	c, _ := r.Claim("k")

	r.Fulfill("k", c, Result{TransportIDs: []string{"first"}}, nil)
	r.Fulfill("k", c, Result{TransportIDs: []string{"second"}}, errors.New("late"))

	res, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, res.TransportIDs)
}

func TestFulfillError(t *testing.T) {
	r := NewRegistry()
	c, _ := r.Claim("k")

	boom := errors.New("download failed")
	r.Fulfill("k", c, Result{}, boom)

	_, err := c.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestReclaimAfterFulfill(t *testing.T) {
	r := NewRegistry()
	c, _ := r.Claim("k")
	r.Fulfill("k", c, Result{}, nil)

	_, leader := r.Claim("k")
	assert.True(t, leader, "retired key must be claimable again")
}
