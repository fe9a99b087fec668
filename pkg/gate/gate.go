// Package gate bounds the expensive stages of the pipeline with weighted
// semaphores. The limits keep a single modest host responsive while many
// chats hammer it at once.
package gate

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Stage capacities. Downloads are network-bound so they get the widest
// gate; optimization runs full re-encodes and gets the narrowest.
const (
	MaxDownloads      = 10
	MaxConversions    = 8
	MaxOptimizations  = 4
	MaxTranscriptions = 8
)

// Gates holds one semaphore per pipeline stage.
type Gates struct {
	downloads      *semaphore.Weighted
	conversions    *semaphore.Weighted
	optimizations  *semaphore.Weighted
	transcriptions *semaphore.Weighted
}

func New() *Gates {
	return &Gates{
		downloads:      semaphore.NewWeighted(MaxDownloads),
		conversions:    semaphore.NewWeighted(MaxConversions),
		optimizations:  semaphore.NewWeighted(MaxOptimizations),
		transcriptions: semaphore.NewWeighted(MaxTranscriptions),
	}
}

// Download runs fn while holding a download slot.
func (g *Gates) Download(ctx context.Context, fn func() error) error {
	return run(ctx, g.downloads, fn)
}

// Conversion runs fn while holding a conversion slot.
func (g *Gates) Conversion(ctx context.Context, fn func() error) error {
	return run(ctx, g.conversions, fn)
}

// Optimization runs fn while holding an optimization slot.
func (g *Gates) Optimization(ctx context.Context, fn func() error) error {
	return run(ctx, g.optimizations, fn)
}

// Transcription runs fn while holding a transcription slot.
func (g *Gates) Transcription(ctx context.Context, fn func() error) error {
	return run(ctx, g.transcriptions, fn)
}

func run(ctx context.Context, sem *semaphore.Weighted, fn func() error) error {
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sem.Release(1)
	return fn()
}
