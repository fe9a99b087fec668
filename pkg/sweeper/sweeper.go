// Package sweeper runs the background hygiene loops: TTL cleanup of
// recorded downloads, purging stray files when the pipeline is idle, and
// a memory guard that restarts the process when an idle bot bloats.
package sweeper

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/procfs"

	"github.com/dreamcatchered/dreamDownloader/pkg/flight"
	"github.com/dreamcatchered/dreamDownloader/pkg/logger"
	"github.com/dreamcatchered/dreamDownloader/pkg/store"
)

// Sweep cadences and restart thresholds. The warm-up delay keeps the
// guard from firing during startup spikes; the cooldown stops restart
// loops.
const (
	ttlSweepInterval  = time.Hour
	idleSweepInterval = 5 * time.Minute
	memCheckInterval  = time.Minute
	warmupDelay       = 5 * time.Minute

	idleRestartAfter  = 10 * time.Minute
	rssRestartBytes   = 150 * 1024 * 1024
	sysMemRestartFrac = 0.85
	restartCooldown   = 30 * time.Minute
)

// Sweeper owns the three background loops.
type Sweeper struct {
	store        *store.Store
	registry     *flight.Registry
	downloadsDir string

	lastActivity time.Time
	lastRestart  time.Time
	startedAt    time.Time

	// exit is swapped in tests; the default restarts via the supervisor.
	exit func()
}

func New(s *store.Store, registry *flight.Registry, downloadsDir string) *Sweeper {
	now := time.Now()
	return &Sweeper{
		store:        s,
		registry:     registry,
		downloadsDir: downloadsDir,
		lastActivity: now,
		startedAt:    now,
		exit:         func() { os.Exit(0) },
	}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ttl := time.NewTicker(ttlSweepInterval)
	idle := time.NewTicker(idleSweepInterval)
	mem := time.NewTicker(memCheckInterval)
	defer ttl.Stop()
	defer idle.Stop()
	defer mem.Stop()

	logger.InfoCF("sweeper", "Background sweeps started", nil)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ttl.C:
			s.sweepExpired()
		case <-idle.C:
			s.sweepIdleDownloads()
		case <-mem.C:
			s.checkMemory()
		}
	}
}

func (s *Sweeper) sweepExpired() {
	n, err := s.store.CleanupExpiredFiles()
	if err != nil {
		logger.ErrorCF("sweeper", "TTL sweep failed", map[string]any{"error": err.Error()})
		return
	}
	if n > 0 {
		logger.InfoCF("sweeper", "TTL sweep removed records", map[string]any{"count": n})
	}
}

// sweepIdleDownloads removes task directories with no tracking row once
// nothing is in flight. Tracked directories belong to the TTL sweep.
func (s *Sweeper) sweepIdleDownloads() {
	if s.registry.Len() > 0 {
		s.lastActivity = time.Now()
		return
	}

	entries, err := os.ReadDir(s.downloadsDir)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-time.Hour)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(s.downloadsDir, entry.Name())
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if s.dirIsTracked(path) {
			continue
		}
		if err := os.RemoveAll(path); err == nil {
			removed++
		}
	}
	if removed > 0 {
		logger.InfoCF("sweeper", "Removed stale task directories", map[string]any{"count": removed})
	}
}

// dirIsTracked reports whether any live download record points into dir.
func (s *Sweeper) dirIsTracked(dir string) bool {
	tracked, err := s.store.TaskDirTracked(dir)
	if err != nil {
		// On lookup failure keep the directory; deleting live files is
		// worse than leaking disk for an hour.
		return true
	}
	return tracked
}

// checkMemory restarts the process when it has been idle for a while and
// memory stays high. Restarting under load is never allowed.
func (s *Sweeper) checkMemory() {
	if s.registry.Len() > 0 {
		s.lastActivity = time.Now()
		return
	}
	now := time.Now()
	if now.Sub(s.startedAt) < warmupDelay ||
		now.Sub(s.lastActivity) < idleRestartAfter ||
		now.Sub(s.lastRestart) < restartCooldown {
		return
	}

	rss, sysFrac, err := readMemory()
	if err != nil {
		logger.DebugCF("sweeper", "Memory read failed", map[string]any{"error": err.Error()})
		return
	}

	if rss > rssRestartBytes || sysFrac > sysMemRestartFrac {
		logger.WarnCF("sweeper", "Idle with high memory, restarting", map[string]any{
			"rss_mb":   rss / (1024 * 1024),
			"sys_frac": sysFrac,
		})
		s.lastRestart = now
		s.exit()
	}
}

// readMemory returns the process RSS in bytes and the system memory
// utilization fraction.
func readMemory() (uint64, float64, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, 0, err
	}

	self, err := fs.Self()
	if err != nil {
		return 0, 0, err
	}
	stat, err := self.Stat()
	if err != nil {
		return 0, 0, err
	}
	rss := uint64(stat.ResidentMemory())

	mem, err := fs.Meminfo()
	if err != nil {
		return rss, 0, nil
	}
	var frac float64
	if mem.MemTotal != nil && mem.MemAvailable != nil && *mem.MemTotal > 0 {
		frac = 1 - float64(*mem.MemAvailable)/float64(*mem.MemTotal)
	}
	return rss, frac, nil
}
