// Package janitor removes expired render artifacts in the background:
// orphaned export temp directories, aged synthesis cache entries, and
// finished job rows past their retention.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clipjoint/renderd/internal/config"
	"github.com/clipjoint/renderd/internal/repository"
)

// TempDirPrefix is the prefix the render pipeline uses for per-export
// scratch directories.
const TempDirPrefix = "export_"

// cronParser accepts the 6-field, seconds-first expressions used in
// configuration.
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Janitor runs cleanup sweeps on a cron schedule, plus one sweep at
// startup so a crashed server's leftovers do not wait for the first
// scheduled run.
type Janitor struct {
	mu sync.Mutex

	cfg      *config.Config
	repo     repository.ExportJobRepository
	log      *slog.Logger
	schedule cron.Schedule

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a janitor. An unparseable cron expression falls back to a
// 30 minute interval rather than disabling cleanup.
func New(cfg *config.Config, repo repository.ExportJobRepository, log *slog.Logger) *Janitor {
	schedule, err := cronParser.Parse(cfg.Janitor.Cron)
	if err != nil {
		log.Warn("invalid janitor cron expression, sweeping every 30m",
			slog.String("cron", cfg.Janitor.Cron),
			slog.String("error", err.Error()))
		schedule = cron.Every(30 * time.Minute)
	}

	return &Janitor{
		cfg:      cfg,
		repo:     repo,
		log:      log,
		schedule: schedule,
	}
}

// Start begins the background sweep loop.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.ctx != nil {
		return fmt.Errorf("janitor already started")
	}

	j.ctx, j.cancel = context.WithCancel(ctx)

	j.wg.Add(1)
	go j.loop()

	j.log.Info("janitor started", slog.String("cron", j.cfg.Janitor.Cron))
	return nil
}

// Stop stops the sweep loop and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if j.cancel != nil {
		j.cancel()
	}
	j.mu.Unlock()

	j.wg.Wait()

	j.mu.Lock()
	j.ctx = nil
	j.cancel = nil
	j.mu.Unlock()

	j.log.Info("janitor stopped")
}

func (j *Janitor) loop() {
	defer j.wg.Done()

	j.Sweep(j.ctx)

	for {
		next := j.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-j.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			j.Sweep(j.ctx)
		}
	}
}

// Sweep runs every cleanup task once. Each task logs and continues on
// failure so one bad directory cannot block the others.
func (j *Janitor) Sweep(ctx context.Context) {
	j.sweepTempDirs()
	j.sweepTTSCache()
	j.sweepJobs(ctx)
}

// sweepTempDirs removes export scratch directories whose workers are
// long gone. The pipeline removes its own temp dir on success and on
// failure; anything still here was orphaned by a kill or crash.
func (j *Janitor) sweepTempDirs() {
	maxAge := j.cfg.Janitor.TempMaxAge.Duration()
	if maxAge <= 0 {
		return
	}

	baseDir := j.cfg.Storage.TempPath()
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			j.log.Error("reading temp directory",
				slog.String("path", baseDir),
				slog.String("error", err.Error()))
		}
		return
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), TempDirPrefix) {
			continue
		}

		dirPath := filepath.Join(baseDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.RemoveAll(dirPath); err != nil {
			j.log.Warn("removing orphaned temp directory",
				slog.String("path", dirPath),
				slog.String("error", err.Error()))
			continue
		}

		j.log.Info("removed orphaned temp directory",
			slog.String("path", dirPath),
			slog.Duration("age", time.Since(info.ModTime()).Round(time.Second)))
		removed++
	}

	if removed > 0 {
		j.log.Info("temp sweep finished", slog.Int("removed", removed))
	}
}

// cacheEntry is one synthesized result on disk: the audio file plus its
// subtitle, grouped by fingerprint so eviction removes both together.
type cacheEntry struct {
	paths   []string
	size    int64
	modTime time.Time
}

// sweepTTSCache evicts synthesis cache entries older than the max age,
// then evicts oldest-first until the cache fits the size budget.
func (j *Janitor) sweepTTSCache() {
	maxAge := j.cfg.Janitor.TTSCacheMaxAge.Duration()
	maxBytes := j.cfg.TTS.CacheMaxSize.Bytes()
	if maxAge <= 0 && maxBytes <= 0 {
		return
	}

	dir := j.cfg.Storage.TTSCachePath()
	entries, err := collectCacheEntries(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			j.log.Error("reading synthesis cache",
				slog.String("path", dir),
				slog.String("error", err.Error()))
		}
		return
	}

	cutoff := time.Now().Add(-maxAge)
	var total int64
	live := entries[:0]
	var removed int

	for _, e := range entries {
		if maxAge > 0 && e.modTime.Before(cutoff) {
			removed += j.removeCacheEntry(e)
			continue
		}
		total += e.size
		live = append(live, e)
	}

	if maxBytes > 0 && total > maxBytes {
		sort.Slice(live, func(a, b int) bool {
			return live[a].modTime.Before(live[b].modTime)
		})
		for _, e := range live {
			if total <= maxBytes {
				break
			}
			removed += j.removeCacheEntry(e)
			total -= e.size
		}
	}

	if removed > 0 {
		pruneEmptyShards(dir)
		j.log.Info("synthesis cache swept",
			slog.Int("entries_removed", removed),
			slog.Int64("bytes_remaining", total))
	}
}

// collectCacheEntries walks the two-level shard layout and groups files
// by fingerprint stem. The group's mod time is its newest file.
func collectCacheEntries(dir string) ([]*cacheEntry, error) {
	shards, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	groups := make(map[string]*cacheEntry)
	var order []string

	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(dir, shard.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			stem := strings.TrimSuffix(f.Name(), filepath.Ext(f.Name()))
			key := filepath.Join(shard.Name(), stem)
			e, ok := groups[key]
			if !ok {
				e = &cacheEntry{}
				groups[key] = e
				order = append(order, key)
			}
			e.paths = append(e.paths, filepath.Join(shardPath, f.Name()))
			e.size += info.Size()
			if info.ModTime().After(e.modTime) {
				e.modTime = info.ModTime()
			}
		}
	}

	entries := make([]*cacheEntry, 0, len(groups))
	for _, key := range order {
		entries = append(entries, groups[key])
	}
	return entries, nil
}

// removeCacheEntry deletes every file of one cache entry. Returns 1
// when the entry is gone, 0 when any file survived.
func (j *Janitor) removeCacheEntry(e *cacheEntry) int {
	ok := 1
	for _, path := range e.paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			j.log.Warn("evicting synthesis cache file",
				slog.String("path", path),
				slog.String("error", err.Error()))
			ok = 0
		}
	}
	return ok
}

// pruneEmptyShards removes shard directories emptied by eviction.
func pruneEmptyShards(dir string) {
	shards, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		// Remove refuses non-empty directories, which is exactly the
		// check needed here.
		_ = os.Remove(filepath.Join(dir, shard.Name()))
	}
}

// sweepJobs prunes terminal export job rows past the retention window.
func (j *Janitor) sweepJobs(ctx context.Context) {
	retention := j.cfg.Janitor.JobRetention.Duration()
	if retention <= 0 || j.repo == nil {
		return
	}

	cutoff := time.Now().Add(-retention)
	count, err := j.repo.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		j.log.Error("pruning finished export jobs",
			slog.String("error", err.Error()))
		return
	}
	if count > 0 {
		j.log.Info("pruned finished export jobs", slog.Int64("removed", count))
	}
}
