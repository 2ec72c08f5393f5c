package tts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/clipjoint/renderd/internal/render"
	"github.com/clipjoint/renderd/internal/subtitle"
)

// Prober reports media durations; the toolchain adapter satisfies it.
type Prober interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

// Entry is a resolved cache entry: the audio file and its subtitle file.
type Entry struct {
	AudioPath    string
	SubtitlePath string
	Hit          bool // true when the audio already existed
}

// Cache is the on-disk synthesis cache. Layout:
//
//	<dir>/<fp[:2]>/<fp>.mp3|wav   synthesized audio
//	<dir>/<fp[:2]>/<fp>.srt       cue file
//
// Concurrent lookups of the same fingerprint coalesce in-process via
// singleflight; distinct fingerprints synthesize in parallel up to the
// provider cap. Cross-process races are benign: both sides write the same
// bytes through a temp file and rename.
type Cache struct {
	dir      string
	provider Provider
	prober   Prober
	sem      *semaphore.Weighted
	group    singleflight.Group
	log      *slog.Logger
}

// NewCache returns a cache rooted at dir. maxConcurrent bounds in-flight
// provider calls (default 2).
func NewCache(dir string, provider Provider, prober Prober, maxConcurrent int, log *slog.Logger) *Cache {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Cache{
		dir:      dir,
		provider: provider,
		prober:   prober,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		log:      log.With("component", "tts-cache"),
	}
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

// shardDir returns the directory a fingerprint's files live in.
func (c *Cache) shardDir(fp string) string {
	return filepath.Join(c.dir, fp[:2])
}

// audioPath returns the existing audio file for fp, or "" when none.
func (c *Cache) audioPath(fp string) string {
	for _, ext := range []string{".mp3", ".wav"} {
		path := filepath.Join(c.shardDir(fp), fp+ext)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func (c *Cache) subtitlePath(fp string) string {
	return filepath.Join(c.shardDir(fp), fp+".srt")
}

// Get resolves the cache entry for req, synthesizing on a miss. An entry
// whose audio exists but whose subtitle file is gone gets its cues
// re-derived from the audio duration; the audio is never synthesized twice.
func (c *Cache) Get(ctx context.Context, req Request) (Entry, error) {
	if req.Text == "" {
		return Entry{}, render.Errorf(render.KindInvalidInput, "tts.get", "empty synthesis text")
	}

	fp := Fingerprint(req)

	v, err, _ := c.group.Do(fp, func() (any, error) {
		return c.resolve(ctx, fp, req)
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

func (c *Cache) resolve(ctx context.Context, fp string, req Request) (Entry, error) {
	if audio := c.audioPath(fp); audio != "" {
		sub := c.subtitlePath(fp)
		if _, err := os.Stat(sub); err == nil {
			return Entry{AudioPath: audio, SubtitlePath: sub, Hit: true}, nil
		}
		// Audio survived a cache prune that took the cue file; rebuild the
		// cues without paying for synthesis again.
		if err := c.deriveSubtitle(ctx, audio, sub, req.Text); err != nil {
			return Entry{}, err
		}
		c.log.Info("re-derived cues for cached audio", "fingerprint", fp[:8])
		return Entry{AudioPath: audio, SubtitlePath: sub, Hit: true}, nil
	}

	entry, err := c.synthesize(ctx, fp, req)
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (c *Cache) synthesize(ctx context.Context, fp string, req Request) (Entry, error) {
	const op = "tts.synthesize"

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return Entry{}, render.E(render.KindCancelled, op, err)
	}
	defer c.sem.Release(1)

	result, err := c.provider.Synthesize(ctx, req)
	if err != nil {
		return Entry{}, err
	}

	if err := os.MkdirAll(c.shardDir(fp), 0o750); err != nil {
		return Entry{}, fmt.Errorf("creating cache shard: %w", err)
	}

	audioPath := filepath.Join(c.shardDir(fp), fp+"."+result.Format)
	if err := writeAtomic(audioPath, result.Audio); err != nil {
		return Entry{}, fmt.Errorf("writing cached audio: %w", err)
	}

	subPath := c.subtitlePath(fp)
	if len(result.Cues) > 0 {
		if err := writeAtomic(subPath, []byte(subtitle.RenderSRT(result.Cues))); err != nil {
			return Entry{}, fmt.Errorf("writing cached cues: %w", err)
		}
	} else if err := c.deriveSubtitle(ctx, audioPath, subPath, req.Text); err != nil {
		return Entry{}, err
	}

	c.log.Info("synthesized narration audio",
		"fingerprint", fp[:8], "bytes", len(result.Audio), "format", result.Format)
	return Entry{AudioPath: audioPath, SubtitlePath: subPath}, nil
}

// deriveSubtitle writes evenly spaced cues spanning the audio's probed
// duration.
func (c *Cache) deriveSubtitle(ctx context.Context, audioPath, subPath, text string) error {
	duration, err := c.prober.ProbeDuration(ctx, audioPath)
	if err != nil {
		return err
	}
	if duration <= 0 {
		return render.Errorf(render.KindToolchainFailure, "tts.derive",
			"cached audio %s has no measurable duration", audioPath)
	}
	cues := DeriveCues(text, duration)
	if err := writeAtomic(subPath, []byte(subtitle.RenderSRT(cues))); err != nil {
		return fmt.Errorf("writing derived cues: %w", err)
	}
	return nil
}

// writeAtomic writes data via a uniquely named sibling temp file and a
// rename. Racing processes each rename their own complete file; readers
// never see a torn entry.
func writeAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tempPath := f.Name()
	_, writeErr := f.Write(data)
	closeErr := f.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tempPath)
		if writeErr != nil {
			return writeErr
		}
		return closeErr
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return err
	}
	return nil
}
