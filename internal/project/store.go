package project

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/clipjoint/renderd/internal/render"
)

const (
	projectFileName = "project.json"
	lockFileName    = ".project.lock"
	lockRetryDelay  = 100 * time.Millisecond
)

// Store reads and writes project files under a base directory, one
// subdirectory per project. Writes are atomic (temp file + rename) and the
// load-modify-save cycle is guarded by a per-project advisory lock shared
// with worker processes.
type Store struct {
	dir         string
	lockTimeout time.Duration
	log         *slog.Logger
}

// NewStore returns a store rooted at dir. lockTimeout bounds how long
// callers wait for a project's lock before the operation fails Busy.
func NewStore(dir string, lockTimeout time.Duration, log *slog.Logger) *Store {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &Store{
		dir:         dir,
		lockTimeout: lockTimeout,
		log:         log.With("component", "project-store"),
	}
}

// validName rejects names that would escape the projects directory. A
// project name must be a single path element.
func validName(name string) error {
	if name == "" {
		return render.Errorf(render.KindInvalidInput, "project.name", "project name is empty")
	}
	clean := filepath.Clean(name)
	if clean != name || clean == "." || clean == ".." ||
		strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return render.Errorf(render.KindInvalidInput, "project.name",
			"invalid project name %q", name)
	}
	return nil
}

// Dir returns the directory holding the named project's files.
func (s *Store) Dir(name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, name), nil
}

// Path returns the project file path for name.
func (s *Store) Path(name string) (string, error) {
	dir, err := s.Dir(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, projectFileName), nil
}

// Exists reports whether the named project has a project file.
func (s *Store) Exists(name string) bool {
	path, err := s.Path(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Load reads, migrates and returns the named project. A missing project is
// InvalidInput: exports against unknown projects are caller mistakes, not
// recoverable gaps.
func (s *Store) Load(name string) (*Project, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, render.Errorf(render.KindInvalidInput, "project.load",
				"project %q does not exist", name)
		}
		return nil, render.E(render.KindInvalidInput, "project.load", err)
	}

	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, render.E(render.KindInvalidInput, "project.load",
			fmt.Errorf("parsing %s: %w", path, err))
	}
	if err := p.migrate(); err != nil {
		return nil, err
	}
	if p.Name == "" {
		p.Name = name
	}
	return &p, nil
}

// Save writes the project atomically: marshal, write project.json.tmp in
// the same directory, rename into place. Callers that read before writing
// must hold the project lock across the whole cycle (see WithLock).
func (s *Store) Save(name string, p *Project) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating project directory: %w", err)
	}

	p.Version = CurrentVersion
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding project %q: %w", name, err)
	}
	data = append(data, '\n')

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o640); err != nil {
		return fmt.Errorf("writing temporary project file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("renaming project file into place: %w", err)
	}
	return nil
}

// WithLock runs fn while holding the named project's advisory lock. The
// lock is retried until acquired or the store's lock timeout elapses, in
// which case the error is Busy. The lock is shared across processes, so a
// server and a render worker never interleave a read-modify-write.
func (s *Store) WithLock(ctx context.Context, name string, fn func() error) error {
	dir, err := s.Dir(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating project directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	locked, err := lock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil && ctx.Err() != nil {
		// The caller's context died, not the lock window.
		return render.E(render.KindCancelled, "project.lock", ctx.Err())
	}
	if err != nil || !locked {
		s.log.Warn("project lock contention", "project", name, "timeout", s.lockTimeout)
		return render.Errorf(render.KindBusy, "project.lock",
			"project %q is locked by another process", name)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			s.log.Warn("failed to release project lock", "project", name, "error", err)
		}
	}()

	return fn()
}

// UpdateLocked loads the project, applies fn and saves the result, all
// under the project lock.
func (s *Store) UpdateLocked(ctx context.Context, name string, fn func(*Project) error) error {
	return s.WithLock(ctx, name, func() error {
		p, err := s.Load(name)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		return s.Save(name, p)
	})
}
