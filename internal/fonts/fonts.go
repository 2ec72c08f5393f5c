// Package fonts resolves declared subtitle fonts against a local font
// directory.
package fonts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DirProvider matches font families against the files in a directory.
// Matching ignores case, spaces, hyphens and underscores, so
// "Noto Sans" resolves NotoSans-Regular.ttf.
type DirProvider struct {
	dir string
	log *slog.Logger
}

// NewDirProvider creates a provider over dir.
func NewDirProvider(dir string, log *slog.Logger) *DirProvider {
	if log == nil {
		log = slog.Default()
	}
	return &DirProvider{dir: dir, log: log.With(slog.String("component", "fonts"))}
}

// EnsureFont returns the font file for the given family. An exact base
// name match wins; otherwise the first weight-suffixed file whose name
// starts with the family is used.
func (p *DirProvider) EnsureFont(ctx context.Context, family string) (string, error) {
	key := normalize(family)
	if key == "" {
		return "", fmt.Errorf("empty font family")
	}

	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return "", fmt.Errorf("reading font directory: %w", err)
	}

	prefix := ""
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(ent.Name())) {
		case ".ttf", ".otf", ".ttc":
		default:
			continue
		}
		base := normalize(strings.TrimSuffix(ent.Name(), filepath.Ext(ent.Name())))
		path := filepath.Join(p.dir, ent.Name())
		if base == key {
			p.log.DebugContext(ctx, "font resolved",
				slog.String("family", family), slog.String("path", path))
			return path, nil
		}
		if prefix == "" && strings.HasPrefix(base, key) {
			prefix = path
		}
	}
	if prefix != "" {
		p.log.DebugContext(ctx, "font resolved by prefix",
			slog.String("family", family), slog.String("path", prefix))
		return prefix, nil
	}

	return "", fmt.Errorf("font %q not found in %s", family, p.dir)
}

func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch r {
		case ' ', '-', '_':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
