// Package watermark prepares watermark images for the overlay filter.
package watermark

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

// Normalize returns a path to an overlay-ready rendition of the image
// at path. PNG and JPEG pass through untouched; webp, bmp and tiff are
// decoded and re-encoded as PNG into dir.
func Normalize(path, dir string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".png", ".jpg", ".jpeg":
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("watermark image %s: %w", path, err)
		}
		return path, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("watermark image %s: %w", path, err)
	}
	defer f.Close()

	var img image.Image
	switch ext {
	case ".webp":
		img, err = webp.Decode(f)
	case ".bmp":
		img, err = bmp.Decode(f)
	case ".tif", ".tiff":
		img, err = tiff.Decode(f)
	default:
		img, _, err = image.Decode(f)
	}
	if err != nil {
		return "", fmt.Errorf("decode watermark %s: %w", path, err)
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	out := filepath.Join(dir, base+".png")
	w, err := os.Create(out)
	if err != nil {
		return "", fmt.Errorf("write watermark %s: %w", out, err)
	}
	if err := png.Encode(w, img); err != nil {
		w.Close()
		os.Remove(out)
		return "", fmt.Errorf("encode watermark %s: %w", out, err)
	}
	return out, w.Close()
}
