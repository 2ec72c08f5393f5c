// Package ffmpeg wraps the external encoder and probe binaries behind a
// small, synchronous facade. All invocations carry an explicit wall-clock
// deadline; long encodes report structured progress parsed from the
// -progress pipe.
package ffmpeg

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clipjoint/renderd/internal/config"
	"github.com/clipjoint/renderd/internal/util"
)

// Environment overrides honoured when the config leaves binary paths empty.
const (
	EnvFFmpegBinary  = "RENDERD_FFMPEG_BINARY"
	EnvFFprobeBinary = "RENDERD_FFPROBE_BINARY"
)

// Toolchain is the shared handle on the encoder and probe binaries. It is
// safe for concurrent use; hardware-encoder detection is memoized per
// process.
type Toolchain struct {
	ffmpegPath  string
	ffprobePath string
	log         *slog.Logger

	probeTimeout   time.Duration
	encTestTimeout time.Duration
	rateLimit      time.Duration

	hwPriority []string

	detectMu sync.Mutex
	detected bool
	encoder  Encoder
}

// New resolves the encoder and probe binaries and returns a toolchain
// handle. Resolution order per binary: configured path, environment
// override, a copy next to the current executable, then PATH.
func New(cfg config.FFmpegConfig, log *slog.Logger) (*Toolchain, error) {
	ffmpegPath := cfg.BinaryPath
	if ffmpegPath == "" {
		p, err := util.FindBinary("ffmpeg", EnvFFmpegBinary)
		if err != nil {
			return nil, fmt.Errorf("locating ffmpeg: %w", err)
		}
		ffmpegPath = p
	}

	ffprobePath := cfg.ProbePath
	if ffprobePath == "" {
		p, err := util.FindBinary("ffprobe", EnvFFprobeBinary)
		if err != nil {
			return nil, fmt.Errorf("locating ffprobe: %w", err)
		}
		ffprobePath = p
	}

	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	encTestTimeout := cfg.HWAccelTestTimeout
	if encTestTimeout <= 0 {
		encTestTimeout = 5 * time.Second
	}

	return &Toolchain{
		ffmpegPath:     ffmpegPath,
		ffprobePath:    ffprobePath,
		log:            log.With("component", "ffmpeg"),
		probeTimeout:   probeTimeout,
		encTestTimeout: encTestTimeout,
		rateLimit:      500 * time.Millisecond,
		hwPriority:     cfg.HWAccelPriority,
	}, nil
}

// WithProgressRateLimit overrides the minimum interval between progress
// callbacks (default 500ms).
func (t *Toolchain) WithProgressRateLimit(d time.Duration) *Toolchain {
	if d > 0 {
		t.rateLimit = d
	}
	return t
}

// FFmpegPath returns the resolved encoder binary path.
func (t *Toolchain) FFmpegPath() string { return t.ffmpegPath }

// FFprobePath returns the resolved probe binary path.
func (t *Toolchain) FFprobePath() string { return t.ffprobePath }
