package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/clipjoint/renderd/internal/render"
	"github.com/clipjoint/renderd/internal/util"
)

// stderrTailLines is how much captured encoder stderr is attached to a
// failure.
const stderrTailLines = 20

// Progress is one parsed progress block from the encoder's -progress pipe.
type Progress struct {
	OutTime  float64 // seconds of output written so far
	Fraction float64 // OutTime over the supplied total, clamped to 1; 0 when the total is unknown
	Speed    float64 // realtime multiple, e.g. 1.6
	FPS      float64
	Frame    int64 // frames encoded; 0 for audio-only invocations
	Bitrate  string
	Done     bool
}

// ProgressFunc receives throttled progress reports during Run.
type ProgressFunc func(Progress)

// Run executes the encoder with the given arguments and streams progress to
// onProgress (which may be nil). The context must carry a deadline; every
// encoder invocation has a stage-appropriate wall-clock budget and a missing
// one is a caller bug, reported as InvalidInput rather than tolerated.
//
// The encoder runs in its own session with stderr captured to a temp file
// rather than a pipe, so a chatty encoder can never deadlock against the
// progress stream. On deadline the whole process group is killed and the
// last lines of stderr are attached to the returned Timeout error; nonzero
// exits return ToolchainFailure the same way.
func (t *Toolchain) Run(ctx context.Context, args []string, totalDuration float64, onProgress ProgressFunc) error {
	if _, ok := ctx.Deadline(); !ok {
		return render.Errorf(render.KindInvalidInput, "ffmpeg.run",
			"encoder invocation without a deadline")
	}

	full := make([]string, 0, len(args)+8)
	full = append(full,
		"-hide_banner", "-nostdin", "-loglevel", "error",
		"-progress", "pipe:1", "-stats_period", "0.5")
	full = append(full, args...)

	stderr, err := os.CreateTemp("", "renderd-ffmpeg-*.stderr")
	if err != nil {
		return render.E(render.KindToolchainFailure, "ffmpeg.run", err)
	}
	defer func() {
		stderr.Close()
		os.Remove(stderr.Name())
	}()

	cmd := exec.Command(t.ffmpegPath, full...)
	cmd.Stderr = stderr
	util.OwnProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return render.E(render.KindToolchainFailure, "ffmpeg.run", err)
	}

	t.log.Debug("running encoder", "args", strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return render.E(render.KindToolchainFailure, "ffmpeg.run", err)
	}

	watchdogDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = util.KillProcessGroup(cmd.Process.Pid, syscall.SIGKILL)
		case <-watchdogDone:
		}
	}()

	t.consumeProgress(stdout, totalDuration, onProgress)

	waitErr := cmd.Wait()
	close(watchdogDone)
	if waitErr == nil {
		return nil
	}

	tail := stderrTail(stderr.Name(), stderrTailLines)
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return render.Errorf(render.KindTimeout, "ffmpeg.run",
			"encoder killed after exceeding its deadline").WithDetail(tail)
	case errors.Is(ctx.Err(), context.Canceled):
		return render.E(render.KindCancelled, "ffmpeg.run", ctx.Err()).WithDetail(tail)
	default:
		return render.E(render.KindToolchainFailure, "ffmpeg.run", waitErr).WithDetail(tail)
	}
}

// consumeProgress reads key=value progress blocks until the pipe closes.
// Callbacks are rate limited; the terminal progress=end block is always
// delivered. Unparseable values are skipped, never fatal.
func (t *Toolchain) consumeProgress(r io.Reader, totalDuration float64, onProgress ProgressFunc) {
	scanner := bufio.NewScanner(r)
	var cur Progress
	var lastEmit time.Time

	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			// out_time_ms is microseconds despite the name.
			if v, err := strconv.ParseInt(value, 10, 64); err == nil && v >= 0 {
				cur.OutTime = float64(v) / 1e6
			}
		case "out_time":
			if sec, ok := parseClock(value); ok {
				cur.OutTime = sec
			}
		case "frame":
			cur.Frame, _ = strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		case "fps":
			cur.FPS, _ = strconv.ParseFloat(value, 64)
		case "bitrate":
			cur.Bitrate = strings.TrimSpace(value)
		case "speed":
			cur.Speed, _ = strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(value), "x"), 64)
		case "progress":
			// End of one block.
			cur.Done = value == "end"
			if totalDuration > 0 {
				cur.Fraction = cur.OutTime / totalDuration
				if cur.Fraction > 1 {
					cur.Fraction = 1
				}
			}
			if onProgress != nil && (cur.Done || time.Since(lastEmit) >= t.rateLimit) {
				onProgress(cur)
				lastEmit = time.Now()
			}
		}
	}
}

// parseClock parses ffmpeg's HH:MM:SS.micro clock form into seconds.
func parseClock(s string) (float64, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	sec, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	return float64(h)*3600 + float64(m)*60 + sec, true
}

// stderrTail returns the last n lines of the captured stderr log.
func stderrTail(path string, n int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	trimmed := strings.TrimRight(string(data), "\n")
	if trimmed == "" {
		return ""
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
