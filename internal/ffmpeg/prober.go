package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strconv"
	"strings"

	"github.com/clipjoint/renderd/internal/render"
)

// ProbeResult is the decoded ffprobe JSON document.
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// ProbeFormat carries container-level fields.
type ProbeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	StartTime  string `json:"start_time"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

// ProbeStream carries per-stream fields.
type ProbeStream struct {
	Index        int    `json:"index"`
	CodecName    string `json:"codec_name"`
	CodecType    string `json:"codec_type"` // video, audio, subtitle, data
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	PixFmt       string `json:"pix_fmt,omitempty"`
	RFrameRate   string `json:"r_frame_rate,omitempty"`
	AvgFrameRate string `json:"avg_frame_rate,omitempty"`
	SampleRate   string `json:"sample_rate,omitempty"`
	Channels     int    `json:"channels,omitempty"`
	StartTime    string `json:"start_time,omitempty"`
	Duration     string `json:"duration,omitempty"`
}

// VideoInfo is the probed shape of a source clip, as consumed by the layer
// compositor and the extraction stage.
type VideoInfo struct {
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	FPS      float64 `json:"fps"`
	Codec    string  `json:"codec"`
	PixFmt   string  `json:"pix_fmt"`
	Duration float64 `json:"duration"`
	HasAudio bool    `json:"has_audio"`
}

// Probe runs ffprobe against a file and returns the decoded document. The
// call is bounded by the configured probe timeout.
func (t *Toolchain) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.probeTimeout)
	defer cancel()

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}

	cmd := exec.CommandContext(ctx, t.ffprobePath, args...)
	output, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, render.Errorf(render.KindTimeout, "ffmpeg.probe",
				"probe of %s timed out after %s", path, t.probeTimeout)
		}
		return nil, render.E(render.KindToolchainFailure, "ffmpeg.probe", err).
			WithDetail("ffprobe " + path)
	}

	var result ProbeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, render.E(render.KindToolchainFailure, "ffmpeg.probe", err).
			WithDetail("decoding ffprobe output for " + path)
	}
	return &result, nil
}

// ProbeDuration returns a file's duration in seconds. Zero with a nil error
// means the container does not report one.
func (t *Toolchain) ProbeDuration(ctx context.Context, path string) (float64, error) {
	result, err := t.Probe(ctx, path)
	if err != nil {
		return 0, err
	}
	return result.DurationSeconds(), nil
}

// ProbeVideoInfo probes a source clip and returns its video attributes plus
// whether it carries an audio stream. Files without a video stream are
// rejected.
func (t *Toolchain) ProbeVideoInfo(ctx context.Context, path string) (*VideoInfo, error) {
	result, err := t.Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	vs := result.VideoStream()
	if vs == nil {
		return nil, render.Errorf(render.KindInvalidInput, "ffmpeg.probe",
			"%s has no video stream", path)
	}

	return &VideoInfo{
		Width:    vs.Width,
		Height:   vs.Height,
		FPS:      vs.Framerate(),
		Codec:    vs.CodecName,
		PixFmt:   vs.PixFmt,
		Duration: result.DurationSeconds(),
		HasAudio: result.AudioStream() != nil,
	}, nil
}

// HasAudio reports whether a file carries at least one audio stream.
func (t *Toolchain) HasAudio(ctx context.Context, path string) (bool, error) {
	result, err := t.Probe(ctx, path)
	if err != nil {
		return false, err
	}
	return result.AudioStream() != nil, nil
}

// FirstVideoPTS returns the start time of the first video stream in
// seconds. The combining stage uses it to validate stream-copy concat
// output.
func (t *Toolchain) FirstVideoPTS(ctx context.Context, path string) (float64, error) {
	result, err := t.Probe(ctx, path)
	if err != nil {
		return 0, err
	}
	vs := result.VideoStream()
	if vs == nil {
		return 0, render.Errorf(render.KindInvalidInput, "ffmpeg.probe",
			"%s has no video stream", path)
	}
	return parseSeconds(vs.StartTime), nil
}

// VideoStream returns the first video stream.
func (r *ProbeResult) VideoStream() *ProbeStream {
	for i := range r.Streams {
		if r.Streams[i].CodecType == "video" {
			return &r.Streams[i]
		}
	}
	return nil
}

// AudioStream returns the first audio stream.
func (r *ProbeResult) AudioStream() *ProbeStream {
	for i := range r.Streams {
		if r.Streams[i].CodecType == "audio" {
			return &r.Streams[i]
		}
	}
	return nil
}

// DurationSeconds returns the container duration, falling back to the
// longest stream duration when the format omits one. Zero means unknown.
func (r *ProbeResult) DurationSeconds() float64 {
	if d := parseSeconds(r.Format.Duration); d > 0 {
		return d
	}
	var longest float64
	for i := range r.Streams {
		if d := parseSeconds(r.Streams[i].Duration); d > longest {
			longest = d
		}
	}
	return longest
}

// Framerate parses the stream's rational frame rate, preferring the average
// rate when both are present.
func (s *ProbeStream) Framerate() float64 {
	if fps := parseFramerate(s.AvgFrameRate); fps > 0 {
		return fps
	}
	return parseFramerate(s.RFrameRate)
}

// parseFramerate parses ffprobe's "num/den" rational form. "0/0" and
// malformed values yield zero.
func parseFramerate(fr string) float64 {
	if fr == "" {
		return 0
	}
	parts := strings.Split(fr, "/")
	if len(parts) == 1 {
		f, _ := strconv.ParseFloat(parts[0], 64)
		return f
	}
	if len(parts) != 2 {
		return 0
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}

func parseSeconds(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
