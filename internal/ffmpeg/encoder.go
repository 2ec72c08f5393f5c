package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/clipjoint/renderd/internal/render"
)

// EncoderKind groups encoder names by the acceleration family they belong
// to. The kind selects the quality-preset row; the name is what goes on the
// command line.
type EncoderKind string

const (
	EncoderNVENC        EncoderKind = "nvenc"
	EncoderQSV          EncoderKind = "qsv"
	EncoderVAAPI        EncoderKind = "vaapi"
	EncoderAMF          EncoderKind = "amf"
	EncoderVideoToolbox EncoderKind = "videotoolbox"
	EncoderSoftware     EncoderKind = "software"
)

// Encoder identifies a usable H.264 encoder. VAAPI carries device-init
// arguments and an upload filter that stages append to their video chains.
type Encoder struct {
	Name string
	Kind EncoderKind

	inputArgs    []string
	uploadFilter string
}

// InputArgs returns global arguments the encoder needs before any input
// (hardware device initialisation). Empty for most encoders.
func (e Encoder) InputArgs() []string { return e.inputArgs }

// UploadFilter returns the filter suffix that moves frames into device
// memory, or "" when the encoder accepts system-memory frames.
func (e Encoder) UploadFilter() string { return e.uploadFilter }

// Hardware reports whether the encoder is hardware accelerated.
func (e Encoder) Hardware() bool { return e.Kind != EncoderSoftware }

func softwareEncoder() Encoder {
	return Encoder{Name: "libx264", Kind: EncoderSoftware}
}

// DetectHardwareEncoder probes for a working hardware H.264 encoder and
// falls back to libx264. The result is memoized for the process lifetime;
// detection shells out, so the first call can take a few seconds.
func (t *Toolchain) DetectHardwareEncoder(ctx context.Context) Encoder {
	t.detectMu.Lock()
	defer t.detectMu.Unlock()
	if t.detected {
		return t.encoder
	}

	start := time.Now()
	enc := t.detectEncoder(ctx)
	t.log.Info("encoder selected",
		"encoder", enc.Name,
		"hardware", enc.Hardware(),
		"took", time.Since(start).Round(time.Millisecond))

	t.encoder = enc
	t.detected = true
	return enc
}

func (t *Toolchain) detectEncoder(ctx context.Context) Encoder {
	available, err := t.listEncoders(ctx)
	if err != nil {
		t.log.Warn("listing encoders failed, using software encoder", "error", err)
		return softwareEncoder()
	}

	for _, cand := range t.encoderCandidates() {
		if !available[cand.Name] {
			continue
		}
		if err := t.testEncoder(ctx, cand); err != nil {
			t.log.Debug("encoder smoke test failed", "encoder", cand.Name, "error", err)
			continue
		}
		return cand
	}
	return softwareEncoder()
}

// encoderCandidates returns hardware candidates in trial order. The
// configured priority list wins; otherwise the platform default order is
// nvenc, qsv, then vaapi on Linux / videotoolbox on macOS / amf on Windows.
func (t *Toolchain) encoderCandidates() []Encoder {
	order := t.hwPriority
	if len(order) == 0 {
		switch runtime.GOOS {
		case "darwin":
			order = []string{"videotoolbox"}
		case "windows":
			order = []string{"nvenc", "qsv", "amf"}
		default:
			order = []string{"nvenc", "qsv", "vaapi"}
		}
	}

	var cands []Encoder
	for _, name := range order {
		switch strings.ToLower(name) {
		case "nvenc", "cuda":
			cands = append(cands, Encoder{Name: "h264_nvenc", Kind: EncoderNVENC})
		case "qsv":
			cands = append(cands, Encoder{Name: "h264_qsv", Kind: EncoderQSV})
		case "vaapi":
			if dev := firstRenderDevice(); dev != "" {
				cands = append(cands, Encoder{
					Name:         "h264_vaapi",
					Kind:         EncoderVAAPI,
					inputArgs:    []string{"-vaapi_device", dev},
					uploadFilter: "format=nv12,hwupload",
				})
			}
		case "amf":
			cands = append(cands, Encoder{Name: "h264_amf", Kind: EncoderAMF})
		case "videotoolbox":
			cands = append(cands, Encoder{Name: "h264_videotoolbox", Kind: EncoderVideoToolbox})
		default:
			t.log.Warn("unknown hardware encoder in priority list", "name", name)
		}
	}
	return cands
}

func firstRenderDevice() string {
	for _, dev := range []string{"/dev/dri/renderD128", "/dev/dri/renderD129"} {
		if _, err := os.Stat(dev); err == nil {
			return dev
		}
	}
	return ""
}

// listEncoders parses `ffmpeg -encoders` into a presence set.
func (t *Toolchain) listEncoders(ctx context.Context) (map[string]bool, error) {
	ctx, cancel := context.WithTimeout(ctx, t.encTestTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.ffmpegPath, "-hide_banner", "-encoders")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg -encoders: %w", err)
	}
	return parseEncoderList(string(output)), nil
}

func parseEncoderList(output string) map[string]bool {
	encoders := make(map[string]bool)
	inList := false
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "------") {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		// Format: " V....D encoder_name  description"
		line = strings.TrimLeft(line, " ")
		if len(line) < 8 || (line[0] != 'V' && line[0] != 'A' && line[0] != 'S') {
			continue
		}
		fields := strings.Fields(strings.TrimSpace(line[6:]))
		if len(fields) >= 1 && fields[0] != "" {
			encoders[fields[0]] = true
		}
	}
	return encoders
}

// testEncoder runs a one-frame dummy encode against a generated source. A
// listed encoder whose driver or device is absent fails here rather than
// mid-export.
func (t *Toolchain) testEncoder(ctx context.Context, enc Encoder) error {
	ctx, cancel := context.WithTimeout(ctx, t.encTestTimeout)
	defer cancel()

	args := []string{"-hide_banner"}
	args = append(args, enc.InputArgs()...)
	args = append(args, "-f", "lavfi", "-i", "color=black:s=256x144:d=1")
	if enc.UploadFilter() != "" {
		args = append(args, "-vf", enc.UploadFilter())
	}
	args = append(args, "-frames:v", "1", "-c:v", enc.Name, "-f", "null", "-")

	cmd := exec.CommandContext(ctx, t.ffmpegPath, args...)
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("smoke test timed out after %s", t.encTestTimeout)
		}
		return err
	}
	return nil
}

// Preset is an output-argument bundle for one (encoder, quality) pair.
type Preset struct {
	Quality      render.Quality
	VideoCodec   string
	SpeedPreset  string // -preset value; empty for encoders without one
	QualityFlag  string // -crf, -cq, -global_quality, -qp or -q:v
	QualityValue string
	AudioCodec   string
	AudioBitrate string
	PixFmt       string
}

// Args renders the preset as encoder output arguments. Video-only callers
// strip the audio pair; most stages want both.
func (p Preset) Args() []string {
	args := []string{"-c:v", p.VideoCodec}
	if p.SpeedPreset != "" {
		args = append(args, "-preset", p.SpeedPreset)
	}
	if p.QualityFlag != "" {
		args = append(args, p.QualityFlag, p.QualityValue)
	}
	if p.PixFmt != "" {
		args = append(args, "-pix_fmt", p.PixFmt)
	}
	args = append(args, "-c:a", p.AudioCodec, "-b:a", p.AudioBitrate)
	return args
}

// VideoArgs renders only the video half of the preset, for stages that copy
// or separately handle audio.
func (p Preset) VideoArgs() []string {
	args := []string{"-c:v", p.VideoCodec}
	if p.SpeedPreset != "" {
		args = append(args, "-preset", p.SpeedPreset)
	}
	if p.QualityFlag != "" {
		args = append(args, p.QualityFlag, p.QualityValue)
	}
	if p.PixFmt != "" {
		args = append(args, "-pix_fmt", p.PixFmt)
	}
	return args
}

// PresetFor maps an export quality onto concrete arguments for the detected
// encoder. Quality values track visually-lossless / archival / everyday
// delivery tiers rather than mathematically lossless output.
func PresetFor(enc Encoder, q render.Quality) Preset {
	p := Preset{
		Quality:      q,
		VideoCodec:   enc.Name,
		AudioCodec:   "aac",
		AudioBitrate: "192k",
		PixFmt:       "yuv420p",
	}

	// Per-quality rate target, expressed in the flag each family expects.
	quality := map[render.Quality]string{
		render.QualityLossless: "16",
		render.QualityHigh:     "19",
		render.QualityBalanced: "23",
	}[q]
	if quality == "" {
		quality = "23"
	}

	switch enc.Kind {
	case EncoderNVENC:
		p.QualityFlag, p.QualityValue = "-cq", quality
		p.SpeedPreset = map[render.Quality]string{
			render.QualityLossless: "p7",
			render.QualityHigh:     "p5",
			render.QualityBalanced: "p4",
		}[q]
	case EncoderQSV:
		p.QualityFlag, p.QualityValue = "-global_quality", quality
		p.PixFmt = "nv12"
	case EncoderVAAPI:
		p.QualityFlag, p.QualityValue = "-qp", quality
		// Frames arrive via hwupload; the surface format is set by the
		// upload filter, not -pix_fmt.
		p.PixFmt = ""
	case EncoderAMF:
		p.QualityFlag, p.QualityValue = "-qp_i", quality
	case EncoderVideoToolbox:
		p.QualityFlag = "-q:v"
		p.QualityValue = map[render.Quality]string{
			render.QualityLossless: "80",
			render.QualityHigh:     "65",
			render.QualityBalanced: "50",
		}[q]
	default:
		p.QualityFlag, p.QualityValue = "-crf", quality
		p.SpeedPreset = map[render.Quality]string{
			render.QualityLossless: "slow",
			render.QualityHigh:     "medium",
			render.QualityBalanced: "fast",
		}[q]
	}

	switch q {
	case render.QualityLossless:
		p.AudioBitrate = "320k"
	case render.QualityHigh:
		p.AudioBitrate = "256k"
	}
	return p
}
