package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/clipjoint/renderd/internal/config"
	"github.com/clipjoint/renderd/internal/ffmpeg"
	"github.com/clipjoint/renderd/internal/render"
)

// detectCmd represents the detect command.
var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect the hardware encoder",
	Long: `Probe the ffmpeg toolchain and report which encoder exports will use.

Detection runs the same one-frame test encodes the render pipeline uses,
so the result reflects what an actual export would pick on this system.

Examples:
  # Basic detection (JSON output)
  renderd-worker detect

  # Pretty-printed JSON
  renderd-worker detect --pretty`,
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)

	detectCmd.Flags().Bool("pretty", false, "pretty-print JSON output")
	detectCmd.Flags().Duration("timeout", 30*time.Second, "detection timeout")
}

// DetectionResult contains the full detection output.
type DetectionResult struct {
	FFmpeg  FFmpegInfo   `json:"ffmpeg"`
	Encoder EncoderInfo  `json:"encoder"`
	Presets []PresetInfo `json:"presets"`
}

// FFmpegInfo contains resolved toolchain binary paths.
type FFmpegInfo struct {
	FFmpegPath  string `json:"ffmpeg_path"`
	FFprobePath string `json:"ffprobe_path"`
}

// EncoderInfo describes the encoder exports will use.
type EncoderInfo struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Hardware bool   `json:"hardware"`
}

// PresetInfo is the encode parameter row for one quality level.
type PresetInfo struct {
	Quality   string `json:"quality"`
	VideoArgs string `json:"video_args"`
	AudioArgs string `json:"audio_args"`
}

func runDetect(cmd *cobra.Command, _ []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	pretty, _ := cmd.Flags().GetBool("pretty")

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	tc, err := ffmpeg.New(cfg.FFmpeg, slog.Default())
	if err != nil {
		return fmt.Errorf("locating toolchain: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	enc := tc.DetectHardwareEncoder(ctx)

	result := DetectionResult{
		FFmpeg: FFmpegInfo{
			FFmpegPath:  tc.FFmpegPath(),
			FFprobePath: tc.FFprobePath(),
		},
		Encoder: EncoderInfo{
			Name:     enc.Name,
			Kind:     string(enc.Kind),
			Hardware: enc.Hardware(),
		},
	}
	for _, q := range []render.Quality{render.QualityLossless, render.QualityHigh, render.QualityBalanced} {
		preset := ffmpeg.PresetFor(enc, q)
		result.Presets = append(result.Presets, PresetInfo{
			Quality:   string(q),
			VideoArgs: strings.Join(preset.VideoArgs(), " "),
			AudioArgs: fmt.Sprintf("-c:a %s -b:a %s", preset.AudioCodec, preset.AudioBitrate),
		})
	}

	var output []byte
	if pretty {
		output, err = json.MarshalIndent(result, "", "  ")
	} else {
		output, err = json.Marshal(result)
	}
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	fmt.Fprintln(os.Stdout, string(output))
	return nil
}
