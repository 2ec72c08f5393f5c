// Package render defines the shared vocabulary of the rendering core:
// export quality levels, export types, user tiers, pipeline stages, and the
// error kinds every component reports. It is a leaf package with no
// dependencies so any layer can speak it.
package render

import "math"

// Quality selects an output encoding preset.
type Quality string

const (
	QualityLossless Quality = "lossless"
	QualityHigh     Quality = "high"
	QualityBalanced Quality = "balanced"
)

// ParseQuality validates a quality string.
func ParseQuality(s string) (Quality, error) {
	switch Quality(s) {
	case QualityLossless, QualityHigh, QualityBalanced:
		return Quality(s), nil
	}
	return "", Errorf(KindInvalidInput, "render.ParseQuality", "unknown quality %q (want lossless, high or balanced)", s)
}

// ExportType selects what part of a project is rendered.
type ExportType string

const (
	// ExportSingle renders one video layer identified by video id.
	ExportSingle ExportType = "single"
	// ExportCombined renders the full multi-layer timeline.
	ExportCombined ExportType = "combined"
	// ExportDefault is accepted at the API boundary and resolves to
	// ExportCombined before a worker is spawned.
	ExportDefault ExportType = "default"
)

// ParseExportType validates an export type string. Workers only accept the
// resolved forms; the API additionally accepts "default".
func ParseExportType(s string, allowDefault bool) (ExportType, error) {
	switch ExportType(s) {
	case ExportSingle, ExportCombined:
		return ExportType(s), nil
	case ExportDefault:
		if allowDefault {
			return ExportDefault, nil
		}
	}
	return "", Errorf(KindInvalidInput, "render.ParseExportType", "unknown export type %q", s)
}

// Resolve maps ExportDefault onto the concrete type a worker understands.
func (t ExportType) Resolve() ExportType {
	if t == ExportDefault {
		return ExportCombined
	}
	return t
}

// Tier is the subscription tier of the requesting user. The rendering core
// only cares whether the tier mandates a watermark; everything else about
// tiers lives outside this service.
type Tier string

const (
	TierFree    Tier = "free"
	TierPro     Tier = "pro"
	TierStudio  Tier = "studio"
	TierUnknown Tier = ""
)

// ParseTier normalises a tier string. Unknown values degrade to TierFree so
// a misbehaving caller can never skip the watermark.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierFree, TierPro, TierStudio:
		return Tier(s)
	}
	return TierFree
}

// RequiresWatermark reports whether exports for this tier must carry the
// service watermark.
func (t Tier) RequiresWatermark() bool {
	switch t {
	case TierPro, TierStudio:
		return false
	}
	return true
}

// Stage identifies one state of the export pipeline. Stages run in the order
// listed; StageError is reachable from any of them.
type Stage string

const (
	StagePreprocessing Stage = "preprocessing"
	StageFonts         Stage = "fonts"
	StageTTS           Stage = "tts"
	StageSegments      Stage = "segments"
	StageCombining     Stage = "combining"
	StageVoiceover     Stage = "voiceover"
	StageSubtitles     Stage = "subtitles"
	StageBGM           Stage = "bgm"
	StageWatermark     Stage = "watermark"
	StageDone          Stage = "done"
	StageError         Stage = "error"
)

// Stages lists the pipeline stages in execution order, terminal states
// excluded.
func Stages() []Stage {
	return []Stage{
		StagePreprocessing,
		StageFonts,
		StageTTS,
		StageSegments,
		StageCombining,
		StageVoiceover,
		StageSubtitles,
		StageBGM,
		StageWatermark,
	}
}

// StageWeight returns the share (out of 100) a stage contributes to overall
// job progress. The weights reflect typical wall-clock distribution; segment
// extraction dominates.
func StageWeight(s Stage) int {
	switch s {
	case StagePreprocessing:
		return 4
	case StageFonts:
		return 4
	case StageTTS:
		return 16
	case StageSegments:
		return 30
	case StageCombining:
		return 10
	case StageVoiceover:
		return 14
	case StageSubtitles:
		return 10
	case StageBGM:
		return 6
	case StageWatermark:
		return 6
	}
	return 0
}

// StageBase returns the cumulative progress (0..100) at the point a stage
// begins, so per-stage progress can be projected onto the job-wide scale.
func StageBase(s Stage) int {
	base := 0
	for _, st := range Stages() {
		if st == s {
			return base
		}
		base += StageWeight(st)
	}
	if s == StageDone {
		return 100
	}
	return base
}

// OverallProgress projects a stage-local fraction (0..1) onto the 0..100 job
// scale. Values are clamped so emitted progress is always monotone within a
// stage.
func OverallProgress(s Stage, frac float64) float64 {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	if s == StageDone {
		return 100
	}
	return float64(StageBase(s)) + frac*float64(StageWeight(s))
}

// JobStatus is the lifecycle state of an export job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// IsTerminal reports whether the status can no longer change.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// VolumeToDB converts a percentage volume (100 = neutral) into decibels:
// dB = 20*log10(percent/100). Callers must special-case percent <= 0 with a
// mute sentinel instead of feeding -Inf into a filter graph; see MuteVolume.
func VolumeToDB(percent float64) float64 {
	if percent <= 0 {
		return 0
	}
	return 20 * math.Log10(percent/100)
}

// MuteVolume is the literal filter value used for muted tracks. A muted
// track uses volume=0 (a linear gain of zero), never a -Inf dB expression.
const MuteVolume = "volume=0"
