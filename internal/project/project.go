// Package project defines the editable project document and its on-disk
// store. A project is one JSON file per project directory; the store
// serializes cross-process access with an advisory file lock and writes
// atomically so a crashed writer never leaves a torn file.
package project

import (
	"github.com/clipjoint/renderd/internal/render"
	"github.com/clipjoint/renderd/internal/subtitle"
)

// CurrentVersion is the project file version this build reads and writes.
// Older versions are migrated in memory on load; newer versions are
// rejected.
const CurrentVersion = 1

// Project is the full editing state for one project. Times are seconds,
// spans half-open [start, end). Unknown JSON fields are tolerated so newer
// editors can round-trip through older builds.
type Project struct {
	Version int    `json:"version"`
	Name    string `json:"name,omitempty"`

	Videos          []VideoLayer `json:"videos"`
	GenericSegments []Segment    `json:"generic_segments,omitempty"`
	BgmTracks       []BgmTrack   `json:"bgm_tracks,omitempty"`

	// Master volumes, 0-200 with 100 neutral. Zero means the field was
	// absent from the file and is normalized to 100 on load.
	GlobalTTSVolume float64 `json:"global_tts_volume,omitempty"`
	GlobalBGMVolume float64 `json:"global_bgm_volume,omitempty"`
}

// VideoLayer is one source video on the timeline. Order decides stacking:
// lower order wins where layers overlap. Unset timeline bounds mean the
// layer is laid out sequentially after its predecessors at build time.
type VideoLayer struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	SourcePath string `json:"source_path"`
	Order      int    `json:"order"`

	TimelineStart *float64 `json:"timeline_start,omitempty"`
	TimelineEnd   *float64 `json:"timeline_end,omitempty"`
	SourceStart   float64  `json:"source_start,omitempty"`
	SourceEnd     float64  `json:"source_end,omitempty"` // 0 = full source

	// Probed metadata, cached in the file after the first inspection.
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
	FPS      float64 `json:"fps,omitempty"`
	HasAudio bool    `json:"has_audio,omitempty"`

	Segments []Segment `json:"segments,omitempty"`
}

// Segment is one narration span. Video-local segments carry times measured
// from the owning layer's trimmed start; generic segments (empty VideoID)
// use absolute timeline times.
type Segment struct {
	ID                 string  `json:"id"`
	VideoID            string  `json:"video_id,omitempty"`
	StartTime          float64 `json:"start_time"`
	EndTime            float64 `json:"end_time"`
	ExtendsToNextVideo bool    `json:"extends_to_next_video,omitempty"`

	Text          string  `json:"text,omitempty"`
	Language      string  `json:"language,omitempty"`
	VoiceID       string  `json:"voice_id,omitempty"`
	VoiceSampleID string  `json:"voice_sample_id,omitempty"`
	Rate          float64 `json:"rate,omitempty"`
	Volume        float64 `json:"volume,omitempty"`
	Pitch         float64 `json:"pitch,omitempty"`

	AudioPath       string `json:"audio_path,omitempty"`
	SubtitlePath    string `json:"subtitle_path,omitempty"`
	SubtitleEnabled bool   `json:"subtitle_enabled,omitempty"`

	Font         string  `json:"font,omitempty"`
	FontSize     float64 `json:"size,omitempty"`
	PrimaryColor string  `json:"primary_color,omitempty"`
	OutlineColor string  `json:"outline_color,omitempty"`
	ShadowColor  string  `json:"shadow_color,omitempty"`
	OutlineWidth float64 `json:"outline_width,omitempty"`
	Shadow       float64 `json:"shadow,omitempty"`
	BorderStyle  int     `json:"border_style,omitempty"`
	Position     float64 `json:"position,omitempty"`
}

// Span returns the segment's duration in seconds.
func (s *Segment) Span() float64 { return s.EndTime - s.StartTime }

// SubtitleStyle maps the segment's style fields onto a renderable style.
// Zero-valued fields fall back to defaults downstream.
func (s *Segment) SubtitleStyle() subtitle.Style {
	return subtitle.Style{
		Font:         s.Font,
		Size:         s.FontSize,
		PrimaryColor: s.PrimaryColor,
		OutlineColor: s.OutlineColor,
		ShadowColor:  s.ShadowColor,
		OutlineWidth: s.OutlineWidth,
		Shadow:       s.Shadow,
		BorderStyle:  s.BorderStyle,
		Position:     s.Position,
	}
}

// BgmTrack is one background music placement.
type BgmTrack struct {
	ID          string  `json:"id,omitempty"`
	Path        string  `json:"path"`
	StartTime   float64 `json:"start_time,omitempty"`
	EndTime     float64 `json:"end_time,omitempty"` // 0 = until timeline end
	Volume      float64 `json:"volume"`             // 0-200, 100 neutral
	FadeIn      float64 `json:"fade_in,omitempty"`
	FadeOut     float64 `json:"fade_out,omitempty"`
	Loop        bool    `json:"loop,omitempty"`
	Muted       bool    `json:"muted,omitempty"`
	AudioOffset float64 `json:"audio_offset,omitempty"`
}

// VideoByID returns the layer with the given id, or nil.
func (p *Project) VideoByID(id string) *VideoLayer {
	for i := range p.Videos {
		if p.Videos[i].ID == id {
			return &p.Videos[i]
		}
	}
	return nil
}

// AllSegments returns pointers to every segment, video-local first in layer
// order, then generic. Callers mutate through the pointers, so the slice
// must not outlive the project value.
func (p *Project) AllSegments() []*Segment {
	var out []*Segment
	for i := range p.Videos {
		for j := range p.Videos[i].Segments {
			out = append(out, &p.Videos[i].Segments[j])
		}
	}
	for i := range p.GenericSegments {
		out = append(out, &p.GenericSegments[i])
	}
	return out
}

// DeclaredFonts returns the distinct font names segments ask for, in first
// appearance order.
func (p *Project) DeclaredFonts() []string {
	seen := map[string]bool{}
	var fonts []string
	for _, seg := range p.AllSegments() {
		if seg.Font == "" || seen[seg.Font] {
			continue
		}
		seen[seg.Font] = true
		fonts = append(fonts, seg.Font)
	}
	return fonts
}

// migrate lifts older file versions to CurrentVersion in memory. Files
// written before the version field existed decode as version zero.
func (p *Project) migrate() error {
	switch {
	case p.Version == 0:
		p.Version = CurrentVersion
	case p.Version > CurrentVersion:
		return render.Errorf(render.KindInvalidInput, "project.load",
			"project version %d is newer than supported version %d", p.Version, CurrentVersion)
	}
	if p.GlobalTTSVolume <= 0 {
		p.GlobalTTSVolume = 100
	}
	if p.GlobalBGMVolume <= 0 {
		p.GlobalBGMVolume = 100
	}
	return nil
}

// Validate checks the document invariants an export depends on. It reports
// the first violation; missing media files are not checked here, the
// compositor handles those per its own rules.
func (p *Project) Validate() error {
	const op = "project.validate"

	for i := range p.Videos {
		v := &p.Videos[i]
		if v.SourcePath == "" {
			return render.Errorf(render.KindInvalidInput, op, "video %s has no source path", v.ID)
		}
		if v.TimelineStart != nil && v.TimelineEnd != nil && *v.TimelineEnd <= *v.TimelineStart {
			return render.Errorf(render.KindInvalidInput, op,
				"video %s timeline span [%.3f, %.3f) is empty", v.ID, *v.TimelineStart, *v.TimelineEnd)
		}
		if v.SourceEnd > 0 && v.SourceEnd <= v.SourceStart {
			return render.Errorf(render.KindInvalidInput, op,
				"video %s source span [%.3f, %.3f) is empty", v.ID, v.SourceStart, v.SourceEnd)
		}
	}

	for _, seg := range p.AllSegments() {
		if seg.StartTime < 0 || seg.EndTime <= seg.StartTime {
			return render.Errorf(render.KindInvalidInput, op,
				"segment %s has invalid span [%.3f, %.3f)", seg.ID, seg.StartTime, seg.EndTime)
		}
		if seg.VideoID != "" && p.VideoByID(seg.VideoID) == nil {
			return render.Errorf(render.KindInvalidInput, op,
				"segment %s references unknown video %s", seg.ID, seg.VideoID)
		}
		if seg.Volume < 0 || seg.Volume > 200 {
			return render.Errorf(render.KindInvalidInput, op,
				"segment %s volume %.1f outside 0-200", seg.ID, seg.Volume)
		}
	}

	for i := range p.BgmTracks {
		t := &p.BgmTracks[i]
		if t.Path == "" {
			return render.Errorf(render.KindInvalidInput, op, "bgm track %d has no path", i)
		}
		if t.StartTime < 0 {
			return render.Errorf(render.KindInvalidInput, op,
				"bgm track %d starts at %.3f", i, t.StartTime)
		}
		if t.EndTime > 0 && t.EndTime <= t.StartTime {
			return render.Errorf(render.KindInvalidInput, op,
				"bgm track %d span [%.3f, %.3f) is empty", i, t.StartTime, t.EndTime)
		}
		if t.Volume < 0 || t.Volume > 200 {
			return render.Errorf(render.KindInvalidInput, op,
				"bgm track %d volume %.1f outside 0-200", i, t.Volume)
		}
	}

	return nil
}
