// Package timeline turns a project into render geometry: which layer is
// visible when, where each narration segment lands on the output, and how
// background music is clipped and looped. Times are absolute output-timeline
// seconds over half-open [start, end) spans unless a field says otherwise.
package timeline

import (
	"fmt"
	"strings"

	"github.com/clipjoint/renderd/internal/subtitle"
)

// Spans closer than this are treated as abutting; anything narrower is
// discarded as float noise.
const epsilon = 1e-3

// Layer is a video layer with its placement fully resolved: unset timeline
// bounds filled in by sequential layout, source window resolved against the
// probed duration.
type Layer struct {
	ID         string
	Name       string
	SourcePath string
	Order      int

	TimelineStart float64
	TimelineEnd   float64
	SourceStart   float64
	SourceEnd     float64

	Width    int
	Height   int
	FPS      float64
	HasAudio bool

	// SourceDuration is the probed length of the whole source file.
	SourceDuration float64
}

// TimelineDuration returns the span the layer occupies on the timeline.
func (l *Layer) TimelineDuration() float64 { return l.TimelineEnd - l.TimelineStart }

// SourceToTimeline maps a source-file instant onto the output timeline.
func (l *Layer) SourceToTimeline(t float64) float64 {
	return l.TimelineStart + (t - l.SourceStart)
}

// ClipToTimeline maps an instant measured from the layer's trimmed start
// onto the output timeline. Video-local segment times use this origin.
func (l *Layer) ClipToTimeline(t float64) float64 {
	return l.TimelineStart + t
}

// VisibilitySegment is a maximal interval during which exactly one layer is
// on top. VideoIndex is the stable input slot its layer occupies in encoder
// invocations.
type VisibilitySegment struct {
	VideoID    string
	VideoIndex int

	TimelineStart float64
	TimelineEnd   float64
	SourceStart   float64
	SourceEnd     float64
}

// Duration returns the segment's timeline span.
func (v *VisibilitySegment) Duration() float64 { return v.TimelineEnd - v.TimelineStart }

// SegmentPlacement is one contiguous audible piece of a narration segment,
// pinned to a single visibility segment. Continuations of the same segment
// carry an AudioOffset equal to the duration already played by earlier
// placements.
type SegmentPlacement struct {
	SegmentID string
	VideoID   string // visibility segment the placement is pinned to

	TimelineStart float64
	TimelineEnd   float64
	AudioOffset   float64

	IsContinuation    bool
	ContinuesIntoNext bool

	AudioPath       string
	SubtitlePath    string
	SubtitleEnabled bool
	Style           subtitle.Style
}

// Duration returns the placement's audible span.
func (p *SegmentPlacement) Duration() float64 { return p.TimelineEnd - p.TimelineStart }

// BgmPlacement is one background track clipped to the covered timeline, with
// looping resolved against the probed source duration.
type BgmPlacement struct {
	TrackID string
	Path    string

	TimelineStart float64
	TimelineEnd   float64

	Volume      float64 // percent
	FadeIn      float64
	FadeOut     float64
	AudioOffset float64

	NeedsLoop bool
	LoopCount int
}

// Duration returns the span the track occupies on the timeline.
func (b *BgmPlacement) Duration() float64 { return b.TimelineEnd - b.TimelineStart }

// Composition is the full render geometry derived from one project.
type Composition struct {
	// Layers in stacking order: ascending Order, input order breaking ties.
	Layers []Layer

	// Visibility tiles the covered timeline in ascending order. Timeline
	// ranges never overlap; gaps between layers are simply absent.
	Visibility []VisibilitySegment

	// Placements sorted by TimelineStart, stable.
	Placements []SegmentPlacement

	Bgm []BgmPlacement

	// VideoStartOffset is where the first visible frame sits on the
	// timeline; TotalDuration is where the last one ends.
	VideoStartOffset float64
	TotalDuration    float64
}

// Layer returns the resolved layer with the given id, or nil.
func (c *Composition) Layer(id string) *Layer {
	for i := range c.Layers {
		if c.Layers[i].ID == id {
			return &c.Layers[i]
		}
	}
	return nil
}

// CoveredDuration is the physical length of the combined output, gaps
// excluded.
func (c *Composition) CoveredDuration() float64 {
	var sum float64
	for i := range c.Visibility {
		sum += c.Visibility[i].Duration()
	}
	return sum
}

// HasSubtitles reports whether any placement carries an enabled subtitle.
func (c *Composition) HasSubtitles() bool {
	for i := range c.Placements {
		if c.Placements[i].SubtitleEnabled && c.Placements[i].SubtitlePath != "" {
			return true
		}
	}
	return false
}

// DebugDump renders a textual trace of layers, visibility map, and
// placements for logs and tests.
func (c *Composition) DebugDump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "layers (%d):\n", len(c.Layers))
	for i := range c.Layers {
		l := &c.Layers[i]
		fmt.Fprintf(&b, "  [%d] %s order=%d timeline=[%.3f, %.3f) source=[%.3f, %.3f)\n",
			i, l.ID, l.Order, l.TimelineStart, l.TimelineEnd, l.SourceStart, l.SourceEnd)
	}
	fmt.Fprintf(&b, "visibility (%d, offset=%.3f, total=%.3f):\n",
		len(c.Visibility), c.VideoStartOffset, c.TotalDuration)
	for i := range c.Visibility {
		v := &c.Visibility[i]
		fmt.Fprintf(&b, "  [%d] %s#%d timeline=[%.3f, %.3f) source=[%.3f, %.3f)\n",
			i, v.VideoID, v.VideoIndex, v.TimelineStart, v.TimelineEnd, v.SourceStart, v.SourceEnd)
	}
	fmt.Fprintf(&b, "placements (%d):\n", len(c.Placements))
	for i := range c.Placements {
		p := &c.Placements[i]
		fmt.Fprintf(&b, "  [%d] %s on %s timeline=[%.3f, %.3f) offset=%.3f cont=%t next=%t\n",
			i, p.SegmentID, p.VideoID, p.TimelineStart, p.TimelineEnd, p.AudioOffset,
			p.IsContinuation, p.ContinuesIntoNext)
	}
	fmt.Fprintf(&b, "bgm (%d):\n", len(c.Bgm))
	for i := range c.Bgm {
		t := &c.Bgm[i]
		fmt.Fprintf(&b, "  [%d] %s timeline=[%.3f, %.3f) volume=%.0f%% loops=%d fade=%.1f/%.1f\n",
			i, t.TrackID, t.TimelineStart, t.TimelineEnd, t.Volume, t.LoopCount, t.FadeIn, t.FadeOut)
	}
	return b.String()
}
