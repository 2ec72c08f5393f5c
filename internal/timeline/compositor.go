package timeline

import (
	"context"
	"log/slog"
	"math"
	"os"
	"sort"

	"github.com/clipjoint/renderd/internal/ffmpeg"
	"github.com/clipjoint/renderd/internal/project"
	"github.com/clipjoint/renderd/internal/render"
)

// Prober supplies media durations and attributes. *ffmpeg.Toolchain
// satisfies it.
type Prober interface {
	ProbeVideoInfo(ctx context.Context, path string) (*ffmpeg.VideoInfo, error)
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

// Compositor derives render geometry from projects.
type Compositor struct {
	prober Prober
	log    *slog.Logger
}

// NewCompositor returns a compositor probing media through the given prober.
func NewCompositor(prober Prober, log *slog.Logger) *Compositor {
	if log == nil {
		log = slog.Default()
	}
	return &Compositor{prober: prober, log: log.With("component", "compositor")}
}

// Compose runs the full derivation: resolve layers, sweep the visibility
// map, pin narration segments, clip background music. The project is not
// mutated.
func (c *Compositor) Compose(ctx context.Context, p *project.Project) (*Composition, error) {
	layers, err := c.buildLayers(ctx, p)
	if err != nil {
		return nil, err
	}

	comp := &Composition{Layers: layers}
	comp.Visibility = visibilityMap(layers)
	if len(comp.Visibility) == 0 {
		return nil, render.Errorf(render.KindInvalidInput, "timeline.compose",
			"no layer is ever visible")
	}
	comp.VideoStartOffset = comp.Visibility[0].TimelineStart
	comp.TotalDuration = comp.Visibility[len(comp.Visibility)-1].TimelineEnd

	comp.Placements = c.mapSegments(p, comp)

	bgm, err := c.mapBgm(ctx, p, comp.TotalDuration)
	if err != nil {
		return nil, err
	}
	comp.Bgm = bgm
	return comp, nil
}

// buildLayers probes every source and resolves timeline placement. Layers
// without an explicit start are laid out sequentially: each begins where
// the accumulated duration of the prior layers (in stacking order) ends.
func (c *Compositor) buildLayers(ctx context.Context, p *project.Project) ([]Layer, error) {
	const op = "timeline.layers"

	if len(p.Videos) == 0 {
		return nil, render.Errorf(render.KindInvalidInput, op, "project has no videos")
	}

	idx := make([]int, len(p.Videos))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return p.Videos[idx[a]].Order < p.Videos[idx[b]].Order
	})

	layers := make([]Layer, 0, len(p.Videos))
	cursor := 0.0
	for _, i := range idx {
		v := &p.Videos[i]

		info, err := c.prober.ProbeVideoInfo(ctx, v.SourcePath)
		if err != nil {
			return nil, err
		}

		srcStart := v.SourceStart
		srcEnd := v.SourceEnd
		if srcEnd <= 0 {
			srcEnd = info.Duration
		}
		if srcEnd-srcStart < epsilon {
			return nil, render.Errorf(render.KindInvalidInput, op,
				"video %s has an empty source window [%.3f, %.3f)", v.ID, srcStart, srcEnd)
		}

		start := cursor
		if v.TimelineStart != nil {
			start = *v.TimelineStart
		}
		end := start + (srcEnd - srcStart)
		if v.TimelineEnd != nil {
			end = *v.TimelineEnd
		}
		if end-start < epsilon {
			return nil, render.Errorf(render.KindInvalidInput, op,
				"video %s has an empty timeline span [%.3f, %.3f)", v.ID, start, end)
		}
		cursor += end - start

		layers = append(layers, Layer{
			ID:             v.ID,
			Name:           v.Name,
			SourcePath:     v.SourcePath,
			Order:          v.Order,
			TimelineStart:  start,
			TimelineEnd:    end,
			SourceStart:    srcStart,
			SourceEnd:      srcEnd,
			Width:          info.Width,
			Height:         info.Height,
			FPS:            info.FPS,
			HasAudio:       info.HasAudio,
			SourceDuration: info.Duration,
		})
	}
	return layers, nil
}

// visibilityMap sweeps the layer boundaries and records, for each slice of
// the timeline, the layer with the lowest order among those covering it.
// Abutting slices from the same layer merge into one segment, and each
// distinct layer in the result gets a stable input index.
func visibilityMap(layers []Layer) []VisibilitySegment {
	bounds := make([]float64, 0, 2*len(layers))
	for i := range layers {
		bounds = append(bounds, layers[i].TimelineStart, layers[i].TimelineEnd)
	}
	sort.Float64s(bounds)

	var segs []VisibilitySegment
	for i := 0; i+1 < len(bounds); i++ {
		t0, t1 := bounds[i], bounds[i+1]
		if t1-t0 < epsilon {
			continue
		}
		mid := t0 + (t1-t0)/2

		// Layers are in stacking order, so the first hit is the top one.
		var top *Layer
		for j := range layers {
			l := &layers[j]
			if l.TimelineStart <= mid && mid < l.TimelineEnd {
				top = l
				break
			}
		}
		if top == nil {
			continue // uncovered gap, nothing to show
		}

		segs = append(segs, VisibilitySegment{
			VideoID:       top.ID,
			TimelineStart: t0,
			TimelineEnd:   t1,
			SourceStart:   top.SourceStart + (t0 - top.TimelineStart),
			SourceEnd:     top.SourceStart + (t1 - top.TimelineStart),
		})
	}

	segs = mergeAbutting(segs)

	indexByVideo := make(map[string]int)
	for i := range segs {
		idx, ok := indexByVideo[segs[i].VideoID]
		if !ok {
			idx = len(indexByVideo)
			indexByVideo[segs[i].VideoID] = idx
		}
		segs[i].VideoIndex = idx
	}
	return segs
}

func mergeAbutting(segs []VisibilitySegment) []VisibilitySegment {
	if len(segs) == 0 {
		return segs
	}
	merged := segs[:1]
	for _, s := range segs[1:] {
		last := &merged[len(merged)-1]
		if s.VideoID == last.VideoID && math.Abs(s.TimelineStart-last.TimelineEnd) < epsilon {
			last.TimelineEnd = s.TimelineEnd
			last.SourceEnd = s.SourceEnd
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

// mapSegments pins every narration segment onto the visibility map and
// returns the placements sorted by timeline start.
func (c *Compositor) mapSegments(p *project.Project, comp *Composition) []SegmentPlacement {
	var out []SegmentPlacement
	for i := range p.Videos {
		v := &p.Videos[i]
		layer := comp.Layer(v.ID)
		if layer == nil {
			continue
		}
		for j := range v.Segments {
			out = append(out, c.placeSegment(&v.Segments[j], layer, comp)...)
		}
	}
	for i := range p.GenericSegments {
		seg := &p.GenericSegments[i]
		var owner *Layer
		if seg.VideoID != "" {
			owner = comp.Layer(seg.VideoID)
			if owner == nil {
				c.log.Warn("segment references unknown video, skipped",
					"segment", seg.ID, "video", seg.VideoID)
				continue
			}
		}
		out = append(out, c.placeSegment(seg, owner, comp)...)
	}

	sort.SliceStable(out, func(a, b int) bool {
		return out[a].TimelineStart < out[b].TimelineStart
	})
	return out
}

// placeSegment splits one narration segment across the visibility segments
// it overlaps. Video-local segment times are measured from the owning
// layer's trimmed start; generic segments are already absolute. A segment
// lying entirely in uncovered timeline produces no placements.
func (c *Compositor) placeSegment(seg *project.Segment, owner *Layer, comp *Composition) []SegmentPlacement {
	absStart, absEnd := seg.StartTime, seg.EndTime
	if owner != nil {
		absStart = owner.ClipToTimeline(seg.StartTime)
		absEnd = owner.ClipToTimeline(seg.EndTime)
	}
	if absEnd-absStart < epsilon {
		return nil
	}

	var overlapped []*VisibilitySegment
	for i := range comp.Visibility {
		v := &comp.Visibility[i]
		if math.Min(absEnd, v.TimelineEnd)-math.Max(absStart, v.TimelineStart) >= epsilon {
			overlapped = append(overlapped, v)
		}
	}
	if len(overlapped) == 0 {
		c.log.Warn("segment lies entirely in uncovered timeline, skipped",
			"segment", seg.ID, "start", absStart, "end", absEnd)
		return nil
	}

	placements := make([]SegmentPlacement, 0, len(overlapped))
	covered := 0.0
	for i, v := range overlapped {
		start := math.Max(absStart, v.TimelineStart)
		end := math.Min(absEnd, v.TimelineEnd)
		placements = append(placements, SegmentPlacement{
			SegmentID:         seg.ID,
			VideoID:           v.VideoID,
			TimelineStart:     start,
			TimelineEnd:       end,
			AudioOffset:       covered,
			IsContinuation:    i > 0,
			ContinuesIntoNext: i+1 < len(overlapped),
			AudioPath:         seg.AudioPath,
			SubtitlePath:      seg.SubtitlePath,
			SubtitleEnabled:   seg.SubtitleEnabled,
			Style:             seg.SubtitleStyle(),
		})
		covered += end - start
	}
	if len(placements) > 1 {
		c.log.Debug("segment crosses visibility",
			"segment", seg.ID, "placements", len(placements))
	}
	return placements
}

// mapBgm clips each audible track to the covered timeline and resolves
// looping against the probed source duration. Muted tracks and tracks
// whose file is missing are dropped, not fatal. Each distinct file is
// probed once.
func (c *Compositor) mapBgm(ctx context.Context, p *project.Project, total float64) ([]BgmPlacement, error) {
	if len(p.BgmTracks) == 0 {
		return nil, nil
	}

	durations := make(map[string]float64)
	var out []BgmPlacement
	for i := range p.BgmTracks {
		t := &p.BgmTracks[i]
		if t.Muted {
			continue
		}
		if _, err := os.Stat(t.Path); err != nil {
			c.log.Warn("bgm track file missing, dropped", "track", t.ID, "path", t.Path)
			continue
		}

		start := math.Max(t.StartTime, 0)
		end := t.EndTime
		if end <= 0 || end > total {
			end = total
		}
		if end-start < epsilon {
			c.log.Warn("bgm track span empty after clamping, dropped",
				"track", t.ID, "start", start, "end", end)
			continue
		}

		src, ok := durations[t.Path]
		if !ok {
			var err error
			src, err = c.prober.ProbeDuration(ctx, t.Path)
			if err != nil {
				if ctx.Err() != nil {
					return nil, render.E(render.KindCancelled, "timeline.bgm", ctx.Err())
				}
				c.log.Warn("bgm track probe failed, dropped",
					"track", t.ID, "path", t.Path, "error", err)
				continue
			}
			durations[t.Path] = src
		}

		trackDur := end - start
		needsLoop := t.Loop && src > 0 && trackDur > src
		loops := 0
		if needsLoop {
			loops = int(math.Ceil(trackDur / src))
		}

		out = append(out, BgmPlacement{
			TrackID:       t.ID,
			Path:          t.Path,
			TimelineStart: start,
			TimelineEnd:   end,
			Volume:        t.Volume,
			FadeIn:        t.FadeIn,
			FadeOut:       t.FadeOut,
			AudioOffset:   t.AudioOffset,
			NeedsLoop:     needsLoop,
			LoopCount:     loops,
		})
	}
	return out, nil
}
