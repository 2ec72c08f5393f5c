package worker

import (
	"strconv"

	"github.com/clipjoint/renderd/internal/render"
)

// noneSentinel marks an optional positional argument as absent.
const noneSentinel = "None"

// Args is the parsed worker invocation.
type Args struct {
	ProjectName      string
	OutputPath       string
	Quality          render.Quality
	IncludeSubtitles bool
	ExportType       render.ExportType
	VideoID          string
	BGMPath          string
	Tier             render.Tier
}

// ParseArgs validates the positional arguments the orchestrator passes:
//
//	project_name output_path quality include_subtitles export_type [video_id|None] [bgm_path|None] [user_tier]
//
// The worker only accepts concrete export types; "default" must be
// resolved before a worker is spawned.
func ParseArgs(argv []string) (*Args, error) {
	const op = "worker.ParseArgs"

	if len(argv) < 5 || len(argv) > 8 {
		return nil, render.Errorf(render.KindInvalidInput, op,
			"expected 5 to 8 arguments, got %d", len(argv))
	}

	a := &Args{
		ProjectName: argv[0],
		OutputPath:  argv[1],
		Tier:        render.TierFree,
	}
	if a.ProjectName == "" {
		return nil, render.Errorf(render.KindInvalidInput, op, "project name is empty")
	}
	if a.OutputPath == "" {
		return nil, render.Errorf(render.KindInvalidInput, op, "output path is empty")
	}

	q, err := render.ParseQuality(argv[2])
	if err != nil {
		return nil, err
	}
	a.Quality = q

	subs, err := strconv.ParseBool(argv[3])
	if err != nil {
		return nil, render.Errorf(render.KindInvalidInput, op,
			"include_subtitles %q is not a boolean", argv[3])
	}
	a.IncludeSubtitles = subs

	et, err := render.ParseExportType(argv[4], false)
	if err != nil {
		return nil, err
	}
	a.ExportType = et

	if len(argv) > 5 {
		a.VideoID = optional(argv[5])
	}
	if len(argv) > 6 {
		a.BGMPath = optional(argv[6])
	}
	if len(argv) > 7 {
		a.Tier = render.ParseTier(argv[7])
	}

	if a.ExportType == render.ExportSingle && a.VideoID == "" {
		return nil, render.Errorf(render.KindInvalidInput, op,
			"single export requires a video id")
	}

	return a, nil
}

func optional(s string) string {
	if s == noneSentinel {
		return ""
	}
	return s
}
