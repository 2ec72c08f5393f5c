package stages

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/clipjoint/renderd/internal/pipeline/core"
	"github.com/clipjoint/renderd/internal/render"
)

// Fonts resolves the font families segments declare, ahead of the
// subtitle burn. A font that cannot be resolved is a warning, never a
// failure; the burn falls back to the platform default.
type Fonts struct {
	provider core.FontProvider
	log      *slog.Logger
}

// NewFonts creates the font resolution stage. A nil provider disables
// it.
func NewFonts(provider core.FontProvider, log *slog.Logger) *Fonts {
	return &Fonts{provider: provider, log: log.With(slog.String("stage", "fonts"))}
}

// ID implements core.Stage.
func (s *Fonts) ID() render.Stage { return render.StageFonts }

// Name implements core.Stage.
func (s *Fonts) Name() string { return "Ensure Fonts" }

// Execute resolves each declared font through the provider.
func (s *Fonts) Execute(ctx context.Context, state *core.State) (*core.StageResult, error) {
	fonts := state.Project.DeclaredFonts()
	if len(fonts) == 0 {
		return &core.StageResult{Message: "No fonts declared"}, nil
	}
	if s.provider == nil {
		s.log.DebugContext(ctx, "no font provider configured, skipping",
			slog.Int("font_count", len(fonts)))
		return &core.StageResult{Message: "Font resolution disabled"}, nil
	}

	resolved := 0
	for i, family := range fonts {
		select {
		case <-ctx.Done():
			return nil, render.E(render.KindCancelled, "stages.fonts", ctx.Err())
		default:
		}

		state.Report(ctx, core.Progress{
			Stage:       s.ID(),
			Message:     fmt.Sprintf("Resolving font %q", family),
			Fraction:    float64(i) / float64(len(fonts)),
			CurrentStep: i + 1,
			TotalSteps:  len(fonts),
		})

		path, err := s.provider.EnsureFont(ctx, family)
		if err != nil {
			warning := fmt.Sprintf("font %q unavailable: %v", family, err)
			state.AddWarning(warning)
			state.Report(ctx, core.Progress{
				Stage:    s.ID(),
				Message:  fmt.Sprintf("Resolving font %q", family),
				Fraction: float64(i+1) / float64(len(fonts)),
				Detail:   warning,
			})
			s.log.WarnContext(ctx, "font unavailable",
				slog.String("family", family),
				slog.String("error", err.Error()),
			)
			continue
		}

		resolved++
		s.log.DebugContext(ctx, "font resolved",
			slog.String("family", family),
			slog.String("path", path),
		)
	}

	return &core.StageResult{
		RecordsProcessed: len(fonts),
		Message:          fmt.Sprintf("Resolved %d/%d fonts", resolved, len(fonts)),
	}, nil
}

// Cleanup implements core.Stage.
func (s *Fonts) Cleanup(ctx context.Context) error { return nil }

var _ core.Stage = (*Fonts)(nil)
