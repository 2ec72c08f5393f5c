package subtitle

import (
	"fmt"
	"math"
	"runtime"
	"strconv"
	"strings"
)

// ReferenceHeight is the play resolution height that per-segment style
// values are expressed against. Sizes, outline widths, shadow depths and
// margins scale by playResY/ReferenceHeight so a subtitle occupies the same
// fraction of the frame at any output resolution.
const ReferenceHeight = 288.0

// Style is the per-segment subtitle appearance. Colors are #RRGGBB;
// Position is the vertical margin at the reference resolution.
type Style struct {
	Font         string
	Size         float64
	PrimaryColor string
	OutlineColor string
	ShadowColor  string
	OutlineWidth float64
	Shadow       float64
	BorderStyle  int // 1 = outline+shadow, 3 = opaque box
	Position     float64
}

// DefaultStyle is the appearance used when a segment declares nothing.
func DefaultStyle() Style {
	return Style{
		Size:         18,
		PrimaryColor: "#FFFFFF",
		OutlineColor: "#000000",
		ShadowColor:  "#000000",
		OutlineWidth: 1,
		Shadow:       0,
		BorderStyle:  1,
		Position:     20,
	}
}

// normalized fills zero-valued fields from the default so partially
// specified styles render sensibly.
func (s Style) normalized() Style {
	def := DefaultStyle()
	if s.Size <= 0 {
		s.Size = def.Size
	}
	if s.PrimaryColor == "" {
		s.PrimaryColor = def.PrimaryColor
	}
	if s.OutlineColor == "" {
		s.OutlineColor = def.OutlineColor
	}
	if s.ShadowColor == "" {
		s.ShadowColor = def.ShadowColor
	}
	if s.BorderStyle != 1 && s.BorderStyle != 3 {
		s.BorderStyle = def.BorderStyle
	}
	if s.Position <= 0 {
		s.Position = def.Position
	}
	return s
}

// styleLine renders one 23-field V4+ style definition. The fixed field
// order is Name, Fontname, Fontsize, PrimaryColour, SecondaryColour,
// OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX,
// ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL,
// MarginR, MarginV, Encoding. The shadow color lands in BackColour, which
// is what renders the drop shadow for border style 1.
func styleLine(name string, s Style, scale float64) string {
	s = s.normalized()
	if scale <= 0 {
		scale = 1
	}
	return fmt.Sprintf("Style: %s,%s,%d,%s,%s,%s,%s,0,0,0,0,100,100,0,0,%d,%s,%s,2,%d,%d,%d,1",
		name,
		MapFont(s.Font),
		int(math.Round(s.Size*scale)),
		colorToASS(s.PrimaryColor),
		colorToASS(s.PrimaryColor),
		colorToASS(s.OutlineColor),
		colorToASS(s.ShadowColor),
		s.BorderStyle,
		formatScaled(s.OutlineWidth, scale),
		formatScaled(s.Shadow, scale),
		int(math.Round(10*scale)),
		int(math.Round(10*scale)),
		int(math.Round(s.Position*scale)),
	)
}

func formatScaled(v, scale float64) string {
	scaled := v * scale
	// Two decimals is plenty for libass and keeps the line readable.
	return strconv.FormatFloat(math.Round(scaled*100)/100, 'f', -1, 64)
}

// colorToASS converts #RRGGBB into ASS &H00BBGGRR (alpha, blue, green,
// red).
func colorToASS(hex string) string {
	hex = strings.TrimPrefix(strings.TrimSpace(hex), "#")
	if len(hex) != 6 {
		return "&H00FFFFFF"
	}
	r, g, b := hex[0:2], hex[2:4], hex[4:6]
	return fmt.Sprintf("&H00%s%s%s", strings.ToUpper(b), strings.ToUpper(g), strings.ToUpper(r))
}

// fontAliases maps fonts commonly named in projects onto families that
// actually exist on the rendering host.
var fontAliases = map[string]map[string]string{
	"linux": {
		"Helvetica":       "Liberation Sans",
		"Helvetica Neue":  "Liberation Sans",
		"Arial":           "Liberation Sans",
		"Times New Roman": "Liberation Serif",
		"Courier New":     "Liberation Mono",
		"SF Pro":          "DejaVu Sans",
	},
	"darwin": {
		"Liberation Sans":  "Helvetica",
		"Liberation Serif": "Times New Roman",
		"Liberation Mono":  "Courier New",
	},
	"windows": {
		"Helvetica":        "Arial",
		"Helvetica Neue":   "Arial",
		"Liberation Sans":  "Arial",
		"Liberation Serif": "Times New Roman",
		"Liberation Mono":  "Courier New",
	},
}

// MapFont resolves a declared font name against the current platform.
// Private names (leading dot) and empty names fall back to the platform
// default.
func MapFont(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.HasPrefix(name, ".") {
		return defaultFont()
	}
	if aliases, ok := fontAliases[runtime.GOOS]; ok {
		if mapped, ok := aliases[name]; ok {
			return mapped
		}
	}
	return name
}

func defaultFont() string {
	switch runtime.GOOS {
	case "darwin":
		return "Helvetica"
	case "windows":
		return "Arial"
	}
	return "DejaVu Sans"
}
