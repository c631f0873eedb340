// Package colorutil provides the shared color palette for match diagrams.
package colorutil

import (
	"image/color"
)

// Common overlay colors used by the renderers.
var (
	Black   = color.RGBA{R: 0, G: 0, B: 0, A: 255}
	White   = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	Cyan    = color.RGBA{R: 0, G: 255, B: 255, A: 255}
	Magenta = color.RGBA{R: 255, G: 0, B: 255, A: 255}
	Green   = color.RGBA{R: 0, G: 220, B: 0, A: 255}
	Red     = color.RGBA{R: 230, G: 0, B: 0, A: 255}
	Yellow  = color.RGBA{R: 255, G: 255, B: 0, A: 255}
)

// Match diagram roles.
var (
	InlierLine  = Green
	OutlierLine = Red
	MatchLine   = Cyan
	Keypoint    = Yellow
	Outline     = Magenta
	PanelText   = White
)

// Cycle returns a deterministic color for index i, used when matches are
// drawn without an inlier mask and per-line colors are requested.
func Cycle(i int) color.RGBA {
	palette := []color.RGBA{Cyan, Magenta, Yellow, Green, Red}
	if i < 0 {
		i = -i
	}
	return palette[i%len(palette)]
}
