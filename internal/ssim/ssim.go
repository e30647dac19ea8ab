// Package ssim scores structural similarity between two renders. The score
// is global (one window over the whole image) at a fixed 64x64 working
// resolution, which is enough to separate "same scene" from "converter
// mangled the splats" without per-window cost.
package ssim

import (
	"image"

	"github.com/homewalk/tourforge/internal/imaging"
)

const workingEdge = 64

// Stabilizers from the reference SSIM constants at 8-bit dynamic range.
const (
	c1 = (0.01 * 255) * (0.01 * 255)
	c2 = (0.03 * 255) * (0.03 * 255)
)

// Score compares two grayscale planes, resampling each to 64x64 first.
// Result is clamped to [0, 1]; identical planes score 1.
func Score(a, b *imaging.Gray) float64 {
	x := imaging.Resize(a, workingEdge, workingEdge)
	y := imaging.Resize(b, workingEdge, workingEdge)

	// Pixel sums stay in integers so the statistics are exact.
	n := uint64(workingEdge * workingEdge)
	var sx, sy, sxx, syy, sxy uint64
	for i := uint64(0); i < n; i++ {
		px := uint64(x.Pix[i])
		py := uint64(y.Pix[i])
		sx += px
		sy += py
		sxx += px * px
		syy += py * py
		sxy += px * py
	}

	fn := float64(n)
	mx := float64(sx) / fn
	my := float64(sy) / fn
	vx := float64(sxx)/fn - mx*mx
	vy := float64(syy)/fn - my*my
	cov := float64(sxy)/fn - mx*my

	num := (2*mx*my + c1) * (2*cov + c2)
	den := (mx*mx + my*my + c1) * (vx + vy + c2)
	s := num / den

	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// Images scores two decoded images.
func Images(a, b image.Image) float64 {
	return Score(imaging.ToGray(a), imaging.ToGray(b))
}
