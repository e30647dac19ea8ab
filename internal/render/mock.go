package render

import (
	"context"
	"image"
	"math"

	"github.com/homewalk/tourforge/internal/contract"
	"github.com/homewalk/tourforge/internal/errs"
)

// FrameEdge is the fixed output resolution of both renderer implementations.
const FrameEdge = 256

// Mock renders a 256x256 frame whose pixels are an integer hash of
// (frame index, pose bits, seed) and nothing else. The scene handle is
// ignored on purpose: rendering "the same view" of the source and the
// converted scene must produce the same image, which is what lets the QA
// pipeline run end to end without a GPU. All mixing is integer so frames
// are bit-identical across platforms.
type Mock struct {
	Seed uint64
}

func (m Mock) Frame(ctx context.Context, _ Scene, pose contract.CameraPose, index int) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Rendering("frame canceled", err)
	}

	base := mix(m.Seed ^ 0x9E3779B97F4A7C15)
	base = mix(base ^ uint64(index))
	base = mix(base ^ math.Float64bits(pose.X))
	base = mix(base ^ math.Float64bits(pose.Y))
	base = mix(base ^ math.Float64bits(pose.Z))
	base = mix(base ^ math.Float64bits(pose.Pitch))
	base = mix(base ^ math.Float64bits(pose.Yaw))

	img := image.NewRGBA(image.Rect(0, 0, FrameEdge, FrameEdge))
	for y := 0; y < FrameEdge; y++ {
		row := base ^ (uint64(y) << 32)
		for x := 0; x < FrameEdge; x++ {
			px := mix(row ^ uint64(x))
			off := img.PixOffset(x, y)
			img.Pix[off+0] = uint8(px)
			img.Pix[off+1] = uint8(px >> 8)
			img.Pix[off+2] = uint8(px >> 16)
			img.Pix[off+3] = 0xFF
		}
	}
	return img, nil
}

// mix is the splitmix64 finalizer.
func mix(v uint64) uint64 {
	v += 0x9E3779B97F4A7C15
	v = (v ^ (v >> 30)) * 0xBF58476D1CE4E5B9
	v = (v ^ (v >> 27)) * 0x94D049BB133111EB
	return v ^ (v >> 31)
}
