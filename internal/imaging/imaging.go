// Package imaging holds the pixel primitives shared by the perceptual hash
// and SSIM scoring. Everything in here is integer arithmetic: hashes and
// scores feed stored baselines, so the same image must reduce to the same
// bytes on every platform.
package imaging

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	_ "golang.org/x/image/webp"

	"github.com/homewalk/tourforge/internal/errs"
)

// Gray is an 8-bit grayscale plane, row-major.
type Gray struct {
	W, H int
	Pix  []uint8
}

func NewGray(w, h int) *Gray {
	return &Gray{W: w, H: h, Pix: make([]uint8, w*h)}
}

func (g *Gray) At(x, y int) uint8 { return g.Pix[y*g.W+x] }

// Decode reads a PNG, JPEG or WebP image.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, errs.Validation(fmt.Sprintf("decode image: %v", err))
	}
	return img, nil
}

// DecodeFile decodes the image at path.
func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.IO("open image", err)
	}
	defer f.Close()
	return Decode(f)
}

// ToGray converts img using integer luma (299r + 587g + 114b) / 1000 over
// 8-bit channels. Floating-point luma would round differently across
// architectures once the compiler fuses operations.
func ToGray(img image.Image) *Gray {
	b := img.Bounds()
	g := NewGray(b.Dx(), b.Dy())
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, gr, bl, _ := img.At(x, y).RGBA()
			r8 := uint32(r >> 8)
			g8 := uint32(gr >> 8)
			b8 := uint32(bl >> 8)
			g.Pix[i] = uint8((299*r8 + 587*g8 + 114*b8) / 1000)
			i++
		}
	}
	return g
}

// Resize box-averages g down (or up) to w by h. Each destination pixel is the
// integer mean of its source box; boxes are at least one pixel so upscaling
// degenerates to nearest-neighbor.
func Resize(g *Gray, w, h int) *Gray {
	if g.W == w && g.H == h {
		out := NewGray(w, h)
		copy(out.Pix, g.Pix)
		return out
	}
	out := NewGray(w, h)
	for y := 0; y < h; y++ {
		y0 := y * g.H / h
		y1 := (y + 1) * g.H / h
		if y1 <= y0 {
			y1 = y0 + 1
		}
		for x := 0; x < w; x++ {
			x0 := x * g.W / w
			x1 := (x + 1) * g.W / w
			if x1 <= x0 {
				x1 = x0 + 1
			}
			var sum, n uint64
			for sy := y0; sy < y1; sy++ {
				row := sy * g.W
				for sx := x0; sx < x1; sx++ {
					sum += uint64(g.Pix[row+sx])
					n++
				}
			}
			out.Pix[y*w+x] = uint8(sum / n)
		}
	}
	return out
}

// GrayFrom resizes img to w by h in one step.
func GrayFrom(img image.Image, w, h int) *Gray {
	return Resize(ToGray(img), w, h)
}
