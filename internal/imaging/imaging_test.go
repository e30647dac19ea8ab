package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homewalk/tourforge/internal/errs"
)

func TestToGrayLumaWeights(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 1))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	img.Set(1, 0, color.RGBA{G: 255, A: 255})
	img.Set(2, 0, color.RGBA{B: 255, A: 255})

	g := ToGray(img)
	// (299*255)/1000, (587*255)/1000, (114*255)/1000 with integer division.
	assert.Equal(t, uint8(76), g.At(0, 0))
	assert.Equal(t, uint8(149), g.At(1, 0))
	assert.Equal(t, uint8(29), g.At(2, 0))
}

func TestResizeBoxAverage(t *testing.T) {
	g := NewGray(4, 4)
	// Left half 0, right half 200.
	for y := 0; y < 4; y++ {
		for x := 2; x < 4; x++ {
			g.Pix[y*4+x] = 200
		}
	}

	small := Resize(g, 2, 2)
	assert.Equal(t, uint8(0), small.At(0, 0))
	assert.Equal(t, uint8(0), small.At(0, 1))
	assert.Equal(t, uint8(200), small.At(1, 0))
	assert.Equal(t, uint8(200), small.At(1, 1))
}

func TestResizeMixedBox(t *testing.T) {
	g := NewGray(2, 2)
	g.Pix = []uint8{0, 100, 200, 100}

	one := Resize(g, 1, 1)
	assert.Equal(t, uint8(100), one.At(0, 0), "mean of all four pixels")
}

func TestResizeUpscaleNearest(t *testing.T) {
	g := NewGray(2, 1)
	g.Pix = []uint8{10, 250}

	big := Resize(g, 4, 1)
	assert.Equal(t, []uint8{10, 10, 250, 250}, big.Pix)
}

func TestResizeSameSizeCopies(t *testing.T) {
	g := NewGray(2, 2)
	g.Pix = []uint8{1, 2, 3, 4}

	out := Resize(g, 2, 2)
	out.Pix[0] = 99
	assert.Equal(t, uint8(1), g.Pix[0])
}

func TestDecodePNG(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 5, 7))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))

	img, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 5, img.Bounds().Dx())
	assert.Equal(t, 7, img.Bounds().Dy())
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte("not an image")))
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}
