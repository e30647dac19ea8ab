// Package phash computes the 64-bit block-mean perceptual hash used to
// compare rendered frames. Hashes are stored in baselines, so the pipeline
// here is frozen: change it and every stored hash silently drifts.
package phash

import (
	"fmt"
	"image"
	"sort"
	"strings"

	"github.com/homewalk/tourforge/internal/errs"
	"github.com/homewalk/tourforge/internal/imaging"
)

const (
	sampleSize = 32 // downsample edge before hashing
	blockEdge  = 8  // hash grid edge, 64 blocks total
	flatSpan   = 10 // below this max-min the image is treated as flat
)

// Hash returns the 16-char lowercase hex hash of img.
//
// The image is reduced to 32x32 gray. Near-flat images (max-min < 10) hash
// to their mean byte repeated, so two uniform renders at slightly different
// levels still land at distance 0 or near it. Otherwise the 8x8 block means
// are thresholded against their median and packed MSB-first.
func Hash(img image.Image) string {
	return HashGray(imaging.GrayFrom(img, sampleSize, sampleSize))
}

// HashGray hashes an already-downsampled 32x32 plane. Any other geometry is
// resampled first.
func HashGray(g *imaging.Gray) string {
	if g.W != sampleSize || g.H != sampleSize {
		g = imaging.Resize(g, sampleSize, sampleSize)
	}

	minV, maxV := uint8(255), uint8(0)
	var sum uint64
	for _, p := range g.Pix {
		if p < minV {
			minV = p
		}
		if p > maxV {
			maxV = p
		}
		sum += uint64(p)
	}
	if int(maxV)-int(minV) < flatSpan {
		mean := uint8(sum / uint64(len(g.Pix)))
		return strings.Repeat(fmt.Sprintf("%02x", mean), 8)
	}

	// 64 block means, each block a 4x4 box of the 32x32 plane.
	box := sampleSize / blockEdge
	var blocks [blockEdge * blockEdge]uint16
	for by := 0; by < blockEdge; by++ {
		for bx := 0; bx < blockEdge; bx++ {
			var bsum uint32
			for y := by * box; y < (by+1)*box; y++ {
				row := y * sampleSize
				for x := bx * box; x < (bx+1)*box; x++ {
					bsum += uint32(g.Pix[row+x])
				}
			}
			blocks[by*blockEdge+bx] = uint16(bsum / uint32(box*box))
		}
	}

	sorted := make([]uint16, len(blocks))
	copy(sorted, blocks[:])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	median := (uint32(sorted[31]) + uint32(sorted[32])) / 2

	var bits [8]byte
	for i, b := range blocks {
		if uint32(b) >= median {
			bits[i/8] |= 1 << (7 - i%8)
		}
	}
	return fmt.Sprintf("%02x%02x%02x%02x%02x%02x%02x%02x",
		bits[0], bits[1], bits[2], bits[3], bits[4], bits[5], bits[6], bits[7])
}

// Distance is the Hamming distance between two hex hashes in bits.
// Hashes of different lengths are not comparable.
func Distance(a, b string) (int, error) {
	if len(a) != len(b) {
		return 0, errs.Validation(fmt.Sprintf("hash length mismatch: %d vs %d", len(a), len(b)))
	}
	dist := 0
	for i := 0; i < len(a); i++ {
		na, err := nibble(a[i])
		if err != nil {
			return 0, err
		}
		nb, err := nibble(b[i])
		if err != nil {
			return 0, err
		}
		x := na ^ nb
		for x != 0 {
			dist += int(x & 1)
			x >>= 1
		}
	}
	return dist, nil
}

func nibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, errs.Validation(fmt.Sprintf("invalid hash character %q", c))
	}
}
