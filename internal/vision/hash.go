// Package vision implements the video change detection pipeline:
// ROI cropping, grayscale detection frames, 64-bit differential
// hashing, structural similarity, the two-tick change confirmation
// state machine, and captured-frame encoding.
package vision

import (
	"image"
	"image/color"
	"math"
	"math/bits"

	"golang.org/x/image/draw"

	"github.com/lucasvandyk/recapd/pkg/types"
)

// CropROI returns the sub-image of img covered by roi, clamped to the
// image bounds. The result shares pixels with img.
func CropROI(img image.Image, roi types.ROI) image.Image {
	b := img.Bounds()
	roi = roi.Clamp(b.Dx(), b.Dy())
	rect := image.Rect(b.Min.X+roi.X, b.Min.Y+roi.Y, b.Min.X+roi.X+roi.W, b.Min.Y+roi.Y+roi.H)

	type subImager interface {
		SubImage(image.Rectangle) image.Image
	}
	if si, ok := img.(subImager); ok {
		return si.SubImage(rect)
	}
	out := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(out, out.Bounds(), img, rect.Min, draw.Src)
	return out
}

// GrayResize converts img to grayscale at the given dimensions using a
// bilinear scaler.
func GrayResize(img image.Image, w, h int) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(out, out.Bounds(), img, img.Bounds(), draw.Src, nil)
	return out
}

// DetectionFrame builds the grayscale frame used for hashing and SSIM:
// the image scaled to w x h with a light 3x3 box blur to suppress
// pixel-level noise.
func DetectionFrame(img image.Image, w, h int) *image.Gray {
	return boxBlur3(GrayResize(img, w, h))
}

// boxBlur3 applies a single-pass 3x3 box blur. Border pixels average
// over their in-bounds neighbors only.
func boxBlur3(src *image.Gray) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(b)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum, count int
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					sum += int(src.GrayAt(b.Min.X+nx, b.Min.Y+ny).Y)
					count++
				}
			}
			out.SetGray(b.Min.X+x, b.Min.Y+y, gray8(sum/count))
		}
	}
	return out
}

// DHash64 computes the 64-bit differential hash of a grayscale image:
// the image is scaled to a 9x8 grid and each bit records whether a
// pixel is brighter than its right neighbor, row by row.
func DHash64(g *image.Gray) uint64 {
	small := GrayResize(g, 9, 8)
	var value uint64
	for row := 0; row < 8; row++ {
		for col := 0; col < 8; col++ {
			left := small.GrayAt(col, row).Y
			right := small.GrayAt(col+1, row).Y
			value <<= 1
			if left > right {
				value |= 1
			}
		}
	}
	return value
}

// Hamming returns the number of differing bits between two hashes.
func Hamming(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// SSIM computes a global structural-similarity score over two
// grayscale images of equal size, in [0, 1] with 1 meaning identical.
// Variances use the sample (n-1) denominator. Images of differing size
// compare over the common pixel count.
func SSIM(a, b *image.Gray) float64 {
	pa := a.Pix
	pb := b.Pix
	n := min(len(pa), len(pb))
	if n <= 1 {
		return 1.0
	}
	pa = pa[:n]
	pb = pb[:n]

	var sumA, sumB float64
	for i := 0; i < n; i++ {
		sumA += float64(pa[i])
		sumB += float64(pb[i])
	}
	meanA := sumA / float64(n)
	meanB := sumB / float64(n)

	var varA, varB, cov float64
	for i := 0; i < n; i++ {
		da := float64(pa[i]) - meanA
		db := float64(pb[i]) - meanB
		varA += da * da
		varB += db * db
		cov += da * db
	}
	denomN := float64(max(1, n-1))
	varA /= denomN
	varB /= denomN
	cov /= denomN

	c1 := (0.01 * 255) * (0.01 * 255)
	c2 := (0.03 * 255) * (0.03 * 255)
	numerator := (2*meanA*meanB + c1) * (2*cov + c2)
	denominator := (meanA*meanA + meanB*meanB + c1) * (varA + varB + c2)
	if denominator == 0 {
		return 1.0
	}
	score := numerator / denominator
	if math.IsNaN(score) {
		return 0.0
	}
	return min(max(score, 0), 1)
}

func gray8(v int) color.Gray {
	if v < 0 {
		v = 0
	}
	if v > 255 {
		v = 255
	}
	return color.Gray{Y: uint8(v)}
}
