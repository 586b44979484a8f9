package vision_test

import (
	"image"
	"image/color"
	"testing"

	"github.com/lucasvandyk/recapd/internal/vision"
	"github.com/lucasvandyk/recapd/pkg/types"
)

// solidGray returns a w x h grayscale image filled with value v.
func solidGray(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

// stripedGray returns a w x h grayscale image with alternating vertical
// black/white stripes of the given width.
func stripedGray(w, h, stripe int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(255)
			if (x/stripe)%2 == 1 {
				v = 0
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img
}

func TestDHashIdenticalImages(t *testing.T) {
	a := stripedGray(320, 180, 20)
	b := stripedGray(320, 180, 20)
	if d := vision.Hamming(vision.DHash64(a), vision.DHash64(b)); d != 0 {
		t.Errorf("identical images differ by %d bits, want 0", d)
	}
}

func TestDHashDistinguishesContent(t *testing.T) {
	white := solidGray(320, 180, 255)
	striped := stripedGray(320, 180, 20)
	if d := vision.Hamming(vision.DHash64(white), vision.DHash64(striped)); d <= 16 {
		t.Errorf("white vs striped hamming = %d, want > 16", d)
	}
}

func TestSSIMIdentical(t *testing.T) {
	a := stripedGray(64, 36, 8)
	if got := vision.SSIM(a, a); got < 0.999 {
		t.Errorf("SSIM(a, a) = %v, want ~1.0", got)
	}
}

func TestSSIMDissimilar(t *testing.T) {
	white := solidGray(64, 36, 255)
	striped := stripedGray(64, 36, 8)
	if got := vision.SSIM(white, striped); got >= 0.90 {
		t.Errorf("SSIM(white, striped) = %v, want < 0.90", got)
	}
}

func defaultDetector() *vision.Detector {
	return vision.NewDetector(vision.DetectorConfig{
		SampleMs:       1_000,
		HashThreshold:  16,
		CandidateTicks: 2,
		SsimThreshold:  0.90,
		CooldownMs:     2_000,
		DetectWidth:    320,
		DetectHeight:   180,
	})
}

func TestSamplingGate(t *testing.T) {
	d := defaultDetector()
	if !d.Sample(1_000) {
		t.Fatal("first Sample rejected")
	}
	if d.Sample(1_500) {
		t.Error("Sample accepted a frame 500 ms after the last one")
	}
	if !d.Sample(2_000) {
		t.Error("Sample rejected a frame a full interval later")
	}
}

func TestChangeConfirmationRequiresTwoTicksAndSSIM(t *testing.T) {
	d := defaultDetector()
	white := solidGray(320, 180, 255)
	striped := stripedGray(320, 180, 20)

	res := d.Observe(white, 1_000)
	if !res.Initialized {
		t.Fatal("first frame did not initialize the reference")
	}

	// First candidate tick: no confirmation yet.
	res = d.Observe(striped, 4_000)
	if !res.Candidate {
		t.Fatalf("striped frame not a candidate (hash dist %d)", res.HashDist)
	}
	if res.Confirmed {
		t.Fatal("confirmed after a single candidate tick")
	}

	// Second tick: SSIM check runs and confirms.
	res = d.Observe(striped, 5_000)
	if !res.Confirmed {
		t.Fatalf("second candidate tick not confirmed (hash %d, ssim %v)", res.HashDist, res.SSIM)
	}
	if res.Confidence <= 0 || res.Confidence > 1 {
		t.Errorf("confidence = %v, want in (0, 1]", res.Confidence)
	}

	// The reference advanced: the same striped frame is now quiet.
	res = d.Observe(striped, 8_000)
	if res.Candidate || res.Confirmed {
		t.Error("frame equal to the new reference still flagged as change")
	}
}

func TestCandidateCountResetsOnQuietFrame(t *testing.T) {
	d := defaultDetector()
	white := solidGray(320, 180, 255)
	striped := stripedGray(320, 180, 20)

	d.Observe(white, 1_000)
	d.Observe(striped, 4_000) // candidate 1
	d.Observe(white, 5_000)   // quiet, resets the count

	res := d.Observe(striped, 6_000) // candidate 1 again
	if res.Confirmed {
		t.Error("confirmed without consecutive candidate ticks")
	}
}

func TestCooldownSuppressesCandidates(t *testing.T) {
	d := defaultDetector()
	a := solidGray(320, 180, 255)
	b := stripedGray(320, 180, 20)
	c := stripedGray(320, 180, 5)

	d.Observe(a, 1_000)
	d.Observe(b, 4_000)
	res := d.Observe(b, 5_000)
	if !res.Confirmed {
		t.Fatal("setup confirmation did not happen")
	}

	// Within the 2 s cooldown, even a big diff must not accumulate
	// candidates.
	res = d.Observe(c, 6_000)
	if res.Confirmed {
		t.Error("confirmed during cooldown")
	}
	res = d.Observe(c, 6_900)
	if res.Confirmed {
		t.Error("confirmed during cooldown on second tick")
	}
}

func TestResetDropsReference(t *testing.T) {
	d := defaultDetector()
	d.Observe(solidGray(320, 180, 255), 1_000)
	d.Reset()
	res := d.Observe(stripedGray(320, 180, 20), 4_000)
	if !res.Initialized {
		t.Error("frame after Reset did not re-initialize the reference")
	}
}

func TestROIClamp(t *testing.T) {
	roi := types.ROI{X: 500, Y: 300, W: 400, H: 400}
	clamped := roi.Clamp(640, 360)
	if clamped.X+clamped.W > 640 || clamped.Y+clamped.H > 360 {
		t.Errorf("clamped ROI %+v exceeds 640x360", clamped)
	}
	if clamped.W < 1 || clamped.H < 1 {
		t.Errorf("clamped ROI %+v has empty dimensions", clamped)
	}

	full := types.ROI{}.Clamp(640, 360)
	if full.W != 640 || full.H != 360 {
		t.Errorf("zero ROI clamped to %+v, want full frame", full)
	}
}

func TestCropROI(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 100, 80))
	cropped := vision.CropROI(src, types.ROI{X: 10, Y: 10, W: 30, H: 20})
	b := cropped.Bounds()
	if b.Dx() != 30 || b.Dy() != 20 {
		t.Errorf("cropped bounds = %dx%d, want 30x20", b.Dx(), b.Dy())
	}
}
