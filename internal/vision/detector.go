package vision

import (
	"image"

	"github.com/lucasvandyk/recapd/pkg/types"
)

// DetectorConfig holds the change-detection tunables.
type DetectorConfig struct {
	// SampleMs is the minimum interval between sampled frames.
	SampleMs int64

	// HashThreshold is the Hamming distance above which a frame is a
	// change candidate.
	HashThreshold int

	// CandidateTicks is how many consecutive candidates are required
	// before the SSIM check runs.
	CandidateTicks int

	// SsimThreshold confirms the change when SSIM falls below it.
	SsimThreshold float64

	// CooldownMs suppresses new candidates right after a confirmation.
	CooldownMs int64

	// DetectWidth and DetectHeight size the grayscale detection frame.
	DetectWidth  int
	DetectHeight int
}

// Detector is the per-session change-detection state machine. It holds
// a reference frame and counts consecutive above-threshold candidates;
// a change is confirmed only when the candidate count reaches
// CandidateTicks and the SSIM against the reference drops below the
// threshold.
//
// The detector does no locking; the session owner serializes access.
type Detector struct {
	cfg DetectorConfig

	lastSampleMs  int64
	refHash       uint64
	ref           *image.Gray
	candidates    int
	lastConfirmMs int64
}

// NewDetector returns a detector with the given tunables.
func NewDetector(cfg DetectorConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Result reports the outcome of observing one frame.
type Result struct {
	// Sampled is false when the frame was ignored by the sampling gate.
	Sampled bool

	// Initialized is true for the first sampled frame, which becomes
	// the reference.
	Initialized bool

	// Candidate is true when the hash distance exceeded the threshold.
	Candidate bool

	// Confirmed is true when the change was confirmed.
	Confirmed bool

	// HashDist is the Hamming distance to the reference.
	HashDist int

	// SSIM is the structural similarity to the reference; 1.0 when the
	// SSIM check did not run.
	SSIM float64

	// Confidence is the confirmation confidence in [0, 1], set only
	// when Confirmed.
	Confidence float64
}

// Sample applies the sampling gate: it returns false when less than
// SampleMs has passed since the last sampled frame, and marks the gate
// timestamp otherwise. Callers should check Sample before paying for
// image decode and hashing.
func (d *Detector) Sample(nowMs int64) bool {
	if nowMs-d.lastSampleMs < d.cfg.SampleMs {
		return false
	}
	d.lastSampleMs = nowMs
	return true
}

// Reset drops the reference frame, forcing re-initialization on the
// next sampled frame. Called when the session ROI changes.
func (d *Detector) Reset() {
	d.ref = nil
	d.refHash = 0
	d.candidates = 0
}

// Observe runs the state machine on a sampled detection frame. The
// candidate count is reset after every SSIM evaluation regardless of
// outcome, so a confirmation requires a fresh run of candidates.
func (d *Detector) Observe(frame *image.Gray, nowMs int64) Result {
	hash := DHash64(frame)

	if d.ref == nil {
		d.ref = frame
		d.refHash = hash
		d.candidates = 0
		return Result{Sampled: true, Initialized: true, SSIM: 1.0}
	}

	dist := Hamming(hash, d.refHash)
	inCooldown := nowMs-d.lastConfirmMs < d.cfg.CooldownMs
	if dist > d.cfg.HashThreshold && !inCooldown {
		d.candidates++
	} else {
		d.candidates = 0
	}

	res := Result{
		Sampled:   true,
		Candidate: dist > d.cfg.HashThreshold,
		HashDist:  dist,
		SSIM:      1.0,
	}

	if d.candidates >= d.cfg.CandidateTicks {
		res.SSIM = SSIM(d.ref, frame)
		if res.SSIM < d.cfg.SsimThreshold {
			res.Confirmed = true
			res.Confidence = confidence(dist, res.SSIM)
			d.lastConfirmMs = nowMs
			d.ref = frame
			d.refHash = hash
		}
		d.candidates = 0
	}
	return res
}

// confidence blends the normalized hash distance and the SSIM
// dissimilarity into a [0, 1] score.
func confidence(hashDist int, ssim float64) float64 {
	score := (float64(hashDist)/32.0 + max(0, 1.0-ssim)) / 2.0
	return min(max(score, 0), 1)
}

// DiffScore packages the measurements for the wire payload.
func (r Result) DiffScore() types.DiffScore {
	return types.DiffScore{HashDist: float64(r.HashDist), SSIM: r.SSIM}
}
