package vision

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"time"

	"golang.org/x/image/draw"

	"github.com/lucasvandyk/recapd/pkg/objstore"
)

func scaleInto(dst *image.RGBA, src image.Image) {
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
}

// jpegQuality matches the quality used for the capture fallback path.
const jpegQuality = 90

// Capturer normalizes confirmed change frames and stores them. The
// preferred encoding is WEBP with a JPEG fallback; since no WEBP
// encoder is linked in, the fallback is what ships today.
type Capturer struct {
	// Width and Height are the normalized capture dimensions.
	Width  int
	Height int

	// Store persists the encoded bytes. A local filesystem store is
	// used when no object storage is configured.
	Store objstore.Store

	// PresignTTL bounds presigned GET URL lifetime.
	PresignTTL time.Duration

	// Log defaults to slog.Default.
	Log *slog.Logger
}

// Capture holds the outcome of storing one confirmed frame.
type Capture struct {
	Checksum string
	URI      string
	Ext      string
}

// Capture resizes the cropped frame, encodes it, computes the content
// checksum, and persists the bytes under
// realtime_captures/{session_id}/{frame_id}.{ext}.
func (c *Capturer) Capture(ctx context.Context, sessionID, frameID string, cropped image.Image) (Capture, error) {
	resized := image.NewRGBA(image.Rect(0, 0, c.Width, c.Height))
	scaleInto(resized, cropped)

	encoded, ext, err := encodeFrame(resized)
	if err != nil {
		return Capture{}, fmt.Errorf("vision: encode capture: %w", err)
	}

	sum := sha256.Sum256(encoded)
	checksum := hex.EncodeToString(sum[:])

	key := fmt.Sprintf("realtime_captures/%s/%s.%s", sessionID, frameID, ext)
	contentType := "image/jpeg"
	if ext == "webp" {
		contentType = "image/webp"
	}
	if err := c.Store.Put(ctx, key, encoded, contentType); err != nil {
		return Capture{}, fmt.Errorf("vision: store capture: %w", err)
	}
	uri, err := c.Store.PresignGet(ctx, key, c.PresignTTL)
	if err != nil {
		return Capture{}, fmt.Errorf("vision: presign capture: %w", err)
	}

	return Capture{Checksum: checksum, URI: uri, Ext: ext}, nil
}

// encodeFrame tries WEBP first and falls back to JPEG when the encoder
// reports an error.
func encodeFrame(img image.Image) ([]byte, string, error) {
	if data, err := encodeWEBP(img); err == nil {
		return data, "webp", nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "jpg", nil
}

// encodeWEBP reports that no WEBP encoder is available. golang.org/x/image
// ships a decoder only; callers take the JPEG path.
func encodeWEBP(image.Image) ([]byte, error) {
	return nil, errors.New("vision: webp encoding not available")
}
