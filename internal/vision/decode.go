package vision

import (
	"bytes"
	"fmt"
	"image"

	// Registered decoders for incoming frame payloads.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// DecodeImage decodes a client frame payload. PNG, JPEG, GIF, and WEBP
// are accepted.
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("vision: decode frame: %w", err)
	}
	return img, nil
}
