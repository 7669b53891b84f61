package preview

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

// Thumbnail downscales a rendered preview image to fit within maxWidth x
// maxHeight, preserving aspect ratio, and returns it PNG-encoded. Used to
// keep done-event payloads small; the full-size render stays on the job.
func Thumbnail(src []byte, maxWidth, maxHeight int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decode preview image: %w", err)
	}

	thumb := imaging.Fit(img, maxWidth, maxHeight, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
