package encoder

import (
	"fmt"

	"github.com/y9o/go-openh264/openh264"
)

// openh264Backend is the default software H.264 backend, built on
// github.com/y9o/go-openh264 for per-frame, independently-decodable
// segment encoding rather than a live RTP stream.
//
// Each appended frame is encoded as its own keyframe (no inter-frame
// prediction across the append boundary) so any frame in a sealed segment
// remains independently decodable without replaying the whole segment.
type openh264Backend struct {
	enc     *openh264.Encoder
	width   int
	height  int
	quality float64
}

// NewOpenH264Backend creates the default software H.264 Backend, sized to
// width x height and resized whenever a frame of other dimensions arrives.
func NewOpenH264Backend(width, height int) (Backend, error) {
	return newOpenH264Backend(width, height)
}

func newOpenH264Backend(width, height int) (*openh264Backend, error) {
	enc, err := openh264.NewEncoder(openh264.EncoderParams{
		Width:            width,
		Height:           height,
		BitrateBps:       bitrateForQuality(width, height, 1.0),
		KeyframeInterval: 1, // every frame is a keyframe
	})
	if err != nil {
		return nil, fmt.Errorf("encoder: openh264 init: %w", err)
	}
	return &openh264Backend{enc: enc, width: width, height: height, quality: 1.0}, nil
}

func (b *openh264Backend) Encode(frame []byte, width, height int) ([]byte, error) {
	if width != b.width || height != b.height {
		if err := b.enc.SetResolution(width, height); err != nil {
			return nil, fmt.Errorf("encoder: openh264 resize: %w", err)
		}
		b.width, b.height = width, height
	}
	nal, err := b.enc.EncodeFrame(frame)
	if err != nil {
		return nil, fmt.Errorf("encoder: openh264 encode: %w", err)
	}
	return nal, nil
}

func (b *openh264Backend) SetQuality(scale float64) error {
	b.quality = scale
	return b.enc.SetBitrate(bitrateForQuality(b.width, b.height, scale))
}

func (b *openh264Backend) Close() error {
	return b.enc.Close()
}

// bitrateForQuality derives a target bitrate from the sampler's scale
// factor and the frame's pixel count.
func bitrateForQuality(width, height int, scale float64) int {
	const bitsPerPixelAtFullQuality = 0.08
	base := float64(width*height) * bitsPerPixelAtFullQuality
	return int(base * scale)
}
