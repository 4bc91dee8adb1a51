// Package redactor implements the privacy redaction pass: given a pixel
// buffer and a SensitiveRegionSet, produce an occluded buffer.
//
// Occlusion is drawn with a direct per-pixel fill of a rounded rectangle;
// github.com/disintegration/imaging is used only to clone the buffer built
// by NewBufferFromCompressed, and golang.org/x/image/font/basicfont draws
// the kind-label overlay.
package redactor

import (
	"image"
	"image/color"
	"image/draw"
	"sync"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/rejourneyco/replaycore/internal/core"
)

const (
	// PaddingPx inflates each region before drawing, so a mask fully
	// covers anti-aliased edges of the underlying content.
	PaddingPx = 4.0
	// CornerRadiusPx is the rounded-rectangle corner radius.
	CornerRadiusPx = 8.0
)

var kindColors = map[core.RegionKind]color.NRGBA{
	core.TextInput: {R: 0x33, G: 0x33, B: 0x33, A: 0xff},
	core.Camera:    {R: 0x7a, G: 0x1f, B: 0x1f, A: 0xff},
	core.WebView:   {R: 0x1f, G: 0x3d, B: 0x7a, A: 0xff},
	core.Video:     {R: 0x4b, G: 0x1f, B: 0x7a, A: 0xff},
	core.ManualID:  {R: 0x1f, G: 0x1f, B: 0x1f, A: 0xff},
}

// Redactor occludes sensitive regions of a frame buffer in place.
type Redactor struct {
	mu            sync.Mutex
	appBackground bool
	drawLabels    bool
}

// New creates a Redactor. drawLabels controls whether a kind label string
// is overlaid when it fits inside the occluded rect.
func New(drawLabels bool) *Redactor {
	return &Redactor{drawLabels: drawLabels}
}

// OnAppBackground and OnAppForeground latch the background state across
// the async gap between a lifecycle signal and the next capture, so any
// frame captured while backgrounded is fully masked even if the scanner
// itself was skipped.
func (r *Redactor) OnAppBackground() {
	r.mu.Lock()
	r.appBackground = true
	r.mu.Unlock()
}

func (r *Redactor) OnAppForeground() {
	r.mu.Lock()
	r.appBackground = false
	r.mu.Unlock()
}

// Apply occludes img in place per the region set and current background
// latch, returning the same image for chaining. scale transforms rects
// from point-space to buffer-pixel space; a non-finite scale defaults to 1.
func (r *Redactor) Apply(img draw.Image, regions core.SensitiveRegionSet, scale float64) draw.Image {
	if !isFinite(scale) || scale <= 0 {
		scale = 1
	}

	r.mu.Lock()
	background := r.appBackground
	r.mu.Unlock()

	bounds := img.Bounds()

	if regions.MaskAll || background {
		draw.Draw(img, bounds, image.NewUniform(color.Black), image.Point{}, draw.Src)
		return img
	}

	for _, region := range regions.Regions {
		rect := region.Rect.Scale(scale).Inflate(PaddingPx)
		clipped := clipToBounds(rect, bounds)
		if clipped.Empty() {
			continue
		}
		drawRoundedRect(img, clipped, kindColors[region.Kind], CornerRadiusPx)
		if r.drawLabels {
			drawCenteredLabel(img, clipped, region.Kind.String())
		}
	}

	return img
}

// NewBufferFromCompressed wraps raw NRGBA pixel bytes (4 bytes a pixel,
// row-major, width*height pixels) in a drawable image, for callers that hold
// a byte slice rather than an image.Image. No decompression is performed:
// raw is copied as-is, truncated or zero-padded to the image size.
func NewBufferFromCompressed(raw []byte, width, height int) (draw.Image, error) {
	src := image.NewNRGBA(image.Rect(0, 0, width, height))
	copy(src.Pix, raw)
	return imaging.Clone(src), nil
}

func isFinite(f float64) bool {
	return f == f && f < 1e300 && f > -1e300
}

func clipToBounds(r core.Rect, bounds image.Rectangle) image.Rectangle {
	x0 := clampInt(int(r.X), bounds.Min.X, bounds.Max.X)
	y0 := clampInt(int(r.Y), bounds.Min.Y, bounds.Max.Y)
	x1 := clampInt(int(r.X+r.W), bounds.Min.X, bounds.Max.X)
	y1 := clampInt(int(r.Y+r.H), bounds.Min.Y, bounds.Max.Y)
	return image.Rect(x0, y0, x1, y1).Canon()
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// drawRoundedRect fills rect with col, rounding the corners by radius. The
// invariant this must satisfy is that every pixel
// originally inside the region becomes a single constant opaque color.
func drawRoundedRect(img draw.Image, rect image.Rectangle, col color.NRGBA, radius float64) {
	r2 := radius * radius
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			if inRoundedCorner(x, y, rect, radius, r2) {
				continue
			}
			img.Set(x, y, col)
		}
	}
}

func inRoundedCorner(x, y int, rect image.Rectangle, radius, r2 float64) bool {
	// Clamp (x, y) to the inner rect whose corners are the arc centers; a
	// pixel is cut away only if it lies in a corner square and outside the arc.
	cx := clampInt(x, rect.Min.X+int(radius), rect.Max.X-1-int(radius))
	cy := clampInt(y, rect.Min.Y+int(radius), rect.Max.Y-1-int(radius))
	if cx == x || cy == y {
		return false
	}
	dx := float64(x - cx)
	dy := float64(y - cy)
	return dx*dx+dy*dy > r2
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func drawCenteredLabel(img draw.Image, rect image.Rectangle, label string) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, label).Ceil()
	height := face.Metrics().Height.Ceil()
	if width+4 >= rect.Dx() || height+4 >= rect.Dy() {
		return // label does not fit, skip
	}

	x := rect.Min.X + (rect.Dx()-width)/2
	y := rect.Min.Y + (rect.Dy()+height)/2

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(label)
}
