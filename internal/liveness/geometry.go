package liveness

import "fmt"

// Box is an axis-aligned rectangle given by its edges.
type Box struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// Size is a width/height pair in pixels.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (s Size) valid() bool {
	return s.Width > 0 && s.Height > 0
}

// TargetRegion is the rectangle in preview space the face must stay inside.
type TargetRegion struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// NewTargetRegion centers a region of the given fractions inside the preview.
func NewTargetRegion(preview Size, widthFraction, heightFraction float64) (TargetRegion, error) {
	if !preview.valid() {
		return TargetRegion{}, fmt.Errorf("%w: preview %.0fx%.0f", ErrInvalidGeometry, preview.Width, preview.Height)
	}
	width := preview.Width * widthFraction
	height := preview.Height * heightFraction
	return TargetRegion{
		Left:   (preview.Width - width) / 2,
		Top:    (preview.Height - height) / 2,
		Width:  width,
		Height: height,
	}, nil
}

// NormalizeBox maps a box from detector space into preview space. Each axis has
// its own scale factor detector/preview and every edge is divided by it.
func NormalizeBox(box Box, detector, preview Size) (Box, error) {
	if !preview.valid() {
		return Box{}, fmt.Errorf("%w: preview %.0fx%.0f", ErrInvalidGeometry, preview.Width, preview.Height)
	}
	if !detector.valid() {
		return Box{}, fmt.Errorf("%w: detector frame %.0fx%.0f", ErrInvalidGeometry, detector.Width, detector.Height)
	}
	scaleX := detector.Width / preview.Width
	scaleY := detector.Height / preview.Height
	return Box{
		Left:   box.Left / scaleX,
		Top:    box.Top / scaleY,
		Right:  box.Right / scaleX,
		Bottom: box.Bottom / scaleY,
	}, nil
}

// IsContained reports whether box lies fully inside region. Edges touching the
// region boundary count as inside; there is no tolerance margin.
func IsContained(box Box, region TargetRegion) bool {
	return box.Left >= region.Left &&
		box.Right <= region.Left+region.Width &&
		box.Top >= region.Top &&
		box.Bottom <= region.Top+region.Height
}
