// Package geometry converts normalized bounding boxes into pixel rectangles.
//
// All results are clamped to the image so that cropping or drawing never
// indexes outside it, whatever the detector reported.
package geometry

import (
	"image"
	"math"

	"github.com/menta2k/floorplan-analyzer/pkg/types"
)

// PixelRect is a rectangle in pixel space. Left/Top are inclusive, Right/Bottom exclusive.
type PixelRect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Width returns the horizontal extent in pixels.
func (r PixelRect) Width() int { return r.Right - r.Left }

// Height returns the vertical extent in pixels.
func (r PixelRect) Height() int { return r.Bottom - r.Top }

// Empty reports whether the rectangle contains no pixels.
func (r PixelRect) Empty() bool { return r.Right <= r.Left || r.Bottom <= r.Top }

// Rect returns the image.Rectangle equivalent.
func (r PixelRect) Rect() image.Rectangle {
	return image.Rect(r.Left, r.Top, r.Right, r.Bottom)
}

// ToPixelRect converts box to pixels against an imageWidth x imageHeight image,
// grows it by margin pixels on every side and clamps the result to the image.
// A negative margin is treated as zero.
func ToPixelRect(box types.BoundingBox, imageWidth, imageHeight, margin int) PixelRect {
	w, h := float64(imageWidth), float64(imageHeight)
	raw := PixelRect{
		Left:   round(box.Left * w),
		Top:    round(box.Top * h),
		Right:  round((box.Left + box.Width) * w),
		Bottom: round((box.Top + box.Height) * h),
	}
	return Expand(raw, margin, imageWidth, imageHeight)
}

// Expand grows r by margin pixels on every side and clamps it to the image bounds.
// A negative margin is treated as zero.
func Expand(r PixelRect, margin, imageWidth, imageHeight int) PixelRect {
	if margin < 0 {
		margin = 0
	}
	return PixelRect{
		Left:   clamp(r.Left-margin, 0, imageWidth),
		Top:    clamp(r.Top-margin, 0, imageHeight),
		Right:  clamp(r.Right+margin, 0, imageWidth),
		Bottom: clamp(r.Bottom+margin, 0, imageHeight),
	}
}

func round(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	// keep the int conversion defined for absurd inputs
	v = math.Max(math.Min(v, math.MaxInt32), math.MinInt32)
	return int(math.Round(v))
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
