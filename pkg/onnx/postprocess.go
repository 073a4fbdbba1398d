package onnx

import (
	"image"
	"math"
	"sort"

	"github.com/disintegration/imaging"

	"github.com/menta2k/floorplan-analyzer/pkg/types"
)

// DefaultIoUThreshold drops a box overlapping a stronger one by more than this
const DefaultIoUThreshold = 0.7

// ToTensor stretches img to size x size and lays it out as CHW floats in [0,1]
func ToTensor(img image.Image, size int) []float32 {
	resized := imaging.Resize(img, size, size, imaging.Linear)
	plane := size * size
	out := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < size; x++ {
			i := x * 4
			p := y*size + x
			out[p] = float32(row[i]) / 255
			out[plane+p] = float32(row[i+1]) / 255
			out[2*plane+p] = float32(row[i+2]) / 255
		}
	}
	return out
}

// Decode reads a [1, 4+C, N] output of centre boxes in input pixels and
// returns normalized detections scoring at least minScore
func Decode(output []float32, classes []string, anchors, imageSize int, minScore float64) []types.Detection {
	rows := 4 + len(classes)
	if anchors <= 0 || len(output) < rows*anchors {
		return []types.Detection{}
	}
	size := float64(imageSize)

	dets := make([]types.Detection, 0, 16)
	for idx := 0; idx < anchors; idx++ {
		classID := -1
		best := float32(-1e9)
		for col := range classes {
			if v := output[anchors*(col+4)+idx]; v > best {
				best = v
				classID = col
			}
		}
		if classID < 0 || float64(best) < minScore {
			continue
		}

		xc, yc := float64(output[idx]), float64(output[anchors+idx])
		w, h := float64(output[2*anchors+idx]), float64(output[3*anchors+idx])
		left := clampUnit((xc - w/2) / size)
		top := clampUnit((yc - h/2) / size)
		right := clampUnit((xc + w/2) / size)
		bottom := clampUnit((yc + h/2) / size)
		if right <= left || bottom <= top {
			continue
		}

		dets = append(dets, types.Detection{
			Tag:         classes[classID],
			Probability: math.Min(1, float64(best)),
			BoundingBox: types.BoundingBox{Left: left, Top: top, Width: right - left, Height: bottom - top},
		})
	}
	return dets
}

// Suppress keeps the strongest box of every overlapping cluster, strongest first
func Suppress(dets []types.Detection, iouThreshold float64) []types.Detection {
	sorted := make([]types.Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Probability > sorted[j].Probability
	})

	kept := make([]types.Detection, 0, len(sorted))
	for _, candidate := range sorted {
		overlaps := false
		for _, existing := range kept {
			if existing.Tag == candidate.Tag && IoU(existing.BoundingBox, candidate.BoundingBox) > iouThreshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, candidate)
		}
	}
	return kept
}

// IoU is the intersection over union of two normalized boxes
func IoU(a, b types.BoundingBox) float64 {
	ix := math.Max(0, math.Min(a.Left+a.Width, b.Left+b.Width)-math.Max(a.Left, b.Left))
	iy := math.Max(0, math.Min(a.Top+a.Height, b.Top+b.Height)-math.Max(a.Top, b.Top))
	inter := ix * iy
	union := a.Width*a.Height + b.Width*b.Height - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
