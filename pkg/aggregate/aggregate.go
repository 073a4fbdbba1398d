// Package aggregate groups detections by tag for the summary view.
package aggregate

import (
	"sort"

	"github.com/menta2k/floorplan-analyzer/pkg/types"
)

// Aggregate keeps detections with probability >= minProbability, groups them by
// tag (case-sensitive) and sorts each group by probability, highest first.
// Equal probabilities keep their input order. The result is always non-nil.
func Aggregate(detections []types.Detection, minProbability float64) types.AggregatedGroups {
	groups := make(types.AggregatedGroups)
	for _, d := range detections {
		if d.Probability >= minProbability {
			groups[d.Tag] = append(groups[d.Tag], d)
		}
	}

	for _, group := range groups {
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Probability > group[j].Probability
		})
	}

	return groups
}

// Eligible returns the detections that pass the threshold in their original
// order, together with their indices in the input.
func Eligible(detections []types.Detection, minProbability float64) ([]types.Detection, []int) {
	var out []types.Detection
	var idx []int
	for i, d := range detections {
		if d.Probability >= minProbability {
			out = append(out, d)
			idx = append(idx, i)
		}
	}
	return out, idx
}

// TagSummary is the per-tag line of the summary view.
type TagSummary struct {
	Tag                string  `json:"tag"`
	Count              int     `json:"count"`
	AverageProbability float64 `json:"average_probability"`
	MaxProbability     float64 `json:"max_probability"`
}

// Summaries returns one entry per tag, sorted by tag name.
func Summaries(groups types.AggregatedGroups) []TagSummary {
	out := make([]TagSummary, 0, len(groups))
	for tag, dets := range groups {
		if len(dets) == 0 {
			continue
		}
		var sum, max float64
		for _, d := range dets {
			sum += d.Probability
			if d.Probability > max {
				max = d.Probability
			}
		}
		out = append(out, TagSummary{
			Tag:                tag,
			Count:              len(dets),
			AverageProbability: sum / float64(len(dets)),
			MaxProbability:     max,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}
