package pipeline

import (
	"fmt"
	"strings"

	"github.com/menta2k/floorplan-analyzer/pkg/types"
)

// NoDetectionsSummary stands in for the summary when nothing was annotated
const NoDetectionsSummary = "No objects were detected in the floor plan."

// FailedAnnotationsSummary is used instead when detections were found but none
// could be annotated under the skip policy
func FailedAnnotationsSummary(n int) string {
	if n == 1 {
		return "1 detection could not be annotated; no summary is available."
	}
	return fmt.Sprintf("%d detections could not be annotated; no summary is available.", n)
}

// SummaryInstructions opens the summary prompt
const SummaryInstructions = `You are an AI assistant analyzing a floor plan image. I will give you a list of detected objects with their tags and probabilities.
Please provide a concise summary of what was detected in the floor plan. Focus on:
1. The types of rooms/spaces detected
2. Notable features or patterns
3. Any potential inaccuracies or areas that need attention

Here are the detections:`

// BuildSummaryPrompt lists one "- tag: annotation (confidence: 93.0%)" line per
// detection. Lines are grouped by tag in order of first appearance and keep
// detection order within a tag.
func BuildSummaryPrompt(detections []types.AnnotatedDetection) string {
	var order []string
	byTag := make(map[string][]types.AnnotatedDetection)
	for _, d := range detections {
		if _, ok := byTag[d.Tag]; !ok {
			order = append(order, d.Tag)
		}
		byTag[d.Tag] = append(byTag[d.Tag], d)
	}

	var sb strings.Builder
	sb.WriteString(SummaryInstructions)
	sb.WriteString("\n")
	for _, tag := range order {
		for _, d := range byTag[tag] {
			fmt.Fprintf(&sb, "- %s: %s (confidence: %.1f%%)\n", d.Tag, d.AnnotationText, d.Probability*100)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
