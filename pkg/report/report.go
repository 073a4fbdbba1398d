// Package report renders an AnalysisResult for people: the per-tag
// summary, the annotated overlay, the crops and the raw JSON.
package report

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/menta2k/floorplan-analyzer/internal/utils"
	"github.com/menta2k/floorplan-analyzer/pkg/aggregate"
	"github.com/menta2k/floorplan-analyzer/pkg/processing"
	"github.com/menta2k/floorplan-analyzer/pkg/types"
)

// TagLines renders "- 2 doors (average confidence of: 75.0%)" per tag, sorted by tag
func TagLines(groups types.AggregatedGroups) []string {
	summaries := aggregate.Summaries(groups)
	lines := make([]string, 0, len(summaries))
	for _, s := range summaries {
		name := s.Tag
		if s.Count > 1 {
			name += "s"
		}
		lines = append(lines, fmt.Sprintf("- %d %s (average confidence of: %.1f%%)", s.Count, name, s.AverageProbability*100))
	}
	return lines
}

// Markdown renders the whole result as a markdown document
func Markdown(res *types.AnalysisResult) string {
	var sb strings.Builder

	sb.WriteString("## Detected Elements\n\n")
	lines := TagLines(res.Aggregated)
	if len(lines) == 0 {
		sb.WriteString("No elements above the threshold.\n")
	}
	for _, l := range lines {
		sb.WriteString(l + "\n")
	}

	sb.WriteString("\n## Analysis\n\n")
	sb.WriteString(strings.TrimSpace(res.Summary) + "\n")

	if len(res.Detections) > 0 {
		sb.WriteString("\n## Outputs\n\n")
		sb.WriteString("| # | Tag | Confidence | Annotation |\n|---|-----|------------|------------|\n")
		for i, d := range res.Detections {
			fmt.Fprintf(&sb, "| %d | %s | %.1f%% | %s |\n", i+1, d.Tag, d.Probability*100, escapeCell(d.AnnotationText))
		}
	}

	if len(res.Failures) > 0 {
		sb.WriteString("\n## Skipped\n\n")
		for _, f := range res.Failures {
			fmt.Fprintf(&sb, "- detection %d (%s): %s\n", f.Index, f.Detection.Tag, f.Error)
		}
	}
	return sb.String()
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

// Paths lists what Write produced
type Paths struct {
	JSON     string
	Markdown string
	Overlay  string
	Crops    []string
}

// Options controls Write
type Options struct {
	// Base names the output files, usually the floor plan filename
	Base          string
	OverlayFormat string
	Quality       int
	SaveCrops     bool
}

// Write stores result.json, report.md, the overlay and optionally each crop in dir
func Write(dir string, res *types.AnalysisResult, floorPlan image.Image, p *processing.Processor, opts Options) (*Paths, error) {
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if opts.Base == "" {
		opts.Base = "floorplan"
	}
	if opts.OverlayFormat == "" {
		opts.OverlayFormat = "png"
	}
	if opts.Quality <= 0 {
		opts.Quality = 90
	}

	paths := &Paths{
		JSON:     utils.GenerateOutputFilename(opts.Base, dir, "", "_result", "json"),
		Markdown: utils.GenerateOutputFilename(opts.Base, dir, "", "_report", "md"),
	}

	if err := WriteJSON(paths.JSON, res); err != nil {
		return nil, err
	}
	if err := os.WriteFile(paths.Markdown, []byte(Markdown(res)), 0o644); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}

	if floorPlan != nil {
		dets := make([]types.Detection, len(res.Detections))
		for i, d := range res.Detections {
			dets[i] = d.Detection
		}
		overlay := p.RenderOverlay(floorPlan, dets, func(i int, _ types.Detection) string {
			return res.Detections[i].AnnotationText
		})
		paths.Overlay = utils.GenerateOutputFilename(opts.Base, dir, "", "_overlay", opts.OverlayFormat)
		if err := p.SaveImage(overlay, paths.Overlay, opts.OverlayFormat, opts.Quality, false); err != nil {
			return nil, fmt.Errorf("save overlay: %w", err)
		}
	}

	if opts.SaveCrops {
		cropDir := filepath.Join(dir, "crops")
		if err := utils.EnsureDir(cropDir); err != nil {
			return nil, err
		}
		for i, d := range res.Detections {
			if len(d.SourceImageCrop) == 0 {
				continue
			}
			ext := strings.TrimPrefix(d.CropMIMEType, "image/")
			if ext == "" || ext == "jpeg" {
				ext = "jpg"
			}
			name := filepath.Join(cropDir, fmt.Sprintf("%02d_%s.%s", i+1, utils.SanitizeFilename(d.Tag), ext))
			if err := os.WriteFile(name, d.SourceImageCrop, 0o644); err != nil {
				return nil, fmt.Errorf("write crop: %w", err)
			}
			paths.Crops = append(paths.Crops, name)
		}
	}
	return paths, nil
}

// WriteJSON writes the result without the crop bytes
func WriteJSON(path string, res *types.AnalysisResult) error {
	slim := *res
	slim.Detections = make([]types.AnnotatedDetection, len(res.Detections))
	for i, d := range res.Detections {
		d.SourceImageCrop = nil
		slim.Detections[i] = d
	}
	data, err := json.MarshalIndent(slim, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
