// Package types holds the records exchanged between the detector, the
// pipeline and the workflow host. JSON names match the workflow payloads.
package types

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// BoundingBox is a rectangle normalized to the image dimensions, origin top-left.
// Values are expected in [0,1] but producers do not enforce left+width <= 1.
type BoundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Validate rejects non-finite or negative extents. Overflowing boxes are accepted;
// consumers clamp when converting to pixels.
func (b BoundingBox) Validate() error {
	fields := [...]struct {
		name string
		v    float64
	}{{"left", b.Left}, {"top", b.Top}, {"width", b.Width}, {"height", b.Height}}
	for _, f := range fields {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("bounding_box.%s is not a finite number", f.name)
		}
	}
	if b.Width < 0 || b.Height < 0 {
		return fmt.Errorf("bounding_box has negative size %.3fx%.3f", b.Width, b.Height)
	}
	return nil
}

// Detection is a single symbol reported by the object detector.
type Detection struct {
	Tag         string      `json:"tag"`
	Probability float64     `json:"probability"`
	BoundingBox BoundingBox `json:"bounding_box"`
}

// Validate checks a detection received from an external detector.
func (d Detection) Validate() error {
	if strings.TrimSpace(d.Tag) == "" {
		return errors.New("detection tag is empty")
	}
	if math.IsNaN(d.Probability) || d.Probability < 0 || d.Probability > 1 {
		return fmt.Errorf("detection %q probability %v outside [0,1]", d.Tag, d.Probability)
	}
	if err := d.BoundingBox.Validate(); err != nil {
		return fmt.Errorf("detection %q: %w", d.Tag, err)
	}
	return nil
}

// AnnotatedDetection is a detection merged with the annotator's answer for its crop.
type AnnotatedDetection struct {
	Detection
	AnnotationText  string `json:"annotation_text"`
	SourceImageCrop []byte `json:"source_image_crop,omitempty"`
	CropMIMEType    string `json:"crop_mime_type,omitempty"`
}

// AggregatedGroups maps a tag to its detections sorted by probability, highest first.
type AggregatedGroups map[string][]Detection

// Tags returns the number of distinct tags.
func (g AggregatedGroups) Tags() int { return len(g) }

// AnnotationFailure records a detection whose annotation failed under the skip policy.
type AnnotationFailure struct {
	Index     int       `json:"index"`
	Detection Detection `json:"detection"`
	Error     string    `json:"error"`
}

// AnalysisResult is the terminal artifact of one pipeline run.
type AnalysisResult struct {
	Detections []AnnotatedDetection `json:"detections"`
	Aggregated AggregatedGroups     `json:"aggregated_detections"`
	Summary    string               `json:"summary"`
	Failures   []AnnotationFailure  `json:"failures,omitempty"`
}

// AnalysisRequest is the payload that starts a run on a workflow host.
type AnalysisRequest struct {
	Container           string   `json:"container"`
	Filename            string   `json:"filename"`
	ReferenceFilename   string   `json:"reference_filename"`
	AnalyzePrompt       string   `json:"analyze_prompt"`
	PredictionThreshold *float64 `json:"prediction_threshold,omitempty"`
}

// Threshold returns the requested threshold or def when none was given.
func (r AnalysisRequest) Threshold(def float64) float64 {
	if r.PredictionThreshold == nil {
		return def
	}
	return *r.PredictionThreshold
}

// Validate checks that the request names both images and carries a prompt.
func (r AnalysisRequest) Validate() error {
	if strings.TrimSpace(r.Filename) == "" {
		return errors.New("filename is required")
	}
	if strings.TrimSpace(r.ReferenceFilename) == "" {
		return errors.New("reference_filename is required")
	}
	if strings.TrimSpace(r.AnalyzePrompt) == "" {
		return errors.New("analyze_prompt is required")
	}
	if t := r.PredictionThreshold; t != nil && (math.IsNaN(*t) || *t < 0 || *t > 1) {
		return fmt.Errorf("prediction_threshold %v outside [0,1]", *t)
	}
	return nil
}
