// Package correlator matches a single detection against the legend image.
//
// For every eligible detection it crops the floor plan around the box,
// sends the legend and the crop to a vision annotator and merges the
// returned text back onto the detection.
package correlator

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/menta2k/floorplan-analyzer/pkg/client"
	"github.com/menta2k/floorplan-analyzer/pkg/processing"
	"github.com/menta2k/floorplan-analyzer/pkg/types"
)

// CropInstruction opens the second turn, which carries the crop
const CropInstruction = "Here is the symbol and the legend"

// DefaultPrompt asks the model for the legend name of the symbol
const DefaultPrompt = `Here's an image of a symbol and a legend.
Please match the symbol to the legend and give me the name of the symbol in the legend.
Use the exact symbol name as it appears in the legend, all in uppercase.
Only return the name of the symbol or No Match if there is no match.

Here is the legend`

// Correlator annotates detections through an external annotator
type Correlator struct {
	annotator client.Annotator
	processor *processing.Processor
}

// New creates a correlator; a nil processor uses JPEG crops
func New(annotator client.Annotator, processor *processing.Processor) *Correlator {
	if processor == nil {
		processor = processing.NewProcessor()
	}
	return &Correlator{annotator: annotator, processor: processor}
}

// BuildRequest lays out the two user turns: prompt and legend first, then the crop
func BuildRequest(prompt string, reference, crop client.Image) client.AnnotationRequest {
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultPrompt
	}
	crop.HighDetail = true
	return client.AnnotationRequest{
		Turns: []client.Turn{
			{Blocks: []client.Block{client.TextBlock(prompt), client.ImageBlock(reference)}},
			{Blocks: []client.Block{client.TextBlock(CropInstruction), client.ImageBlock(crop)}},
		},
	}
}

// Crop cuts the detection out of the full image with margin and encodes it
func (c *Correlator) Crop(det types.Detection, full image.Image, margin int) (client.Image, error) {
	cropped, rect, err := c.processor.CropDetection(full, det.BoundingBox, margin)
	if err != nil {
		return client.Image{}, fmt.Errorf("crop %s at %+v: %w", det.Tag, rect, err)
	}
	data, mime, err := c.processor.Encode(cropped)
	if err != nil {
		return client.Image{}, fmt.Errorf("encode crop: %w", err)
	}
	return client.Image{Data: data, MIMEType: mime}, nil
}

// Annotate crops the detection, asks the annotator and returns the merged record
func (c *Correlator) Annotate(ctx context.Context, det types.Detection, full image.Image, reference client.Image, prompt string, margin int) (types.AnnotatedDetection, error) {
	if err := det.Validate(); err != nil {
		return types.AnnotatedDetection{}, fmt.Errorf("invalid detection: %w", err)
	}

	crop, err := c.Crop(det, full, margin)
	if err != nil {
		return types.AnnotatedDetection{}, err
	}

	text, err := c.annotator.Annotate(ctx, BuildRequest(prompt, reference, crop))
	if err != nil {
		return types.AnnotatedDetection{}, fmt.Errorf("annotate %s: %w", det.Tag, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return types.AnnotatedDetection{}, fmt.Errorf("annotate %s: empty response", det.Tag)
	}

	return types.AnnotatedDetection{
		Detection:       det,
		AnnotationText:  text,
		SourceImageCrop: crop.Data,
		CropMIMEType:    crop.MIMEType,
	}, nil
}
