// Package client defines the capabilities the pipeline consumes: a
// detector, a vision annotator, a text summarizer and a blob store.
package client

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/menta2k/floorplan-analyzer/pkg/types"
)

// Detector finds symbols in a whole floor-plan image
type Detector interface {
	Detect(ctx context.Context, image []byte) ([]types.Detection, error)
}

// Annotator answers a multi-turn, multi-image chat request with text
type Annotator interface {
	Annotate(ctx context.Context, req AnnotationRequest) (string, error)
}

// Summarizer produces a free-text summary from a single prompt
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// SummaryOptions are the sampling settings used for summary requests.
// The zero value means DefaultSummaryOptions.
type SummaryOptions struct {
	Temperature float64
	MaxTokens   int
}

// DefaultSummaryOptions returns temperature 0.7 and 500 tokens
func DefaultSummaryOptions() SummaryOptions {
	return SummaryOptions{Temperature: 0.7, MaxTokens: 500}
}

// OrDefault replaces the zero value with DefaultSummaryOptions
func (o SummaryOptions) OrDefault() SummaryOptions {
	if o == (SummaryOptions{}) {
		return DefaultSummaryOptions()
	}
	return o
}

// BlobStore keeps input images addressable by key
type BlobStore interface {
	Upload(ctx context.Context, key string, data []byte) (string, error)
	Download(ctx context.Context, key string) ([]byte, error)
}

// ErrNotFound is returned by a BlobStore for a missing key
var ErrNotFound = errors.New("blob not found")

// Image is an encoded image sent to a model
type Image struct {
	Data     []byte
	MIMEType string
	// HighDetail asks the backend for full-resolution processing where supported
	HighDetail bool
}

// DataURL renders the image as a base64 data URL
func (i Image) DataURL() string {
	mime := i.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

// Block is one piece of a turn: either text or an image
type Block struct {
	Text  string
	Image *Image
}

// TextBlock builds a text block
func TextBlock(s string) Block { return Block{Text: s} }

// ImageBlock builds an image block
func ImageBlock(img Image) Block { return Block{Image: &img} }

// Turn is one user message made of ordered blocks
type Turn struct {
	Blocks []Block
}

// AnnotationRequest is an ordered list of user turns
type AnnotationRequest struct {
	Turns []Turn
}

// Images returns every image in request order
func (r AnnotationRequest) Images() []Image {
	var out []Image
	for _, t := range r.Turns {
		for _, b := range t.Blocks {
			if b.Image != nil {
				out = append(out, *b.Image)
			}
		}
	}
	return out
}

// DetectorFunc adapts a function to Detector
type DetectorFunc func(ctx context.Context, image []byte) ([]types.Detection, error)

func (f DetectorFunc) Detect(ctx context.Context, image []byte) ([]types.Detection, error) {
	return f(ctx, image)
}

// AnnotatorFunc adapts a function to Annotator
type AnnotatorFunc func(ctx context.Context, req AnnotationRequest) (string, error)

func (f AnnotatorFunc) Annotate(ctx context.Context, req AnnotationRequest) (string, error) {
	return f(ctx, req)
}

// SummarizerFunc adapts a function to Summarizer
type SummarizerFunc func(ctx context.Context, prompt string) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
