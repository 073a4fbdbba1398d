// Package floorplananalyzer finds symbols on architectural floor plans and
// names each one by matching it against the drawing's legend.
//
// A run detects symbols with an object detection service, keeps the ones
// above a confidence threshold, groups them by tag, asks a vision language
// model to identify every crop against the legend and finally asks for a
// plain-language summary.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//		"log"
//
//		floorplananalyzer "github.com/menta2k/floorplan-analyzer"
//		"github.com/menta2k/floorplan-analyzer/pkg/customvision"
//		"github.com/menta2k/floorplan-analyzer/pkg/openai"
//		"github.com/menta2k/floorplan-analyzer/pkg/pipeline"
//	)
//
//	func main() {
//		detector, err := customvision.NewClient(customvision.Config{ /* ... */ })
//		if err != nil {
//			log.Fatal(err)
//		}
//		model, err := openai.NewClient(openai.Config{ /* ... */ })
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		fa, err := floorplananalyzer.New(detector, model, pipeline.DefaultConfig())
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer fa.Close()
//
//		a, err := fa.AnalyzeFiles(context.Background(), "plan.png", "legend.png", "", nil)
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Println(a.Result.Summary)
//	}
//
// The package ties together:
//
//   - pkg/customvision and pkg/onnx: object detectors
//   - pkg/aggregate: grouping by tag
//   - pkg/correlator: crop and legend matching
//   - pkg/openai, pkg/ollama and pkg/gemini: vision language models
//   - pkg/pipeline: the run coordinator
//   - pkg/report: overlay, crops and markdown output
package floorplananalyzer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"path/filepath"

	"github.com/menta2k/floorplan-analyzer/internal/config"
	"github.com/menta2k/floorplan-analyzer/internal/logger"
	"github.com/menta2k/floorplan-analyzer/internal/utils"
	"github.com/menta2k/floorplan-analyzer/pkg/analyzer"
	"github.com/menta2k/floorplan-analyzer/pkg/client"
	"github.com/menta2k/floorplan-analyzer/pkg/pipeline"
	"github.com/menta2k/floorplan-analyzer/pkg/processing"
	"github.com/menta2k/floorplan-analyzer/pkg/report"
	"github.com/menta2k/floorplan-analyzer/pkg/types"
)

// Version of the floor plan analyzer library
const Version = "1.0.0"

// LanguageModel both annotates crops and writes summaries
type LanguageModel interface {
	client.Annotator
	client.Summarizer
}

// FloorPlanAnalyzer provides a high-level interface over the pipeline
type FloorPlanAnalyzer struct {
	coordinator *pipeline.Coordinator
	images      *analyzer.ImageAnalyzer
	processor   *processing.Processor
	closers     []io.Closer
}

// Analysis is a finished run together with the decoded floor plan
type Analysis struct {
	Name      string
	Result    *types.AnalysisResult
	FloorPlan image.Image
}

// New creates an analyzer from explicit components
func New(detector client.Detector, model LanguageModel, cfg pipeline.Config, opts ...pipeline.Option) (*FloorPlanAnalyzer, error) {
	if model == nil {
		return nil, errors.New("language model is required")
	}
	fa := &FloorPlanAnalyzer{
		images:    analyzer.New(),
		processor: processing.NewProcessor(),
	}
	base := []pipeline.Option{
		pipeline.WithImageAnalyzer(fa.images),
		pipeline.WithProcessor(fa.processor),
	}
	c, err := pipeline.New(detector, model, model, cfg, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	fa.coordinator = c
	return fa, nil
}

// NewFromConfig builds the detector, language model and blob store named by cfg
func NewFromConfig(ctx context.Context, cfg *config.Config, log *logger.Logger) (*FloorPlanAnalyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	pc, err := cfg.PipelineConfig()
	if err != nil {
		return nil, err
	}

	detector, closer, err := cfg.NewDetector()
	if err != nil {
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}
	model, err := cfg.NewLanguageModel()
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("failed to create language model: %w", err)
	}
	store, err := cfg.NewBlobStore(ctx)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("failed to create blob store: %w", err)
	}

	fa, err := New(detector, model, pc,
		pipeline.WithStore(store),
		pipeline.WithLogger(log),
		pipeline.WithProcessor(cfg.NewProcessor()))
	if err != nil {
		closer.Close()
		return nil, err
	}
	fa.closers = append(fa.closers, closer)
	return fa, nil
}

// Coordinator exposes the underlying pipeline
func (fa *FloorPlanAnalyzer) Coordinator() *pipeline.Coordinator {
	return fa.coordinator
}

// AnalyzeFiles runs the pipeline on two local files or URLs
func (fa *FloorPlanAnalyzer) AnalyzeFiles(ctx context.Context, floorPlan, legend, prompt string, observer pipeline.Observer) (*Analysis, error) {
	plan, err := utils.ReadSource(ctx, floorPlan)
	if err != nil {
		return nil, fmt.Errorf("failed to read floor plan: %w", err)
	}
	ref, err := utils.ReadSource(ctx, legend)
	if err != nil {
		return nil, fmt.Errorf("failed to read legend: %w", err)
	}
	a, err := fa.AnalyzeImages(ctx, plan, ref, prompt, observer)
	if err != nil {
		return nil, err
	}
	a.Name = filepath.Base(floorPlan)
	return a, nil
}

// AnalyzeImages runs the pipeline on encoded images held in memory
func (fa *FloorPlanAnalyzer) AnalyzeImages(ctx context.Context, floorPlan, legend []byte, prompt string, observer pipeline.Observer) (*Analysis, error) {
	res, err := fa.coordinator.Analyze(ctx, pipeline.Input{FloorPlan: floorPlan, Reference: legend, Prompt: prompt}, observer)
	if err != nil {
		return nil, err
	}
	img, _, err := fa.images.Decode(floorPlan)
	if err != nil {
		return nil, fmt.Errorf("failed to decode floor plan: %w", err)
	}
	return &Analysis{Name: "floorplan", Result: res, FloorPlan: img}, nil
}

// AnalyzeRequest runs the pipeline on two blobs from the configured store
func (fa *FloorPlanAnalyzer) AnalyzeRequest(ctx context.Context, req types.AnalysisRequest, observer pipeline.Observer) (*types.AnalysisResult, error) {
	return fa.coordinator.Run(ctx, req, observer)
}

// WriteReport stores the result, the overlay, the crops and the markdown report in dir
func (fa *FloorPlanAnalyzer) WriteReport(dir string, a *Analysis, opts report.Options) (*report.Paths, error) {
	if opts.Base == "" {
		opts.Base = a.Name
	}
	return report.Write(dir, a.Result, a.FloorPlan, fa.processor, opts)
}

// Close releases native detector resources
func (fa *FloorPlanAnalyzer) Close() error {
	var errs []error
	for _, c := range fa.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
