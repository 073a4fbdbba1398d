// Package pipeline sequences one analysis run: load inputs, detect,
// aggregate and annotate side by side, then summarize.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/menta2k/floorplan-analyzer/internal/logger"
	"github.com/menta2k/floorplan-analyzer/pkg/aggregate"
	"github.com/menta2k/floorplan-analyzer/pkg/analyzer"
	"github.com/menta2k/floorplan-analyzer/pkg/client"
	"github.com/menta2k/floorplan-analyzer/pkg/correlator"
	"github.com/menta2k/floorplan-analyzer/pkg/processing"
	"github.com/menta2k/floorplan-analyzer/pkg/types"
)

// State is a step of the run state machine
type State string

const (
	Idle          State = "Idle"
	LoadingInputs State = "LoadingInputs"
	Detecting     State = "Detecting"
	Aggregating   State = "Aggregating"
	Annotating    State = "Annotating"
	Summarizing   State = "Summarizing"
	Done          State = "Done"
	Failed        State = "Failed"
)

// Policy decides what a failed annotation does to the run
type Policy string

const (
	// PolicyAbort fails the run on the first annotation error
	PolicyAbort Policy = "abort"
	// PolicySkip drops the detection and records it in AnalysisResult.Failures
	PolicySkip Policy = "skip"
)

// ParsePolicy accepts the names used in config files and flags
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "abort", "abort-on-first-failure":
		return PolicyAbort, nil
	case "skip", "skip-and-report":
		return PolicySkip, nil
	}
	return "", fmt.Errorf("unknown failure policy %q", s)
}

// Config tunes a coordinator
type Config struct {
	Threshold   float64
	Margin      int
	Concurrency int
	Policy      Policy
	// RunTimeout bounds the whole run; 0 disables it
	RunTimeout time.Duration
	// CallTimeout bounds each external call; 0 disables it
	CallTimeout time.Duration
	// Prompt is used when a request carries none
	Prompt string
}

// DefaultConfig mirrors the defaults of the hosted workflow
func DefaultConfig() Config {
	return Config{
		Threshold:   0.5,
		Margin:      10,
		Concurrency: 4,
		Policy:      PolicyAbort,
		RunTimeout:  10 * time.Minute,
		CallTimeout: 2 * time.Minute,
		Prompt:      correlator.DefaultPrompt,
	}
}

// Event reports a state change or annotation progress
type Event struct {
	State     State
	Completed int
	Total     int
	Err       error
	At        time.Time
}

// Observer receives events serially
type Observer func(Event)

// Input is an already-loaded pair of images
type Input struct {
	FloorPlan []byte
	Reference []byte
	Prompt    string
	// Threshold overrides Config.Threshold when set
	Threshold *float64
}

// Coordinator runs analyses; it holds no per-run state and is safe for concurrent use
type Coordinator struct {
	detector   client.Detector
	annotator  client.Annotator
	summarizer client.Summarizer
	store      client.BlobStore

	cfg        Config
	images     *analyzer.ImageAnalyzer
	correlator *correlator.Correlator
	log        *logger.Logger
}

// Option customizes a Coordinator
type Option func(*Coordinator)

// WithStore enables Run, which loads both images from the store
func WithStore(store client.BlobStore) Option {
	return func(c *Coordinator) { c.store = store }
}

// WithProcessor sets the crop encoding
func WithProcessor(p *processing.Processor) Option {
	return func(c *Coordinator) { c.correlator = correlator.New(c.annotator, p) }
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithImageAnalyzer sets the input decoder and validator
func WithImageAnalyzer(a *analyzer.ImageAnalyzer) Option {
	return func(c *Coordinator) { c.images = a }
}

// New builds a coordinator; detector, annotator and summarizer are required
func New(detector client.Detector, annotator client.Annotator, summarizer client.Summarizer, cfg Config, opts ...Option) (*Coordinator, error) {
	if detector == nil || annotator == nil || summarizer == nil {
		return nil, errors.New("detector, annotator and summarizer are required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Margin < 0 {
		cfg.Margin = 0
	}
	if !validThreshold(cfg.Threshold) {
		return nil, fmt.Errorf("threshold %v outside [0,1]", cfg.Threshold)
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyAbort
	}
	if cfg.Policy != PolicyAbort && cfg.Policy != PolicySkip {
		return nil, fmt.Errorf("unknown failure policy %q", cfg.Policy)
	}

	c := &Coordinator{
		detector:   detector,
		annotator:  annotator,
		summarizer: summarizer,
		cfg:        cfg,
		images:     analyzer.New(),
		log:        logger.Discard(),
	}
	c.correlator = correlator.New(annotator, nil)
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the effective configuration
func (c *Coordinator) Config() Config { return c.cfg }

// run carries the per-run observer and serializes its calls
type run struct {
	mu       sync.Mutex
	observer Observer
}

func (r *run) emit(ev Event) {
	if r.observer == nil {
		return
	}
	ev.At = time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer(ev)
}

// Run loads the request's images from the blob store and analyzes them
func (c *Coordinator) Run(ctx context.Context, req types.AnalysisRequest, observer Observer) (*types.AnalysisResult, error) {
	r := &run{observer: observer}
	r.emit(Event{State: Idle})

	ctx, cancel := c.runContext(ctx)
	defer cancel()

	r.emit(Event{State: LoadingInputs})
	if c.store == nil {
		return nil, c.fail(r, stageError(LoadingInputs, InputLoadFailure, -1, errors.New("no blob store configured")))
	}
	if err := req.Validate(); err != nil {
		return nil, c.fail(r, stageError(LoadingInputs, InputLoadFailure, -1, err))
	}

	var plan, legend []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		plan, err = c.download(gctx, req.Filename)
		return err
	})
	g.Go(func() error {
		var err error
		legend, err = c.download(gctx, req.ReferenceFilename)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, c.fail(r, stageError(LoadingInputs, InputLoadFailure, -1, err))
	}

	return c.analyze(ctx, r, Input{
		FloorPlan: plan,
		Reference: legend,
		Prompt:    req.AnalyzePrompt,
		Threshold: req.PredictionThreshold,
	})
}

// Analyze runs the pipeline on images the caller already holds
func (c *Coordinator) Analyze(ctx context.Context, in Input, observer Observer) (*types.AnalysisResult, error) {
	r := &run{observer: observer}
	r.emit(Event{State: Idle})

	ctx, cancel := c.runContext(ctx)
	defer cancel()

	r.emit(Event{State: LoadingInputs})
	return c.analyze(ctx, r, in)
}

func (c *Coordinator) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.RunTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.RunTimeout)
	}
	return context.WithCancel(ctx)
}

func (c *Coordinator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (c *Coordinator) download(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	data, err := c.store.Download(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	return data, nil
}

func (c *Coordinator) fail(r *run, err *StageError) error {
	c.log.Error("run failed in %s: %v", err.Stage, err)
	r.emit(Event{State: Failed, Err: err})
	return err
}

// validThreshold reports whether t is a number in [0,1]
func validThreshold(t float64) bool {
	return !math.IsNaN(t) && t >= 0 && t <= 1
}

func (c *Coordinator) analyze(ctx context.Context, r *run, in Input) (*types.AnalysisResult, error) {
	threshold := c.cfg.Threshold
	if in.Threshold != nil {
		threshold = *in.Threshold
	}
	if !validThreshold(threshold) {
		return nil, c.fail(r, stageError(LoadingInputs, InputLoadFailure, -1, fmt.Errorf("threshold %v outside [0,1]", threshold)))
	}
	prompt := in.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = c.cfg.Prompt
	}

	full, _, err := c.images.Decode(in.FloorPlan)
	if err != nil {
		return nil, c.fail(r, stageError(LoadingInputs, InputLoadFailure, -1, fmt.Errorf("floor plan: %w", err)))
	}
	_, refFormat, err := c.images.Decode(in.Reference)
	if err != nil {
		return nil, c.fail(r, stageError(LoadingInputs, InputLoadFailure, -1, fmt.Errorf("reference: %w", err)))
	}
	reference := client.Image{Data: in.Reference, MIMEType: "image/" + refFormat}
	info := c.images.GetImageInfo(full)
	c.log.Debug("floor plan %dx%d, reference %s", info.Width, info.Height, refFormat)

	r.emit(Event{State: Detecting})
	detections, err := c.detect(ctx, in.FloorPlan)
	if err != nil {
		return nil, c.fail(r, stageError(Detecting, DetectionFailure, -1, err))
	}
	c.log.Info("detector returned %d detections", len(detections))

	eligible, indices := aggregate.Eligible(detections, threshold)

	r.emit(Event{State: Aggregating})
	aggregated := make(chan types.AggregatedGroups, 1)
	go func() {
		aggregated <- aggregate.Aggregate(detections, threshold)
	}()

	r.emit(Event{State: Annotating, Total: len(eligible)})
	annotated, failures, serr := c.annotateAll(ctx, r, full, reference, prompt, eligible, indices)
	groups := <-aggregated
	if serr != nil {
		return nil, c.fail(r, serr)
	}
	c.log.Info("Detected %d objects across %d unique tags", len(eligible), len(groups))
	for _, s := range aggregate.Summaries(groups) {
		name := s.Tag
		if s.Count > 1 {
			name += "s"
		}
		c.log.Debug("Found %d %s", s.Count, name)
	}

	r.emit(Event{State: Summarizing})
	summary, err := c.summarize(ctx, annotated, len(failures))
	if err != nil {
		return nil, c.fail(r, stageError(Summarizing, SummarizationFailure, -1, err))
	}

	result := &types.AnalysisResult{
		Detections: annotated,
		Aggregated: groups,
		Summary:    summary,
		Failures:   failures,
	}
	r.emit(Event{State: Done, Completed: len(annotated), Total: len(eligible)})
	c.log.Info("run done: %d annotated, %d tags, %d skipped", len(annotated), len(groups), len(failures))
	return result, nil
}

func (c *Coordinator) detect(ctx context.Context, floorPlan []byte) ([]types.Detection, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	detections, err := c.detector.Detect(callCtx, floorPlan)
	if err != nil {
		return nil, err
	}
	for i, d := range detections {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("detection %d: %w", i, err)
		}
	}
	if detections == nil {
		detections = []types.Detection{}
	}
	return detections, nil
}

// annotateAll fans out one correlator call per eligible detection over a
// bounded pool and collects results in input order
func (c *Coordinator) annotateAll(ctx context.Context, r *run, full image.Image, reference client.Image, prompt string,
	eligible []types.Detection, indices []int) ([]types.AnnotatedDetection, []types.AnnotationFailure, *StageError) {

	results := make([]*types.AnnotatedDetection, len(eligible))
	errs := make([]error, len(eligible))

	var mu sync.Mutex
	completed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i := range eligible {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			callCtx, cancel := c.callContext(gctx)
			defer cancel()

			ad, err := c.correlator.Annotate(callCtx, eligible[i], full, reference, prompt, c.cfg.Margin)
			if err != nil {
				c.log.Warning("annotation %d (%s) failed: %v", indices[i], eligible[i].Tag, err)
				if c.cfg.Policy == PolicyAbort {
					return stageError(Annotating, AnnotationFailure, indices[i], err)
				}
				errs[i] = err
			} else {
				results[i] = &ad
			}

			mu.Lock()
			completed++
			done := completed
			mu.Unlock()
			r.emit(Event{State: Annotating, Completed: done, Total: len(eligible)})
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		var se *StageError
		if errors.As(err, &se) {
			return nil, nil, se
		}
		return nil, nil, stageError(Annotating, AnnotationFailure, -1, err)
	}
	// A run deadline hit under the skip policy still fails the run
	if err := ctx.Err(); err != nil {
		return nil, nil, stageError(Annotating, AnnotationFailure, -1, err)
	}

	annotated := make([]types.AnnotatedDetection, 0, len(eligible))
	var failures []types.AnnotationFailure
	for i := range eligible {
		if results[i] != nil {
			annotated = append(annotated, *results[i])
			continue
		}
		failures = append(failures, types.AnnotationFailure{
			Index:     indices[i],
			Detection: eligible[i],
			Error:     errs[i].Error(),
		})
	}
	return annotated, failures, nil
}

func (c *Coordinator) summarize(ctx context.Context, annotated []types.AnnotatedDetection, failed int) (string, error) {
	if len(annotated) == 0 {
		if failed > 0 {
			return FailedAnnotationsSummary(failed), nil
		}
		return NoDetectionsSummary, nil
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	summary, err := c.summarizer.Summarize(callCtx, BuildSummaryPrompt(annotated))
	if err != nil {
		return "", err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", errors.New("summarizer returned an empty summary")
	}
	return summary, nil
}
