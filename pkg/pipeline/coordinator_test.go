package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/color"
	"image/png"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"github.com/menta2k/floorplan-analyzer/pkg/client"
	"github.com/menta2k/floorplan-analyzer/pkg/types"
)

func pngBytes(t testing.TB, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, imaging.New(w, h, color.White)); err != nil {
		t.Fatalf("png: %v", err)
	}
	return buf.Bytes()
}

func det(tag string, p float64) types.Detection {
	return types.Detection{
		Tag:         tag,
		Probability: p,
		BoundingBox: types.BoundingBox{Left: 0.1, Top: 0.1, Width: 0.2, Height: 0.2},
	}
}

func fixedDetector(dets ...types.Detection) client.Detector {
	return client.DetectorFunc(func(context.Context, []byte) ([]types.Detection, error) {
		return dets, nil
	})
}

// echoAnnotator answers LABEL after an optional delay
type echoAnnotator struct {
	calls atomic.Int32
	delay time.Duration
}

func (a *echoAnnotator) Annotate(ctx context.Context, req client.AnnotationRequest) (string, error) {
	a.calls.Add(1)
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "LABEL", nil
}

type recordingSummarizer struct {
	mu      sync.Mutex
	prompts []string
	reply   string
	err     error
}

func (s *recordingSummarizer) Summarize(_ context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return "", s.err
	}
	if s.reply == "" {
		return "A summary.", nil
	}
	return s.reply, nil
}

type memStore map[string][]byte

func (m memStore) Upload(_ context.Context, key string, data []byte) (string, error) {
	m[key] = data
	return "mem://" + key, nil
}

func (m memStore) Download(_ context.Context, key string) ([]byte, error) {
	data, ok := m[key]
	if !ok {
		return nil, client.ErrNotFound
	}
	return data, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RunTimeout = 5 * time.Second
	cfg.CallTimeout = time.Second
	return cfg
}

func input(t testing.TB) Input {
	return Input{FloorPlan: pngBytes(t, 200, 100), Reference: pngBytes(t, 50, 50), Prompt: "match"}
}

func newCoordinator(t *testing.T, d client.Detector, a client.Annotator, s client.Summarizer, cfg Config, opts ...Option) *Coordinator {
	t.Helper()
	c, err := New(d, a, s, cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNoDetections(t *testing.T) {
	ann := &echoAnnotator{}
	sum := &recordingSummarizer{}
	c := newCoordinator(t, fixedDetector(), ann, sum, testConfig())

	res, err := c.Analyze(context.Background(), input(t), nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Detections == nil || len(res.Detections) != 0 {
		t.Errorf("detections = %#v", res.Detections)
	}
	if res.Aggregated == nil || len(res.Aggregated) != 0 {
		t.Errorf("aggregated = %#v", res.Aggregated)
	}
	if res.Summary != NoDetectionsSummary {
		t.Errorf("summary = %q", res.Summary)
	}
	if ann.calls.Load() != 0 || len(sum.prompts) != 0 {
		t.Error("no external calls expected for an empty run")
	}
}

func TestHappyPathPreservesOrder(t *testing.T) {
	dets := []types.Detection{
		det("window", 0.4), det("door", 0.6), det("door", 0.9), det("outlet", 0.5), det("Door", 0.7),
	}
	var events []Event
	sum := &recordingSummarizer{reply: " Two doors and an outlet. "}
	cfg := testConfig()
	cfg.Concurrency = 2
	c := newCoordinator(t, fixedDetector(dets...), &echoAnnotator{delay: 5 * time.Millisecond}, sum, cfg)

	res, err := c.Analyze(context.Background(), input(t), func(e Event) { events = append(events, e) })
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	wantTags := []string{"door", "door", "outlet", "Door"}
	if len(res.Detections) != len(wantTags) {
		t.Fatalf("annotated = %d, want %d", len(res.Detections), len(wantTags))
	}
	for i, d := range res.Detections {
		if d.Tag != wantTags[i] || d.AnnotationText != "LABEL" || len(d.SourceImageCrop) == 0 {
			t.Errorf("detection %d = %s %q", i, d.Tag, d.AnnotationText)
		}
	}
	if res.Detections[0].Probability != 0.6 || res.Detections[1].Probability != 0.9 {
		t.Error("annotated list must keep detector order")
	}

	if len(res.Aggregated) != 3 || len(res.Aggregated["door"]) != 2 || res.Aggregated["door"][0].Probability != 0.9 {
		t.Errorf("aggregated = %+v", res.Aggregated)
	}
	if _, ok := res.Aggregated["window"]; ok {
		t.Error("window is below threshold")
	}
	if res.Summary != "Two doors and an outlet." {
		t.Errorf("summary = %q", res.Summary)
	}
	if len(res.Failures) != 0 {
		t.Errorf("failures = %+v", res.Failures)
	}

	if len(sum.prompts) != 1 || !strings.Contains(sum.prompts[0], "- door: LABEL (confidence: 90.0%)") {
		t.Errorf("summary prompt = %q", sum.prompts)
	}

	var states []State
	for _, e := range events {
		if len(states) == 0 || states[len(states)-1] != e.State {
			states = append(states, e.State)
		}
	}
	want := []State{Idle, LoadingInputs, Detecting, Aggregating, Annotating, Summarizing, Done}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Errorf("states = %v, want %v", states, want)
	}
	last := events[len(events)-1]
	if last.Completed != 4 || last.Total != 4 {
		t.Errorf("final event = %+v", last)
	}
}

func fiveDetections() []types.Detection {
	return []types.Detection{
		det("a", 0.9), det("b", 0.9), det("c", 0.9), det("d", 0.9), det("e", 0.9),
	}
}

func TestAbortPolicyFailsRun(t *testing.T) {
	boom := errors.New("annotator 500")
	var calls atomic.Int32
	ann := client.AnnotatorFunc(func(ctx context.Context, req client.AnnotationRequest) (string, error) {
		n := calls.Add(1)
		if n == 3 {
			return "", boom
		}
		return "OK", nil
	})
	cfg := testConfig()
	cfg.Concurrency = 1
	var failed []Event
	c := newCoordinator(t, fixedDetector(fiveDetections()...), ann, &recordingSummarizer{}, cfg)

	res, err := c.Analyze(context.Background(), input(t), func(e Event) {
		if e.State == Failed {
			failed = append(failed, e)
		}
	})
	if res != nil {
		t.Fatalf("no result expected under abort, got %+v", res)
	}
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StageError", err)
	}
	if se.Kind != AnnotationFailure || se.Stage != Annotating || se.Index != 2 {
		t.Errorf("stage error = %+v", se)
	}
	if !errors.Is(err, boom) {
		t.Error("cause should be wrapped")
	}
	if len(failed) != 1 {
		t.Errorf("Failed events = %d", len(failed))
	}
	if calls.Load() != 3 {
		t.Errorf("sequential abort should stop after the failing call, got %d calls", calls.Load())
	}
}

func TestSkipPolicyReportsFailures(t *testing.T) {
	boom := errors.New("bad crop")
	var calls atomic.Int32
	skipThird := client.AnnotatorFunc(func(ctx context.Context, req client.AnnotationRequest) (string, error) {
		if calls.Add(1) == 3 {
			return "", boom
		}
		return "OK", nil
	})
	cfg := testConfig()
	cfg.Policy = PolicySkip
	cfg.Concurrency = 1
	sum := &recordingSummarizer{}
	c := newCoordinator(t, fixedDetector(fiveDetections()...), skipThird, sum, cfg)

	res, err := c.Analyze(context.Background(), input(t), nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(res.Detections) != 4 {
		t.Fatalf("annotated = %d, want 4", len(res.Detections))
	}
	for _, d := range res.Detections {
		if d.Tag == "c" {
			t.Error("failed detection must not appear in the annotated list")
		}
	}
	if len(res.Failures) != 1 || res.Failures[0].Index != 2 || res.Failures[0].Detection.Tag != "c" ||
		!strings.Contains(res.Failures[0].Error, "bad crop") {
		t.Errorf("failures = %+v", res.Failures)
	}
	if len(res.Aggregated) != 5 {
		t.Error("aggregation is independent of annotation failures")
	}
	if len(sum.prompts) != 1 || strings.Contains(sum.prompts[0], "- c:") {
		t.Errorf("summary prompt = %q", sum.prompts)
	}
}

func TestSkipPolicyAllFailedReportsFailurePlaceholder(t *testing.T) {
	ann := client.AnnotatorFunc(func(context.Context, client.AnnotationRequest) (string, error) {
		return "", errors.New("down")
	})
	cfg := testConfig()
	cfg.Policy = PolicySkip
	sum := &recordingSummarizer{}
	c := newCoordinator(t, fixedDetector(det("door", 0.9), det("window", 0.8)), ann, sum, cfg)

	res, err := c.Analyze(context.Background(), input(t), nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(res.Failures) != 2 || len(res.Aggregated) != 2 || len(sum.prompts) != 0 {
		t.Errorf("result = %+v", res)
	}
	if res.Summary == NoDetectionsSummary {
		t.Error("summary claims nothing was detected")
	}
	if want := "2 detections could not be annotated; no summary is available."; res.Summary != want {
		t.Errorf("summary = %q, want %q", res.Summary, want)
	}
}

func TestFailedAnnotationsSummary(t *testing.T) {
	if got := FailedAnnotationsSummary(1); !strings.HasPrefix(got, "1 detection could") {
		t.Errorf("singular = %q", got)
	}
	if got := FailedAnnotationsSummary(3); !strings.HasPrefix(got, "3 detections could") {
		t.Errorf("plural = %q", got)
	}
}

func TestNaNThresholdRejected(t *testing.T) {
	nan := math.NaN()
	cfg := testConfig()
	cfg.Threshold = nan
	if _, err := New(fixedDetector(), &echoAnnotator{}, &recordingSummarizer{}, cfg); err == nil {
		t.Error("NaN threshold in config should fail")
	}

	ann := &echoAnnotator{}
	sum := &recordingSummarizer{}
	c := newCoordinator(t, fixedDetector(det("door", 0.9)), ann, sum, testConfig())
	in := input(t)
	in.Threshold = &nan
	res, err := c.Analyze(context.Background(), in, nil)
	if KindOf(err) != InputLoadFailure {
		t.Fatalf("err = %v, want input failure", err)
	}
	if res != nil || ann.calls.Load() != 0 || len(sum.prompts) != 0 {
		t.Errorf("run continued: res=%+v annotate=%d summarize=%d", res, ann.calls.Load(), len(sum.prompts))
	}
}

func TestConcurrencyCap(t *testing.T) {
	var inFlight, peak atomic.Int32
	ann := client.AnnotatorFunc(func(ctx context.Context, req client.AnnotationRequest) (string, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return "OK", nil
	})

	var dets []types.Detection
	for i := 0; i < 12; i++ {
		dets = append(dets, det(fmt.Sprintf("t%d", i), 0.8))
	}
	cfg := testConfig()
	cfg.Concurrency = 3
	c := newCoordinator(t, fixedDetector(dets...), ann, &recordingSummarizer{}, cfg)

	res, err := c.Analyze(context.Background(), input(t), nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(res.Detections) != 12 {
		t.Fatalf("annotated = %d", len(res.Detections))
	}
	if p := peak.Load(); p > 3 || p < 1 {
		t.Errorf("peak in-flight = %d, want <= 3", p)
	}
	for i, d := range res.Detections {
		if d.Tag != fmt.Sprintf("t%d", i) {
			t.Errorf("position %d holds %s", i, d.Tag)
		}
	}
}

func TestCallTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	c := newCoordinator(t, fixedDetector(det("door", 0.9)), &echoAnnotator{delay: time.Second}, &recordingSummarizer{}, cfg)

	_, err := c.Analyze(context.Background(), input(t), nil)
	if KindOf(err) != Timeout {
		t.Fatalf("kind = %q, err = %v", KindOf(err), err)
	}
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("timeout error should wrap ErrTimeout and the context error: %v", err)
	}
	var se *StageError
	errors.As(err, &se)
	if se.Stage != Annotating {
		t.Errorf("stage = %s", se.Stage)
	}
}

func TestRunTimeoutDuringDetection(t *testing.T) {
	cfg := testConfig()
	cfg.RunTimeout = 20 * time.Millisecond
	cfg.CallTimeout = 0
	slow := client.DetectorFunc(func(ctx context.Context, _ []byte) ([]types.Detection, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c := newCoordinator(t, slow, &echoAnnotator{}, &recordingSummarizer{}, cfg)

	_, err := c.Analyze(context.Background(), input(t), nil)
	var se *StageError
	if !errors.As(err, &se) || se.Kind != Timeout || se.Stage != Detecting {
		t.Fatalf("err = %v", err)
	}
}

func TestFatalStages(t *testing.T) {
	boom := errors.New("boom")
	good := fixedDetector(det("door", 0.9))

	tests := []struct {
		name  string
		det   client.Detector
		sum   client.Summarizer
		in    func(Input) Input
		kind  ErrorKind
		stage State
	}{
		{
			name: "floor plan not an image", det: good, sum: &recordingSummarizer{},
			in:   func(in Input) Input { in.FloorPlan = []byte("nope"); return in },
			kind: InputLoadFailure, stage: LoadingInputs,
		},
		{
			name: "reference missing", det: good, sum: &recordingSummarizer{},
			in:   func(in Input) Input { in.Reference = nil; return in },
			kind: InputLoadFailure, stage: LoadingInputs,
		},
		{
			name: "detector error", sum: &recordingSummarizer{},
			det: client.DetectorFunc(func(context.Context, []byte) ([]types.Detection, error) { return nil, boom }),
			kind: DetectionFailure, stage: Detecting,
		},
		{
			name: "malformed detection", sum: &recordingSummarizer{},
			det:  fixedDetector(types.Detection{Tag: "door", Probability: 1.5}),
			kind: DetectionFailure, stage: Detecting,
		},
		{
			name: "summarizer error", det: good, sum: &recordingSummarizer{err: boom},
			kind: SummarizationFailure, stage: Summarizing,
		},
		{
			name: "bad threshold", det: good, sum: &recordingSummarizer{},
			in: func(in Input) Input {
				v := 1.5
				in.Threshold = &v
				return in
			},
			kind: InputLoadFailure, stage: LoadingInputs,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCoordinator(t, tt.det, &echoAnnotator{}, tt.sum, testConfig())
			in := input(t)
			if tt.in != nil {
				in = tt.in(in)
			}
			res, err := c.Analyze(context.Background(), in, nil)
			if res != nil {
				t.Error("fatal failures produce no result")
			}
			var se *StageError
			if !errors.As(err, &se) {
				t.Fatalf("err = %v", err)
			}
			if se.Kind != tt.kind || se.Stage != tt.stage {
				t.Errorf("got %s/%s, want %s/%s", se.Stage, se.Kind, tt.stage, tt.kind)
			}
		})
	}
}

func TestRunLoadsFromStore(t *testing.T) {
	store := memStore{"plan.png": pngBytes(t, 100, 100), "legend.png": pngBytes(t, 40, 40)}
	sum := &recordingSummarizer{}
	c := newCoordinator(t, fixedDetector(det("door", 0.9), det("door", 0.3)), &echoAnnotator{}, sum, testConfig(), WithStore(store))

	threshold := 0.2
	res, err := c.Run(context.Background(), types.AnalysisRequest{
		Container: "uploads", Filename: "plan.png", ReferenceFilename: "legend.png",
		AnalyzePrompt: "match", PredictionThreshold: &threshold,
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Detections) != 2 || len(res.Aggregated["door"]) != 2 {
		t.Errorf("threshold override not applied: %+v", res)
	}

	_, err = c.Run(context.Background(), types.AnalysisRequest{
		Filename: "plan.png", ReferenceFilename: "missing.png", AnalyzePrompt: "match",
	}, nil)
	if KindOf(err) != InputLoadFailure || !errors.Is(err, client.ErrNotFound) {
		t.Errorf("missing blob err = %v", err)
	}

	_, err = c.Run(context.Background(), types.AnalysisRequest{Filename: "plan.png"}, nil)
	if KindOf(err) != InputLoadFailure {
		t.Errorf("invalid request err = %v", err)
	}

	noStore := newCoordinator(t, fixedDetector(), &echoAnnotator{}, sum, testConfig())
	if _, err := noStore.Run(context.Background(), types.AnalysisRequest{}, nil); KindOf(err) != InputLoadFailure {
		t.Errorf("run without store err = %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, &echoAnnotator{}, &recordingSummarizer{}, DefaultConfig()); err == nil {
		t.Error("nil detector should fail")
	}
	cfg := DefaultConfig()
	cfg.Policy = "retry"
	if _, err := New(fixedDetector(), &echoAnnotator{}, &recordingSummarizer{}, cfg); err == nil {
		t.Error("unknown policy should fail")
	}
	cfg = DefaultConfig()
	cfg.Concurrency = 0
	cfg.Margin = -4
	c, err := New(fixedDetector(), &echoAnnotator{}, &recordingSummarizer{}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Config().Concurrency != 1 || c.Config().Margin != 0 {
		t.Errorf("config not normalized: %+v", c.Config())
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{
		"": PolicyAbort, "abort": PolicyAbort, "abort-on-first-failure": PolicyAbort,
		"SKIP": PolicySkip, "skip-and-report": PolicySkip,
	} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParsePolicy("ignore"); err == nil {
		t.Error("unknown policy should fail")
	}
}

func TestBuildSummaryPrompt(t *testing.T) {
	prompt := BuildSummaryPrompt([]types.AnnotatedDetection{
		{Detection: det("door", 0.93), AnnotationText: "SINGLE DOOR"},
		{Detection: det("outlet", 0.5), AnnotationText: "No Match"},
	})
	if !strings.HasPrefix(prompt, SummaryInstructions+"\n") {
		t.Error("prompt should open with the instructions")
	}
	if !strings.HasSuffix(prompt, "- door: SINGLE DOOR (confidence: 93.0%)\n- outlet: No Match (confidence: 50.0%)") {
		t.Errorf("prompt = %q", prompt)
	}

	grouped := BuildSummaryPrompt([]types.AnnotatedDetection{
		{Detection: det("door", 0.9), AnnotationText: "A"},
		{Detection: det("window", 0.8), AnnotationText: "B"},
		{Detection: det("door", 0.7), AnnotationText: "C"},
	})
	want := "- door: A (confidence: 90.0%)\n- door: C (confidence: 70.0%)\n- window: B (confidence: 80.0%)"
	if !strings.HasSuffix(grouped, want) {
		t.Errorf("grouped prompt = %q", grouped)
	}
}

func TestStageErrorMessage(t *testing.T) {
	e := stageError(Annotating, AnnotationFailure, 3, errors.New("503"))
	if e.Error() != "Annotating failed (AnnotationFailure) on detection 3: 503" {
		t.Errorf("Error() = %q", e.Error())
	}
	e = stageError(Detecting, DetectionFailure, -1, context.DeadlineExceeded)
	if e.Kind != Timeout || !errors.Is(e, ErrTimeout) {
		t.Errorf("deadline should become Timeout: %+v", e)
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("KindOf plain error should be empty")
	}
}
