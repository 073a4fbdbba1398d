package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/menta2k/floorplan-analyzer/internal/logger"
	"github.com/menta2k/floorplan-analyzer/internal/store"
	"github.com/menta2k/floorplan-analyzer/pkg/pipeline"
	"github.com/menta2k/floorplan-analyzer/pkg/types"
	"github.com/menta2k/floorplan-analyzer/pkg/workflow"
)

const orchestrator = "floorplan_orchestrator"

type runnerFunc func(ctx context.Context, req types.AnalysisRequest, obs pipeline.Observer) (*types.AnalysisResult, error)

func (f runnerFunc) Run(ctx context.Context, req types.AnalysisRequest, obs pipeline.Observer) (*types.AnalysisResult, error) {
	return f(ctx, req, obs)
}

func sampleResult() *types.AnalysisResult {
	d := types.Detection{Tag: "door", Probability: 0.9, BoundingBox: types.BoundingBox{Left: 0.1, Top: 0.1, Width: 0.1, Height: 0.1}}
	return &types.AnalysisResult{
		Detections: []types.AnnotatedDetection{{Detection: d, AnnotationText: "SINGLE DOOR"}},
		Aggregated: types.AggregatedGroups{"door": {d}},
		Summary:    "One door.",
	}
}

func newTestServer(t *testing.T, runner Runner) (*Server, *httptest.Server) {
	t.Helper()
	db, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	s := New(runner, db, orchestrator, logger.Discard())
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
		db.Close()
	})
	return s, ts
}

func fastClient(url string) *workflow.Client {
	return workflow.NewClient(url, workflow.Backoff{
		Initial:     2 * time.Millisecond,
		Factor:      2,
		Max:         20 * time.Millisecond,
		MaxAttempts: 500,
		Deadline:    5 * time.Second,
	})
}

func request() types.AnalysisRequest {
	return types.AnalysisRequest{
		Container:         "floorplans",
		Filename:          "plan.png",
		ReferenceFilename: "legend.png",
		AnalyzePrompt:     "match the symbol",
	}
}

func TestWorkflowRoundTrip(t *testing.T) {
	gotReq := make(chan types.AnalysisRequest, 1)
	_, ts := newTestServer(t, runnerFunc(func(ctx context.Context, req types.AnalysisRequest, obs pipeline.Observer) (*types.AnalysisResult, error) {
		gotReq <- req
		obs(pipeline.Event{State: pipeline.Detecting})
		obs(pipeline.Event{State: pipeline.Annotating, Completed: 1, Total: 1})
		return sampleResult(), nil
	}))

	var polls int
	res, err := fastClient(ts.URL).Analyze(context.Background(), orchestrator, request(), func(*workflow.Status) { polls++ })
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	got := <-gotReq
	if got.Filename != "plan.png" || got.ReferenceFilename != "legend.png" {
		t.Errorf("runner got %+v", got)
	}
	if res.Summary != "One door." || len(res.Detections) != 1 || res.Detections[0].AnnotationText != "SINGLE DOOR" {
		t.Errorf("result = %+v", res)
	}
	if polls == 0 {
		t.Error("onPoll never called")
	}
}

func TestWorkflowFailedRun(t *testing.T) {
	_, ts := newTestServer(t, runnerFunc(func(ctx context.Context, req types.AnalysisRequest, obs pipeline.Observer) (*types.AnalysisResult, error) {
		return nil, errors.New("Detecting failed (ServiceError): boom")
	}))

	_, err := fastClient(ts.URL).Analyze(context.Background(), orchestrator, request(), nil)
	var ie *workflow.InstanceError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want InstanceError", err)
	}
	if ie.Status != workflow.Failed || !strings.Contains(ie.Message, "boom") {
		t.Errorf("instance error = %+v", ie)
	}
}

func TestStartRejectsBadRequests(t *testing.T) {
	_, ts := newTestServer(t, runnerFunc(func(ctx context.Context, req types.AnalysisRequest, obs pipeline.Observer) (*types.AnalysisResult, error) {
		t.Error("runner should not be called")
		return nil, nil
	}))

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown orchestrator", "/api/orchestrators/other", `{}`, http.StatusNotFound},
		{"invalid json", "/api/orchestrators/" + orchestrator, `{`, http.StatusBadRequest},
		{"missing reference", "/api/orchestrators/" + orchestrator, `{"filename":"a.png","analyze_prompt":"p"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+tt.path, "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestStatusUnknownInstance(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/runtime/webhooks/durabletask/instances/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func start(t *testing.T, url string) *workflow.Handle {
	t.Helper()
	h, err := fastClient(url).Start(context.Background(), orchestrator, request())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h
}

func TestStatusWhileRunning(t *testing.T) {
	release := make(chan struct{})
	_, ts := newTestServer(t, runnerFunc(func(ctx context.Context, req types.AnalysisRequest, obs pipeline.Observer) (*types.AnalysisResult, error) {
		obs(pipeline.Event{State: pipeline.Annotating, Completed: 2, Total: 5})
		<-release
		return sampleResult(), nil
	}))
	defer close(release)

	h := start(t, ts.URL)
	if !strings.HasPrefix(h.StatusQueryGetURI, ts.URL) || h.TerminatePostURI == "" {
		t.Errorf("handle = %+v", h)
	}

	var st workflow.Status
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(h.StatusQueryGetURI)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("running instance status code = %d", resp.StatusCode)
		}
		json.NewDecoder(resp.Body).Decode(&st)
		resp.Body.Close()
		if len(st.CustomStatus) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	var p Progress
	if err := json.Unmarshal(st.CustomStatus, &p); err != nil {
		t.Fatalf("customStatus: %v", err)
	}
	if st.RuntimeStatus != workflow.Running || p.State != pipeline.Annotating || p.Completed != 2 || p.Total != 5 {
		t.Errorf("status = %+v progress = %+v", st, p)
	}
}

func TestTerminate(t *testing.T) {
	started := make(chan struct{})
	_, ts := newTestServer(t, runnerFunc(func(ctx context.Context, req types.AnalysisRequest, obs pipeline.Observer) (*types.AnalysisResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	h := start(t, ts.URL)
	<-started

	resp, err := http.Post(h.TerminatePostURI, "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("terminate status = %d", resp.StatusCode)
	}

	_, err = fastClient(ts.URL).Wait(context.Background(), h, nil)
	var ie *workflow.InstanceError
	if !errors.As(err, &ie) || ie.Status != workflow.Terminated {
		t.Errorf("err = %v, want Terminated", err)
	}
}

func TestWatchStreamsProgress(t *testing.T) {
	release := make(chan struct{})
	_, ts := newTestServer(t, runnerFunc(func(ctx context.Context, req types.AnalysisRequest, obs pipeline.Observer) (*types.AnalysisResult, error) {
		<-release
		obs(pipeline.Event{State: pipeline.Summarizing})
		return sampleResult(), nil
	}))

	h := start(t, ts.URL)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/instances/" + h.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	close(release)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var messages [][]byte
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("ReadMessage: %v", err)
			}
			break
		}
		messages = append(messages, msg)
	}

	if len(messages) == 0 {
		t.Fatal("no messages received")
	}
	var final workflow.Status
	if err := json.Unmarshal(messages[len(messages)-1], &final); err != nil {
		t.Fatalf("final message: %v", err)
	}
	if final.RuntimeStatus != workflow.Completed || final.InstanceID != h.ID {
		t.Errorf("final = %+v", final)
	}
}

func TestPrompts(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/api/prompts", "application/json", bytes.NewBufferString(`{"prompt":"list every door"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("save status = %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/api/prompts", "application/json", bytes.NewBufferString(`{"prompt":""}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank prompt status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/prompts")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var prompts []store.Prompt
	if err := json.NewDecoder(resp.Body).Decode(&prompts); err != nil {
		t.Fatal(err)
	}
	if len(prompts) != 1 || prompts[0].Text != "list every door" {
		t.Errorf("prompts = %+v", prompts)
	}
}

func TestListInstances(t *testing.T) {
	_, ts := newTestServer(t, runnerFunc(func(ctx context.Context, req types.AnalysisRequest, obs pipeline.Observer) (*types.AnalysisResult, error) {
		return sampleResult(), nil
	}))
	c := fastClient(ts.URL)
	for i := 0; i < 3; i++ {
		if _, err := c.Analyze(context.Background(), orchestrator, request(), nil); err != nil {
			t.Fatalf("Analyze: %v", err)
		}
	}

	resp, err := http.Get(ts.URL + "/runtime/webhooks/durabletask/instances?top=2")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var list []workflow.Status
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	for _, st := range list {
		if st.RuntimeStatus != workflow.Completed || st.Name != orchestrator {
			t.Errorf("instance = %+v", st)
		}
	}

	resp, err = http.Get(ts.URL + "/runtime/webhooks/durabletask/instances?top=zero")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad top status = %d", resp.StatusCode)
	}
}

func TestStartAfterShutdown(t *testing.T) {
	var runs int
	s, ts := newTestServer(t, runnerFunc(func(ctx context.Context, req types.AnalysisRequest, obs pipeline.Observer) (*types.AnalysisResult, error) {
		runs++
		return sampleResult(), nil
	}))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	body, _ := json.Marshal(request())
	resp, err := http.Post(ts.URL+"/api/orchestrators/"+orchestrator, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if runs != 0 {
		t.Errorf("runner called %d times after shutdown", runs)
	}
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestHubBroadcast(t *testing.T) {
	h := NewHub(logger.Discard())
	ch := h.Register("a")
	other := h.Register("b")

	h.Broadcast("a", []byte("x"))
	if got := <-ch; string(got) != "x" {
		t.Errorf("got %q", got)
	}
	select {
	case <-other:
		t.Error("message leaked to another instance")
	default:
	}

	h.Finish("a")
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Finish")
	}
	h.Unregister("a", ch)
	if h.ClientCount("a") != 0 || h.ClientCount("b") != 1 {
		t.Errorf("counts a=%d b=%d", h.ClientCount("a"), h.ClientCount("b"))
	}
}
