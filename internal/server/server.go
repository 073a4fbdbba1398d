// Package server exposes the pipeline through a durable-functions style
// HTTP API: start an orchestration, poll its status, watch its progress.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/menta2k/floorplan-analyzer/internal/logger"
	"github.com/menta2k/floorplan-analyzer/internal/store"
	"github.com/menta2k/floorplan-analyzer/pkg/pipeline"
	"github.com/menta2k/floorplan-analyzer/pkg/types"
	"github.com/menta2k/floorplan-analyzer/pkg/workflow"
)

// Runner executes one analysis; *pipeline.Coordinator satisfies it
type Runner interface {
	Run(ctx context.Context, req types.AnalysisRequest, observer pipeline.Observer) (*types.AnalysisResult, error)
}

// Progress is what viewers and the customStatus field see
type Progress struct {
	State     pipeline.State `json:"state"`
	Completed int            `json:"completed"`
	Total     int            `json:"total"`
	Error     string         `json:"error,omitempty"`
	At        time.Time      `json:"at"`
}

type Server struct {
	runner       Runner
	db           *store.DB
	hub          *Hub
	logger       *logger.Logger
	orchestrator string

	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	closing bool
	cancels map[string]context.CancelFunc
}

func New(runner Runner, db *store.DB, orchestrator string, logger *logger.Logger) *Server {
	ctx, stop := context.WithCancel(context.Background())
	return &Server{
		runner:       runner,
		db:           db,
		hub:          NewHub(logger),
		logger:       logger,
		orchestrator: orchestrator,
		ctx:          ctx,
		stop:         stop,
		cancels:      make(map[string]context.CancelFunc),
	}
}

// Routes registers every endpoint
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/orchestrators/{name}", s.startHandler)
	mux.HandleFunc("GET /runtime/webhooks/durabletask/instances", s.listHandler)
	mux.HandleFunc("GET /runtime/webhooks/durabletask/instances/{id}", s.statusHandler)
	mux.HandleFunc("POST /runtime/webhooks/durabletask/instances/{id}/terminate", s.terminateHandler)
	mux.HandleFunc("GET /ws/instances/{id}", s.watchHandler)

	mux.HandleFunc("GET /api/prompts", s.listPromptsHandler)
	mux.HandleFunc("POST /api/prompts", s.savePromptHandler)

	mux.HandleFunc("GET /healthz", s.healthHandler)

	return mux
}

// Shutdown cancels in-flight runs and waits for them to record their outcome
func (s *Server) Shutdown(ctx context.Context) error {
	// no wg.Add may follow once Wait has started
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host
}

func (s *Server) handle(r *http.Request, id string) workflow.Handle {
	base := baseURL(r) + "/runtime/webhooks/durabletask/instances/" + id
	return workflow.Handle{
		ID:                id,
		StatusQueryGetURI: base,
		TerminatePostURI:  base + "/terminate",
	}
}

func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name != s.orchestrator {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown orchestrator %q", name))
		return
	}

	if s.ctx.Err() != nil {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	var req types.AnalysisRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	input, _ := json.Marshal(req)
	id := uuid.NewString()
	if err := s.db.CreateRun(r.Context(), store.Run{ID: id, Name: name, Status: string(workflow.Pending), Input: input}); err != nil {
		s.logger.Error("Failed to create run: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create instance")
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		cancel()
		output, _ := json.Marshal("server is shutting down")
		if err := s.db.UpdateRun(r.Context(), id, string(workflow.Terminated), nil, output); err != nil {
			s.logger.Warning("Failed to record outcome of %s: %v", id, err)
		}
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	s.cancels[id] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go s.execute(ctx, id, req)

	h := s.handle(r, id)
	w.Header().Set("Location", h.StatusQueryGetURI)
	writeJSON(w, http.StatusAccepted, h)
}

func (s *Server) execute(ctx context.Context, id string, req types.AnalysisRequest) {
	defer s.wg.Done()
	defer s.hub.Finish(id)
	defer func() {
		s.mu.Lock()
		if cancel, ok := s.cancels[id]; ok {
			cancel()
			delete(s.cancels, id)
		}
		s.mu.Unlock()
	}()

	// store writes use their own context so a cancelled run still records its outcome
	bg := context.WithoutCancel(ctx)
	s.logger.Info("Starting instance %s for %s", id, req.Filename)

	result, err := s.runner.Run(ctx, req, func(ev pipeline.Event) {
		p := Progress{State: ev.State, Completed: ev.Completed, Total: ev.Total, At: ev.At}
		if ev.Err != nil {
			p.Error = ev.Err.Error()
		}
		raw, _ := json.Marshal(p)
		status := workflow.Running
		if ev.State == pipeline.Idle {
			status = workflow.Pending
		}
		if err := s.db.UpdateRun(bg, id, string(status), raw, nil); err != nil {
			s.logger.Warning("Failed to record progress of %s: %v", id, err)
		}
		s.hub.Broadcast(id, raw)
	})

	status := workflow.Completed
	var output []byte
	switch {
	case err == nil:
		output, _ = json.Marshal(result)
	case ctx.Err() != nil && s.terminated(id):
		status = workflow.Terminated
		output, _ = json.Marshal(err.Error())
	default:
		status = workflow.Failed
		output, _ = json.Marshal(err.Error())
	}

	if uerr := s.db.UpdateRun(bg, id, string(status), nil, output); uerr != nil {
		s.logger.Error("Failed to record outcome of %s: %v", id, uerr)
	}
	if err != nil {
		s.logger.Warning("Instance %s ended %s: %v", id, status, err)
		return
	}
	s.logger.Info("Instance %s completed with %d detections", id, len(result.Detections))
}

// terminated reports whether the instance was cancelled by a terminate
// request or a shutdown rather than by its own deadline
func (s *Server) terminated(id string) bool {
	if s.ctx.Err() != nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancels[id]
	return !ok
}

func (s *Server) status(ctx context.Context, id string) (*workflow.Status, error) {
	run, err := s.db.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	return runStatus(run), nil
}

func runStatus(run *store.Run) *workflow.Status {
	return &workflow.Status{
		Name:            run.Name,
		InstanceID:      run.ID,
		RuntimeStatus:   workflow.RuntimeStatus(run.Status),
		Input:           run.Input,
		CustomStatus:    run.Progress,
		Output:          run.Output,
		CreatedTime:     run.CreatedAt,
		LastUpdatedTime: run.UpdatedAt,
	}
}

// listHandler returns the newest instances first; ?top=N bounds the page
func (s *Server) listHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("top"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "top must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.db.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list instances: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list instances")
		return
	}
	out := make([]*workflow.Status, 0, len(runs))
	for i := range runs {
		out = append(out, runStatus(&runs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.status(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to load instance: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load instance")
		return
	}
	code := http.StatusAccepted
	if st.RuntimeStatus.Terminal() {
		code = http.StatusOK
	}
	writeJSON(w, code, st)
}

func (s *Server) terminateHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	delete(s.cancels, id)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "instance not running")
		return
	}
	cancel()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) watchHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// subscribe before reading the status so the end of the run cannot slip between
	ch := s.hub.Register(id)
	defer s.hub.Unregister(id, ch)

	st, err := s.status(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if len(st.CustomStatus) > 0 {
		conn.WriteMessage(websocket.TextMessage, st.CustomStatus)
	}

	// the reader only notices the viewer going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if st.RuntimeStatus.Terminal() {
		s.closeWith(conn, st)
		return
	}

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				if final, err := s.status(context.WithoutCancel(r.Context()), id); err == nil {
					s.closeWith(conn, final)
				}
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Warning("Viewer of %s disconnected: %v", id, err)
				return
			}
		case <-gone:
			return
		}
	}
}

// closeWith sends the final status and a normal close frame
func (s *Server) closeWith(conn *websocket.Conn, st *workflow.Status) {
	raw, _ := json.Marshal(st)
	conn.WriteMessage(websocket.TextMessage, raw)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(st.RuntimeStatus)),
		time.Now().Add(time.Second))
}

func (s *Server) listPromptsHandler(w http.ResponseWriter, r *http.Request) {
	prompts, err := s.db.ListPrompts(r.Context(), 50)
	if err != nil {
		s.logger.Error("Failed to list prompts: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list prompts")
		return
	}
	if prompts == nil {
		prompts = []store.Prompt{}
	}
	writeJSON(w, http.StatusOK, prompts)
}

func (s *Server) savePromptHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	p, err := s.db.AppendPrompt(r.Context(), body.Prompt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("Saved prompt %d", p.ID)
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		s.logger.Error("Health check failed: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
