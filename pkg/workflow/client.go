// Package workflow starts analysis runs on a durable-functions style host
// and polls their status until they finish.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/menta2k/floorplan-analyzer/pkg/types"
)

// RuntimeStatus is the host's view of an instance
type RuntimeStatus string

const (
	Pending        RuntimeStatus = "Pending"
	Running        RuntimeStatus = "Running"
	Completed      RuntimeStatus = "Completed"
	Failed         RuntimeStatus = "Failed"
	Terminated     RuntimeStatus = "Terminated"
	Canceled       RuntimeStatus = "Canceled"
	ContinuedAsNew RuntimeStatus = "ContinuedAsNew"
)

// Terminal reports whether polling can stop
func (s RuntimeStatus) Terminal() bool {
	switch s {
	case Completed, Failed, Terminated, Canceled:
		return true
	}
	return false
}

// Handle is returned by Start
type Handle struct {
	ID                    string `json:"id"`
	StatusQueryGetURI     string `json:"statusQueryGetUri"`
	SendEventPostURI      string `json:"sendEventPostUri,omitempty"`
	TerminatePostURI      string `json:"terminatePostUri,omitempty"`
	PurgeHistoryDeleteURI string `json:"purgeHistoryDeleteUri,omitempty"`
}

// Status is one poll response
type Status struct {
	Name            string          `json:"name"`
	InstanceID      string          `json:"instanceId"`
	RuntimeStatus   RuntimeStatus   `json:"runtimeStatus"`
	Input           json.RawMessage `json:"input,omitempty"`
	CustomStatus    json.RawMessage `json:"customStatus,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	CreatedTime     time.Time       `json:"createdTime"`
	LastUpdatedTime time.Time       `json:"lastUpdatedTime"`
}

// Result decodes a completed instance's output
func (s Status) Result() (*types.AnalysisResult, error) {
	if s.RuntimeStatus != Completed {
		return nil, fmt.Errorf("instance %s is %s", s.InstanceID, s.RuntimeStatus)
	}
	var out types.AnalysisResult
	if err := json.Unmarshal(s.Output, &out); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	return &out, nil
}

// ErrTimeout is returned when polling outlives its deadline or attempts
var ErrTimeout = errors.New("workflow did not finish in time")

// InstanceError is returned by Wait for Failed, Terminated and Canceled instances
type InstanceError struct {
	Status RuntimeStatus
	ID     string
	// Message is the instance output, usually the failure text
	Message string
}

func (e *InstanceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("instance %s %s: %s", e.ID, strings.ToLower(string(e.Status)), e.Message)
	}
	return fmt.Sprintf("instance %s %s", e.ID, strings.ToLower(string(e.Status)))
}

// Backoff controls polling cadence
type Backoff struct {
	Initial     time.Duration
	Factor      float64
	Max         time.Duration
	MaxAttempts int
	// Deadline bounds the whole wait; 0 leaves it to the context
	Deadline time.Duration
}

// DefaultBackoff polls after 1s, 2s, 4s, 8s and then every 15s for up to 10 minutes
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:     time.Second,
		Factor:      2,
		Max:         15 * time.Second,
		MaxAttempts: 60,
		Deadline:    10 * time.Minute,
	}
}

// Next returns the delay before attempt n (0-based)
func (b Backoff) Next(n int) time.Duration {
	d := float64(b.Initial)
	for i := 0; i < n; i++ {
		d *= b.Factor
		if b.Max > 0 && time.Duration(d) >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}

// Client talks to the host's HTTP API
type Client struct {
	baseURL    string
	httpClient *http.Client
	backoff    Backoff
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewClient(baseURL string, backoff Backoff) *Client {
	if backoff.Initial <= 0 {
		backoff.Initial = time.Second
	}
	if backoff.Factor < 1 {
		backoff.Factor = 2
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		backoff:    backoff,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start triggers the named orchestrator with req as input
func (c *Client) Start(ctx context.Context, name string, req types.AnalysisRequest) (*Handle, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/api/orchestrators/%s", c.baseURL, name)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var h Handle
	if err := c.do(httpReq, &h, http.StatusAccepted, http.StatusOK); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	if h.StatusQueryGetURI == "" {
		return nil, fmt.Errorf("start %s: response has no statusQueryGetUri", name)
	}
	return &h, nil
}

// Poll fetches the current status once
func (c *Client) Poll(ctx context.Context, h *Handle) (*Status, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.StatusQueryGetURI, nil)
	if err != nil {
		return nil, err
	}
	var s Status
	if err := c.do(httpReq, &s, http.StatusOK, http.StatusAccepted); err != nil {
		return nil, fmt.Errorf("poll %s: %w", h.ID, err)
	}
	return &s, nil
}

// Wait polls with exponential backoff until the instance is terminal
func (c *Client) Wait(ctx context.Context, h *Handle, onPoll func(*Status)) (*Status, error) {
	if c.backoff.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.backoff.Deadline)
		defer cancel()
	}

	for attempt := 0; c.backoff.MaxAttempts <= 0 || attempt < c.backoff.MaxAttempts; attempt++ {
		s, err := c.Poll(ctx, h)
		if err != nil {
			return nil, waitError(ctx, err)
		}
		if onPoll != nil {
			onPoll(s)
		}
		if s.RuntimeStatus.Terminal() {
			if s.RuntimeStatus != Completed {
				return s, &InstanceError{Status: s.RuntimeStatus, ID: s.InstanceID, Message: outputMessage(s.Output)}
			}
			return s, nil
		}
		if err := c.sleep(ctx, c.backoff.Next(attempt)); err != nil {
			return nil, waitError(ctx, err)
		}
	}
	return nil, fmt.Errorf("%w: gave up after %d polls", ErrTimeout, c.backoff.MaxAttempts)
}

// waitError maps an expired deadline to ErrTimeout; cancellation and
// transport errors pass through unchanged
func waitError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// Analyze starts a run and waits for its result
func (c *Client) Analyze(ctx context.Context, name string, req types.AnalysisRequest, onPoll func(*Status)) (*types.AnalysisResult, error) {
	h, err := c.Start(ctx, name, req)
	if err != nil {
		return nil, err
	}
	s, err := c.Wait(ctx, h, onPoll)
	if err != nil {
		return nil, err
	}
	return s.Result()
}

func outputMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func (c *Client) do(req *http.Request, out interface{}, ok ...int) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	accepted := false
	for _, code := range ok {
		if resp.StatusCode == code {
			accepted = true
			break
		}
	}
	if !accepted {
		return fmt.Errorf("host returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
