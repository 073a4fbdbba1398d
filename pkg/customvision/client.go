// Package customvision calls a published Azure Custom Vision object
// detection iteration over its prediction REST API.
package customvision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/menta2k/floorplan-analyzer/pkg/types"
)

// Config identifies a published iteration
type Config struct {
	Endpoint      string
	PredictionKey string
	ProjectID     string
	PublishedName string
	Timeout       time.Duration
}

func (c Config) Validate() error {
	var missing []string
	if c.Endpoint == "" {
		missing = append(missing, "endpoint")
	}
	if c.PredictionKey == "" {
		missing = append(missing, "prediction key")
	}
	if c.ProjectID == "" {
		missing = append(missing, "project id")
	}
	if c.PublishedName == "" {
		missing = append(missing, "published name")
	}
	if len(missing) > 0 {
		return fmt.Errorf("custom vision config missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Client implements client.Detector
type Client struct {
	cfg        Config
	httpClient *http.Client
}

type boundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type prediction struct {
	Probability float64      `json:"probability"`
	TagID       string       `json:"tagId"`
	TagName     string       `json:"tagName"`
	BoundingBox *boundingBox `json:"boundingBox"`
}

type imagePrediction struct {
	ID          string       `json:"id"`
	Project     string       `json:"project"`
	Iteration   string       `json:"iteration"`
	Created     string       `json:"created"`
	Predictions []prediction `json:"predictions"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrMalformedResponse marks a prediction payload that cannot be trusted
var ErrMalformedResponse = errors.New("malformed prediction response")

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (c *Client) detectURL() string {
	return fmt.Sprintf("%s/customvision/v3.0/Prediction/%s/detect/iterations/%s/image",
		strings.TrimSuffix(c.cfg.Endpoint, "/"),
		url.PathEscape(c.cfg.ProjectID),
		url.PathEscape(c.cfg.PublishedName))
}

// Detect uploads the image and returns the predictions in service order
func (c *Client) Detect(ctx context.Context, image []byte) ([]types.Detection, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("empty image")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.detectURL(), bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Prediction-Key", c.cfg.PredictionKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e apiError
		if json.Unmarshal(body, &e) == nil && e.Message != "" {
			return nil, fmt.Errorf("custom vision returned %d: %s: %s", resp.StatusCode, e.Code, e.Message)
		}
		return nil, fmt.Errorf("custom vision returned %d: %s", resp.StatusCode, string(body))
	}

	return parsePredictions(body)
}

func parsePredictions(body []byte) ([]types.Detection, error) {
	var out imagePrediction
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	detections := make([]types.Detection, 0, len(out.Predictions))
	for i, p := range out.Predictions {
		if p.BoundingBox == nil {
			return nil, fmt.Errorf("%w: prediction %d has no bounding box", ErrMalformedResponse, i)
		}
		d := types.Detection{
			Tag:         p.TagName,
			Probability: p.Probability,
			BoundingBox: types.BoundingBox{
				Left:   p.BoundingBox.Left,
				Top:    p.BoundingBox.Top,
				Width:  p.BoundingBox.Width,
				Height: p.BoundingBox.Height,
			},
		}
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("%w: prediction %d: %v", ErrMalformedResponse, i, err)
		}
		detections = append(detections, d)
	}
	return detections, nil
}
