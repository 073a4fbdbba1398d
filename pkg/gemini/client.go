// Package gemini serves annotation and summary requests with Google Gemini.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/menta2k/floorplan-analyzer/pkg/client"
)

const maxAttempts = 3

// generator is the part of *genai.GenerativeModel the client needs
type generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// Client implements client.Annotator and client.Summarizer
type Client struct {
	APIKey string
	Model  string
	// Summary is applied to Summarize requests only
	Summary client.SummaryOptions

	// newModel is replaced in tests
	newModel func(ctx context.Context, summary bool) (generator, func() error, error)
}

func New(apiKey, model string) *Client {
	c := &Client{
		APIKey:  strings.TrimSpace(apiKey),
		Model:   strings.TrimSpace(model),
		Summary: client.DefaultSummaryOptions(),
	}
	c.newModel = c.genaiModel
	return c
}

func (c *Client) genaiModel(ctx context.Context, summary bool) (generator, func() error, error) {
	if c.APIKey == "" {
		return nil, nil, errors.New("GEMINI_API_KEY is empty")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(c.APIKey))
	if err != nil {
		return nil, nil, err
	}
	m := cl.GenerativeModel(c.Model)
	if m == nil {
		cl.Close()
		return nil, nil, fmt.Errorf("gemini: model is nil")
	}
	if summary {
		o := c.Summary.OrDefault()
		m.SetTemperature(float32(o.Temperature))
		m.SetMaxOutputTokens(int32(o.MaxTokens))
	}
	return m, cl.Close, nil
}

// Parts flattens the turns in order; Gemini receives one user content
func Parts(req client.AnnotationRequest) []genai.Part {
	var parts []genai.Part
	for _, turn := range req.Turns {
		for _, b := range turn.Blocks {
			if b.Image != nil {
				mime := b.Image.MIMEType
				if mime == "" {
					mime = "image/jpeg"
				}
				parts = append(parts, &genai.Blob{MIMEType: mime, Data: b.Image.Data})
				continue
			}
			parts = append(parts, genai.Text(b.Text))
		}
	}
	return parts
}

func (c *Client) Annotate(ctx context.Context, req client.AnnotationRequest) (string, error) {
	parts := Parts(req)
	if len(parts) == 0 {
		return "", fmt.Errorf("gemini annotate: request has no content")
	}
	return c.generate(ctx, false, parts)
}

func (c *Client) Summarize(ctx context.Context, prompt string) (string, error) {
	return c.generate(ctx, true, []genai.Part{genai.Text(prompt)})
}

func (c *Client) generate(ctx context.Context, summary bool, parts []genai.Part) (string, error) {
	m, closeFn, err := c.newModel(ctx, summary)
	if err != nil {
		return "", err
	}
	if closeFn != nil {
		defer closeFn()
	}

	// Retries for 5xx and transient failures
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := m.GenerateContent(ctx, parts...)
		if err != nil {
			lastErr = err
			if attempt == maxAttempts {
				break
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
			}
			continue
		}
		txt := client.CleanText(firstText(resp))
		if txt == "" {
			return "", fmt.Errorf("gemini: empty response")
		}
		return txt, nil
	}
	return "", fmt.Errorf("gemini: %w", lastErr)
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}
