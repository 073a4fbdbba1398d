package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/menta2k/floorplan-analyzer/pkg/client"
)

// Client wraps the Ollama API client and serves as annotator and summarizer
type Client struct {
	client  *api.Client
	model   string
	timeout time.Duration
	summary client.SummaryOptions
}

// NewClient creates a new Ollama client
func NewClient(ollamaURL, model string) (*Client, error) {
	// Parse the provided URL
	parsedURL, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid URL: %q", ollamaURL)
	}
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}

	// Create base URL from the provided URL (removing path like /api/chat)
	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}

	// Create client with the specified URL, ignoring environment
	return &Client{
		client:  api.NewClient(baseURL, http.DefaultClient),
		model:   model,
		timeout: 300 * time.Second,
		summary: client.DefaultSummaryOptions(),
	}, nil
}

// WithSummaryOptions overrides the summary sampling settings
func (c *Client) WithSummaryOptions(o client.SummaryOptions) *Client {
	c.summary = o.OrDefault()
	return c
}

// Annotate maps each turn to one user message; images ride along as raw bytes
func (c *Client) Annotate(ctx context.Context, req client.AnnotationRequest) (string, error) {
	if len(req.Turns) == 0 {
		return "", fmt.Errorf("annotation request has no turns")
	}

	messages := make([]api.Message, 0, len(req.Turns))
	for _, turn := range req.Turns {
		var texts []string
		var images []api.ImageData
		for _, b := range turn.Blocks {
			if b.Image != nil {
				images = append(images, api.ImageData(b.Image.Data))
				continue
			}
			texts = append(texts, b.Text)
		}
		messages = append(messages, api.Message{
			Role:    "user",
			Content: strings.Join(texts, "\n"),
			Images:  images,
		})
	}

	return c.chat(ctx, messages, nil)
}

// Summarize sends the prompt with the summary sampling options
func (c *Client) Summarize(ctx context.Context, prompt string) (string, error) {
	options := map[string]any{
		"temperature": c.summary.Temperature,
		"num_predict": c.summary.MaxTokens,
	}
	return c.chat(ctx, []api.Message{{Role: "user", Content: prompt}}, options)
}

func (c *Client) chat(ctx context.Context, messages []api.Message, options map[string]any) (string, error) {
	// Add timeout if context doesn't have one (vision models on CPU are slow)
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	streamFalse := false
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &streamFalse,
		Options:  options,
	}

	var sb strings.Builder
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		sb.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat error: %w", err)
	}

	text := client.CleanText(sb.String())
	if text == "" {
		return "", fmt.Errorf("empty response from ollama")
	}
	return text, nil
}
