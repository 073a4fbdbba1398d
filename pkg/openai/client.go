// Package openai talks to OpenAI-compatible chat completion endpoints,
// including Azure OpenAI deployments and local llama.cpp servers.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/menta2k/floorplan-analyzer/pkg/client"
)

// DefaultAPIVersion is the Azure OpenAI REST version requests are pinned to
const DefaultAPIVersion = "2024-02-01"

// Config selects the endpoint flavour and credentials
type Config struct {
	// Endpoint is the resource URL, e.g. https://name.openai.azure.com
	Endpoint string
	APIKey   string
	// Model is the deployment name on Azure or the model id elsewhere
	Model string
	// APIVersion is only sent to Azure endpoints
	APIVersion string
	// Azure forces the deployment URL layout and api-key header
	Azure   bool
	Timeout time.Duration
	// Summary sets temperature and max_tokens for Summarize
	Summary client.SummaryOptions
}

// Client implements client.Annotator and client.Summarizer
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
}

// OpenAI-compatible message format
type Message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string or []ContentPart
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// OpenAI-compatible chat completion request
type ChatCompletionRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

// OpenAI-compatible chat completion response
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage,omitempty"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:8080"
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q", cfg.Endpoint)
	}
	if strings.HasSuffix(u.Hostname(), ".openai.azure.com") {
		cfg.Azure = true
	}
	if cfg.Azure {
		if cfg.Model == "" {
			return nil, fmt.Errorf("azure endpoint requires a deployment name")
		}
		if cfg.APIVersion == "" {
			cfg.APIVersion = DefaultAPIVersion
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	cfg.Summary = cfg.Summary.OrDefault()

	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimSuffix(cfg.Endpoint, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

// completionsURL returns the chat completions URL for the configured flavour
func (c *Client) completionsURL() string {
	if c.cfg.Azure {
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			c.baseURL, url.PathEscape(c.cfg.Model), url.QueryEscape(c.cfg.APIVersion))
	}
	return c.baseURL + "/v1/chat/completions"
}

// Annotate sends every turn as a user message with text and image_url parts
func (c *Client) Annotate(ctx context.Context, req client.AnnotationRequest) (string, error) {
	if len(req.Turns) == 0 {
		return "", fmt.Errorf("annotation request has no turns")
	}

	messages := make([]Message, 0, len(req.Turns))
	for _, turn := range req.Turns {
		parts := make([]ContentPart, 0, len(turn.Blocks))
		for _, b := range turn.Blocks {
			if b.Image != nil {
				iu := &ImageURL{URL: b.Image.DataURL()}
				if b.Image.HighDetail {
					iu.Detail = "high"
				}
				parts = append(parts, ContentPart{Type: "image_url", ImageURL: iu})
				continue
			}
			parts = append(parts, ContentPart{Type: "text", Text: b.Text})
		}
		messages = append(messages, Message{Role: "user", Content: parts})
	}

	return c.complete(ctx, ChatCompletionRequest{Messages: messages})
}

// Summarize sends a single text prompt
func (c *Client) Summarize(ctx context.Context, prompt string) (string, error) {
	temp := c.cfg.Summary.Temperature
	return c.complete(ctx, ChatCompletionRequest{
		Messages:    []Message{{Role: "user", Content: prompt}},
		Temperature: &temp,
		MaxTokens:   c.cfg.Summary.MaxTokens,
	})
}

func (c *Client) complete(ctx context.Context, req ChatCompletionRequest) (string, error) {
	if !c.cfg.Azure {
		req.Model = c.cfg.Model
	}

	respBody, err := c.sendRequest(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	text := client.CleanText(messageText(resp.Choices[0].Message.Content))
	if text == "" {
		return "", fmt.Errorf("no text content in response")
	}
	return text, nil
}

// messageText extracts text from string or array content
func messageText(content interface{}) string {
	switch content := content.(type) {
	case string:
		return content
	case []interface{}:
		var sb strings.Builder
		for _, item := range content {
			if partMap, ok := item.(map[string]interface{}); ok {
				if text, ok := partMap["text"].(string); ok && text != "" {
					sb.WriteString(text)
				}
			}
		}
		return sb.String()
	}
	return ""
}

func (c *Client) sendRequest(ctx context.Context, payload ChatCompletionRequest) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.completionsURL(), bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		if c.cfg.Azure {
			req.Header.Set("api-key", c.cfg.APIKey)
		} else {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}
	}

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
		var apiErr errorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("server returned status %d: %s: %s", resp.StatusCode, apiErr.Error.Code, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}
