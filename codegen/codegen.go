// Package codegen turns natural-language requests into scene code using an Ollama-compatible chat API.
package codegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/guseggert/scenerelay/docsearch"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const systemPrompt = "You are an expert Blender Python API assistant. Your task is to generate executable Python code for Blender based on the user's request."

// Searcher finds documentation to include in the prompt.
type Searcher interface {
	Search(query string, n int) []docsearch.Document
}

type Client struct {
	log      *zap.SugaredLogger
	url      string
	model    string
	searcher Searcher
	docs     int

	retryMax int
	timeout  time.Duration
	http     *retryablehttp.Client
}

type Option func(c *Client)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) {
		c.log = l.Named("codegen")
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

func WithSearcher(s Searcher) Option {
	return func(c *Client) {
		c.searcher = s
	}
}

// WithRetryMax sets how many times a failed request to the chat API is retried.
func WithRetryMax(n int) Option {
	return func(c *Client) {
		c.retryMax = n
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// New builds a client for the chat endpoint at url, e.g. http://localhost:11434/api/chat.
func New(url string, opts ...Option) *Client {
	c := &Client{
		log:      zap.NewNop().Sugar(),
		url:      url,
		model:    "mistral:latest",
		docs:     2,
		retryMax: 2,
		timeout:  2 * time.Minute,
	}
	for _, o := range opts {
		o(c)
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Timeout: c.timeout}
	rc.RetryMax = c.retryMax
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = &logAdapter{SugaredLogger: c.log}
	c.http = rc
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
	Error   string      `json:"error,omitempty"`
}

// GenerateCode asks the model for code fulfilling prompt. scene, when non-nil, is included as context.
func (c *Client) GenerateCode(ctx context.Context, prompt string, scene map[string]any) (string, error) {
	var docs []docsearch.Document
	if c.searcher != nil {
		docs = c.searcher.Search(prompt, c.docs)
	}
	full, err := BuildPrompt(prompt, docs, scene)
	if err != nil {
		return "", err
	}

	content, err := c.chat(ctx, full)
	if err != nil {
		return "", err
	}
	return ExtractCode(content), nil
}

func (c *Client) chat(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("encoding chat request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return "", fmt.Errorf("building chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.log.Debugw("calling chat API", "URL", c.url, "Model", c.model, "PromptBytes", len(prompt))
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling chat API: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat API returned status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
	var cr chatResponse
	if err := json.Unmarshal(b, &cr); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if cr.Error != "" {
		return "", fmt.Errorf("chat API error: %s", cr.Error)
	}
	return cr.Message.Content, nil
}

// BuildPrompt assembles the knowledge block, optional scene data and the request.
func BuildPrompt(prompt string, docs []docsearch.Document, scene map[string]any) (string, error) {
	var sb strings.Builder
	sb.WriteString("[KNOWLEDGE]:\n")
	for i, d := range docs {
		fmt.Fprintf(&sb, "--- Document %d ---\n", i+1)
		fmt.Fprintf(&sb, "Title: %s\n", orDefault(d.Title, d.Name, "No title"))
		fmt.Fprintf(&sb, "URL: %s\n", orDefault(d.URL, "No URL"))
		fmt.Fprintf(&sb, "Content: %s\n\n", orDefault(d.Content, d.Description, "No content"))
	}
	sb.WriteString("\n")
	if scene != nil {
		b, err := json.MarshalIndent(scene, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encoding scene data: %w", err)
		}
		fmt.Fprintf(&sb, "[SCENE DATA]:\n%s\n\n", b)
	}
	fmt.Fprintf(&sb, "[TASK]:\n%s\n\n[EXECUTABLE CODE]:\n", prompt)
	return sb.String(), nil
}

func orDefault(vals ...string) string {
	for _, v := range vals[:len(vals)-1] {
		if v != "" {
			return v
		}
	}
	return vals[len(vals)-1]
}

// ExtractCode joins the contents of all ```python fenced blocks in resp. A response without such
// blocks is returned unchanged.
func ExtractCode(resp string) string {
	parts := strings.Split(resp, "```python")
	if len(parts) < 2 {
		return resp
	}
	var blocks []string
	for _, part := range parts[1:] {
		end := strings.Index(part, "```")
		if end < 0 {
			continue
		}
		blocks = append(blocks, strings.TrimSpace(part[:end]))
	}
	if len(blocks) == 0 {
		return resp
	}
	return strings.Join(blocks, "\n")
}
