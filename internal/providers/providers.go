// Package providers holds the thin HTTP clients for the upstream
// inference providers. Every failure, transport or upstream, surfaces as
// *Error so the dispatcher can walk its fallback chain on anything.
package providers

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

	"golang.org/x/sync/semaphore"
)

// Provider names as they appear in responses and logs.
const (
	Groq   = "groq"
	Ollama = "ollama"
	Claude = "claude"
	Kie    = "kie"
)

const (
	defaultGroqBaseURL   = "https://api.groq.com/openai/v1"
	defaultOllamaBaseURL = "http://localhost:11434"
	defaultClaudeBaseURL = "https://api.anthropic.com"
	defaultKieBaseURL    = "https://api.kie.ai"

	defaultGroqTimeout = 8 * time.Second

	// Upper bound for any single provider exchange, whatever the
	// per-provider settings say.
	sharedHTTPTimeout = 35 * time.Second

	anthropicVersion = "2023-06-01"
)

// Error describes a failed provider call. StatusCode is zero when the
// failure happened before an upstream status existed (missing key,
// transport error, malformed body).
type Error struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// IsRateLimited reports whether err is a provider 429.
func IsRateLimited(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.StatusCode == http.StatusTooManyRequests
}

// GroqConfig configures the hosted fast-text client.
type GroqConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// OllamaConfig configures the local-model sidecar client.
type OllamaConfig struct {
	BaseURL        string
	Model          string
	MaxConcurrency int
}

// ClaudeConfig configures the premium text client.
type ClaudeConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// KieConfig configures the media inference client.
type KieConfig struct {
	APIKey  string
	BaseURL string
}

// Config bundles all four provider configurations.
type Config struct {
	Groq   GroqConfig
	Ollama OllamaConfig
	Claude ClaudeConfig
	Kie    KieConfig
}

// Clients is the set of provider callers sharing one HTTP client. The
// ollama semaphore bounds in-flight sidecar calls across the process.
type Clients struct {
	httpClient *http.Client
	groq       GroqConfig
	ollama     OllamaConfig
	claude     ClaudeConfig
	kie        KieConfig
	ollamaSem  *semaphore.Weighted
}

// NewClients applies defaults and builds the shared client set.
func NewClients(cfg Config) *Clients {
	cfg.Groq.BaseURL = normalizeBaseURL(cfg.Groq.BaseURL, defaultGroqBaseURL)
	cfg.Ollama.BaseURL = normalizeBaseURL(cfg.Ollama.BaseURL, defaultOllamaBaseURL)
	cfg.Claude.BaseURL = normalizeBaseURL(cfg.Claude.BaseURL, defaultClaudeBaseURL)
	cfg.Kie.BaseURL = normalizeBaseURL(cfg.Kie.BaseURL, defaultKieBaseURL)
	if cfg.Groq.Timeout <= 0 {
		cfg.Groq.Timeout = defaultGroqTimeout
	}
	if cfg.Ollama.MaxConcurrency < 1 {
		cfg.Ollama.MaxConcurrency = 1
	}
	return &Clients{
		httpClient: &http.Client{Timeout: sharedHTTPTimeout},
		groq:       cfg.Groq,
		ollama:     cfg.Ollama,
		claude:     cfg.Claude,
		kie:        cfg.Kie,
		ollamaSem:  semaphore.NewWeighted(int64(cfg.Ollama.MaxConcurrency)),
	}
}

func normalizeBaseURL(url, fallback string) string {
	if url == "" {
		url = fallback
	}
	return strings.TrimRight(url, "/")
}

// Close drops pooled connections.
func (c *Clients) Close() {
	c.httpClient.CloseIdleConnections()
}

// CallGroq runs a chat completion against the hosted fast-text provider.
// The per-call timeout is tighter than the request deadline so a slow groq
// leaves room for fallbacks.
func (c *Clients) CallGroq(ctx context.Context, prompt string) (string, error) {
	if c.groq.APIKey == "" {
		return "", &Error{Provider: Groq, Message: "GROQ_API_KEY is not configured"}
	}
	callCtx, cancel := context.WithTimeout(ctx, c.groq.Timeout)
	defer cancel()

	payload := map[string]any{
		"model":       c.groq.Model,
		"messages":    []map[string]string{{"role": "user", "content": prompt}},
		"temperature": 0.2,
	}
	headers := map[string]string{"Authorization": "Bearer " + c.groq.APIKey}

	data, err := c.postJSON(callCtx, Groq, c.groq.BaseURL+"/chat/completions", payload, headers)
	if err != nil {
		return "", err
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil || len(parsed.Choices) == 0 {
		return "", &Error{Provider: Groq, Message: "malformed response: " + excerpt(data)}
	}
	return parsed.Choices[0].Message.Content, nil
}

// CallOllama generates text on the local sidecar. Calls block on the
// concurrency gate; a cancelled context abandons the wait.
func (c *Clients) CallOllama(ctx context.Context, prompt string) (string, error) {
	if err := c.ollamaSem.Acquire(ctx, 1); err != nil {
		return "", &Error{Provider: Ollama, Message: "concurrency gate: " + err.Error()}
	}
	defer c.ollamaSem.Release(1)

	payload := map[string]any{
		"model":  c.ollama.Model,
		"prompt": prompt,
		"stream": false,
	}
	data, err := c.postJSON(ctx, Ollama, c.ollama.BaseURL+"/api/generate", payload, nil)
	if err != nil {
		return "", err
	}

	var parsed struct {
		Response *string `json:"response"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil || parsed.Response == nil {
		return "", &Error{Provider: Ollama, Message: "malformed response: " + excerpt(data)}
	}
	return *parsed.Response, nil
}

// CallClaude runs the premium text model and concatenates its text parts.
func (c *Clients) CallClaude(ctx context.Context, prompt string) (string, error) {
	if c.claude.APIKey == "" {
		return "", &Error{Provider: Claude, Message: "CLAUDE_API_KEY is not configured"}
	}

	payload := map[string]any{
		"model":      c.claude.Model,
		"max_tokens": 1024,
		"messages":   []map[string]string{{"role": "user", "content": prompt}},
	}
	headers := map[string]string{
		"x-api-key":         c.claude.APIKey,
		"anthropic-version": anthropicVersion,
	}

	data, err := c.postJSON(ctx, Claude, c.claude.BaseURL+"/v1/messages", payload, headers)
	if err != nil {
		return "", err
	}

	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil || parsed.Content == nil {
		return "", &Error{Provider: Claude, Message: "malformed response: " + excerpt(data)}
	}

	var b strings.Builder
	for _, chunk := range parsed.Content {
		if chunk.Type == "text" {
			b.WriteString(chunk.Text)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// CallKie sends a media inference job. The response unwraps to the
// "output" field when present, otherwise the whole decoded body.
func (c *Clients) CallKie(ctx context.Context, prompt, mediaURL string, metadata map[string]any) (any, error) {
	if c.kie.APIKey == "" {
		return nil, &Error{Provider: Kie, Message: "KIE_API_KEY is not configured"}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	payload := map[string]any{
		"prompt":    prompt,
		"media_url": mediaURL,
		"metadata":  metadata,
	}
	headers := map[string]string{"Authorization": "Bearer " + c.kie.APIKey}

	data, err := c.postJSON(ctx, Kie, c.kie.BaseURL+"/v1/media/infer", payload, headers)
	if err != nil {
		return nil, err
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, &Error{Provider: Kie, Message: "malformed response: " + excerpt(data)}
	}
	if m, ok := decoded.(map[string]any); ok {
		if output, ok := m["output"]; ok {
			return output, nil
		}
	}
	return decoded, nil
}

// postJSON performs one provider exchange. Upstream statuses >= 400 carry
// the body text back as the error message.
func (c *Clients) postJSON(ctx context.Context, provider, url string, payload any, headers map[string]string) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Provider: provider, Message: "encode request: " + err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Provider: provider, Message: "build request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Provider: provider, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Provider: provider, StatusCode: resp.StatusCode, Message: "read response: " + err.Error()}
	}
	if resp.StatusCode >= 400 {
		return nil, &Error{Provider: provider, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return data, nil
}

// excerpt keeps provider bodies out of log and error blowups. The cut
// counts runes, not bytes, so a multibyte body is never split mid-rune.
func excerpt(data []byte) string {
	const max = 256
	s := string(data)
	n := 0
	for i := range s {
		if n == max {
			return s[:i] + "..."
		}
		n++
	}
	return s
}
