// Package proxy streams chat completions from an OpenAI-compatible API.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/studymate/internal/llm"
	"github.com/kalambet/studymate/internal/metrics"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	streamingTimeout = 300 * time.Second
	maxRetries       = 3
	initialBackoff   = 500 * time.Millisecond
	providerName     = "openai"
)

// Client communicates with an OpenAI-compatible chat completions API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	backoff    time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another OpenAI-compatible endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

// NewClient creates a client with the given API key. An empty key is allowed;
// every Stream call then fails with llm.ErrMissingCredential.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		// No client-wide timeout: it would cut long streams. Each request
		// gets a context deadline instead.
		httpClient: &http.Client{},
		backoff:    initialBackoff,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(apiKey, baseURL string) *Client {
	return NewClient(apiKey, WithBaseURL(baseURL))
}

func (c *Client) Name() string { return providerName }

// Check reports llm.ErrMissingCredential when no API key is set.
func (c *Client) Check() error {
	if c.apiKey == "" {
		return llm.ErrMissingCredential
	}
	return nil
}

// Stream starts a streaming completion for req.
func (c *Client) Stream(ctx context.Context, req llm.Request) (llm.DeltaStream, error) {
	if err := c.Check(); err != nil {
		return nil, err
	}

	rc, err := c.Chat(ctx, buildChatRequest(req))
	if err != nil {
		return nil, err
	}
	return newSSEStream(rc), nil
}

func buildChatRequest(req llm.Request) ChatRequest {
	msgs := make([]ChatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, ChatMessage{Role: "system", Content: req.System})
	}

	lastUser := -1
	for i, m := range req.Messages {
		if m.Role == llm.RoleUser {
			lastUser = i
		}
	}
	for i, m := range req.Messages {
		cm := ChatMessage{Role: string(m.Role), Content: m.Content}
		if i == lastUser && len(req.Attachments) > 0 {
			cm.Parts = append(cm.Parts, ContentPart{Type: "text", Text: m.Content})
			for _, a := range req.Attachments {
				cm.Parts = append(cm.Parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: a.URL}})
			}
		}
		msgs = append(msgs, cm)
	}

	out := ChatRequest{
		Model:               req.Model,
		Messages:            msgs,
		Stream:              true,
		MaxCompletionTokens: req.MaxTokens,
	}
	if req.Research {
		out.WebSearchOptions = &WebSearchOptions{}
	}
	return out
}

// Chat sends a chat completion request and returns the response body, which
// the caller must close. Rate-limited requests are retried with exponential
// backoff; no byte of a body has been handed out when a retry happens.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		rc, err := c.doChat(ctx, body)
		if err == nil {
			return rc, nil
		}
		if !isRateLimit(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			c.metrics.IncProviderRetry(providerName)
			backoff := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt)))
			c.logger.Warn("provider rate limited, retrying", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}

// StatusError is a non-2xx response from the provider.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

func (c *Client) doChat(ctx context.Context, body []byte) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithTimeout(ctx, streamingTimeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		cancel()
		return nil, &rateLimitError{status: resp.StatusCode}
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		cancel()
		return nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}

// sseStream reads "data:" events from a streaming completion body.
type sseStream struct {
	body     io.ReadCloser
	reader   *bufio.Reader
	finished bool
	done     bool
}

func newSSEStream(body io.ReadCloser) *sseStream {
	return &sseStream{body: body, reader: bufio.NewReader(body)}
}

// Next returns the next non-empty content delta. A body that ends without
// "[DONE]" or a finish reason is reported as io.ErrUnexpectedEOF.
func (s *sseStream) Next() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for {
		line, err := s.reader.ReadString('\n')
		if line != "" {
			delta, stop, perr := s.parseLine(strings.TrimRight(line, "\r\n"))
			if perr != nil {
				return "", perr
			}
			if stop {
				s.done = true
				return "", io.EOF
			}
			if delta != "" {
				return delta, nil
			}
		}
		if err == io.EOF {
			s.done = true
			if s.finished {
				return "", io.EOF
			}
			return "", io.ErrUnexpectedEOF
		}
		if err != nil {
			return "", err
		}
	}
}

func (s *sseStream) parseLine(line string) (delta string, stop bool, err error) {
	data, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return "", false, nil
	}
	data = strings.TrimSpace(data)
	if data == "[DONE]" {
		return "", true, nil
	}

	var chunk streamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return "", false, nil
	}
	if chunk.Error != nil {
		return "", false, fmt.Errorf("provider stream error: %s", chunk.Error.Message)
	}
	if len(chunk.Choices) == 0 {
		return "", false, nil
	}
	if fr := chunk.Choices[0].FinishReason; fr != nil && *fr != "" {
		s.finished = true
	}
	return chunk.Choices[0].Delta.Content, false, nil
}

func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}
