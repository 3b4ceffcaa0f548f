// Package llm defines the provider-neutral request and streaming contract
// shared by the OpenAI-compatible and Gemini clients.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrMissingCredential is returned before any network call when the provider
// has no API key configured.
var ErrMissingCredential = errors.New("missing provider API key")

// Role of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Attachment is an image sent with the last user message, as a data URL
// ("data:image/png;base64,...").
type Attachment struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Request is what the relay asks a provider to stream.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Attachments []Attachment
	// Research asks the provider to ground the answer with web search.
	Research  bool
	MaxTokens int
}

// Provider opens a stream of content deltas.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (DeltaStream, error)
}

// Checker is implemented by providers that can report a configuration
// problem, such as a missing API key, without a network call.
type Checker interface {
	Check() error
}

// Check returns p's configuration error when p implements Checker.
func Check(p Provider) error {
	if c, ok := p.(Checker); ok {
		return c.Check()
	}
	return nil
}

// DeltaStream yields content deltas in arrival order. Next returns io.EOF
// once the provider signals completion. Close releases the connection and
// may be called at any time.
type DeltaStream interface {
	Next() (string, error)
	Close() error
}

// ValidRole reports whether r may appear in a client-supplied history.
func ValidRole(r Role) bool {
	return r == RoleUser || r == RoleAssistant
}

// DecodeDataURL splits "data:<mime>;base64,<payload>" into its MIME type and
// base64 payload.
func DecodeDataURL(url string) (mime, payload string, err error) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return "", "", fmt.Errorf("attachment is not a data URL")
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return "", "", fmt.Errorf("attachment data URL has no payload")
	}
	mime, enc, _ := strings.Cut(meta, ";")
	if enc != "base64" {
		return "", "", fmt.Errorf("attachment data URL is not base64")
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	return mime, data, nil
}
