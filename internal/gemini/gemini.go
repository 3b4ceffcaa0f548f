// Package gemini streams chat completions from Google's Gemini API through
// google.golang.org/genai.
package gemini

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"iter"

	"github.com/kalambet/studymate/internal/llm"
	"google.golang.org/genai"
)

const providerName = "gemini"

// Provider implements llm.Provider over genai.
type Provider struct {
	client *genai.Client
}

// New creates a Provider. An empty apiKey yields a provider whose Stream
// always fails with llm.ErrMissingCredential. baseURL is optional.
func New(ctx context.Context, apiKey, baseURL string) (*Provider, error) {
	if apiKey == "" {
		return &Provider{}, nil
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &Provider{client: client}, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Check() error {
	if p.client == nil {
		return llm.ErrMissingCredential
	}
	return nil
}

// Stream starts GenerateContentStream. The first response is pulled before
// returning so that request errors surface here rather than mid-stream.
func (p *Provider) Stream(ctx context.Context, req llm.Request) (llm.DeltaStream, error) {
	if err := p.Check(); err != nil {
		return nil, err
	}

	contents, err := buildContents(req)
	if err != nil {
		return nil, err
	}

	seq := p.client.Models.GenerateContentStream(ctx, req.Model, contents, buildConfig(req))
	next, stop := iter.Pull2(seq)

	s := &stream{next: next, stop: stop}
	first, err := s.pull()
	if err != nil && err != io.EOF {
		stop()
		return nil, fmt.Errorf("starting gemini stream: %w", err)
	}
	s.pending, s.pendingErr = first, err
	s.primed = true
	return s, nil
}

func buildConfig(req llm.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Research {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	return cfg
}

// buildContents maps the conversation to genai contents. Attachments become
// inline image parts on the last user message.
func buildContents(req llm.Request) ([]*genai.Content, error) {
	lastUser := -1
	for i, m := range req.Messages {
		if m.Role == llm.RoleUser {
			lastUser = i
		}
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for i, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == llm.RoleAssistant {
			role = genai.RoleModel
		}
		parts := []*genai.Part{genai.NewPartFromText(m.Content)}
		if i == lastUser {
			for _, a := range req.Attachments {
				mime, payload, err := llm.DecodeDataURL(a.URL)
				if err != nil {
					return nil, err
				}
				data, err := base64.StdEncoding.DecodeString(payload)
				if err != nil {
					return nil, fmt.Errorf("decoding attachment: %w", err)
				}
				parts = append(parts, genai.NewPartFromBytes(data, mime))
			}
		}
		contents = append(contents, genai.NewContentFromParts(parts, role))
	}
	return contents, nil
}

type stream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()

	primed     bool
	pending    string
	pendingErr error
}

func (s *stream) pull() (string, error) {
	for {
		resp, err, ok := s.next()
		if !ok {
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		if text := resp.Text(); text != "" {
			return text, nil
		}
	}
}

func (s *stream) Next() (string, error) {
	if s.primed {
		s.primed = false
		return s.pending, s.pendingErr
	}
	return s.pull()
}

func (s *stream) Close() error {
	s.stop()
	return nil
}
