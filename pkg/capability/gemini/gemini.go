// Package gemini adapts the Gemini streaming API to ports.Capability.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/internal/logging"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
	"google.golang.org/genai"
)

// DefaultModel is used when no model name is configured.
const DefaultModel = "gemini-2.5-flash"

// Streamer is the subset of *genai.Models the capability uses.
type Streamer interface {
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// Capability streams model output for a request.
type Capability struct {
	name        string
	model       string
	instruction string
	models      Streamer
	logger      *slog.Logger
}

type Option func(*Capability)

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(c *Capability) {
		if model != "" {
			c.model = model
		}
	}
}

// WithSystemInstruction sets the system prompt sent with every request.
func WithSystemInstruction(text string) Option {
	return func(c *Capability) {
		c.instruction = text
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Capability) {
		c.logger = logger
	}
}

// New connects to the Gemini API. name identifies the capability and is
// reported as the author of its output.
func New(ctx context.Context, name, apiKey string, opts ...Option) (*Capability, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return NewWithStreamer(name, client.Models, opts...), nil
}

// NewWithStreamer builds a capability over an existing client.
func NewWithStreamer(name string, models Streamer, opts ...Option) *Capability {
	c := &Capability{
		name:   name,
		model:  DefaultModel,
		models: models,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Capability) Name() string {
	return c.name
}

// Stream implements ports.Capability.
func (c *Capability) Stream(ctx context.Context, req domain.Request) iter.Seq2[domain.Increment, error] {
	return func(yield func(domain.Increment, error) bool) {
		var config *genai.GenerateContentConfig
		if c.instruction != "" {
			config = &genai.GenerateContentConfig{
				SystemInstruction: genai.NewContentFromText(c.instruction, genai.RoleUser),
			}
		}

		for resp, err := range c.models.GenerateContentStream(ctx, c.model, Contents(req), config) {
			if err != nil {
				yield(domain.Increment{}, classify(err))
				return
			}
			for _, inc := range c.increments(resp) {
				if !yield(inc, nil) {
					return
				}
			}
		}
	}
}

// Contents maps the session history and the current envelope to model contents.
func Contents(req domain.Request) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, h := range req.History {
		if h.Content == "" {
			continue
		}
		role := genai.Role(genai.RoleUser)
		if h.Role == domain.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(h.Content, role))
	}

	parts := []*genai.Part{}
	if req.Envelope.Text != "" {
		parts = append(parts, genai.NewPartFromText(req.Envelope.Text))
	}
	if att := req.Envelope.Attachment; att != nil && len(att.Data) > 0 {
		parts = append(parts, genai.NewPartFromBytes(att.Data, att.MimeType))
	}
	if len(parts) > 0 {
		contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
	}
	return contents
}

// increments converts one streamed chunk. Only the first candidate is used;
// thoughts and function calls are not surfaced.
func (c *Capability) increments(resp *genai.GenerateContentResponse) []domain.Increment {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	var out []domain.Increment
	for _, part := range resp.Candidates[0].Content.Parts {
		switch {
		case part == nil || part.Thought:
		case part.Text != "":
			out = append(out, domain.Increment{Author: c.name, Text: part.Text})
		case part.FunctionResponse != nil:
			fr := part.FunctionResponse
			out = append(out, domain.Increment{Author: c.name, Outcome: &domain.ToolOutcome{
				Name:     fr.Name,
				Result:   fr.Response["result"],
				Response: fr.Response["response"],
				Status:   fr.Response["status"],
			}})
		case part.FunctionCall != nil:
			c.logger.Debug("Ignoring function call", "name", part.FunctionCall.Name)
		}
	}
	return out
}

// classify wraps API errors with the sentinel matching their status code.
func classify(err error) error {
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	default:
		return err
	}

	switch {
	case code == 429 || code >= 500:
		return fmt.Errorf("%w: %w", domain.ErrTransient, err)
	case code == 404:
		return fmt.Errorf("%w: %w", domain.ErrDelegation, err)
	case code >= 400:
		return fmt.Errorf("%w: %w", domain.ErrModelRequest, err)
	default:
		return err
	}
}
