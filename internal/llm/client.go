package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"venturelab/internal/domain"
)

// ErrGenerationFailed marks every failure to obtain usable model output:
// transport errors, empty replies, and output that stays unparseable after
// the single repair attempt.
var ErrGenerationFailed = errors.New("generation failed")

// InvokeRequest is one outbound model call.
type InvokeRequest struct {
	SystemInstruction string
	Contents          []*genai.Content
	// Schema non-nil requests JSON-mode output constrained to it.
	Schema *genai.Schema
}

// Invoker performs a single model call and returns the raw text reply.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (string, error)
}

type geminiInvoker struct {
	client *genai.Client
	model  string
}

func (g geminiInvoker) Invoke(ctx context.Context, req InvokeRequest) (string, error) {
	cfg := &genai.GenerateContentConfig{}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	if req.Schema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = req.Schema
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, req.Contents, cfg)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// Client wraps the hosted generation API. It is constructed once at startup
// with a validated credential and passed down explicitly.
type Client struct {
	inv     Invoker
	timeout time.Duration
}

// New dials the Gemini API. The key is required up front rather than on
// first use.
func New(ctx context.Context, apiKey, model string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("generation API key is required")
	}
	if model == "" {
		return nil, errors.New("model name is required")
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Client{inv: geminiInvoker{client: gc, model: model}, timeout: timeout}, nil
}

// NewWithInvoker builds a client over a custom invoker. Used by tests and
// by anything that needs to swap the wire out.
func NewWithInvoker(inv Invoker, timeout time.Duration) *Client {
	return &Client{inv: inv, timeout: timeout}
}

func (c *Client) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// GenerateStructured runs one schema-constrained generation call. If the
// reply does not parse as JSON it issues exactly one repair call asking the
// model to fix its own output against the same schema; a second parse
// failure is final. Required top-level fields are checked after the parse.
func (c *Client) GenerateStructured(ctx context.Context, systemInstruction, prompt string, schema *genai.Schema) (json.RawMessage, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	text, err := c.inv.Invoke(ctx, InvokeRequest{
		SystemInstruction: systemInstruction,
		Contents:          genai.Text(prompt),
		Schema:            schema,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if text == "" {
		return nil, fmt.Errorf("%w: model returned no text", ErrGenerationFailed)
	}

	parsed, parseErr := parseJSON(text)
	if parseErr != nil {
		fixText, err := c.inv.Invoke(ctx, InvokeRequest{
			Contents: genai.Text("Fix this invalid JSON to match the required schema: " + text),
			Schema:   schema,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: repair call: %v", ErrGenerationFailed, err)
		}
		parsed, parseErr = parseJSON(fixText)
		if parseErr != nil {
			return nil, fmt.Errorf("%w: output unparseable after repair: %v", ErrGenerationFailed, parseErr)
		}
	}
	if err := CheckRequired(schema, parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	return parsed, nil
}

// Converse replays the full transcript plus the new user message through a
// single stateless call and returns the free-text reply. No server-side
// conversation handle is held between calls.
func (c *Client) Converse(ctx context.Context, systemInstruction string, history []domain.ChatTurn, message string) (string, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	contents := make([]*genai.Content, 0, len(history)+1)
	for _, turn := range history {
		role := genai.Role(genai.RoleUser)
		if turn.Role == domain.RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Text, role))
	}
	contents = append(contents, genai.NewContentFromText(message, genai.RoleUser))

	text, err := c.inv.Invoke(ctx, InvokeRequest{
		SystemInstruction: systemInstruction,
		Contents:          contents,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if text == "" {
		return "", fmt.Errorf("%w: model returned no text", ErrGenerationFailed)
	}
	return text, nil
}

func parseJSON(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	var probe any
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
		return nil, err
	}
	return json.RawMessage(trimmed), nil
}
