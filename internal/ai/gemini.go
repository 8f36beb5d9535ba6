package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/local/submitgate/internal/apperr"
)

// generator is the part of *genai.Models the client needs.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiOptions selects the backend. Project takes precedence over APIKey.
type GeminiOptions struct {
	APIKey       string
	Project      string
	Location     string
	DefaultModel string
}

// GeminiClient calls Gemini through google.golang.org/genai.
type GeminiClient struct {
	models       generator
	defaultModel string
}

// NewGeminiClient creates a client on Vertex AI when a project is set and on
// the Gemini API otherwise.
func NewGeminiClient(ctx context.Context, opts GeminiOptions) (*GeminiClient, error) {
	cc := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.Project != "" {
		cc = &genai.ClientConfig{
			Project:  opts.Project,
			Location: opts.Location,
			Backend:  genai.BackendVertexAI,
		}
	}
	c, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return newGeminiClient(c.Models, opts.DefaultModel), nil
}

func newGeminiClient(g generator, model string) *GeminiClient {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &GeminiClient{models: g, defaultModel: model}
}

func (c *GeminiClient) Name() string { return "gemini" }

// Invoke implements Client.
func (c *GeminiClient) Invoke(ctx context.Context, req Request) (Result, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	parts, err := buildParts(req)
	if err != nil {
		return Result{}, err
	}
	contents := []*genai.Content{{Role: "user", Parts: parts}}

	var config *genai.GenerateContentConfig
	if req.Schema != nil {
		config = &genai.GenerateContentConfig{
			Tools: []*genai.Tool{{
				FunctionDeclarations: []*genai.FunctionDeclaration{toDeclaration(req.Schema)},
			}},
			ToolConfig: &genai.ToolConfig{
				FunctionCallingConfig: &genai.FunctionCallingConfig{
					Mode:                 genai.FunctionCallingConfigModeAny,
					AllowedFunctionNames: []string{req.Schema.Name},
				},
			},
		}
	}

	resp, err := c.models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return Result{}, classifyGenAIError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return Result{}, apperr.New(apperr.UpstreamMalformed, apperr.ReasonEmptyResponse, "model returned no candidates")
	}

	if req.Schema != nil {
		for _, fc := range resp.FunctionCalls() {
			if fc == nil || fc.Name != req.Schema.Name {
				continue
			}
			if fc.Args == nil {
				return Result{}, apperr.New(apperr.UpstreamMalformed, apperr.ReasonNoStructuredOutput,
					fmt.Sprintf("function call %s has no arguments", fc.Name))
			}
			return Result{Structured: true, Name: fc.Name, Fields: fc.Args}, nil
		}
		log.Warn().
			Str("model", model).
			Str("function", req.Schema.Name).
			Int("text_length", len(resp.Text())).
			Msg("model answered without the requested function call")
		return Result{}, apperr.New(apperr.UpstreamMalformed, apperr.ReasonNoStructuredOutput,
			"no structured result returned")
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return Result{}, apperr.New(apperr.UpstreamMalformed, apperr.ReasonEmptyResponse, "model returned empty text")
	}
	return Result{Text: text}, nil
}

func buildParts(req Request) ([]*genai.Part, error) {
	switch req.Modality {
	case ModalityText:
		text := req.Text
		if req.Instruction != "" {
			text = req.Instruction + text
		}
		if strings.TrimSpace(text) == "" {
			return nil, apperr.New(apperr.InvalidInput, "empty_text", "text is required")
		}
		return []*genai.Part{{Text: text}}, nil
	case ModalityImage:
		if len(req.Data) == 0 {
			return nil, apperr.New(apperr.InvalidInput, "empty_image", "image is required")
		}
		parts := []*genai.Part{{InlineData: &genai.Blob{MIMEType: req.MIMEType, Data: req.Data}}}
		if req.Instruction != "" {
			parts = append(parts, &genai.Part{Text: req.Instruction})
		}
		return parts, nil
	default:
		return nil, apperr.New(apperr.InvalidInput, "bad_modality", "unsupported modality "+req.Modality.String())
	}
}

func toDeclaration(s *Schema) *genai.FunctionDeclaration {
	props := make(map[string]*genai.Schema, len(s.Properties))
	for name, p := range s.Properties {
		props[name] = &genai.Schema{
			Type:        toGenAIType(p.Type),
			Description: p.Description,
			Enum:        p.Enum,
			Minimum:     p.Minimum,
			Maximum:     p.Maximum,
		}
	}
	return &genai.FunctionDeclaration{
		Name:        s.Name,
		Description: s.Description,
		Parameters: &genai.Schema{
			Type:       genai.TypeObject,
			Properties: props,
			Required:   s.Required,
		},
	}
}

func toGenAIType(t string) genai.Type {
	switch t {
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

func classifyGenAIError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		reason := "api_error"
		if apiErr.Code == 429 {
			reason = "rate_limited"
		}
		return apperr.Wrap(apperr.UpstreamUnavailable, reason, err, "gemini %d %s", apiErr.Code, apiErr.Status)
	}
	return apperr.From(fmt.Errorf("gemini: %w", err))
}
