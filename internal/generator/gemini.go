package generator

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// GeminiProvider uses the Gemini API with a JSON response schema.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider connects to the Gemini API.
func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: %w", ErrAPIKeyNotSet)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}
	return &GeminiProvider{client: client, model: model}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Generate(ctx context.Context, req Request) ([]byte, error) {
	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(req.Prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   GeminiSchema(req.Schema),
	})
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return nil, errors.New("gemini returned an empty response")
	}
	return []byte(text), nil
}

// GeminiSchema converts s to the SDK's schema type. additionalProperties has
// no equivalent and is dropped.
func GeminiSchema(s *Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Description: s.Description,
		Enum:        s.Enum,
		Pattern:     s.Pattern,
		Required:    s.Required,
	}
	switch s.Type {
	case "object":
		out.Type = genai.TypeObject
		out.PropertyOrdering = s.Required
	case "array":
		out.Type = genai.TypeArray
	case "string":
		out.Type = genai.TypeString
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for k, p := range s.Properties {
			out.Properties[k] = GeminiSchema(p)
		}
	}
	if s.Items != nil {
		out.Items = GeminiSchema(s.Items)
	}
	for _, a := range s.AnyOf {
		out.AnyOf = append(out.AnyOf, GeminiSchema(a))
	}
	if s.MinItems != nil {
		out.MinItems = genai.Ptr(int64(*s.MinItems))
	}
	if s.MaxItems != nil {
		out.MaxItems = genai.Ptr(int64(*s.MaxItems))
	}
	if s.MinLength != nil {
		out.MinLength = genai.Ptr(int64(*s.MinLength))
	}
	return out
}

var _ Provider = (*GeminiProvider)(nil)
