package textgen

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/ent0n29/rxdictate/internal/provider"
	"github.com/ent0n29/rxdictate/internal/registry"
)

type GeminiConfig struct {
	APIKey      string
	BaseURL     string
	Temperature float64
	HTTPClient  *http.Client
}

// Gemini talks to the generateContent API.
type Gemini struct {
	cfg    GeminiConfig
	client *http.Client
}

func NewGemini(cfg GeminiConfig) *Gemini {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.2
	}
	client := cfg.HTTPClient
	if client == nil {
		client = provider.NewHTTPClient(0)
	}
	return &Gemini{cfg: cfg, client: client}
}

func (g *Gemini) ID() string { return registry.BackendGemini }

func (g *Gemini) Configured() bool { return strings.TrimSpace(g.cfg.APIKey) != "" }

func (g *Gemini) CompletePlain(ctx context.Context, model, prompt string) (string, error) {
	return g.generate(ctx, model, prompt, geminiGenerationConfig{Temperature: g.cfg.Temperature})
}

func (g *Gemini) AttemptStructured(ctx context.Context, model, prompt string, schema *Schema) (StructuredAttempt, error) {
	gc := geminiGenerationConfig{
		Temperature:      g.cfg.Temperature,
		ResponseMimeType: "application/json",
	}
	if schema != nil {
		gc.ResponseSchema = schema.Definition
	}
	text, err := g.generate(ctx, model, prompt, gc)
	if err != nil {
		var ce *provider.CallError
		if errors.As(err, &ce) && geminiRejectsJSONMode(ce) {
			return StructuredAttempt{Unsupported: true}, nil
		}
		return StructuredAttempt{}, err
	}
	return StructuredAttempt{Text: text}, nil
}

func (g *Gemini) generate(ctx context.Context, model, prompt string, gc geminiGenerationConfig) (string, error) {
	body := geminiRequest{
		Contents:         []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: gc,
	}
	endpoint := strings.TrimRight(g.cfg.BaseURL, "/") + "/v1beta/models/" + url.PathEscape(model) + ":generateContent"
	req, err := provider.NewJSONRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("x-goog-api-key", g.cfg.APIKey)

	var out geminiResponse
	if err := provider.Do(g.client, g.ID(), req, &out); err != nil {
		return "", err
	}
	if len(out.Candidates) == 0 {
		return "", &provider.CallError{Backend: g.ID(), Detail: "no candidates returned"}
	}
	var b strings.Builder
	for _, part := range out.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String(), nil
}

// geminiRejectsJSONMode reports an INVALID_ARGUMENT that names the JSON
// response parameters.
func geminiRejectsJSONMode(ce *provider.CallError) bool {
	if ce.Status != http.StatusBadRequest {
		return false
	}
	detail := strings.ToLower(ce.Detail)
	for _, marker := range []string{"response_mime_type", "responsemimetype", "response_schema", "responseschema", "json mode"} {
		if strings.Contains(detail, marker) {
			return true
		}
	}
	return false
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature      float64        `json:"temperature"`
	ResponseMimeType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}
