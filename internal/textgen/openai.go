package textgen

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ent0n29/rxdictate/internal/provider"
	"github.com/ent0n29/rxdictate/internal/registry"
)

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Temperature float64
	HTTPClient  *http.Client
}

// OpenAI talks to the Chat Completions API.
type OpenAI struct {
	cfg    OpenAIConfig
	client *http.Client
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.2
	}
	client := cfg.HTTPClient
	if client == nil {
		client = provider.NewHTTPClient(0)
	}
	return &OpenAI{cfg: cfg, client: client}
}

func (o *OpenAI) ID() string { return registry.BackendOpenAI }

func (o *OpenAI) Configured() bool { return strings.TrimSpace(o.cfg.APIKey) != "" }

func (o *OpenAI) CompletePlain(ctx context.Context, model, prompt string) (string, error) {
	return o.chat(ctx, model, prompt, nil)
}

func (o *OpenAI) AttemptStructured(ctx context.Context, model, prompt string, schema *Schema) (StructuredAttempt, error) {
	format := &openAIResponseFormat{Type: "json_object"}
	if schema != nil {
		name := schema.Name
		if name == "" {
			name = "response"
		}
		format = &openAIResponseFormat{
			Type: "json_schema",
			JSONSchema: &openAIJSONSchema{
				Name:   name,
				Schema: schema.Definition,
				Strict: true,
			},
		}
	} else {
		// json_object mode requires the word JSON to appear in the messages.
		prompt = "Respond in JSON.\n\n" + prompt
	}

	text, err := o.chat(ctx, model, prompt, format)
	if err != nil {
		var ce *provider.CallError
		if errors.As(err, &ce) && openAIRejectsResponseFormat(ce) {
			return StructuredAttempt{Unsupported: true}, nil
		}
		return StructuredAttempt{}, err
	}
	return StructuredAttempt{Text: text}, nil
}

func (o *OpenAI) chat(ctx context.Context, model, prompt string, format *openAIResponseFormat) (string, error) {
	body := openAIChatRequest{
		Model:          model,
		Messages:       []openAIMessage{{Role: "user", Content: prompt}},
		Temperature:    o.cfg.Temperature,
		ResponseFormat: format,
	}
	req, err := provider.NewJSONRequest(ctx, http.MethodPost, strings.TrimRight(o.cfg.BaseURL, "/")+"/v1/chat/completions", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)

	var out openAIChatResponse
	if err := provider.Do(o.client, o.ID(), req, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", &provider.CallError{Backend: o.ID(), Detail: "no choices returned"}
	}
	return out.Choices[0].Message.Content, nil
}

// openAIRejectsResponseFormat reports a 400 aimed at the response_format
// parameter, which is how models without structured output answer.
func openAIRejectsResponseFormat(ce *provider.CallError) bool {
	if ce.Status != http.StatusBadRequest {
		return false
	}
	if strings.HasPrefix(ce.Param, "response_format") {
		return true
	}
	return strings.Contains(strings.ToLower(ce.Detail), "response_format")
}

type openAIChatRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	Temperature    float64               `json:"temperature"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIJSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}
