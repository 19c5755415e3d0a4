package textgen

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ent0n29/rxdictate/internal/provider"
	"github.com/ent0n29/rxdictate/internal/registry"
)

const anthropicVersion = "2023-06-01"

type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	MaxTokens  int
	HTTPClient *http.Client
}

// Anthropic talks to the Messages API. Schema-constrained requests force a
// single tool whose input_schema is the schema and read the tool input back.
type Anthropic struct {
	cfg    AnthropicConfig
	client *http.Client
}

func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	client := cfg.HTTPClient
	if client == nil {
		client = provider.NewHTTPClient(0)
	}
	return &Anthropic{cfg: cfg, client: client}
}

func (a *Anthropic) ID() string { return registry.BackendAnthropic }

func (a *Anthropic) Configured() bool { return strings.TrimSpace(a.cfg.APIKey) != "" }

func (a *Anthropic) CompletePlain(ctx context.Context, model, prompt string) (string, error) {
	out, err := a.messages(ctx, anthropicRequest{
		Model:     model,
		MaxTokens: a.cfg.MaxTokens,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return out.text(), nil
}

func (a *Anthropic) AttemptStructured(ctx context.Context, model, prompt string, schema *Schema) (StructuredAttempt, error) {
	if schema == nil {
		text, err := a.CompletePlain(ctx, model, forcedJSONPrefix+prompt)
		if err != nil {
			return StructuredAttempt{}, err
		}
		return StructuredAttempt{Text: text}, nil
	}

	name := schema.Name
	if name == "" {
		name = "response"
	}
	out, err := a.messages(ctx, anthropicRequest{
		Model:     model,
		MaxTokens: a.cfg.MaxTokens,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
		Tools: []anthropicTool{{
			Name:        name,
			Description: "Record the response in this structure.",
			InputSchema: schema.Definition,
		}},
		ToolChoice: &anthropicToolChoice{Type: "tool", Name: name},
	})
	if err != nil {
		var ce *provider.CallError
		if errors.As(err, &ce) && anthropicRejectsTools(ce) {
			return StructuredAttempt{Unsupported: true}, nil
		}
		return StructuredAttempt{}, err
	}
	for _, block := range out.Content {
		if block.Type == "tool_use" && block.Name == name && len(block.Input) > 0 {
			return StructuredAttempt{Text: string(block.Input)}, nil
		}
	}
	return StructuredAttempt{}, &provider.CallError{Backend: a.ID(), Detail: "no tool_use block returned"}
}

func (a *Anthropic) messages(ctx context.Context, body anthropicRequest) (anthropicResponse, error) {
	req, err := provider.NewJSONRequest(ctx, http.MethodPost, strings.TrimRight(a.cfg.BaseURL, "/")+"/v1/messages", body)
	if err != nil {
		return anthropicResponse{}, err
	}
	req.Header.Set("x-api-key", a.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	var out anthropicResponse
	if err := provider.Do(a.client, a.ID(), req, &out); err != nil {
		return anthropicResponse{}, err
	}
	return out, nil
}

// anthropicRejectsTools reports a 400 aimed at the tools parameters, which is
// how models without tool use answer.
func anthropicRejectsTools(ce *provider.CallError) bool {
	if ce.Status != http.StatusBadRequest {
		return false
	}
	detail := strings.ToLower(ce.Detail)
	return strings.Contains(detail, "tools") || strings.Contains(detail, "tool_choice") || strings.Contains(detail, "tool use")
}

type anthropicRequest struct {
	Model      string               `json:"model"`
	MaxTokens  int                  `json:"max_tokens"`
	Messages   []anthropicMessage   `json:"messages"`
	Tools      []anthropicTool      `json:"tools,omitempty"`
	ToolChoice *anthropicToolChoice `json:"tool_choice,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
}

func (r anthropicResponse) text() string {
	var b strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}
