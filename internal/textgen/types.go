package textgen

import (
	"context"
	"encoding/json"
	"strings"
)

// Schema is a JSON Schema the response must conform to.
type Schema struct {
	Name       string
	Definition map[string]any
}

// Options control structured output for a single completion.
type Options struct {
	Schema          *Schema
	ForceStructured bool
}

func (o Options) structured() bool {
	return o.Schema != nil || o.ForceStructured
}

// Result is the raw text produced by one completion.
type Result struct {
	RawText   string `json:"raw_text"`
	BackendID string `json:"backend_id"`
	ModelID   string `json:"model_id"`
	// FellBack is set when structured output was retried as plain text.
	FellBack bool `json:"fell_back,omitempty"`
}

// StructuredAttempt is the outcome of asking a backend for structured output.
// Unsupported reports that the backend rejected the structured-output
// parameters themselves, as opposed to failing the call.
type StructuredAttempt struct {
	Text        string
	Unsupported bool
}

// Backend is one text-generation vendor.
type Backend interface {
	ID() string
	Configured() bool
	CompletePlain(ctx context.Context, model, prompt string) (string, error)
	// AttemptStructured asks for JSON output. A nil schema means any JSON object.
	AttemptStructured(ctx context.Context, model, prompt string, schema *Schema) (StructuredAttempt, error)
}

// forcedJSONPrefix opens a prompt that asks for JSON without a schema on a
// backend with no schema-free JSON mode.
const forcedJSONPrefix = "Respond with a single valid JSON object and nothing else. Do not wrap it in code fences.\n\n"

// structuredInstruction is appended to a prompt when a backend cannot enforce
// structured output natively.
func structuredInstruction(schema *Schema) string {
	var b strings.Builder
	b.WriteString("\n\nRespond with a single valid JSON object and nothing else. Do not wrap it in code fences.")
	if schema != nil && len(schema.Definition) > 0 {
		raw, err := json.Marshal(schema.Definition)
		if err == nil {
			b.WriteString(" The object must conform to this JSON Schema:\n")
			b.Write(raw)
		}
	}
	return b.String()
}
