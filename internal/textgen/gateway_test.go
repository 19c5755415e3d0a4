package textgen

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ent0n29/rxdictate/internal/provider"
	"github.com/ent0n29/rxdictate/internal/registry"
)

type fakeBackend struct {
	id          string
	configured  bool
	unsupported bool
	err         error

	plainCalls      int
	structuredCalls int
	lastPrompt      string
}

func (f *fakeBackend) ID() string       { return f.id }
func (f *fakeBackend) Configured() bool { return f.configured }

func (f *fakeBackend) CompletePlain(_ context.Context, model, prompt string) (string, error) {
	f.plainCalls++
	f.lastPrompt = prompt
	if f.err != nil {
		return "", f.err
	}
	return "plain:" + model, nil
}

func (f *fakeBackend) AttemptStructured(_ context.Context, model, prompt string, _ *Schema) (StructuredAttempt, error) {
	f.structuredCalls++
	f.lastPrompt = prompt
	if f.err != nil {
		return StructuredAttempt{}, f.err
	}
	if f.unsupported {
		return StructuredAttempt{Unsupported: true}, nil
	}
	return StructuredAttempt{Text: `{"ok":true}`}, nil
}

func newTestGateway(overrides map[string]string, backends ...Backend) *Gateway {
	reg := registry.New(registry.EnvLayer{})
	reg.ApplyOverrides(overrides)
	return NewGateway(reg, nil, zerolog.Nop(), backends...)
}

func TestCompletePlainRoutesToResolvedBackend(t *testing.T) {
	openai := &fakeBackend{id: registry.BackendOpenAI, configured: true}
	gemini := &fakeBackend{id: registry.BackendGemini, configured: true}
	g := newTestGateway(map[string]string{"text-review": "gemini"}, openai, gemini)

	res, err := g.Complete(context.Background(), registry.TaskTextReview, "hi", Options{})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if res.BackendID != registry.BackendGemini || res.RawText != "plain:gemini-1.5-flash" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if openai.plainCalls != 0 || gemini.plainCalls != 1 {
		t.Fatalf("unexpected call counts openai=%d gemini=%d", openai.plainCalls, gemini.plainCalls)
	}
}

func TestCompleteNotConfigured(t *testing.T) {
	g := newTestGateway(nil, &fakeBackend{id: registry.BackendOpenAI})
	_, err := g.Complete(context.Background(), registry.TaskTextScribe, "hi", Options{})
	if !errors.Is(err, provider.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestCompleteUnsupportedBackend(t *testing.T) {
	g := newTestGateway(map[string]string{"text-scribe": "anthropic"}, &fakeBackend{id: registry.BackendOpenAI, configured: true})
	_, err := g.Complete(context.Background(), registry.TaskTextScribe, "hi", Options{})
	if !errors.Is(err, provider.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestStructuredUnsupportedFallsBackExactlyOnce(t *testing.T) {
	b := &fakeBackend{id: registry.BackendOpenAI, configured: true, unsupported: true}
	g := newTestGateway(nil, b)

	schema := &Schema{Name: "note", Definition: map[string]any{"type": "object"}}
	res, err := g.Complete(context.Background(), registry.TaskTextFormat, "format this", Options{Schema: schema})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if b.structuredCalls != 1 || b.plainCalls != 1 {
		t.Fatalf("calls structured=%d plain=%d, want 1/1", b.structuredCalls, b.plainCalls)
	}
	if !res.FellBack {
		t.Fatalf("expected FellBack to be set")
	}
	if !strings.Contains(b.lastPrompt, `{"type":"object"}`) {
		t.Fatalf("fallback prompt missing schema instruction: %q", b.lastPrompt)
	}
}

func TestStructuredSupported(t *testing.T) {
	b := &fakeBackend{id: registry.BackendOpenAI, configured: true}
	g := newTestGateway(nil, b)

	res, err := g.Complete(context.Background(), registry.TaskTextFormat, "x", Options{ForceStructured: true})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if res.RawText != `{"ok":true}` || res.FellBack || b.plainCalls != 0 {
		t.Fatalf("unexpected result %+v plainCalls=%d", res, b.plainCalls)
	}
}

func TestCallFailureIsNotRetried(t *testing.T) {
	b := &fakeBackend{
		id:         registry.BackendOpenAI,
		configured: true,
		err:        &provider.CallError{Backend: "openai", Status: 503, Retryable: true},
	}
	g := newTestGateway(nil, b)

	_, err := g.Complete(context.Background(), registry.TaskTextScribe, "x", Options{})
	if !errors.Is(err, provider.ErrCallFailed) {
		t.Fatalf("expected ErrCallFailed, got %v", err)
	}
	if b.plainCalls != 1 {
		t.Fatalf("plainCalls = %d, want 1", b.plainCalls)
	}

	_, err = g.Complete(context.Background(), registry.TaskTextScribe, "x", Options{ForceStructured: true})
	if !errors.Is(err, provider.ErrCallFailed) {
		t.Fatalf("expected ErrCallFailed, got %v", err)
	}
	if b.structuredCalls != 1 || b.plainCalls != 1 {
		t.Fatalf("structured failure must not fall back: structured=%d plain=%d", b.structuredCalls, b.plainCalls)
	}
}
