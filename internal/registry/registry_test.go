package registry

import (
	"errors"
	"testing"
)

func TestResolveDefaults(t *testing.T) {
	r := New(EnvLayer{})
	sel := r.Resolve(TaskTextScribe)
	if sel.BackendID != BackendOpenAI || sel.ModelID != "gpt-4o-mini" || sel.Source != SourceDefault {
		t.Fatalf("unexpected default selection: %+v", sel)
	}
	live := r.Resolve(TaskTranscriptionLive)
	if live.BackendID != BackendDeepgram || live.ModelID != "nova-2-medical" {
		t.Fatalf("unexpected live selection: %+v", live)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	r := New(EnvLayer{Backends: map[Task]string{TaskTextReview: "gemini"}})
	r.ApplyOverrides(map[string]string{"text-format": "anthropic"})

	first := r.Snapshot()
	for i := 0; i < 50; i++ {
		got := r.Snapshot()
		for j := range got {
			if got[j] != first[j] {
				t.Fatalf("resolution changed between calls: %+v vs %+v", got[j], first[j])
			}
		}
	}
}

func TestEnvLayerBeatsDefaults(t *testing.T) {
	r := New(EnvLayer{
		Backends: map[Task]string{TaskTextScribe: " Anthropic "},
		Models:   map[Task]string{TaskTextScribe: "claude-3-opus"},
	})
	sel := r.Resolve(TaskTextScribe)
	if sel.BackendID != BackendAnthropic || sel.ModelID != "claude-3-opus" || sel.Source != SourceEnv {
		t.Fatalf("unexpected env selection: %+v", sel)
	}
}

func TestOverrideBeatsEnvAndClearReverts(t *testing.T) {
	r := New(EnvLayer{
		Backends: map[Task]string{TaskTextScribe: "anthropic"},
		Models:   map[Task]string{TaskTextScribe: "claude-3-opus"},
	})
	v0 := r.Version()

	r.ApplyOverrides(map[string]string{"text-scribe": "gemini"})
	sel := r.Resolve(TaskTextScribe)
	if sel.BackendID != BackendGemini || sel.Source != SourceOverride {
		t.Fatalf("override not applied: %+v", sel)
	}
	// env model belongs to anthropic and must not leak onto gemini
	if sel.ModelID != "gemini-1.5-flash" {
		t.Fatalf("model = %q, want gemini default", sel.ModelID)
	}
	if r.Version() == v0 {
		t.Fatalf("version did not change after override")
	}

	r.ClearOverrides()
	sel = r.Resolve(TaskTextScribe)
	if sel.BackendID != BackendAnthropic || sel.ModelID != "claude-3-opus" {
		t.Fatalf("clear did not revert to env layer: %+v", sel)
	}
}

func TestApplyOverridesLastWriteWinsAndEmptyClears(t *testing.T) {
	r := New(EnvLayer{})
	r.ApplyOverrides(map[string]string{"text-review": "gemini", "text-review:model": "gemini-1.5-pro"})
	r.ApplyOverrides(map[string]string{"text-review": "anthropic"})

	sel := r.Resolve(TaskTextReview)
	if sel.BackendID != BackendAnthropic || sel.ModelID != "gemini-1.5-pro" {
		t.Fatalf("unexpected selection: %+v", sel)
	}

	r.ApplyOverrides(map[string]string{"text-review": "", "text-review:model": ""})
	if got := r.Overrides(); len(got) != 0 {
		t.Fatalf("expected overrides cleared, got %v", got)
	}
	if sel := r.Resolve(TaskTextReview); sel.BackendID != BackendOpenAI {
		t.Fatalf("expected default after clear, got %+v", sel)
	}
}

func TestValidateOverrides(t *testing.T) {
	if err := ValidateOverrides(map[string]string{"text-scribe": "gemini", "transcription-live": "", "text-format:model": "x"}); err != nil {
		t.Fatalf("ValidateOverrides() error = %v", err)
	}
	if err := ValidateOverrides(map[string]string{"text-scribe": "deepgram"}); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
	if err := ValidateOverrides(map[string]string{"summarize": "openai"}); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestResolveUnknownTaskPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for unknown task")
		}
	}()
	New(EnvLayer{}).Resolve(Task("nope"))
}
