package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Task is a unit of work routed to one backend.
type Task string

const (
	TaskTranscriptionLive    Task = "transcription-live"
	TaskTranscriptionOffline Task = "transcription-offline"
	TaskTextScribe           Task = "text-scribe"
	TaskTextReview           Task = "text-review"
	TaskTextFormat           Task = "text-format"
)

const (
	BackendOpenAI     = "openai"
	BackendAnthropic  = "anthropic"
	BackendGemini     = "gemini"
	BackendDeepgram   = "deepgram"
	BackendElevenLabs = "elevenlabs"
)

// modelKeySuffix marks an override key that pins the model for a task.
const modelKeySuffix = ":model"

var (
	ErrUnknownTask    = errors.New("unknown task")
	ErrUnknownBackend = errors.New("unknown backend")
)

var allTasks = []Task{
	TaskTranscriptionLive,
	TaskTranscriptionOffline,
	TaskTextScribe,
	TaskTextReview,
	TaskTextFormat,
}

var allowedBackends = map[Task][]string{
	TaskTranscriptionLive:    {BackendDeepgram, BackendElevenLabs, BackendOpenAI},
	TaskTranscriptionOffline: {BackendDeepgram, BackendElevenLabs, BackendOpenAI},
	TaskTextScribe:           {BackendOpenAI, BackendAnthropic, BackendGemini},
	TaskTextReview:           {BackendOpenAI, BackendAnthropic, BackendGemini},
	TaskTextFormat:           {BackendOpenAI, BackendAnthropic, BackendGemini},
}

var builtinBackends = map[Task]string{
	TaskTranscriptionLive:    BackendDeepgram,
	TaskTranscriptionOffline: BackendDeepgram,
	TaskTextScribe:           BackendOpenAI,
	TaskTextReview:           BackendOpenAI,
	TaskTextFormat:           BackendOpenAI,
}

var textModels = map[string]string{
	BackendOpenAI:    "gpt-4o-mini",
	BackendAnthropic: "claude-3-5-sonnet-latest",
	BackendGemini:    "gemini-1.5-flash",
}

var defaultModels = map[Task]map[string]string{
	TaskTranscriptionLive: {
		BackendDeepgram:   "nova-2-medical",
		BackendElevenLabs: "scribe_v2_realtime",
		BackendOpenAI:     "whisper-1",
	},
	TaskTranscriptionOffline: {
		BackendDeepgram:   "nova-2-medical",
		BackendElevenLabs: "scribe_v1",
		BackendOpenAI:     "gpt-4o-transcribe",
	},
	TaskTextScribe: textModels,
	TaskTextReview: textModels,
	TaskTextFormat: textModels,
}

// Tasks lists every routable task in a stable order.
func Tasks() []Task {
	out := make([]Task, len(allTasks))
	copy(out, allTasks)
	return out
}

func (t Task) Valid() bool {
	_, ok := allowedBackends[t]
	return ok
}

func (t Task) IsText() bool {
	switch t {
	case TaskTextScribe, TaskTextReview, TaskTextFormat:
		return true
	default:
		return false
	}
}

// AllowedBackends returns the backend identifiers that can serve task.
func AllowedBackends(task Task) []string {
	ids := allowedBackends[task]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// DefaultModel returns the built-in model for a (task, backend) pair.
func DefaultModel(task Task, backendID string) string {
	return defaultModels[task][backendID]
}

// Selection is the outcome of resolving a task.
type Selection struct {
	Task      Task   `json:"task"`
	BackendID string `json:"backend_id"`
	ModelID   string `json:"model_id"`
	Source    string `json:"source"`
}

const (
	SourceOverride = "override"
	SourceEnv      = "env"
	SourceDefault  = "default"
)

// EnvLayer is the deployment-time configuration, captured once.
type EnvLayer struct {
	Backends map[Task]string
	Models   map[Task]string
}

// Registry resolves tasks to backends. Overrides beat the environment layer,
// which beats the built-in defaults.
type Registry struct {
	mu        sync.RWMutex
	env       EnvLayer
	overrides map[string]string
	version   uint64
}

func New(env EnvLayer) *Registry {
	captured := EnvLayer{
		Backends: make(map[Task]string, len(env.Backends)),
		Models:   make(map[Task]string, len(env.Models)),
	}
	for task, id := range env.Backends {
		if id = normalizeID(id); id != "" {
			captured.Backends[task] = id
		}
	}
	for task, model := range env.Models {
		if model = strings.TrimSpace(model); model != "" {
			captured.Models[task] = model
		}
	}
	return &Registry{env: captured, overrides: make(map[string]string)}
}

// Resolve picks the backend and model for task. An unknown task is a
// programming error.
func (r *Registry) Resolve(task Task) Selection {
	if !task.Valid() {
		panic(fmt.Sprintf("registry: resolve called with unknown task %q", task))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	sel := Selection{Task: task}
	envBackend := r.env.Backends[task]
	switch {
	case r.overrides[string(task)] != "":
		sel.BackendID = r.overrides[string(task)]
		sel.Source = SourceOverride
	case envBackend != "":
		sel.BackendID = envBackend
		sel.Source = SourceEnv
	default:
		sel.BackendID = builtinBackends[task]
		sel.Source = SourceDefault
	}

	if model := r.overrides[string(task)+modelKeySuffix]; model != "" {
		sel.ModelID = model
		return sel
	}
	// The environment model only applies to the backend it was configured for.
	envTarget := envBackend
	if envTarget == "" {
		envTarget = builtinBackends[task]
	}
	if model := r.env.Models[task]; model != "" && sel.BackendID == envTarget {
		sel.ModelID = model
		return sel
	}
	sel.ModelID = defaultModels[task][sel.BackendID]
	return sel
}

// ApplyOverrides merges entries last-write-wins. An empty value clears the key.
func (r *Registry) ApplyOverrides(entries map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, value := range entries {
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if !strings.HasSuffix(key, modelKeySuffix) {
			value = normalizeID(value)
		}
		if value == "" {
			delete(r.overrides, key)
			continue
		}
		r.overrides[key] = value
	}
	r.version++
}

// ClearOverrides drops every override so resolution reverts to env and defaults.
func (r *Registry) ClearOverrides() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides = make(map[string]string)
	r.version++
}

func (r *Registry) Overrides() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.overrides))
	for k, v := range r.overrides {
		out[k] = v
	}
	return out
}

// Version increments on every override change.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Snapshot resolves every task.
func (r *Registry) Snapshot() []Selection {
	out := make([]Selection, 0, len(allTasks))
	for _, task := range allTasks {
		out = append(out, r.Resolve(task))
	}
	return out
}

// ValidateOverrides rejects keys naming unknown tasks and values naming
// backends the task cannot use. Empty values are accepted as clears.
func ValidateOverrides(entries map[string]string) error {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := strings.TrimSpace(entries[key])
		taskKey := strings.TrimSpace(key)
		isModel := strings.HasSuffix(taskKey, modelKeySuffix)
		if isModel {
			taskKey = strings.TrimSuffix(taskKey, modelKeySuffix)
		}
		task := Task(taskKey)
		if !task.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownTask, key)
		}
		if isModel || value == "" {
			continue
		}
		if !contains(allowedBackends[task], normalizeID(value)) {
			return fmt.Errorf("%w: %q for task %s", ErrUnknownBackend, value, task)
		}
	}
	return nil
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
