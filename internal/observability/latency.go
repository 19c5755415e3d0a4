package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Stage names recorded by the dictation pipeline.
const (
	StageChannelOpen          = "channel_open"
	StageFirstFragment        = "first_fragment"
	StageOfflineTranscription = "offline_transcription"
	StageTextCompletion       = "text_completion"
	StageFinalizeTotal        = "finalize_total"
)

// stageBudgetMS is the p95 each stage should stay under.
var stageBudgetMS = map[string]float64{
	StageChannelOpen:          800,
	StageFirstFragment:        1200,
	StageOfflineTranscription: 5000,
	StageTextCompletion:       6000,
	StageFinalizeTotal:        8000,
}

// LatencyStats summarizes recent samples of one stage on one backend.
type LatencyStats struct {
	Stage      string  `json:"stage"`
	Backend    string  `json:"backend,omitempty"`
	Samples    int     `json:"samples"`
	LastMS     float64 `json:"last_ms"`
	MeanMS     float64 `json:"mean_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	MaxMS      float64 `json:"max_ms"`
	BudgetMS   float64 `json:"budget_ms,omitempty"`
	OverBudget int     `json:"over_budget"`
}

// FallbackCount is how often a backend's structured call fell back to plain text.
type FallbackCount struct {
	Backend string `json:"backend"`
	Count   int    `json:"count"`
}

type LatencyReport struct {
	GeneratedAt         time.Time       `json:"generated_at"`
	WindowSize          int             `json:"window_size"`
	Stages              []LatencyStats  `json:"stages"`
	StructuredFallbacks []FallbackCount `json:"structured_fallbacks,omitempty"`
}

type latencyKey struct {
	stage   string
	backend string
}

// latencyWindow keeps the most recent samples per (stage, backend).
type latencyWindow struct {
	size int

	mu        sync.Mutex
	series    map[latencyKey][]float64
	fallbacks map[string]int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{
		size:      size,
		series:    make(map[latencyKey][]float64),
		fallbacks: make(map[string]int),
	}
}

func (w *latencyWindow) add(stage, backend string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	key := latencyKey{stage: stage, backend: backend}
	samples := append(w.series[key], ms)
	if len(samples) > w.size {
		samples = samples[len(samples)-w.size:]
	}
	w.series[key] = samples
}

func (w *latencyWindow) addFallback(backend string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fallbacks[backend]++
}

func (w *latencyWindow) report() LatencyReport {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := LatencyReport{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]LatencyStats, 0, len(w.series)),
	}
	for key, samples := range w.series {
		if len(samples) == 0 {
			continue
		}
		out.Stages = append(out.Stages, summarize(key, samples))
	}
	sort.Slice(out.Stages, func(i, j int) bool {
		a, b := out.Stages[i], out.Stages[j]
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		return a.Backend < b.Backend
	})
	for backend, n := range w.fallbacks {
		out.StructuredFallbacks = append(out.StructuredFallbacks, FallbackCount{Backend: backend, Count: n})
	}
	sort.Slice(out.StructuredFallbacks, func(i, j int) bool {
		return out.StructuredFallbacks[i].Backend < out.StructuredFallbacks[j].Backend
	})
	return out
}

func (w *latencyWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.series = make(map[latencyKey][]float64)
	w.fallbacks = make(map[string]int)
}

func summarize(key latencyKey, samples []float64) LatencyStats {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	budget := stageBudgetMS[key.stage]
	sum, over := 0.0, 0
	for _, v := range sorted {
		sum += v
		if budget > 0 && v > budget {
			over++
		}
	}
	return LatencyStats{
		Stage:      key.stage,
		Backend:    key.backend,
		Samples:    len(sorted),
		LastMS:     roundMS(samples[len(samples)-1]),
		MeanMS:     roundMS(sum / float64(len(sorted))),
		P50MS:      roundMS(nearestRank(sorted, 0.50)),
		P95MS:      roundMS(nearestRank(sorted, 0.95)),
		MaxMS:      roundMS(sorted[len(sorted)-1]),
		BudgetMS:   budget,
		OverBudget: over,
	}
}

// nearestRank returns the smallest sample with at least q of the window at
// or below it.
func nearestRank(sorted []float64, q float64) float64 {
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func roundMS(v float64) float64 {
	return math.Round(v*100) / 100
}
