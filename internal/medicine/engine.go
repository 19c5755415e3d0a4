package medicine

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// Mode selects which field a search matches against.
type Mode string

const (
	ModeBrand    Mode = "brand"
	ModeMolecule Mode = "molecule"
)

const (
	minPartitionSize = 50
	maxResults       = 20
	phoneticBonus    = 25
	brandCandidates  = 50
	molCandidates    = 100
)

// Result is one ranked match.
type Result struct {
	Brand        string  `json:"brand"`
	Manufacturer string  `json:"manufacturer"`
	Composition  string  `json:"composition"`
	MatchScore   float64 `json:"match_score"`
	ID           *int64  `json:"id"`
	Mol1         string  `json:"mol1"`
	Mol2         string  `json:"mol2"`
}

// Engine answers brand and molecule lookups over an in-memory catalogue.
// It is read-only after construction.
type Engine struct {
	rows       []Medicine
	brandParts map[byte][]int
	molParts   map[byte][]int
}

func NewEngine(rows []Medicine) *Engine {
	e := &Engine{
		rows:       rows,
		brandParts: make(map[byte][]int),
		molParts:   make(map[byte][]int),
	}
	for i, m := range rows {
		if m.cleanBrand != "" {
			e.brandParts[m.cleanBrand[0]] = append(e.brandParts[m.cleanBrand[0]], i)
		}
		if m.cleanComposition != "" {
			e.molParts[m.cleanComposition[0]] = append(e.molParts[m.cleanComposition[0]], i)
		}
	}
	return e
}

func (e *Engine) Size() int { return len(e.rows) }

// Search ranks catalogue rows for query. Brand mode adds a bonus when the
// brand sounds like the query.
func (e *Engine) Search(query string, mode Mode) []Result {
	query = strings.TrimSpace(query)
	if query == "" || len(e.rows) == 0 {
		return nil
	}
	if mode == ModeMolecule {
		return e.searchMolecule(query)
	}
	return e.searchBrand(query)
}

func (e *Engine) searchBrand(query string) []Result {
	clean := CleanBrand(query)
	if clean == "" {
		clean = strings.ToLower(query)
	}
	pool := e.pool(e.brandParts, buckets(clean))
	qKey := phoneticKey(clean)

	scored := e.rank(pool, clean, func(m *Medicine) string { return m.cleanBrand }, tokenSetRatio, brandCandidates)
	for i := range scored {
		if qKey != "" && e.rows[scored[i].idx].phonetic == qKey {
			scored[i].score += phoneticBonus
		}
	}
	return e.finish(scored, maxResults)
}

func (e *Engine) searchMolecule(query string) []Result {
	clean := CleanComposition(query)
	if clean == "" {
		clean = strings.ToLower(query)
	}
	pool := e.pool(e.molParts, []byte{clean[0]})
	scored := e.rank(pool, clean, func(m *Medicine) string { return m.cleanComposition }, partialTokenSetRatio, molCandidates)
	return e.finish(scored, maxResults)
}

// Suggest is the typeahead lookup over brand and molecule text together.
func (e *Engine) Suggest(query string, limit int) []Result {
	query = strings.TrimSpace(query)
	if query == "" || len(e.rows) == 0 {
		return nil
	}
	if limit <= 0 {
		limit = 10
	}
	clean := CleanBrand(query)
	if clean == "" {
		clean = strings.ToLower(query)
	}
	pool := e.pool(e.brandParts, buckets(clean))
	scored := e.rank(pool, clean, func(m *Medicine) string { return m.suggestTarget }, partialRatio, limit*3)
	return e.finish(scored, min(limit, maxResults))
}

// Validate returns the single best suggestion for query.
func (e *Engine) Validate(query string) (Result, bool) {
	res := e.Suggest(query, 1)
	if len(res) == 0 {
		return Result{}, false
	}
	return res[0], true
}

// pool returns candidate row indexes from the given partitions, or every row
// when the partitions are too small to be representative.
func (e *Engine) pool(parts map[byte][]int, keys []byte) []int {
	var out []int
	for _, k := range keys {
		out = append(out, parts[k]...)
	}
	if len(out) < minPartitionSize {
		out = make([]int, len(e.rows))
		for i := range out {
			out[i] = i
		}
	}
	return out
}

type scoredRow struct {
	idx   int
	score float64
}

func (e *Engine) rank(pool []int, query string, target func(*Medicine) string, scorer func(a, b string) float64, limit int) []scoredRow {
	scored := make([]scoredRow, 0, len(pool))
	for _, idx := range pool {
		scored = append(scored, scoredRow{idx: idx, score: scorer(query, target(&e.rows[idx]))})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// finish deduplicates by id (or brand), keeping the best score, and returns
// the top n by score.
func (e *Engine) finish(scored []scoredRow, n int) []Result {
	best := make(map[string]Result, len(scored))
	var order []string
	for _, s := range scored {
		r := e.result(s)
		key := "b:" + r.Brand
		if r.ID != nil {
			key = "i:" + strconv.FormatInt(*r.ID, 10)
		}
		prev, ok := best[key]
		if !ok {
			order = append(order, key)
		}
		if !ok || r.MatchScore > prev.MatchScore {
			best[key] = r
		}
	}
	out := make([]Result, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MatchScore > out[j].MatchScore })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func (e *Engine) result(s scoredRow) Result {
	m := e.rows[s.idx]
	return Result{
		Brand:        m.Brand,
		Manufacturer: m.Manufacturer,
		Composition:  m.Composition,
		MatchScore:   math.Round(s.score),
		ID:           m.ID,
		Mol1:         m.Molecule1,
		Mol2:         m.Molecule2,
	}
}
