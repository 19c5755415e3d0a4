package medicine

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// ratio is the 0-100 Indel similarity: twice the longest common subsequence
// over the combined length.
func ratio(a, b string) float64 {
	total := utf8.RuneCountInString(a) + utf8.RuneCountInString(b)
	if total == 0 {
		return 100
	}
	return 200 * float64(matchr.LongestCommonSubsequence(a, b)) / float64(total)
}

// partialRatio scores the best alignment of the shorter string inside the
// longer one, including windows that hang off either end.
func partialRatio(a, b string) float64 {
	short, long := []rune(a), []rune(b)
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) == 0 {
		if len(long) == 0 {
			return 100
		}
		return 0
	}
	s := string(short)
	if strings.Contains(string(long), s) {
		return 100
	}
	best := 0.0
	consider := func(window []rune) {
		if r := ratio(s, string(window)); r > best {
			best = r
		}
	}
	for i := 1; i < len(short); i++ {
		consider(long[:i])
		consider(long[len(long)-i:])
	}
	for i := 0; i+len(short) <= len(long); i++ {
		consider(long[i : i+len(short)])
	}
	return best
}

type tokenSplit struct {
	common, onlyA, onlyB []string
}

func splitTokens(a, b string) tokenSplit {
	setA, setB := tokenSet(a), tokenSet(b)
	var ts tokenSplit
	for t := range setA {
		if setB[t] {
			ts.common = append(ts.common, t)
		} else {
			ts.onlyA = append(ts.onlyA, t)
		}
	}
	for t := range setB {
		if !setA[t] {
			ts.onlyB = append(ts.onlyB, t)
		}
	}
	sort.Strings(ts.common)
	sort.Strings(ts.onlyA)
	sort.Strings(ts.onlyB)
	return ts
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.Fields(strings.ToLower(s)) {
		out[f] = true
	}
	return out
}

// tokenSetRatio ignores word order and duplicate words. A query whose words
// are all contained in the target scores 100.
func tokenSetRatio(a, b string) float64 {
	ts := splitTokens(a, b)
	if len(ts.common)+len(ts.onlyA) == 0 || len(ts.common)+len(ts.onlyB) == 0 {
		return 0
	}
	if len(ts.common) > 0 && (len(ts.onlyA) == 0 || len(ts.onlyB) == 0) {
		return 100
	}
	base := strings.Join(ts.common, " ")
	withA := strings.TrimSpace(base + " " + strings.Join(ts.onlyA, " "))
	withB := strings.TrimSpace(base + " " + strings.Join(ts.onlyB, " "))
	best := ratio(withA, withB)
	if base != "" {
		best = max(best, ratio(base, withA), ratio(base, withB))
	}
	return best
}

// partialTokenSetRatio is 100 on any shared word, otherwise the partial
// ratio of the differing words.
func partialTokenSetRatio(a, b string) float64 {
	ts := splitTokens(a, b)
	if len(ts.common) > 0 {
		return 100
	}
	if len(ts.onlyA) == 0 || len(ts.onlyB) == 0 {
		return 0
	}
	return partialRatio(strings.Join(ts.onlyA, " "), strings.Join(ts.onlyB, " "))
}
