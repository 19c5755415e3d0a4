package medicine

import (
	"regexp"
	"strings"
)

var (
	brandPrefix   = regexp.MustCompile(`^(tab|cap|inj|syr|tablet|capsule|injection|syrup|gel|cream|oint|drops)\.?\s+`)
	brandForms    = regexp.MustCompile(`\b(tablet|capsule|injection|syrup|suspension|solution|drops|cream|gel|ointment|liquid)\b`)
	brandVariants = regexp.MustCompile(`\b(mr|sr|ds|ls|plus|forte|xl|xr|duo)\b`)
	singleLetter  = regexp.MustCompile(`\b[a-z]\b`)
	brandDosage   = regexp.MustCompile(`\d+w?v?/?\s?([a-z]+)?`)

	compDosage   = regexp.MustCompile(`\d+(\.\d+)?\s*(mg|ml|g|%|mcg|iu)`)
	bareNumber   = regexp.MustCompile(`\b\d+\b`)
	compSymbols  = regexp.MustCompile(`[+\-,/()]`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// CleanBrand reduces a product name to its brand stem:
// "Tab. Dolo 650 MR" -> "dolo".
func CleanBrand(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = brandPrefix.ReplaceAllString(text, "")
	text = brandForms.ReplaceAllString(text, "")
	text = brandVariants.ReplaceAllString(text, "")
	text = singleLetter.ReplaceAllString(text, "")
	text = brandDosage.ReplaceAllString(text, "")
	return collapse(text)
}

// CleanComposition strips strengths and punctuation from a molecule list:
// "Paracetamol 500mg + Caffeine" -> "paracetamol caffeine".
func CleanComposition(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = compDosage.ReplaceAllString(text, "")
	text = bareNumber.ReplaceAllString(text, "")
	text = compSymbols.ReplaceAllString(text, " ")
	return collapse(text)
}

func collapse(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// soundAlike pairs first letters that dictation commonly confuses.
var soundAlike = map[byte]byte{
	'k': 'c', 'c': 'k', 'f': 'p', 'p': 'f',
	'z': 's', 's': 'z', 'j': 'g', 'g': 'j',
	'i': 'e', 'e': 'i', 'v': 'w', 'w': 'v',
}

func buckets(clean string) []byte {
	if clean == "" {
		return nil
	}
	first := clean[0]
	out := []byte{first}
	if alt, ok := soundAlike[first]; ok {
		out = append(out, alt)
	}
	return out
}
