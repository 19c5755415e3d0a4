package policy

import "regexp"

type redactionRule struct {
	pattern *regexp.Regexp
	marker  string
}

// Rules run in order. Card and national-id numbers go before phone numbers so
// long digit runs are not classified as phones.
var redactionRules = []redactionRule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\b[2-9]\d{3}[ -]?\d{4}[ -]?\d{4}\b`), "[REDACTED_ID]"},
	// At least ten digits, so dosing schedules like "650 1-0-1" survive.
	{regexp.MustCompile(`\+?\d(?:[\-() ]*\d){9,}`), "[REDACTED_PHONE]"},
}

// RedactPII masks contact details and identity numbers in dictated text
// before it is persisted.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, rule := range redactionRules {
		next := rule.pattern.ReplaceAllString(out, rule.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}
