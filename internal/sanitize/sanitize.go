package sanitize

import (
	"regexp"
	"sort"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// AllowedElements is the markup a generated note may contain.
var AllowedElements = []string{
	"p", "br", "hr", "div", "span",
	"b", "strong", "i", "em", "u",
	"h1", "h2", "h3", "h4",
	"ul", "ol", "li",
	"table", "thead", "tbody", "tr", "th", "td",
	"blockquote", "a",
}

// AllowedAttributes maps each element to its permitted attributes. Links
// also get rel="nofollow" from the policy.
var AllowedAttributes = map[string][]string{
	"a":  {"href"},
	"td": {"colspan", "rowspan"},
	"th": {"colspan", "rowspan"},
}

// AllowedSchemes are the only URL schemes kept on links.
var AllowedSchemes = []string{"http", "https", "mailto"}

var (
	fencePattern = regexp.MustCompile("(?s)^\\s*```[a-zA-Z]*\\s*\\n?(.*?)\\n?\\s*```\\s*$")
	spanIntegers = regexp.MustCompile(`^[0-9]{1,3}$`)

	attrValues = map[string]*regexp.Regexp{
		"colspan": spanIntegers,
		"rowspan": spanIntegers,
	}
)

// Sanitizer strips everything outside the allow-list from model output.
type Sanitizer struct {
	policy *bluemonday.Policy
}

func New() *Sanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements(AllowedElements...)
	elements := make([]string, 0, len(AllowedAttributes))
	for el := range AllowedAttributes {
		elements = append(elements, el)
	}
	sort.Strings(elements)
	for _, el := range elements {
		for _, attr := range AllowedAttributes[el] {
			if re, ok := attrValues[attr]; ok {
				p.AllowAttrs(attr).Matching(re).OnElements(el)
				continue
			}
			p.AllowAttrs(attr).OnElements(el)
		}
	}
	p.AllowURLSchemes(AllowedSchemes...)
	p.RequireParseableURLs(true)
	p.RequireNoFollowOnLinks(true)
	return &Sanitizer{policy: p}
}

// HTML returns the allow-listed subset of raw.
func (s *Sanitizer) HTML(raw string) string {
	return strings.TrimSpace(s.policy.Sanitize(raw))
}

// StripCodeFences unwraps a response wrapped in a single markdown code fence.
func StripCodeFences(raw string) string {
	if m := fencePattern.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(raw)
}
