package medicine

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// phoneticKey is the primary Double Metaphone code. Brands that sound alike
// when dictated ("zifi", "ziphy") share a key.
func phoneticKey(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	primary, _ := matchr.DoubleMetaphone(s)
	return primary
}
