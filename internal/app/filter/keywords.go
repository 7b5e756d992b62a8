package filter

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/featherwire/aviary/errs"
)

const (
	minKeywordLength = 2
	maxKeywordLength = 50
)

// ValidateKeywords normalises a raw keyword list: entries are trimmed,
// empties dropped and duplicates removed order-preservingly. A keyword
// outside the 2-50 character range fails the whole list.
func ValidateKeywords(raw []string) ([]string, error) {
	cleaned := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, kw := range raw {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if n := utf8.RuneCountInString(kw); n < minKeywordLength || n > maxKeywordLength {
			return nil, errs.New("filter/keywords", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("keyword %q must be between %d and %d characters", kw, minKeywordLength, maxKeywordLength)))
		}
		if _, dup := seen[kw]; dup {
			continue
		}
		seen[kw] = struct{}{}
		cleaned = append(cleaned, kw)
	}
	return cleaned, nil
}
