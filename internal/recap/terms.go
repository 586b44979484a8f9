package recap

import (
	"regexp"
	"sort"
	"strings"

	"github.com/lucasvandyk/recapd/pkg/types"
)

// termRe matches candidate glossary tokens: latin (including
// Vietnamese diacritics), digits, underscores, four characters or more.
var termRe = regexp.MustCompile(`[A-Za-zÀ-ỹ0-9_]{4,}`)

// termStopwords are never offered as cheatsheet terms.
var termStopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "that": {}, "this": {},
	"with": {}, "from": {}, "have": {},
	"được": {}, "các": {}, "những": {}, "trong": {},
	"khi": {}, "với": {}, "cho": {}, "một": {},
}

// extractTerms returns up to ten frequent terms from the window's
// transcript, most frequent first with ties broken alphabetically. Used
// as the cheatsheet fallback when the model returned none.
func extractTerms(segs []types.TranscriptSegment) []string {
	freq := make(map[string]int)
	for _, seg := range segs {
		for _, token := range termRe.FindAllString(seg.Text, -1) {
			word := strings.ToLower(strings.TrimSpace(token))
			if _, stop := termStopwords[word]; stop {
				continue
			}
			freq[word]++
		}
	}

	terms := make([]string, 0, len(freq))
	for term := range freq {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})

	if len(terms) > 10 {
		terms = terms[:10]
	}
	return terms
}
