package store

import (
	"strings"
	"unicode"
)

const maxQueryTerms = 16

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true, "not": true, "you": true,
	"all": true, "can": true, "her": true, "was": true, "one": true, "our": true, "out": true,
	"has": true, "have": true, "how": true, "what": true, "when": true, "where": true, "which": true,
	"who": true, "why": true, "with": true, "this": true, "that": true, "from": true, "they": true,
	"will": true, "would": true, "could": true, "should": true, "about": true, "there": true,
	"their": true, "please": true, "does": true, "into": true, "your": true, "some": true,
}

// QueryTerms extracts lowercase search terms from free text, dropping punctuation, short words
// and stop words.
func QueryTerms(query string) []string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := map[string]bool{}
	var ret []string
	for _, w := range words {
		if len([]rune(w)) < 3 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		ret = append(ret, w)
		if len(ret) == maxQueryTerms {
			break
		}
	}
	return ret
}

// ftsQuery builds an FTS4 MATCH expression that matches any of the terms.
func ftsQuery(terms []string) string {
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " OR ")
}
