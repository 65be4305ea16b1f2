package domain

import (
	"strings"
	"unicode"
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "but": {}, "by": {},
	"can": {}, "do": {}, "does": {}, "for": {}, "from": {}, "has": {}, "have": {}, "how": {},
	"i": {}, "if": {}, "in": {}, "into": {}, "is": {}, "it": {}, "its": {}, "me": {}, "my": {},
	"no": {}, "not": {}, "of": {}, "on": {}, "or": {}, "our": {}, "so": {}, "such": {},
	"that": {}, "the": {}, "their": {}, "then": {}, "there": {}, "these": {}, "they": {},
	"this": {}, "to": {}, "was": {}, "we": {}, "were": {}, "what": {}, "when": {}, "where": {},
	"which": {}, "who": {}, "why": {}, "will": {}, "with": {}, "you": {}, "your": {},
}

func IsStopWord(token string) bool {
	_, ok := stopWords[token]
	return ok
}

// Tokenize lower-cases text and splits it on whitespace, trimming punctuation at token edges.
func Tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		})
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Keywords tokenizes a question and drops stop-words. No stemming.
func Keywords(question string) []string {
	tokens := Tokenize(question)
	out := tokens[:0]
	for _, t := range tokens {
		if IsStopWord(t) {
			continue
		}
		out = append(out, t)
	}
	return out
}
