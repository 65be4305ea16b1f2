package rerank

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

// Lexical scores candidates by their incoming score, query token overlap and a source-name hit.
// It needs no model and backs the cross-encoder when that is unavailable.
type Lexical struct{}

func NewLexical() *Lexical {
	return &Lexical{}
}

func (Lexical) Rerank(_ context.Context, query string, chunks []domain.RetrievedChunk, topK int) ([]domain.RetrievedChunk, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	out := make([]domain.RetrievedChunk, len(chunks))
	copy(out, chunks)
	queryTokens := toTokenSet(query)

	minScore, maxScore := out[0].Score, out[0].Score
	for _, chunk := range out[1:] {
		if chunk.Score < minScore {
			minScore = chunk.Score
		}
		if chunk.Score > maxScore {
			maxScore = chunk.Score
		}
	}
	rangeScore := maxScore - minScore
	normalize := func(v float64) float64 {
		if rangeScore <= 0 {
			if v > 0 {
				return 1
			}
			return 0
		}
		return (v - minScore) / rangeScore
	}

	for i := range out {
		overlap := tokenOverlap(queryTokens, toTokenSet(out[i].Text))
		sourceBoost := sourceTokenHit(queryTokens, out[i].Source)
		out[i].Score = 0.60*normalize(out[i].Score) + 0.30*overlap + 0.10*sourceBoost
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return truncate(out, topK), nil
}

func truncate(chunks []domain.RetrievedChunk, topK int) []domain.RetrievedChunk {
	if topK > 0 && len(chunks) > topK {
		return chunks[:topK]
	}
	return chunks
}

func tokenOverlap(query, chunk map[string]struct{}) float64 {
	if len(query) == 0 || len(chunk) == 0 {
		return 0
	}
	matches := 0
	for token := range query {
		if _, ok := chunk[token]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(query))
}

func sourceTokenHit(query map[string]struct{}, source string) float64 {
	if len(query) == 0 || source == "" {
		return 0
	}
	source = strings.ToLower(source)
	for token := range query {
		if token != "" && strings.Contains(source, token) {
			return 1
		}
	}
	return 0
}

func toTokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, token := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if domain.IsStopWord(token) {
			continue
		}
		out[token] = struct{}{}
	}
	return out
}
