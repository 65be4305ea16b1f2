package bm25

import "math"

type Params struct {
	K1      float64
	B       float64
	Epsilon float64
}

func DefaultParams() Params {
	return Params{K1: 1.5, B: 0.75, Epsilon: 0.25}
}

// Model is a fitted Okapi BM25 model over a fixed corpus.
type Model struct {
	Params   Params
	AvgDL    float64
	IDF      map[string]float64
	DocLens  []int
	DocFreqs []map[string]int
}

// Fit builds term statistics for corpus. Terms with negative idf (present in more
// than half of the documents) are floored to Epsilon times the average idf.
func Fit(corpus [][]string, p Params) *Model {
	m := &Model{
		Params:   p,
		IDF:      make(map[string]float64),
		DocLens:  make([]int, len(corpus)),
		DocFreqs: make([]map[string]int, len(corpus)),
	}
	if len(corpus) == 0 {
		return m
	}

	nd := make(map[string]int)
	total := 0
	for i, doc := range corpus {
		m.DocLens[i] = len(doc)
		total += len(doc)
		freqs := make(map[string]int, len(doc))
		for _, term := range doc {
			freqs[term]++
		}
		m.DocFreqs[i] = freqs
		for term := range freqs {
			nd[term]++
		}
	}
	m.AvgDL = float64(total) / float64(len(corpus))

	n := float64(len(corpus))
	idfSum := 0.0
	var negative []string
	for term, freq := range nd {
		idf := math.Log(n-float64(freq)+0.5) - math.Log(float64(freq)+0.5)
		m.IDF[term] = idf
		idfSum += idf
		if idf < 0 {
			negative = append(negative, term)
		}
	}
	eps := p.Epsilon * idfSum / float64(len(m.IDF))
	for _, term := range negative {
		m.IDF[term] = eps
	}
	return m
}

// Scores returns one score per corpus document, in corpus order.
func (m *Model) Scores(query []string) []float64 {
	scores := make([]float64, len(m.DocLens))
	if m.AvgDL == 0 {
		return scores
	}
	k1, b := m.Params.K1, m.Params.B
	for _, q := range query {
		idf, ok := m.IDF[q]
		if !ok {
			continue
		}
		for i, freqs := range m.DocFreqs {
			tf := float64(freqs[q])
			if tf == 0 {
				continue
			}
			norm := 1 - b + b*float64(m.DocLens[i])/m.AvgDL
			scores[i] += idf * (tf * (k1 + 1) / (tf + k1*norm))
		}
	}
	return scores
}

// Matches reports whether document i contains at least one query term. Okapi idf
// can be zero or floored below zero on small corpora, so score alone does not tell.
func (m *Model) Matches(i int, query []string) bool {
	if i < 0 || i >= len(m.DocFreqs) {
		return false
	}
	for _, q := range query {
		if m.DocFreqs[i][q] > 0 {
			return true
		}
	}
	return false
}
