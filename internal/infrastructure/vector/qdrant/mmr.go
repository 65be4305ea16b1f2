package qdrant

import "math"

// selectMMR returns indexes of up to k candidates chosen by maximal marginal relevance.
// lambda=1 ranks purely by query similarity, lambda=0 purely by diversity.
func selectMMR(query []float32, candidates [][]float32, k int, lambda float64) []int {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}
	if k > len(candidates) {
		k = len(candidates)
	}

	querySim := make([]float64, len(candidates))
	for i, c := range candidates {
		querySim[i] = cosine(query, c)
	}

	selected := make([]int, 0, k)
	used := make([]bool, len(candidates))
	// maxSim[i] tracks the highest similarity of candidate i to anything already selected.
	maxSim := make([]float64, len(candidates))
	for i := range maxSim {
		maxSim[i] = math.Inf(-1)
	}

	for len(selected) < k {
		best := -1
		bestScore := math.Inf(-1)
		for i := range candidates {
			if used[i] {
				continue
			}
			redundancy := maxSim[i]
			if len(selected) == 0 {
				redundancy = 0
			}
			score := lambda*querySim[i] - (1-lambda)*redundancy
			if score > bestScore {
				best, bestScore = i, score
			}
		}
		if best < 0 {
			break
		}
		used[best] = true
		selected = append(selected, best)
		for i := range candidates {
			if used[i] {
				continue
			}
			if s := cosine(candidates[i], candidates[best]); s > maxSim[i] {
				maxSim[i] = s
			}
		}
	}
	return selected
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
