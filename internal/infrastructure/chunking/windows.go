package chunking

import (
	"regexp"
	"strings"
)

var sentencePattern = regexp.MustCompile(`[^.!?\n]+(?:[.!?]+|\n|$)`)

// WordWindows groups sentences into windows of roughly Size words,
// carrying trailing sentences of up to Overlap words into the next window.
type WordWindows struct {
	Size    int
	Overlap int
}

func NewWordWindows(size, overlap int) *WordWindows {
	if size <= 0 {
		size = 50
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}
	return &WordWindows{Size: size, Overlap: overlap}
}

func (w *WordWindows) Windows(text string) []string {
	var out []string
	var current [][]string
	count, fresh := 0, 0

	emit := func() {
		parts := make([]string, 0, len(current))
		for _, s := range current {
			parts = append(parts, strings.Join(s, " "))
		}
		out = append(out, strings.Join(parts, " "))

		kept, start := 0, len(current)
		for start > 0 && kept+len(current[start-1]) <= w.Overlap {
			start--
			kept += len(current[start])
		}
		current = append([][]string(nil), current[start:]...)
		count, fresh = kept, 0
	}

	for _, words := range splitSentences(text) {
		if len(words) > w.Size {
			if fresh > 0 {
				emit()
			}
			// hard cut for run-on sentences
			for len(words) > w.Size {
				out = append(out, strings.Join(words[:w.Size], " "))
				words = words[w.Size-w.Overlap:]
			}
			current, count, fresh = nil, 0, 0
		}
		if count+len(words) > w.Size && fresh > 0 {
			emit()
		}
		current = append(current, words)
		count += len(words)
		fresh += len(words)
	}
	if fresh > 0 {
		emit()
	}
	return out
}

func splitSentences(text string) [][]string {
	matches := sentencePattern.FindAllString(text, -1)
	out := make([][]string, 0, len(matches))
	for _, m := range matches {
		words := strings.Fields(m)
		if len(words) > 0 {
			out = append(out, words)
		}
	}
	return out
}
