package chunking

import (
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

// DefaultSeparators prefers markdown section headers, then paragraphs, lines, sentences, words, runes.
var DefaultSeparators = []string{"\n## ", "\n### ", "\n#### ", "\n\n", "\n", ". ", " ", ""}

// Splitter is a recursive character splitter. Window sizes are measured in runes.
type Splitter struct {
	ChunkSize  int
	Overlap    int
	Separators []string
}

func NewSplitter(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Splitter{
		ChunkSize:  chunkSize,
		Overlap:    overlap,
		Separators: DefaultSeparators,
	}
}

// Split returns chunks with monotonic ChunkID and the nearest preceding markdown header as title.
func (s *Splitter) Split(text string) []domain.Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	pieces := s.splitText(text, s.Separators)
	sections := scanSections(text)

	out := make([]domain.Chunk, 0, len(pieces))
	cursor := 0
	for _, piece := range pieces {
		pos := strings.Index(text[cursor:], piece)
		if pos >= 0 {
			pos += cursor
			cursor = pos
		} else {
			pos = cursor
		}
		num, title := sections.at(pos)
		out = append(out, domain.Chunk{
			ChunkID:    len(out),
			SectionNum: num,
			Title:      title,
			Text:       piece,
		})
	}
	return out
}

func (s *Splitter) splitText(text string, separators []string) []string {
	sep := ""
	var rest []string
	for i, candidate := range separators {
		if candidate == "" || strings.Contains(text, candidate) {
			sep = candidate
			rest = separators[i+1:]
			break
		}
	}

	splits := splitKeepSeparator(text, sep)
	var final, good []string
	for _, piece := range splits {
		if runeLen(piece) < s.ChunkSize {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			final = append(final, s.merge(good)...)
			good = nil
		}
		if len(rest) == 0 {
			final = append(final, strings.TrimSpace(piece))
			continue
		}
		final = append(final, s.splitText(piece, rest)...)
	}
	if len(good) > 0 {
		final = append(final, s.merge(good)...)
	}
	return final
}

// merge greedily packs splits into windows of at most ChunkSize, carrying up to Overlap runes forward.
func (s *Splitter) merge(splits []string) []string {
	var docs, current []string
	total := 0
	for _, piece := range splits {
		n := runeLen(piece)
		if total+n > s.ChunkSize && len(current) > 0 {
			if doc := strings.TrimSpace(strings.Join(current, "")); doc != "" {
				docs = append(docs, doc)
			}
			for total > s.Overlap || (total+n > s.ChunkSize && total > 0) {
				total -= runeLen(current[0])
				current = current[1:]
			}
		}
		current = append(current, piece)
		total += n
	}
	if doc := strings.TrimSpace(strings.Join(current, "")); doc != "" {
		docs = append(docs, doc)
	}
	return docs
}

// splitKeepSeparator splits on sep and attaches each separator to the start of the following piece.
func splitKeepSeparator(text, sep string) []string {
	if sep == "" {
		out := make([]string, 0, utf8.RuneCountInString(text))
		for _, r := range text {
			out = append(out, string(r))
		}
		return out
	}
	parts := strings.Split(text, sep)
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		if i > 0 {
			p = sep + p
		}
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

type sectionMark struct {
	offset int
	title  string
}

type sectionIndex []sectionMark

func scanSections(text string) sectionIndex {
	var out sectionIndex
	offset := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			title := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			if title != "" {
				out = append(out, sectionMark{offset: offset, title: title})
			}
		}
		offset += len(line)
	}
	return out
}

// at returns the 1-based number and title of the section containing byte offset pos, or 0 before the first header.
func (idx sectionIndex) at(pos int) (int, string) {
	num, title := 0, ""
	for i, m := range idx {
		if m.offset > pos {
			break
		}
		num, title = i+1, m.title
	}
	return num, title
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
