package usecase

import (
	"fmt"
	"strings"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

// buildContext renders retrieved chunks as one block, one section per chunk.
func buildContext(chunks []domain.RetrievedChunk) string {
	var b strings.Builder
	for i, ch := range chunks {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		fmt.Fprintf(&b, "[%d] source: %s\ncategory: %s\n", i+1, domain.SourceFile(ch.Source), ch.Category)
		switch {
		case ch.Title != "":
			fmt.Fprintf(&b, "section: %s\n", ch.Title)
		case ch.SectionNum > 0:
			fmt.Fprintf(&b, "section: %d\n", ch.SectionNum)
		}
		b.WriteString(strings.TrimSpace(ch.Text))
		b.WriteString("\n")
	}
	return b.String()
}

func buildAnswerPrompt(question string, chunks []domain.RetrievedChunk) string {
	return `You answer questions using only the document excerpts below.
If the excerpts do not contain the answer, say so. Cite sources by file name.

Excerpts:
` + buildContext(chunks) + `
Question: ` + question + `
Answer:`
}
