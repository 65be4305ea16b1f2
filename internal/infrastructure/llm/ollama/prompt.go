package ollama

import "strings"

func buildTagPrompt(text string, tags []string) string {
	const maxSnippet = 4000
	snippet := text
	if len(snippet) > maxSnippet {
		snippet = snippet[:maxSnippet]
	}

	return `You extract metadata from documents.
Return a strict JSON object with exactly these keys: ` + strings.Join(tags, ", ") + `.
Each value is a short string found in the document, or null when absent.
No markdown, no extra keys.

Document:
` + snippet
}
