package converter

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

// Local converts formats that need no external service: plain text, markdown, PDF and XLSX.
type Local struct{}

func NewLocal() *Local {
	return &Local{}
}

func (Local) Supports(mimeType string) bool {
	switch mimeType {
	case domain.MimeText, domain.MimeMarkdown, domain.MimePDF, domain.MimeXLSX:
		return true
	default:
		return false
	}
}

func (l Local) Convert(ctx context.Context, raw []byte, mimeType string) (string, error) {
	var parse func([]byte) (string, error)
	switch mimeType {
	case domain.MimeText, domain.MimeMarkdown:
		parse = convertText
	case domain.MimePDF:
		parse = convertPDF
	case domain.MimeXLSX:
		parse = convertXLSX
	default:
		return "", domain.WrapError(domain.ErrInvalidInput, "convert", fmt.Errorf("unsupported mime type %q", mimeType))
	}
	return parseWithContext(ctx, func() (string, error) { return parse(raw) })
}

// parseWithContext returns when ctx is done even if parse is still running.
// The abandoned parse finishes in the background and its result is dropped.
func parseWithContext(ctx context.Context, parse func() (string, error)) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := parse()
		done <- result{text: text, err: err}
	}()
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("local convert: %w", ctx.Err())
	case r := <-done:
		return r.text, r.err
	}
}

func convertText(raw []byte) (string, error) {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(raw) {
		return "", domain.WrapError(domain.ErrInvalidInput, "convert text", fmt.Errorf("content is not valid utf-8"))
	}
	return strings.TrimSpace(string(raw)), nil
}

func convertPDF(raw []byte) (text string, err error) {
	// The pdf reader panics on some malformed xref tables.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", domain.WrapError(domain.ErrInvalidInput, "convert pdf", fmt.Errorf("malformed pdf: %v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "convert pdf", err)
	}

	pages := make([]string, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return "", domain.WrapError(domain.ErrInvalidInput, "convert pdf", fmt.Errorf("page %d: %w", i, err))
		}
		if content = strings.TrimSpace(content); content != "" {
			pages = append(pages, content)
		}
	}
	return strings.Join(pages, "\n\n"), nil
}

// convertXLSX renders each non-empty sheet as a markdown section with a table. The first row is the header.
func convertXLSX(raw []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "convert xlsx", err)
	}
	defer f.Close()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", domain.WrapError(domain.ErrInvalidInput, "convert xlsx", fmt.Errorf("sheet %q: %w", sheet, err))
		}
		rows = dropEmptyRows(rows)
		if len(rows) == 0 {
			continue
		}

		width := 0
		for _, row := range rows {
			if len(row) > width {
				width = len(row)
			}
		}

		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("## ")
		b.WriteString(sheet)
		b.WriteString("\n\n")
		writeRow(&b, rows[0], width)
		b.WriteString("|")
		for i := 0; i < width; i++ {
			b.WriteString(" --- |")
		}
		b.WriteString("\n")
		for _, row := range rows[1:] {
			writeRow(&b, row, width)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

func writeRow(b *strings.Builder, row []string, width int) {
	b.WriteString("|")
	for i := 0; i < width; i++ {
		cell := ""
		if i < len(row) {
			cell = strings.ReplaceAll(strings.TrimSpace(row[i]), "|", `\|`)
			cell = strings.ReplaceAll(cell, "\n", " ")
		}
		b.WriteString(" ")
		b.WriteString(cell)
		b.WriteString(" |")
	}
	b.WriteString("\n")
}

func dropEmptyRows(rows [][]string) [][]string {
	out := rows[:0]
	for _, row := range rows {
		for _, cell := range row {
			if strings.TrimSpace(cell) != "" {
				out = append(out, row)
				break
			}
		}
	}
	return out
}
