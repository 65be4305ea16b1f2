package domain

import (
	"path/filepath"
	"strings"
)

// UploadRequest carries one file (or one archive) into the pipeline.
// Data is empty for Drive-sourced documents; the bytes are fetched by the raw worker.
type UploadRequest struct {
	UserID         string
	OrganizationID string
	CategoryID     string
	Category       string
	Filename       string
	MimeType       string
	SourceType     SourceType
	SourceRef      string
	Tags           []string
	Data           []byte
}

type MemberResult struct {
	Name     string    `json:"name"`
	Document *Document `json:"document,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// ArchiveResult reports each archive member separately; one failure never hides the rest.
type ArchiveResult struct {
	Archive string         `json:"archive"`
	Members []MemberResult `json:"members"`
}

func (r *ArchiveResult) Failed() int {
	n := 0
	for _, m := range r.Members {
		if m.Error != "" {
			n++
		}
	}
	return n
}

const (
	MimePDF      = "application/pdf"
	MimeDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimePPTX     = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	MimeXLSX     = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MimeText     = "text/plain"
	MimeMarkdown = "text/markdown"
	MimeZIP      = "application/zip"
)

var extensionMime = map[string]string{
	".pdf":  MimePDF,
	".docx": MimeDOCX,
	".pptx": MimePPTX,
	".xlsx": MimeXLSX,
	".txt":  MimeText,
	".md":   MimeMarkdown,
	".zip":  MimeZIP,
}

// MimeTypeFor maps an allowed file extension to its mime type. ok is false for anything else.
func MimeTypeFor(filename string) (mime string, ok bool) {
	mime, ok = extensionMime[strings.ToLower(filepath.Ext(filename))]
	return mime, ok
}

func IsArchive(filename string) bool {
	return strings.EqualFold(filepath.Ext(filename), ".zip")
}
