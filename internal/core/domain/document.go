package domain

import (
	"path/filepath"
	"strings"
	"time"
)

type SourceType string

const (
	SourceGoogleDrive  SourceType = "GOOGLE_DRIVE"
	SourceLocalFile    SourceType = "LOCAL_FILE"
	SourceLocalFolder  SourceType = "LOCAL_FOLDER"
	SourceServerFolder SourceType = "SERVER_FOLDER"
)

func (s SourceType) Valid() bool {
	switch s {
	case SourceGoogleDrive, SourceLocalFile, SourceLocalFolder, SourceServerFolder:
		return true
	default:
		return false
	}
}

type EntryStatus string

const (
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
)

// StatusEntry is one append-only record in a document's status history.
type StatusEntry struct {
	Stage        Stage       `json:"stage"`
	Status       EntryStatus `json:"status"`
	Timestamp    time.Time   `json:"timestamp"`
	ErrorMessage string      `json:"error_message,omitempty"`
	RetryCount   int         `json:"retry_count"`
}

type Document struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	CategoryID     string            `json:"category_id"`
	Category       string            `json:"category"`
	UserID         string            `json:"user_id"`
	Filename       string            `json:"filename"`
	MimeType       string            `json:"mime_type"`
	FileSize       int64             `json:"file_size"`
	SourceType     SourceType        `json:"source_type"`
	SourceRef      string            `json:"source_ref,omitempty"`
	Tags           []string          `json:"tags"`
	TagValues      map[string]string `json:"tag_values,omitempty"`
	HashKey        string            `json:"hash_key,omitempty"`
	RawContentID   string            `json:"raw_content_id,omitempty"`
	MarkdownID     string            `json:"markdown_id,omitempty"`
	CurrentStage   Stage             `json:"current_stage"`
	StatusHistory  []StatusEntry     `json:"status_history"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// LastError returns the error message of the most recent failed entry.
func (d *Document) LastError() string {
	for i := len(d.StatusHistory) - 1; i >= 0; i-- {
		if d.StatusHistory[i].Status == EntryFailed {
			return d.StatusHistory[i].ErrorMessage
		}
	}
	return ""
}

// Chunk is a write-once window of converted text owned by one document.
type Chunk struct {
	DocumentID   string            `json:"doc_id"`
	ChunkID      int               `json:"chunk_id"`
	SectionNum   int               `json:"section_num"`
	Title        string            `json:"title,omitempty"`
	Text         string            `json:"text"`
	Category     string            `json:"category"`
	Source       string            `json:"source"`
	TagsMetadata map[string]string `json:"tags_metadata,omitempty"`
}

// NormalizeCategory lower-cases and trims a category so it can be used as a hard filter.
func NormalizeCategory(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}

// SourceFile is the base name of a chunk source, as shown to callers.
func SourceFile(source string) string {
	if source == "" {
		return ""
	}
	return filepath.Base(source)
}

// JobMessage is the payload carried on every pipeline queue.
type JobMessage struct {
	DocID  string `json:"doc_id"`
	UserID string `json:"user_id"`
}

const EventDocumentNotify = "document_notify"

type NotificationEvent struct {
	EventType string `json:"event_type"`
	DocID     string `json:"doc_id"`
	UserID    string `json:"user_id"`
}

func NewDocumentNotification(docID, userID string) NotificationEvent {
	return NotificationEvent{EventType: EventDocumentNotify, DocID: docID, UserID: userID}
}
