package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

const pgUniqueViolation = "23505"

type DocumentRepository struct {
	db *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *DocumentRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101901)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	category_id TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL,
	filename TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	file_size BIGINT NOT NULL DEFAULT 0,
	source_type TEXT NOT NULL,
	source_ref TEXT NOT NULL DEFAULT '',
	tags JSONB NOT NULL DEFAULT '[]'::jsonb,
	tag_values JSONB NOT NULL DEFAULT '{}'::jsonb,
	hash_key TEXT NOT NULL DEFAULT '',
	raw_content_id TEXT NOT NULL DEFAULT '',
	markdown_id TEXT NOT NULL DEFAULT '',
	current_stage TEXT NOT NULL,
	status_history JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_documents_org_hash_complete
	ON documents(organization_id, hash_key)
	WHERE current_stage = 'PROCESSING_COMPLETE';
CREATE INDEX IF NOT EXISTS idx_documents_stage ON documents(current_stage);
CREATE INDEX IF NOT EXISTS idx_documents_created_at ON documents(created_at DESC);

CREATE TABLE IF NOT EXISTS user_scopes (
	user_id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	temperature DOUBLE PRECISION NOT NULL DEFAULT 0.7
);

CREATE TABLE IF NOT EXISTS drive_credentials (
	user_id TEXT PRIMARY KEY,
	access_token TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

const documentColumns = `id, organization_id, category_id, category, user_id, filename, mime_type, file_size,
	source_type, source_ref, tags, tag_values, hash_key, raw_content_id, markdown_id,
	current_stage, status_history, created_at, updated_at`

func (r *DocumentRepository) Create(ctx context.Context, doc *domain.Document) error {
	tagsJSON, err := json.Marshal(nonNilTags(doc.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	tagValuesJSON, err := json.Marshal(nonNilValues(doc.TagValues))
	if err != nil {
		return fmt.Errorf("marshal tag values: %w", err)
	}
	history := doc.StatusHistory
	if history == nil {
		history = []domain.StatusEntry{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("marshal status history: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO documents (`+documentColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
`,
		doc.ID, doc.OrganizationID, doc.CategoryID, doc.Category, doc.UserID, doc.Filename, doc.MimeType, doc.FileSize,
		string(doc.SourceType), doc.SourceRef, tagsJSON, tagValuesJSON, doc.HashKey, doc.RawContentID, doc.MarkdownID,
		string(doc.CurrentStage), historyJSON, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return mapWriteError("insert document", err)
	}
	return nil
}

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+documentColumns+`
FROM documents
WHERE id = $1
`, id)

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return doc, nil
}

func (r *DocumentRepository) FindCompletedByHash(ctx context.Context, organizationID, hash string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+documentColumns+`
FROM documents
WHERE organization_id = $1 AND hash_key = $2 AND current_stage = $3
LIMIT 1
`, organizationID, hash, string(domain.StageComplete))

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "find completed by hash", fmt.Errorf("org=%s hash=%s", organizationID, hash))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return doc, nil
}

func (r *DocumentRepository) SetContent(ctx context.Context, id, hash, rawContentID string, size int64) error {
	return r.update(ctx, "set content", `
UPDATE documents
SET hash_key = $2, raw_content_id = $3, file_size = $4, updated_at = $5
WHERE id = $1
`, id, hash, rawContentID, size, time.Now().UTC())
}

func (r *DocumentRepository) SetMarkdown(ctx context.Context, id, markdownID string) error {
	return r.update(ctx, "set markdown", `
UPDATE documents
SET markdown_id = $2, updated_at = $3
WHERE id = $1
`, id, markdownID, time.Now().UTC())
}

func (r *DocumentRepository) SetTagValues(ctx context.Context, id string, values map[string]string) error {
	valuesJSON, err := json.Marshal(nonNilValues(values))
	if err != nil {
		return fmt.Errorf("marshal tag values: %w", err)
	}
	return r.update(ctx, "set tag values", `
UPDATE documents
SET tag_values = $2, updated_at = $3
WHERE id = $1
`, id, valuesJSON, time.Now().UTC())
}

// Transition is a compare-and-set on current_stage. The history append happens in the same
// statement, so concurrent writers never lose entries.
func (r *DocumentRepository) Transition(ctx context.Context, id string, from domain.Stage, entry domain.StatusEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entryJSON, err := json.Marshal([]domain.StatusEntry{entry})
	if err != nil {
		return fmt.Errorf("marshal status entry: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
UPDATE documents
SET current_stage = $3, status_history = status_history || $4::jsonb, updated_at = $5
WHERE id = $1 AND current_stage = $2
`, id, string(from), string(entry.Stage), entryJSON, entry.Timestamp)
	if err != nil {
		return mapWriteError("transition document", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var current string
	err = r.db.QueryRowContext(ctx, `SELECT current_stage FROM documents WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WrapError(domain.ErrDocumentNotFound, "transition document", fmt.Errorf("id=%s", id))
	}
	if err != nil {
		return fmt.Errorf("read current stage: %w", err)
	}
	return domain.WrapError(domain.ErrStageConflict, "transition document",
		fmt.Errorf("id=%s expected=%s actual=%s", id, from, current))
}

func (r *DocumentRepository) update(ctx context.Context, operation, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapWriteError(operation, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", operation, err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrDocumentNotFound, operation, fmt.Errorf("id=%v", args[0]))
	}
	return nil
}

// mapWriteError turns a hit on the completed-hash unique index into ErrDuplicate.
func mapWriteError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return domain.WrapError(domain.ErrDuplicate, operation, err)
	}
	return fmt.Errorf("%s: %w", operation, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*domain.Document, error) {
	var doc domain.Document
	var sourceType, stage string
	var tagsRaw, valuesRaw, historyRaw []byte

	err := row.Scan(
		&doc.ID, &doc.OrganizationID, &doc.CategoryID, &doc.Category, &doc.UserID, &doc.Filename, &doc.MimeType, &doc.FileSize,
		&sourceType, &doc.SourceRef, &tagsRaw, &valuesRaw, &doc.HashKey, &doc.RawContentID, &doc.MarkdownID,
		&stage, &historyRaw, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(tagsRaw, &doc.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if err := unmarshalIfPresent(valuesRaw, &doc.TagValues); err != nil {
		return nil, fmt.Errorf("unmarshal tag values: %w", err)
	}
	if err := unmarshalIfPresent(historyRaw, &doc.StatusHistory); err != nil {
		return nil, fmt.Errorf("unmarshal status history: %w", err)
	}
	current, err := domain.ParseStage(stage)
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", doc.ID, err)
	}
	doc.SourceType = domain.SourceType(sourceType)
	doc.CurrentStage = current
	return &doc, nil
}

func unmarshalIfPresent(raw []byte, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func nonNilValues(values map[string]string) map[string]string {
	if values == nil {
		return map[string]string{}
	}
	return values
}
