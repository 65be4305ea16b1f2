package usecase

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

func buildZip(t *testing.T, files map[string]string, order ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip Create() error = %v", err)
		}
		if _, err := w.Write([]byte(files[name])); err != nil {
			t.Fatalf("zip Write() error = %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip Close() error = %v", err)
	}
	return buf.Bytes()
}

func TestUploadRunsToCompletion(t *testing.T) {
	p := newPipeline()
	ctx := context.Background()

	doc, err := p.ingest.Upload(ctx, localUpload("a.txt", "alpha contract terms\n\nsecond paragraph"))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if doc.CurrentStage != domain.StageJobQueued {
		t.Fatalf("expected JOB_QUEUED after upload, got %s", doc.CurrentStage)
	}
	if errs := p.drain(ctx, ports.Delivery{Attempt: 1}); len(errs) > 0 {
		t.Fatalf("drain errors = %v", errs)
	}

	if got, want := p.repo.stages(doc.ID), domain.PipelineStages(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected history\n got %v\nwant %v", got, want)
	}
	stored, _ := p.repo.GetByID(ctx, doc.ID)
	if stored.HashKey != HashContent([]byte("alpha contract terms\n\nsecond paragraph")) || stored.MarkdownID != "markdown/"+doc.ID+".md" {
		t.Fatalf("unexpected stored document %+v", stored)
	}
	chunks := p.vectors.points[doc.ID]
	if len(chunks) != 2 || chunks[0].Category != "legal" || chunks[0].Source != "a.txt" || chunks[0].DocumentID != doc.ID {
		t.Fatalf("unexpected indexed chunks %+v", chunks)
	}
	if len(p.keywords.built[doc.ID]) != 1 {
		t.Fatalf("expected keyword index for %s", doc.ID)
	}
	if len(p.notifier.events) != len(domain.PipelineStages()) {
		t.Fatalf("expected one notification per stage, got %d", len(p.notifier.events))
	}
}

func TestUploadDuplicateArchiveScenario(t *testing.T) {
	p := newPipeline()
	ctx := context.Background()

	a, err := p.ingest.Upload(ctx, localUpload("a.txt", "alpha body"))
	if err != nil {
		t.Fatalf("Upload(A) error = %v", err)
	}
	p.drain(ctx, ports.Delivery{Attempt: 1})

	dup, err := p.ingest.Upload(ctx, localUpload("a-copy.txt", "alpha body"))
	if err != nil {
		t.Fatalf("Upload(duplicate) error = %v", err)
	}
	if dup.CurrentStage != domain.StageDuplicateRejected {
		t.Fatalf("expected DUPLICATE_REJECTED, got %s", dup.CurrentStage)
	}
	if _, queued := p.queue.pop(); queued {
		t.Fatalf("duplicate must not be queued")
	}

	archive := buildZip(t, map[string]string{
		"docs/b.txt":            "bravo body",
		"docs/c.txt":            "CORRUPT charlie",
		"__MACOSX/docs/._b.txt": "junk",
		"docs/.hidden.txt":      "hidden",
	}, "docs/b.txt", "docs/c.txt", "__MACOSX/docs/._b.txt", "docs/.hidden.txt")
	req := localUpload("batch.zip", "")
	req.Data = archive
	result, err := p.ingest.UploadArchive(ctx, req)
	if err != nil {
		t.Fatalf("UploadArchive() error = %v", err)
	}
	if len(result.Members) != 2 || result.Failed() != 0 {
		t.Fatalf("unexpected archive result %+v", result)
	}
	if result.Members[0].Name != "b.txt" || result.Members[1].Name != "c.txt" {
		t.Fatalf("expected base names in order, got %+v", result.Members)
	}

	errs := p.drain(ctx, ports.Delivery{Attempt: 1})
	if len(errs) != 1 || !domain.IsKind(errs[0], domain.ErrInvalidInput) {
		t.Fatalf("expected one conversion failure, got %v", errs)
	}

	b, _ := p.repo.GetByID(ctx, result.Members[0].Document.ID)
	c, _ := p.repo.GetByID(ctx, result.Members[1].Document.ID)
	if b.CurrentStage != domain.StageComplete {
		t.Fatalf("expected B complete, got %s", b.CurrentStage)
	}
	if c.CurrentStage != domain.StageErrorProcessing || !strings.HasPrefix(c.LastError(), "MD_CONVERSION: ") {
		t.Fatalf("expected C in ERROR_PROCESSING with message, got %s %q", c.CurrentStage, c.LastError())
	}
	stored, _ := p.repo.GetByID(ctx, a.ID)
	if stored.CurrentStage != domain.StageComplete {
		t.Fatalf("expected A to stay complete, got %s", stored.CurrentStage)
	}
}

func TestUploadValidationCreatesNoRecord(t *testing.T) {
	big := make([]byte, DefaultMaxFileSize+1)
	tests := []struct {
		name string
		mod  func(*domain.UploadRequest)
	}{
		{"missing user", func(r *domain.UploadRequest) { r.UserID = " " }},
		{"missing organization", func(r *domain.UploadRequest) { r.OrganizationID = "" }},
		{"extension not allowed", func(r *domain.UploadRequest) { r.Filename = "run.exe" }},
		{"empty file", func(r *domain.UploadRequest) { r.Data = nil }},
		{"too large", func(r *domain.UploadRequest) { r.Data = big }},
		{"archive via single upload", func(r *domain.UploadRequest) { r.Filename = "x.zip" }},
		{"unknown source", func(r *domain.UploadRequest) { r.SourceType = "FTP" }},
		{"drive without ref", func(r *domain.UploadRequest) {
			r.SourceType = domain.SourceGoogleDrive
			r.Data = nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline()
			req := localUpload("a.pdf", "%PDF")
			tt.mod(&req)
			_, err := p.ingest.Upload(context.Background(), req)
			if !domain.IsKind(err, domain.ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
			if len(p.repo.docs) != 0 {
				t.Fatalf("expected no record, got %d", len(p.repo.docs))
			}
		})
	}
}

func TestUploadRecordsQueueFailure(t *testing.T) {
	p := newPipeline()
	p.queue.err = errors.New("nats down")

	doc, err := p.ingest.Upload(context.Background(), localUpload("a.md", "# title"))
	if err == nil {
		t.Fatalf("expected error")
	}
	stored, _ := p.repo.GetByID(context.Background(), doc.ID)
	if stored.CurrentStage != domain.StageErrorProcessing || !strings.Contains(stored.LastError(), "nats down") {
		t.Fatalf("expected recorded failure, got %s %q", stored.CurrentStage, stored.LastError())
	}
}

func TestUploadArchiveLimits(t *testing.T) {
	p := newPipeline()
	p.ingest.cfg.MaxFilesPerArchive = 1

	req := localUpload("batch.zip", "")
	req.Data = buildZip(t, map[string]string{"a.txt": "a", "b.txt": "b"}, "a.txt", "b.txt")
	if _, err := p.ingest.UploadArchive(context.Background(), req); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected member limit error, got %v", err)
	}

	req.Data = []byte("not a zip")
	if _, err := p.ingest.UploadArchive(context.Background(), req); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected bad zip error, got %v", err)
	}
	if len(p.repo.docs) != 0 {
		t.Fatalf("expected no records, got %d", len(p.repo.docs))
	}
}

func TestUploadArchiveReportsMemberErrors(t *testing.T) {
	p := newPipeline()
	req := localUpload("batch.zip", "")
	req.Data = buildZip(t, map[string]string{"ok.txt": "fine", "bad.exe": "MZ"}, "ok.txt", "bad.exe")

	result, err := p.ingest.UploadArchive(context.Background(), req)
	if err != nil {
		t.Fatalf("UploadArchive() error = %v", err)
	}
	if result.Failed() != 1 || result.Members[1].Error == "" || result.Members[0].Document == nil {
		t.Fatalf("unexpected archive result %+v", result)
	}
}

func TestDriveUploadIsFetchedByRawWorker(t *testing.T) {
	p := newPipeline()
	p.fetcher.data = []byte("drive text")
	ctx := context.Background()

	req := domain.UploadRequest{
		UserID: "user-1", OrganizationID: "org-1", Category: "hr",
		Filename: "policy.txt", SourceType: domain.SourceGoogleDrive, SourceRef: "file-1",
	}
	doc, err := p.ingest.Upload(ctx, req)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if doc.CurrentStage != domain.StageUploadInitiated {
		t.Fatalf("expected drive upload to wait for raw worker, got %s", doc.CurrentStage)
	}
	if errs := p.drain(ctx, ports.Delivery{Attempt: 1}); len(errs) > 0 {
		t.Fatalf("drain errors = %v", errs)
	}
	stored, _ := p.repo.GetByID(ctx, doc.ID)
	if stored.CurrentStage != domain.StageComplete || stored.FileSize != int64(len("drive text")) {
		t.Fatalf("unexpected drive document %+v", stored)
	}
}

func TestDriveArchiveMembersUseTheirOwnBytes(t *testing.T) {
	p := newPipeline()
	p.fetcher.err = errors.New("archive members must not be fetched")
	ctx := context.Background()

	req := domain.UploadRequest{
		UserID: "user-1", OrganizationID: "org-1", Category: "hr",
		Filename: "batch.zip", SourceType: domain.SourceGoogleDrive, SourceRef: "zip-file-1",
		Data: buildZip(t, map[string]string{"b.txt": "bravo body", "c.txt": "charlie body"}, "b.txt", "c.txt"),
	}
	result, err := p.ingest.UploadArchive(ctx, req)
	if err != nil {
		t.Fatalf("UploadArchive() error = %v", err)
	}
	if result.Failed() != 0 {
		t.Fatalf("unexpected archive result %+v", result)
	}
	if errs := p.drain(ctx, ports.Delivery{Attempt: 1}); len(errs) > 0 {
		t.Fatalf("drain errors = %v", errs)
	}

	for i, body := range []string{"bravo body", "charlie body"} {
		stored, _ := p.repo.GetByID(ctx, result.Members[i].Document.ID)
		if stored.CurrentStage != domain.StageComplete {
			t.Fatalf("member %s: expected COMPLETE, got %s", result.Members[i].Name, stored.CurrentStage)
		}
		if stored.SourceType != domain.SourceGoogleDrive || stored.HashKey != HashContent([]byte(body)) {
			t.Fatalf("member %s: unexpected record %+v", result.Members[i].Name, stored)
		}
		raw, err := p.content.Get(ctx, stored.RawContentID)
		if err != nil || string(raw) != body {
			t.Fatalf("member %s: raw content = %q, %v", result.Members[i].Name, raw, err)
		}
	}
}

func TestDriveAccessFailureIsTerminal(t *testing.T) {
	p := newPipeline()
	p.fetcher.err = domain.WrapError(domain.ErrSourceAccess, "drive fetch", errors.New("403"))
	ctx := context.Background()

	doc, err := p.ingest.Upload(ctx, domain.UploadRequest{
		UserID: "user-1", OrganizationID: "org-1",
		Filename: "x.pdf", SourceType: domain.SourceGoogleDrive, SourceRef: "file-1",
	})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	p.drain(ctx, ports.Delivery{Attempt: 1})

	stored, _ := p.repo.GetByID(ctx, doc.ID)
	if stored.CurrentStage != domain.StageSourceAccessError {
		t.Fatalf("expected SOURCE_ACCESS_ERROR, got %s", stored.CurrentStage)
	}
}

func TestUploadAppliesDefaultTags(t *testing.T) {
	p := newPipeline()
	p.ingest = NewIngestDocumentUseCase(p.repo, p.content, p.queue, p.notifier, IngestConfig{
		DefaultTags: []string{"party", "term"},
	}, discardLogger())
	ctx := context.Background()

	doc, err := p.ingest.Upload(ctx, localUpload("a.txt", "alpha"))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if !reflect.DeepEqual(doc.Tags, []string{"party", "term"}) {
		t.Fatalf("expected default tags, got %v", doc.Tags)
	}

	req := localUpload("b.txt", "beta")
	req.Tags = []string{"amount"}
	doc, err = p.ingest.Upload(ctx, req)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if !reflect.DeepEqual(doc.Tags, []string{"amount"}) {
		t.Fatalf("expected request tags to win, got %v", doc.Tags)
	}
}
