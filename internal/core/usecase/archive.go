package usecase

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

type archiveMember struct {
	name string
	file *zip.File
}

// UploadArchive fans the archive members out to Upload on a bounded pool.
// Each member is its own document; one member failing never stops the others.
func (uc *IngestDocumentUseCase) UploadArchive(ctx context.Context, req domain.UploadRequest) (*domain.ArchiveResult, error) {
	if !domain.IsArchive(req.Filename) {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload archive", fmt.Errorf("not a zip archive: %s", req.Filename))
	}
	reader, err := zip.NewReader(bytes.NewReader(req.Data), int64(len(req.Data)))
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload archive", fmt.Errorf("read zip: %w", err))
	}

	members := archiveMembers(reader)
	if len(members) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload archive", fmt.Errorf("archive %s has no files", req.Filename))
	}
	if len(members) > uc.cfg.MaxFilesPerArchive {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload archive",
			fmt.Errorf("archive has %d files, limit is %d", len(members), uc.cfg.MaxFilesPerArchive))
	}

	result := &domain.ArchiveResult{
		Archive: path.Base(req.Filename),
		Members: make([]domain.MemberResult, len(members)),
	}

	var g errgroup.Group
	g.SetLimit(uc.cfg.ArchiveWorkers)
	for i, m := range members {
		g.Go(func() error {
			result.Members[i] = uc.uploadMember(ctx, req, m)
			return nil
		})
	}
	_ = g.Wait()

	uc.logger.Info("archive_processed", "archive", result.Archive, "members", len(members), "failed", result.Failed())
	return result, nil
}

func (uc *IngestDocumentUseCase) uploadMember(ctx context.Context, parent domain.UploadRequest, m archiveMember) domain.MemberResult {
	out := domain.MemberResult{Name: m.name}
	if err := ctx.Err(); err != nil {
		out.Error = err.Error()
		return out
	}
	if m.file.UncompressedSize64 > uint64(uc.cfg.MaxFileSize) {
		out.Error = fmt.Sprintf("file exceeds %d bytes", uc.cfg.MaxFileSize)
		return out
	}

	data, err := readMember(m.file, uc.cfg.MaxFileSize)
	if err != nil {
		out.Error = err.Error()
		return out
	}

	member := parent
	member.Filename = m.name
	member.MimeType = ""
	member.Data = data
	doc, err := uc.Upload(ctx, member)
	out.Document = doc
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// readMember never trusts the size in the zip header.
func readMember(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open member: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read member: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("file exceeds %d bytes", limit)
	}
	return data, nil
}

// archiveMembers lists regular files, skipping directories, macOS metadata and dot-files.
// Names are reduced to their base name.
func archiveMembers(r *zip.Reader) []archiveMember {
	out := make([]archiveMember, 0, len(r.File))
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := strings.ReplaceAll(f.Name, `\`, "/")
		if strings.HasPrefix(name, "__MACOSX/") || strings.Contains(name, "/__MACOSX/") {
			continue
		}
		base := path.Base(name)
		if base == "" || base == "." || strings.HasPrefix(base, ".") {
			continue
		}
		out = append(out, archiveMember{name: base, file: f})
	}
	return out
}
