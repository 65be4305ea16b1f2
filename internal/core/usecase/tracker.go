package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

// StageObserver is told about every recorded stage change.
type StageObserver interface {
	StageTransition(stage string)
}

// stageTracker owns every write to a document's stage and history, and the notification after it.
type stageTracker struct {
	repo     ports.DocumentRepository
	notifier ports.Notifier
	observer StageObserver
	logger   *slog.Logger
	now      func() time.Time
}

func newStageTracker(repo ports.DocumentRepository, notifier ports.Notifier, observer StageObserver, logger *slog.Logger) *stageTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &stageTracker{
		repo:     repo,
		notifier: notifier,
		observer: observer,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// advance moves doc forward to target. It is a no-op when doc already reached target.
func (t *stageTracker) advance(ctx context.Context, doc *domain.Document, target domain.Stage) error {
	if doc.CurrentStage.Reached(target) {
		return nil
	}
	if !domain.CanAdvance(doc.CurrentStage, target) {
		return domain.WrapError(domain.ErrStageConflict, "advance stage",
			fmt.Errorf("doc=%s %s -> %s", doc.ID, doc.CurrentStage, target))
	}
	return t.record(ctx, doc, domain.StatusEntry{Stage: target, Status: domain.EntryCompleted})
}

// exit moves doc to a terminal side exit. Terminal documents are left alone.
func (t *stageTracker) exit(ctx context.Context, doc *domain.Document, exit domain.Stage, status domain.EntryStatus, message string, retryCount int) error {
	if doc.CurrentStage.IsTerminal() {
		return nil
	}
	return t.record(ctx, doc, domain.StatusEntry{
		Stage:        exit,
		Status:       status,
		ErrorMessage: message,
		RetryCount:   retryCount,
	})
}

// retrying appends a failed entry for the current stage without moving the document.
func (t *stageTracker) retrying(ctx context.Context, doc *domain.Document, message string, attempt int) error {
	if doc.CurrentStage.IsTerminal() {
		return nil
	}
	return t.record(ctx, doc, domain.StatusEntry{
		Stage:        doc.CurrentStage,
		Status:       domain.EntryFailed,
		ErrorMessage: message,
		RetryCount:   attempt,
	})
}

func (t *stageTracker) record(ctx context.Context, doc *domain.Document, entry domain.StatusEntry) error {
	entry.Timestamp = t.now()
	if err := t.repo.Transition(ctx, doc.ID, doc.CurrentStage, entry); err != nil {
		return err
	}
	doc.CurrentStage = entry.Stage
	doc.StatusHistory = append(doc.StatusHistory, entry)
	doc.UpdatedAt = entry.Timestamp

	if t.observer != nil {
		t.observer.StageTransition(string(entry.Stage))
	}
	t.logger.Info("stage_transition",
		"doc_id", doc.ID,
		"stage", entry.Stage,
		"status", entry.Status,
		"error_message", entry.ErrorMessage,
	)
	t.notify(ctx, doc)
	return nil
}

// notify is best effort; a lost notification never fails the pipeline.
func (t *stageTracker) notify(ctx context.Context, doc *domain.Document) {
	if t.notifier == nil {
		return
	}
	if err := t.notifier.Notify(ctx, domain.NewDocumentNotification(doc.ID, doc.UserID)); err != nil {
		t.logger.Warn("notify_failed", "doc_id", doc.ID, "error", err)
	}
}
