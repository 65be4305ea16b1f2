package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memRepo mimics the Postgres repository: compare-and-set transitions and
// one completed document per (organization, hash).
type memRepo struct {
	mu   sync.Mutex
	docs map[string]*domain.Document
}

func newMemRepo() *memRepo {
	return &memRepo{docs: map[string]*domain.Document{}}
}

func cloneDoc(d *domain.Document) *domain.Document {
	c := *d
	c.StatusHistory = append([]domain.StatusEntry(nil), d.StatusHistory...)
	c.Tags = append([]string(nil), d.Tags...)
	return &c
}

func (r *memRepo) Create(_ context.Context, doc *domain.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[doc.ID] = cloneDoc(doc)
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id string) (*domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
	}
	return cloneDoc(doc), nil
}

func (r *memRepo) FindCompletedByHash(_ context.Context, org, hash string) (*domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, doc := range r.docs {
		if doc.OrganizationID == org && doc.HashKey == hash && doc.CurrentStage == domain.StageComplete {
			return cloneDoc(doc), nil
		}
	}
	return nil, domain.WrapError(domain.ErrDocumentNotFound, "find by hash", fmt.Errorf("hash=%s", hash))
}

func (r *memRepo) SetContent(_ context.Context, id, hash, rawID string, size int64) error {
	return r.mutate(id, func(d *domain.Document) { d.HashKey, d.RawContentID, d.FileSize = hash, rawID, size })
}

func (r *memRepo) SetMarkdown(_ context.Context, id, mdID string) error {
	return r.mutate(id, func(d *domain.Document) { d.MarkdownID = mdID })
}

func (r *memRepo) SetTagValues(_ context.Context, id string, values map[string]string) error {
	return r.mutate(id, func(d *domain.Document) { d.TagValues = values })
}

func (r *memRepo) mutate(id string, fn func(*domain.Document)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "update document", fmt.Errorf("id=%s", id))
	}
	fn(doc)
	return nil
}

func (r *memRepo) Transition(_ context.Context, id string, from domain.Stage, entry domain.StatusEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "transition", fmt.Errorf("id=%s", id))
	}
	if doc.CurrentStage != from {
		return domain.WrapError(domain.ErrStageConflict, "transition", fmt.Errorf("id=%s stored=%s", id, doc.CurrentStage))
	}
	if entry.Stage == domain.StageComplete {
		for _, other := range r.docs {
			if other.ID != id && other.OrganizationID == doc.OrganizationID &&
				other.HashKey == doc.HashKey && other.CurrentStage == domain.StageComplete {
				return domain.WrapError(domain.ErrDuplicate, "transition", errors.New("unique violation"))
			}
		}
	}
	doc.CurrentStage = entry.Stage
	doc.StatusHistory = append(doc.StatusHistory, entry)
	return nil
}

func (r *memRepo) stages(id string) []domain.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Stage
	for _, e := range r.docs[id].StatusHistory {
		out = append(out, e.Stage)
	}
	return out
}

type memContent struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemContent() *memContent {
	return &memContent{blobs: map[string][]byte{}}
}

func (c *memContent) Put(_ context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])
	c.mu.Lock()
	c.blobs[id] = append([]byte(nil), data...)
	c.mu.Unlock()
	return id, nil
}

func (c *memContent) PutNamed(_ context.Context, key string, data []byte) error {
	c.mu.Lock()
	c.blobs[key] = append([]byte(nil), data...)
	c.mu.Unlock()
	return nil
}

func (c *memContent) Get(_ context.Context, id string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.blobs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get content", fmt.Errorf("id=%s", id))
	}
	return data, nil
}

func (c *memContent) Exists(_ context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.blobs[id]
	return ok, nil
}

type published struct {
	queue ports.Queue
	msg   domain.JobMessage
}

type memQueue struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (q *memQueue) Publish(_ context.Context, queue ports.Queue, msg domain.JobMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.msgs = append(q.msgs, published{queue: queue, msg: msg})
	return nil
}

func (q *memQueue) Consume(context.Context, ports.Queue, ports.JobHandler) error {
	return errors.New("not implemented")
}

func (q *memQueue) pop() (published, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		return published{}, false
	}
	m := q.msgs[0]
	q.msgs = q.msgs[1:]
	return m, true
}

type memNotifier struct {
	mu     sync.Mutex
	events []domain.NotificationEvent
}

func (n *memNotifier) Notify(_ context.Context, event domain.NotificationEvent) error {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
	return nil
}

// fakeConverter fails for any payload containing "CORRUPT". With block set it waits for ctx.
type fakeConverter struct {
	err   error
	block bool
}

func (c *fakeConverter) Convert(ctx context.Context, raw []byte, _ string) (string, error) {
	if c.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if c.err != nil {
		return "", c.err
	}
	if strings.Contains(string(raw), "CORRUPT") {
		return "", domain.WrapError(domain.ErrInvalidInput, "convert", errors.New("unreadable document"))
	}
	return string(raw), nil
}

type paragraphChunker struct{}

func (paragraphChunker) Split(text string) []domain.Chunk {
	var out []domain.Chunk
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, domain.Chunk{ChunkID: len(out), SectionNum: 1, Text: p})
		}
	}
	return out
}

func (paragraphChunker) Windows(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return []string{text}
}

type fakeEmbedder struct {
	err      error
	queryErr error
	block    bool
	calls    int
}

func (e *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, float32(i)}
	}
	return out, nil
}

func (e *fakeEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	if e.queryErr != nil {
		return nil, e.queryErr
	}
	return []float32{1, 0}, nil
}

type fakeVectors struct {
	mu        sync.Mutex
	points    map[string][]domain.Chunk
	deleted   []string
	hits      []domain.RetrievedChunk
	err       error
	lastQuery domain.VectorQuery
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{points: map[string][]domain.Chunk{}}
}

func (v *fakeVectors) Upsert(_ context.Context, chunks []domain.Chunk, _ [][]float32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, ch := range chunks {
		v.points[ch.DocumentID] = append(v.points[ch.DocumentID], ch)
	}
	return nil
}

func (v *fakeVectors) Search(_ context.Context, q domain.VectorQuery) ([]domain.RetrievedChunk, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastQuery = q
	return v.hits, v.err
}

func (v *fakeVectors) DeleteDocument(_ context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.points, id)
	v.deleted = append(v.deleted, id)
	return nil
}

type fakeKeywords struct {
	mu       sync.Mutex
	built    map[string][]domain.Chunk
	deleted  []string
	hits     []domain.RetrievedChunk
	err      error
	searched []string
}

func newFakeKeywords() *fakeKeywords {
	return &fakeKeywords{built: map[string][]domain.Chunk{}}
}

func (k *fakeKeywords) Build(_ context.Context, id string, entries []domain.Chunk) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.built[id] = entries
	return nil
}

func (k *fakeKeywords) Search(_ context.Context, keywords []string, _ string, _ int) ([]domain.RetrievedChunk, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.searched = keywords
	return k.hits, k.err
}

func (k *fakeKeywords) Delete(_ context.Context, id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.built, id)
	k.deleted = append(k.deleted, id)
	return nil
}

type fakeTagger struct {
	values map[string]string
	err    error
}

func (t *fakeTagger) ExtractTags(context.Context, string, []string) (map[string]string, error) {
	return t.values, t.err
}

type fakeLocker struct{}

func (fakeLocker) Lock(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}

type fakeFetcher struct {
	data []byte
	err  error
}

func (f *fakeFetcher) Fetch(context.Context, *domain.Document) ([]byte, error) {
	return f.data, f.err
}

// pipeline wires both use cases over in-memory fakes.
type pipeline struct {
	repo      *memRepo
	content   *memContent
	queue     *memQueue
	notifier  *memNotifier
	converter *fakeConverter
	embedder  *fakeEmbedder
	vectors   *fakeVectors
	keywords  *fakeKeywords
	fetcher   *fakeFetcher
	ingest    *IngestDocumentUseCase
	process   *ProcessDocumentUseCase
}

func newPipeline() *pipeline {
	p := &pipeline{
		repo:      newMemRepo(),
		content:   newMemContent(),
		queue:     &memQueue{},
		notifier:  &memNotifier{},
		converter: &fakeConverter{},
		embedder:  &fakeEmbedder{},
		vectors:   newFakeVectors(),
		keywords:  newFakeKeywords(),
		fetcher:   &fakeFetcher{},
	}
	p.ingest = NewIngestDocumentUseCase(p.repo, p.content, p.queue, p.notifier, IngestConfig{}, discardLogger())
	p.process = NewProcessDocumentUseCase(ProcessDeps{
		Repo:      p.repo,
		Content:   p.content,
		Queue:     p.queue,
		Notifier:  p.notifier,
		Fetcher:   p.fetcher,
		Converter: p.converter,
		Chunker:   paragraphChunker{},
		Windows:   paragraphChunker{},
		Embedder:  p.embedder,
		Vectors:   p.vectors,
		Keywords:  p.keywords,
		Locker:    fakeLocker{},
	}, ProcessConfig{}, discardLogger())
	return p
}

// drain runs queued jobs until the queue is empty, one delivery each.
func (p *pipeline) drain(ctx context.Context, delivery ports.Delivery) []error {
	var errs []error
	for {
		job, ok := p.queue.pop()
		if !ok {
			return errs
		}
		var err error
		switch job.queue {
		case ports.QueueRaw:
			err = p.process.HandleRaw(ctx, job.msg, delivery)
		case ports.QueueConvert:
			err = p.process.HandleConvert(ctx, job.msg, delivery)
		case ports.QueueIndex:
			err = p.process.HandleIndex(ctx, job.msg, delivery)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
}

func localUpload(name, body string) domain.UploadRequest {
	return domain.UploadRequest{
		UserID:         "user-1",
		OrganizationID: "org-1",
		Category:       "Legal",
		Filename:       name,
		Data:           []byte(body),
	}
}
