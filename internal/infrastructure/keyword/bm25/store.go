package bm25

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/lock"
)

const fileExt = ".bm25"

// Store persists one index file per document under dir. Rebuilding a document
// and searching it are mutually exclusive within the process; files are replaced
// by rename so other processes only ever see a complete index.
type Store struct {
	dir    string
	params Params
	locks  *lock.Keyed

	mu    sync.Mutex
	cache map[string]cachedIndex
}

type cachedIndex struct {
	modTime time.Time
	size    int64
	idx     *Index
}

func NewStore(dir string, params Params) (*Store, error) {
	if dir == "" {
		dir = "./data/bm25"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bm25 dir: %w", err)
	}
	if params.K1 == 0 {
		params = DefaultParams()
	}
	return &Store{
		dir:    dir,
		params: params,
		locks:  lock.NewKeyed(),
		cache:  make(map[string]cachedIndex),
	}, nil
}

func (s *Store) path(documentID string) string {
	return filepath.Join(s.dir, documentID+fileExt)
}

// Build fits a model over entries and atomically replaces the document's index file.
func (s *Store) Build(ctx context.Context, documentID string, entries []domain.Chunk) error {
	if documentID == "" || strings.ContainsAny(documentID, `/\`) {
		return domain.WrapError(domain.ErrInvalidInput, "bm25 build", fmt.Errorf("bad document id %q", documentID))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	idx := &Index{DocumentID: documentID, Entries: make([]Entry, 0, len(entries))}
	corpus := make([][]string, 0, len(entries))
	for _, c := range entries {
		if idx.Category == "" {
			idx.Category = domain.NormalizeCategory(c.Category)
		}
		idx.Entries = append(idx.Entries, Entry{
			ChunkID:  c.ChunkID,
			Text:     c.Text,
			Category: domain.NormalizeCategory(c.Category),
			Source:   c.Source,
		})
		corpus = append(corpus, domain.Tokenize(c.Text))
	}
	idx.Model = Fit(corpus, s.params)

	var buf bytes.Buffer
	if err := Encode(&buf, idx); err != nil {
		return err
	}

	unlock := s.locks.LockKey(documentID)
	defer unlock()

	if err := writeFileAtomic(s.dir, s.path(documentID), buf.Bytes()); err != nil {
		return fmt.Errorf("persist bm25 index: %w", err)
	}
	s.mu.Lock()
	delete(s.cache, documentID)
	s.mu.Unlock()
	return nil
}

// Load reads one document's index, using the cache while the file is unchanged.
func (s *Store) Load(documentID string) (*Index, error) {
	unlock := s.locks.RLockKey(documentID)
	defer unlock()
	return s.loadLocked(documentID)
}

func (s *Store) loadLocked(documentID string) (*Index, error) {
	path := s.path(documentID)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "bm25 load", err)
		}
		return nil, fmt.Errorf("stat bm25 index: %w", err)
	}

	s.mu.Lock()
	cached, ok := s.cache[documentID]
	s.mu.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
		return cached.idx, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bm25 index: %w", err)
	}
	idx, err := Decode(data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[documentID] = cachedIndex{modTime: info.ModTime(), size: info.Size(), idx: idx}
	s.mu.Unlock()
	return idx, nil
}

func (s *Store) Delete(_ context.Context, documentID string) error {
	unlock := s.locks.LockKey(documentID)
	defer unlock()

	s.mu.Lock()
	delete(s.cache, documentID)
	s.mu.Unlock()

	if err := os.Remove(s.path(documentID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove bm25 index: %w", err)
	}
	return nil
}

// DocumentIDs lists persisted indexes in lexical order.
func (s *Store) DocumentIDs() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+fileExt))
	if err != nil {
		return nil, fmt.Errorf("list bm25 indexes: %w", err)
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSuffix(filepath.Base(m), fileExt))
	}
	sort.Strings(out)
	return out, nil
}

// Search scores every index whose category equals category, keeps the topN of
// each, and merges them into one pool ordered by score. Ties keep index order.
func (s *Store) Search(ctx context.Context, keywords []string, category string, topN int) ([]domain.RetrievedChunk, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	if topN <= 0 {
		topN = 10
	}
	category = domain.NormalizeCategory(category)

	ids, err := s.DocumentIDs()
	if err != nil {
		return nil, err
	}

	var pool []domain.RetrievedChunk
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hits, err := s.searchOne(id, keywords, category, topN)
		if err != nil {
			if domain.IsKind(err, domain.ErrDocumentNotFound) {
				continue
			}
			slog.Warn("bm25_index_skipped", "doc_id", id, "error", err)
			continue
		}
		pool = append(pool, hits...)
	}

	sort.SliceStable(pool, func(i, j int) bool { return pool[i].Score > pool[j].Score })
	if len(pool) > topN {
		pool = pool[:topN]
	}
	return pool, nil
}

func (s *Store) searchOne(documentID string, keywords []string, category string, topN int) ([]domain.RetrievedChunk, error) {
	unlock := s.locks.RLockKey(documentID)
	defer unlock()

	idx, err := s.loadLocked(documentID)
	if err != nil {
		return nil, err
	}
	if idx.Category != category {
		return nil, nil
	}

	scores := idx.Model.Scores(keywords)
	hits := make([]domain.RetrievedChunk, 0, len(scores))
	for i, score := range scores {
		entry := idx.Entries[i]
		if entry.Category != category || !idx.Model.Matches(i, keywords) {
			continue
		}
		hits = append(hits, domain.RetrievedChunk{
			DocumentID: idx.DocumentID,
			ChunkID:    entry.ChunkID,
			Source:     entry.Source,
			Category:   entry.Category,
			Text:       entry.Text,
			Score:      score,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topN {
		hits = hits[:topN]
	}
	return hits, nil
}

func writeFileAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
