package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadIncludesRetrievalDefaults(t *testing.T) {
	clearEnv(t, "CONFIG_FILE", "RAG_VECTOR_K", "RAG_FETCH_K", "RAG_MMR_LAMBDA", "RAG_FINAL_TOP_K", "MAX_FILE_SIZE", "STORAGE_BACKEND", "LOCK_BACKEND")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RAGVectorK != 5 || cfg.RAGFetchK != 16 || cfg.RAGMMRLambda != 0.7 {
		t.Fatalf("unexpected MMR defaults k=%d fetch_k=%d lambda=%v", cfg.RAGVectorK, cfg.RAGFetchK, cfg.RAGMMRLambda)
	}
	if cfg.RAGFinalTopK != 10 || cfg.RAGMaxSources != 3 || cfg.RAGKeywordTopN != 5 {
		t.Fatalf("unexpected rank defaults %+v", cfg)
	}
	if cfg.MaxFileSize != 10<<20 || cfg.MaxFilesPerArchive != 20 {
		t.Fatalf("unexpected upload limits %d %d", cfg.MaxFileSize, cfg.MaxFilesPerArchive)
	}
	if cfg.StorageBackend != "localfs" || cfg.LockBackend != "keyed" {
		t.Fatalf("unexpected backends %q %q", cfg.StorageBackend, cfg.LockBackend)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	clearEnv(t, "CONFIG_FILE")
	t.Setenv("RAG_FETCH_K", "24")
	t.Setenv("RAG_MMR_LAMBDA", "0.5")
	t.Setenv("QUEUE_ACK_WAIT", "90s")
	t.Setenv("EXTERNAL_CALL_TIMEOUT", "45")
	t.Setenv("STORAGE_BACKEND", "S3")
	t.Setenv("S3_USE_SSL", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RAGFetchK != 24 || cfg.RAGMMRLambda != 0.5 {
		t.Fatalf("unexpected overrides fetch_k=%d lambda=%v", cfg.RAGFetchK, cfg.RAGMMRLambda)
	}
	if cfg.QueueAckWait != 90*time.Second || cfg.ExternalCallTimeout != 45*time.Second {
		t.Fatalf("unexpected durations %v %v", cfg.QueueAckWait, cfg.ExternalCallTimeout)
	}
	if cfg.StorageBackend != "s3" || !cfg.S3UseSSL {
		t.Fatalf("unexpected storage config %q %v", cfg.StorageBackend, cfg.S3UseSSL)
	}
}

func TestLoadUsesConfigFileUnderEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rag.yaml")
	body := "qdrant_url: http://qdrant:6333\nRAG_FINAL_TOP_K: 7\nAPI_PORT: 9999\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	clearEnv(t, "QDRANT_URL", "RAG_FINAL_TOP_K")
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("API_PORT", "8081")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.QdrantURL != "http://qdrant:6333" || cfg.RAGFinalTopK != 7 {
		t.Fatalf("expected file values, got %q %d", cfg.QdrantURL, cfg.RAGFinalTopK)
	}
	if cfg.APIPort != "8081" {
		t.Fatalf("expected environment to win, got %q", cfg.APIPort)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	clearEnv(t, "CONFIG_FILE")
	t.Setenv("RAG_VECTOR_K", "20")
	t.Setenv("RAG_FETCH_K", "10")
	t.Setenv("LOCK_BACKEND", "etcd")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"RAG_FETCH_K", "LOCK_BACKEND"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in error, got %v", want, err)
		}
	}
}

func TestLoadTagSchema(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "tags.yaml")
	_ = os.WriteFile(good, []byte("tags:\n  - name: client\n    description: Counterparty\n  - name: \" due_date \"\n"), 0o644)

	schema, err := LoadTagSchema(good)
	if err != nil {
		t.Fatalf("LoadTagSchema() error = %v", err)
	}
	if got := schema.Names(); !reflect.DeepEqual(got, []string{"client", "due_date"}) {
		t.Fatalf("unexpected tag names %v", got)
	}

	dup := filepath.Join(dir, "dup.yaml")
	_ = os.WriteFile(dup, []byte("tags:\n  - name: a\n  - name: a\n"), 0o644)
	if _, err := LoadTagSchema(dup); err == nil {
		t.Fatalf("expected duplicate tag error")
	}

	empty, err := LoadTagSchema("")
	if err != nil || len(empty.Names()) != 0 {
		t.Fatalf("expected empty schema, got %v %v", empty, err)
	}
}
