package kb_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wooster/internal/kb"
	"wooster/internal/kb/memstore"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestIngestFileSkipsUnchangedContent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeFile(t, dir, "note.md", "---\ntitle: Note\n---\n\nHello world.\n")

	store := memstore.New()
	vectors := memstore.NewVectorIndex("test-embedder", 2)
	calls := 0
	embed := func(ctx context.Context, texts []string) ([][]float32, error) {
		calls++
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{1, 0}
		}
		return out, nil
	}

	ing := kb.NewIngestor(kb.IngestorConfig{Store: store, Vectors: vectors, Embed: embed, Now: time.Now})

	if err := ing.IngestFile(ctx, path, "default"); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if err := ing.RunEmbeddingBatches(ctx); err != nil {
		t.Fatalf("embed batches: %v", err)
	}
	firstCalls := calls

	if err := ing.IngestFile(ctx, path, "default"); err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if err := ing.RunEmbeddingBatches(ctx); err != nil {
		t.Fatalf("embed batches (2): %v", err)
	}

	if calls != firstCalls {
		t.Fatalf("expected no additional embedding calls for unchanged content, got %d extra", calls-firstCalls)
	}
}

func TestIngestFileReembedsOnContentChange(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeFile(t, dir, "note.md", "---\ntitle: Note\n---\n\nversion one.\n")

	store := memstore.New()
	vectors := memstore.NewVectorIndex("test-embedder", 2)
	embed := func(ctx context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{1, 0}
		}
		return out, nil
	}
	ing := kb.NewIngestor(kb.IngestorConfig{Store: store, Vectors: vectors, Embed: embed, Now: time.Now})

	if err := ing.IngestFile(ctx, path, "default"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := ing.RunEmbeddingBatches(ctx); err != nil {
		t.Fatalf("embed: %v", err)
	}

	writeFile(t, dir, "note.md", "---\ntitle: Note\n---\n\nversion two, different text entirely.\n")
	if err := ing.IngestFile(ctx, path, "default"); err != nil {
		t.Fatalf("re-ingest: %v", err)
	}

	pending, err := store.BlocksPendingEmbedding(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) == 0 {
		t.Fatalf("expected changed content to produce pending embedding work")
	}
}

func TestReconcileRemovesVanishedDocuments(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeFile(t, dir, "note.md", "---\ntitle: Note\n---\n\nHello.\n")

	store := memstore.New()
	vectors := memstore.NewVectorIndex("test-embedder", 2)
	ing := kb.NewIngestor(kb.IngestorConfig{Store: store, Vectors: vectors, Now: time.Now})

	if err := ing.IngestFile(ctx, path, "default"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	docs, err := store.ListDocuments(ctx, "")
	if err != nil || len(docs) != 1 {
		t.Fatalf("expected one document, got %d (err=%v)", len(docs), err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove file: %v", err)
	}
	if err := ing.Reconcile(ctx, []string{filepath.Join(dir, "*.md")}, "default"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	docs, err = store.ListDocuments(ctx, "")
	if err != nil {
		t.Fatalf("list documents: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("expected vanished document to be removed, got %d", len(docs))
	}
}

func TestIngestPathsResolvesGlob(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "---\ntitle: A\n---\n\nFirst.\n")
	writeFile(t, dir, "b.md", "---\ntitle: B\n---\n\nSecond.\n")

	store := memstore.New()
	vectors := memstore.NewVectorIndex("test-embedder", 2)
	ing := kb.NewIngestor(kb.IngestorConfig{Store: store, Vectors: vectors, Now: time.Now})

	if err := ing.IngestPaths(ctx, []string{filepath.Join(dir, "*.md")}, "default"); err != nil {
		t.Fatalf("ingest paths: %v", err)
	}

	docs, err := store.ListDocuments(ctx, "default")
	if err != nil {
		t.Fatalf("list documents: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
}
