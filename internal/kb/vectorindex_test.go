package kb

import (
	"context"
	"path/filepath"
	"testing"
)

func TestFlatVectorIndexUpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.gob")

	idx, err := OpenFlatVectorIndex(path, "test-embedder", 3)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := idx.Upsert(ctx, "ns", "b1", []float32{1, 0, 0}); err != nil {
		t.Fatalf("upsert b1: %v", err)
	}
	if err := idx.Upsert(ctx, "ns", "b2", []float32{0, 1, 0}); err != nil {
		t.Fatalf("upsert b2: %v", err)
	}

	hits, err := idx.Search(ctx, "ns", []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 || hits[0].BlockID != "b1" {
		t.Fatalf("hits = %+v, want b1 first", hits)
	}
}

func TestFlatVectorIndexRejectsDimMismatch(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.gob")
	idx, err := OpenFlatVectorIndex(path, "test-embedder", 3)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := idx.Upsert(ctx, "ns", "b1", []float32{1, 0}); err == nil {
		t.Fatalf("expected dims mismatch error")
	}
}

func TestFlatVectorIndexPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.gob")

	idx, err := OpenFlatVectorIndex(path, "test-embedder", 3)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := idx.Upsert(ctx, "ns", "b1", []float32{1, 2, 3}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	reopened, err := OpenFlatVectorIndex(path, "test-embedder", 3)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	n, err := reopened.Count("ns")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count after reopen = %d, want 1", n)
	}
}

func TestFlatVectorIndexMismatchedEmbedderRequiresRebuild(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.gob")

	idx, err := OpenFlatVectorIndex(path, "embedder-a", 3)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	idx.Close()

	_, err = OpenFlatVectorIndex(path, "embedder-b", 3)
	if err != ErrEmbedderMismatch {
		t.Fatalf("err = %v, want ErrEmbedderMismatch", err)
	}
}

func TestFlatVectorIndexRebuildClearsVectors(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.gob")

	idx, err := OpenFlatVectorIndex(path, "embedder-a", 3)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := idx.Upsert(ctx, "ns", "b1", []float32{1, 2, 3}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := idx.Rebuild("embedder-b", 4); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	n, _ := idx.Count("ns")
	if n != 0 {
		t.Fatalf("count after rebuild = %d, want 0", n)
	}
	if idx.EmbedderID() != "embedder-b" || idx.Dims() != 4 {
		t.Fatalf("rebuild did not update metadata: %s %d", idx.EmbedderID(), idx.Dims())
	}
}
