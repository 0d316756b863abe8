package kb_test

import (
	"context"
	"testing"
	"time"

	"wooster/internal/kb"
	"wooster/internal/kb/memstore"
)

func seedDoc(t *testing.T, store *memstore.Store, docID, path, title string, blocks []kb.Block) {
	t.Helper()
	ctx := context.Background()
	if err := store.UpsertDocument(ctx, kb.Document{ID: docID, Path: path, Title: title, CreatedAt: time.Now(), UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	if err := store.UpsertBlocks(ctx, docID, blocks); err != nil {
		t.Fatalf("seed blocks: %v", err)
	}
}

func TestQueryMergesFTSAndVectorHits(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	vectors := memstore.NewVectorIndex("test-embedder", 2)

	seedDoc(t, store, "d1", "/a.md", "A", []kb.Block{
		{ID: "b1", DocID: "d1", Kind: kb.BlockParagraph, Text: "apples and oranges"},
	})
	if err := vectors.Upsert(ctx, "", "b1", []float32{1, 0}); err != nil {
		t.Fatalf("vector upsert: %v", err)
	}
	if err := store.SetEmbedding(ctx, "b1", []float32{1, 0}); err != nil {
		t.Fatalf("set embedding: %v", err)
	}

	embed := func(ctx context.Context, texts []string) ([][]float32, error) {
		return [][]float32{{1, 0}}, nil
	}
	retriever := kb.NewRetriever(kb.QueryConfig{Store: store, Vectors: vectors, Embed: embed, Now: time.Now})

	result, err := retriever.Query(ctx, "apples", kb.QueryOptions{WantCitations: true})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(result.Contexts) == 0 {
		t.Fatalf("expected at least one context, got none")
	}
	found := false
	for _, c := range result.Contexts {
		if c.BlockID == "b1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected block b1 among contexts: %+v", result.Contexts)
	}
	if len(result.Citations) == 0 {
		t.Fatalf("expected citations when WantCitations is set")
	}
}

func TestQueryDegradesToFTSOnEmbedFailure(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	vectors := memstore.NewVectorIndex("test-embedder", 2)

	seedDoc(t, store, "d1", "/a.md", "A", []kb.Block{
		{ID: "b1", DocID: "d1", Kind: kb.BlockParagraph, Text: "unique search phrase"},
	})

	embed := func(ctx context.Context, texts []string) ([][]float32, error) {
		return nil, context.DeadlineExceeded
	}
	retriever := kb.NewRetriever(kb.QueryConfig{Store: store, Vectors: vectors, Embed: embed, Now: time.Now})

	result, err := retriever.Query(ctx, "unique search phrase", kb.QueryOptions{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(result.Contexts) == 0 {
		t.Fatalf("expected FTS-only fallback to still return contexts")
	}
}

func TestQueryGateSkipsRetrievalWhenNotNeeded(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	vectors := memstore.NewVectorIndex("test-embedder", 2)

	seedDoc(t, store, "d1", "/a.md", "A", []kb.Block{
		{ID: "b1", DocID: "d1", Kind: kb.BlockParagraph, Text: "some content"},
	})

	gateCalls := 0
	gate := func(ctx context.Context, query string) (bool, error) {
		gateCalls++
		return false, nil
	}
	retriever := kb.NewRetriever(kb.QueryConfig{Store: store, Vectors: vectors, Gate: gate, Now: time.Now})

	result, err := retriever.Query(ctx, "hello", kb.QueryOptions{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(result.Contexts) != 0 {
		t.Fatalf("expected no contexts when gate declines retrieval, got %+v", result.Contexts)
	}
	if gateCalls != 1 {
		t.Fatalf("gate should be consulted exactly once, got %d", gateCalls)
	}
}

func TestQueryForceRetrievalBypassesGate(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	vectors := memstore.NewVectorIndex("test-embedder", 2)

	seedDoc(t, store, "d1", "/a.md", "A", []kb.Block{
		{ID: "b1", DocID: "d1", Kind: kb.BlockParagraph, Text: "a searchable sentence"},
	})

	gate := func(ctx context.Context, query string) (bool, error) { return false, nil }
	retriever := kb.NewRetriever(kb.QueryConfig{Store: store, Vectors: vectors, Gate: gate, Now: time.Now})

	result, err := retriever.Query(ctx, "searchable", kb.QueryOptions{ForceRetrieval: true})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(result.Contexts) == 0 {
		t.Fatalf("expected ForceRetrieval to bypass the gate and return contexts")
	}
}

func TestBacklinksReturnsResolvedReferences(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	vectors := memstore.NewVectorIndex("test-embedder", 2)

	seedDoc(t, store, "target", "/target.md", "Target", nil)
	seedDoc(t, store, "src", "/src.md", "Source", []kb.Block{
		{ID: "sb1", DocID: "src", Kind: kb.BlockParagraph, Text: "see [[Target]]"},
	})
	if err := store.ReplaceLinks(ctx, "src", []kb.Link{{SrcBlockID: "sb1", DstReference: "[[Target]]", Kind: kb.RefWikilink}}); err != nil {
		t.Fatalf("replace links: %v", err)
	}
	if _, err := store.ResolveLinks(ctx); err != nil {
		t.Fatalf("resolve links: %v", err)
	}

	retriever := kb.NewRetriever(kb.QueryConfig{Store: store, Vectors: vectors, Now: time.Now})
	links, err := retriever.Backlinks(ctx, "target")
	if err != nil {
		t.Fatalf("backlinks: %v", err)
	}
	if len(links) != 1 || links[0].SrcBlockID != "sb1" {
		t.Fatalf("backlinks = %+v", links)
	}
}
