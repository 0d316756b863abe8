package kb

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpsertDocumentIsIdempotentByPath(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	doc := Document{ID: "d1", Path: "/notes/a.md", Title: "A", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := store.UpsertDocument(ctx, doc); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	doc.Title = "A renamed"
	if err := store.UpsertDocument(ctx, doc); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	got, ok, err := store.GetDocumentByPath(ctx, "/notes/a.md")
	if err != nil || !ok {
		t.Fatalf("GetDocumentByPath: %v, ok=%v", err, ok)
	}
	if got.Title != "A renamed" {
		t.Fatalf("title = %q, want %q", got.Title, "A renamed")
	}
}

func TestUpsertBlocksReplacesWholeSet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.UpsertDocument(ctx, Document{ID: "d1", Path: "/a.md", Title: "A"}); err != nil {
		t.Fatalf("upsert document: %v", err)
	}
	first := []Block{
		{ID: "b1", DocID: "d1", Kind: BlockParagraph, Text: "one"},
		{ID: "b2", DocID: "d1", Kind: BlockParagraph, Text: "two"},
	}
	if err := store.UpsertBlocks(ctx, "d1", first); err != nil {
		t.Fatalf("upsert blocks: %v", err)
	}

	second := []Block{{ID: "b3", DocID: "d1", Kind: BlockParagraph, Text: "three"}}
	if err := store.UpsertBlocks(ctx, "d1", second); err != nil {
		t.Fatalf("upsert blocks again: %v", err)
	}

	blocks, err := store.BlocksForDoc(ctx, "d1")
	if err != nil {
		t.Fatalf("blocks for doc: %v", err)
	}
	if len(blocks) != 1 || blocks[0].ID != "b3" {
		t.Fatalf("stale blocks not replaced: %+v", blocks)
	}

	if _, ok, err := store.GetBlock(ctx, "b1"); err != nil || ok {
		t.Fatalf("expected b1 to be gone, ok=%v err=%v", ok, err)
	}
}

func TestResolveLinksMatchesTitleAndAlias(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.UpsertDocument(ctx, Document{ID: "target", Path: "/target.md", Title: "Target Note", Aliases: []string{"TN"}}); err != nil {
		t.Fatalf("upsert target: %v", err)
	}
	if err := store.UpsertDocument(ctx, Document{ID: "src", Path: "/src.md", Title: "Source"}); err != nil {
		t.Fatalf("upsert src: %v", err)
	}
	if err := store.UpsertBlocks(ctx, "src", []Block{{ID: "sb1", DocID: "src", Kind: BlockParagraph, Text: "see [[TN]]"}}); err != nil {
		t.Fatalf("upsert blocks: %v", err)
	}
	if err := store.ReplaceLinks(ctx, "src", []Link{{SrcBlockID: "sb1", DstReference: "[[TN]]", Kind: RefWikilink}}); err != nil {
		t.Fatalf("replace links: %v", err)
	}

	n, err := store.ResolveLinks(ctx)
	if err != nil {
		t.Fatalf("resolve links: %v", err)
	}
	if n != 1 {
		t.Fatalf("resolved count = %d, want 1", n)
	}

	backlinks, err := store.BacklinksTo(ctx, "target")
	if err != nil {
		t.Fatalf("backlinks: %v", err)
	}
	if len(backlinks) != 1 || backlinks[0].SrcBlockID != "sb1" {
		t.Fatalf("backlinks = %+v", backlinks)
	}
}

func TestSearchFTSFindsMatchingBlocks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.UpsertDocument(ctx, Document{ID: "d1", Path: "/a.md", Title: "A"}); err != nil {
		t.Fatalf("upsert document: %v", err)
	}
	if err := store.UpsertBlocks(ctx, "d1", []Block{
		{ID: "b1", DocID: "d1", Kind: BlockParagraph, Text: "the quick brown fox"},
		{ID: "b2", DocID: "d1", Kind: BlockParagraph, Text: "an unrelated sentence"},
	}); err != nil {
		t.Fatalf("upsert blocks: %v", err)
	}

	hits, err := store.SearchFTS(ctx, "fox", 10)
	if err != nil {
		t.Fatalf("search fts: %v", err)
	}
	if len(hits) != 1 || hits[0].BlockID != "b1" {
		t.Fatalf("hits = %+v", hits)
	}
}

func TestDeleteDocumentCascadesBlocksAndLinks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.UpsertDocument(ctx, Document{ID: "d1", Path: "/a.md", Title: "A"}); err != nil {
		t.Fatalf("upsert document: %v", err)
	}
	if err := store.UpsertBlocks(ctx, "d1", []Block{{ID: "b1", DocID: "d1", Kind: BlockParagraph, Text: "x"}}); err != nil {
		t.Fatalf("upsert blocks: %v", err)
	}
	if err := store.DeleteDocument(ctx, "d1"); err != nil {
		t.Fatalf("delete document: %v", err)
	}
	if _, ok, err := store.GetBlock(ctx, "b1"); err != nil || ok {
		t.Fatalf("block should be cascade-deleted, ok=%v err=%v", ok, err)
	}
}

func TestTracesOlderThanAndDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	old := RetrievalTrace{ID: "t1", Timestamp: time.Now().Add(-48 * time.Hour), Query: "old"}
	recent := RetrievalTrace{ID: "t2", Timestamp: time.Now(), Query: "recent"}
	if err := store.InsertTrace(ctx, old); err != nil {
		t.Fatalf("insert old trace: %v", err)
	}
	if err := store.InsertTrace(ctx, recent); err != nil {
		t.Fatalf("insert recent trace: %v", err)
	}

	stale, err := store.TracesOlderThan(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("traces older than: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "t1" {
		t.Fatalf("stale traces = %+v", stale)
	}

	if err := store.DeleteTraces(ctx, []string{"t1"}); err != nil {
		t.Fatalf("delete traces: %v", err)
	}
	stale, err = store.TracesOlderThan(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("traces older than (2): %v", err)
	}
	for _, tr := range stale {
		if tr.ID == "t1" {
			t.Fatalf("t1 should have been deleted")
		}
	}
}
