package kb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Config wires together the pieces a KnowledgeBase needs.
type Config struct {
	Store     Store
	Vectors   VectorIndex
	Ingestor  *Ingestor
	Retriever *Retriever
	Now       func() time.Time
	Logger    *slog.Logger
}

// KnowledgeBase is the caller-facing façade over ingestion and retrieval
// (spec.md §4.4 operations).
type KnowledgeBase struct {
	store     Store
	vectors   VectorIndex
	ingestor  *Ingestor
	retriever *Retriever
	now       func() time.Time
	logger    *slog.Logger
}

func New(cfg Config) *KnowledgeBase {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &KnowledgeBase{
		store: cfg.Store, vectors: cfg.Vectors, ingestor: cfg.Ingestor, retriever: cfg.Retriever,
		now: now, logger: logger,
	}
}

// Ingest resolves and ingests the given paths/globs, then drains the
// embedding queue (spec.md §4.4 operations: `ingest(paths_or_globs)`).
func (kb *KnowledgeBase) Ingest(ctx context.Context, pathsOrGlobs []string, namespace string) error {
	if err := kb.ingestor.IngestPaths(ctx, pathsOrGlobs, namespace); err != nil {
		return err
	}
	return kb.ingestor.RunEmbeddingBatches(ctx)
}

// Reconcile re-derives the document set on disk and removes stale rows
// (spec.md §4.4 failure model: watcher crash recovery), exposed as an
// explicit operation rather than only an implicit startup action.
func (kb *KnowledgeBase) Reconcile(ctx context.Context, pathsOrGlobs []string, namespace string) error {
	if err := kb.ingestor.Reconcile(ctx, pathsOrGlobs, namespace); err != nil {
		return err
	}
	return kb.ingestor.RunEmbeddingBatches(ctx)
}

// Watch starts the filesystem watcher; blocks until ctx is cancelled.
func (kb *KnowledgeBase) Watch(ctx context.Context, pathsOrGlobs []string, namespace string) error {
	return kb.ingestor.Watch(ctx, pathsOrGlobs, namespace)
}

// Query runs the hybrid retrieval pipeline (spec.md §4.4 operations).
func (kb *KnowledgeBase) Query(ctx context.Context, text string, opts QueryOptions) (QueryResult, error) {
	return kb.retriever.Query(ctx, text, opts)
}

// Backlinks returns every link resolving to docID (spec.md §4.4 operations).
func (kb *KnowledgeBase) Backlinks(ctx context.Context, docID string) ([]Link, error) {
	return kb.store.BacklinksTo(ctx, docID)
}

// UnlinkedMentions finds documents whose title or alias appears as plain
// text in another document's blocks without a formal `[[wikilink]]`,
// surfaced as link candidates (spec.md §4.4 operations).
func (kb *KnowledgeBase) UnlinkedMentions(ctx context.Context, docID string) ([]Document, error) {
	target, ok, err := kb.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("unlinked mentions: %w", err)
	}
	if !ok {
		return nil, ErrDocumentNotFound
	}

	names := append([]string{target.Title}, target.Aliases...)
	linked := make(map[string]bool)
	if links, err := kb.store.BacklinksTo(ctx, docID); err == nil {
		for _, l := range links {
			if src, ok, err := kb.store.GetBlock(ctx, l.SrcBlockID); err == nil && ok {
				linked[src.DocID] = true
			}
		}
	}

	docs, err := kb.store.ListDocuments(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("unlinked mentions: list documents: %w", err)
	}

	var candidates []Document
	for _, doc := range docs {
		if doc.ID == docID || linked[doc.ID] {
			continue
		}
		blocks, err := kb.store.BlocksForDoc(ctx, doc.ID)
		if err != nil {
			continue
		}
		for _, b := range blocks {
			if containsAny(b.Text, names) {
				candidates = append(candidates, doc)
				break
			}
		}
	}
	return candidates, nil
}

func containsAny(text string, names []string) bool {
	for _, n := range names {
		if n == "" {
			continue
		}
		if len(text) >= len(n) && indexFold(text, n) >= 0 {
			return true
		}
	}
	return false
}

func indexFold(haystack, needle string) int {
	hl, nl := toLowerASCII(haystack), toLowerASCII(needle)
	for i := 0; i+len(nl) <= len(hl); i++ {
		if hl[i:i+len(nl)] == nl {
			return i
		}
	}
	return -1
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// ExportNamespace writes every document in namespace, concatenated, to
// destination — a local path (spec.md §4.4 operations; SPEC_FULL.md §11
// notes `exportNamespace`'s destination is treated as a local path, no
// cloud object-storage SDK is wired).
func (kb *KnowledgeBase) ExportNamespace(ctx context.Context, namespace, destination string) error {
	docs, err := kb.store.ListDocuments(ctx, namespace)
	if err != nil {
		return fmt.Errorf("export namespace: %w", err)
	}
	if dir := filepath.Dir(destination); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("export namespace: %w", err)
		}
	}
	f, err := os.Create(destination)
	if err != nil {
		return fmt.Errorf("export namespace: %w", err)
	}
	defer f.Close()

	for _, doc := range docs {
		raw, err := os.ReadFile(doc.Path)
		if err != nil {
			kb.logger.Warn("export: source file unreadable", "path", doc.Path, "error", err)
			continue
		}
		if _, err := f.Write(raw); err != nil {
			return fmt.Errorf("export namespace: %w", err)
		}
		if _, err := f.Write([]byte("\n\n")); err != nil {
			return fmt.Errorf("export namespace: %w", err)
		}
	}
	return nil
}

// IndexSizes reports document/block/vector counts for operational
// visibility (SPEC_FULL.md §12 supplemented feature, grounded on the
// teacher's IndexManager diagnostics).
type IndexSizes struct {
	Documents int
	Blocks    int
	Vectors   int
}

func (kb *KnowledgeBase) IndexSizes(ctx context.Context, namespace string) (IndexSizes, error) {
	docs, err := kb.store.DocumentCount(ctx)
	if err != nil {
		return IndexSizes{}, err
	}
	blocks, err := kb.store.BlockCount(ctx)
	if err != nil {
		return IndexSizes{}, err
	}
	vecs, err := kb.vectors.Count(namespace)
	if err != nil {
		return IndexSizes{}, err
	}
	return IndexSizes{Documents: docs, Blocks: blocks, Vectors: vecs}, nil
}

// IndexesComplete reports whether every block has been embedded (no
// pending embedding jobs remain).
func (kb *KnowledgeBase) IndexesComplete(ctx context.Context) (bool, error) {
	pending, err := kb.store.BlocksPendingEmbedding(ctx, 1)
	if err != nil {
		return false, err
	}
	return len(pending) == 0, nil
}

// ArchiveTraces compacts Retrieval Trace rows older than cutoff into a
// zstd-compressed JSON-lines file and deletes them from the live table,
// rather than deleting them outright.
func (kb *KnowledgeBase) ArchiveTraces(ctx context.Context, cutoff time.Time, archivePath string) (int, error) {
	traces, err := kb.store.TracesOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive traces: %w", err)
	}
	if len(traces) == 0 {
		return 0, nil
	}

	if dir := filepath.Dir(archivePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return 0, fmt.Errorf("archive traces: %w", err)
		}
	}
	f, err := os.OpenFile(archivePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return 0, fmt.Errorf("archive traces: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return 0, fmt.Errorf("archive traces: %w", err)
	}

	ids := make([]string, 0, len(traces))
	for _, t := range traces {
		line, err := json.Marshal(t)
		if err != nil {
			zw.Close()
			return 0, fmt.Errorf("archive traces: marshal: %w", err)
		}
		if _, err := zw.Write(append(line, '\n')); err != nil {
			zw.Close()
			return 0, fmt.Errorf("archive traces: write: %w", err)
		}
		ids = append(ids, t.ID)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("archive traces: %w", err)
	}

	if err := kb.store.DeleteTraces(ctx, ids); err != nil {
		return 0, fmt.Errorf("archive traces: delete live rows: %w", err)
	}
	return len(ids), nil
}
