package kb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

// EmbedFunc embeds a batch of texts, returning one vector per input in the
// same order. It is supplied by the caller (normally backed by the Model
// Router's selected embedding provider) so this package has no direct
// dependency on any specific provider.
type EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

// IngestorConfig configures an Ingestor.
type IngestorConfig struct {
	Store     Store
	Vectors   VectorIndex
	Embed     EmbedFunc
	BatchSize int // default 64, clamped to [32, 128] per spec.md §4.4 step 5
	Debounce  time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

// Ingestor watches configured directories and ingests changed Markdown
// files into the hybrid store (spec.md §4.4 Ingestion pipeline).
type Ingestor struct {
	store     Store
	vectors   VectorIndex
	embed     EmbedFunc
	batchSize int
	debounce  time.Duration
	now       func() time.Time
	logger    *slog.Logger

	dedupe docDedupe // serializes ingestion by doc id (doc path hash)

	mu      sync.Mutex
	timers  map[string]*time.Timer // path -> pending debounce timer
	roots   map[string]string      // watch root -> namespace
	watcher *fsnotify.Watcher
}

func NewIngestor(cfg IngestorConfig) *Ingestor {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 64
	}
	if batchSize < 32 {
		batchSize = 32
	}
	if batchSize > 128 {
		batchSize = 128
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:     cfg.Store,
		vectors:   cfg.Vectors,
		embed:     cfg.Embed,
		batchSize: batchSize,
		debounce:  debounce,
		now:       now,
		logger:    logger,
		timers:    make(map[string]*time.Timer),
		roots:     make(map[string]string),
	}
}

// docIDForPath derives a stable document id from its path, so re-ingesting
// the same file always resolves to the same Document row.
func docIDForPath(path string) string {
	h := sha256.Sum256([]byte(path))
	return hex.EncodeToString(h[:16])
}

// docIngestCall tracks the single ingestion in flight for one document id.
type docIngestCall struct {
	done chan struct{}
	err  error
}

// docDedupe serializes IngestFile by document id: a burst of fsnotify
// events for the same path (an editor's write-then-rename save, for
// example) all wait on the one ingestion already running instead of
// racing separate reads of the same file. Once that ingestion finishes
// the id is forgotten, so the next change starts a fresh run.
type docDedupe struct {
	mu    sync.Mutex
	calls map[string]*docIngestCall
}

// run executes fn for docID if no ingestion is already in flight for it.
// If one is in flight, the returned channel delivers that ingestion's
// result instead of starting a second one. The channel always receives
// exactly one value.
func (d *docDedupe) run(docID string, fn func() error) <-chan error {
	d.mu.Lock()
	if d.calls == nil {
		d.calls = make(map[string]*docIngestCall)
	}
	if c, ok := d.calls[docID]; ok {
		d.mu.Unlock()
		ch := make(chan error, 1)
		go func() {
			<-c.done
			ch <- c.err
		}()
		return ch
	}

	c := &docIngestCall{done: make(chan struct{})}
	d.calls[docID] = c
	d.mu.Unlock()

	go func() {
		c.err = fn()
		close(c.done)

		d.mu.Lock()
		delete(d.calls, docID)
		d.mu.Unlock()
	}()

	ch := make(chan error, 1)
	go func() {
		<-c.done
		ch <- c.err
	}()
	return ch
}

// IngestPaths resolves each entry in patterns (a literal path or a
// doublestar glob) and ingests every matching file, serialized per
// document id (spec.md §5: "ingestion jobs for the same document are
// serialized by document id").
func (ing *Ingestor) IngestPaths(ctx context.Context, patterns []string, namespace string) error {
	paths, err := discoverFiles(patterns)
	if err != nil {
		return fmt.Errorf("discover files: %w", err)
	}
	for _, path := range paths {
		if err := ing.IngestFile(ctx, path, namespace); err != nil {
			ing.logger.Error("ingest failed", "path", path, "error", err)
		}
	}
	return nil
}

// IngestFile reads, parses, and upserts one Markdown file. Concurrent
// calls for the same path are deduplicated via dedupe so a burst of
// filesystem events never races two ingestions of the same document.
func (ing *Ingestor) IngestFile(ctx context.Context, path string, namespace string) error {
	docID := docIDForPath(path)
	ch := ing.dedupe.run(docID, func() error {
		return ing.ingestFileLocked(context.WithoutCancel(ctx), path, namespace, docID)
	})
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ing *Ingestor) ingestFileLocked(ctx context.Context, path, namespace, docID string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrIngestionError, path, err)
	}

	contentHash := HashDocument(raw)
	existing, ok, err := ing.store.GetDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("%w: lookup existing document: %v", ErrIngestionError, err)
	}
	if ok && existing.ContentHash == contentHash {
		return nil // I4: unchanged content, no re-embedding
	}

	parsed, err := ParseMarkdown(docID, raw)
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrIngestionError, path, err)
	}

	title := parsed.Frontmatter.Title
	if title == "" {
		title = filepath.Base(path)
	}
	now := ing.now()
	doc := Document{
		ID:          docID,
		Path:        path,
		Title:       title,
		Aliases:     parsed.Frontmatter.Aliases,
		Tags:        parsed.Frontmatter.Tags,
		Namespace:   namespace,
		CreatedAt:   now,
		UpdatedAt:   now,
		ContentHash: contentHash,
	}
	if ok {
		doc.CreatedAt = existing.CreatedAt
	}

	if err := ing.store.UpsertDocument(ctx, doc); err != nil {
		return fmt.Errorf("%w: upsert document: %v", ErrIngestionError, err)
	}
	if err := ing.store.UpsertBlocks(ctx, docID, parsed.Blocks); err != nil {
		return fmt.Errorf("%w: upsert blocks: %v", ErrIngestionError, err)
	}
	if err := ing.store.ReplaceLinks(ctx, docID, parsed.Links); err != nil {
		return fmt.Errorf("%w: replace links: %v", ErrIngestionError, err)
	}
	if _, err := ing.store.ResolveLinks(ctx); err != nil {
		ing.logger.Warn("link resolution pass failed", "error", err)
	}
	return nil
}

// RunEmbeddingBatches drains pending blocks in batches of BatchSize,
// embedding each batch in parallel (spec.md §4.4 step 5), until none
// remain or the embedder reports an error.
func (ing *Ingestor) RunEmbeddingBatches(ctx context.Context) error {
	if ing.embed == nil {
		return nil // embedder not wired; FTS-only degraded mode
	}
	for {
		blocks, err := ing.store.BlocksPendingEmbedding(ctx, ing.batchSize*4)
		if err != nil {
			return fmt.Errorf("list blocks pending embedding: %w", err)
		}
		if len(blocks) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		for start := 0; start < len(blocks); start += ing.batchSize {
			end := min(start+ing.batchSize, len(blocks))
			batch := blocks[start:end]
			g.Go(func() error { return ing.embedBatch(gctx, batch) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

func (ing *Ingestor) embedBatch(ctx context.Context, batch []Block) error {
	texts := make([]string, len(batch))
	for i, b := range batch {
		texts[i] = b.Text
	}
	vecs, err := ing.embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed batch: %w", err)
	}
	for i, b := range batch {
		if i >= len(vecs) {
			break
		}
		doc, ok, err := ing.store.GetDocument(ctx, b.DocID)
		namespace := ""
		if ok && err == nil {
			namespace = doc.Namespace
		}
		if err := ing.vectors.Upsert(ctx, namespace, b.ID, vecs[i]); err != nil {
			ing.logger.Warn("vector upsert failed, leaving previous vector in place", "block", b.ID, "error", err)
			continue
		}
		if err := ing.store.SetEmbedding(ctx, b.ID, vecs[i]); err != nil {
			ing.logger.Warn("failed to mark block embedded", "block", b.ID, "error", err)
		}
	}
	return nil
}

// Reconcile re-derives the set of documents present under roots and
// re-hashes them against stored content hashes (spec.md §4.4 failure
// model: "watcher crash ... a full reconciliation pass"). It also removes
// documents whose source file no longer exists.
func (ing *Ingestor) Reconcile(ctx context.Context, patterns []string, namespace string) error {
	paths, err := discoverFiles(patterns)
	if err != nil {
		return fmt.Errorf("reconcile discovery: %w", err)
	}
	onDisk := make(map[string]bool, len(paths))
	for _, p := range paths {
		onDisk[docIDForPath(p)] = true
	}

	docs, err := ing.store.ListDocuments(ctx, namespace)
	if err != nil {
		return fmt.Errorf("reconcile list documents: %w", err)
	}
	for _, doc := range docs {
		if !onDisk[doc.ID] {
			if err := ing.store.DeleteDocument(ctx, doc.ID); err != nil {
				ing.logger.Error("reconcile: failed to delete vanished document", "path", doc.Path, "error", err)
			}
		}
	}

	return ing.IngestPaths(ctx, patterns, namespace)
}

// Watch starts an fsnotify-based watcher over the directory prefixes
// implied by patterns, debouncing per-path events by ing.debounce before
// re-ingesting (spec.md §4.4 step 1), following the teacher's
// ingester/tail discovery and event-handling idiom. It blocks until ctx is
// cancelled.
func (ing *Ingestor) Watch(ctx context.Context, patterns []string, namespace string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	for _, dir := range watchDirsForPatterns(patterns) {
		if err := watcher.Add(dir); err != nil {
			ing.logger.Warn("failed to watch directory", "dir", dir, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			ing.mu.Lock()
			for _, t := range ing.timers {
				t.Stop()
			}
			ing.mu.Unlock()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !matchesAnyPattern(event.Name, patterns) {
				continue
			}
			ing.scheduleDebounced(ctx, event.Name, namespace)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			ing.logger.Warn("watcher error", "error", err)
		}
	}
}

// scheduleDebounced coalesces repeated events for the same path within the
// debounce window into a single ingestion (spec.md §4.4 step 1: "~250ms").
func (ing *Ingestor) scheduleDebounced(ctx context.Context, path, namespace string) {
	ing.mu.Lock()
	defer ing.mu.Unlock()

	if t, exists := ing.timers[path]; exists {
		t.Stop()
	}
	ing.timers[path] = time.AfterFunc(ing.debounce, func() {
		ing.mu.Lock()
		delete(ing.timers, path)
		ing.mu.Unlock()
		if err := ing.IngestFile(ctx, path, namespace); err != nil {
			ing.logger.Error("debounced ingest failed", "path", path, "error", err)
		}
	})
}

// markdownExtensions lists the file extensions discoverFiles treats as
// ingestable notes. A literal (non-glob) pattern is always honored
// regardless of extension, since the caller named that file explicitly.
var markdownExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
}

// isGlobPattern reports whether pattern contains glob metacharacters, as
// opposed to naming one file directly.
func isGlobPattern(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

// discoverFiles returns deduplicated absolute paths of regular Markdown
// files matching any of the given literal paths or doublestar globs. A
// glob match is filtered to markdownExtensions so pointing a namespace
// at a directory full of mixed content only ever picks up notes; a
// literal path is trusted as-is.
func discoverFiles(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var result []string

	for _, pattern := range patterns {
		glob := isGlobPattern(pattern)
		if !filepath.IsAbs(pattern) {
			wd, err := os.Getwd()
			if err != nil {
				return nil, err
			}
			pattern = filepath.Join(wd, pattern)
		}

		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, err
		}

		for _, m := range matches {
			abs, err := filepath.Abs(m)
			if err != nil {
				continue
			}
			if glob && !markdownExtensions[strings.ToLower(filepath.Ext(abs))] {
				continue
			}
			info, err := os.Stat(abs)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			if !seen[abs] {
				seen[abs] = true
				result = append(result, abs)
			}
		}
	}
	return result, nil
}

// watchDirsForPatterns extracts the static directory prefixes to hand to
// fsnotify.Watcher.Add: fsnotify watches directories, not glob patterns,
// so Watch needs the longest non-glob prefix of each configured pattern.
func watchDirsForPatterns(patterns []string) []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, pattern := range patterns {
		if !filepath.IsAbs(pattern) {
			if wd, err := os.Getwd(); err == nil {
				pattern = filepath.Join(wd, pattern)
			}
		}
		dir := staticPrefix(pattern)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

func staticPrefix(pattern string) string {
	for i, c := range pattern {
		if c == '*' || c == '?' || c == '[' || c == '{' {
			return filepath.Dir(pattern[:i])
		}
	}
	return filepath.Dir(pattern)
}

// matchesAnyPattern reports whether a watched-directory event path should
// trigger a re-ingest. A literal pattern is trusted outright (the caller
// named that file on purpose); a glob pattern additionally requires a
// markdown extension, so saves of non-note files (editor swap files,
// images dropped in the same directory) don't queue pointless ingestion
// work.
func matchesAnyPattern(path string, patterns []string) bool {
	for _, pattern := range patterns {
		if !filepath.IsAbs(pattern) {
			if wd, err := os.Getwd(); err == nil {
				pattern = filepath.Join(wd, pattern)
			}
		}
		if !isGlobPattern(pattern) {
			if pattern == path {
				return true
			}
			continue
		}
		if !markdownExtensions[strings.ToLower(filepath.Ext(path))] {
			continue
		}
		if ok, _ := doublestar.PathMatch(pattern, path); ok {
			return true
		}
	}
	return false
}
