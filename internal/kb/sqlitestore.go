package kb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable relational/FTS metadata store, following the
// teacher's config/sqlite idiom: WAL mode, a single writer connection,
// explicit transactions for any write touching more than one table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the knowledge base metadata
// database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create kb db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open kb db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			aliases TEXT NOT NULL,
			tags TEXT NOT NULL,
			namespace TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			content_hash TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS blocks (
			id TEXT PRIMARY KEY,
			doc_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			heading_path TEXT NOT NULL,
			start_offset INTEGER NOT NULL,
			end_offset INTEGER NOT NULL,
			text TEXT NOT NULL,
			block_hash TEXT NOT NULL,
			has_embedding INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_doc ON blocks(doc_id)`,
		`CREATE TABLE IF NOT EXISTS links (
			src_block_id TEXT NOT NULL REFERENCES blocks(id) ON DELETE CASCADE,
			dst_reference TEXT NOT NULL,
			resolved_doc_id TEXT,
			ref_kind TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_links_resolved ON links(resolved_doc_id)`,
		`CREATE TABLE IF NOT EXISTS retrieval_traces (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			query TEXT NOT NULL,
			fts_hits INTEGER NOT NULL,
			vector_hits INTEGER NOT NULL,
			rerank_scores TEXT NOT NULL,
			selected TEXT NOT NULL,
			latency_ms INTEGER NOT NULL,
			degraded_fts INTEGER NOT NULL
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS blocks_fts USING fts5(
			block_id UNINDEXED, text, tokenize = 'porter unicode61'
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate kb db: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) UpsertDocument(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, path, title, aliases, tags, namespace, created_at, updated_at, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			title = excluded.title,
			aliases = excluded.aliases,
			tags = excluded.tags,
			namespace = excluded.namespace,
			updated_at = excluded.updated_at,
			content_hash = excluded.content_hash`,
		doc.ID, doc.Path, doc.Title, strings.Join(doc.Aliases, "\x1f"), strings.Join(doc.Tags, "\x1f"),
		doc.Namespace, doc.CreatedAt.UTC().Format(time.RFC3339Nano), doc.UpdatedAt.UTC().Format(time.RFC3339Nano),
		doc.ContentHash)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

const documentSelectBase = `SELECT id, path, title, aliases, tags, namespace, created_at, updated_at, content_hash FROM documents`

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (Document, bool, error) {
	return scanDocument(s.db.QueryRowContext(ctx, documentSelectBase+` WHERE id = ?`, id))
}

func (s *SQLiteStore) GetDocumentByPath(ctx context.Context, path string) (Document, bool, error) {
	return scanDocument(s.db.QueryRowContext(ctx, documentSelectBase+` WHERE path = ?`, path))
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, namespace string) ([]Document, error) {
	query := documentSelectBase
	var rows *sql.Rows
	var err error
	if namespace == "" {
		rows, err = s.db.QueryContext(ctx, query+` ORDER BY path`)
	} else {
		rows, err = s.db.QueryContext(ctx, query+` WHERE namespace = ? ORDER BY path`, namespace)
	}
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		doc, err := scanDocumentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// UpsertBlocks replaces a document's full block set, and its links, inside
// one transaction (spec.md §4.4 step 6: "atomically with metadata: either
// both succeed or neither").
func (s *SQLiteStore) UpsertBlocks(ctx context.Context, docID string, blocks []Block) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert blocks tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM blocks_fts WHERE block_id IN (
		SELECT id FROM blocks WHERE doc_id = ?)`, docID); err != nil {
		return fmt.Errorf("clear stale fts rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM blocks WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("clear stale blocks: %w", err)
	}

	for _, b := range blocks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO blocks (id, doc_id, kind, heading_path, start_offset, end_offset, text, block_hash, has_embedding)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, docID, string(b.Kind), b.HeadingPath, b.StartOffset, b.EndOffset, b.Text, b.BlockHash, boolToInt(len(b.Embedding) > 0)); err != nil {
			return fmt.Errorf("insert block %s: %w", b.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO blocks_fts (block_id, text) VALUES (?, ?)`, b.ID, b.Text); err != nil {
			return fmt.Errorf("insert fts row for block %s: %w", b.ID, err)
		}
	}

	return tx.Commit()
}

const blockSelectBase = `SELECT id, doc_id, kind, heading_path, start_offset, end_offset, text, block_hash, has_embedding FROM blocks`

func (s *SQLiteStore) GetBlock(ctx context.Context, id string) (Block, bool, error) {
	row := s.db.QueryRowContext(ctx, blockSelectBase+` WHERE id = ?`, id)
	return scanBlock(row)
}

func (s *SQLiteStore) BlocksForDoc(ctx context.Context, docID string) ([]Block, error) {
	rows, err := s.db.QueryContext(ctx, blockSelectBase+` WHERE doc_id = ? ORDER BY start_offset`, docID)
	if err != nil {
		return nil, fmt.Errorf("blocks for doc: %w", err)
	}
	defer rows.Close()

	var out []Block
	for rows.Next() {
		b, err := scanBlockRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) BlocksPendingEmbedding(ctx context.Context, limit int) ([]Block, error) {
	if limit <= 0 {
		limit = 128
	}
	rows, err := s.db.QueryContext(ctx, blockSelectBase+` WHERE has_embedding = 0 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("blocks pending embedding: %w", err)
	}
	defer rows.Close()

	var out []Block
	for rows.Next() {
		b, err := scanBlockRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetEmbedding(ctx context.Context, blockID string, vec []float32) error {
	has := 0
	if len(vec) > 0 {
		has = 1
	}
	_, err := s.db.ExecContext(ctx, `UPDATE blocks SET has_embedding = ? WHERE id = ?`, has, blockID)
	if err != nil {
		return fmt.Errorf("set embedding flag: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReplaceLinks(ctx context.Context, srcDocID string, links []Link) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace links tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM links WHERE src_block_id IN (
		SELECT id FROM blocks WHERE doc_id = ?)`, srcDocID); err != nil {
		return fmt.Errorf("clear stale links: %w", err)
	}
	for _, l := range links {
		var resolved any
		if l.ResolvedDocID != "" {
			resolved = l.ResolvedDocID
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO links (src_block_id, dst_reference, resolved_doc_id, ref_kind)
			VALUES (?, ?, ?, ?)`, l.SrcBlockID, l.DstReference, resolved, string(l.Kind)); err != nil {
			return fmt.Errorf("insert link: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) BacklinksTo(ctx context.Context, docID string) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT src_block_id, dst_reference, COALESCE(resolved_doc_id, ''), ref_kind
		FROM links WHERE resolved_doc_id = ?`, docID)
	if err != nil {
		return nil, fmt.Errorf("backlinks: %w", err)
	}
	defer rows.Close()

	var out []Link
	for rows.Next() {
		var l Link
		var kind string
		if err := rows.Scan(&l.SrcBlockID, &l.DstReference, &l.ResolvedDocID, &kind); err != nil {
			return nil, fmt.Errorf("scan backlink: %w", err)
		}
		l.Kind = RefKind(kind)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UnresolvedLinks(ctx context.Context) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT src_block_id, dst_reference, '', ref_kind
		FROM links WHERE resolved_doc_id IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("unresolved links: %w", err)
	}
	defer rows.Close()

	var out []Link
	for rows.Next() {
		var l Link
		var kind string
		if err := rows.Scan(&l.SrcBlockID, &l.DstReference, &l.ResolvedDocID, &kind); err != nil {
			return nil, fmt.Errorf("scan unresolved link: %w", err)
		}
		l.Kind = RefKind(kind)
		out = append(out, l)
	}
	return out, rows.Err()
}

// ResolveLinks re-resolves dst_reference against the current document set:
// a reference resolves if it matches a document's title or any alias
// (exact name lookup, title before alias — see DESIGN.md Open Question
// decision for wikilink resolution order).
func (s *SQLiteStore) ResolveLinks(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, aliases FROM documents`)
	if err != nil {
		return 0, fmt.Errorf("load documents for link resolution: %w", err)
	}
	byTitle := make(map[string]string)
	byAlias := make(map[string]string)
	for rows.Next() {
		var id, title, aliases string
		if err := rows.Scan(&id, &title, &aliases); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan document for link resolution: %w", err)
		}
		byTitle[strings.ToLower(title)] = id
		for _, a := range strings.Split(aliases, "\x1f") {
			if a != "" {
				byAlias[strings.ToLower(a)] = id
			}
		}
	}
	rows.Close()
	for a, id := range byAlias {
		if _, taken := byTitle[a]; !taken {
			byTitle[a] = id
		}
	}

	unresolved, err := s.UnresolvedLinks(ctx)
	if err != nil {
		return 0, err
	}

	resolvedCount := 0
	for _, l := range unresolved {
		target := strings.TrimSuffix(strings.TrimPrefix(l.DstReference, "[["), "]]")
		target = strings.SplitN(target, "|", 2)[0] // strip display-text alias syntax
		if docID, ok := byTitle[strings.ToLower(target)]; ok {
			if _, err := s.db.ExecContext(ctx, `
				UPDATE links SET resolved_doc_id = ? WHERE src_block_id = ? AND dst_reference = ?`,
				docID, l.SrcBlockID, l.DstReference); err != nil {
				return resolvedCount, fmt.Errorf("update resolved link: %w", err)
			}
			resolvedCount++
		}
	}
	return resolvedCount, nil
}

// SearchFTS runs an FTS5 match query ranked by bm25 (spec.md §4.4 query
// pipeline step 2: Lexical).
func (s *SQLiteStore) SearchFTS(ctx context.Context, query string, topN int) ([]Candidate, error) {
	if topN <= 0 {
		topN = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.doc_id, b.text, bm25(blocks_fts) AS rank
		FROM blocks_fts
		JOIN blocks b ON b.id = blocks_fts.block_id
		WHERE blocks_fts MATCH ?
		ORDER BY rank LIMIT ?`, escapeFTSQuery(query), topN)
	if err != nil {
		return nil, fmt.Errorf("search fts: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var rank float64
		if err := rows.Scan(&c.BlockID, &c.DocID, &c.Text, &rank); err != nil {
			return nil, fmt.Errorf("scan fts row: %w", err)
		}
		// bm25() in SQLite returns lower-is-better; invert to a
		// higher-is-better score for the merge stage.
		c.FTSScore = -rank
		c.FromFTS = true
		out = append(out, c)
	}
	return out, rows.Err()
}

// escapeFTSQuery quotes each term so punctuation in user queries cannot be
// misread as FTS5 query syntax.
func escapeFTSQuery(q string) string {
	fields := strings.Fields(q)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}

func (s *SQLiteStore) InsertTrace(ctx context.Context, t RetrievalTrace) error {
	scores := make([]string, len(t.RerankScores))
	for i, sc := range t.RerankScores {
		scores[i] = fmt.Sprintf("%.6f", sc)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retrieval_traces (id, timestamp, query, fts_hits, vector_hits, rerank_scores, selected, latency_ms, degraded_fts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Timestamp.UTC().Format(time.RFC3339Nano), t.Query, t.FTSHits, t.VectorHits,
		strings.Join(scores, ","), strings.Join(t.Selected, ","), t.LatencyMs, boolToInt(t.DegradedFTS))
	if err != nil {
		return fmt.Errorf("insert retrieval trace: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TracesOlderThan(ctx context.Context, cutoff time.Time) ([]RetrievalTrace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, query, fts_hits, vector_hits, rerank_scores, selected, latency_ms, degraded_fts
		FROM retrieval_traces WHERE timestamp < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("traces older than: %w", err)
	}
	defer rows.Close()

	var out []RetrievalTrace
	for rows.Next() {
		var t RetrievalTrace
		var ts, scores, selected string
		var degraded int
		if err := rows.Scan(&t.ID, &ts, &t.Query, &t.FTSHits, &t.VectorHits, &scores, &selected, &t.LatencyMs, &degraded); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		t.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		t.DegradedFTS = degraded != 0
		if selected != "" {
			t.Selected = strings.Split(selected, ",")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteTraces(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM retrieval_traces WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete trace %s: %w", id, err)
		}
	}
	return nil
}

func (s *SQLiteStore) DocumentCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) BlockCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row *sql.Row) (Document, bool, error) {
	doc, err := scanDocumentRow(row)
	if err == sql.ErrNoRows {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	return doc, true, nil
}

func scanDocumentRow(r rowScanner) (Document, error) {
	var doc Document
	var aliases, tags, createdAt, updatedAt string
	if err := r.Scan(&doc.ID, &doc.Path, &doc.Title, &aliases, &tags, &doc.Namespace, &createdAt, &updatedAt, &doc.ContentHash); err != nil {
		return Document{}, err
	}
	if aliases != "" {
		doc.Aliases = strings.Split(aliases, "\x1f")
	}
	if tags != "" {
		doc.Tags = strings.Split(tags, "\x1f")
	}
	doc.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	doc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return doc, nil
}

func scanBlock(row *sql.Row) (Block, bool, error) {
	b, err := scanBlockRow(row)
	if err == sql.ErrNoRows {
		return Block{}, false, nil
	}
	if err != nil {
		return Block{}, false, err
	}
	return b, true, nil
}

func scanBlockRow(r rowScanner) (Block, error) {
	var b Block
	var kind string
	var hasEmbedding int
	if err := r.Scan(&b.ID, &b.DocID, &kind, &b.HeadingPath, &b.StartOffset, &b.EndOffset, &b.Text, &b.BlockHash, &hasEmbedding); err != nil {
		return Block{}, err
	}
	b.Kind = BlockKind(kind)
	_ = hasEmbedding // vectors themselves live in the VectorIndex, not here
	return b, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
