// Package kb implements the Knowledge Base: Markdown ingestion into a
// hybrid full-text/vector index, and hybrid retrieval over it (spec.md §4.4).
package kb

import (
	"errors"
	"time"
)

// RefKind distinguishes the three ways one block can reference another
// document.
type RefKind string

const (
	RefWikilink     RefKind = "wikilink"
	RefTransclusion RefKind = "transclusion"
	RefAlias        RefKind = "alias"
)

// BlockKind is the syntactic category of a parsed Markdown block.
type BlockKind string

const (
	BlockHeading   BlockKind = "heading"
	BlockParagraph BlockKind = "paragraph"
	BlockCode      BlockKind = "code"
	BlockListItem  BlockKind = "list_item"
)

// Document is one ingested Markdown file (spec.md §3).
type Document struct {
	ID          string
	Path        string
	Title       string
	Aliases     []string
	Tags        []string
	Namespace   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ContentHash string
}

// Block is one unit of a document's block tree.
type Block struct {
	ID          string
	DocID       string
	Kind        BlockKind
	HeadingPath string // breadcrumb, e.g. "Intro > Background"
	StartOffset int
	EndOffset   int
	Text        string
	BlockHash   string
	// Embedding holds the block's dense vector once computed. Nil means
	// the block is pending an embedding job (changed since last embed).
	Embedding []float32
}

// Link records one outgoing reference from a block to another document.
type Link struct {
	SrcBlockID    string
	DstReference  string // raw reference text, e.g. "[[Some Note]]"
	ResolvedDocID string // empty if unresolved
	Kind          RefKind
}

// RetrievalTrace records one hybrid query for diagnostics (spec.md §3, §4.4 step 8).
type RetrievalTrace struct {
	ID            string
	Timestamp     time.Time
	Query         string
	FTSHits       int
	VectorHits    int
	RerankScores  []float64
	Selected      []string // block IDs returned to the caller
	LatencyMs     int64
	DegradedFTS   bool // true if the vector stage was skipped (embedder down)
}

// QueryResult is the caller-facing shape of Query (spec.md §4.4 operations).
type QueryResult struct {
	Contexts    []ContextChunk
	Citations   []Citation
	TraceID     string
}

// ContextChunk is one retrieved block surfaced to a caller.
type ContextChunk struct {
	BlockID string
	DocID   string
	Text    string
	Score   float64
}

// Citation is a stable pointer back to source material (doc id + offsets).
type Citation struct {
	DocID       string
	DocPath     string
	StartOffset int
	EndOffset   int
}

// Candidate is a merge-stage entry carrying per-signal scores before rerank.
type Candidate struct {
	BlockID   string
	DocID     string
	Text      string
	FTSScore  float64
	VecScore  float64
	FromFTS   bool
	FromVec   bool
}

var (
	ErrDocumentNotFound = errors.New("kb: document not found")
	ErrBlockNotFound    = errors.New("kb: block not found")
	ErrEmbedderMismatch = errors.New("kb: configured embedder does not match the vector index's recorded embedder")
	ErrVectorWriteFailed = errors.New("kb: vector index write failed")
	ErrIngestionError   = errors.New("kb: ingestion failed")
)
