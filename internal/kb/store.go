package kb

import (
	"context"
	"time"
)

// Store is the relational/FTS metadata persistence interface (spec.md
// §4.4 Storage). A sqlite-backed implementation lives in sqlitestore.go;
// tests use the in-memory fake in kb/memstore.
type Store interface {
	UpsertDocument(ctx context.Context, doc Document) error
	GetDocument(ctx context.Context, id string) (Document, bool, error)
	GetDocumentByPath(ctx context.Context, path string) (Document, bool, error)
	DeleteDocument(ctx context.Context, id string) error
	ListDocuments(ctx context.Context, namespace string) ([]Document, error)

	// UpsertBlocks replaces the full block set for a document in one
	// transaction: blocks present in the new set are upserted, and any
	// stored block whose id is absent from the new set is deleted along
	// with its links (a document's block tree is replaced wholesale on
	// re-ingest, not diffed block-by-block).
	UpsertBlocks(ctx context.Context, docID string, blocks []Block) error
	GetBlock(ctx context.Context, id string) (Block, bool, error)
	BlocksForDoc(ctx context.Context, docID string) ([]Block, error)
	BlocksPendingEmbedding(ctx context.Context, limit int) ([]Block, error)
	SetEmbedding(ctx context.Context, blockID string, vec []float32) error

	ReplaceLinks(ctx context.Context, srcDocID string, links []Link) error
	BacklinksTo(ctx context.Context, docID string) ([]Link, error)
	UnresolvedLinks(ctx context.Context) ([]Link, error)
	ResolveLinks(ctx context.Context) (int, error)

	SearchFTS(ctx context.Context, query string, topN int) ([]Candidate, error)

	InsertTrace(ctx context.Context, t RetrievalTrace) error
	TracesOlderThan(ctx context.Context, cutoff time.Time) ([]RetrievalTrace, error)
	DeleteTraces(ctx context.Context, ids []string) error

	DocumentCount(ctx context.Context) (int, error)
	BlockCount(ctx context.Context) (int, error)

	Close() error
}

// VectorHit is one approximate-nearest-neighbor result.
type VectorHit struct {
	BlockID string
	Score   float64
}

// VectorIndex is the dense-retrieval side of the hybrid store (spec.md
// §4.4 Storage: "a sidecar file records the embedding model identifier
// and dimension; a mismatch with the configured embedder forces an
// explicit rebuild").
type VectorIndex interface {
	Upsert(ctx context.Context, namespace, blockID string, vec []float32) error
	Delete(ctx context.Context, namespace, blockID string) error
	Search(ctx context.Context, namespace string, query []float32, topN int) ([]VectorHit, error)
	Count(namespace string) (int, error)

	// EmbedderID and Dims report the sidecar metadata recorded at last
	// build time, for the mismatch check in Storage.
	EmbedderID() string
	Dims() int
	// Rebuild clears the index and records new sidecar metadata,
	// required before any Upsert call if the configured embedder
	// changes.
	Rebuild(embedderID string, dims int) error

	Close() error
}
