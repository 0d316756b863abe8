package kb

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// GateFunc optionally classifies whether a query needs knowledge retrieval
// at all (spec.md §4.4 query pipeline step 1, task tag ROUTER_CLASSIFICATION).
type GateFunc func(ctx context.Context, query string) (needsRetrieval bool, err error)

// RerankFunc optionally scores candidates with a cross-encoder. When nil,
// Retriever falls back to a weighted sum of normalized FTS and vector
// scores (spec.md §4.4 step 5).
type RerankFunc func(ctx context.Context, query string, candidates []Candidate) ([]float64, error)

// QueryConfig configures a Retriever.
type QueryConfig struct {
	Store   Store
	Vectors VectorIndex
	Embed   EmbedFunc
	Gate    GateFunc
	Rerank  RerankFunc

	LexTopN           int // default 50
	DenseTopN         int // default 50
	RerankTopK        int // default 10
	ExpandMaxPerBlock int // default 4
	FTSWeight         float64
	VectorWeight      float64

	Now    func() time.Time
	Logger *slog.Logger
}

// QueryOptions are the per-call parameters to Query (spec.md §4.4 operations).
type QueryOptions struct {
	Namespace      string
	TopK           int
	WantCitations  bool
	ForceRetrieval bool
}

// Retriever implements the hybrid retrieval pipeline (spec.md §4.4 Query
// pipeline): gate, lexical, dense, merge, rerank, expand, trace.
type Retriever struct {
	store   Store
	vectors VectorIndex
	embed   EmbedFunc
	gate    GateFunc
	rerank  RerankFunc

	lexTopN      int
	denseTopN    int
	rerankTopK   int
	expandMax    int
	ftsWeight    float64
	vectorWeight float64

	now    func() time.Time
	logger *slog.Logger
}

func NewRetriever(cfg QueryConfig) *Retriever {
	r := &Retriever{
		store:        cfg.Store,
		vectors:      cfg.Vectors,
		embed:        cfg.Embed,
		gate:         cfg.Gate,
		rerank:       cfg.Rerank,
		lexTopN:      orDefault(cfg.LexTopN, 50),
		denseTopN:    orDefault(cfg.DenseTopN, 50),
		rerankTopK:   orDefault(cfg.RerankTopK, 10),
		expandMax:    orDefault(cfg.ExpandMaxPerBlock, 4),
		ftsWeight:    cfg.FTSWeight,
		vectorWeight: cfg.VectorWeight,
		now:          cfg.Now,
		logger:       cfg.Logger,
	}
	if r.ftsWeight == 0 && r.vectorWeight == 0 {
		r.ftsWeight, r.vectorWeight = 0.5, 0.5
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Query runs the full hybrid retrieval pipeline for one request.
func (r *Retriever) Query(ctx context.Context, text string, opts QueryOptions) (QueryResult, error) {
	start := r.now()
	trace := RetrievalTrace{ID: uuid.NewString(), Timestamp: start, Query: text}

	if r.gate != nil && !opts.ForceRetrieval {
		need, err := r.gate(ctx, text)
		if err != nil {
			r.logger.Warn("gate classifier failed, defaulting to retrieval", "error", err)
		} else if !need {
			trace.LatencyMs = time.Since(start).Milliseconds()
			_ = r.store.InsertTrace(ctx, trace)
			return QueryResult{TraceID: trace.ID}, nil
		}
	}

	ftsHits, err := r.store.SearchFTS(ctx, text, r.lexTopN)
	if err != nil {
		return QueryResult{}, fmt.Errorf("lexical search: %w", err)
	}
	trace.FTSHits = len(ftsHits)

	merged := make(map[string]*Candidate, len(ftsHits))
	for i := range ftsHits {
		c := ftsHits[i]
		merged[c.BlockID] = &c
	}

	if r.embed != nil {
		vecs, err := r.embed(ctx, []string{text})
		if err != nil {
			r.logger.Warn("query embedding failed, degrading to FTS-only", "error", err)
			trace.DegradedFTS = true
		} else if len(vecs) > 0 {
			vecHits, err := r.vectors.Search(ctx, opts.Namespace, vecs[0], r.denseTopN)
			if err != nil {
				r.logger.Warn("vector search failed, degrading to FTS-only", "error", err)
				trace.DegradedFTS = true
			} else {
				trace.VectorHits = len(vecHits)
				for _, hit := range vecHits {
					if existing, ok := merged[hit.BlockID]; ok {
						existing.VecScore = hit.Score
						existing.FromVec = true
						continue
					}
					blk, ok, err := r.store.GetBlock(ctx, hit.BlockID)
					if err != nil || !ok {
						continue
					}
					merged[hit.BlockID] = &Candidate{
						BlockID: hit.BlockID, DocID: blk.DocID, Text: blk.Text,
						VecScore: hit.Score, FromVec: true,
					}
				}
			}
		}
	} else {
		trace.DegradedFTS = true
	}

	candidates := make([]Candidate, 0, len(merged))
	for _, c := range merged {
		candidates = append(candidates, *c)
	}

	scores, err := r.score(ctx, text, candidates)
	if err != nil {
		return QueryResult{}, fmt.Errorf("rerank: %w", err)
	}
	trace.RerankScores = scores

	type scored struct {
		c     Candidate
		score float64
	}
	ranked := make([]scored, len(candidates))
	for i, c := range candidates {
		ranked[i] = scored{c: c, score: scores[i]}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	topK := opts.TopK
	if topK <= 0 {
		topK = r.rerankTopK
	}
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	contexts := make([]ContextChunk, 0, len(ranked))
	selected := make([]string, 0, len(ranked))
	for _, s := range ranked {
		contexts = append(contexts, ContextChunk{BlockID: s.c.BlockID, DocID: s.c.DocID, Text: s.c.Text, Score: s.score})
		selected = append(selected, s.c.BlockID)
	}

	contexts = r.expand(ctx, contexts)

	var citations []Citation
	if opts.WantCitations {
		for _, cx := range contexts {
			blk, ok, err := r.store.GetBlock(ctx, cx.BlockID)
			if err != nil || !ok {
				continue
			}
			doc, ok, err := r.store.GetDocument(ctx, blk.DocID)
			if err != nil || !ok {
				continue
			}
			citations = append(citations, Citation{DocID: doc.ID, DocPath: doc.Path, StartOffset: blk.StartOffset, EndOffset: blk.EndOffset})
		}
	}

	trace.Selected = selected
	trace.LatencyMs = time.Since(start).Milliseconds()
	if err := r.store.InsertTrace(ctx, trace); err != nil {
		r.logger.Warn("failed to persist retrieval trace", "error", err)
	}

	return QueryResult{Contexts: contexts, Citations: citations, TraceID: trace.ID}, nil
}

// score produces one score per candidate, in the same order, either via
// the configured cross-encoder or a weighted sum of normalized signals.
func (r *Retriever) score(ctx context.Context, query string, candidates []Candidate) ([]float64, error) {
	if r.rerank != nil {
		return r.rerank(ctx, query, candidates)
	}

	maxFTS, maxVec := 0.0, 0.0
	for _, c := range candidates {
		maxFTS = maxFloat(maxFTS, c.FTSScore)
		maxVec = maxFloat(maxVec, c.VecScore)
	}

	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		fts := normalize(c.FTSScore, maxFTS)
		vec := normalize(c.VecScore, maxVec)
		scores[i] = r.ftsWeight*fts + r.vectorWeight*vec
	}
	return scores, nil
}

func normalize(v, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return v / max
}

func maxFloat(a, b float64) float64 {
	if b > a {
		return b
	}
	return a
}

// expand fetches up to expandMax backlink neighbors for each returned
// block with a non-trivial in-degree (spec.md §4.4 step 6).
func (r *Retriever) expand(ctx context.Context, contexts []ContextChunk) []ContextChunk {
	if r.expandMax <= 0 {
		return contexts
	}
	seen := make(map[string]bool, len(contexts))
	for _, c := range contexts {
		seen[c.BlockID] = true
	}

	out := append([]ContextChunk(nil), contexts...)
	for _, c := range contexts {
		links, err := r.store.BacklinksTo(ctx, c.DocID)
		if err != nil || len(links) == 0 {
			continue
		}
		added := 0
		for _, l := range links {
			if added >= r.expandMax {
				break
			}
			blk, ok, err := r.store.GetBlock(ctx, l.SrcBlockID)
			if err != nil || !ok || seen[blk.ID] {
				continue
			}
			seen[blk.ID] = true
			out = append(out, ContextChunk{BlockID: blk.ID, DocID: blk.DocID, Text: blk.Text, Score: 0})
			added++
		}
	}
	return out
}

// Backlinks returns every link resolving to docID (spec.md §4.4 operations).
func (r *Retriever) Backlinks(ctx context.Context, docID string) ([]Link, error) {
	return r.store.BacklinksTo(ctx, docID)
}
