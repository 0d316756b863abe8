// Package memstore is an in-memory kb.Store + kb.VectorIndex fake used by
// the kb package's tests, mirroring internal/scheduler/memstore.
package memstore

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"wooster/internal/kb"
)

// Store is an in-memory implementation of kb.Store.
type Store struct {
	mu sync.Mutex

	docsByID   map[string]kb.Document
	docsByPath map[string]string // path -> id

	blocksByDoc map[string][]kb.Block // docID -> blocks, in insertion order
	blockByID   map[string]kb.Block

	linksBySrcDoc map[string][]kb.Link // srcDocID -> outgoing links

	traces []kb.RetrievalTrace
}

func New() *Store {
	return &Store{
		docsByID:      make(map[string]kb.Document),
		docsByPath:    make(map[string]string),
		blocksByDoc:   make(map[string][]kb.Block),
		blockByID:     make(map[string]kb.Block),
		linksBySrcDoc: make(map[string][]kb.Link),
	}
}

func (s *Store) UpsertDocument(ctx context.Context, doc kb.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docsByID[doc.ID] = doc
	s.docsByPath[doc.Path] = doc.ID
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (kb.Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docsByID[id]
	return d, ok, nil
}

func (s *Store) GetDocumentByPath(ctx context.Context, path string) (kb.Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.docsByPath[path]
	if !ok {
		return kb.Document{}, false, nil
	}
	d := s.docsByID[id]
	return d, true, nil
}

func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docsByID[id]; ok {
		delete(s.docsByPath, d.Path)
	}
	delete(s.docsByID, id)
	for _, b := range s.blocksByDoc[id] {
		delete(s.blockByID, b.ID)
	}
	delete(s.blocksByDoc, id)
	delete(s.linksBySrcDoc, id)
	return nil
}

func (s *Store) ListDocuments(ctx context.Context, namespace string) ([]kb.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []kb.Document
	for _, d := range s.docsByID {
		if namespace == "" || d.Namespace == namespace {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpsertBlocks(ctx context.Context, docID string, blocks []kb.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, old := range s.blocksByDoc[docID] {
		delete(s.blockByID, old.ID)
	}
	cp := append([]kb.Block(nil), blocks...)
	s.blocksByDoc[docID] = cp
	for _, b := range cp {
		s.blockByID[b.ID] = b
	}
	return nil
}

func (s *Store) GetBlock(ctx context.Context, id string) (kb.Block, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blockByID[id]
	return b, ok, nil
}

func (s *Store) BlocksForDoc(ctx context.Context, docID string) ([]kb.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]kb.Block(nil), s.blocksByDoc[docID]...), nil
}

func (s *Store) BlocksPendingEmbedding(ctx context.Context, limit int) ([]kb.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []kb.Block
	for _, b := range s.blockByID {
		if b.Embedding == nil {
			out = append(out, b)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SetEmbedding(ctx context.Context, blockID string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blockByID[blockID]
	if !ok {
		return kb.ErrBlockNotFound
	}
	b.Embedding = vec
	s.blockByID[blockID] = b
	for docID, blocks := range s.blocksByDoc {
		for i, bl := range blocks {
			if bl.ID == blockID {
				blocks[i] = b
				s.blocksByDoc[docID] = blocks
			}
		}
	}
	return nil
}

func (s *Store) ReplaceLinks(ctx context.Context, srcDocID string, links []kb.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.linksBySrcDoc[srcDocID] = append([]kb.Link(nil), links...)
	return nil
}

func (s *Store) BacklinksTo(ctx context.Context, docID string) ([]kb.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []kb.Link
	for _, links := range s.linksBySrcDoc {
		for _, l := range links {
			if l.ResolvedDocID == docID {
				out = append(out, l)
			}
		}
	}
	return out, nil
}

func (s *Store) UnresolvedLinks(ctx context.Context) ([]kb.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []kb.Link
	for _, links := range s.linksBySrcDoc {
		for _, l := range links {
			if l.ResolvedDocID == "" {
				out = append(out, l)
			}
		}
	}
	return out, nil
}

func (s *Store) ResolveLinks(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byTitle := make(map[string]string)
	byAlias := make(map[string]string)
	for _, d := range s.docsByID {
		byTitle[strings.ToLower(d.Title)] = d.ID
		for _, a := range d.Aliases {
			byAlias[strings.ToLower(a)] = d.ID
		}
	}
	for a, id := range byAlias {
		if _, taken := byTitle[a]; !taken {
			byTitle[a] = id
		}
	}

	resolved := 0
	for srcDocID, links := range s.linksBySrcDoc {
		for i, l := range links {
			if l.ResolvedDocID != "" {
				continue
			}
			name := stripReference(l.DstReference)
			if id, ok := byTitle[strings.ToLower(name)]; ok {
				links[i].ResolvedDocID = id
				resolved++
			}
		}
		s.linksBySrcDoc[srcDocID] = links
	}
	return resolved, nil
}

func stripReference(ref string) string {
	name := strings.TrimSuffix(strings.TrimPrefix(ref, "[["), "]]")
	if idx := strings.Index(name, "|"); idx >= 0 {
		name = name[:idx]
	}
	return name
}

func (s *Store) SearchFTS(ctx context.Context, query string, topN int) ([]kb.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	terms := strings.Fields(strings.ToLower(query))
	var out []kb.Candidate
	for _, b := range s.blockByID {
		text := strings.ToLower(b.Text)
		score := 0.0
		for _, t := range terms {
			score += float64(strings.Count(text, t))
		}
		if score > 0 {
			out = append(out, kb.Candidate{BlockID: b.ID, DocID: b.DocID, Text: b.Text, FTSScore: score, FromFTS: true})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FTSScore != out[j].FTSScore {
			return out[i].FTSScore > out[j].FTSScore
		}
		return out[i].BlockID < out[j].BlockID
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out, nil
}

func (s *Store) InsertTrace(ctx context.Context, t kb.RetrievalTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces = append(s.traces, t)
	return nil
}

func (s *Store) TracesOlderThan(ctx context.Context, cutoff time.Time) ([]kb.RetrievalTrace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []kb.RetrievalTrace
	for _, t := range s.traces {
		if t.Timestamp.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) DeleteTraces(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	remove := make(map[string]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
	}
	var kept []kb.RetrievalTrace
	for _, t := range s.traces {
		if !remove[t.ID] {
			kept = append(kept, t)
		}
	}
	s.traces = kept
	return nil
}

func (s *Store) DocumentCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docsByID), nil
}

func (s *Store) BlockCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blockByID), nil
}

func (s *Store) Close() error { return nil }

// VectorIndex is an in-memory implementation of kb.VectorIndex.
type VectorIndex struct {
	mu         sync.Mutex
	embedderID string
	dims       int
	vectors    map[string]map[string][]float32 // namespace -> blockID -> vec
}

func NewVectorIndex(embedderID string, dims int) *VectorIndex {
	return &VectorIndex{embedderID: embedderID, dims: dims, vectors: make(map[string]map[string][]float32)}
}

func (v *VectorIndex) Upsert(ctx context.Context, namespace, blockID string, vec []float32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(vec) != v.dims {
		return kb.ErrEmbedderMismatch
	}
	ns, ok := v.vectors[namespace]
	if !ok {
		ns = make(map[string][]float32)
		v.vectors[namespace] = ns
	}
	ns[blockID] = append([]float32(nil), vec...)
	return nil
}

func (v *VectorIndex) Delete(ctx context.Context, namespace, blockID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.vectors[namespace], blockID)
	return nil
}

func (v *VectorIndex) Search(ctx context.Context, namespace string, query []float32, topN int) ([]kb.VectorHit, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []kb.VectorHit
	for blockID, vec := range v.vectors[namespace] {
		out = append(out, kb.VectorHit{BlockID: blockID, Score: cosine(query, vec)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out, nil
}

func (v *VectorIndex) Count(namespace string) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.vectors[namespace]), nil
}

func (v *VectorIndex) EmbedderID() string { return v.embedderID }
func (v *VectorIndex) Dims() int          { return v.dims }

func (v *VectorIndex) Rebuild(embedderID string, dims int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.embedderID = embedderID
	v.dims = dims
	v.vectors = make(map[string]map[string][]float32)
	return nil
}

func (v *VectorIndex) Close() error { return nil }

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
