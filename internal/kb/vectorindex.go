package kb

import (
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FlatVectorIndex is a brute-force, namespace-scoped vector index persisted
// as a single gob-encoded sidecar file. No ANN library appears anywhere in
// the retrieved example pack, and a personal knowledge base's note count
// (thousands, not millions, of blocks) does not warrant one: a linear scan
// over float32 slices is fast enough at this scale and keeps the storage
// format simple and inspectable, matching the local-first, single-user
// design spec.md calls for.
type FlatVectorIndex struct {
	mu   sync.RWMutex
	path string

	embedderID string
	dims       int
	vectors    map[string]map[string][]float32 // namespace -> blockID -> vec
}

type vectorSidecar struct {
	EmbedderID string
	Dims       int
	Vectors    map[string]map[string][]float32
}

// OpenFlatVectorIndex loads (or creates) the sidecar file at path. If the
// file exists and its recorded embedder/dims differ from embedderID/dims,
// ErrEmbedderMismatch is returned and the caller must explicitly call
// Rebuild before any write — spec.md §4.4 Storage forbids silent
// reinterpretation of vectors under a changed embedder.
func OpenFlatVectorIndex(path, embedderID string, dims int) (*FlatVectorIndex, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create vector index directory: %w", err)
		}
	}

	idx := &FlatVectorIndex{path: path, embedderID: embedderID, dims: dims, vectors: make(map[string]map[string][]float32)}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return idx, idx.persist()
	}
	if err != nil {
		return nil, fmt.Errorf("open vector sidecar: %w", err)
	}
	defer f.Close()

	var sidecar vectorSidecar
	if err := gob.NewDecoder(f).Decode(&sidecar); err != nil {
		return nil, fmt.Errorf("decode vector sidecar: %w", err)
	}
	if sidecar.EmbedderID != embedderID || sidecar.Dims != dims {
		return nil, ErrEmbedderMismatch
	}
	idx.vectors = sidecar.Vectors
	if idx.vectors == nil {
		idx.vectors = make(map[string]map[string][]float32)
	}
	return idx, nil
}

func (idx *FlatVectorIndex) persist() error {
	tmp := idx.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create vector sidecar: %w", err)
	}
	sidecar := vectorSidecar{EmbedderID: idx.embedderID, Dims: idx.dims, Vectors: idx.vectors}
	if err := gob.NewEncoder(f).Encode(sidecar); err != nil {
		f.Close()
		return fmt.Errorf("encode vector sidecar: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close vector sidecar: %w", err)
	}
	return os.Rename(tmp, idx.path)
}

func (idx *FlatVectorIndex) Upsert(ctx context.Context, namespace, blockID string, vec []float32) error {
	if len(vec) != idx.dims {
		return fmt.Errorf("%w: expected %d dims, got %d", ErrVectorWriteFailed, idx.dims, len(vec))
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	ns, ok := idx.vectors[namespace]
	if !ok {
		ns = make(map[string][]float32)
		idx.vectors[namespace] = ns
	}
	prev, hadPrev := ns[blockID]
	ns[blockID] = vec
	if err := idx.persist(); err != nil {
		// Leave previous vectors in place on a write failure (spec.md
		// §4.4 failure model: "abort the block upsert, leave the
		// previous vectors in place").
		if hadPrev {
			ns[blockID] = prev
		} else {
			delete(ns, blockID)
		}
		return fmt.Errorf("%w: %v", ErrVectorWriteFailed, err)
	}
	return nil
}

func (idx *FlatVectorIndex) Delete(ctx context.Context, namespace, blockID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if ns, ok := idx.vectors[namespace]; ok {
		delete(ns, blockID)
	}
	return idx.persist()
}

func (idx *FlatVectorIndex) Search(ctx context.Context, namespace string, query []float32, topN int) ([]VectorHit, error) {
	if topN <= 0 {
		topN = 50
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ns := idx.vectors[namespace]
	hits := make([]VectorHit, 0, len(ns))
	for blockID, vec := range ns {
		hits = append(hits, VectorHit{BlockID: blockID, Score: cosineSimilarity(query, vec)})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topN {
		hits = hits[:topN]
	}
	return hits, nil
}

func (idx *FlatVectorIndex) Count(namespace string) (int, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.vectors[namespace]), nil
}

func (idx *FlatVectorIndex) EmbedderID() string { return idx.embedderID }
func (idx *FlatVectorIndex) Dims() int          { return idx.dims }

func (idx *FlatVectorIndex) Rebuild(embedderID string, dims int) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.embedderID = embedderID
	idx.dims = dims
	idx.vectors = make(map[string]map[string][]float32)
	return idx.persist()
}

func (idx *FlatVectorIndex) Close() error { return nil }

func cosineSimilarity(a, b []float32) float64 {
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
