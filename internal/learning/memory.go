package learning

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process Store used by tests and by deployments that
// opt out of persistence.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string][]Record // keyed by database id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string][]Record)}
}

func (m *MemoryStore) Add(_ context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.DatabaseID] = append(m.recs[rec.DatabaseID], rec)
	return nil
}

func (m *MemoryStore) Similar(_ context.Context, databaseID string, words []string, limit int) ([]Neighbor, error) {
	probe := Embed(words)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Neighbor
	for _, rec := range m.recs[databaseID] {
		sim := Cosine(probe, Embed(rec.Words))
		if sim < similarityFloor {
			continue
		}
		out = append(out, Neighbor{Record: rec, Similarity: sim})
	}
	sortNeighbors(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Stats(_ context.Context, databaseID string) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var st Stats
	tables := map[string]struct{}{}
	for _, rec := range m.recs[databaseID] {
		st.Total++
		if rec.Success {
			st.Successes++
		}
		tables[rec.Table] = struct{}{}
	}
	st.Tables = len(tables)
	if st.Total > 0 {
		st.SuccessRate = float64(st.Successes) / float64(st.Total)
	}
	return st, nil
}

func (m *MemoryStore) Boost(databaseID string, words []string, table string) float64 {
	neighbors, _ := m.Similar(context.Background(), databaseID, words, 20)
	return boostFrom(neighbors, table)
}

func (m *MemoryStore) Close() error { return nil }
