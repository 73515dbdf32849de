// Package store implements domain.RecordStore over memory, SQLite and Redis.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"mosaic-ai/internal/domain"
	"mosaic-ai/internal/infra/config"
)

const subsystem = "store"

// Open builds the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StoreConfig) (domain.RecordStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "redis":
		return NewRedisStore(ctx, cfg.RedisURL, cfg.KeyPrefix)
	default:
		return nil, domain.NewSubSystemError(subsystem, "Open", domain.ErrConfiguration,
			fmt.Sprintf("unknown store backend %q", cfg.Backend))
	}
}

func notFound(op, kind, id string) error {
	return domain.NewSubSystemError(subsystem, op, domain.ErrNotFound, kind+"/"+id)
}

func storeErr(op string, err error) error {
	return domain.NewSubSystemError(subsystem, op, domain.ErrStore, err.Error())
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]map[string]domain.Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]map[string]domain.Record)}
}

func (s *MemoryStore) Put(_ context.Context, rec domain.Record) error {
	if rec.Kind == "" || rec.ID == "" {
		return domain.NewSubSystemError(subsystem, "MemoryStore.Put", domain.ErrInvalidInput, "kind and id are required")
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.recs[rec.Kind]
	if !ok {
		byID = make(map[string]domain.Record)
		s.recs[rec.Kind] = byID
	}
	byID[rec.ID] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, kind, id string) (*domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[kind][id]
	if !ok {
		return nil, notFound("MemoryStore.Get", kind, id)
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	return &rec, nil
}

// List returns every record of kind ordered by id.
func (s *MemoryStore) List(_ context.Context, kind string) ([]domain.Record, error) {
	s.mu.RLock()
	out := make([]domain.Record, 0, len(s.recs[kind]))
	for _, rec := range s.recs[kind] {
		rec.Payload = append([]byte(nil), rec.Payload...)
		out = append(out, rec)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[kind][id]; !ok {
		return notFound("MemoryStore.Delete", kind, id)
	}
	delete(s.recs[kind], id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

var _ domain.RecordStore = (*MemoryStore)(nil)
