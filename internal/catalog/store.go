package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/go4it/credeval/internal/domain"
)

// Source supplies raw catalog data, typically the repository.
type Source interface {
	LoadCatalog(ctx context.Context) (*domain.CatalogData, error)
}

// Store publishes the current catalog snapshot. Evaluations pin the
// snapshot they start with; Replace never mutates a published snapshot.
type Store struct {
	current atomic.Pointer[Snapshot]

	mu      sync.Mutex // serializes replacements
	version int64
}

// NewStore builds a store with data as version 1.
func NewStore(data *domain.CatalogData) (*Store, error) {
	s := &Store{}
	if _, err := s.Replace(data); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSeededStore builds a store from the embedded seed.
func NewSeededStore() (*Store, error) {
	data, err := DefaultSeed()
	if err != nil {
		return nil, err
	}
	return NewStore(data)
}

// Current returns the snapshot in effect.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Replace validates data and publishes it as the next version.
// An invalid catalog leaves the current snapshot in place.
func (s *Store) Replace(data *domain.CatalogData) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := NewSnapshot(data, s.version+1)
	if err != nil {
		return nil, fmt.Errorf("catalog rejected: %w", err)
	}
	s.version++
	s.current.Store(snap)
	return snap, nil
}

// Reload pulls data from src and publishes it. An empty source is ignored.
func (s *Store) Reload(ctx context.Context, src Source) (*Snapshot, error) {
	data, err := src.LoadCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	if len(data.Systems) == 0 {
		slog.Warn("catalog source is empty, keeping current snapshot")
		return s.Current(), nil
	}

	snap, err := s.Replace(data)
	if err != nil {
		return nil, err
	}
	slog.Info("catalog reloaded",
		"catalog_version", snap.Version(),
		"systems", len(data.Systems),
		"rules", len(data.Rules),
	)
	return snap, nil
}
