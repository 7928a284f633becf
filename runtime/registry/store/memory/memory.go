// Package memory provides an in-memory implementation of the tool metadata
// store.
//
// This implementation is suitable for development, testing, and single-node
// deployments where persistence across restarts is not required.
package memory

import (
	"context"
	"sync"

	"github.com/opforge/toolrun/runtime/registry/store"
)

// Store is an in-memory implementation of the store.Store interface.
// It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	records map[string]*store.ToolRecord
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{records: make(map[string]*store.ToolRecord)}
}

func recordKey(companyID, toolName string) string {
	return companyID + "/" + toolName
}

// Put stores or replaces the record for (company, tool).
func (s *Store) Put(ctx context.Context, rec *store.ToolRecord) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey(rec.CompanyID, rec.ToolName)] = rec
	return nil
}

// Get retrieves the record for (company, tool).
func (s *Store) Get(ctx context.Context, companyID, toolName string) (*store.ToolRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordKey(companyID, toolName)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

// List returns every record for the company.
func (s *Store) List(ctx context.Context, companyID string) ([]*store.ToolRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.ToolRecord, 0)
	for _, rec := range s.records {
		if rec.CompanyID == companyID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Delete removes the record for (company, tool).
func (s *Store) Delete(ctx context.Context, companyID, toolName string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey(companyID, toolName)
	if _, ok := s.records[key]; !ok {
		return store.ErrNotFound
	}
	delete(s.records, key)
	return nil
}
