package metastore

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore is the zero-IO Store used by component tests. It shares the
// same row-keying scheme as FileStore without ever touching disk.
type MemoryStore struct {
	mu    sync.RWMutex
	rows  map[rowKey]json.RawMessage
	order map[Table][]rowKey
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:  make(map[rowKey]json.RawMessage),
		order: make(map[Table][]rowKey),
	}
}

func (s *MemoryStore) Upsert(_ context.Context, table Table, organizationID, id string, row any) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return err
	}
	key := rowKey{table: table, organizationID: organizationID, id: id}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[key]; !exists {
		s.order[table] = append(s.order[table], key)
	}
	s.rows[key] = payload
	return nil
}

func (s *MemoryStore) Find(_ context.Context, table Table, organizationID, id string, out any) (bool, error) {
	key := rowKey{table: table, organizationID: organizationID, id: id}
	s.mu.RLock()
	payload, ok := s.rows[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *MemoryStore) ListByOrganization(_ context.Context, table Table, organizationID string) ([]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []json.RawMessage
	for _, key := range s.order[table] {
		if key.organizationID != organizationID {
			continue
		}
		if payload, ok := s.rows[key]; ok {
			out = append(out, append(json.RawMessage(nil), payload...))
		}
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, table Table, organizationID, id string) error {
	key := rowKey{table: table, organizationID: organizationID, id: id}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[key]; !ok {
		return nil
	}
	delete(s.rows, key)
	keys := s.order[table]
	for i, existing := range keys {
		if existing == key {
			s.order[table] = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
