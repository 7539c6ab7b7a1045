package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/apix-platform/realtime-fabric/internal/logging"
)

type fileStoreOption func(*FileStore)

// WithClock overrides the FileStore's time source; used in tests.
func WithClock(clock func() time.Time) fileStoreOption {
	return func(s *FileStore) {
		if clock != nil {
			s.now = clock
		}
	}
}

// rowKey addresses a single stored row.
type rowKey struct {
	table          Table
	organizationID string
	id             string
}

// FileStore persists tenant-scoped rows to a single JSON file on a
// debounced ticker, mirroring the teacher's StateSnapshotter: writes land
// in memory immediately and are asynchronously flushed to disk, with a
// final synchronous flush on Close.
type FileStore struct {
	mu   sync.RWMutex
	path string

	rows  map[rowKey]json.RawMessage
	order map[Table][]rowKey
	dirty bool

	log      *logging.Logger
	now      func() time.Time
	interval time.Duration

	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

type fileRecord struct {
	Table          Table           `json:"table"`
	OrganizationID string          `json:"organizationId"`
	ID             string          `json:"id"`
	Payload        json.RawMessage `json:"payload"`
}

type fileSnapshot struct {
	SavedAt time.Time    `json:"savedAt"`
	Records []fileRecord `json:"records"`
}

// NewFileStore constructs a FileStore backed by path, flushing dirty state
// every interval.
func NewFileStore(path string, interval time.Duration, logger *logging.Logger, opts ...fileStoreOption) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("metastore: file store path must not be empty")
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = logging.L()
	}
	store := &FileStore{
		path:     path,
		rows:     make(map[rowKey]json.RawMessage),
		order:    make(map[Table][]rowKey),
		log:      logger,
		now:      time.Now,
		interval: interval,
		flushCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	go store.loop()
	return store, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("metastore: read %s: %w", s.path, err)
	}
	var snapshot fileSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("metastore: decode %s: %w", s.path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range snapshot.Records {
		key := rowKey{table: record.Table, organizationID: record.OrganizationID, id: record.ID}
		s.rows[key] = append(json.RawMessage(nil), record.Payload...)
		s.appendOrderLocked(key)
	}
	return nil
}

func (s *FileStore) appendOrderLocked(key rowKey) {
	for _, existing := range s.order[key.table] {
		if existing == key {
			return
		}
	}
	s.order[key.table] = append(s.order[key.table], key)
}

func (s *FileStore) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.doneCh)
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.flushCh:
			s.flush()
		case <-s.stopCh:
			s.flush()
			return
		}
	}
}

func (s *FileStore) Upsert(_ context.Context, table Table, organizationID, id string, row any) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("metastore: marshal %s/%s: %w", table, id, err)
	}
	key := rowKey{table: table, organizationID: organizationID, id: id}
	s.mu.Lock()
	s.rows[key] = payload
	s.appendOrderLocked(key)
	s.dirty = true
	s.mu.Unlock()
	s.requestFlush()
	return nil
}

func (s *FileStore) Find(_ context.Context, table Table, organizationID, id string, out any) (bool, error) {
	key := rowKey{table: table, organizationID: organizationID, id: id}
	s.mu.RLock()
	payload, ok := s.rows[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return false, fmt.Errorf("metastore: unmarshal %s/%s: %w", table, id, err)
	}
	return true, nil
}

func (s *FileStore) ListByOrganization(_ context.Context, table Table, organizationID string) ([]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []json.RawMessage
	for _, key := range s.order[table] {
		if key.organizationID != organizationID {
			continue
		}
		payload, ok := s.rows[key]
		if !ok {
			continue
		}
		out = append(out, append(json.RawMessage(nil), payload...))
	}
	return out, nil
}

func (s *FileStore) Delete(_ context.Context, table Table, organizationID, id string) error {
	key := rowKey{table: table, organizationID: organizationID, id: id}
	s.mu.Lock()
	if _, ok := s.rows[key]; ok {
		delete(s.rows, key)
		s.removeOrderLocked(key)
		s.dirty = true
	}
	s.mu.Unlock()
	s.requestFlush()
	return nil
}

func (s *FileStore) removeOrderLocked(key rowKey) {
	keys := s.order[key.table]
	for i, existing := range keys {
		if existing == key {
			s.order[key.table] = append(keys[:i], keys[i+1:]...)
			return
		}
	}
}

func (s *FileStore) requestFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

// Flush synchronously persists the current row set to disk if dirty.
func (s *FileStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	snapshot := fileSnapshot{SavedAt: s.now().UTC()}
	for table, keys := range s.order {
		for _, key := range keys {
			payload, ok := s.rows[key]
			if !ok {
				continue
			}
			snapshot.Records = append(snapshot.Records, fileRecord{
				Table:          table,
				OrganizationID: key.organizationID,
				ID:             key.id,
				Payload:        payload,
			})
		}
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("metastore: marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("metastore: mkdir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("metastore: write %s: %w", s.path, err)
	}
	s.dirty = false
	return nil
}

func (s *FileStore) flush() {
	if err := s.Flush(); err != nil {
		s.log.Error("failed to persist metastore snapshot", logging.Error(err))
	}
}

// Close stops the flush goroutine and performs a final synchronous flush.
func (s *FileStore) Close() error {
	close(s.stopCh)
	<-s.doneCh
	return nil
}
