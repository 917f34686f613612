package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tandemnet/pairsync/protocol"
)

// ConversationStore is the narrow interface to the external conversation
// store. This subsystem reads and writes sync snapshots through it; it does
// not own conversation content.
type ConversationStore interface {
	Get(ctx context.Context, conversationID string) (*protocol.ConversationRecord, bool, error)
	Create(ctx context.Context, rec protocol.ConversationRecord) error
	Update(ctx context.Context, rec protocol.ConversationRecord) error
	ModifiedSince(ctx context.Context, since time.Time) ([]protocol.ConversationRecord, error)
}

// MemoryConversationStore implements ConversationStore for tests.
type MemoryConversationStore struct {
	mu      sync.RWMutex
	records map[string]protocol.ConversationRecord
}

// NewMemoryConversationStore creates an empty store.
func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{records: make(map[string]protocol.ConversationRecord)}
}

func (s *MemoryConversationStore) Get(_ context.Context, id string) (*protocol.ConversationRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	out := rec.Clone()
	return &out, true, nil
}

func (s *MemoryConversationStore) Create(_ context.Context, rec protocol.ConversationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ConversationID] = rec.Clone()
	return nil
}

func (s *MemoryConversationStore) Update(_ context.Context, rec protocol.ConversationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ConversationID] = rec.Clone()
	return nil
}

func (s *MemoryConversationStore) ModifiedSince(_ context.Context, since time.Time) ([]protocol.ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []protocol.ConversationRecord
	for _, rec := range s.records {
		if rec.LastModified.After(since) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out, nil
}

// FileConversationStore keeps one JSON snapshot per conversation plus an
// index mapping conversation ids to metadata, under a single directory.
type FileConversationStore struct {
	dir string

	mu    sync.Mutex
	index map[string]conversationIndexEntry
}

type conversationIndexEntry struct {
	Version      int64     `json:"version"`
	LastModified time.Time `json:"last_modified"`
	Source       string    `json:"source_backend"`
}

// NewFileConversationStore opens (creating if needed) a snapshot directory.
func NewFileConversationStore(dir string) (*FileConversationStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("conversation store: %w", err)
	}
	s := &FileConversationStore{dir: dir, index: make(map[string]conversationIndexEntry)}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileConversationStore) Get(_ context.Context, id string) (*protocol.ConversationRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[id]; !ok {
		return nil, false, nil
	}
	raw, err := os.ReadFile(s.snapshotPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("conversation store: %w", err)
	}
	var rec protocol.ConversationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("conversation store: decoding %s: %w", id, err)
	}
	return &rec, true, nil
}

func (s *FileConversationStore) Create(ctx context.Context, rec protocol.ConversationRecord) error {
	return s.write(rec)
}

func (s *FileConversationStore) Update(ctx context.Context, rec protocol.ConversationRecord) error {
	return s.write(rec)
}

func (s *FileConversationStore) ModifiedSince(_ context.Context, since time.Time) ([]protocol.ConversationRecord, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.index))
	for id, meta := range s.index {
		if meta.LastModified.After(since) {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(ids)

	out := make([]protocol.ConversationRecord, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := s.Get(context.Background(), id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (s *FileConversationStore) write(rec protocol.ConversationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("conversation store: encoding %s: %w", rec.ConversationID, err)
	}

	path := s.snapshotPath(rec.ConversationID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("conversation store: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("conversation store: %w", err)
	}

	s.index[rec.ConversationID] = conversationIndexEntry{
		Version:      rec.Version,
		LastModified: rec.LastModified,
		Source:       rec.SourceBackend,
	}
	return s.saveIndexLocked()
}

func (s *FileConversationStore) snapshotPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileConversationStore) indexPath() string {
	return filepath.Join(s.dir, "index.json")
}

func (s *FileConversationStore) loadIndex() error {
	raw, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("conversation store: %w", err)
	}
	if err := json.Unmarshal(raw, &s.index); err != nil {
		return fmt.Errorf("conversation store: decoding index: %w", err)
	}
	return nil
}

func (s *FileConversationStore) saveIndexLocked() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("conversation store: encoding index: %w", err)
	}
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("conversation store: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		return fmt.Errorf("conversation store: %w", err)
	}
	return nil
}
