package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/nhle/mailsync/internal/model"
)

// MemoryStore is a Store that keeps everything in process memory. It is
// used for the "memory" cache driver and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	folders map[string]map[string]model.FolderMessage
	trees   map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		folders: make(map[string]map[string]model.FolderMessage),
		trees:   make(map[string][]byte),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// UpdateOrInsert stores msg and reports whether it replaced a record.
func (s *MemoryStore) UpdateOrInsert(
	_ context.Context,
	folder string,
	msg model.FolderMessage,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, ok := s.folders[folder]
	if !ok {
		msgs = make(map[string]model.FolderMessage)
		s.folders[folder] = msgs
	}
	_, existed := msgs[msg.ID()]
	msgs[msg.ID()] = msg
	return existed, nil
}

// UpdateFlags replaces the flags of an existing record.
func (s *MemoryStore) UpdateFlags(
	_ context.Context,
	folder string,
	msg model.FolderMessage,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cached, ok := s.folders[folder][msg.ID()]
	if !ok {
		return false, nil
	}
	if cached.Flags != msg.Flags {
		cached.Flags = msg.Flags
		s.folders[folder][msg.ID()] = cached
	}
	return true, nil
}

// AllMessages returns the folder's records ordered oldest first.
func (s *MemoryStore) AllMessages(
	_ context.Context,
	folder string,
) ([]model.FolderMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := make([]model.FolderMessage, 0, len(s.folders[folder]))
	for _, m := range s.folders[folder] {
		msgs = append(msgs, m)
	}
	slices.SortFunc(msgs, model.CompareMessages)
	return msgs, nil
}

// Evict removes a single record.
func (s *MemoryStore) Evict(_ context.Context, folder string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.folders[folder], id)
	return nil
}

// SaveMailboxTree stores a copy of the tree.
func (s *MemoryStore) SaveMailboxTree(
	_ context.Context,
	accountID string,
	root *model.Folder,
) error {
	tree, err := json.Marshal(root)
	if err != nil {
		return fmt.Errorf("marshaling mailbox tree: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.trees[accountID] = tree
	return nil
}

// LoadMailboxTree returns a copy of the saved tree, or nil.
func (s *MemoryStore) LoadMailboxTree(
	_ context.Context,
	accountID string,
) (*model.Folder, error) {
	s.mu.Lock()
	tree, ok := s.trees[accountID]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}

	var root model.Folder
	if err := json.Unmarshal(tree, &root); err != nil {
		return nil, fmt.Errorf("unmarshaling mailbox tree: %w", err)
	}
	return &root, nil
}
