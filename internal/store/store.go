package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nhle/mailsync/internal/model"
)

// FolderMessageCache is the durable per-folder store of message records
// keyed by message ID. Folder keys are opaque strings; callers scope them
// per account (see FolderKey).
type FolderMessageCache interface {
	// UpdateOrInsert stores msg, replacing any record with the same ID.
	// It reports whether a record was already present.
	UpdateOrInsert(ctx context.Context, folder string, msg model.FolderMessage) (bool, error)

	// UpdateFlags replaces the flags of an existing record and leaves
	// the rest of it untouched. It reports whether the record exists;
	// nothing is inserted when it does not. No write is performed when
	// the flags are already equal.
	UpdateFlags(ctx context.Context, folder string, msg model.FolderMessage) (bool, error)

	// AllMessages returns every cached record of the folder, oldest first.
	AllMessages(ctx context.Context, folder string) ([]model.FolderMessage, error)

	// Evict removes the record with the given ID. Evicting an absent
	// record is not an error.
	Evict(ctx context.Context, folder string, id string) error
}

// TreeStore persists the shape of an account's mailbox tree.
type TreeStore interface {
	SaveMailboxTree(ctx context.Context, accountID string, root *model.Folder) error

	// LoadMailboxTree returns nil, nil when no tree was saved.
	LoadMailboxTree(ctx context.Context, accountID string) (*model.Folder, error)
}

// Store combines both persistence concerns.
type Store interface {
	FolderMessageCache
	TreeStore
	Close() error
}

// FolderKey builds the cache key for a folder of an account.
func FolderKey(accountID, folderPath string) string {
	return accountID + ":" + folderPath
}

// Open returns the Store selected by cfg.
func Open(cfg model.CacheConfig) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		if cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, fmt.Errorf("creating cache directory: %w", err)
			}
		}
		return NewSQLiteStore(cfg.Path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
}
