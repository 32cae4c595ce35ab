// Package testutil holds helpers shared by package tests.
package testutil

import (
	"testing"

	"github.com/nhle/mailsync/internal/store"
)

// NewTestStore opens a private in-memory SQLite message cache with the
// folder_messages and mailbox_trees migrations applied. The store is
// closed when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}
