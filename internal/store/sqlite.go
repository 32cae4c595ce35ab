package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailsync/internal/model"
)

// SQLiteStore implements Store using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// messageRow is the folder_messages row layout.
type messageRow struct {
	Folder   string `db:"folder"`
	ID       string `db:"id"`
	SeqKey   int64  `db:"seq_key"`
	Flags    int64  `db:"flags"`
	Envelope string `db:"envelope"`
	Size     int64  `db:"size"`
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Every connection to ":memory:" gets its own database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// UpdateOrInsert stores msg and reports whether it replaced an existing
// record.
func (s *SQLiteStore) UpdateOrInsert(
	ctx context.Context,
	folder string,
	msg model.FolderMessage,
) (bool, error) {
	envelope, err := json.Marshal(msg.Envelope)
	if err != nil {
		return false, fmt.Errorf("marshaling envelope for %s: %w", msg.ID(), err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM folder_messages WHERE folder = ? AND id = ?",
		folder, msg.ID(),
	)
	if err != nil {
		return false, fmt.Errorf("checking message %s: %w", msg.ID(), err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO folder_messages (
			folder, id, seq_key, flags, envelope, size, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		folder, msg.ID(), int64(msg.Token.Key), int64(msg.Flags),
		string(envelope), msg.Size, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("upserting message %s: %w", msg.ID(), err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing message %s: %w", msg.ID(), err)
	}

	return count > 0, nil
}

// UpdateFlags replaces the flags of an existing record.
func (s *SQLiteStore) UpdateFlags(
	ctx context.Context,
	folder string,
	msg model.FolderMessage,
) (bool, error) {
	var current int64
	err := s.db.GetContext(ctx, &current,
		"SELECT flags FROM folder_messages WHERE folder = ? AND id = ?",
		folder, msg.ID(),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading flags of %s: %w", msg.ID(), err)
	}

	if current == int64(msg.Flags) {
		return true, nil
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE folder_messages SET flags = ?, updated_at = ? WHERE folder = ? AND id = ?",
		int64(msg.Flags), time.Now().UTC(), folder, msg.ID(),
	)
	if err != nil {
		return true, fmt.Errorf("updating flags of %s: %w", msg.ID(), err)
	}

	return true, nil
}

// AllMessages returns the folder's records ordered oldest first.
func (s *SQLiteStore) AllMessages(
	ctx context.Context,
	folder string,
) ([]model.FolderMessage, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT folder, id, seq_key, flags, envelope, size
		FROM folder_messages
		WHERE folder = ?
		ORDER BY seq_key, id`,
		folder,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages of %s: %w", folder, err)
	}

	msgs := make([]model.FolderMessage, 0, len(rows))
	for _, r := range rows {
		msg, err := r.toMessage()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}

	return msgs, nil
}

// Evict removes a single record.
func (s *SQLiteStore) Evict(ctx context.Context, folder string, id string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM folder_messages WHERE folder = ? AND id = ?", folder, id,
	)
	if err != nil {
		return fmt.Errorf("evicting message %s: %w", id, err)
	}
	return nil
}

// SaveMailboxTree stores the folder tree of an account as JSON.
func (s *SQLiteStore) SaveMailboxTree(
	ctx context.Context,
	accountID string,
	root *model.Folder,
) error {
	tree, err := json.Marshal(root)
	if err != nil {
		return fmt.Errorf("marshaling mailbox tree: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO mailbox_trees (account_id, tree, updated_at)
		VALUES (?, ?, ?)`,
		accountID, string(tree), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving mailbox tree for %s: %w", accountID, err)
	}
	return nil
}

// LoadMailboxTree returns the saved folder tree of an account.
func (s *SQLiteStore) LoadMailboxTree(
	ctx context.Context,
	accountID string,
) (*model.Folder, error) {
	var tree string
	err := s.db.GetContext(ctx, &tree,
		"SELECT tree FROM mailbox_trees WHERE account_id = ?", accountID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading mailbox tree for %s: %w", accountID, err)
	}

	var root model.Folder
	if err := json.Unmarshal([]byte(tree), &root); err != nil {
		return nil, fmt.Errorf("unmarshaling mailbox tree: %w", err)
	}
	return &root, nil
}

// toMessage converts a row into a FolderMessage.
func (r messageRow) toMessage() (model.FolderMessage, error) {
	msg := model.FolderMessage{
		Token: model.MessageToken{ID: r.ID, Key: uint64(r.SeqKey)},
		Flags: model.Flags(r.Flags),
		Size:  r.Size,
	}

	if r.Envelope != "" {
		if err := json.Unmarshal([]byte(r.Envelope), &msg.Envelope); err != nil {
			return model.FolderMessage{}, fmt.Errorf("unmarshaling envelope of %s: %w", r.ID, err)
		}
	}

	return msg, nil
}
