// Package mailstore defines the remote mail-store client consumed by the
// sync engine and implements it on top of IMAP.
package mailstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/mailsync/internal/model"
)

// ErrFolderNotFound is returned when the server reports that a folder
// does not exist (for example after it was deleted remotely).
var ErrFolderNotFound = errors.New("folder not found")

// AuthError indicates that the server rejected the account credentials.
type AuthError struct {
	Username string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Username, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// Batch is the result of a fetch. Messages holds every message the
// server answered for. Malformed lists messages whose response could not
// be parsed; they must be neither updated nor evicted by the caller.
type Batch struct {
	Messages  []model.FolderMessage
	Malformed []model.MessageToken
}

// Len returns the number of messages and malformed entries.
func (b Batch) Len() int {
	return len(b.Messages) + len(b.Malformed)
}

// Client is the remote mail store. Implementations are not required to be
// safe for concurrent use; the dispatch loop serializes all calls.
//
// Fetch methods may return a partial Batch together with a non-nil error
// when the connection fails midway.
type Client interface {
	// FolderTree lists the account's folders as a tree rooted at an
	// unnamed, unselectable folder.
	FolderTree(ctx context.Context) (*model.Folder, error)

	// FolderStatus returns the message and unseen counts of a folder.
	FolderStatus(ctx context.Context, folder string) (model.FolderStatus, error)

	// FetchRecentFlags returns tokens and flags of the newest messages
	// of the folder.
	FetchRecentFlags(ctx context.Context, folder string) (Batch, error)

	// FetchFlags returns tokens and flags for the given messages. Messages
	// no longer on the server are absent from the result.
	FetchFlags(ctx context.Context, folder string, tokens []model.MessageToken) (Batch, error)

	// FetchHeaders returns complete records (envelope, flags, size) for
	// the given messages.
	FetchHeaders(ctx context.Context, folder string, tokens []model.MessageToken) (Batch, error)

	// ChangeFlags adds flags to the given messages. With roundtrip set the
	// server's resulting flags are returned; otherwise the change is sent
	// silently and the returned Batch is empty.
	ChangeFlags(
		ctx context.Context,
		folder string,
		tokens []model.MessageToken,
		flags model.Flags,
		roundtrip bool,
	) (Batch, error)

	Close() error
}
