package sync

import (
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// Listener receives the outcome of engine work. Methods are called on the
// engine's dispatch goroutine and must not block or wait on the engine.
type Listener interface {
	// MessagesAvailable reports messages newly stored in (or, on the first
	// refresh of a folder, loaded from) the cache.
	MessagesAvailable(folder string, msgs []model.FolderMessage)

	// MessagesEvicted reports IDs removed from the cache.
	MessagesEvicted(folder string, ids []string)

	// MessageFlagsChanged reports cached messages whose flags changed.
	MessageFlagsChanged(folder string, msgs []model.FolderMessage)

	// FolderStatusChanged reports updated counters, or Missing when the
	// folder no longer exists on the server.
	FolderStatusChanged(folder string, status model.FolderStatus)

	// FolderTreeChanged reports a freshly listed folder tree.
	FolderTreeChanged(root *model.Folder)

	RefreshFailed(folder string, err error)
	RefreshCompleted(folder string, summary RefreshSummary)
}

// NopListener implements Listener with no-ops. Embed it to handle only
// some events.
type NopListener struct{}

func (NopListener) MessagesAvailable(string, []model.FolderMessage) {}
func (NopListener) MessagesEvicted(string, []string) {}
func (NopListener) MessageFlagsChanged(string, []model.FolderMessage) {}
func (NopListener) FolderStatusChanged(string, model.FolderStatus) {}
func (NopListener) FolderTreeChanged(*model.Folder) {}
func (NopListener) RefreshFailed(string, error) {}
func (NopListener) RefreshCompleted(string, RefreshSummary) {}

// RefreshSummary describes one completed refresh cycle.
type RefreshSummary struct {
	CycleID string

	// CheckAll is set when every cached message was reverified.
	CheckAll bool

	// Confirmed counts messages the server reported during the cycle.
	Confirmed int

	FlagsUpdated int
	Fetched      int
	Evicted      int

	// Pruned counts confirmed messages dropped for exceeding the
	// retention limit.
	Pruned int

	Malformed int
	Duration  time.Duration
}
