// Package mailbox aggregates per-folder synchronization results into a
// tree of accounts, mailboxes and messages that a client can observe.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/mailstore"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/sync"
)

var (
	_ sync.Listener     = (*AccountNode)(nil)
	_ sync.FolderSource = (*AccountNode)(nil)
)

// saveTimeout bounds persisting the mailbox tree.
const saveTimeout = 10 * time.Second

// AccountNode is the root of one account's mailbox tree. It consumes
// engine events and keeps mailbox nodes stable across folder tree
// updates: a mailbox whose path survives keeps its node and messages.
type AccountNode struct {
	config model.AccountConfig
	trees  store.TreeStore
	log    zerolog.Logger

	mu     gosync.RWMutex
	root   *MailboxNode
	byPath map[string]*MailboxNode
	status AccountStatus

	listeners registry[AccountListener]
}

// NewAccountNode creates an account node with an empty tree. trees may
// be nil to disable persistence.
func NewAccountNode(config model.AccountConfig, trees store.TreeStore, log zerolog.Logger) *AccountNode {
	a := &AccountNode{
		config: config,
		trees:  trees,
		log:    log.With().Str("component", "mailbox").Str("account", config.ID).Logger(),
		byPath: make(map[string]*MailboxNode),
		status: StatusLocal,
	}
	a.root = newMailboxNode(a, &model.Folder{}, TypeRoot)
	return a
}

// ID returns the account ID.
func (a *AccountNode) ID() string {
	return a.config.ID
}

// Name returns the account's display name, falling back to the username.
func (a *AccountNode) Name() string {
	if a.config.Name != "" {
		return a.config.Name
	}
	return a.config.Username
}

// Config returns the account configuration.
func (a *AccountNode) Config() model.AccountConfig {
	return a.config
}

// Root returns the unnamed top mailbox.
func (a *AccountNode) Root() *MailboxNode {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.root
}

// Mailbox returns the mailbox with the given path.
func (a *AccountNode) Mailbox(path string) (*MailboxNode, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.byPath[path]
	return m, ok
}

// Mailboxes returns every mailbox below the root, depth first.
func (a *AccountNode) Mailboxes() []*MailboxNode {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []*MailboxNode
	var walk func(*MailboxNode)
	walk = func(m *MailboxNode) {
		for _, c := range m.children {
			out = append(out, c)
			walk(c)
		}
	}
	walk(a.root)
	return out
}

// SelectableFolders returns the paths of mailboxes that can hold
// messages and still exist on the server.
func (a *AccountNode) SelectableFolders() []string {
	var paths []string
	for _, m := range a.Mailboxes() {
		f := m.Folder()
		if f.Selectable && !m.Missing() {
			paths = append(paths, f.Path)
		}
	}
	return paths
}

// SentMailbox returns the configured sent folder, if present.
func (a *AccountNode) SentMailbox() (*MailboxNode, bool) {
	if a.config.SentFolder == "" {
		return nil, false
	}
	return a.Mailbox(a.config.SentFolder)
}

// Status returns the connection state.
func (a *AccountNode) Status() AccountStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// SetStatus changes the connection state, notifying listeners on change.
func (a *AccountNode) SetStatus(status AccountStatus) {
	a.mu.Lock()
	changed := a.status != status
	a.status = status
	a.mu.Unlock()

	if changed {
		a.fire(AccountEvent{Type: AccountStatusChanged, Status: status})
	}
}

func (a *AccountNode) AddListener(l AccountListener) {
	a.listeners.add(l)
}

func (a *AccountNode) RemoveListener(l AccountListener) {
	a.listeners.remove(l)
}

func (a *AccountNode) fire(ev AccountEvent) {
	a.listeners.each(func(l AccountListener) { l.AccountChanged(a, ev) })
}

// Load restores the persisted tree shape, if any.
func (a *AccountNode) Load(ctx context.Context) error {
	if a.trees == nil {
		return nil
	}

	root, err := a.trees.LoadMailboxTree(ctx, a.config.ID)
	if err != nil {
		return fmt.Errorf("loading mailbox tree: %w", err)
	}
	if root == nil {
		return nil
	}

	a.applyTree(root)
	a.fire(AccountEvent{Type: AccountTreeChanged, Status: a.Status()})
	return nil
}

// save persists the current tree shape.
func (a *AccountNode) save() {
	if a.trees == nil {
		return
	}

	a.mu.RLock()
	tree := a.root.tree()
	a.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := a.trees.SaveMailboxTree(ctx, a.config.ID, tree); err != nil {
		a.log.Warn().Err(err).Msg("Saving mailbox tree failed")
	}
}

// applyTree replaces the tree with root, reusing the node of every path
// that still exists.
func (a *AccountNode) applyTree(root *model.Folder) {
	a.mu.Lock()
	defer a.mu.Unlock()

	remaining := a.byPath
	a.byPath = make(map[string]*MailboxNode, len(remaining))

	var build func(node *MailboxNode, folder *model.Folder)
	build = func(node *MailboxNode, folder *model.Folder) {
		node.children = nil
		for _, child := range folder.Children {
			m, ok := remaining[child.Path]
			if ok {
				counts := m.folder
				m.setFolder(child)
				if child.MessageCount == 0 && child.UnseenCount == 0 {
					m.folder.MessageCount = counts.MessageCount
					m.folder.UnseenCount = counts.UnseenCount
				}
				m.typ = a.mailboxType(child)
				m.missing = false
			} else {
				m = newMailboxNode(a, child, a.mailboxType(child))
			}
			m.parent = node
			a.byPath[child.Path] = m
			build(m, child)
			node.children = append(node.children, m)
		}
	}
	build(a.root, root)

	for path, m := range remaining {
		if _, ok := a.byPath[path]; !ok {
			m.parent = nil
			m.children = nil
		}
	}
}

func (a *AccountNode) mailboxType(folder *model.Folder) MailboxType {
	switch {
	case strings.EqualFold(folder.Path, "INBOX"):
		return TypeInbox
	case a.config.SentFolder != "" && folder.Path == a.config.SentFolder:
		return TypeSent
	default:
		return TypeNormal
	}
}

// FolderTreeChanged implements sync.Listener.
func (a *AccountNode) FolderTreeChanged(root *model.Folder) {
	a.applyTree(root)
	a.save()
	a.fire(AccountEvent{Type: AccountTreeChanged, Status: a.Status()})
}

// FolderStatusChanged implements sync.Listener. Unknown paths are
// ignored.
func (a *AccountNode) FolderStatusChanged(folder string, status model.FolderStatus) {
	a.mu.Lock()
	m, ok := a.byPath[folder]
	if ok {
		m.missing = status.Missing
		if !status.Missing {
			m.folder.MessageCount = status.MessageCount
			m.folder.UnseenCount = status.UnseenCount
		}
	}
	a.mu.Unlock()

	if ok {
		m.fire(MailboxEvent{Type: MailboxStatusChanged})
	}
}

// MessagesAvailable implements sync.Listener. Messages already
// represented are skipped; unknown paths are ignored.
func (a *AccountNode) MessagesAvailable(folder string, msgs []model.FolderMessage) {
	a.mu.Lock()
	m, ok := a.byPath[folder]
	var added []*MessageNode
	if ok {
		for _, msg := range msgs {
			if _, exists := m.messages[msg.ID()]; exists {
				continue
			}
			n := &MessageNode{mailbox: m, msg: msg}
			m.messages[msg.ID()] = n
			added = append(added, n)
		}
	}
	a.mu.Unlock()

	if len(added) > 0 {
		m.fire(MailboxEvent{Type: MailboxMessagesAdded, Messages: added})
	}
}

// MessagesEvicted implements sync.Listener.
func (a *AccountNode) MessagesEvicted(folder string, ids []string) {
	a.mu.Lock()
	m, ok := a.byPath[folder]
	var removed []string
	if ok {
		for _, id := range ids {
			if _, exists := m.messages[id]; exists {
				delete(m.messages, id)
				removed = append(removed, id)
			}
		}
	}
	a.mu.Unlock()

	if len(removed) > 0 {
		m.fire(MailboxEvent{Type: MailboxMessagesRemoved, IDs: removed})
	}
}

// MessageFlagsChanged implements sync.Listener.
func (a *AccountNode) MessageFlagsChanged(folder string, msgs []model.FolderMessage) {
	a.mu.Lock()
	m, ok := a.byPath[folder]
	var changed []*MessageNode
	if ok {
		for _, msg := range msgs {
			n, exists := m.messages[msg.ID()]
			if !exists || n.msg.Flags == msg.Flags {
				continue
			}
			n.msg.Flags = msg.Flags
			changed = append(changed, n)
		}
	}
	a.mu.Unlock()

	for _, n := range changed {
		n.fire(MessageEvent{Type: MessageFlagsChanged})
	}
}

// RefreshCompleted implements sync.Listener.
func (a *AccountNode) RefreshCompleted(string, sync.RefreshSummary) {
	a.SetStatus(StatusOnline)
}

// RefreshFailed implements sync.Listener. A missing folder says nothing
// about the connection; any other failure marks the account offline.
func (a *AccountNode) RefreshFailed(folder string, err error) {
	if errors.Is(err, mailstore.ErrFolderNotFound) {
		return
	}
	a.log.Debug().Err(err).Str("folder", folder).Msg("Account offline")
	a.SetStatus(StatusOffline)
}

// Walk calls fn for every mailbox below the root, depth first, with its
// depth starting at zero.
func (a *AccountNode) Walk(fn func(m *MailboxNode, depth int)) {
	a.mu.RLock()
	type entry struct {
		node  *MailboxNode
		depth int
	}
	var entries []entry
	var walk func(*MailboxNode, int)
	walk = func(m *MailboxNode, depth int) {
		for _, c := range m.children {
			entries = append(entries, entry{c, depth})
			walk(c, depth+1)
		}
	}
	walk(a.root, 0)
	a.mu.RUnlock()

	for _, e := range entries {
		fn(e.node, e.depth)
	}
}
