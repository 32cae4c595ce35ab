package mailbox

import (
	"slices"

	"github.com/nhle/mailsync/internal/model"
)

// MailboxType classifies a mailbox for presentation.
type MailboxType int

const (
	TypeNormal MailboxType = iota
	TypeInbox
	TypeSent

	// TypeRoot is the unnamed node at the top of an account's tree.
	TypeRoot
)

func (t MailboxType) String() string {
	switch t {
	case TypeInbox:
		return "inbox"
	case TypeSent:
		return "sent"
	case TypeRoot:
		return "root"
	default:
		return "normal"
	}
}

// MailboxNode is a folder of an account together with the messages known
// for it. All fields are guarded by the account's lock.
type MailboxNode struct {
	account  *AccountNode
	folder   model.Folder
	typ      MailboxType
	missing  bool
	parent   *MailboxNode
	children []*MailboxNode
	messages map[string]*MessageNode

	listeners registry[MailboxListener]
}

func newMailboxNode(account *AccountNode, folder *model.Folder, typ MailboxType) *MailboxNode {
	m := &MailboxNode{
		account:  account,
		typ:      typ,
		messages: make(map[string]*MessageNode),
	}
	m.setFolder(folder)
	return m
}

// setFolder adopts the descriptor of folder without its children.
func (m *MailboxNode) setFolder(folder *model.Folder) {
	m.folder = *folder
	m.folder.Children = nil
}

// Account returns the owning account.
func (m *MailboxNode) Account() *AccountNode {
	return m.account
}

// Path returns the server-side folder path.
func (m *MailboxNode) Path() string {
	m.account.mu.RLock()
	defer m.account.mu.RUnlock()
	return m.folder.Path
}

// Name returns the display name.
func (m *MailboxNode) Name() string {
	m.account.mu.RLock()
	defer m.account.mu.RUnlock()
	return m.folder.Name
}

// Type returns the mailbox type.
func (m *MailboxNode) Type() MailboxType {
	m.account.mu.RLock()
	defer m.account.mu.RUnlock()
	return m.typ
}

// Folder returns a copy of the folder descriptor without children.
func (m *MailboxNode) Folder() model.Folder {
	m.account.mu.RLock()
	defer m.account.mu.RUnlock()
	return m.folder
}

// Missing reports whether the server said the folder no longer exists.
func (m *MailboxNode) Missing() bool {
	m.account.mu.RLock()
	defer m.account.mu.RUnlock()
	return m.missing
}

// Parent returns the parent mailbox, or nil for the root.
func (m *MailboxNode) Parent() *MailboxNode {
	m.account.mu.RLock()
	defer m.account.mu.RUnlock()
	return m.parent
}

// Children returns the child mailboxes in server order.
func (m *MailboxNode) Children() []*MailboxNode {
	m.account.mu.RLock()
	defer m.account.mu.RUnlock()
	return slices.Clone(m.children)
}

// Messages returns the message nodes ordered oldest first.
func (m *MailboxNode) Messages() []*MessageNode {
	m.account.mu.RLock()
	defer m.account.mu.RUnlock()

	nodes := make([]*MessageNode, 0, len(m.messages))
	for _, n := range m.messages {
		nodes = append(nodes, n)
	}
	slices.SortFunc(nodes, func(a, b *MessageNode) int {
		return model.CompareMessages(a.msg, b.msg)
	})
	return nodes
}

// Message returns the node for id.
func (m *MailboxNode) Message(id string) (*MessageNode, bool) {
	m.account.mu.RLock()
	defer m.account.mu.RUnlock()
	n, ok := m.messages[id]
	return n, ok
}

func (m *MailboxNode) AddListener(l MailboxListener) {
	m.listeners.add(l)
}

func (m *MailboxNode) RemoveListener(l MailboxListener) {
	m.listeners.remove(l)
}

func (m *MailboxNode) fire(ev MailboxEvent) {
	m.listeners.each(func(l MailboxListener) { l.MailboxChanged(m, ev) })
}

// tree rebuilds the folder tree below m. Caller holds the lock.
func (m *MailboxNode) tree() *model.Folder {
	f := m.folder
	f.Children = nil
	for _, c := range m.children {
		f.Children = append(f.Children, c.tree())
	}
	return &f
}
