package mailbox

import "sync"

// AccountStatus is the connection state of an account.
type AccountStatus int

const (
	// StatusLocal means only cached data has been loaded.
	StatusLocal AccountStatus = iota
	StatusOffline
	StatusOnline
)

func (s AccountStatus) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusOnline:
		return "online"
	default:
		return "local"
	}
}

// AccountEventType identifies what changed on an account.
type AccountEventType int

const (
	AccountStatusChanged AccountEventType = iota
	AccountTreeChanged
)

// AccountEvent describes a change of an AccountNode.
type AccountEvent struct {
	Type   AccountEventType
	Status AccountStatus
}

// AccountListener observes an AccountNode.
type AccountListener interface {
	AccountChanged(account *AccountNode, ev AccountEvent)
}

// MailboxEventType identifies what changed on a mailbox.
type MailboxEventType int

const (
	MailboxStatusChanged MailboxEventType = iota
	MailboxMessagesAdded
	MailboxMessagesRemoved
)

// MailboxEvent describes a change of a MailboxNode. Messages is set for
// MailboxMessagesAdded, IDs for MailboxMessagesRemoved.
type MailboxEvent struct {
	Type     MailboxEventType
	Messages []*MessageNode
	IDs      []string
}

// MailboxListener observes a MailboxNode.
type MailboxListener interface {
	MailboxChanged(mailbox *MailboxNode, ev MailboxEvent)
}

// MessageEventType identifies what changed on a message.
type MessageEventType int

const (
	MessageFlagsChanged MessageEventType = iota
)

// MessageEvent describes a change of a MessageNode.
type MessageEvent struct {
	Type MessageEventType
}

// MessageListener observes a MessageNode.
type MessageListener interface {
	MessageChanged(message *MessageNode, ev MessageEvent)
}

// registry is the listener list owned by one node. Listeners must be
// comparable.
type registry[L comparable] struct {
	mu        sync.Mutex
	listeners []L
}

func (r *registry[L]) add(l L) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *registry[L]) remove(l L) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.listeners {
		if existing == l {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return
		}
	}
}

// each calls fn for a snapshot of the registered listeners, so listeners
// may unregister themselves while being notified.
func (r *registry[L]) each(fn func(L)) {
	r.mu.Lock()
	listeners := make([]L, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, l := range listeners {
		fn(l)
	}
}
