package mailbox

import (
	"github.com/nhle/mailsync/internal/model"
)

// MessageNode is a message shown under a mailbox.
type MessageNode struct {
	mailbox   *MailboxNode
	msg       model.FolderMessage
	listeners registry[MessageListener]
}

// ID returns the message ID.
func (n *MessageNode) ID() string {
	return n.msg.ID()
}

// Mailbox returns the owning mailbox.
func (n *MessageNode) Mailbox() *MailboxNode {
	return n.mailbox
}

// Message returns a copy of the message record.
func (n *MessageNode) Message() model.FolderMessage {
	mu := &n.mailbox.account.mu
	mu.RLock()
	defer mu.RUnlock()
	return n.msg
}

// Flags returns the current flags.
func (n *MessageNode) Flags() model.Flags {
	return n.Message().Flags
}

func (n *MessageNode) AddListener(l MessageListener) {
	n.listeners.add(l)
}

func (n *MessageNode) RemoveListener(l MessageListener) {
	n.listeners.remove(l)
}

func (n *MessageNode) fire(ev MessageEvent) {
	n.listeners.each(func(l MessageListener) { l.MessageChanged(n, ev) })
}
