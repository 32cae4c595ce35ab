package model

import (
	"strings"
	"time"
)

// Flags is the set of IMAP system and keyword flags tracked per message.
type Flags uint16

const (
	FlagSeen Flags = 1 << iota
	FlagAnswered
	FlagFlagged
	FlagDeleted
	FlagDraft
	FlagRecent
	FlagForwarded
	FlagJunk
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagSeen, "seen"},
	{FlagAnswered, "answered"},
	{FlagFlagged, "flagged"},
	{FlagDeleted, "deleted"},
	{FlagDraft, "draft"},
	{FlagRecent, "recent"},
	{FlagForwarded, "forwarded"},
	{FlagJunk, "junk"},
}

// Has reports whether every flag in f2 is set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// With returns f with the flags in f2 set.
func (f Flags) With(f2 Flags) Flags {
	return f | f2
}

// Without returns f with the flags in f2 cleared.
func (f Flags) Without(f2 Flags) Flags {
	return f &^ f2
}

// String renders the set as a comma-separated list, e.g. "seen,flagged".
func (f Flags) String() string {
	var names []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, ",")
}

// Envelope holds the header fields of a message needed for listing it.
type Envelope struct {
	MessageID  string    `json:"message_id"`
	Subject    string    `json:"subject"`
	From       []string  `json:"from,omitempty"`
	To         []string  `json:"to,omitempty"`
	Cc         []string  `json:"cc,omitempty"`
	Date       time.Time `json:"date"`
	InReplyTo  []string  `json:"in_reply_to,omitempty"`
	References []string  `json:"references,omitempty"`
}

// FolderMessage is the cached record of a single message in a folder.
//
// A FolderMessage returned from a flags fetch carries only Token and Flags;
// Envelope and Size are populated by a headers fetch.
type FolderMessage struct {
	Token    MessageToken `json:"token"`
	Envelope Envelope     `json:"envelope"`
	Flags    Flags        `json:"flags"`
	Size     int64        `json:"size"`
}

// ID is shorthand for m.Token.ID.
func (m FolderMessage) ID() string {
	return m.Token.ID
}

// Seen reports whether the message carries the seen flag.
func (m FolderMessage) Seen() bool {
	return m.Flags.Has(FlagSeen)
}

// CompareMessages orders messages by their tokens, oldest first.
func CompareMessages(a, b FolderMessage) int {
	return CompareTokens(a.Token, b.Token)
}

// Tokens returns the tokens of msgs in order.
func Tokens(msgs []FolderMessage) []MessageToken {
	tokens := make([]MessageToken, len(msgs))
	for i, m := range msgs {
		tokens[i] = m.Token
	}
	return tokens
}
