package mailstore

import (
	"bufio"
	"bytes"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/nhle/mailsync/internal/model"
)

// flagRecent is gone from IMAP4rev2 but still sent by rev1 servers.
const flagRecent imap.Flag = `\Recent`

var flagMap = []struct {
	imap  imap.Flag
	model model.Flags
}{
	{imap.FlagSeen, model.FlagSeen},
	{imap.FlagAnswered, model.FlagAnswered},
	{imap.FlagFlagged, model.FlagFlagged},
	{imap.FlagDeleted, model.FlagDeleted},
	{imap.FlagDraft, model.FlagDraft},
	{flagRecent, model.FlagRecent},
	{imap.FlagForwarded, model.FlagForwarded},
	{imap.FlagJunk, model.FlagJunk},
}

// headerFields are the header fields requested by FetchHeaders.
var headerFields = []string{
	"Date", "Subject", "From", "To", "Cc",
	"Message-ID", "In-Reply-To", "References",
}

// fromIMAPFlags converts server flags, ignoring unknown keywords.
func fromIMAPFlags(flags []imap.Flag) model.Flags {
	var f model.Flags
	for _, flag := range flags {
		for _, m := range flagMap {
			if strings.EqualFold(string(flag), string(m.imap)) {
				f = f.With(m.model)
			}
		}
	}
	return f
}

// toIMAPFlags converts a flag set for STORE. \Recent is server-managed
// and never sent.
func toIMAPFlags(f model.Flags) []imap.Flag {
	var flags []imap.Flag
	for _, m := range flagMap {
		if m.model == model.FlagRecent {
			continue
		}
		if f.Has(m.model) {
			flags = append(flags, m.imap)
		}
	}
	return flags
}

// tokenFor builds the token of a message. The ID embeds UIDVALIDITY so a
// mailbox reset on the server invalidates every cached ID.
func tokenFor(uidValidity uint32, uid imap.UID) model.MessageToken {
	return model.MessageToken{
		ID:  fmt.Sprintf("%d.%d", uidValidity, uid),
		Key: uint64(uid),
	}
}

// uidOf extracts the UID of a token issued under uidValidity.
func uidOf(uidValidity uint32, token model.MessageToken) (imap.UID, bool) {
	validity, uid, ok := strings.Cut(token.ID, ".")
	if !ok || validity != strconv.FormatUint(uint64(uidValidity), 10) {
		return 0, false
	}
	n, err := strconv.ParseUint(uid, 10, 32)
	if err != nil || n == 0 {
		return 0, false
	}
	return imap.UID(n), true
}

// uidSetOf converts tokens to a UID set, dropping tokens from another
// UIDVALIDITY epoch.
func uidSetOf(uidValidity uint32, tokens []model.MessageToken) (imap.UIDSet, int) {
	var set imap.UIDSet
	n := 0
	for _, t := range tokens {
		if uid, ok := uidOf(uidValidity, t); ok {
			set.AddNum(uid)
			n++
		}
	}
	return set, n
}

// addressList renders IMAP addresses as "Name <addr>" strings.
func addressList(addrs []imap.Address) []string {
	var out []string
	for _, a := range addrs {
		if a.IsGroupStart() || a.IsGroupEnd() {
			continue
		}
		if a.Name != "" {
			out = append(out, fmt.Sprintf("%s <%s>", a.Name, a.Addr()))
		} else {
			out = append(out, a.Addr())
		}
	}
	return out
}

// messageFromBuffer builds a FolderMessage from a FETCH response.
func messageFromBuffer(uidValidity uint32, buf *imapclient.FetchMessageBuffer) model.FolderMessage {
	msg := model.FolderMessage{
		Token: tokenFor(uidValidity, buf.UID),
		Flags: fromIMAPFlags(buf.Flags),
		Size:  buf.RFC822Size,
	}

	if env := buf.Envelope; env != nil {
		msg.Envelope = model.Envelope{
			MessageID: env.MessageID,
			Subject:   env.Subject,
			From:      addressList(env.From),
			To:        addressList(env.To),
			Cc:        addressList(env.Cc),
			Date:      env.Date,
			InReplyTo: env.InReplyTo,
		}
	}
	if msg.Envelope.Date.IsZero() {
		msg.Envelope.Date = buf.InternalDate
	}

	return msg
}

// applyHeader fills envelope fields from a raw header block. Fields
// already provided by the server's ENVELOPE take precedence, except
// References which ENVELOPE does not carry.
func applyHeader(env *model.Envelope, raw []byte) error {
	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	h := mail.Header{Header: message.Header{Header: th}}

	if refs, err := h.MsgIDList("References"); err == nil {
		env.References = refs
	}
	if env.MessageID == "" {
		if id, err := h.MessageID(); err == nil {
			env.MessageID = id
		}
	}
	if env.Subject == "" {
		if subject, err := h.Subject(); err == nil {
			env.Subject = subject
		}
	}
	if env.Date.IsZero() {
		if date, err := h.Date(); err == nil {
			env.Date = date
		}
	}
	if len(env.From) == 0 {
		env.From = mailAddresses(h, "From")
	}
	if len(env.To) == 0 {
		env.To = mailAddresses(h, "To")
	}
	if len(env.InReplyTo) == 0 {
		if ids, err := h.MsgIDList("In-Reply-To"); err == nil {
			env.InReplyTo = ids
		}
	}
	return nil
}

func mailAddresses(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.String())
	}
	return out
}

// buildFolderTree arranges LIST results into a tree. Mailboxes deeper than
// maxDepth path components are dropped; missing intermediate levels are
// created as unselectable folders.
func buildFolderTree(list []*imap.ListData, prefix string, maxDepth int) *model.Folder {
	root := &model.Folder{}
	index := map[string]*model.Folder{"": root}

	slices.SortFunc(list, func(a, b *imap.ListData) int {
		return strings.Compare(a.Mailbox, b.Mailbox)
	})

	for _, data := range list {
		delim := ""
		if data.Delim != 0 {
			delim = string(data.Delim)
		}

		name := strings.TrimPrefix(data.Mailbox, prefix)
		if delim != "" {
			name = strings.TrimPrefix(name, delim)
		}
		if name == "" {
			continue
		}

		parts := []string{name}
		if delim != "" {
			parts = strings.Split(name, delim)
		}
		if maxDepth > 0 && len(parts) > maxDepth {
			continue
		}

		parent := root
		for i := range parts {
			rel := strings.Join(parts[:i+1], delim)
			path := rel
			if prefix != "" {
				path = strings.TrimSuffix(prefix, delim) + delim + rel
			}

			node, ok := index[path]
			if !ok {
				node = &model.Folder{
					Path:      path,
					Name:      parts[i],
					Delimiter: delim,
				}
				index[path] = node
				parent.Children = append(parent.Children, node)
			}
			if i == len(parts)-1 {
				node.Selectable = selectable(data.Attrs)
			}
			parent = node
		}
	}

	return root
}

func selectable(attrs []imap.MailboxAttr) bool {
	for _, a := range attrs {
		if strings.EqualFold(string(a), string(imap.MailboxAttrNoSelect)) ||
			strings.EqualFold(string(a), string(imap.MailboxAttrNonExistent)) {
			return false
		}
	}
	return true
}
