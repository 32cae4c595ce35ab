package mailstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/model"
)

// IMAPClient implements Client over a single IMAP connection. The
// connection is opened lazily and re-established after transport
// failures. It is not safe for concurrent use.
type IMAPClient struct {
	account  model.AccountConfig
	password string
	log      zerolog.Logger

	client      *imapclient.Client
	selected    string
	uidValidity uint32
	numMessages uint32
}

// NewIMAPClient creates a client for the given account. No connection is
// made until the first call.
func NewIMAPClient(
	account model.AccountConfig,
	password string,
	log zerolog.Logger,
) *IMAPClient {
	return &IMAPClient{
		account:  account,
		password: password,
		log:      log.With().Str("component", "imap").Str("account", account.ID).Logger(),
	}
}

// connect establishes and authenticates the connection if needed.
func (c *IMAPClient) connect() (*imapclient.Client, error) {
	if c.client != nil {
		return c.client, nil
	}

	addr := c.account.Addr()

	var client *imapclient.Client
	var err error

	if c.account.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if supportsPlain(client.Caps()) {
		err = client.Authenticate(sasl.NewPlainClient("", c.account.Username, c.password))
	} else {
		err = client.Login(c.account.Username, c.password).Wait()
	}
	if err != nil {
		_ = client.Close()
		return nil, &AuthError{
			Username: c.account.Username,
			Message:  fmt.Sprintf("authentication failed: %v", err),
		}
	}

	c.log.Debug().Str("addr", addr).Msg("Connected")
	c.client = client
	return client, nil
}

// supportsPlain reports whether the server advertises AUTH=PLAIN.
func supportsPlain(caps imap.CapSet) bool {
	return caps.Has(imap.AuthCap(sasl.Plain))
}

// reset drops the connection so the next call reconnects.
func (c *IMAPClient) reset() {
	if c.client != nil {
		_ = c.client.Close()
	}
	c.client = nil
	c.selected = ""
	c.uidValidity = 0
	c.numMessages = 0
}

// do runs fn against a connected client. Cancelling ctx closes the
// connection to unblock pending commands. Transport failures drop the
// connection; server status responses keep it.
func (c *IMAPClient) do(ctx context.Context, fn func(*imapclient.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := c.connect()
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	err = fn(client)
	if !stop() {
		c.reset()
		if err == nil {
			err = ctx.Err()
		}
		return err
	}

	var imapErr *imap.Error
	if err != nil && !errors.As(err, &imapErr) && !errors.Is(err, ErrFolderNotFound) {
		c.log.Warn().Err(err).Msg("Dropping connection")
		c.reset()
	}
	return err
}

// selectFolder selects folder unless it is already selected.
func (c *IMAPClient) selectFolder(client *imapclient.Client, folder string) error {
	if c.selected == folder && c.client == client {
		if mbox := client.Mailbox(); mbox != nil && mbox.Name == folder {
			c.numMessages = mbox.NumMessages
			return nil
		}
	}

	data, err := client.Select(folder, nil).Wait()
	if err != nil {
		c.selected = ""
		return classify(folder, err)
	}

	if c.uidValidity != 0 && c.selected == folder && c.uidValidity != data.UIDValidity {
		c.log.Info().Str("folder", folder).Msg("UIDVALIDITY changed")
	}
	c.selected = folder
	c.uidValidity = data.UIDValidity
	c.numMessages = data.NumMessages
	return nil
}

// classify maps server NO responses for missing mailboxes to
// ErrFolderNotFound.
func classify(folder string, err error) error {
	var imapErr *imap.Error
	if !errors.As(err, &imapErr) {
		return fmt.Errorf("selecting %s: %w", folder, err)
	}
	if imapErr.Code == imap.ResponseCodeNonExistent ||
		(imapErr.Type == imap.StatusResponseTypeNo &&
			strings.Contains(strings.ToLower(imapErr.Text), "exist")) {
		return fmt.Errorf("%s: %w", folder, ErrFolderNotFound)
	}
	return fmt.Errorf("selecting %s: %w", folder, err)
}

// FolderTree lists folders under the account's prefix.
func (c *IMAPClient) FolderTree(ctx context.Context) (*model.Folder, error) {
	var root *model.Folder

	err := c.do(ctx, func(client *imapclient.Client) error {
		pattern := "*"
		if c.account.FolderPrefix != "" {
			pattern = c.account.FolderPrefix + "*"
		}

		var opts *imap.ListOptions
		if c.account.OnlySubscribedFolders {
			opts = &imap.ListOptions{SelectSubscribed: true}
		}

		list, err := client.List("", pattern, opts).Collect()
		if err != nil {
			return fmt.Errorf("listing folders: %w", err)
		}

		root = buildFolderTree(list, c.account.FolderPrefix, c.account.MaxFolderDepth)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return root, nil
}

// FolderStatus issues STATUS for folder.
func (c *IMAPClient) FolderStatus(ctx context.Context, folder string) (model.FolderStatus, error) {
	var status model.FolderStatus

	err := c.do(ctx, func(client *imapclient.Client) error {
		data, err := client.Status(folder, &imap.StatusOptions{
			NumMessages: true,
			NumUnseen:   true,
		}).Wait()
		if err != nil {
			return classify(folder, err)
		}
		if data.NumMessages != nil {
			status.MessageCount = int(*data.NumMessages)
		}
		if data.NumUnseen != nil {
			status.UnseenCount = int(*data.NumUnseen)
		}
		return nil
	})

	return status, err
}

// FetchRecentFlags fetches UID and flags of the newest
// RecentMessageCount messages by sequence number.
func (c *IMAPClient) FetchRecentFlags(ctx context.Context, folder string) (Batch, error) {
	var batch Batch

	err := c.do(ctx, func(client *imapclient.Client) error {
		if err := c.selectFolder(client, folder); err != nil {
			return err
		}

		n := c.numMessages
		if n == 0 {
			return nil
		}

		start := uint32(1)
		if window := uint32(c.account.RecentMessageCount); window > 0 && n > window {
			start = n - window + 1
		}

		var seqSet imap.SeqSet
		seqSet.AddRange(start, n)

		var err error
		batch, err = c.fetch(client, seqSet, &imap.FetchOptions{
			UID:   true,
			Flags: true,
		}, nil)
		return err
	})

	return batch, err
}

// FetchFlags fetches flags for the given messages by UID.
func (c *IMAPClient) FetchFlags(
	ctx context.Context,
	folder string,
	tokens []model.MessageToken,
) (Batch, error) {
	var batch Batch

	err := c.do(ctx, func(client *imapclient.Client) error {
		if err := c.selectFolder(client, folder); err != nil {
			return err
		}

		uidSet, n := uidSetOf(c.uidValidity, tokens)
		if n == 0 {
			return nil
		}

		var err error
		batch, err = c.fetch(client, uidSet, &imap.FetchOptions{
			UID:   true,
			Flags: true,
		}, nil)
		return err
	})

	return batch, err
}

// FetchHeaders fetches envelope, flags, size and selected header fields.
func (c *IMAPClient) FetchHeaders(
	ctx context.Context,
	folder string,
	tokens []model.MessageToken,
) (Batch, error) {
	var batch Batch

	err := c.do(ctx, func(client *imapclient.Client) error {
		if err := c.selectFolder(client, folder); err != nil {
			return err
		}

		uidSet, n := uidSetOf(c.uidValidity, tokens)
		if n == 0 {
			return nil
		}

		section := &imap.FetchItemBodySection{
			Specifier:    imap.PartSpecifierHeader,
			HeaderFields: headerFields,
			Peek:         true,
		}

		var err error
		batch, err = c.fetch(client, uidSet, &imap.FetchOptions{
			UID:          true,
			Flags:        true,
			Envelope:     true,
			RFC822Size:   true,
			InternalDate: true,
			BodySection:  []*imap.FetchItemBodySection{section},
		}, section)
		return err
	})

	return batch, err
}

// ChangeFlags adds flags to the given messages.
func (c *IMAPClient) ChangeFlags(
	ctx context.Context,
	folder string,
	tokens []model.MessageToken,
	flags model.Flags,
	roundtrip bool,
) (Batch, error) {
	var batch Batch

	err := c.do(ctx, func(client *imapclient.Client) error {
		if err := c.selectFolder(client, folder); err != nil {
			return err
		}

		uidSet, n := uidSetOf(c.uidValidity, tokens)
		if n == 0 {
			return nil
		}

		storeCmd := client.Store(uidSet, &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: !roundtrip,
			Flags:  toIMAPFlags(flags),
		}, nil)

		if !roundtrip {
			if err := storeCmd.Close(); err != nil {
				return fmt.Errorf("storing flags: %w", err)
			}
			return nil
		}

		var err error
		batch, err = c.collect(storeCmd, nil)
		if err != nil {
			return fmt.Errorf("storing flags: %w", err)
		}
		return nil
	})

	return batch, err
}

// fetch runs FETCH and gathers the responses.
func (c *IMAPClient) fetch(
	client *imapclient.Client,
	numSet imap.NumSet,
	opts *imap.FetchOptions,
	section *imap.FetchItemBodySection,
) (Batch, error) {
	batch, err := c.collect(client.Fetch(numSet, opts), section)
	if err != nil {
		return batch, fmt.Errorf("fetching %s: %w", c.selected, err)
	}
	return batch, nil
}

// collect drains a fetch command. Responses that fail to parse are
// reported as malformed when their UID is known and skipped otherwise.
func (c *IMAPClient) collect(
	fetchCmd *imapclient.FetchCommand,
	section *imap.FetchItemBodySection,
) (Batch, error) {
	defer fetchCmd.Close()

	var batch Batch
	for {
		data := fetchCmd.Next()
		if data == nil {
			break
		}

		buf, err := data.Collect()
		if buf == nil || buf.UID == 0 {
			c.log.Warn().Err(err).Msg("Skipping response without UID")
			continue
		}
		if err != nil {
			c.log.Warn().Err(err).Uint32("uid", uint32(buf.UID)).Msg("Malformed fetch response")
			batch.Malformed = append(batch.Malformed, tokenFor(c.uidValidity, buf.UID))
			continue
		}

		msg := messageFromBuffer(c.uidValidity, buf)
		if section != nil {
			if raw := buf.FindBodySection(section); raw != nil {
				if err := applyHeader(&msg.Envelope, raw); err != nil {
					c.log.Warn().Err(err).Uint32("uid", uint32(buf.UID)).Msg("Malformed header")
					batch.Malformed = append(batch.Malformed, msg.Token)
					continue
				}
			}
		}
		batch.Messages = append(batch.Messages, msg)
	}

	return batch, fetchCmd.Close()
}

// Close logs out and closes the connection.
func (c *IMAPClient) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Logout().Wait()
	c.reset()
	return err
}
