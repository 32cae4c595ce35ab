package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailsync/internal/dispatch"
	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/mailbox"
	"github.com/nhle/mailsync/internal/mailstore"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/sync"
)

// session is one account wired up: a dispatch loop owning an IMAP
// connection, the sync engine and the mailbox tree it feeds.
type session struct {
	account model.AccountConfig
	loop    *dispatch.Loop
	client  mailstore.Client
	engine  *sync.Engine
	node    *mailbox.AccountNode
	log     zerolog.Logger
}

func (a *app) newSession(ctx context.Context, account model.AccountConfig, st store.Store) (*session, error) {
	creds, err := a.openCredentials()
	if err != nil {
		return nil, err
	}
	password, err := creds.Password(account)
	if err != nil {
		return nil, err
	}

	log := a.log.With().Str("account", account.Name).Logger()
	timeout := time.Duration(a.cfg.Sync.OperationTimeoutSec) * time.Second

	loop := dispatch.New(log, dispatch.WithOperationTimeout(timeout))
	client := mailstore.NewIMAPClient(account, password, log)
	engine := sync.NewEngine(account, loop, client, st, log)

	node := mailbox.NewAccountNode(account, st, log)
	if err := node.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("Ignoring saved mailbox tree")
	}
	engine.AddListener(node)
	engine.AddListener(&messageLog{log: log, sanitizer: a.sanitizer})

	return &session{
		account: account,
		loop:    loop,
		client:  client,
		engine:  engine,
		node:    node,
		log:     log,
	}, nil
}

// run runs the dispatch loop while fn executes and closes the connection
// once both are done.
func (s *session) run(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.loop.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return fn(gctx)
	})
	err := g.Wait()

	if cerr := s.client.Close(); cerr != nil {
		s.log.Debug().Err(cerr).Msg("Closing connection")
	}
	return err
}

// messageLog logs newly available messages.
type messageLog struct {
	sync.NopListener
	log       zerolog.Logger
	sanitizer logging.Sanitizer
}

func (l *messageLog) MessagesAvailable(folder string, msgs []model.FolderMessage) {
	if l.log.GetLevel() > zerolog.DebugLevel {
		return
	}
	for _, m := range msgs {
		from := ""
		if len(m.Envelope.From) > 0 {
			from = l.sanitizer.Address(m.Envelope.From[0])
		}
		l.log.Debug().
			Str("folder", folder).
			Str("id", m.ID()).
			Str("from", from).
			Str("subject", l.sanitizer.Subject(m.Envelope.Subject)).
			Msg("Message available")
	}
}

// outcomes relays the end of refresh cycles.
type outcomes struct {
	sync.NopListener
	refreshes chan refreshOutcome
}

type refreshOutcome struct {
	folder  string
	summary sync.RefreshSummary
	err     error
}

func newOutcomes() *outcomes {
	return &outcomes{
		refreshes: make(chan refreshOutcome, 64),
	}
}

func (o *outcomes) RefreshCompleted(folder string, summary sync.RefreshSummary) {
	o.refreshes <- refreshOutcome{folder: folder, summary: summary}
}

func (o *outcomes) RefreshFailed(folder string, err error) {
	o.refreshes <- refreshOutcome{folder: folder, err: err}
}

func (o *outcomes) waitRefresh(ctx context.Context) (refreshOutcome, error) {
	select {
	case r := <-o.refreshes:
		return r, nil
	case <-ctx.Done():
		return refreshOutcome{}, ctx.Err()
	}
}

// listFolders lists the folder tree through the engine and waits for it.
func (s *session) listFolders(ctx context.Context) (*model.Folder, error) {
	type result struct {
		root *model.Folder
		err  error
	}
	ch := make(chan result, 1)

	err := s.engine.RequestFolderTree(func(root *model.Folder, err error) {
		ch <- result{root, err}
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		return r.root, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
