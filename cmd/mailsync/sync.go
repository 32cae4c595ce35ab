package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailsync/internal/mailstore"
	"github.com/nhle/mailsync/internal/sync"
)

func newSyncCmd(a *app) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Keep the cache of every enabled account up to date",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			accounts, err := a.accounts()
			if err != nil {
				return err
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			sessions := make([]*session, 0, len(accounts))
			for _, account := range accounts {
				s, err := a.newSession(ctx, account, st)
				if err != nil {
					return fmt.Errorf("account %s: %w", account.Name, err)
				}
				sessions = append(sessions, s)
			}

			g, gctx := errgroup.WithContext(ctx)
			for _, s := range sessions {
				g.Go(func() error {
					if once {
						return s.run(gctx, s.syncOnce)
					}
					return s.run(gctx, s.poll)
				})
			}

			err = g.Wait()
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Refresh every folder once and exit")
	return cmd
}

// poll refreshes folders on the account's interval until ctx is done.
func (s *session) poll(ctx context.Context) error {
	poller := sync.NewPoller(s.account, s.engine, s.node, s.log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return poller.Run(gctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case r := <-poller.Results():
				s.logResult(r)
			}
		}
	})
	return g.Wait()
}

// syncOnce lists the folder tree and refreshes each selectable folder
// one after another.
func (s *session) syncOnce(ctx context.Context) error {
	if _, err := s.listFolders(ctx); err != nil {
		if mailstore.IsAuthError(err) {
			return fmt.Errorf("%w (run \"mailsync login\")", err)
		}
		return fmt.Errorf("listing folders: %w", err)
	}

	o := newOutcomes()
	s.engine.AddListener(o)
	defer s.engine.RemoveListener(o)

	var failed int
	for _, folder := range s.node.SelectableFolders() {
		if err := s.engine.RequestRefresh(folder); err != nil {
			return err
		}
		r, err := o.waitRefresh(ctx)
		if err != nil {
			return err
		}
		s.logResult(sync.SyncResult{
			AccountID: s.account.ID,
			Folder:    r.folder,
			Summary:   r.summary,
			Error:     r.err,
			AuthError: mailstore.IsAuthError(r.err),
		})
		if r.err != nil {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d folder(s) failed to refresh", failed)
	}
	return nil
}

func (s *session) logResult(r sync.SyncResult) {
	log := s.log.With().Str("folder", r.Folder).Logger()
	switch {
	case r.AuthError:
		log.Error().Err(r.Error).Msg("Authentication failed; run \"mailsync login\"")
	case r.Error != nil:
		log.Warn().Err(r.Error).Msg("Refresh failed")
	default:
		log.Info().
			Str("cycle", r.Summary.CycleID).
			Int("fetched", r.Summary.Fetched).
			Int("flags_updated", r.Summary.FlagsUpdated).
			Int("evicted", r.Summary.Evicted).
			Dur("took", r.Summary.Duration).
			Msg("Folder refreshed")
	}
}

// openSession opens the cache and wires up the single account selected
// on the command line. The returned cleanup closes the cache.
func (a *app) openSession(ctx context.Context) (*session, func(), error) {
	account, err := a.singleAccount()
	if err != nil {
		return nil, nil, err
	}
	st, err := a.openStore()
	if err != nil {
		return nil, nil, err
	}
	s, err := a.newSession(ctx, account, st)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return s, func() { st.Close() }, nil
}
