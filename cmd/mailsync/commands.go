package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/mailbox"
	"github.com/nhle/mailsync/internal/mailstore"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/sync"
)

func newRefreshCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <folder>",
		Short: "Run one refresh cycle for a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			folder := args[0]
			s, cleanup, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			o := newOutcomes()
			s.engine.AddListener(o)

			return s.run(cmd.Context(), func(ctx context.Context) error {
				if err := s.engine.RequestRefresh(folder); err != nil {
					return err
				}
				r, err := o.waitRefresh(ctx)
				if err != nil {
					return err
				}
				if r.err != nil {
					if mailstore.IsAuthError(r.err) {
						return fmt.Errorf("%w (run \"mailsync login\")", r.err)
					}
					return r.err
				}
				printSummary(cmd, folder, r.summary)
				return nil
			})
		},
	}
}

func printSummary(cmd *cobra.Command, folder string, sum sync.RefreshSummary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: refreshed in %s\n", folder, sum.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "  confirmed      %d\n", sum.Confirmed)
	fmt.Fprintf(out, "  fetched        %d\n", sum.Fetched)
	fmt.Fprintf(out, "  flags updated  %d\n", sum.FlagsUpdated)
	fmt.Fprintf(out, "  evicted        %d\n", sum.Evicted)
	if sum.Pruned > 0 {
		fmt.Fprintf(out, "  pruned         %d\n", sum.Pruned)
	}
	if sum.Malformed > 0 {
		fmt.Fprintf(out, "  malformed      %d\n", sum.Malformed)
	}
}

func newMarkSeenCmd(a *app) *cobra.Command {
	var (
		before    string
		roundtrip bool
	)

	cmd := &cobra.Command{
		Use:   "mark-seen <folder>",
		Short: "Mark cached messages older than a date as seen",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			folder := args[0]
			cutoff, err := parseCutoff(before)
			if err != nil {
				return err
			}

			s, cleanup, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			return s.run(cmd.Context(), func(ctx context.Context) error {
				type outcome struct {
					result sync.MarkSeenResult
					err    error
				}
				ch := make(chan outcome, 1)

				err := s.engine.MarkSeenBefore(folder, cutoff, roundtrip, func(r sync.MarkSeenResult, err error) {
					ch <- outcome{r, err}
				})
				if err != nil {
					return err
				}

				select {
				case o := <-ch:
					if o.err != nil {
						return o.err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: marked %d message(s) seen\n", folder, len(o.result.Marked))
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		},
	}

	cmd.Flags().StringVar(&before, "before", "", "Cutoff date (2006-01-02 or RFC 3339)")
	cmd.Flags().BoolVar(&roundtrip, "roundtrip", false, "Store the flags reported back by the server")
	_ = cmd.MarkFlagRequired("before")
	return cmd
}

// parseCutoff accepts a calendar date in local time or an RFC 3339
// timestamp.
func parseCutoff(value string) (time.Time, error) {
	if t, err := time.ParseInLocation(time.DateOnly, value, time.Local); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --before %q: want YYYY-MM-DD or RFC 3339", value)
	}
	return t, nil
}

func newLoginCmd(a *app) *cobra.Command {
	var verify bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an account password in the system keyring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			account, err := a.singleAccount()
			if err != nil {
				return err
			}
			// Generated IDs key the credential; keep them stable.
			if err := model.SaveConfig(a.configPath, a.cfg); err != nil {
				return err
			}

			password, err := readPassword(cmd, account)
			if err != nil {
				return err
			}

			creds, err := a.openCredentials()
			if err != nil {
				return err
			}
			if err := creds.SetPassword(account, password); err != nil {
				return err
			}

			if verify {
				s, cleanup, err := a.openSession(cmd.Context())
				if err != nil {
					return err
				}
				defer cleanup()

				err = s.run(cmd.Context(), func(ctx context.Context) error {
					_, err := s.listFolders(ctx)
					return err
				})
				if err != nil {
					if mailstore.IsAuthError(err) {
						_ = creds.DeletePassword(account)
					}
					return err
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Password stored for %s\n", account.Username)
			return nil
		},
	}

	cmd.Flags().BoolVar(&verify, "verify", true, "Check the password against the server")
	return cmd
}

func readPassword(cmd *cobra.Command, account model.AccountConfig) (string, error) {
	fmt.Fprintf(cmd.ErrOrStderr(), "Password for %s@%s: ", account.Username, account.Host)

	var raw string
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		raw = string(b)
	} else if _, err := fmt.Fscanln(cmd.InOrStdin(), &raw); err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}

	password := strings.TrimSpace(raw)
	if password == "" {
		return "", errors.New("empty password")
	}
	return password, nil
}

func newFoldersCmd(a *app) *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "folders",
		Short: "Print the mailbox tree of an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !remote {
				account, err := a.singleAccount()
				if err != nil {
					return err
				}
				st, err := a.openStore()
				if err != nil {
					return err
				}
				defer st.Close()

				node := mailbox.NewAccountNode(account, st, a.log)
				if err := node.Load(cmd.Context()); err != nil {
					return err
				}
				printTree(cmd, node)
				return nil
			}

			s, cleanup, err := a.openSession(cmd.Context())
			if err != nil {
				if errors.Is(err, credential.ErrNotFound) {
					return fmt.Errorf("%w (run \"mailsync login\")", err)
				}
				return err
			}
			defer cleanup()

			err = s.run(cmd.Context(), func(ctx context.Context) error {
				_, err := s.listFolders(ctx)
				return err
			})
			if err != nil {
				return err
			}
			printTree(cmd, s.node)
			return nil
		},
	}

	cmd.Flags().BoolVar(&remote, "remote", false, "List folders from the server instead of the saved tree")
	return cmd
}

func printTree(cmd *cobra.Command, node *mailbox.AccountNode) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, node.Name())
	node.Walk(func(m *mailbox.MailboxNode, depth int) {
		line := strings.Repeat("  ", depth+1) + m.Name()
		f := m.Folder()
		switch {
		case m.Missing():
			line += "  (missing)"
		case !f.Selectable:
			line += "  (no messages)"
		default:
			line += fmt.Sprintf("  %d/%d", f.UnseenCount, f.MessageCount)
		}
		fmt.Fprintln(out, line)
	})
}
