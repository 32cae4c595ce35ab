package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// app holds what every subcommand needs after flags are parsed.
type app struct {
	configPath string
	account    string
	verbose    bool

	cfg       *model.AppConfig
	log       zerolog.Logger
	sanitizer logging.Sanitizer
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "mailsync",
		Short:         "Synchronize IMAP folders into a local cache",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", model.DefaultConfigPath(), "Path to the configuration file")
	root.PersistentFlags().StringVarP(&a.account, "account", "a", "", "Account ID or name (default: all enabled accounts)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newSyncCmd(a),
		newRefreshCmd(a),
		newMarkSeenCmd(a),
		newLoginCmd(a),
		newFoldersCmd(a),
	)
	return root
}

func (a *app) init() error {
	cfg, err := model.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.verbose {
		cfg.Log.Level = "debug"
	}

	a.cfg = cfg
	a.log = logging.New(cfg.Log, os.Stderr)
	a.sanitizer = logging.Sanitizer{Enabled: cfg.Log.Sanitize}
	return nil
}

// accounts returns the accounts selected by --account, or every enabled
// account.
func (a *app) accounts() ([]model.AccountConfig, error) {
	if a.account != "" {
		acct, ok := a.cfg.Account(a.account)
		if !ok {
			return nil, fmt.Errorf("no account %q in %s", a.account, a.configPath)
		}
		return []model.AccountConfig{acct}, nil
	}

	var out []model.AccountConfig
	for _, acct := range a.cfg.Accounts {
		if acct.Enabled {
			out = append(out, acct)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no enabled accounts in %s", a.configPath)
	}
	return out, nil
}

// singleAccount returns the one account a folder command applies to.
func (a *app) singleAccount() (model.AccountConfig, error) {
	accounts, err := a.accounts()
	if err != nil {
		return model.AccountConfig{}, err
	}
	if len(accounts) > 1 {
		return model.AccountConfig{}, fmt.Errorf("several accounts configured; choose one with --account")
	}
	return accounts[0], nil
}

func (a *app) openStore() (store.Store, error) {
	st, err := store.Open(a.cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	return st, nil
}

func (a *app) openCredentials() (*credential.Store, error) {
	return credential.Open(filepath.Dir(a.configPath))
}
