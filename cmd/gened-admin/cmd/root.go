package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/lindseylubin/Gen-Ed/internal/config"
	"github.com/lindseylubin/Gen-Ed/internal/store"
	"github.com/spf13/cobra"
)

// app carries what every subcommand needs once the root has run.
type app struct {
	db  store.DB
	out io.Writer
	in  io.Reader
}

// openStore connects to the store named by the environment.
var openStore = func(ctx context.Context) (store.DB, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.DBAdapter == "memory" {
		return nil, errors.New("gened-admin needs a persistent DB_ADAPTER (sqlite or postgres)")
	}
	return store.Open(ctx, cfg.DBAdapter, cfg.SQLiteFile, cfg.PostgresDSN)
}

// NewRootCmd builds the gened-admin command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "gened-admin",
		Short:        "Administer gened users, consumers, classes and quotas",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			a.db = db
			a.out = cmd.OutOrStdout()
			a.in = cmd.InOrStdin()
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.db == nil {
				return nil
			}
			return a.db.Close()
		},
	}
	root.AddCommand(
		newUserCmd(a),
		setPasswordCmd(a),
		tokensCmd(a),
		consumerCmd(a),
		classCmd(a),
		showDBCmd(a),
	)
	return root
}

// Execute runs the root command
func Execute() {
	if err := NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// lookupUser accepts a numeric user id or a local username.
func (a *app) lookupUser(ctx context.Context, ref string) (*store.User, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		u, err := a.db.GetUser(ctx, id)
		if err != nil {
			return nil, err
		}
		if u == nil {
			return nil, fmt.Errorf("no user with id %d", id)
		}
		return u, nil
	}
	auth, err := a.db.GetLocalAuth(ctx, ref)
	if err != nil {
		return nil, err
	}
	if auth == nil {
		return nil, fmt.Errorf("no local user named %q", ref)
	}
	return a.db.GetUser(ctx, auth.UserID)
}
