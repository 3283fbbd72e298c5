package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/lindseylubin/Gen-Ed/internal/password"
	"github.com/lindseylubin/Gen-Ed/internal/store"
	"github.com/spf13/cobra"
)

func newUserCmd(a *app) *cobra.Command {
	var (
		admin  bool
		tester bool
		tokens int
	)
	cmd := &cobra.Command{
		Use:   "newuser <username>",
		Short: "Create a local user with a random password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if tokens < 0 {
				return fmt.Errorf("--tokens must not be negative")
			}
			pw, err := password.Generate(6)
			if err != nil {
				return fmt.Errorf("failed to generate password: %w", err)
			}
			hash, err := password.Hash(pw)
			if err != nil {
				return fmt.Errorf("failed to hash password: %w", err)
			}
			u, err := a.db.CreateLocalUser(cmd.Context(), store.NewLocalUser{
				Username:     args[0],
				PasswordHash: hash,
				IsAdmin:      admin,
				IsTester:     tester,
				QueryTokens:  tokens,
			})
			if errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("user %q already exists", args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to create user: %w", err)
			}
			fmt.Fprintf(a.out, "New user: %s (id %d)\n", args[0], u.ID)
			fmt.Fprintf(a.out, "Password: %s\n", pw)
			return nil
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant admin privileges")
	cmd.Flags().BoolVar(&tester, "tester", false, "Allow system-funded test requests")
	cmd.Flags().IntVar(&tokens, "tokens", 0, "Initial query tokens")
	return cmd
}

func setPasswordCmd(a *app) *cobra.Command {
	var (
		pwFlag string
		stdin  bool
	)
	cmd := &cobra.Command{
		Use:   "setpassword <username>",
		Short: "Set a local user's password (random unless given)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw := pwFlag
			if stdin {
				scanner := bufio.NewScanner(a.in)
				if scanner.Scan() {
					pw = strings.TrimSpace(scanner.Text())
				}
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("failed to read password: %w", err)
				}
			}
			generated := pw == ""
			if generated {
				var err error
				if pw, err = password.Generate(6); err != nil {
					return fmt.Errorf("failed to generate password: %w", err)
				}
			}
			hash, err := password.Hash(pw)
			if err != nil {
				return fmt.Errorf("failed to hash password: %w", err)
			}
			err = a.db.SetLocalPassword(cmd.Context(), args[0], hash)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no local user named %q", args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to set password: %w", err)
			}
			fmt.Fprintf(a.out, "Password updated for %s\n", args[0])
			if generated {
				fmt.Fprintf(a.out, "Password: %s\n", pw)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pwFlag, "password", "", "New password")
	cmd.Flags().BoolVar(&stdin, "stdin", false, "Read the new password from stdin")
	return cmd
}
