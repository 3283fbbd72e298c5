package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func tokensCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage user query tokens",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <user> <n>",
		Short: "Add n query tokens to a user (id or local username)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return fmt.Errorf("token count must be a positive integer, got %q", args[1])
			}
			ctx := cmd.Context()
			u, err := a.lookupUser(ctx, args[0])
			if err != nil {
				return err
			}
			if err := a.db.AddQueryTokens(ctx, u.ID, n); err != nil {
				return fmt.Errorf("failed to add tokens: %w", err)
			}
			after, err := a.db.GetUser(ctx, u.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "User %d now has %d query tokens\n", u.ID, after.QueryTokens)
			return nil
		},
	})
	return cmd
}
