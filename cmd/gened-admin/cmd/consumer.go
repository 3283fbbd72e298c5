package cmd

import (
	"errors"
	"fmt"

	"github.com/lindseylubin/Gen-Ed/internal/password"
	"github.com/lindseylubin/Gen-Ed/internal/store"
	"github.com/spf13/cobra"
)

func consumerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consumer",
		Short: "Manage LTI consumers",
	}

	var secret, openAIKey string
	add := &cobra.Command{
		Use:   "add <key>",
		Short: "Register an LTI consumer (random secret unless given)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := secret
			if s == "" {
				var err error
				if s, err = password.Generate(16); err != nil {
					return fmt.Errorf("failed to generate secret: %w", err)
				}
			}
			c, err := a.db.CreateConsumer(cmd.Context(), args[0], s, openAIKey)
			if errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("consumer %q already exists", args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to create consumer: %w", err)
			}
			fmt.Fprintf(a.out, "Consumer: %s (id %d)\n", c.Key, c.ID)
			fmt.Fprintf(a.out, "Secret: %s\n", s)
			return nil
		},
	}
	add.Flags().StringVar(&secret, "secret", "", "Shared OAuth secret")
	add.Flags().StringVar(&openAIKey, "openai-key", "", "API key used by this consumer's classes")

	setKey := &cobra.Command{
		Use:   "setkey <key> <openai-key>",
		Short: "Set the API key used by a consumer's classes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.db.GetConsumerByKey(ctx, args[0])
			if err != nil {
				return err
			}
			if c == nil {
				return fmt.Errorf("no consumer with key %q", args[0])
			}
			if err := a.db.SetConsumerOpenAIKey(ctx, c.ID, args[1]); err != nil {
				return fmt.Errorf("failed to set key: %w", err)
			}
			fmt.Fprintf(a.out, "API key updated for consumer %s\n", c.Key)
			return nil
		},
	}

	cmd.AddCommand(add, setKey)
	return cmd
}
