package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/lindseylubin/Gen-Ed/internal/store"
	"github.com/spf13/cobra"
)

func showDBCmd(a *app) *cobra.Command {
	var names []string
	for _, v := range store.Views() {
		names = append(names, string(v))
	}
	return &cobra.Command{
		Use:       "showdb <view>",
		Short:     "Print a read-only view (" + strings.Join(names, ", ") + ")",
		Args:      cobra.ExactArgs(1),
		ValidArgs: names,
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := store.ParseView(args[0])
			if err != nil {
				return err
			}
			res, err := a.db.ReadView(cmd.Context(), view)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", view, err)
			}
			w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, strings.ToUpper(strings.Join(res.Columns, "\t")))
			for _, row := range res.Rows {
				fmt.Fprintln(w, strings.Join(row, "\t"))
			}
			return w.Flush()
		},
	}
}
