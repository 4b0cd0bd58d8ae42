package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newOrderCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "order",
		Short: "Print entities in dependency-safe insert order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(opts)
			if err != nil {
				return err
			}
			defer env.close(cmd.Context())

			order, err := env.registry.DependencyOrder()
			if err != nil {
				return err
			}

			num := color.New(color.FgCyan)
			if env.noColor {
				num.DisableColor()
			}
			out := cmd.OutOrStdout()
			for i, name := range order {
				num.Fprintf(out, "%2d. ", i+1)
				fmt.Fprintln(out, name)
			}
			return nil
		},
	}
}
