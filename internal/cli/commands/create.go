package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conduit-lang/relkit/internal/cli/ui"
	"github.com/conduit-lang/relkit/internal/orm/schema"
)

func newCreateCommand(opts *rootOptions) *cobra.Command {
	var assignments []string

	cmd := &cobra.Command{
		Use:   "create <Entity>",
		Short: "Create an instance and flush it",
		Long: `Create one instance through a session and flush it in a single write.

Values are decoded as YAML scalars. An owning relationship takes the key of
its target: a scalar for single-column keys or a list for composite ones.
Required properties and relationships are checked before the write.`,
		Example: `  relkit create Organisation --set id=2 --set name=beta
  relkit create User --set org=1 --set id=14 --set name=user3 --set workspace=[1,10]`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(opts)
			if err != nil {
				return err
			}
			defer env.close(cmd.Context())

			meta, err := env.registry.Resolve(args[0])
			if err != nil {
				if schema.IsUnknownEntity(err) {
					ui.UnknownEntity(args[0], env.registry.Names(), env.noColor).Write(cmd.ErrOrStderr())
				}
				return err
			}
			values, err := parseAssignments(assignments)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			s, err := env.newSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			inst, err := s.Create(meta.Name, values)
			if err != nil {
				return err
			}
			if err := s.Flush(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.Success("created "+describe(inst), env.noColor))
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&assignments, "set", nil, "assign a property or relationship: name=value")
	return cmd
}

func parseAssignments(flags []string) (map[string]any, error) {
	out := make(map[string]any, len(flags))
	for _, f := range flags {
		name, raw, ok := strings.Cut(f, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("--set %q: expected name=value", f)
		}
		out[name] = decodeScalar(raw)
	}
	return out, nil
}
