package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conduit-lang/relkit/internal/cli/ui"
	"github.com/conduit-lang/relkit/internal/orm/migrate"
	"github.com/conduit-lang/relkit/internal/orm/query"
)

func newSchemaCommand(opts *rootOptions) *cobra.Command {
	var apply bool

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print or apply the tables of the manifest",
		Long: `Render CREATE TABLE statements for every entity in dependency order,
with composite primary keys and a foreign key per owning relationship.

With --apply the statements run in one transaction against the configured
database; a schema version already applied is skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(opts)
			if err != nil {
				return err
			}
			defer env.close(cmd.Context())

			out := cmd.OutOrStdout()
			if !apply {
				dialect, err := query.DialectFor(env.config.Database.Driver)
				if err != nil {
					return err
				}
				gen, err := migrate.NewGenerator(dialect)
				if err != nil {
					return err
				}
				stmts, err := gen.Generate(env.registry)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "-- version %s\n", migrate.Version(stmts))
				for _, stmt := range stmts {
					fmt.Fprintf(out, "%s;\n\n", stmt)
				}
				return nil
			}

			store, err := env.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			runner, err := migrate.NewRunner(store.Transactions(), store.Dialect(), env.logger)
			if err != nil {
				return err
			}
			plan, err := runner.Apply(cmd.Context(), env.registry)
			if err != nil {
				return err
			}
			if plan.Applied {
				fmt.Fprintln(out, ui.Success(fmt.Sprintf("applied schema %s (%d tables)", plan.Version, len(plan.Statements)), env.noColor))
			} else {
				fmt.Fprintln(out, ui.Success(fmt.Sprintf("schema %s is up to date", plan.Version), env.noColor))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&apply, "apply", false, "create the tables in the configured database")
	return cmd
}
