package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conduit-lang/relkit/internal/cli/ui"
	"github.com/conduit-lang/relkit/internal/orm/schema"
)

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the entity manifest",
		Long: `Load the manifest named by the config, link every relationship and
register every filter. Prints the entities and filters on success and
warns about owning-relationship cycles.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(opts)
			if err != nil {
				return err
			}
			defer env.close(cmd.Context())
			return runValidate(cmd, env)
		},
	}
}

func runValidate(cmd *cobra.Command, env *environment) error {
	out := cmd.OutOrStdout()
	names := env.registry.Names()

	entities := ui.NewTable(out, []string{"Entity", "Table", "Key", "Relationships"}, env.noColor)
	for _, name := range names {
		meta, err := env.registry.Resolve(name)
		if err != nil {
			return err
		}
		rels := make([]string, 0, len(meta.Relationships))
		for _, rel := range meta.Relationships {
			rels = append(rels, describeRelationship(rel))
		}
		entities.AddRow(meta.Name, meta.Table, strings.Join(meta.KeyColumns(), ", "), strings.Join(rels, ", "))
	}
	entities.Render()

	filters := ui.NewTable(out, []string{"Filter", "Entity", "Default"}, env.noColor)
	for _, name := range names {
		for _, def := range env.filters.Definitions(name) {
			state := "off"
			if def.Default {
				state = "on"
			}
			filters.AddRow(def.Name, def.Entity, state)
		}
	}
	if filters.Len() > 0 {
		fmt.Fprintln(out)
		filters.Render()
	}

	for _, cycle := range env.registry.DetectCycles() {
		ui.Message{
			Level:   ui.LevelWarning,
			Context: "owning cycle",
			Problem: strings.Join(cycle, " → "),
			Suggestions: []string{
				"make one relationship in the cycle nullable",
			},
			NoColor: env.noColor,
		}.Write(cmd.ErrOrStderr())
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, ui.Success(fmt.Sprintf("%d entities, %d filters", len(names), filters.Len()), env.noColor))
	return nil
}

// describeRelationship renders "org→Organisation" or "users→[]User"
func describeRelationship(rel *schema.Relationship) string {
	target := rel.Target
	if rel.Kind == schema.ToMany {
		target = "[]" + target
	}
	if !rel.IsOwning() {
		return fmt.Sprintf("%s→%s (by %s)", rel.Name, target, rel.MappedBy)
	}
	return fmt.Sprintf("%s→%s", rel.Name, target)
}
