package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/conduit-lang/relkit/internal/cli/ui"
	"github.com/conduit-lang/relkit/internal/orm/entity"
	"github.com/conduit-lang/relkit/internal/orm/query"
	"github.com/conduit-lang/relkit/internal/orm/schema"
	"github.com/conduit-lang/relkit/internal/orm/session"
)

type findOptions struct {
	where    string
	populate []string
	orderBy  []string
	limit    int
	offset   int
	filters  []string
	params   []string
}

func newFindCommand(opts *rootOptions) *cobra.Command {
	fo := &findOptions{}

	cmd := &cobra.Command{
		Use:   "find <Entity>",
		Short: "Find instances of an entity",
		Long: `Run a find through a session and print the matching rows.

The --where predicate is YAML or JSON keyed by property or relationship
names, e.g. '{workspace: {name: w1}}' or '{id: {$in: [12, 13]}}'.`,
		Example: `  relkit find User --where '{org: 1}' --populate workspace,requests
  relkit find Workspace --filter softDelete=off --order-by -name --limit 10
  relkit find User --filter named=on --param named.first=user1 --param named.second=user2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(opts)
			if err != nil {
				return err
			}
			defer env.close(cmd.Context())
			return runFind(cmd, env, args[0], fo)
		},
	}

	cmd.Flags().StringVarP(&fo.where, "where", "w", "", "predicate as YAML or JSON")
	cmd.Flags().StringSliceVarP(&fo.populate, "populate", "p", nil, "relationships to load, dotted for nesting")
	cmd.Flags().StringSliceVar(&fo.orderBy, "order-by", nil, "order terms: name, \"name DESC\" or -name")
	cmd.Flags().IntVar(&fo.limit, "limit", 0, "maximum number of rows (0 for all)")
	cmd.Flags().IntVar(&fo.offset, "offset", 0, "rows to skip")
	cmd.Flags().StringArrayVar(&fo.filters, "filter", nil, "toggle a named filter: name=on|off")
	cmd.Flags().StringArrayVar(&fo.params, "param", nil, "set a filter parameter: filter.param=value")

	return cmd
}

func runFind(cmd *cobra.Command, env *environment, entityName string, fo *findOptions) error {
	meta, err := env.registry.Resolve(entityName)
	if err != nil {
		if schema.IsUnknownEntity(err) {
			ui.UnknownEntity(entityName, env.registry.Names(), env.noColor).Write(cmd.ErrOrStderr())
		}
		return err
	}

	pred, err := parsePredicate(fo.where)
	if err != nil {
		return err
	}
	toggles, err := parseFilterToggles(fo.filters)
	if err != nil {
		return err
	}
	params, err := parseFilterParams(fo.params)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	s, err := env.newSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	found, err := s.Find(ctx, meta.Name, pred, &session.FindOptions{
		Populate:     fo.populate,
		Filters:      toggles,
		FilterParams: params,
		OrderBy:      fo.orderBy,
		Limit:        fo.limit,
		Offset:       fo.offset,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	columns := meta.Columns()
	loaded := topLevel(fo.populate)
	table := ui.NewTable(out, append(append([]string{}, columns...), loaded...), env.noColor)
	for _, inst := range found {
		row, err := instanceRow(inst, columns, loaded)
		if err != nil {
			return err
		}
		table.AddRow(row...)
	}
	table.Render()

	fmt.Fprintln(out)
	summary := ui.NewKeyValueTable(out, env.noColor)
	summary.AddRow("Rows", fmt.Sprint(len(found)))
	summary.AddRow("Tracked", fmt.Sprint(s.Len()))
	summary.AddRow("Session", s.ID())
	summary.Render()
	return nil
}

// instanceRow formats the instance's columns followed by one cell per
// populated relationship
func instanceRow(inst *entity.Instance, columns, loaded []string) ([]string, error) {
	values, err := inst.Columns()
	if err != nil {
		return nil, err
	}
	row := make([]string, 0, len(columns)+len(loaded))
	for _, c := range columns {
		row = append(row, formatValue(values[c]))
	}

	for _, name := range loaded {
		rel, _ := inst.Entity().Relationship(name)
		if rel.Kind == schema.ToMany {
			coll, err := inst.Collection(name)
			if err != nil {
				return nil, err
			}
			items, err := coll.Items()
			if err != nil {
				return nil, err
			}
			refs := make([]string, len(items))
			for i, item := range items {
				refs[i] = describe(item)
			}
			row = append(row, "["+strings.Join(refs, ", ")+"]")
			continue
		}
		ref, err := inst.Reference(name)
		if err != nil {
			return nil, err
		}
		target, _ := ref.Get()
		if target == nil {
			row = append(row, "NULL")
		} else {
			row = append(row, describe(target))
		}
	}
	return row, nil
}

// describe renders "Workspace(1, 10)"
func describe(inst *entity.Instance) string {
	parts := make([]string, len(inst.Key()))
	for i, v := range inst.Key() {
		parts[i] = formatValue(v)
	}
	return fmt.Sprintf("%s(%s)", inst.Name(), strings.Join(parts, ", "))
}

func formatValue(v any) string {
	if v == nil {
		return "NULL"
	}
	return fmt.Sprint(v)
}

// topLevel returns the first segment of each populate path, deduplicated
func topLevel(paths []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range paths {
		name, _, _ := strings.Cut(p, ".")
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

func parsePredicate(where string) (query.Predicate, error) {
	if strings.TrimSpace(where) == "" {
		return query.Predicate{}, nil
	}
	var m map[string]any
	if err := yaml.Unmarshal([]byte(where), &m); err != nil {
		return nil, fmt.Errorf("--where: %w", err)
	}
	return query.Predicate(m), nil
}

func parseFilterToggles(flags []string) (map[string]bool, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	out := make(map[string]bool, len(flags))
	for _, f := range flags {
		name, state, ok := strings.Cut(f, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("--filter %q: expected name=on|off", f)
		}
		switch strings.ToLower(state) {
		case "on", "true", "1":
			out[name] = true
		case "off", "false", "0":
			out[name] = false
		default:
			return nil, fmt.Errorf("--filter %q: state must be on or off", f)
		}
	}
	return out, nil
}

// parseFilterParams reads filter.param=value flags. Values are decoded as
// YAML scalars so numbers and booleans keep their type.
func parseFilterParams(flags []string) (map[string]map[string]any, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	out := make(map[string]map[string]any)
	for _, f := range flags {
		path, raw, ok := strings.Cut(f, "=")
		filterName, param, dotted := strings.Cut(path, ".")
		if !ok || !dotted || filterName == "" || param == "" {
			return nil, fmt.Errorf("--param %q: expected filter.param=value", f)
		}
		if out[filterName] == nil {
			out[filterName] = make(map[string]any)
		}
		out[filterName][param] = decodeScalar(raw)
	}
	return out, nil
}

// decodeScalar reads a flag value as YAML, falling back to the raw string
func decodeScalar(raw string) any {
	var decoded any
	if err := yaml.Unmarshal([]byte(raw), &decoded); err == nil && decoded != nil {
		return decoded
	}
	return raw
}
