package catalog

import (
	"fmt"
	"slices"
	"sort"

	"github.com/mesh-intelligence/cellar/internal/confstr"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

// View is a set of catalog entries keyed by URI text.
type View map[string]*confstr.Record

// CheckIntegrity checks the references between entries of v:
//
//   - a column group belongs to an existing table that declares it
//   - a column group's source file exists and backs no other group
//   - a column group's columns are value columns of its table, and no
//     column belongs to two groups
//
// Tables named in complete must additionally have every declared group
// present with every value column in exactly one group. Tables under
// construction by create may lack groups; imported tables may not.
func CheckIntegrity(v View, complete ...string) error {
	uris := make([]string, 0, len(v))
	for u := range v {
		uris = append(uris, u)
	}
	sort.Strings(uris)

	sources := make(map[string]string)
	owners := make(map[string]map[string]string) // table -> column -> group
	groups := make(map[string][]string)           // table -> groups present

	for _, text := range uris {
		u, err := types.ParseURI(text)
		if err != nil {
			return err
		}
		if u.Kind != types.KindColGroup {
			continue
		}
		cfg := v[text]
		table := types.TableURI(u.Table()).String()
		tcfg, ok := v[table]
		if !ok {
			return fmt.Errorf("%w: %s has no %s", types.ErrDanglingReference, text, table)
		}
		schema, err := TableSchema(u.Table(), tcfg)
		if err != nil {
			return err
		}
		if g := u.Group(); g == "" {
			if len(schema.ColGroups) > 0 {
				return fmt.Errorf("%w: %s is a default group but %s declares groups %v",
					types.ErrDanglingReference, text, table, schema.ColGroups)
			}
		} else if !slices.Contains(schema.ColGroups, g) {
			return fmt.Errorf("%w: %s does not declare column group %q", types.ErrDanglingReference, table, g)
		}

		src, _ := cfg.GetString("source")
		if _, ok := v[src]; !ok {
			return fmt.Errorf("%w: %s source %s does not exist", types.ErrDanglingReference, text, src)
		}
		if other, ok := sources[src]; ok {
			return fmt.Errorf("%w: %s and %s share source %s", types.ErrDanglingReference, other, text, src)
		}
		sources[src] = text

		cols, err := cfg.GetList("columns")
		if err != nil {
			return err
		}
		if _, err := schema.GroupIndices(cols); err != nil {
			return fmt.Errorf("%s: %w", text, err)
		}
		if owners[table] == nil {
			owners[table] = make(map[string]string)
		}
		for _, c := range cols {
			if prev, ok := owners[table][c]; ok {
				return fmt.Errorf("%w: column %q of %s is in both %s and %s",
					types.ErrMalformedConfig, c, table, prev, text)
			}
			owners[table][c] = text
		}
		groups[table] = append(groups[table], u.Group())
	}

	for _, name := range complete {
		table := types.TableURI(name).String()
		tcfg, ok := v[table]
		if !ok {
			continue
		}
		schema, err := TableSchema(name, tcfg)
		if err != nil {
			return err
		}
		if len(schema.ColGroups) == 0 {
			if !slices.Contains(groups[table], "") {
				return fmt.Errorf("%w: %s has no column group", types.ErrDanglingReference, table)
			}
			continue
		}
		for _, g := range schema.ColGroups {
			if !slices.Contains(groups[table], g) {
				return fmt.Errorf("%w: %s declares missing column group %q", types.ErrDanglingReference, table, g)
			}
		}
		for _, c := range schema.ValueColumns() {
			if _, ok := owners[table][c]; !ok {
				return fmt.Errorf("%w: column %q of %s is in no column group", types.ErrDanglingReference, c, table)
			}
		}
	}
	return nil
}
