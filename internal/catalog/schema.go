package catalog

import (
	"fmt"

	"github.com/mesh-intelligence/cellar/internal/confstr"
	"github.com/mesh-intelligence/cellar/internal/pack"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

// Schema is the logical layout of a table.
type Schema struct {
	Name        string
	KeyFormat   *pack.Format
	ValueFormat *pack.Format
	// Columns names every key column followed by every value column. It is
	// empty when the table declares no column names.
	Columns   []string
	ColGroups []string
}

// TableSchema decodes a table configuration.
func TableSchema(name string, cfg *confstr.Record) (*Schema, error) {
	s := &Schema{Name: name}
	var err error
	kf, _ := cfg.GetString("key_format")
	if s.KeyFormat, err = pack.ParseFormat(kf); err != nil {
		return nil, fmt.Errorf("%w: table:%s key_format=%s: %v", types.ErrIncompatibleLayout, name, kf, err)
	}
	vf, _ := cfg.GetString("value_format")
	if s.ValueFormat, err = pack.ParseFormat(vf); err != nil {
		return nil, fmt.Errorf("%w: table:%s value_format=%s: %v", types.ErrIncompatibleLayout, name, vf, err)
	}
	if s.Columns, err = cfg.GetList("columns"); err != nil {
		return nil, err
	}
	if s.ColGroups, err = cfg.GetList("colgroups"); err != nil {
		return nil, err
	}
	if len(s.Columns) > 0 && len(s.Columns) != s.KeyFormat.Len()+s.ValueFormat.Len() {
		return nil, fmt.Errorf("%w: table:%s names %d columns for formats %s and %s",
			types.ErrMalformedConfig, name, len(s.Columns), s.KeyFormat, s.ValueFormat)
	}
	if len(s.ColGroups) > 0 && len(s.Columns) == 0 {
		return nil, fmt.Errorf("%w: table:%s declares column groups without column names",
			types.ErrMalformedConfig, name)
	}
	return s, nil
}

// ValueColumns returns the names of the value columns.
func (s *Schema) ValueColumns() []string {
	if len(s.Columns) == 0 {
		return nil
	}
	return s.Columns[s.KeyFormat.Len():]
}

// GroupIndices maps a column group's column names to value column
// positions. An empty list is the default group covering every value.
func (s *Schema) GroupIndices(columns []string) ([]int, error) {
	if len(columns) == 0 {
		idx := make([]int, s.ValueFormat.Len())
		for i := range idx {
			idx[i] = i
		}
		return idx, nil
	}
	pos := make(map[string]int)
	for i, c := range s.ValueColumns() {
		pos[c] = i
	}
	idx := make([]int, 0, len(columns))
	for _, c := range columns {
		i, ok := pos[c]
		if !ok {
			return nil, fmt.Errorf("%w: table:%s has no value column %q", types.ErrDanglingReference, s.Name, c)
		}
		idx = append(idx, i)
	}
	return idx, nil
}

// GroupValueFormat returns the value format of the file backing a column
// group with the given columns.
func (s *Schema) GroupValueFormat(columns []string) (*pack.Format, error) {
	idx, err := s.GroupIndices(columns)
	if err != nil {
		return nil, err
	}
	return s.ValueFormat.Sub(idx)
}
