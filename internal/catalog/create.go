package catalog

import (
	"fmt"

	"github.com/mesh-intelligence/cellar/internal/confstr"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

// Object is one catalog entry with its full configuration.
type Object struct {
	URI    types.URI
	Config *confstr.Record
}

// Plan expands a create call into the entries it adds. A table without
// column groups brings its default group and that group's file; an
// explicit column group brings its file. Keys of cfg are routed to the
// entries that carry them and every entry is filled from its defaults.
// v is the catalog as the caller sees it, staged edits included.
func Plan(uri types.URI, cfg *confstr.Record, v View) ([]Object, error) {
	if err := uri.Validate(); err != nil {
		return nil, err
	}
	if err := checkKnownKeys(cfg); err != nil {
		return nil, err
	}

	switch uri.Kind {
	case types.KindFile:
		file := newFile(cfg)
		if _, err := FileLayout(file); err != nil {
			return nil, err
		}
		return []Object{{URI: uri, Config: file}}, nil

	case types.KindTable:
		table := Defaults(types.KindTable)
		table.Overlay(project(cfg, types.KindTable), false)
		if err := checkEntry(uri, table); err != nil {
			return nil, err
		}
		objs := []Object{{URI: uri, Config: table}}
		schema, _ := TableSchema(uri.Name, table)
		if len(schema.ColGroups) > 0 {
			return objs, nil
		}
		group, err := planGroup(types.ColGroupURI(uri.Name, ""), cfg, table, schema)
		if err != nil {
			return nil, err
		}
		return append(objs, group...), nil

	case types.KindColGroup:
		tableURI := types.TableURI(uri.Table())
		table, ok := v[tableURI.String()]
		if !ok {
			return nil, fmt.Errorf("%w: %s needs %s", types.ErrNotFound, uri, tableURI)
		}
		schema, err := TableSchema(uri.Table(), table)
		if err != nil {
			return nil, err
		}
		return planGroup(uri, cfg, table, schema)

	default:
		return nil, fmt.Errorf("%w: cannot create %s", types.ErrInvalidURI, uri)
	}
}

func planGroup(uri types.URI, cfg, table *confstr.Record, schema *Schema) ([]Object, error) {
	group := Defaults(types.KindColGroup)
	group.Overlay(project(cfg, types.KindColGroup), false)
	if uri.Group() == "" {
		group.Set("columns", confstr.Scalar(""))
	}
	if c, ok := table.Get("collator"); ok {
		group.Set("collator", c)
	}
	source := types.DefaultSource(uri)
	group.Set("source", confstr.Quoted(source.String()))
	group.Set("type", confstr.Scalar("file"))
	if err := checkEntry(uri, group); err != nil {
		return nil, err
	}

	cols, err := group.GetList("columns")
	if err != nil {
		return nil, err
	}
	vf, err := schema.GroupValueFormat(cols)
	if err != nil {
		return nil, err
	}
	file := newFile(cfg)
	kf, _ := table.GetString("key_format")
	file.Set("key_format", confstr.Scalar(kf))
	file.Set("value_format", confstr.Scalar(vf.String()))
	if _, err := FileLayout(file); err != nil {
		return nil, err
	}
	return []Object{{URI: uri, Config: group}, {URI: source, Config: file}}, nil
}

// newFile returns the file entry for the layout keys in cfg.
func newFile(cfg *confstr.Record) *confstr.Record {
	file := Defaults(types.KindFile)
	file.Overlay(project(cfg, types.KindFile), false)
	file.Set("columns", confstr.Scalar(""))
	return file
}
