package catalog

import (
	"fmt"

	"github.com/mesh-intelligence/cellar/internal/confstr"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

// Reconcile turns the configuration an object carried in its source
// instance into the entry this instance stores under dest.
//
// Keys local to the source instance are dropped. The only values
// overwritten are those this instance owns: a column group's source file
// follows the local naming convention. Keys absent from imported are
// filled from the defaults for dest's kind. Every layout key is kept
// verbatim since it describes bytes already on disk.
//
// Reconcile fails with types.ErrIncompatibleLayout when this engine cannot
// read the advertised layout, and with types.ErrMalformedConfig when the
// record holds keys an entry of that kind cannot carry.
func Reconcile(imported *confstr.Record, dest types.URI) (*confstr.Record, error) {
	if err := dest.Validate(); err != nil {
		return nil, err
	}
	out := imported.Clone()
	for _, k := range perInstance {
		out.Delete(k)
	}

	defs := Defaults(dest.Kind)
	for _, k := range out.Keys() {
		if defs.Has(k) {
			continue
		}
		if createOnly[k] {
			out.Delete(k)
			continue
		}
		return nil, fmt.Errorf("%w: %s cannot carry %q", types.ErrMalformedConfig, dest, k)
	}

	switch dest.Kind {
	case types.KindColGroup:
		out.Set("source", confstr.Quoted(types.DefaultSource(dest).String()))
		out.Set("type", confstr.Scalar("file"))
	case types.KindTable, types.KindFile:
	default:
		return nil, fmt.Errorf("%w: %s cannot be imported", types.ErrInvalidURI, dest)
	}
	out.Overlay(defs, true)

	if err := checkEntry(dest, out); err != nil {
		return nil, err
	}
	return out, nil
}

// checkEntry checks that an entry of dest's kind can be opened.
func checkEntry(dest types.URI, cfg *confstr.Record) error {
	switch dest.Kind {
	case types.KindFile:
		_, err := FileLayout(cfg)
		return err
	case types.KindTable:
		if err := checkCollator(cfg); err != nil {
			return err
		}
		_, err := TableSchema(dest.Name, cfg)
		return err
	case types.KindColGroup:
		if err := checkCollator(cfg); err != nil {
			return err
		}
		_, err := cfg.GetList("columns")
		return err
	}
	return nil
}
