package catalog

import (
	"fmt"

	"github.com/mesh-intelligence/cellar/internal/confstr"
	"github.com/mesh-intelligence/cellar/pkg/types"
)

// Descriptor is the self-description written into every data file when it
// is created: the file entry and, for files backing a column group, the
// group and table entries. It lets a file be imported without the catalog
// it came from.
type Descriptor struct {
	File     *confstr.Record
	Table    *Object
	ColGroup *Object
}

// String serializes the descriptor as a configuration string.
func (d *Descriptor) String() string {
	rec := confstr.New()
	rec.Set("file", confstr.Nested(d.File))
	for name, obj := range map[string]*Object{"table": d.Table, "colgroup": d.ColGroup} {
		if obj == nil {
			continue
		}
		sub := confstr.New()
		sub.Set("uri", confstr.Quoted(obj.URI.String()))
		sub.Set("config", confstr.Nested(obj.Config))
		rec.Set(name, confstr.Nested(sub))
	}
	return rec.String()
}

// ParseDescriptor decodes a descriptor read from a data file.
func ParseDescriptor(text string) (*Descriptor, error) {
	rec, err := confstr.ParseStrict(text, "file")
	if err != nil {
		return nil, fmt.Errorf("file descriptor: %w", err)
	}
	fv, _ := rec.Get("file")
	if fv.Kind() != confstr.KindRecord {
		return nil, fmt.Errorf("%w: file descriptor entry is not a record", types.ErrMalformedConfig)
	}
	d := &Descriptor{File: fv.Record()}
	for name, dst := range map[string]**Object{"table": &d.Table, "colgroup": &d.ColGroup} {
		v, ok := rec.Get(name)
		if !ok {
			continue
		}
		obj, err := parseObject(v)
		if err != nil {
			return nil, fmt.Errorf("file descriptor %s: %w", name, err)
		}
		*dst = obj
	}
	return d, nil
}

func parseObject(v confstr.Value) (*Object, error) {
	if v.Kind() != confstr.KindRecord {
		return nil, fmt.Errorf("%w: not a record", types.ErrMalformedConfig)
	}
	sub := v.Record()
	text, ok := sub.GetString("uri")
	if !ok {
		return nil, fmt.Errorf("%w: uri missing", types.ErrMalformedConfig)
	}
	uri, err := types.ParseURI(text)
	if err != nil {
		return nil, err
	}
	cv, ok := sub.Get("config")
	if !ok || cv.Kind() != confstr.KindRecord {
		return nil, fmt.Errorf("%w: config missing", types.ErrMalformedConfig)
	}
	return &Object{URI: uri, Config: cv.Record()}, nil
}
