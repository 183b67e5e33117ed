package confstr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mesh-intelligence/cellar/pkg/types"
)

// GetString returns the text of a scalar or string value at path.
func (r *Record) GetString(path string) (string, bool) {
	v, ok := r.Lookup(path)
	if !ok || (v.kind != KindScalar && v.kind != KindString) {
		return "", false
	}
	return v.text, true
}

// GetBool returns the boolean at path. A bare item counts as true.
func (r *Record) GetBool(path string) (bool, error) {
	v, ok := r.Lookup(path)
	if !ok {
		return false, nil
	}
	if v.kind == KindNone {
		return true, nil
	}
	switch strings.ToLower(v.text) {
	case "true", "1", "on":
		return true, nil
	case "false", "0", "off", "":
		return false, nil
	}
	return false, fmt.Errorf("%w: %s=%s is not a boolean", types.ErrMalformedConfig, path, v.text)
}

// GetInt returns the integer at path; ok is false when the key is absent.
func (r *Record) GetInt(path string) (n int64, ok bool, err error) {
	s, ok := r.GetString(path)
	if !ok {
		return 0, false, nil
	}
	n, err = strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, true, fmt.Errorf("%w: %s=%s is not an integer", types.ErrMalformedConfig, path, s)
	}
	return n, true, nil
}

// GetSize returns the byte count at path, accepting the suffixes B, K/KB,
// M/MB, G/GB and T/TB.
func (r *Record) GetSize(path string) (n int64, ok bool, err error) {
	s, ok := r.GetString(path)
	if !ok {
		return 0, false, nil
	}
	n, err = ParseSize(s)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %w", path, err)
	}
	return n, true, nil
}

// GetList returns the bare items of the nested list at path. An empty scalar
// ("columns=") is an empty list.
func (r *Record) GetList(path string) ([]string, error) {
	v, ok := r.Lookup(path)
	if !ok {
		return nil, nil
	}
	switch v.kind {
	case KindScalar, KindString:
		if v.text == "" {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s is not a list", types.ErrMalformedConfig, path)
	case KindRecord:
		items := make([]string, 0, v.rec.Len())
		for _, e := range v.rec.entries {
			if e.Value.kind != KindNone {
				return nil, fmt.Errorf("%w: %s contains %s=...", types.ErrMalformedConfig, path, e.Key)
			}
			items = append(items, e.Key)
		}
		return items, nil
	}
	return nil, fmt.Errorf("%w: %s is not a list", types.ErrMalformedConfig, path)
}

// List returns a nested value holding items as bare entries in order.
func List(items ...string) Value {
	rec := New()
	for _, it := range items {
		rec.Set(it, Bare())
	}
	return Nested(rec)
}

var sizeSuffixes = []struct {
	suffix string
	mult   int64
}{
	{"KB", 1 << 10}, {"MB", 1 << 20}, {"GB", 1 << 30}, {"TB", 1 << 40},
	{"K", 1 << 10}, {"M", 1 << 20}, {"G", 1 << 30}, {"T", 1 << 40},
	{"B", 1},
}

// ParseSize parses a byte count with an optional unit suffix.
func ParseSize(s string) (int64, error) {
	u := strings.ToUpper(strings.TrimSpace(s))
	mult := int64(1)
	for _, sf := range sizeSuffixes {
		if strings.HasSuffix(u, sf.suffix) {
			u, mult = strings.TrimSuffix(u, sf.suffix), sf.mult
			break
		}
	}
	n, err := strconv.ParseInt(u, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a size", types.ErrMalformedConfig, s)
	}
	return n * mult, nil
}
