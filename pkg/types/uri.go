package types

import (
	"fmt"
	"strings"
)

// Kind is the object type prefix of a URI.
type Kind string

// Object kinds addressable through the catalog.
const (
	KindFile     Kind = "file"
	KindTable    Kind = "table"
	KindColGroup Kind = "colgroup"
	KindMetadata Kind = "metadata"
)

// DataFileSuffix is appended to table and column group names to form the
// name of their backing file.
const DataFileSuffix = ".wt"

// URI names a catalog entry: "<kind>:<name>". Column group names carry
// their table: "colgroup:<table>" for the default group and
// "colgroup:<table>:<group>" for an explicit one.
type URI struct {
	Kind Kind
	Name string
}

// MetadataURI is the URI of the read-only catalog cursor.
var MetadataURI = URI{Kind: KindMetadata}

// ParseURI parses s into a URI. It returns ErrInvalidURI when the kind is
// unknown or the name is empty or unsafe as a file name.
func ParseURI(s string) (URI, error) {
	kind, name, ok := strings.Cut(s, ":")
	if !ok {
		return URI{}, fmt.Errorf("%w: %q has no kind prefix", ErrInvalidURI, s)
	}
	u := URI{Kind: Kind(kind), Name: name}
	if err := u.Validate(); err != nil {
		return URI{}, err
	}
	return u, nil
}

// MustParseURI is ParseURI for constants; it panics on error.
func MustParseURI(s string) URI {
	u, err := ParseURI(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Validate checks the URI's kind and name.
func (u URI) Validate() error {
	switch u.Kind {
	case KindMetadata:
		if u.Name != "" {
			return fmt.Errorf("%w: metadata cursor takes no name", ErrInvalidURI)
		}
		return nil
	case KindFile, KindTable:
		if strings.Contains(u.Name, ":") {
			return fmt.Errorf("%w: %s name %q contains ':'", ErrInvalidURI, u.Kind, u.Name)
		}
	case KindColGroup:
		if strings.Count(u.Name, ":") > 1 {
			return fmt.Errorf("%w: colgroup name %q", ErrInvalidURI, u.Name)
		}
		tbl, grp, _ := strings.Cut(u.Name, ":")
		if tbl == "" || (strings.Contains(u.Name, ":") && grp == "") {
			return fmt.Errorf("%w: colgroup name %q", ErrInvalidURI, u.Name)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidURI, u.Kind)
	}
	if u.Name == "" {
		return fmt.Errorf("%w: empty %s name", ErrInvalidURI, u.Kind)
	}
	if strings.ContainsAny(u.Name, `/\`) || u.Name == "." || u.Name == ".." {
		return fmt.Errorf("%w: %q is not a plain file name", ErrInvalidURI, u.Name)
	}
	return nil
}

// String returns the canonical text form.
func (u URI) String() string {
	return string(u.Kind) + ":" + u.Name
}

// Table returns the owning table name of a table or colgroup URI.
func (u URI) Table() string {
	tbl, _, _ := strings.Cut(u.Name, ":")
	return tbl
}

// Group returns the column group name of a colgroup URI, or "" for the
// default group.
func (u URI) Group() string {
	_, grp, _ := strings.Cut(u.Name, ":")
	return grp
}

// FileURI returns the URI of a data file.
func FileURI(name string) URI { return URI{Kind: KindFile, Name: name} }

// TableURI returns the URI of a table.
func TableURI(name string) URI { return URI{Kind: KindTable, Name: name} }

// ColGroupURI returns the URI of a table's column group; group "" names the
// default group.
func ColGroupURI(table, group string) URI {
	if group == "" {
		return URI{Kind: KindColGroup, Name: table}
	}
	return URI{Kind: KindColGroup, Name: table + ":" + group}
}

// DefaultSource returns the file URI that backs a column group under the
// engine's naming convention.
func DefaultSource(cg URI) URI {
	if g := cg.Group(); g != "" {
		return FileURI(cg.Table() + "_" + g + DataFileSuffix)
	}
	return FileURI(cg.Table() + DataFileSuffix)
}
