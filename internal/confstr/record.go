// Package confstr parses and serializes configuration strings: comma
// separated key=value items where a value is a bare token, a quoted string
// or a parenthesized nested list.
//
//	allocation_size=4K,block_compressor="zlib",columns=(k,v),log=(enabled=true)
//
// A Record keeps the items of one nesting level. Serialization is
// canonical: keyed items are emitted sorted by key, while a list made
// only of bare items (such as a column list) keeps its declared order. Two
// structurally equal records therefore always serialize to the same text,
// and Parse(r.String()).String() == r.String() for every record.
//
// See docs/ARCHITECTURE.md § Configuration Strings.
package confstr

import (
	"sort"
	"strings"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	// KindNone marks a bare item with no "=value" part, such as a column
	// name inside a list.
	KindNone ValueKind = iota
	// KindScalar is an unquoted token; it may be empty ("key=").
	KindScalar
	// KindString is a double-quoted string.
	KindString
	// KindRecord is a parenthesized nested record.
	KindRecord
)

func (k ValueKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindScalar:
		return "scalar"
	case KindString:
		return "string"
	case KindRecord:
		return "record"
	default:
		return "unknown"
	}
}

// Value is one configuration value.
type Value struct {
	kind ValueKind
	text string
	rec  *Record
}

// Bare returns the value of an item that has no "=value" part.
func Bare() Value { return Value{kind: KindNone} }

// Scalar returns an unquoted token value.
func Scalar(s string) Value { return Value{kind: KindScalar, text: s} }

// Quoted returns a string value that is always serialized in quotes.
func Quoted(s string) Value { return Value{kind: KindString, text: s} }

// Nested returns a value holding a nested record.
func Nested(r *Record) Value {
	if r == nil {
		r = New()
	}
	return Value{kind: KindRecord, rec: r}
}

// Kind reports which variant v holds.
func (v Value) Kind() ValueKind { return v.kind }

// Text returns the unquoted text of a scalar or string value.
func (v Value) Text() string { return v.text }

// Record returns the nested record, or nil when v is not a record.
func (v Value) Record() *Record { return v.rec }

// String returns the serialized form of v.
func (v Value) String() string {
	var b strings.Builder
	v.writeTo(&b)
	return b.String()
}

func (v Value) clone() Value {
	if v.kind == KindRecord {
		return Value{kind: KindRecord, rec: v.rec.Clone()}
	}
	return v
}

// Entry is one item of a record.
type Entry struct {
	Key   string
	Value Value
}

// Record is an ordered set of uniquely keyed entries.
// The zero value is not usable; call New or Parse.
type Record struct {
	entries []Entry
	index   map[string]int
}

// New returns an empty record.
func New() *Record {
	return &Record{index: make(map[string]int)}
}

// Len returns the number of entries.
func (r *Record) Len() int { return len(r.entries) }

// Entries returns a copy of the entries in insertion order.
func (r *Record) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Keys returns the keys in insertion order.
func (r *Record) Keys() []string {
	keys := make([]string, len(r.entries))
	for i, e := range r.entries {
		keys[i] = e.Key
	}
	return keys
}

// Has reports whether key is present at this level.
func (r *Record) Has(key string) bool {
	_, ok := r.index[key]
	return ok
}

// Get returns the value stored under key at this level.
func (r *Record) Get(key string) (Value, bool) {
	i, ok := r.index[key]
	if !ok {
		return Value{}, false
	}
	return r.entries[i].Value, true
}

// Lookup resolves a dotted path such as "log.enabled" through nested records.
func (r *Record) Lookup(path string) (Value, bool) {
	cur := r
	for {
		head, rest, nested := strings.Cut(path, ".")
		v, ok := cur.Get(head)
		if !ok {
			return Value{}, false
		}
		if !nested {
			return v, true
		}
		if v.kind != KindRecord {
			return Value{}, false
		}
		cur, path = v.rec, rest
	}
}

// Set stores v under key, replacing an existing entry in place or appending
// a new one.
func (r *Record) Set(key string, v Value) {
	if i, ok := r.index[key]; ok {
		r.entries[i].Value = v
		return
	}
	r.index[key] = len(r.entries)
	r.entries = append(r.entries, Entry{Key: key, Value: v})
}

// SetPath stores v under a dotted path, creating nested records as needed.
func (r *Record) SetPath(path string, v Value) {
	head, rest, nested := strings.Cut(path, ".")
	if !nested {
		r.Set(head, v)
		return
	}
	child, ok := r.Get(head)
	if !ok || child.kind != KindRecord {
		child = Nested(New())
		r.Set(head, child)
	}
	child.rec.SetPath(rest, v)
}

// Delete removes key and reports whether it was present.
func (r *Record) Delete(key string) bool {
	i, ok := r.index[key]
	if !ok {
		return false
	}
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	delete(r.index, key)
	for j := i; j < len(r.entries); j++ {
		r.index[r.entries[j].Key] = j
	}
	return true
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := &Record{
		entries: make([]Entry, len(r.entries)),
		index:   make(map[string]int, len(r.entries)),
	}
	for i, e := range r.entries {
		c.entries[i] = Entry{Key: e.Key, Value: e.Value.clone()}
		c.index[e.Key] = i
	}
	return c
}

// Overlay merges o into r. Nested records are merged recursively. When
// onlyMissing is set, values already present in r are kept.
func (r *Record) Overlay(o *Record, onlyMissing bool) {
	for _, e := range o.entries {
		cur, ok := r.Get(e.Key)
		switch {
		case ok && cur.kind == KindRecord && e.Value.kind == KindRecord && !isList(cur.rec) && !isList(e.Value.rec):
			cur.rec.Overlay(e.Value.rec, onlyMissing)
		case ok && onlyMissing:
		default:
			r.Set(e.Key, e.Value.clone())
		}
	}
}

// Equal reports whether r and o serialize identically.
func (r *Record) Equal(o *Record) bool {
	return r.String() == o.String()
}

// String returns the canonical serialization.
func (r *Record) String() string {
	var b strings.Builder
	r.writeTo(&b)
	return b.String()
}

// canonical returns the entries in serialization order.
func (r *Record) canonical() []Entry {
	if isList(r) {
		return r.entries
	}
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// isList reports whether every entry is a bare item.
func isList(r *Record) bool {
	for _, e := range r.entries {
		if e.Value.kind != KindNone {
			return false
		}
	}
	return true
}

func (r *Record) writeTo(b *strings.Builder) {
	for i, e := range r.canonical() {
		if i > 0 {
			b.WriteByte(',')
		}
		writeToken(b, e.Key)
		if e.Value.kind == KindNone {
			continue
		}
		b.WriteByte('=')
		e.Value.writeTo(b)
	}
}

func (v Value) writeTo(b *strings.Builder) {
	switch v.kind {
	case KindScalar:
		writeToken(b, v.text)
	case KindString:
		writeQuoted(b, v.text)
	case KindRecord:
		b.WriteByte('(')
		v.rec.writeTo(b)
		b.WriteByte(')')
	}
}

const reserved = ",=()\"\\"

func needsQuote(s string) bool {
	if s != strings.TrimSpace(s) {
		return true
	}
	return strings.ContainsAny(s, reserved+" \t\r\n")
}

func writeToken(b *strings.Builder, s string) {
	if needsQuote(s) {
		writeQuoted(b, s)
		return
	}
	b.WriteString(s)
}

func writeQuoted(b *strings.Builder, s string) {
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
}
