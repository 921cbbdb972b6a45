// Package schema defines the declarative field system and model registry
// every business module builds its tables on: field descriptors, model
// definitions, cross-module extension, path resolution and the computed-field
// dependency graph assembled at registry finalization.
package schema

// Kind identifies the value or relation type of a field.
type Kind int

// Supported field kinds. Scalar kinds map directly to a stored column value;
// relational kinds reference records of a target model.
const (
	// KindInvalid is the zero value and never valid on a registered field.
	KindInvalid Kind = iota
	// KindText stores a string value.
	KindText
	// KindInteger stores an int64 value.
	KindInteger
	// KindFloat stores a float64 value.
	KindFloat
	// KindBool stores a boolean value.
	KindBool
	// KindDate stores a calendar date without time of day.
	KindDate
	// KindDatetime stores a point in time.
	KindDatetime
	// KindBinary stores an opaque payload, inline or offloaded to blob storage.
	KindBinary
	// KindManyToOne stores the id of a single target record.
	KindManyToOne
	// KindOneToMany is virtual: the set of target records whose inverse
	// many-to-one field points at the current record.
	KindOneToMany
	// KindManyToMany links records through an implicit join relation.
	KindManyToMany
)

var kindNames = map[Kind]string{
	KindText:       "text",
	KindInteger:    "integer",
	KindFloat:      "float",
	KindBool:       "bool",
	KindDate:       "date",
	KindDatetime:   "datetime",
	KindBinary:     "binary",
	KindManyToOne:  "many2one",
	KindOneToMany:  "one2many",
	KindManyToMany: "many2many",
}

// String returns the canonical lower-case kind name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "invalid"
}

// ParseKind maps a canonical kind name back to its Kind value.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return KindInvalid, false
}

// Relational reports whether the kind references another model.
func (k Kind) Relational() bool {
	switch k {
	case KindManyToOne, KindOneToMany, KindManyToMany:
		return true
	}
	return false
}

// Cascade selects how records referencing a deleted record are handled.
type Cascade int

const (
	// CascadeRestrict rejects the deletion while referencing records exist.
	CascadeRestrict Cascade = iota
	// CascadeDelete recursively deletes referencing records first.
	CascadeDelete
	// CascadeSetNull clears the reverse reference on referencing records.
	CascadeSetNull
)

// String returns the canonical cascade policy name.
func (c Cascade) String() string {
	switch c {
	case CascadeDelete:
		return "cascade"
	case CascadeSetNull:
		return "set-null"
	default:
		return "restrict"
	}
}

// Field describes one attribute of a model: its kind, storage mode,
// relational target and the flags the runtime enforces. Descriptors are
// plain values; a registered model owns its own copy.
type Field struct {
	// Name is the field identifier, unique within its model.
	Name string
	// Kind is the value or relation type.
	Kind Kind
	// Target names the related model for relational kinds.
	Target string
	// Inverse names the many-to-one field on Target backing a one-to-many.
	Inverse string
	// Relation identifies the join relation backing a many-to-many. Empty
	// defaults to the lexicographic pairing of the two model names.
	Relation string
	// Required rejects writes leaving the field unset.
	Required bool
	// Readonly rejects caller writes; the engine itself may still assign.
	Readonly bool
	// Default is a literal applied when a create leaves the field unset.
	Default any
	// DefaultFunc provides a default lazily; it wins over Default when set.
	DefaultFunc func() any
	// Computed marks the field as derived. Computed fields are engine-written.
	Computed bool
	// Stored persists a computed value instead of recomputing on every read.
	Stored bool
	// Depends lists the field paths a computed value is derived from.
	Depends []string
	// OnDelete selects the child handling policy when the one-to-many's
	// parent record is deleted.
	OnDelete Cascade
}

// Virtual reports whether the field has no stored column of its own:
// one-to-many and many-to-many relations, and computed fields not flagged
// Stored, are materialized on demand.
func (f Field) Virtual() bool {
	if f.Kind == KindOneToMany || f.Kind == KindManyToMany {
		return true
	}
	return f.Computed && !f.Stored
}

// clone returns a copy with its own Depends slice.
func (f Field) clone() Field {
	cp := f
	cp.Depends = append([]string(nil), f.Depends...)
	return cp
}
