package schema

// Def declares a model at registration time.
type Def struct {
	// Name is the model identifier, e.g. "invoice_line".
	Name string
	// Label is the human-readable model name.
	Label string
	// Order is the default result ordering, e.g. "date desc, id".
	Order string
	// Delegate names a parent model inherited by delegation: registration
	// injects a required many-to-one link to it and paths may traverse it.
	Delegate string
	// Fields lists the declared field descriptors in order.
	Fields []Field
}

// Model is a finalized schema: an ordered set of field descriptors plus
// model-level metadata. Immutable once the registry is finalized.
type Model struct {
	name     string
	label    string
	order    string
	delegate string
	fields   map[string]Field
	names    []string
}

// Name returns the model identifier.
func (m *Model) Name() string { return m.name }

// Label returns the human-readable model name.
func (m *Model) Label() string { return m.label }

// Order returns the default result ordering, "id" when unset.
func (m *Model) Order() string {
	if m.order == "" {
		return "id"
	}
	return m.order
}

// Delegate returns the delegation parent model name, if any.
func (m *Model) Delegate() string { return m.delegate }

// Field returns the named descriptor.
func (m *Model) Field(name string) (Field, bool) {
	f, ok := m.fields[name]
	return f, ok
}

// Has reports whether the model declares the named field.
func (m *Model) Has(name string) bool {
	_, ok := m.fields[name]
	return ok
}

// Fields returns the descriptors in declaration order.
func (m *Model) Fields() []Field {
	out := make([]Field, 0, len(m.names))
	for _, name := range m.names {
		out = append(out, m.fields[name])
	}
	return out
}

// FieldNames returns the field identifiers in declaration order.
func (m *Model) FieldNames() []string {
	return append([]string(nil), m.names...)
}

// StoredFieldNames returns the non-virtual field identifiers in order.
func (m *Model) StoredFieldNames() []string {
	out := make([]string, 0, len(m.names))
	for _, name := range m.names {
		if !m.fields[name].Virtual() {
			out = append(out, name)
		}
	}
	return out
}

func (m *Model) addField(f Field) {
	if _, exists := m.fields[f.Name]; !exists {
		m.names = append(m.names, f.Name)
	}
	m.fields[f.Name] = f
}

// Reserved field names every model carries. The id column is engine-managed;
// tenant_id and the audit timestamps are stamped by the persistence layer;
// active backs the implicit archive filter.
const (
	FieldID        = "id"
	FieldTenant    = "tenant_id"
	FieldActive    = "active"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

func reservedFields() []Field {
	return []Field{
		{Name: FieldID, Kind: KindInteger, Readonly: true},
		{Name: FieldTenant, Kind: KindInteger, Readonly: true},
		{Name: FieldActive, Kind: KindBool, Default: true},
		{Name: FieldCreatedAt, Kind: KindDatetime, Readonly: true},
		{Name: FieldUpdatedAt, Kind: KindDatetime, Readonly: true},
	}
}

// IsReserved reports whether name is one of the engine-managed fields.
func IsReserved(name string) bool {
	switch name {
	case FieldID, FieldTenant, FieldActive, FieldCreatedAt, FieldUpdatedAt:
		return true
	}
	return false
}
