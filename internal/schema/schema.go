// Package schema holds the static entity descriptors the compiler and the
// GraphQL layer consult by name. Descriptors are loaded once at startup and
// never mutated afterwards.
package schema

import (
	"errors"
	"fmt"
	"sort"

	"entityql/internal/naming"
)

// ColumnType is the logical type of a column.
type ColumnType string

const (
	TypeInt      ColumnType = "int"
	TypeFloat    ColumnType = "float"
	TypeString   ColumnType = "string"
	TypeBool     ColumnType = "bool"
	TypeUUID     ColumnType = "uuid"
	TypeDate     ColumnType = "date"
	TypeDateTime ColumnType = "datetime"
)

// Numeric reports whether aggregate functions such as sum and avg apply.
func (t ColumnType) Numeric() bool {
	return t == TypeInt || t == TypeFloat
}

// Generated value strategies for columns on create and update.
const (
	GenerateUUID = "uuid"
	GenerateNow  = "now"
)

// SoftDeleteColumn marks rows as deleted when non-null.
const SoftDeleteColumn = "deleted_at"

// OwnerColumn is filled from the principal on create.
const OwnerColumn = "owner_user_id"

// Column describes a scalar column.
type Column struct {
	Name       string     `yaml:"name"`
	Type       ColumnType `yaml:"type"`
	Nullable   bool       `yaml:"nullable"`
	PrimaryKey bool       `yaml:"primary_key"`
	Generate   string     `yaml:"generate"`
	OnUpdate   string     `yaml:"on_update"`
	Default    *string    `yaml:"default"`
	ReadOnly   bool       `yaml:"read_only"`

	// Field is the GraphQL-facing name.
	Field string `yaml:"-"`
}

// Multiplicity is the cardinality of a relationship.
type Multiplicity string

const (
	ToOne  Multiplicity = "to_one"
	ToMany Multiplicity = "to_many"
)

// KeyPair correlates a local column with a column of the related entity.
type KeyPair struct {
	Local  string `yaml:"local"`
	Remote string `yaml:"remote"`
}

// Relationship describes an association to another entity.
type Relationship struct {
	Name          string       `yaml:"name"`
	Target        string       `yaml:"target"`
	Kind          Multiplicity `yaml:"kind"`
	Keys          []KeyPair    `yaml:"keys"`
	CascadeDelete bool         `yaml:"cascade_delete"`

	Field  string  `yaml:"-"`
	Owner  *Entity `yaml:"-"`
	Entity *Entity `yaml:"-"`
}

// ID identifies the relationship across the registry.
func (r *Relationship) ID() string {
	if r.Owner == nil {
		return r.Name
	}
	return r.Owner.Name + "." + r.Name
}

// ToMany reports whether the relationship yields a list.
func (r *Relationship) ToMany() bool {
	return r.Kind == ToMany
}

// Entity describes one relational row type.
type Entity struct {
	Name          string         `yaml:"name"`
	Table         string         `yaml:"table"`
	Columns       []Column       `yaml:"columns"`
	Relationships []Relationship `yaml:"relationships"`

	TypeName string `yaml:"-"`

	pk     int
	fields map[string]FieldRef
}

// PrimaryKey returns the single primary key column.
func (e *Entity) PrimaryKey() Column {
	return e.Columns[e.pk]
}

// Column returns a column by database name.
func (e *Entity) Column(name string) (Column, bool) {
	for _, col := range e.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// Relationship returns a relationship by declared name.
func (e *Entity) Relationship(name string) (*Relationship, bool) {
	for i := range e.Relationships {
		if e.Relationships[i].Name == name {
			return &e.Relationships[i], true
		}
	}
	return nil, false
}

// HasSoftDelete reports whether the entity carries a deleted_at column.
func (e *Entity) HasSoftDelete() bool {
	_, ok := e.Column(SoftDeleteColumn)
	return ok
}

// FieldKind tags the variant held by a FieldRef.
type FieldKind int

const (
	FieldScalar FieldKind = iota + 1
	FieldRelationship
	FieldAggregate
)

func (k FieldKind) String() string {
	switch k {
	case FieldScalar:
		return "scalar"
	case FieldRelationship:
		return "relationship"
	case FieldAggregate:
		return "aggregate"
	default:
		return "unknown"
	}
}

// FieldRef is the resolved meaning of a field name on an entity.
type FieldRef struct {
	Kind         FieldKind
	Column       Column
	Relationship *Relationship
}

// ErrUnknownField is returned when a name matches nothing on an entity.
var ErrUnknownField = errors.New("unknown field")

// Lookup classifies a where, order or group key. Keys match the GraphQL field
// name or the database name. "id" always resolves to the primary key, and
// "<relationship>Aggregate" or "<relationship>_aggregate" to the aggregate of
// a relationship.
func (e *Entity) Lookup(name string) (FieldRef, error) {
	if ref, ok := e.fields[name]; ok {
		return ref, nil
	}
	if name == "id" {
		return FieldRef{Kind: FieldScalar, Column: e.PrimaryKey()}, nil
	}
	return FieldRef{}, fmt.Errorf("%w %q on %s", ErrUnknownField, name, e.Name)
}

// FieldNames returns every registered lookup key in sorted order.
func (e *Entity) FieldNames() []string {
	names := make([]string, 0, len(e.fields))
	for name := range e.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Entity) index(namer *naming.Namer) error {
	e.fields = make(map[string]FieldRef)
	register := func(name string, ref FieldRef) error {
		if existing, ok := e.fields[name]; ok {
			if existing.Kind == ref.Kind && existing.Column.Name == ref.Column.Name && existing.Relationship == ref.Relationship {
				return nil
			}
			return fmt.Errorf("entity %s: field name %q is ambiguous", e.Name, name)
		}
		e.fields[name] = ref
		return nil
	}

	for i := range e.Columns {
		col := &e.Columns[i]
		col.Field = namer.FieldName(col.Name)
		if naming.IsAggregateName(col.Field) {
			return fmt.Errorf("entity %s: column %s uses a reserved aggregate suffix", e.Name, col.Name)
		}
		ref := FieldRef{Kind: FieldScalar, Column: *col}
		if err := register(col.Field, ref); err != nil {
			return err
		}
		if err := register(col.Name, ref); err != nil {
			return err
		}
	}
	for i := range e.Relationships {
		rel := &e.Relationships[i]
		rel.Field = namer.FieldName(rel.Name)
		ref := FieldRef{Kind: FieldRelationship, Relationship: rel}
		if err := register(rel.Field, ref); err != nil {
			return err
		}
		if err := register(rel.Name, ref); err != nil {
			return err
		}
		agg := FieldRef{Kind: FieldAggregate, Relationship: rel}
		if err := register(namer.AggregateFieldName(rel.Field), agg); err != nil {
			return err
		}
		if err := register(rel.Name+"_aggregate", agg); err != nil {
			return err
		}
	}
	return nil
}

// Registry holds every entity of a schema.
type Registry struct {
	namer    *naming.Namer
	entities []*Entity
	byName   map[string]*Entity
	byType   map[string]*Entity
}

// Entity returns an entity by its declared name.
func (r *Registry) Entity(name string) (*Entity, bool) {
	e, ok := r.byName[name]
	return e, ok
}

// EntityByType returns an entity by its GraphQL type name.
func (r *Registry) EntityByType(typeName string) (*Entity, bool) {
	e, ok := r.byType[typeName]
	return e, ok
}

// Entities returns entities in declaration order.
func (r *Registry) Entities() []*Entity {
	return r.entities
}

// Namer returns the namer the registry's GraphQL names were derived with.
func (r *Registry) Namer() *naming.Namer {
	return r.namer
}
