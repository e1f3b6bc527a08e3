package schema

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"entityql/internal/naming"
)

// Document is the on-disk layout of a schema file.
type Document struct {
	Naming   naming.Config `yaml:"naming"`
	Entities []Entity      `yaml:"entities"`
}

// LoadFile reads and validates a schema file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file %q: %w", path, err)
	}
	return Load(bytes.NewReader(data))
}

// Load decodes a schema document and builds a validated registry.
func Load(r io.Reader) (*Registry, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("schema file is empty")
		}
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	cfg := doc.Naming
	if cfg.PluralOverrides == nil {
		cfg.PluralOverrides = map[string]string{}
	}
	if cfg.SingularOverrides == nil {
		cfg.SingularOverrides = map[string]string{}
	}
	return NewRegistry(doc.Entities, naming.New(cfg, nil))
}

// NewRegistry validates entity descriptors and links relationships.
func NewRegistry(entities []Entity, namer *naming.Namer) (*Registry, error) {
	if len(entities) == 0 {
		return nil, fmt.Errorf("schema declares no entities")
	}
	if namer == nil {
		namer = naming.Default()
	}
	reg := &Registry{
		namer:  namer,
		byName: make(map[string]*Entity, len(entities)),
		byType: make(map[string]*Entity, len(entities)),
	}
	for i := range entities {
		e := &entities[i]
		if e.Name == "" {
			return nil, fmt.Errorf("entity %d has no name", i)
		}
		if _, dup := reg.byName[e.Name]; dup {
			return nil, fmt.Errorf("entity %s declared twice", e.Name)
		}
		if e.Table == "" {
			e.Table = e.Name
		}
		if err := validateColumns(e); err != nil {
			return nil, err
		}
		e.TypeName = namer.RegisterType(e.Name)
		reg.entities = append(reg.entities, e)
		reg.byName[e.Name] = e
		reg.byType[e.TypeName] = e
	}

	for _, e := range reg.entities {
		for j := range e.Relationships {
			rel := &e.Relationships[j]
			if err := linkRelationship(reg, e, rel); err != nil {
				return nil, err
			}
		}
		if err := e.index(namer); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func validateColumns(e *Entity) error {
	pkCount := 0
	seen := make(map[string]struct{}, len(e.Columns))
	for i, col := range e.Columns {
		if col.Name == "" {
			return fmt.Errorf("entity %s: column %d has no name", e.Name, i)
		}
		if _, dup := seen[col.Name]; dup {
			return fmt.Errorf("entity %s: column %s declared twice", e.Name, col.Name)
		}
		seen[col.Name] = struct{}{}
		switch col.Type {
		case TypeInt, TypeFloat, TypeString, TypeBool, TypeUUID, TypeDate, TypeDateTime:
		case "":
			e.Columns[i].Type = TypeString
		default:
			return fmt.Errorf("entity %s: column %s has unsupported type %q", e.Name, col.Name, col.Type)
		}
		switch col.Generate {
		case "", GenerateUUID, GenerateNow:
		default:
			return fmt.Errorf("entity %s: column %s has unsupported generate strategy %q", e.Name, col.Name, col.Generate)
		}
		if col.OnUpdate != "" && col.OnUpdate != GenerateNow {
			return fmt.Errorf("entity %s: column %s has unsupported on_update strategy %q", e.Name, col.Name, col.OnUpdate)
		}
		if col.PrimaryKey {
			pkCount++
			e.pk = i
		} else if col.Name == "id" {
			return fmt.Errorf("entity %s: column id is reserved for the primary key", e.Name)
		}
	}
	if pkCount != 1 {
		return fmt.Errorf("entity %s must declare exactly one primary key, found %d", e.Name, pkCount)
	}
	return nil
}

func linkRelationship(reg *Registry, owner *Entity, rel *Relationship) error {
	if rel.Name == "" {
		return fmt.Errorf("entity %s: relationship has no name", owner.Name)
	}
	target, ok := reg.byName[rel.Target]
	if !ok {
		return fmt.Errorf("entity %s: relationship %s targets unknown entity %q", owner.Name, rel.Name, rel.Target)
	}
	switch rel.Kind {
	case ToOne, ToMany:
	case "":
		rel.Kind = ToOne
	default:
		return fmt.Errorf("entity %s: relationship %s has unsupported kind %q", owner.Name, rel.Name, rel.Kind)
	}
	if len(rel.Keys) == 0 {
		return fmt.Errorf("entity %s: relationship %s declares no key pairs", owner.Name, rel.Name)
	}
	for _, kp := range rel.Keys {
		if _, ok := owner.Column(kp.Local); !ok {
			return fmt.Errorf("entity %s: relationship %s local key %q is not a column", owner.Name, rel.Name, kp.Local)
		}
		if _, ok := target.Column(kp.Remote); !ok {
			return fmt.Errorf("entity %s: relationship %s remote key %q is not a column of %s", owner.Name, rel.Name, kp.Remote, target.Name)
		}
	}
	rel.Owner = owner
	rel.Entity = target
	return nil
}
