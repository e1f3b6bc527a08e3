// Package naming derives GraphQL type and field names from the snake_case
// entity, column and relationship names of the schema file.
package naming

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/jinzhu/inflection"
)

// Config overrides pluralization for words the inflection rules get wrong.
type Config struct {
	PluralOverrides   map[string]string `yaml:"plural_overrides"`
	SingularOverrides map[string]string `yaml:"singular_overrides"`
}

// aggregateSuffixes mark generated aggregate fields; no column may use them.
var aggregateSuffixes = []string{"Aggregate", "_aggregate"}

// reservedTypeNames clash with GraphQL keywords, built-in scalars or the
// types every generated schema defines.
var reservedTypeNames = map[string]struct{}{
	"query": {}, "mutation": {}, "subscription": {}, "schema": {},
	"type": {}, "scalar": {}, "enum": {}, "input": {}, "interface": {},
	"union": {}, "fragment": {}, "node": {}, "pageinfo": {},
	"int": {}, "float": {}, "string": {}, "boolean": {}, "id": {},
	"uuid": {}, "date": {}, "datetime": {},
}

// Namer converts schema names to GraphQL names. A Namer is used by a single
// registry build and is not safe for concurrent RegisterType calls.
type Namer struct {
	cfg    Config
	logger *slog.Logger
	types  map[string]string
}

// New returns a Namer. A nil logger uses slog.Default.
func New(cfg Config, logger *slog.Logger) *Namer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Namer{cfg: cfg, logger: logger, types: make(map[string]string)}
}

// Default returns a Namer without overrides.
func Default() *Namer {
	return New(Config{}, nil)
}

func (n *Namer) plural(word string) string {
	if p, ok := n.cfg.PluralOverrides[word]; ok {
		return p
	}
	return inflection.Plural(word)
}

func (n *Namer) singular(word string) string {
	if s, ok := n.cfg.SingularOverrides[word]; ok {
		return s
	}
	return inflection.Singular(word)
}

// TypeName is the singular PascalCase type for an entity: "sequencing_reads"
// becomes "SequencingRead". Reserved names get a trailing underscore.
func (n *Namer) TypeName(entityName string) string {
	name := pascal(n.singular(entityName))
	if isReservedTypeName(name) {
		n.logger.Warn("type name is reserved, appending underscore", slog.String("type", name))
		return name + "_"
	}
	return name
}

// RegisterType returns the type name of an entity, suffixed with a counter
// when an earlier entity already claimed it.
func (n *Namer) RegisterType(entityName string) string {
	base := n.TypeName(entityName)
	name := base
	for i := 2; ; i++ {
		owner, taken := n.types[name]
		if !taken {
			break
		}
		if i == 2 {
			n.logger.Warn("type name collision",
				slog.String("type", base),
				slog.String("entity", entityName),
				slog.String("existing_entity", owner))
		}
		name = fmt.Sprintf("%s%d", base, i)
	}
	n.types[name] = entityName
	return name
}

// FieldName is the camelCase form of a column or relationship name.
func (n *Namer) FieldName(name string) string {
	return camel(name)
}

// ListFieldName is the plural root query field of an entity.
func (n *Namer) ListFieldName(entityName string) string {
	return n.plural(camel(n.singular(entityName)))
}

// AggregateFieldName is the aggregate companion of a list or relationship field.
func (n *Namer) AggregateFieldName(fieldName string) string {
	return fieldName + aggregateSuffixes[0]
}

// IsAggregateName reports whether a field name carries an aggregate suffix.
func IsAggregateName(name string) bool {
	_, ok := TrimAggregate(name)
	return ok
}

// TrimAggregate strips an aggregate suffix from a field name.
func TrimAggregate(name string) (string, bool) {
	for _, suffix := range aggregateSuffixes {
		if base, ok := strings.CutSuffix(name, suffix); ok {
			return base, true
		}
	}
	return name, false
}

func isReservedTypeName(name string) bool {
	if strings.HasPrefix(name, "__") {
		return true
	}
	_, ok := reservedTypeNames[strings.ToLower(name)]
	return ok
}

func pascal(s string) string {
	var b strings.Builder
	for _, part := range strings.Split(s, "_") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}

func camel(s string) string {
	p := pascal(s)
	if p == "" {
		return p
	}
	return strings.ToLower(p[:1]) + p[1:]
}
