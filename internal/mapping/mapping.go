// Package mapping loads and validates the per-resource field mapping
// descriptors that drive coercion and upsert statement generation.
package mapping

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Type is the semantic type of a mapped field.
type Type string

const (
	TypeString    Type = "string"
	TypeInteger   Type = "integer"
	TypeNumber    Type = "number"
	TypeBoolean   Type = "boolean"
	TypeTimestamp Type = "timestamp"
	TypeDate      Type = "date"
)

var validTypes = map[Type]bool{
	TypeString:    true,
	TypeInteger:   true,
	TypeNumber:    true,
	TypeBoolean:   true,
	TypeTimestamp: true,
	TypeDate:      true,
}

// Field maps one source property to one destination column.
type Field struct {
	Property string `yaml:"property"`
	Column   string `yaml:"column"`
	Type     Type   `yaml:"type"`
}

// Schema describes how one resource type is fetched and persisted.
// It is loaded once at startup and treated as immutable afterwards.
type Schema struct {
	Resource string  `yaml:"resource"`
	Path     string  `yaml:"path"`
	Table    string  `yaml:"table"`
	IDColumn string  `yaml:"id_column"`
	Fields   []Field `yaml:"fields"`
}

// Properties returns the source property names, in declaration order,
// for inclusion in the fetch request.
func (s *Schema) Properties() []string {
	out := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		out = append(out, f.Property)
	}
	return out
}

func (s *Schema) validate() error {
	if s.Resource == "" {
		return errors.New("mapping: resource is required")
	}
	if s.Path == "" {
		return errors.Errorf("mapping %s: path is required", s.Resource)
	}
	if s.Table == "" {
		return errors.Errorf("mapping %s: table is required", s.Resource)
	}
	if s.IDColumn == "" {
		s.IDColumn = "id"
	}
	if len(s.Fields) == 0 {
		return errors.Errorf("mapping %s: at least one field is required", s.Resource)
	}
	seen := make(map[string]bool, len(s.Fields))
	for i, f := range s.Fields {
		if f.Property == "" || f.Column == "" {
			return errors.Errorf("mapping %s: field %d missing property or column", s.Resource, i)
		}
		if !validTypes[f.Type] {
			return errors.Errorf("mapping %s: field %s has unknown type %q", s.Resource, f.Property, f.Type)
		}
		if seen[f.Column] {
			return errors.Errorf("mapping %s: duplicate column %s", s.Resource, f.Column)
		}
		seen[f.Column] = true
	}
	return nil
}

// Set holds the validated schemas for all configured resource types.
type Set map[string]*Schema

// Get returns the schema for a resource type, or nil if none is configured.
func (m Set) Get(resource string) *Schema { return m[resource] }

// Resources returns the configured resource type names.
func (m Set) Resources() []string {
	out := make([]string, 0, len(m))
	for r := range m {
		out = append(out, r)
	}
	return out
}

// Load parses and validates a single schema file.
func Load(path string) (*Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read mapping %s", path)
	}
	return Parse(raw)
}

// Parse parses and validates schema bytes.
func Parse(raw []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, errors.Wrap(err, "parse mapping")
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadDir loads every *.yaml file in dir into a Set keyed by resource type.
func LoadDir(dir string) (Set, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read mapping dir %s", dir)
	}
	set := make(Set)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		s, err := Load(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := set[s.Resource]; dup {
			return nil, errors.Errorf("mapping: resource %s defined twice", s.Resource)
		}
		set[s.Resource] = s
	}
	if len(set) == 0 {
		return nil, errors.Errorf("mapping: no schemas found in %s", dir)
	}
	return set, nil
}
