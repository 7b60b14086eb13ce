package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// FieldType is the value type declared for a schema field.
type FieldType string

const (
	FieldTypeString FieldType = "string"
	FieldTypeEnum   FieldType = "enum"
	FieldTypeNumber FieldType = "number"
	FieldTypeBool   FieldType = "bool"
	FieldTypeList   FieldType = "list"
)

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	switch t {
	case FieldTypeString, FieldTypeEnum, FieldTypeNumber, FieldTypeBool, FieldTypeList:
		return true
	default:
		return false
	}
}

// FieldSpec declares a single PALD attribute.
type FieldSpec struct {
	Path          string    `json:"path" yaml:"path"`
	Type          FieldType `json:"type" yaml:"type"`
	Required      bool      `json:"required,omitempty" yaml:"required,omitempty"`
	AllowedValues []string  `json:"allowed_values,omitempty" yaml:"allowed_values,omitempty"`
	Default       any       `json:"default,omitempty" yaml:"default,omitempty"`
	Deprecated    bool      `json:"deprecated,omitempty" yaml:"deprecated,omitempty"`
	Description   string    `json:"description,omitempty" yaml:"description,omitempty"`
}

// Allows reports whether v is permitted by the field's allowed-value list.
// Fields without a list accept any value of the declared type.
func (f FieldSpec) Allows(v string) bool {
	if len(f.AllowedValues) == 0 {
		return true
	}
	for _, a := range f.AllowedValues {
		if strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}

// Schema is an immutable, checksum-identified set of PALD fields. A new
// version is always a new value; use WithField to derive one.
type Schema struct {
	Version     string      `json:"version" yaml:"version"`
	Parent      string      `json:"parent,omitempty" yaml:"parent,omitempty"`
	Fields      []FieldSpec `json:"fields" yaml:"fields"`
	Checksum    string      `json:"checksum" yaml:"checksum"`
	PublishedAt time.Time   `json:"published_at" yaml:"published_at"`

	byPath   map[string]int
	required []string
}

// NewSchema builds a Schema, computing its checksum and path index. Field
// order is preserved.
func NewSchema(version, parent string, fields []FieldSpec) (*Schema, error) {
	if version == "" {
		return nil, eris.New("schema: version is required")
	}
	s := &Schema{
		Version:     version,
		Parent:      parent,
		Fields:      append([]FieldSpec(nil), fields...),
		PublishedAt: time.Now().UTC(),
	}
	if err := s.index(); err != nil {
		return nil, err
	}
	s.Checksum = s.ComputeChecksum()
	return s, nil
}

// Reindex rebuilds the path index after a schema was decoded from JSON or
// YAML. It verifies the stored checksum when one is present.
func (s *Schema) Reindex() error {
	if err := s.index(); err != nil {
		return err
	}
	sum := s.ComputeChecksum()
	if s.Checksum != "" && s.Checksum != sum {
		return eris.Errorf("schema %s: checksum mismatch (stored %s, computed %s)", s.Version, s.Checksum, sum)
	}
	s.Checksum = sum
	return nil
}

func (s *Schema) index() error {
	s.byPath = make(map[string]int, len(s.Fields))
	s.required = nil
	for i, f := range s.Fields {
		if f.Path == "" {
			return eris.Errorf("schema %s: field %d has empty path", s.Version, i)
		}
		if !f.Type.Valid() {
			return eris.Errorf("schema %s: field %s has unknown type %q", s.Version, f.Path, f.Type)
		}
		if _, dup := s.byPath[f.Path]; dup {
			return eris.Errorf("schema %s: duplicate field %s", s.Version, f.Path)
		}
		s.byPath[f.Path] = i
		if f.Required && !f.Deprecated {
			s.required = append(s.required, f.Path)
		}
	}
	return nil
}

// ComputeChecksum hashes the version and canonical field list.
func (s *Schema) ComputeChecksum() string {
	h := sha256.New()
	h.Write([]byte(s.Version))
	h.Write([]byte{0})
	for _, f := range s.Fields {
		b, _ := json.Marshal(f)
		h.Write(b)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Field returns the spec for path, or nil if the schema does not declare it.
func (s *Schema) Field(path string) *FieldSpec {
	if s == nil {
		return nil
	}
	if s.byPath == nil {
		_ = s.index()
	}
	i, ok := s.byPath[path]
	if !ok {
		return nil
	}
	return &s.Fields[i]
}

// Has reports whether path is declared by the schema.
func (s *Schema) Has(path string) bool {
	return s.Field(path) != nil
}

// Paths returns all declared field paths in schema order.
func (s *Schema) Paths() []string {
	out := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Path
	}
	return out
}

// RequiredPaths returns the non-deprecated required field paths in schema order.
func (s *Schema) RequiredPaths() []string {
	if s.byPath == nil {
		_ = s.index()
	}
	return append([]string(nil), s.required...)
}

// WithField derives the next schema version with spec appended. The
// receiver is not modified.
func (s *Schema) WithField(spec FieldSpec) (*Schema, error) {
	if s.Has(spec.Path) {
		return nil, eris.Errorf("schema %s: field %s already exists", s.Version, spec.Path)
	}
	fields := append(append([]FieldSpec(nil), s.Fields...), spec)
	return NewSchema(NextVersion(s.Version), s.Version, fields)
}

// MissingFrom returns the paths of prev that are absent from s and were not
// marked deprecated in prev. A non-empty result means s silently drops fields.
func (s *Schema) MissingFrom(prev *Schema) []string {
	var missing []string
	for _, f := range prev.Fields {
		if s.Has(f.Path) || f.Deprecated {
			continue
		}
		missing = append(missing, f.Path)
	}
	sort.Strings(missing)
	return missing
}

// NextVersion increments a "vN" version string. Unparseable versions get a
// ".1" suffix so the result still differs from the input.
func NextVersion(v string) string {
	n, ok := VersionNumber(v)
	if !ok {
		return v + ".1"
	}
	return "v" + strconv.Itoa(n+1)
}

// VersionNumber parses the numeric part of a "vN" version string.
func VersionNumber(v string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimPrefix(v, "v"))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
