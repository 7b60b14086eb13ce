package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pald-cli/internal/model"
)

// ValidationResult is the outcome of checking a record against a schema.
// Validation fails closed: any unknown, denied or ill-typed field makes OK
// false.
type ValidationResult struct {
	OK              bool              `json:"ok"`
	SchemaVersion   string            `json:"schema_version"`
	UnknownFields   []string          `json:"unknown_fields,omitempty"`
	MissingRequired []string          `json:"missing_required,omitempty"`
	InvalidFields   map[string]string `json:"invalid_fields,omitempty"`
	DeniedFields    []string          `json:"denied_fields,omitempty"`
	// Harvestable is false while the registry is degraded; unknown fields
	// must then be rejected rather than routed to the candidate aggregator.
	Harvestable bool `json:"harvestable"`
}

// Err converts a failed result into a *model.ValidationError.
func (v ValidationResult) Err() error {
	if v.OK {
		return nil
	}
	ve := &model.ValidationError{
		SchemaVersion:   v.SchemaVersion,
		UnknownFields:   append(append([]string(nil), v.UnknownFields...), v.DeniedFields...),
		MissingRequired: v.MissingRequired,
		InvalidFields:   v.InvalidFields,
	}
	if len(v.DeniedFields) > 0 {
		ve.Reason = "deny-listed fields present"
	}
	return ve
}

// Validate checks record content against schema.
func (r *Registry) Validate(record *model.Record, schema *model.Schema) ValidationResult {
	res := ValidationResult{
		SchemaVersion: schema.Version,
		Harvestable:   !r.Degraded(),
	}
	for _, k := range record.Keys() {
		v := record.Content[k]
		switch {
		case r.deny[k]:
			res.DeniedFields = append(res.DeniedFields, k)
		case !schema.Has(k):
			res.UnknownFields = append(res.UnknownFields, k)
		case model.IsNull(v):
		default:
			if msg := checkValue(schema.Field(k), v); msg != "" {
				if res.InvalidFields == nil {
					res.InvalidFields = make(map[string]string)
				}
				res.InvalidFields[k] = msg
			}
		}
	}
	for _, p := range schema.RequiredPaths() {
		if model.IsNull(record.Content[p]) {
			res.MissingRequired = append(res.MissingRequired, p)
		}
	}
	res.OK = len(res.UnknownFields) == 0 && len(res.DeniedFields) == 0 &&
		len(res.MissingRequired) == 0 && len(res.InvalidFields) == 0
	return res
}

// Admit validates a record in the version it declares. The version must be
// active or explicitly allowed.
func (r *Registry) Admit(ctx context.Context, record *model.Record) (ValidationResult, error) {
	if !r.Writable(record.SchemaVersion) {
		if _, err := r.Load(ctx); err != nil {
			return ValidationResult{}, err
		}
		if !r.Writable(record.SchemaVersion) {
			return ValidationResult{}, &model.ValidationError{
				SchemaVersion: record.SchemaVersion,
				Reason:        "schema version is neither active nor allowed",
			}
		}
	}
	schema, err := r.Version(ctx, record.SchemaVersion)
	if err != nil {
		return ValidationResult{}, err
	}
	return r.Validate(record, schema), nil
}

// Split separates a record into the part that may be persisted and the
// unknown field names to route to the candidate aggregator. Denied fields
// and null values are dropped from both.
func (r *Registry) Split(record *model.Record, schema *model.Schema) (*model.Record, []string) {
	known := record.Clone()
	known.SchemaVersion = schema.Version
	known.Content = make(map[string]any, len(record.Content))

	var unknown []string
	for _, k := range record.Keys() {
		v := record.Content[k]
		switch {
		case r.deny[k]:
		case !schema.Has(k):
			if !model.IsNull(v) {
				unknown = append(unknown, k)
			}
		case model.IsNull(v):
		default:
			known.Content[k] = v
		}
	}
	return known, unknown
}

// Upgrade migrates record to targetVersion. See UpgradeTo.
func (r *Registry) Upgrade(ctx context.Context, record *model.Record, targetVersion string) (*model.Record, error) {
	target, err := r.Version(ctx, targetVersion)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: upgrade to %s", targetVersion)
	}
	return UpgradeTo(record, target), nil
}

// UpgradeTo copies the fields target declares, fills absent ones from their
// declared defaults and drops the rest. Identity fields are kept, so
// UpgradeTo(UpgradeTo(r, t), t) equals UpgradeTo(r, t).
func UpgradeTo(record *model.Record, target *model.Schema) *model.Record {
	out := record.Clone()
	out.SchemaVersion = target.Version
	out.Content = make(map[string]any, len(target.Fields))
	for _, f := range target.Fields {
		v, ok := record.Content[f.Path]
		switch {
		case ok && !model.IsNull(v):
			out.Content[f.Path] = v
		case f.Default != nil:
			out.Content[f.Path] = f.Default
		}
	}
	return out
}

func checkValue(f *model.FieldSpec, v any) string {
	switch f.Type {
	case model.FieldTypeString:
		if _, ok := v.(string); !ok {
			return fmt.Sprintf("expected string, got %T", v)
		}
	case model.FieldTypeEnum:
		s, ok := v.(string)
		if !ok {
			return fmt.Sprintf("expected string, got %T", v)
		}
		if !f.Allows(s) {
			allowed := append([]string(nil), f.AllowedValues...)
			sort.Strings(allowed)
			return fmt.Sprintf("%q not in %v", s, allowed)
		}
	case model.FieldTypeNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64, json.Number:
		default:
			return fmt.Sprintf("expected number, got %T", v)
		}
	case model.FieldTypeBool:
		if _, ok := v.(bool); !ok {
			return fmt.Sprintf("expected bool, got %T", v)
		}
	case model.FieldTypeList:
		switch t := v.(type) {
		case []string:
		case []any:
			for _, e := range t {
				if _, ok := e.(string); !ok {
					return fmt.Sprintf("list element %v is not a string", e)
				}
			}
		default:
			return fmt.Sprintf("expected list, got %T", v)
		}
	}
	return ""
}
