// Package schema defines the user-facing table schema model: typed field
// specifications, name validation, and bootstrapping a schema from a raw
// grid of values.
package schema

import (
	"fmt"
	"strings"

	"github.com/gridrow/gridrow/internal/errors"
	"github.com/gridrow/gridrow/pkg/types"
)

// MaxFieldNameLength is the longest accepted field name after trimming.
const MaxFieldNameLength = 255

// reservedFieldNames collide with the row representation's own keys and can
// never be used as field names.
var reservedFieldNames = map[string]struct{}{
	"id":    {},
	"order": {},
}

// FieldConfig holds per-kind configuration. Only the entries relevant to the
// field's kind are meaningful.
type FieldConfig struct {
	// DecimalPlaces applies to number fields.
	DecimalPlaces int `json:"decimal_places,omitempty"`

	// DateFormat applies to date fields ("ISO", "EU", "US").
	DateFormat string `json:"date_format,omitempty"`

	// SelectOptions applies to single/multi select fields.
	SelectOptions []string `json:"select_options,omitempty"`

	// LinkTableID is the related table of a link_row field.
	LinkTableID int64 `json:"link_table_id,omitempty"`

	// ReversedFieldID is the symmetric link_row field in the related table.
	ReversedFieldID int64 `json:"reversed_field_id,omitempty"`

	// ThroughFieldID is the link_row field a lookup or count traverses.
	ThroughFieldID int64 `json:"through_field_id,omitempty"`

	// TargetFieldID is the field a lookup reads in the related table.
	TargetFieldID int64 `json:"target_field_id,omitempty"`

	// TargetFieldName is retained alongside TargetFieldID so a broken
	// lookup can heal when a field of the same name reappears.
	TargetFieldName string `json:"target_field_name,omitempty"`

	// FormulaText is the formula field's source expression. It survives
	// re-typing: upstream schema changes re-derive the output type but
	// never modify the text.
	FormulaText string `json:"formula_text,omitempty"`

	// OutputKind and OutputArray cache the derived result type of lookup
	// and formula fields, re-derived whenever upstream schema changes.
	OutputKind  types.FieldKind `json:"output_kind,omitempty"`
	OutputArray bool            `json:"output_array,omitempty"`

	// ErrorText is non-empty while a derived field is in the invalid
	// state (broken reference or circular dependency).
	ErrorText string `json:"error_text,omitempty"`
}

// Field is a named, typed column specification belonging to a table.
type Field struct {
	ID      int64           `json:"id"`
	TableID int64           `json:"table_id"`
	Name    string          `json:"name"`
	Kind    types.FieldKind `json:"kind"`
	Config  FieldConfig     `json:"config"`

	// Primary marks the single field used for human-readable row identity.
	Primary bool `json:"primary"`

	// ReadOnly and Immutable are set on fields managed by a data sync.
	ReadOnly  bool `json:"read_only"`
	Immutable bool `json:"immutable"`

	// UniquePrimary marks a data-sync identity field; it cannot be deleted
	// while the data sync exists.
	UniquePrimary bool `json:"unique_primary"`
}

// Table is an ordered collection of fields. Row data lives in the store.
type Table struct {
	ID      int64   `json:"id"`
	Name    string  `json:"name"`
	Fields  []Field `json:"fields"`
	Trashed bool    `json:"trashed"`
}

// PrimaryField returns the table's primary field.
func (t *Table) PrimaryField() (*Field, error) {
	for i := range t.Fields {
		if t.Fields[i].Primary {
			return &t.Fields[i], nil
		}
	}
	return nil, errors.NewValidationError(errors.CodePrimaryFieldNeeded,
		fmt.Sprintf("table %q has no primary field", t.Name))
}

// FieldByID returns the field with the given id.
func (t *Table) FieldByID(id int64) (*Field, bool) {
	for i := range t.Fields {
		if t.Fields[i].ID == id {
			return &t.Fields[i], true
		}
	}
	return nil, false
}

// FieldByName returns the field with the given name.
func (t *Table) FieldByName(name string) (*Field, bool) {
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return &t.Fields[i], true
		}
	}
	return nil, false
}

// Validate checks the table-level schema invariants: validated names and
// exactly one primary field.
func (t *Table) Validate() error {
	names := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		names[i] = f.Name
	}
	if err := ValidateFieldNames(names); err != nil {
		return err
	}
	primaries := 0
	for _, f := range t.Fields {
		if f.Primary {
			primaries++
		}
	}
	if primaries != 1 {
		return errors.NewValidationError(errors.CodePrimaryFieldNeeded,
			fmt.Sprintf("table %q needs exactly one primary field, has %d", t.Name, primaries))
	}
	return nil
}

// ValidateFieldNames checks a proposed ordered field-name list. Each failure
// mode carries its own error code so callers can report precisely.
func ValidateFieldNames(names []string) error {
	seen := make(map[string]int, len(names))
	for i, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			return errors.NewValidationError(errors.CodeEmptyFieldName,
				fmt.Sprintf("field %d has an empty name", i+1))
		}
		if len(name) > MaxFieldNameLength {
			return errors.NewValidationError(errors.CodeFieldNameTooLong,
				fmt.Sprintf("field name %q exceeds %d characters", truncate(name, 32), MaxFieldNameLength))
		}
		if _, reserved := reservedFieldNames[strings.ToLower(name)]; reserved {
			return errors.NewValidationError(errors.CodeReservedFieldName,
				fmt.Sprintf("field name %q is reserved", name))
		}
		if prev, dup := seen[name]; dup {
			return errors.NewValidationError(errors.CodeDuplicateFieldName,
				fmt.Sprintf("field name %q is used by fields %d and %d", name, prev+1, i+1))
		}
		seen[name] = i
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// ValidateConfig checks kind-specific configuration.
func (f *Field) ValidateConfig() error {
	switch f.Kind {
	case types.KindNumber:
		if f.Config.DecimalPlaces < 0 || f.Config.DecimalPlaces > 10 {
			return errors.NewValidationError(errors.CodeInvalidFieldConfig,
				fmt.Sprintf("field %q: decimal places must be 0–10, got %d", f.Name, f.Config.DecimalPlaces))
		}
	case types.KindSingleSelect, types.KindMultiSelect:
		if len(f.Config.SelectOptions) == 0 {
			return errors.NewValidationError(errors.CodeInvalidFieldConfig,
				fmt.Sprintf("field %q: select field needs at least one option", f.Name))
		}
	case types.KindLinkRow:
		if f.Config.LinkTableID == 0 {
			return errors.NewValidationError(errors.CodeInvalidFieldConfig,
				fmt.Sprintf("field %q: link field needs a target table", f.Name))
		}
	case types.KindLookup:
		if f.Config.ThroughFieldID == 0 || (f.Config.TargetFieldID == 0 && f.Config.TargetFieldName == "") {
			return errors.NewValidationError(errors.CodeInvalidFieldConfig,
				fmt.Sprintf("field %q: lookup needs a link field and a target field", f.Name))
		}
	case types.KindCount:
		if f.Config.ThroughFieldID == 0 {
			return errors.NewValidationError(errors.CodeInvalidFieldConfig,
				fmt.Sprintf("field %q: count needs a link field", f.Name))
		}
	case types.KindFormula:
		if strings.TrimSpace(f.Config.FormulaText) == "" {
			return errors.NewValidationError(errors.CodeInvalidFieldConfig,
				fmt.Sprintf("field %q: formula text is empty", f.Name))
		}
	}
	return nil
}
