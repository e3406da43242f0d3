// Package types provides core data types for Gridrow: field kinds, the
// dynamic value union, row order keys, and the collation used for sorting.
package types

// FieldKind identifies the type of a user-defined field. The set is closed;
// per-kind behavior (equality, collation, filter compatibility, search) is
// dispatched by switch rather than via a handler registry, since row scans
// are the hot path.
type FieldKind string

const (
	KindText         FieldKind = "text"
	KindLongText     FieldKind = "long_text"
	KindNumber       FieldKind = "number"
	KindBoolean      FieldKind = "boolean"
	KindDate         FieldKind = "date"
	KindSingleSelect FieldKind = "single_select"
	KindMultiSelect  FieldKind = "multi_select"
	KindLinkRow      FieldKind = "link_row"
	KindLookup       FieldKind = "lookup"
	KindFormula      FieldKind = "formula"
	KindCount        FieldKind = "count"
)

// Valid reports whether k is a known field kind.
func (k FieldKind) Valid() bool {
	switch k {
	case KindText, KindLongText, KindNumber, KindBoolean, KindDate,
		KindSingleSelect, KindMultiSelect, KindLinkRow, KindLookup,
		KindFormula, KindCount:
		return true
	}
	return false
}

// Derived reports whether the field's value is computed from other fields
// rather than stored user input.
func (k FieldKind) Derived() bool {
	return k == KindLookup || k == KindFormula || k == KindCount
}

// Searchable reports whether a broad text search may match values of this
// kind. Relationship and boolean kinds are excluded.
func (k FieldKind) Searchable() bool {
	switch k {
	case KindLinkRow, KindBoolean:
		return false
	}
	return true
}

// FilterOp identifies a filter predicate operator.
type FilterOp string

const (
	OpEqual       FilterOp = "equal"
	OpNotEqual    FilterOp = "not_equal"
	OpContains    FilterOp = "contains"
	OpContainsNot FilterOp = "contains_not"
	OpHigherThan  FilterOp = "higher_than"
	OpLowerThan   FilterOp = "lower_than"
	OpDateEqual   FilterOp = "date_equal"
	OpBoolean     FilterOp = "boolean"
	OpEmpty       FilterOp = "empty"
	OpNotEmpty    FilterOp = "not_empty"
)

// SupportsFilter reports whether op is a valid predicate for values of kind k.
// An incompatible pair is a validation error at query-build time, never a
// silently ignored clause.
func (k FieldKind) SupportsFilter(op FilterOp) bool {
	switch op {
	case OpEmpty, OpNotEmpty:
		return true
	case OpEqual, OpNotEqual:
		return k != KindBoolean && k != KindLinkRow
	case OpContains, OpContainsNot:
		switch k {
		case KindText, KindLongText, KindSingleSelect, KindMultiSelect,
			KindLookup, KindFormula:
			return true
		}
		return false
	case OpHigherThan, OpLowerThan:
		return k == KindNumber || k == KindCount
	case OpDateEqual:
		return k == KindDate
	case OpBoolean:
		return k == KindBoolean
	}
	return false
}
