package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ValueKind identifies the runtime shape of a Value.
type ValueKind int

const (
	ValueNull ValueKind = iota
	ValueString
	ValueNumber
	ValueBool
	ValueTime
	ValueOptions
	ValueRows
	ValueArray
	ValueInvalid
)

// RowRef references a row in a linked table together with that row's primary
// field text, which is what a human sees for the link.
type RowRef struct {
	RowID   int64  `json:"id"`
	Primary string `json:"value"`
}

// ArrayEntry is one element of a lookup result: the related row's id and the
// looked-up value, in the related rows' order.
type ArrayEntry struct {
	RowID int64 `json:"id"`
	Value Value `json:"value"`
}

// Value is the tagged union stored in row cells. Exactly one payload field is
// meaningful for a given Kind; the rest stay zero.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	Time time.Time
	Opts []string
	Rows []RowRef
	Arr  []ArrayEntry
	// Err holds the human-readable message of an invalid derived value
	// (broken reference, untypeable formula).
	Err string
}

// Constructors.

func Null() Value                     { return Value{Kind: ValueNull} }
func String(s string) Value           { return Value{Kind: ValueString, Str: s} }
func Number(f float64) Value          { return Value{Kind: ValueNumber, Num: f} }
func Boolean(b bool) Value            { return Value{Kind: ValueBool, Bool: b} }
func Date(t time.Time) Value          { return Value{Kind: ValueTime, Time: t} }
func Options(opts ...string) Value    { return Value{Kind: ValueOptions, Opts: opts} }
func LinkedRows(refs []RowRef) Value  { return Value{Kind: ValueRows, Rows: refs} }
func Array(entries []ArrayEntry) Value { return Value{Kind: ValueArray, Arr: entries} }
func Invalid(msg string) Value        { return Value{Kind: ValueInvalid, Err: msg} }

// IsNull reports whether the value is null. Invalid values read as null
// everywhere except where the error text is explicitly requested.
func (v Value) IsNull() bool { return v.Kind == ValueNull || v.Kind == ValueInvalid }

// Display returns the value as observed by readers: invalid collapses to
// null, everything else passes through.
func (v Value) Display() Value {
	if v.Kind == ValueInvalid {
		return Null()
	}
	return v
}

// Text renders the value as a plain string for search and join purposes.
func (v Value) Text() string {
	switch v.Kind {
	case ValueString:
		return v.Str
	case ValueNumber:
		return trimFloat(v.Num)
	case ValueBool:
		if v.Bool {
			return "true"
		}
		return "false"
	case ValueTime:
		return v.Time.UTC().Format("2006-01-02 15:04:05")
	case ValueOptions:
		return strings.Join(v.Opts, ", ")
	case ValueRows:
		parts := make([]string, len(v.Rows))
		for i, r := range v.Rows {
			parts[i] = r.Primary
		}
		return strings.Join(parts, ", ")
	case ValueArray:
		parts := make([]string, len(v.Arr))
		for i, e := range v.Arr {
			parts[i] = e.Value.Text()
		}
		return strings.Join(parts, ", ")
	}
	return ""
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%f", f)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// Equal reports kind-aware equality for change detection. Dates are
// normalized to UTC second precision so that two representations of the same
// instant never register as a change.
func Equal(kind FieldKind, a, b Value) bool {
	if a.Kind == ValueInvalid || b.Kind == ValueInvalid {
		return a.Kind == b.Kind && a.Err == b.Err
	}
	if a.Kind == ValueNull || b.Kind == ValueNull {
		return a.Kind == b.Kind
	}
	switch kind {
	case KindDate:
		return normalizeTime(a.Time).Equal(normalizeTime(b.Time))
	case KindNumber, KindCount:
		return a.Num == b.Num
	case KindBoolean:
		return a.Bool == b.Bool
	case KindSingleSelect, KindMultiSelect:
		return stringSlicesEqual(a.Opts, b.Opts)
	case KindLinkRow:
		if len(a.Rows) != len(b.Rows) {
			return false
		}
		for i := range a.Rows {
			if a.Rows[i].RowID != b.Rows[i].RowID {
				return false
			}
		}
		return true
	case KindLookup, KindFormula:
		return deepEqual(a, b)
	}
	return a.Str == b.Str
}

func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// deepEqual compares values of arbitrary runtime kind, used for derived
// fields whose output shape depends on the formula type.
func deepEqual(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case ValueNull:
		return true
	case ValueString:
		return a.Str == b.Str
	case ValueNumber:
		return a.Num == b.Num
	case ValueBool:
		return a.Bool == b.Bool
	case ValueTime:
		return normalizeTime(a.Time).Equal(normalizeTime(b.Time))
	case ValueOptions:
		return stringSlicesEqual(a.Opts, b.Opts)
	case ValueRows:
		if len(a.Rows) != len(b.Rows) {
			return false
		}
		for i := range a.Rows {
			if a.Rows[i] != b.Rows[i] {
				return false
			}
		}
		return true
	case ValueArray:
		if len(a.Arr) != len(b.Arr) {
			return false
		}
		for i := range a.Arr {
			if a.Arr[i].RowID != b.Arr[i].RowID || !deepEqual(a.Arr[i].Value, b.Arr[i].Value) {
				return false
			}
		}
		return true
	case ValueInvalid:
		return a.Err == b.Err
	}
	return false
}

// wireValue is the persisted JSON shape of a Value.
type wireValue struct {
	K string          `json:"k"`
	V json.RawMessage `json:"v,omitempty"`
}

// MarshalJSON encodes the value in the compact wire form stored in row
// payload blobs.
func (v Value) MarshalJSON() ([]byte, error) {
	var (
		k       string
		payload interface{}
	)
	switch v.Kind {
	case ValueNull:
		k = "n"
	case ValueString:
		k, payload = "s", v.Str
	case ValueNumber:
		k, payload = "f", v.Num
	case ValueBool:
		k, payload = "b", v.Bool
	case ValueTime:
		k, payload = "t", v.Time.UTC().Format(time.RFC3339Nano)
	case ValueOptions:
		k, payload = "o", v.Opts
	case ValueRows:
		k, payload = "r", v.Rows
	case ValueArray:
		k, payload = "a", v.Arr
	case ValueInvalid:
		k, payload = "x", v.Err
	default:
		return nil, fmt.Errorf("types: cannot marshal value kind %d", v.Kind)
	}
	w := wireValue{K: k}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		w.V = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form produced by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.K {
	case "n":
		*v = Null()
	case "s":
		var s string
		if err := json.Unmarshal(w.V, &s); err != nil {
			return err
		}
		*v = String(s)
	case "f":
		var f float64
		if err := json.Unmarshal(w.V, &f); err != nil {
			return err
		}
		*v = Number(f)
	case "b":
		var b bool
		if err := json.Unmarshal(w.V, &b); err != nil {
			return err
		}
		*v = Boolean(b)
	case "t":
		var s string
		if err := json.Unmarshal(w.V, &s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		*v = Date(t)
	case "o":
		var opts []string
		if err := json.Unmarshal(w.V, &opts); err != nil {
			return err
		}
		*v = Value{Kind: ValueOptions, Opts: opts}
	case "r":
		var refs []RowRef
		if err := json.Unmarshal(w.V, &refs); err != nil {
			return err
		}
		*v = LinkedRows(refs)
	case "a":
		var entries []ArrayEntry
		if err := json.Unmarshal(w.V, &entries); err != nil {
			return err
		}
		*v = Array(entries)
	case "x":
		var msg string
		if err := json.Unmarshal(w.V, &msg); err != nil {
			return err
		}
		*v = Invalid(msg)
	default:
		return fmt.Errorf("types: unknown wire value kind %q", w.K)
	}
	return nil
}
