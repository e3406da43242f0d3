package store

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gridrow/gridrow/internal/errors"
	"github.com/gridrow/gridrow/internal/schema"
	"github.com/gridrow/gridrow/pkg/types"
)

// SortOrder sorts by one field. Descending is the exact reverse of the
// ascending order, nulls and empty arrays included.
type SortOrder struct {
	FieldID    int64
	Descending bool
}

// Condition is one filter predicate against a field.
type Condition struct {
	FieldID int64
	Op      types.FilterOp
	Value   types.Value
}

// FilterGroup combines conditions and nested groups with one boolean
// operator.
type FilterGroup struct {
	Conjunction string // "AND" or "OR"
	Conditions  []Condition
	Groups      []FilterGroup
}

// Query describes one read: an optional filter tree, an optional search
// term, sort orders, and paging. The zero Query returns all live rows in
// table order.
type Query struct {
	Filter *FilterGroup
	Search string
	Sorts  []SortOrder
	Offset int
	Limit  int
}

// QueryRows runs a query against a table. Filters are validated against the
// field kinds up front; an operator a kind does not support is rejected,
// never silently skipped.
func (s *Store) QueryRows(tableID int64, q Query) ([]*Row, error) {
	// Filtering, sorting, and cloning all read row values, so the read
	// lock is held until the result rows are cloned; mutators publish
	// value writes under the write lock.
	s.mu.RLock()
	defer s.mu.RUnlock()

	table, err := s.tableLocked(tableID)
	if err != nil {
		return nil, err
	}
	if q.Filter != nil {
		if err := s.validateFilter(table, q.Filter); err != nil {
			return nil, err
		}
	}
	for _, so := range q.Sorts {
		if _, ok := table.FieldByID(so.FieldID); !ok {
			return nil, errors.NewReferenceError(errors.CodeFieldNotFound,
				fmt.Sprintf("sort references unknown field %d", so.FieldID))
		}
	}

	rs := s.rows[tableID]
	out := make([]*Row, 0, len(rs.order))
	for _, r := range rs.order {
		if r.Trashed {
			continue
		}
		if q.Filter != nil && !s.matchGroup(table, q.Filter, r) {
			continue
		}
		if q.Search != "" && !s.matchSearch(table, q.Search, r) {
			continue
		}
		out = append(out, r)
	}

	if len(q.Sorts) > 0 {
		s.sortRows(table, out, q.Sorts)
	}

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			out = nil
		} else {
			out = out[q.Offset:]
		}
	}
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}

	cloned := make([]*Row, len(out))
	for i, r := range out {
		cloned[i] = r.clone()
	}
	return cloned, nil
}

func (s *Store) validateFilter(table *schema.Table, g *FilterGroup) error {
	if g.Conjunction != "" && g.Conjunction != "AND" && g.Conjunction != "OR" {
		return errors.NewValidationError(errors.CodeIncompatibleFilter,
			fmt.Sprintf("unknown filter conjunction %q", g.Conjunction))
	}
	for _, c := range g.Conditions {
		f, ok := table.FieldByID(c.FieldID)
		if !ok {
			return errors.NewReferenceError(errors.CodeFieldNotFound,
				fmt.Sprintf("filter references unknown field %d", c.FieldID))
		}
		kind, _ := outputTypeOf(f)
		if !kind.SupportsFilter(c.Op) {
			return errors.NewValidationError(errors.CodeIncompatibleFilter,
				fmt.Sprintf("filter %s is not compatible with field %q of kind %s", c.Op, f.Name, kind))
		}
	}
	for i := range g.Groups {
		if err := s.validateFilter(table, &g.Groups[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) matchGroup(table *schema.Table, g *FilterGroup, r *Row) bool {
	or := g.Conjunction == "OR"
	matched := !or
	check := func(hit bool) bool {
		if or && hit {
			matched = true
			return true
		}
		if !or && !hit {
			matched = false
			return true
		}
		return false
	}
	for _, c := range g.Conditions {
		if check(s.matchCondition(table, c, r)) {
			return matched
		}
	}
	for i := range g.Groups {
		if check(s.matchGroup(table, &g.Groups[i], r)) {
			return matched
		}
	}
	if len(g.Conditions) == 0 && len(g.Groups) == 0 {
		return true
	}
	return matched
}

func (s *Store) matchCondition(table *schema.Table, c Condition, r *Row) bool {
	f, _ := table.FieldByID(c.FieldID)
	kind, _ := outputTypeOf(f)
	v := s.fieldValue(f, r).Display()

	switch c.Op {
	case types.OpEqual:
		return types.Equal(kind, v, c.Value)
	case types.OpNotEqual:
		return !types.Equal(kind, v, c.Value)
	case types.OpContains:
		return containsFold(v.Text(), c.Value.Text())
	case types.OpContainsNot:
		return !containsFold(v.Text(), c.Value.Text())
	case types.OpHigherThan:
		return v.Kind == types.ValueNumber && c.Value.Kind == types.ValueNumber && v.Num > c.Value.Num
	case types.OpLowerThan:
		return v.Kind == types.ValueNumber && c.Value.Kind == types.ValueNumber && v.Num < c.Value.Num
	case types.OpDateEqual:
		return types.Equal(types.KindDate, v, c.Value)
	case types.OpBoolean:
		want := c.Value.Kind == types.ValueBool && c.Value.Bool
		got := v.Kind == types.ValueBool && v.Bool
		return want == got
	case types.OpEmpty:
		return isEmptyValue(v)
	case types.OpNotEmpty:
		return !isEmptyValue(v)
	}
	return false
}

func isEmptyValue(v types.Value) bool {
	switch v.Kind {
	case types.ValueNull, types.ValueInvalid:
		return true
	case types.ValueString:
		return v.Str == ""
	case types.ValueOptions:
		return len(v.Opts) == 0
	case types.ValueRows:
		return len(v.Rows) == 0
	case types.ValueArray:
		return len(v.Arr) == 0
	}
	return false
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// matchSearch matches a term against every searchable field of the row,
// plus the row id itself when the term is a whole number.
func (s *Store) matchSearch(table *schema.Table, term string, r *Row) bool {
	if id, err := strconv.ParseInt(strings.TrimSpace(term), 10, 64); err == nil && id == r.ID {
		return true
	}
	for i := range table.Fields {
		f := &table.Fields[i]
		kind, _ := outputTypeOf(f)
		if !kind.Searchable() {
			continue
		}
		v := s.fieldValue(f, r).Display()
		if v.IsNull() {
			continue
		}
		if containsFold(v.Text(), term) {
			return true
		}
	}
	return false
}

// sortRows sorts in place by the given orders, comparing display values
// with the canonical collation. Ties fall back to the table order, flipped
// with the leading sort's direction so a descending sort is the exact
// elementwise reverse of its ascending twin even across tied values.
func (s *Store) sortRows(table *schema.Table, rows []*Row, sorts []SortOrder) {
	fields := make([]*schema.Field, len(sorts))
	for i, so := range sorts {
		fields[i], _ = table.FieldByID(so.FieldID)
	}
	desc := sorts[0].Descending
	sort.SliceStable(rows, func(i, j int) bool {
		for k, so := range sorts {
			a := s.fieldValue(fields[k], rows[i]).Display()
			b := s.fieldValue(fields[k], rows[j]).Display()
			c := types.Compare(a, b)
			if c == 0 {
				continue
			}
			if so.Descending {
				return c > 0
			}
			return c < 0
		}
		if desc {
			return rows[j].Order.Less(rows[i].Order)
		}
		return rows[i].Order.Less(rows[j].Order)
	})
}
