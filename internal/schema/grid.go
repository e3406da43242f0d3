package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gridrow/gridrow/internal/errors"
	"github.com/gridrow/gridrow/pkg/types"
)

// GridLimits bounds the size of a table created from an initial grid.
type GridLimits struct {
	MaxRows   int
	MaxFields int
}

// GridResult is the outcome of interpreting a raw 2-D grid of cell strings.
type GridResult struct {
	Names []string
	Kinds []types.FieldKind
	Rows  [][]types.Value
}

// FromGrid turns a 2-D grid of raw cell values into field names, guessed
// kinds, and typed row values. With firstRowHeader, row 0 supplies field
// names; ragged or short header rows are backfilled with generated
// placeholders ("Field N"). Size limits are enforced up front with a
// size-limit error rather than silent truncation.
func FromGrid(grid [][]string, firstRowHeader bool, limits GridLimits) (*GridResult, error) {
	if len(grid) == 0 {
		return nil, errors.NewValidationError(errors.CodeSizeLimitExceeded,
			"a table needs at least one row of column data")
	}

	width := 0
	for _, row := range grid {
		if len(row) > width {
			width = len(row)
		}
	}
	if width == 0 {
		return nil, errors.NewValidationError(errors.CodeSizeLimitExceeded,
			"a table needs at least one field")
	}
	if limits.MaxFields > 0 && width > limits.MaxFields {
		return nil, errors.NewValidationError(errors.CodeSizeLimitExceeded,
			fmt.Sprintf("grid has %d fields, the limit is %d", width, limits.MaxFields))
	}

	var names []string
	dataRows := grid
	if firstRowHeader {
		names = append([]string{}, grid[0]...)
		dataRows = grid[1:]
	}
	for len(names) < width {
		names = append(names, fmt.Sprintf("Field %d", len(names)+1))
	}
	for i, name := range names {
		if strings.TrimSpace(name) == "" {
			names[i] = fmt.Sprintf("Field %d", i+1)
		}
	}
	if err := ValidateFieldNames(names); err != nil {
		return nil, err
	}

	if limits.MaxRows > 0 && len(dataRows) > limits.MaxRows {
		return nil, errors.NewValidationError(errors.CodeSizeLimitExceeded,
			fmt.Sprintf("grid has %d rows, the limit is %d", len(dataRows), limits.MaxRows))
	}

	kinds := make([]types.FieldKind, width)
	for col := 0; col < width; col++ {
		kinds[col] = guessColumnKind(dataRows, col)
	}

	rows := make([][]types.Value, len(dataRows))
	for i, raw := range dataRows {
		row := make([]types.Value, width)
		for col := 0; col < width; col++ {
			cell := ""
			if col < len(raw) {
				cell = raw[col]
			}
			row[col] = ParseCell(kinds[col], cell)
		}
		rows[i] = row
	}

	return &GridResult{Names: names, Kinds: kinds, Rows: rows}, nil
}

// guessColumnKind inspects every non-empty cell in a column. A column is
// numeric, boolean, or date only if all of its cells are; anything mixed
// falls back to text.
func guessColumnKind(rows [][]string, col int) types.FieldKind {
	sawAny := false
	allNumber, allBool, allDate := true, true, true
	for _, row := range rows {
		if col >= len(row) {
			continue
		}
		cell := strings.TrimSpace(row[col])
		if cell == "" {
			continue
		}
		sawAny = true
		if _, err := strconv.ParseFloat(cell, 64); err != nil {
			allNumber = false
		}
		if !isBoolCell(cell) {
			allBool = false
		}
		if _, ok := parseDateCell(cell); !ok {
			allDate = false
		}
	}
	if !sawAny {
		return types.KindText
	}
	switch {
	case allBool:
		return types.KindBoolean
	case allNumber:
		return types.KindNumber
	case allDate:
		return types.KindDate
	}
	return types.KindText
}

// ParseCell converts a raw cell string into a typed value for the kind.
// Unparsable cells degrade to null rather than failing the whole import.
func ParseCell(kind types.FieldKind, cell string) types.Value {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return types.Null()
	}
	switch kind {
	case types.KindNumber:
		if f, err := strconv.ParseFloat(cell, 64); err == nil {
			return types.Number(f)
		}
		return types.Null()
	case types.KindBoolean:
		switch strings.ToLower(cell) {
		case "true", "yes", "1":
			return types.Boolean(true)
		case "false", "no", "0":
			return types.Boolean(false)
		}
		return types.Null()
	case types.KindDate:
		if t, ok := parseDateCell(cell); ok {
			return types.Date(t)
		}
		return types.Null()
	case types.KindSingleSelect:
		return types.Options(cell)
	case types.KindMultiSelect:
		parts := strings.Split(cell, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return types.Options(parts...)
	}
	return types.String(cell)
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"02/01/2006",
	"01/02/2006",
}

func isBoolCell(cell string) bool {
	switch strings.ToLower(cell) {
	case "true", "false", "yes", "no", "0", "1":
		return true
	}
	return false
}

func parseDateCell(cell string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, cell); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
