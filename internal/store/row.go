// Package store implements the dynamic row store: per-table, dynamically
// shaped records persisted in SQLite, with ordered iteration, filtering,
// batch mutation, and dependency propagation into derived fields.
package store

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/golang/snappy"

	"github.com/gridrow/gridrow/pkg/types"
)

// Row is a dynamically shaped record: an id, a fractional order key, and a
// map from field id to value.
type Row struct {
	ID      int64
	Order   types.OrderKey
	Trashed bool
	Values  map[int64]types.Value
}

// Value returns the row's value for a field, null when unset.
func (r *Row) Value(fieldID int64) types.Value {
	if v, ok := r.Values[fieldID]; ok {
		return v
	}
	return types.Null()
}

func (r *Row) clone() *Row {
	values := make(map[int64]types.Value, len(r.Values))
	for k, v := range r.Values {
		values[k] = v
	}
	return &Row{ID: r.ID, Order: r.Order, Trashed: r.Trashed, Values: values}
}

// encodePayload serializes a row's values as snappy-compressed JSON, the
// form stored in the per-table payload column.
func encodePayload(values map[int64]types.Value) ([]byte, error) {
	wire := make(map[string]types.Value, len(values))
	for fieldID, v := range values {
		if v.Kind == types.ValueNull {
			continue
		}
		wire[strconv.FormatInt(fieldID, 10)] = v
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("store: encoding row payload: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// decodePayload reverses encodePayload.
func decodePayload(blob []byte) (map[int64]types.Value, error) {
	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("store: decompressing row payload: %w", err)
	}
	var wire map[string]types.Value
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("store: decoding row payload: %w", err)
	}
	values := make(map[int64]types.Value, len(wire))
	for key, v := range wire {
		fieldID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("store: bad field id %q in row payload", key)
		}
		values[fieldID] = v
	}
	return values, nil
}
