package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Variables is a free-form JSON object kept in a jsonb column
type Variables map[string]interface{}

// Value encodes the map as JSON. An empty map is stored as NULL.
func (v Variables) Value() (driver.Value, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode variables: %w", err)
	}
	return b, nil
}

// Scan decodes a jsonb column
func (v *Variables) Scan(src interface{}) error {
	var raw []byte
	switch s := src.(type) {
	case nil:
		*v = nil
		return nil
	case []byte:
		raw = s
	case string:
		raw = []byte(s)
	default:
		return fmt.Errorf("scan variables: unsupported type %T", src)
	}

	decoded := Variables{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("scan variables: %w", err)
	}
	*v = decoded
	return nil
}

// Merge copies every key of other into v and returns v, allocating it when nil
func (v Variables) Merge(other Variables) Variables {
	if v == nil {
		v = make(Variables, len(other))
	}
	for k, val := range other {
		v[k] = val
	}
	return v
}
