package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"maps"
)

//
// JSONB helper
//

// JSONB is a helper for Postgres jsonb columns.
// Backed by map[string]any and works with sqlx / database/sql.
type JSONB map[string]any

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return "{}", nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (j *JSONB) Scan(value any) error {
	if value == nil {
		*j = JSONB{}
		return nil
	}

	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("JSONB: expected []byte, got %T", value)
	}

	if len(b) == 0 {
		*j = JSONB{}
		return nil
	}

	return json.Unmarshal(b, j)
}

// Merge returns a shallow merge of patch over j. Neither input is modified.
func (j JSONB) Merge(patch map[string]any) JSONB {
	out := make(JSONB, len(j)+len(patch))
	maps.Copy(out, j)
	maps.Copy(out, patch)
	return out
}
