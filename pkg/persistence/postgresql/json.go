package postgresql

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// jsonb adapts a Go value to a JSONB column. NULL scans to the zero value.
type jsonb[T any] struct {
	V T
}

func (j *jsonb[T]) Scan(src any) error {
	var zero T

	switch data := src.(type) {
	case nil:
		j.V = zero

		return nil
	case []byte:
		return j.unmarshal(data)
	case string:
		return j.unmarshal([]byte(data))
	default:
		return fmt.Errorf("cannot scan %T into jsonb", src)
	}
}

func (j *jsonb[T]) unmarshal(data []byte) error {
	var value T

	if err := json.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("failed to decode jsonb: %w", err)
	}

	j.V = value

	return nil
}

func (j jsonb[T]) Value() (driver.Value, error) {
	data, err := json.Marshal(j.V)
	if err != nil {
		return nil, fmt.Errorf("failed to encode jsonb: %w", err)
	}

	return data, nil
}

func asJSON[T any](v T) jsonb[T] {
	return jsonb[T]{V: v}
}
