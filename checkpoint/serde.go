package checkpoint

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Value type tags.
const (
	TypeNull  = "null"
	TypeJSON  = "json"
	TypeBytes = "bytes"
)

// TypedValue is a serialized channel value tagged with its encoding.
type TypedValue struct {
	Type string
	Data []byte
}

func (v TypedValue) clone() TypedValue {
	return TypedValue{Type: v.Type, Data: slices.Clone(v.Data)}
}

// IsNull reports whether the value encodes nil.
func (v TypedValue) IsNull() bool {
	return v.Type == TypeNull || v.Type == ""
}

// Serializer converts channel values to and from TypedValue.
type Serializer interface {
	Dump(v any) (TypedValue, error)
	Load(tv TypedValue, dst any) error
}

// JSONSerializer stores byte slices verbatim and everything else as JSON.
type JSONSerializer struct{}

// Dump encodes v.
func (JSONSerializer) Dump(v any) (TypedValue, error) {
	switch val := v.(type) {
	case nil:
		return TypedValue{Type: TypeNull}, nil
	case []byte:
		return TypedValue{Type: TypeBytes, Data: slices.Clone(val)}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return TypedValue{}, fmt.Errorf("failed to serialize %T: %w", v, err)
	}
	return TypedValue{Type: TypeJSON, Data: data}, nil
}

// Load decodes tv into dst, which must be a non-nil pointer. A null value leaves
// dst untouched.
func (JSONSerializer) Load(tv TypedValue, dst any) error {
	switch tv.Type {
	case TypeNull, "":
		return nil
	case TypeJSON:
		if err := json.Unmarshal(tv.Data, dst); err != nil {
			return fmt.Errorf("failed to deserialize json value: %w", err)
		}
		return nil
	case TypeBytes:
		switch p := dst.(type) {
		case *[]byte:
			*p = slices.Clone(tv.Data)
		case *any:
			*p = slices.Clone(tv.Data)
		default:
			return fmt.Errorf("cannot load bytes value into %T", dst)
		}
		return nil
	default:
		return fmt.Errorf("unknown value type %q", tv.Type)
	}
}

var _ Serializer = JSONSerializer{}
