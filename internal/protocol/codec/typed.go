package codec

import (
	"fmt"
	"math"
	"math/big"

	"github.com/google/uuid"
)

// Marshaler is implemented by application types with their own encoding.
type Marshaler interface {
	MarshalValue() (Value, error)
}

// Unmarshaler is implemented by application types decodable from a Value.
type Unmarshaler interface {
	UnmarshalValue(Value) error
}

func NewUID(u uuid.UUID) Value {
	return NewBytes(u[:])
}

func (v Value) UID() (uuid.UUID, error) {
	b, err := v.Bytes()
	if err != nil {
		return uuid.Nil, err
	}
	u, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: uid width %d", ErrLengthMismatch, len(b))
	}
	return u, nil
}

func NewUIDs(uids []uuid.UUID) Value {
	vals := make([]Value, len(uids))
	for i, u := range uids {
		vals[i] = NewUID(u)
	}
	return List(vals...)
}

func (v Value) UIDs() ([]uuid.UUID, error) {
	vals, err := v.List()
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, len(vals))
	for i, e := range vals {
		if out[i], err = e.UID(); err != nil {
			return nil, fmt.Errorf("uid %d: %w", i, err)
		}
	}
	return out, nil
}

// From encodes a Go value from the typed registry.
func From(x any) (Value, error) {
	switch t := x.(type) {
	case Value:
		return t, nil
	case Marshaler:
		return t.MarshalValue()
	case []byte:
		return NewBytes(t), nil
	case string:
		return NewString(t), nil
	case int:
		return NewInt(int64(t)), nil
	case int64:
		return NewInt(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return NewBigUint(new(big.Int).SetUint64(t))
		}
		return NewInt(int64(t)), nil
	case bool:
		return NewBool(t), nil
	case *big.Int:
		return NewBigUint(t)
	case []Value:
		return List(t...), nil
	case Dict:
		return t.Value(), nil
	case uuid.UUID:
		return NewUID(t), nil
	case []uuid.UUID:
		return NewUIDs(t), nil
	case Key:
		return t.Value()
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedType, x)
	}
}

// PackOf encodes each item with From and wraps them as a list.
func PackOf(items ...any) (Value, error) {
	vals := make([]Value, len(items))
	for i, item := range items {
		v, err := From(item)
		if err != nil {
			return Value{}, fmt.Errorf("item %d: %w", i, err)
		}
		vals[i] = v
	}
	return List(vals...), nil
}

// Into decodes v into the value pointed to by dst.
func Into(v Value, dst any) error {
	var err error
	switch d := dst.(type) {
	case *Value:
		*d = v
	case Unmarshaler:
		return d.UnmarshalValue(v)
	case *[]byte:
		*d, err = v.Bytes()
	case *string:
		*d, err = v.Text()
	case *int:
		var n int64
		if n, err = v.Int(); err == nil {
			if int64(int(n)) != n {
				return fmt.Errorf("%w: %d does not fit int", ErrOverflow, n)
			}
			*d = int(n)
		}
	case *int64:
		*d, err = v.Int()
	case *uint64:
		*d, err = v.Uint64()
	case *bool:
		*d, err = v.Bool()
	case **big.Int:
		*d, err = v.BigUint()
	case *[]Value:
		*d, err = v.List()
	case *Dict:
		*d, err = v.Dict()
	case *uuid.UUID:
		*d, err = v.UID()
	case *[]uuid.UUID:
		*d, err = v.UIDs()
	case *Key:
		*d, err = v.Key()
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedType, dst)
	}
	return err
}

// As decodes v into a new T.
func As[T any](v Value) (T, error) {
	var out T
	if err := Into(v, &out); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
