package codec

import (
	"fmt"
	"sort"
)

// List wraps the concatenated encodings of vals as a list element.
func List(vals ...Value) Value {
	return mustNew(TagList, PackBytes(vals...))
}

// List unpacks a list element into its members, in order.
func (v Value) List() ([]Value, error) {
	if err := v.expect(TagList); err != nil {
		return nil, err
	}
	return UnpackBytes(v.payload)
}

// Dict maps raw string keys to values.
type Dict map[string]Value

// Keys returns the dictionary keys in encoding order.
func (d Dict) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Value encodes d as alternating (raw key, value) pairs, keys sorted.
func (d Dict) Value() Value {
	vals := make([]Value, 0, 2*len(d))
	for _, k := range d.Keys() {
		vals = append(vals, NewString(k), d[k])
	}
	return mustNew(TagDict, PackBytes(vals...))
}

// Get returns the value at key or ErrTypeMismatch when it is missing.
func (d Dict) Get(key string) (Value, error) {
	v, ok := d[key]
	if !ok {
		return Value{}, fmt.Errorf("%w: missing key %q", ErrTypeMismatch, key)
	}
	return v, nil
}

func (v Value) Dict() (Dict, error) {
	if err := v.expect(TagDict); err != nil {
		return nil, err
	}
	vals, err := UnpackBytes(v.payload)
	if err != nil {
		return nil, err
	}
	if len(vals)%2 != 0 {
		return nil, fmt.Errorf("%w: dictionary with %d elements", ErrArity, len(vals))
	}
	out := make(Dict, len(vals)/2)
	for i := 0; i < len(vals); i += 2 {
		key, err := vals[i].Bytes()
		if err != nil {
			return nil, fmt.Errorf("dictionary key %d: %w", i/2, err)
		}
		if _, dup := out[string(key)]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
		}
		out[string(key)] = vals[i+1]
	}
	return out, nil
}
