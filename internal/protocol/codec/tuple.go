package codec

import "fmt"

func arity(vals []Value, n int) error {
	if len(vals) != n {
		return fmt.Errorf("%w: got %d elements want %d", ErrArity, len(vals), n)
	}
	return nil
}

func at[T any](vals []Value, i int, dst *T) error {
	out, err := As[T](vals[i])
	if err != nil {
		return fmt.Errorf("element %d: %w", i, err)
	}
	*dst = out
	return nil
}

// Take1 through Take7 decode exactly N unpacked elements into typed values,
// failing with ErrArity on any other count.
func Take1[A any](vals []Value) (a A, err error) {
	if err = arity(vals, 1); err != nil {
		return
	}
	if err = at(vals, 0, &a); err != nil {
		return
	}
	return
}

// Unpack1 through Unpack7 are Take1..Take7 applied to a list element.
func Unpack1[A any](v Value) (a A, err error) {
	vals, err := v.List()
	if err != nil {
		return
	}
	return Take1[A](vals)
}

func Take2[A, B any](vals []Value) (a A, b B, err error) {
	if err = arity(vals, 2); err != nil {
		return
	}
	if err = at(vals, 0, &a); err != nil {
		return
	}
	if err = at(vals, 1, &b); err != nil {
		return
	}
	return
}

func Unpack2[A, B any](v Value) (a A, b B, err error) {
	vals, err := v.List()
	if err != nil {
		return
	}
	return Take2[A, B](vals)
}

func Take3[A, B, C any](vals []Value) (a A, b B, c C, err error) {
	if err = arity(vals, 3); err != nil {
		return
	}
	if err = at(vals, 0, &a); err != nil {
		return
	}
	if err = at(vals, 1, &b); err != nil {
		return
	}
	if err = at(vals, 2, &c); err != nil {
		return
	}
	return
}

func Unpack3[A, B, C any](v Value) (a A, b B, c C, err error) {
	vals, err := v.List()
	if err != nil {
		return
	}
	return Take3[A, B, C](vals)
}

func Take4[A, B, C, D any](vals []Value) (a A, b B, c C, d D, err error) {
	if err = arity(vals, 4); err != nil {
		return
	}
	if err = at(vals, 0, &a); err != nil {
		return
	}
	if err = at(vals, 1, &b); err != nil {
		return
	}
	if err = at(vals, 2, &c); err != nil {
		return
	}
	if err = at(vals, 3, &d); err != nil {
		return
	}
	return
}

func Unpack4[A, B, C, D any](v Value) (a A, b B, c C, d D, err error) {
	vals, err := v.List()
	if err != nil {
		return
	}
	return Take4[A, B, C, D](vals)
}

func Take5[A, B, C, D, E any](vals []Value) (a A, b B, c C, d D, e E, err error) {
	if err = arity(vals, 5); err != nil {
		return
	}
	if err = at(vals, 0, &a); err != nil {
		return
	}
	if err = at(vals, 1, &b); err != nil {
		return
	}
	if err = at(vals, 2, &c); err != nil {
		return
	}
	if err = at(vals, 3, &d); err != nil {
		return
	}
	if err = at(vals, 4, &e); err != nil {
		return
	}
	return
}

func Unpack5[A, B, C, D, E any](v Value) (a A, b B, c C, d D, e E, err error) {
	vals, err := v.List()
	if err != nil {
		return
	}
	return Take5[A, B, C, D, E](vals)
}

func Take6[A, B, C, D, E, F any](vals []Value) (a A, b B, c C, d D, e E, f F, err error) {
	if err = arity(vals, 6); err != nil {
		return
	}
	if err = at(vals, 0, &a); err != nil {
		return
	}
	if err = at(vals, 1, &b); err != nil {
		return
	}
	if err = at(vals, 2, &c); err != nil {
		return
	}
	if err = at(vals, 3, &d); err != nil {
		return
	}
	if err = at(vals, 4, &e); err != nil {
		return
	}
	if err = at(vals, 5, &f); err != nil {
		return
	}
	return
}

func Unpack6[A, B, C, D, E, F any](v Value) (a A, b B, c C, d D, e E, f F, err error) {
	vals, err := v.List()
	if err != nil {
		return
	}
	return Take6[A, B, C, D, E, F](vals)
}

func Take7[A, B, C, D, E, F, G any](vals []Value) (a A, b B, c C, d D, e E, f F, g G, err error) {
	if err = arity(vals, 7); err != nil {
		return
	}
	if err = at(vals, 0, &a); err != nil {
		return
	}
	if err = at(vals, 1, &b); err != nil {
		return
	}
	if err = at(vals, 2, &c); err != nil {
		return
	}
	if err = at(vals, 3, &d); err != nil {
		return
	}
	if err = at(vals, 4, &e); err != nil {
		return
	}
	if err = at(vals, 5, &f); err != nil {
		return
	}
	if err = at(vals, 6, &g); err != nil {
		return
	}
	return
}

func Unpack7[A, B, C, D, E, F, G any](v Value) (a A, b B, c C, d D, e E, f F, g G, err error) {
	vals, err := v.List()
	if err != nil {
		return
	}
	return Take7[A, B, C, D, E, F, G](vals)
}
