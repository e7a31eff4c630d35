package codec

import "errors"

var (
	ErrTruncated       = errors.New("codec: truncated data")
	ErrUnknownTag      = errors.New("codec: unknown tag")
	ErrLengthMismatch  = errors.New("codec: length mismatch")
	ErrTrailingData    = errors.New("codec: trailing data")
	ErrTypeMismatch    = errors.New("codec: type mismatch")
	ErrArity           = errors.New("codec: arity mismatch")
	ErrOverflow        = errors.New("codec: value out of range")
	ErrDuplicateKey    = errors.New("codec: duplicate dictionary key")
	ErrUnsupportedType = errors.New("codec: unsupported type")
	ErrPayloadTooLarge = errors.New("codec: payload too large")
)
