package xmlcodec

import "encoding"

// Value is the scalar contract every leaf property type satisfies: render to
// a wire string and parse one back. encoding.TextMarshaler/TextUnmarshaler
// already describe exactly this shape, so Value is just that pair named for
// the codec's vocabulary.
type Value interface {
	encoding.TextMarshaler
	encoding.TextUnmarshaler
}

// FromString parses s into v, wrapping any failure as ErrInvalidValue.
func FromString(v encoding.TextUnmarshaler, s string) error {
	if err := v.UnmarshalText([]byte(s)); err != nil {
		return &ErrInvalidValue{Value: s, Cause: err}
	}
	return nil
}

// ToString renders v, returning "" if the TextMarshaler fails (scalars used
// by this codec never fail to marshal).
func ToString(v encoding.TextMarshaler) string {
	b, err := v.MarshalText()
	if err != nil {
		return ""
	}
	return string(b)
}
