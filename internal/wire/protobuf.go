package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// walk calls field for every field in b. field receives the bytes after the
// tag and returns how many of them it consumed.
func walk(b []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(b []byte, v *uint64) (int, error) {
	x, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	*v = x
	return n, nil
}

func consumeBool(b []byte, v *bool) (int, error) {
	var x uint64
	n, err := consumeVarint(b, &x)
	*v = protowire.DecodeBool(x)
	return n, err
}

// consumeBytes copies the field so decoded messages do not alias the frame
// buffer. An empty field decodes to a non-nil empty slice.
func consumeBytes(b []byte, v *[]byte) (int, error) {
	x, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	*v = append(make([]byte, 0, len(x)), x...)
	return n, nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	return n, nil
}
