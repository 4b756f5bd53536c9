package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// fieldWriter appends protobuf wire fields. Scalars are always written, even
// when zero, so a response carrying only NO_ERROR still has a body.
type fieldWriter struct {
	b []byte
}

func (w *fieldWriter) varint(num protowire.Number, v uint64) {
	w.b = protowire.AppendTag(w.b, num, protowire.VarintType)
	w.b = protowire.AppendVarint(w.b, v)
}

func (w *fieldWriter) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	w.b = protowire.AppendTag(w.b, num, protowire.BytesType)
	w.b = protowire.AppendBytes(w.b, v)
}

func (w *fieldWriter) string(num protowire.Number, v string) {
	if v == "" {
		return
	}
	w.b = protowire.AppendTag(w.b, num, protowire.BytesType)
	w.b = protowire.AppendString(w.b, v)
}

// fieldReader walks protobuf wire fields, recording the first error.
type fieldReader struct {
	b   []byte
	err error
}

func (r *fieldReader) next() (protowire.Number, protowire.Type, bool) {
	if r.err != nil || len(r.b) == 0 {
		return 0, 0, false
	}
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return 0, 0, false
	}
	r.b = r.b[n:]
	return num, typ, true
}

func (r *fieldReader) varint(num protowire.Number, typ protowire.Type) uint64 {
	if typ != protowire.VarintType {
		r.err = fmt.Errorf("field %d: %w", num, ErrWireType)
		return 0
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *fieldReader) bytes(num protowire.Number, typ protowire.Type) []byte {
	if typ != protowire.BytesType {
		r.err = fmt.Errorf("field %d: %w", num, ErrWireType)
		return nil
	}
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return nil
	}
	r.b = r.b[n:]
	return append([]byte(nil), v...)
}

func (r *fieldReader) string(num protowire.Number, typ protowire.Type) string {
	return string(r.bytes(num, typ))
}

// skip discards a field this version does not know about.
func (r *fieldReader) skip(num protowire.Number, typ protowire.Type) {
	n := protowire.ConsumeFieldValue(num, typ, r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return
	}
	r.b = r.b[n:]
}
