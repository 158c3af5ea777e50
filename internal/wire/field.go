package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// encoder appends protobuf-compatible fields. Zero values are omitted.
type encoder struct {
	b []byte
}

func (e *encoder) uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

func (e *encoder) sint(num protowire.Number, v int64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, protowire.EncodeZigZag(v))
}

func (e *encoder) bool(num protowire.Number, v bool) {
	if !v {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, protowire.EncodeBool(v))
}

func (e *encoder) string(num protowire.Number, s string) {
	if s == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, s)
}

// strings writes every element, empty ones included, so positions survive.
func (e *encoder) strings(num protowire.Number, ss []string) {
	for _, s := range ss {
		e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
		e.b = protowire.AppendString(e.b, s)
	}
}

func (e *encoder) bytes(num protowire.Number, p []byte) {
	if len(p) == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, p)
}

func (e *encoder) message(num protowire.Number, m fieldWriter) {
	var sub encoder
	m.writeFields(&sub)
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, sub.b)
}

type fieldWriter interface {
	writeFields(e *encoder)
}

type fieldReader interface {
	readFields(b []byte) error
}

// reader walks the fields of one encoded message.
type reader struct {
	b   []byte
	num protowire.Number
	typ protowire.Type
	err error
}

func newReader(b []byte) *reader {
	return &reader{b: b}
}

// next advances to the next field tag; it returns false at the end or on error.
func (r *reader) next() bool {
	if r.err != nil || len(r.b) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return false
	}
	r.num, r.typ = num, typ
	r.b = r.b[n:]
	return true
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
	r.b = nil
}

func (r *reader) expect(typ protowire.Type) bool {
	if r.typ != typ {
		r.fail(fmt.Errorf("field %d: wire type %d, want %d", r.num, r.typ, typ))
		return false
	}
	return true
}

func (r *reader) uint() uint64 {
	if !r.expect(protowire.VarintType) {
		return 0
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		r.fail(protowire.ParseError(n))
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *reader) uint32() uint32 {
	return uint32(r.uint())
}

func (r *reader) sint() int64 {
	return protowire.DecodeZigZag(r.uint())
}

func (r *reader) bool() bool {
	return protowire.DecodeBool(r.uint())
}

// bytes returns a copy so decoded messages never alias the frame buffer.
func (r *reader) bytes() []byte {
	v := r.view()
	if v == nil {
		return nil
	}
	return append([]byte(nil), v...)
}

func (r *reader) view() []byte {
	if !r.expect(protowire.BytesType) {
		return nil
	}
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		r.fail(protowire.ParseError(n))
		return nil
	}
	r.b = r.b[n:]
	return v
}

func (r *reader) string() string {
	return string(r.view())
}

func (r *reader) message(m fieldReader) {
	b := r.view()
	if r.err != nil {
		return
	}
	if err := m.readFields(b); err != nil {
		r.fail(fmt.Errorf("field %d: %w", r.num, err))
	}
}

// skip discards a field this version does not know.
func (r *reader) skip() {
	n := protowire.ConsumeFieldValue(r.num, r.typ, r.b)
	if n < 0 {
		r.fail(protowire.ParseError(n))
		return
	}
	r.b = r.b[n:]
}
