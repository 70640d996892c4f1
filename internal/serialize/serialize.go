// Package serialize implements the little-endian binary format shared by
// cache entries and manifests: bool, i32, length-prefixed string, ordered
// sequence of strings, and ordered string->string map.
//
// Grounded on original_source/src/base/serializer_utils.cpp: same field
// widths, same cursor-advancing decode style (raises on reading past the
// end), generalized here into a small Writer/Reader pair the way the
// teacher's internal/common package exposes small stateless helpers
// (internal/common/filesystem.go, internal/common/sha256-struct.go) rather
// than one monolithic codec object.
package serialize

import (
	"encoding/binary"
	"fmt"
)

// Writer appends values to an in-memory little-endian buffer.
type Writer struct {
	buf []byte
}

// NewWriter creates an empty Writer.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 256)}
}

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Bool appends a single-byte bool.
func (w *Writer) Bool(v bool) *Writer {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
	return w
}

// Int32 appends a little-endian 4-byte signed integer.
func (w *Writer) Int32(v int32) *Writer {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	w.buf = append(w.buf, b[:]...)
	return w
}

// String appends an i32 length prefix followed by the raw bytes.
func (w *Writer) String(s string) *Writer {
	w.Int32(int32(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

// StringSlice appends an i32 count followed by each string.
func (w *Writer) StringSlice(items []string) *Writer {
	w.Int32(int32(len(items)))
	for _, s := range items {
		w.String(s)
	}
	return w
}

// StringMap appends an i32 count followed by each key/value pair, in the
// order given by the caller (the on-disk format preserves insertion order;
// callers that need a canonical order should sort before calling).
func (w *Writer) StringMap(keys []string, m map[string]string) *Writer {
	w.Int32(int32(len(keys)))
	for _, k := range keys {
		w.String(k)
		w.String(m[k])
	}
	return w
}

// Reader decodes values from a little-endian buffer, advancing a cursor and
// raising (returning an error) on any read past the end.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential decoding.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) require(n int) error {
	if r.pos+n > len(r.buf) {
		return fmt.Errorf("serialize: read past end of buffer (need %d bytes at offset %d, have %d)", n, r.pos, len(r.buf))
	}
	return nil
}

// Bool decodes a single-byte bool.
func (r *Reader) Bool() (bool, error) {
	if err := r.require(1); err != nil {
		return false, err
	}
	v := r.buf[r.pos] != 0
	r.pos++
	return v, nil
}

// Int32 decodes a little-endian 4-byte signed integer.
func (r *Reader) Int32() (int32, error) {
	if err := r.require(4); err != nil {
		return 0, err
	}
	v := int32(binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4]))
	r.pos += 4
	return v, nil
}

// String decodes an i32 length prefix followed by that many bytes.
func (r *Reader) String() (string, error) {
	n, err := r.Int32()
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", fmt.Errorf("serialize: negative string length %d", n)
	}
	if err := r.require(int(n)); err != nil {
		return "", err
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

// StringSlice decodes an i32 count followed by that many strings.
func (r *Reader) StringSlice() ([]string, error) {
	n, err := r.Int32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("serialize: negative sequence count %d", n)
	}
	out := make([]string, 0, n)
	for i := int32(0); i < n; i++ {
		s, err := r.String()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// StringMap decodes an i32 count followed by that many key/value pairs.
func (r *Reader) StringMap() (map[string]string, error) {
	n, err := r.Int32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("serialize: negative map count %d", n)
	}
	out := make(map[string]string, n)
	for i := int32(0); i < n; i++ {
		k, err := r.String()
		if err != nil {
			return nil, err
		}
		v, err := r.String()
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// Remaining reports how many bytes have not yet been consumed.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}
