package types

import (
	"errors"
	"fmt"

	"github.com/gogo/protobuf/proto"
)

// maxDecodeCount bounds every length prefix read off the wire so a corrupted
// or hostile frame cannot make us allocate unbounded slices.
const maxDecodeCount = 1 << 20

var errCountTooLarge = errors.New("count exceeds decoding limit")

// encoder writes the varint / length-delimited primitives of the protobuf wire
// format without field tags. The first error is kept and every later call is
// a no-op.
type encoder struct {
	buf *proto.Buffer
	err error
}

func newEncoder() *encoder {
	return &encoder{buf: proto.NewBuffer(nil)}
}

func (e *encoder) uvarint(x uint64) {
	if e.err == nil {
		e.err = e.buf.EncodeVarint(x)
	}
}

func (e *encoder) bytes(bz []byte) {
	if e.err == nil {
		e.err = e.buf.EncodeRawBytes(bz)
	}
}

func (e *encoder) string(s string) {
	if e.err == nil {
		e.err = e.buf.EncodeStringBytes(s)
	}
}

func (e *encoder) result() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.buf.Bytes(), nil
}

type decoder struct {
	buf *proto.Buffer
	err error
}

func newDecoder(bz []byte) *decoder {
	return &decoder{buf: proto.NewBuffer(bz)}
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	x, err := d.buf.DecodeVarint()
	d.err = err
	return x
}

func (d *decoder) count() int {
	n := d.uvarint()
	if d.err == nil && n > maxDecodeCount {
		d.err = fmt.Errorf("%w: %d", errCountTooLarge, n)
		return 0
	}
	return int(n)
}

func (d *decoder) bytes() []byte {
	if d.err != nil {
		return nil
	}
	bz, err := d.buf.DecodeRawBytes(true)
	d.err = err
	if len(bz) == 0 {
		return nil
	}
	return bz
}

func (d *decoder) string() string {
	if d.err != nil {
		return ""
	}
	s, err := d.buf.DecodeStringBytes()
	d.err = err
	return s
}

// sizeBytes returns the encoded size of a length-delimited byte slice of
// length n.
func sizeBytes(n int) int {
	return proto.SizeVarint(uint64(n)) + n
}
