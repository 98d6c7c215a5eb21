package x64patch

import (
	"encoding/binary"
)

type buffer struct {
	b []byte
}

func newBuffer(capacity int) *buffer {
	return &buffer{b: make([]byte, 0, capacity)}
}

func (b *buffer) Len() int    { return len(b.b) }
func (b *buffer) Get() []byte { return b.b }

func (b *buffer) Bytes(v []byte) { b.b = append(b.b, v...) }

// Overwrite width bytes at off with the little-endian encoding of v.
func (b *buffer) PutAt(off int, v uint64, width int) {
	putLE(b.b[off:off+width], v)
}

func putLE(dst []byte, v uint64) {
	switch len(dst) {
	case 1:
		dst[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(dst, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(dst, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(dst, v)
	}
}
