package bx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLittleEndianReadWrite(t *testing.T) {
	b := make([]byte, 8)

	PutU16(b, 0x1234)
	assert.Equal(t, []byte{0x34, 0x12}, b[:2])
	assert.Equal(t, uint16(0x1234), U16(b))

	PutU32(b, 0x01020304)
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, b[:4])
	assert.Equal(t, uint32(0x01020304), U32(b))

	PutI64(b, -2)
	assert.Equal(t, int64(-2), I64(b))
}

func TestAtHelpers(t *testing.T) {
	b := make([]byte, 16)
	PutU16At(b, 1, 7)
	PutU32At(b, 3, 9)
	PutU64At(b, 8, 11)

	assert.Equal(t, uint16(7), U16At(b, 1))
	assert.Equal(t, uint32(9), U32At(b, 3))
	assert.Equal(t, uint64(11), U64At(b, 8))
}

func TestAppendHelpers(t *testing.T) {
	var b []byte
	b = AppendU16(b, 1)
	b = AppendU32(b, 2)
	b = AppendI64(b, -3)
	b = AppendBytes16(b, []byte("abc"))

	assert.Len(t, b, 2+4+8+2+3)
	assert.Equal(t, uint16(1), U16At(b, 0))
	assert.Equal(t, uint32(2), U32At(b, 2))
	assert.Equal(t, int64(-3), I64(b[6:]))
	assert.Equal(t, uint16(3), U16At(b, 14))
	assert.Equal(t, "abc", string(b[16:]))
}
