package container

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlatIsIdentity(t *testing.T) {
	code := []byte{0xC0, 0x03, 0x5F, 0xD6}
	out := Flat(code)
	require.Equal(t, code, out)

	// Flat must copy, not alias: mutating the input must not affect out.
	code[0] = 0xFF
	require.Equal(t, byte(0xC0), out[0])
}

func TestPEStructure(t *testing.T) {
	code := []byte{0xC0, 0x03, 0x5F, 0xD6}
	out, err := PE(code)
	require.NoError(t, err)

	require.Equal(t, byte('M'), out[0])
	require.Equal(t, byte('Z'), out[1])

	peOffset := binary.LittleEndian.Uint32(out[0x3C:])
	require.Equal(t, uint32(dosHeaderSize), peOffset)
	require.Equal(t, []byte{'P', 'E', 0, 0}, out[peOffset:peOffset+4])

	coff := out[peOffset+4:]
	require.Equal(t, uint16(0x8664), binary.LittleEndian.Uint16(coff[0:]))
	require.Equal(t, uint16(1), binary.LittleEndian.Uint16(coff[2:]))

	opt := coff[coffHeaderSize:]
	require.Equal(t, uint16(0x020B), binary.LittleEndian.Uint16(opt[0:]))
	require.Equal(t, uint64(imageBase), binary.LittleEndian.Uint64(opt[24:]))
	require.Equal(t, uint32(sectionAlignment), binary.LittleEndian.Uint32(opt[32:]))
	require.Equal(t, uint32(fileAlignment), binary.LittleEndian.Uint32(opt[36:]))
	require.Equal(t, uint16(3), binary.LittleEndian.Uint16(opt[68:]))

	sec := opt[optionalHeaderSize:]
	require.Equal(t, []byte(".text\x00\x00\x00"), sec[0:8])
	require.Equal(t, uint32(0x60000020), binary.LittleEndian.Uint32(sec[36:]))

	require.True(t, len(out)%fileAlignment == 0)
}

func TestPEEmptyCode(t *testing.T) {
	out, err := PE(nil)
	require.NoError(t, err)
	require.Equal(t, byte('M'), out[0])
}

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0x200, alignUp(1, 0x200))
	require.Equal(t, 0x200, alignUp(0x200, 0x200))
	require.Equal(t, 0x400, alignUp(0x201, 0x200))
	require.Equal(t, 0, alignUp(0, 0x200))
}
