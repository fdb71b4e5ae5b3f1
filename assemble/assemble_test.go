package assemble

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/watnative/target"
)

// Golden scenarios from spec.md §8.

func TestGoldenARM64Ret(t *testing.T) {
	code, err := Assemble(target.ARM64, "ret\n")
	require.NoError(t, err)
	require.Equal(t, []byte{0xC0, 0x03, 0x5F, 0xD6}, code)
}

func TestGoldenARM64Nop(t *testing.T) {
	code, err := Assemble(target.ARM64, "nop\n")
	require.NoError(t, err)
	require.Equal(t, []byte{0x1F, 0x20, 0x03, 0xD5}, code)
}

func TestGoldenARM32BxLr(t *testing.T) {
	code, err := Assemble(target.ARM32, "bx lr\n")
	require.NoError(t, err)
	require.Equal(t, []byte{0x1E, 0xFF, 0x2F, 0xE1}, code)
}

func TestGoldenARM32MovImm(t *testing.T) {
	code, err := Assemble(target.ARM32, "mov r0, #42\n")
	require.NoError(t, err)
	require.Equal(t, []byte{0x2A, 0x00, 0xA0, 0xE3}, code)
}

func TestGoldenARM32ForwardBranch(t *testing.T) {
	code, err := Assemble(target.ARM32, "b skip\nnop\nskip:\nnop\n")
	require.NoError(t, err)
	require.Len(t, code, 12)
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0xEA}, code[0:4])
}

func TestAssembleUnknownTarget(t *testing.T) {
	_, err := Assemble(target.Name("m68k"), "nop\n")
	require.Error(t, err)
}

func TestAssembleUndefinedLabel(t *testing.T) {
	_, err := Assemble(target.ARM64, "b nowhere\n")
	require.Error(t, err)
}

func TestAssembleDuplicateLabel(t *testing.T) {
	_, err := Assemble(target.ARM64, "a:\nnop\na:\nnop\n")
	require.Error(t, err)
}

func TestAssembleCommentsAndBlankLines(t *testing.T) {
	code, err := Assemble(target.ARM64, "; a comment\n\nnop ; trailing\nret\n")
	require.NoError(t, err)
	require.Len(t, code, 8)
}
