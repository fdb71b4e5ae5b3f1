package lower

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/watnative/assemble"
	"github.com/tetratelabs/watnative/target"
	"github.com/tetratelabs/watnative/wat"
)

// TestLowerAMD64Add is spec scenario S6: a two-parameter i32 add function
// lowers to a standard push-rbp/.../pop-rbp/ret x86-64 function body.
func TestLowerAMD64Add(t *testing.T) {
	fn := wat.Func("add",
		[]wat.ValType{wat.I32, wat.I32},
		[]wat.ValType{wat.I32},
		wat.LocalGet(0),
		wat.LocalGet(1),
		wat.Binary(wat.OpAdd, wat.I32),
		wat.Return(),
	)

	asm, err := LowerAMD64(nil, &fn)
	require.NoError(t, err)
	require.Contains(t, asm, "add:")
	require.Contains(t, asm, "push rbp")
	require.Contains(t, asm, "pop rbp")
	require.Contains(t, asm, "ret")

	lines := strings.Split(strings.TrimSpace(asm), "\n")
	require.Equal(t, "ret", strings.TrimSpace(lines[len(lines)-1]))

	// S6 also requires the assembled bytes to begin with push rbp's 0x55
	// and end with ret's 0xC3.
	code, err := assemble.Assemble(target.X86_64, asm)
	require.NoError(t, err)
	require.NotEmpty(t, code)
	require.Equal(t, byte(0x55), code[0])
	require.Equal(t, byte(0xC3), code[len(code)-1])
}

func TestLowerAMD64Empty(t *testing.T) {
	fn := wat.Func("noop", nil, nil, wat.Nop())
	asm, err := LowerAMD64(nil, &fn)
	require.NoError(t, err)
	require.Contains(t, asm, "noop:")
}

func TestLowerAMD64StackUnderflow(t *testing.T) {
	fn := wat.Func("bad", nil, nil, wat.Binary(wat.OpAdd, wat.I32), wat.Return())
	_, err := LowerAMD64(nil, &fn)
	require.Error(t, err)
}
