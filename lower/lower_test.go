package lower

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/watnative/wat"
)

func subModule() wat.Function {
	return wat.Func("sub",
		[]wat.ValType{wat.I32, wat.I32},
		[]wat.ValType{wat.I32},
		wat.LocalGet(0), wat.LocalGet(1), wat.Binary(wat.OpSub, wat.I32), wat.Return(),
	)
}

func TestLowerX86_32Sub(t *testing.T) {
	fn := subModule()
	asm, err := LowerX86_32(nil, &fn)
	require.NoError(t, err)
	require.Contains(t, asm, "sub:")
	require.Contains(t, asm, "ret")
}

func TestLowerX86_16Sub(t *testing.T) {
	fn := subModule()
	asm, err := LowerX86_16(nil, &fn)
	require.NoError(t, err)
	require.Contains(t, asm, "sub:")
	require.Contains(t, asm, "ret")
}

func TestLowerARM64Sub(t *testing.T) {
	fn := subModule()
	asm, err := LowerARM64(nil, &fn)
	require.NoError(t, err)
	require.Contains(t, asm, "sub:")
	require.Contains(t, asm, "ret")
}

func TestLowerARM32Sub(t *testing.T) {
	fn := subModule()
	asm, err := LowerARM32(nil, &fn)
	require.NoError(t, err)
	require.Contains(t, asm, "sub:")
	require.Contains(t, asm, "bx lr")
}

func TestLowerWithIfElse(t *testing.T) {
	i32 := wat.I32
	fn := wat.Func("choose",
		[]wat.ValType{wat.I32, wat.I32, wat.I32},
		[]wat.ValType{wat.I32},
		wat.LocalGet(0),
		wat.Instruction{
			Op:        wat.OpIf,
			BlockType: &i32,
			Body:      []wat.Instruction{wat.LocalGet(1)},
			Else:      []wat.Instruction{wat.LocalGet(2)},
		},
		wat.Return(),
	)
	asm, err := LowerAMD64(nil, &fn)
	require.NoError(t, err)
	require.Contains(t, asm, "choose:")
}
