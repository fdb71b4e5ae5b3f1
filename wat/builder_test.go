package wat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFuncBuilder(t *testing.T) {
	fn := Func("add",
		[]ValType{I32, I32},
		[]ValType{I32},
		LocalGet(0),
		LocalGet(1),
		Binary(OpAdd, I32),
		Return(),
	)

	require.Equal(t, "add", fn.Name)
	require.Equal(t, []ValType{I32, I32}, fn.Params)
	require.Equal(t, []ValType{I32}, fn.Results)
	require.Len(t, fn.Body, 4)
	require.Equal(t, OpLocalGet, fn.Body[0].Op)
	require.Equal(t, uint32(0), fn.Body[0].Index)
	require.Equal(t, OpLocalGet, fn.Body[1].Op)
	require.Equal(t, uint32(1), fn.Body[1].Index)
	require.Equal(t, OpAdd, fn.Body[2].Op)
	require.Equal(t, I32, fn.Body[2].Type)
	require.Equal(t, OpReturn, fn.Body[3].Op)
	require.Equal(t, 2, fn.NumLocals())
}

func TestMemoryAndGlobalInstructions(t *testing.T) {
	load := Load(MemArg{Offset: 4, Width: 32})
	require.Equal(t, OpLoad, load.Op)
	require.Equal(t, uint32(4), load.Mem.Offset)

	store := Store(MemArg{Offset: 8, Width: 8, Signed: true})
	require.Equal(t, OpStore, store.Op)
	require.True(t, store.Mem.Signed)

	require.Equal(t, OpGlobalGet, GlobalGet(2).Op)
	require.Equal(t, OpGlobalSet, GlobalSet(2).Op)
	require.Equal(t, OpLocalTee, LocalTee(1).Op)
}

func TestZeroOperandInstructions(t *testing.T) {
	require.Equal(t, OpReturn, Return().Op)
	require.Equal(t, OpUnreachable, Unreachable().Op)
	require.Equal(t, OpNop, Nop().Op)
	call := Call(3)
	require.Equal(t, OpCall, call.Op)
	require.Equal(t, uint32(3), call.FuncIdx)
}

func TestValTypeStringAndWidth(t *testing.T) {
	require.Equal(t, "i32", I32.String())
	require.Equal(t, 32, I32.Width())
	require.Equal(t, "i64", I64.String())
	require.Equal(t, 64, I64.Width())
}

func TestLocalType(t *testing.T) {
	fn := Func("f", []ValType{I32}, nil, Nop())
	fn.Locals = []ValType{I64}
	require.Equal(t, I32, fn.LocalType(0))
	require.Equal(t, I64, fn.LocalType(1))
	require.Equal(t, 2, fn.NumLocals())
}
