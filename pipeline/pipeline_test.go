package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/watnative/target"
	"github.com/tetratelabs/watnative/wat"
)

func addModule() *wat.Module {
	return &wat.Module{
		Functions: []wat.Function{
			wat.Func("add", []wat.ValType{wat.I32, wat.I32}, []wat.ValType{wat.I32},
				wat.LocalGet(0), wat.LocalGet(1), wat.Binary(wat.OpAdd, wat.I32), wat.Return()),
			wat.Func("sub", []wat.ValType{wat.I32, wat.I32}, []wat.ValType{wat.I32},
				wat.LocalGet(0), wat.LocalGet(1), wat.Binary(wat.OpSub, wat.I32), wat.Return()),
		},
	}
}

func TestCompileAMD64(t *testing.T) {
	mod := addModule()
	results, err := Compile(context.Background(), mod, target.X86_64, NewCache())
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "add", results[0].Function)
	require.Equal(t, "sub", results[1].Function)
	for _, r := range results {
		require.NotEmpty(t, r.Code)
		require.NotEmpty(t, r.Assembly)
	}
}

func TestCompileUnknownTarget(t *testing.T) {
	mod := addModule()
	_, err := Compile(context.Background(), mod, target.Name("riscv64"), NewCache())
	require.Error(t, err)
}

func TestCompileNilCacheDisablesCaching(t *testing.T) {
	mod := addModule()
	results, err := Compile(context.Background(), mod, target.X86_64, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestCompileCacheHitReturnsSameBytes(t *testing.T) {
	cache := NewCache()
	mod := addModule()

	first, err := Compile(context.Background(), mod, target.ARM64, cache)
	require.NoError(t, err)

	second, err := Compile(context.Background(), mod, target.ARM64, cache)
	require.NoError(t, err)

	require.Equal(t, first[0].Code, second[0].Code)
	require.Equal(t, first[1].Code, second[1].Code)
}

func TestCacheKeyDiffersByArchitecture(t *testing.T) {
	fn := &mod0.Functions[0]
	k1, err := cacheKey(target.X86_64, fn)
	require.NoError(t, err)
	k2, err := cacheKey(target.ARM64, fn)
	require.NoError(t, err)
	require.NotEqual(t, k1, k2)
}

var mod0 = addModule()
