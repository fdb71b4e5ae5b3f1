package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/watnative/wat"
)

func writeModule(t *testing.T, dir string) string {
	t.Helper()
	mod := wat.Module{
		Functions: []wat.Function{
			wat.Func("add", []wat.ValType{wat.I32, wat.I32}, []wat.ValType{wat.I32},
				wat.LocalGet(0), wat.LocalGet(1), wat.Binary(wat.OpAdd, wat.I32), wat.Return()),
		},
	}
	b, err := json.Marshal(mod)
	require.NoError(t, err)
	path := filepath.Join(dir, "module.json")
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return path
}

func TestDoMainFlatBinary(t *testing.T) {
	dir := t.TempDir()
	modPath := writeModule(t, dir)
	outPath := filepath.Join(dir, "out.bin")

	var stdout, stderr bytes.Buffer
	code := doMain([]string{"-target=arm64", "-o", outPath, modPath}, &stdout, &stderr)
	require.Equal(t, 0, code, "stderr: %s", stderr.String())

	out, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.NotEmpty(t, out)
}

func TestDoMainPEContainer(t *testing.T) {
	dir := t.TempDir()
	modPath := writeModule(t, dir)

	var stdout, stderr bytes.Buffer
	code := doMain([]string{"-target=x86_64", "-container=pe", modPath}, &stdout, &stderr)
	require.Equal(t, 0, code, "stderr: %s", stderr.String())
	require.Equal(t, byte('M'), stdout.Bytes()[0])
	require.Equal(t, byte('Z'), stdout.Bytes()[1])
}

func TestDoMainUnknownTarget(t *testing.T) {
	dir := t.TempDir()
	modPath := writeModule(t, dir)

	var stdout, stderr bytes.Buffer
	code := doMain([]string{"-target=riscv64", modPath}, &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "unknown -target")
}

func TestDoMainMissingArgs(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := doMain([]string{"-target=arm64"}, &stdout, &stderr)
	require.Equal(t, 2, code)
}

func TestDoMainDumpAsm(t *testing.T) {
	dir := t.TempDir()
	modPath := writeModule(t, dir)

	var stdout, stderr bytes.Buffer
	code := doMain([]string{"-target=arm64", "-dump-asm", modPath}, &stdout, &stderr)
	require.Equal(t, 0, code, "stderr: %s", stderr.String())
	require.Contains(t, stderr.String(), "add")
}
