package asmtext

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuilderEmitAndString(t *testing.T) {
	var b Builder
	b.Comment("function add")
	b.Label("add")
	b.Emit("push", "rbp")
	b.Emit("mov", "rbp", "rsp")
	b.Emit("nop")

	require.Equal(t,
		"; function add\nadd:\npush rbp\nmov rbp, rsp\nnop\n",
		b.String(),
	)
	require.Len(t, b.Lines(), 5)
}

func TestBuilderRawSplicing(t *testing.T) {
	var inner Builder
	inner.Emit("add", "eax", "ebx")

	var outer Builder
	outer.Label("start")
	for _, l := range inner.Lines() {
		outer.Raw(l)
	}
	outer.Emit("ret")

	require.Equal(t, "start:\nadd eax, ebx\nret\n", outer.String())
}

func TestFormatBareInstructionDoesNotPanic(t *testing.T) {
	_, err := Format("add eax, ebx\n")
	// asmfmt may or may not accept a bare instruction line outside a
	// TEXT block; either outcome is acceptable here, only that Format
	// never panics and always returns a definite (string, error) pair.
	if err != nil {
		require.Error(t, err)
	}
}
