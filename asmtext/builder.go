// Package asmtext is the shared assembly-text emitter used by every
// architecture's Lowerer (spec §4.3, the "Shared utilities" ~5% slice of
// the pipeline). It knows nothing about any one architecture's mnemonics:
// it only assembles lines, labels, and comments into the canonical
// per-architecture dialect text the Assembler package parses.
package asmtext

import (
	"fmt"
	"strings"

	"github.com/klauspost/asmfmt"
)

// Builder accumulates one function's worth of assembly text line by line.
type Builder struct {
	lines []string
}

// Label emits a label definition line ("name:").
func (b *Builder) Label(name string) {
	b.lines = append(b.lines, name+":")
}

// Emit appends one instruction line: a mnemonic followed by comma-separated
// operands, e.g. Emit("add", "eax", "ebx") -> "add eax, ebx".
func (b *Builder) Emit(mnemonic string, operands ...string) {
	if len(operands) == 0 {
		b.lines = append(b.lines, mnemonic)
		return
	}
	b.lines = append(b.lines, fmt.Sprintf("%s %s", mnemonic, strings.Join(operands, ", ")))
}

// Comment appends a standalone comment line.
func (b *Builder) Comment(format string, args ...interface{}) {
	b.lines = append(b.lines, "; "+fmt.Sprintf(format, args...))
}

// Raw appends an already-formatted line verbatim, used to splice one
// Builder's output into another (e.g. a function body lowered separately
// from its prologue/epilogue, once frame size is known).
func (b *Builder) Raw(line string) {
	b.lines = append(b.lines, line)
}

// Lines returns the accumulated lines, in emission order.
func (b *Builder) Lines() []string {
	return b.lines
}

// String returns the accumulated assembly text, one instruction/label/
// comment per line, ready for the Assembler to parse.
func (b *Builder) String() string {
	return strings.Join(b.lines, "\n") + "\n"
}

// Format pretty-prints assembly text for debug output (spec §4.3: "need not
// be preserved to disk except for debugging"). It is never called on the
// path from Lowerer to Assembler — only by cmd/watc's -dump-asm flag —
// so a formatting failure never blocks compilation; callers should fall
// back to the unformatted text on error.
func Format(src string) (string, error) {
	out, err := asmfmt.Format(strings.NewReader(src))
	if err != nil {
		return "", fmt.Errorf("asmtext: format: %w", err)
	}
	return string(out), nil
}
