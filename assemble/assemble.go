// Package assemble implements the two-pass assembler of spec §4.2: it
// parses the per-architecture assembly-text dialect asmtext emits and
// encodes it into position-correct little-endian machine code, resolving
// symbolic labels along the way. One encoder file per architecture family
// (x86_64, x86_32 and x86_16 share x86.go's variable-length encoder
// parameterized by operand-size; arm64.go and arm32.go each implement the
// fixed-4-byte ARM encoding independently since their bit-field layouts,
// branch conventions, and condition codes do not line up).
package assemble

import (
	"fmt"

	"github.com/tetratelabs/watnative/diag"
	"github.com/tetratelabs/watnative/target"
)

// Assemble encodes assembly text (spec §4.3's dialect) for the named
// architecture into machine code, per spec §4.2.2's two-pass algorithm.
func Assemble(arch target.Name, src string) ([]byte, error) {
	lines, err := lex(src)
	if err != nil {
		return nil, err
	}
	switch arch {
	case target.X86_64:
		return assembleX86(lines, x86Width64)
	case target.X86_32:
		return assembleX86(lines, x86Width32)
	case target.X86_16:
		return assembleX86(lines, x86Width16)
	case target.ARM64:
		return assembleARM64(lines)
	case target.ARM32:
		return assembleARM32(lines)
	default:
		return nil, &diag.Error{Kind: diag.AssemblyParseError, Message: fmt.Sprintf("unknown target %q", arch)}
	}
}

// symtab is the assembler's label -> byte-offset map (spec §3 "Symbol
// table"): written once during pass 1, read-only during pass 2.
type symtab map[string]int

// twoPass runs the shared pass-1/pass-2 shape every architecture encoder
// follows: size each line to compute label offsets, then re-walk the lines
// encoding bytes, asserting the invariant that the code buffer's length at
// each line matches pass 1's computed offset at that same line (spec
// §4.2.2, §8 property 1).
func twoPass(lines []line, sizeOf func(line) (int, error), encode func(line, symtab, int) ([]byte, error)) ([]byte, error) {
	syms := symtab{}
	offsets := make([]int, len(lines))
	pos := 0
	for i, ln := range lines {
		offsets[i] = pos
		if ln.label != "" {
			if _, dup := syms[ln.label]; dup {
				return nil, &diag.Error{Kind: diag.AssemblyParseError, Location: fmt.Sprintf("line %d", ln.no), Message: fmt.Sprintf("label %q redefined", ln.label)}
			}
			syms[ln.label] = pos
		}
		if ln.mnemonic == "" {
			continue
		}
		n, err := sizeOf(ln)
		if err != nil {
			return nil, err
		}
		pos += n
	}

	code := make([]byte, 0, pos)
	for i, ln := range lines {
		if len(code) != offsets[i] {
			return nil, &diag.Error{Kind: diag.PassMismatch, Location: fmt.Sprintf("line %d", ln.no),
				Message: fmt.Sprintf("pass-2 position %d disagrees with pass-1 sizing %d", len(code), offsets[i])}
		}
		if ln.mnemonic == "" {
			continue
		}
		b, err := encode(ln, syms, len(code))
		if err != nil {
			return nil, err
		}
		code = append(code, b...)
	}
	return code, nil
}

// resolveLabel looks up a label reference, or reports diag.UndefinedLabel.
func resolveLabel(syms symtab, loc, name string) (int, error) {
	off, ok := syms[name]
	if !ok {
		return 0, &diag.Error{Kind: diag.UndefinedLabel, Location: loc, Message: fmt.Sprintf("undefined label %q", name)}
	}
	return off, nil
}
