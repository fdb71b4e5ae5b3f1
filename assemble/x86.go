package assemble

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tetratelabs/watnative/diag"
)

// x86Width is the architecture's default operand width: 64 for amd64 (the
// only one of the three that ever emits a REX prefix), 32 for x86_32, 16
// for x86_16. Every mnemonic's actual operand width is read off its
// register operands, per spec §4.2.3: "32-bit and 16-bit must NOT emit a
// REX prefix... an emitted 0x48 byte in 16/32-bit output is a bug."
type x86Width int

const (
	x86Width16 x86Width = 16
	x86Width32 x86Width = 32
	x86Width64 x86Width = 64
)

// x86 addressing uses one uniform ModRM/SIB encoder across all three
// widths, including x86_16: real 8086 addressing can only combine BX/BP
// with SI/DI, which cannot express this module's frame layout (arbitrary
// registers as spill bases). This module instead targets a 386+ CPU
// running 16-bit code and addresses memory with the 32-bit-style SIB
// encoding via the address-size override prefix (0x67) — the same trick
// real 16-bit boot/real-mode code uses to get a usable register file.
const addressSizeOverride = 0x67

func assembleX86(lines []line, width x86Width) ([]byte, error) {
	enc := &x86Encoder{width: width}
	return twoPass(lines,
		func(ln line) (int, error) { return enc.encode(ln, nil, 0, true) },
		func(ln line, syms symtab, pos int) ([]byte, error) {
			n, err := enc.encode(ln, syms, pos, false)
			if err != nil {
				return nil, err
			}
			return enc.out, intToErr(n, len(enc.out))
		})
}

func intToErr(want, got int) error {
	if want != got {
		return &diag.Error{Kind: diag.PassMismatch, Message: fmt.Sprintf("sized %d bytes but encoded %d", want, got)}
	}
	return nil
}

type x86Encoder struct {
	width x86Width
	out   []byte
}

// memRe parses the bracket contents of a memory operand: an optional base
// (register name or a bare external symbol), an optional "+index[*scale]",
// and an optional trailing signed displacement (spec §4.2.5 register
// parsing, applied to the address-computation operands the lower package
// emits: "[rbp-48]", "[r11+eax+12]", "[__watnative_table+eax*8]").
var memRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)?(?:\+([A-Za-z_][A-Za-z0-9_]*)(?:\*(\d+))?)?([+-]\d+)?$`)

type x86Mem struct {
	base     string // "" if none (bare symbol or absolute disp only)
	baseSym  bool   // base names an external symbol, not a register
	index    string
	scale    int
	disp     int32
	hasIndex bool
}

func parseX86Mem(s string) (x86Mem, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return x86Mem{}, fmt.Errorf("not a memory operand: %q", s)
	}
	inner := strings.ReplaceAll(s[1:len(s)-1], " ", "")
	m := memRe.FindStringSubmatch(inner)
	if m == nil {
		return x86Mem{}, fmt.Errorf("malformed memory operand: %q", s)
	}
	mem := x86Mem{base: m[1], index: m[2], scale: 1}
	if _, ok := lookupX86Reg(mem.base); !ok && mem.base != "" {
		mem.baseSym = true
	}
	if m[2] != "" {
		mem.hasIndex = true
		if m[3] != "" {
			sc, _ := strconv.Atoi(m[3])
			mem.scale = sc
		}
	}
	if m[4] != "" {
		d, _ := strconv.ParseInt(m[4], 10, 32)
		mem.disp = int32(d)
	}
	return mem, nil
}

// resolveDisp folds a memory operand's symbolic base/index (an external
// data symbol not defined as a code label, e.g. a global or the memory
// base) into the displacement. Resolving the address of such a symbol
// against a relocation table is explicitly out of scope (spec §1
// Non-goals: "relocations/dynamic linking"); a defined label resolves to
// its offset, anything else folds in as a zero placeholder.
func resolveDisp(mem x86Mem, syms symtab, loc string) (base string, hasBase bool, disp int32) {
	disp = mem.disp
	if mem.base == "" {
		return "", false, disp
	}
	if mem.baseSym {
		if syms != nil {
			if off, ok := syms[mem.base]; ok {
				disp += int32(off)
			}
		}
		return "", false, disp
	}
	return mem.base, true, disp
}

// encode sizes or encodes one line. When sizing is true, only the byte
// count is returned (syms is nil, labels unresolved); the instruction is
// still fully parsed so a malformed line is caught in pass 1.
func (e *x86Encoder) encode(ln line, syms symtab, pos int, sizing bool) (int, error) {
	e.out = e.out[:0]
	loc := linef(ln.no)
	ops := ln.operands
	switch ln.mnemonic {
	case "ret":
		e.emit(0xC3)
	case "nop":
		e.emit(0x90)
	case "ud2":
		e.emit(0x0F, 0x0B)
	case "cdq":
		e.emit(0x99)
	case "cwd":
		e.emit(0x99)
	case "cqo":
		e.rex(true, false, false, false)
		e.emit(0x99)
	case "push":
		return e.pushPop(0x50, ops, loc)
	case "pop":
		return e.pushPop(0x58, ops, loc)
	case "call":
		return e.callOrJmp(0xE8, ops, syms, pos, loc, sizing)
	case "jmp":
		return e.callOrJmp(0xE9, ops, syms, pos, loc, sizing)
	case "je", "jz":
		return e.jcc(0x84, ops, syms, pos, loc, sizing)
	case "jne", "jnz":
		return e.jcc(0x85, ops, syms, pos, loc, sizing)
	case "jl":
		return e.jcc(0x8C, ops, syms, pos, loc, sizing)
	case "jg":
		return e.jcc(0x8F, ops, syms, pos, loc, sizing)
	case "jle":
		return e.jcc(0x8E, ops, syms, pos, loc, sizing)
	case "jge":
		return e.jcc(0x8D, ops, syms, pos, loc, sizing)
	case "mov":
		return e.mov(ops, syms, loc)
	case "movzx":
		return e.movx(ops, loc, false)
	case "movsx":
		return e.movx(ops, loc, true)
	case "movsxd":
		return e.movsxd(ops, loc)
	case "add":
		return e.aluOrShift(0x01, 0, ops, loc)
	case "or":
		return e.aluOrShift(0x09, 1, ops, loc)
	case "and":
		return e.aluOrShift(0x21, 4, ops, loc)
	case "sub":
		return e.aluOrShift(0x29, 5, ops, loc)
	case "xor":
		return e.aluOrShift(0x31, 6, ops, loc)
	case "cmp":
		return e.aluOrShift(0x39, 7, ops, loc)
	case "imul":
		return e.imul(ops, loc)
	case "shl":
		return e.shift(4, ops, loc)
	case "sar":
		return e.shift(7, ops, loc)
	case "shr":
		return e.shift(5, ops, loc)
	case "rol":
		return e.shift(0, ops, loc)
	case "ror":
		return e.shift(1, ops, loc)
	case "div":
		return e.divIdiv(6, ops, loc)
	case "idiv":
		return e.divIdiv(7, ops, loc)
	case "lzcnt":
		return e.bitscan(0xF3, 0xBD, ops, loc)
	case "tzcnt":
		return e.bitscan(0xF3, 0xBC, ops, loc)
	case "popcnt":
		return e.bitscan(0xF3, 0xB8, ops, loc)
	case "cmove":
		return e.cmov(0x44, ops, loc)
	case "cmovne":
		return e.cmov(0x45, ops, loc)
	case "sete", "setne", "setl", "setb", "setg", "seta", "setle", "setbe", "setge", "setae":
		return e.setcc(ln.mnemonic, ops, loc)
	default:
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: fmt.Sprintf("unrecognized mnemonic %q", ln.mnemonic)}
	}
	return len(e.out), nil
}

func (e *x86Encoder) emit(b ...byte) { e.out = append(e.out, b...) }

// rex appends a REX prefix iff this is the amd64 encoder and any of w/r/x/b
// is set; on x86_32/x86_16 it never emits anything (spec §4.2.3's hard
// requirement).
func (e *x86Encoder) rex(w, r, x, b bool) {
	if e.width != x86Width64 {
		return
	}
	if !w && !r && !x && !b {
		return
	}
	var v byte = 0x40
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	e.emit(v)
}

func regOf(name string, loc string) (x86Reg, error) {
	r, ok := lookupX86Reg(name)
	if !ok {
		return x86Reg{}, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: fmt.Sprintf("unrecognized register %q", name)}
	}
	return r, nil
}

func modrmByte(mod, reg, rm byte) byte { return mod<<6 | (reg&7)<<3 | (rm & 7) }

func (e *x86Encoder) pushPop(base byte, ops []string, loc string) (int, error) {
	if len(ops) != 1 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "push/pop takes exactly one register operand"}
	}
	r, err := regOf(ops[0], loc)
	if err != nil {
		return 0, err
	}
	e.rex(false, false, false, r.index >= 8)
	e.emit(base + byte(r.index&7))
	return len(e.out), nil
}

// branchDisp computes a rel32 (or a placeholder 0 during pass-1 sizing,
// since the label table is not yet complete).
func branchDisp(target string, syms symtab, instrEnd int, loc string, sizing bool) (int32, error) {
	if sizing {
		return 0, nil
	}
	off, err := resolveLabel(syms, loc, target)
	if err != nil {
		return 0, err
	}
	delta := int64(off - instrEnd)
	if delta < -(1<<31) || delta > (1<<31)-1 {
		return 0, diag.NewRange(loc, delta, -(1 << 31), (1<<31)-1, "near jump/call displacement out of range")
	}
	return int32(delta), nil
}

func (e *x86Encoder) callOrJmp(opcode byte, ops []string, syms symtab, pos int, loc string, sizing bool) (int, error) {
	if len(ops) != 1 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "call/jmp takes exactly one target operand"}
	}
	e.emit(opcode)
	disp, err := branchDisp(ops[0], syms, pos+5, loc, sizing)
	if err != nil {
		return 0, err
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(disp))
	e.emit(b[:]...)
	return len(e.out), nil
}

func (e *x86Encoder) jcc(cc byte, ops []string, syms symtab, pos int, loc string, sizing bool) (int, error) {
	if len(ops) != 1 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "conditional jump takes exactly one target operand"}
	}
	e.emit(0x0F, cc)
	disp, err := branchDisp(ops[0], syms, pos+6, loc, sizing)
	if err != nil {
		return 0, err
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(disp))
	e.emit(b[:]...)
	return len(e.out), nil
}

func isImmediate(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 0, 64)
	return v, err == nil
}

// mov handles reg<-reg, reg<-imm, reg<-mem, mem<-reg, per spec §4.2.3.
func (e *x86Encoder) mov(ops []string, syms symtab, loc string) (int, error) {
	if len(ops) != 2 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "mov takes exactly two operands"}
	}
	dst, src := ops[0], ops[1]
	if strings.HasPrefix(dst, "[") {
		// mem <- reg
		mem, err := parseX86Mem(dst)
		if err != nil {
			return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: err.Error()}
		}
		sr, err := regOf(src, loc)
		if err != nil {
			return 0, err
		}
		e.emitMemInstr(0x89, sr.width, sr.index, mem, syms, loc)
		return len(e.out), nil
	}
	if strings.HasPrefix(src, "[") {
		dr, err := regOf(dst, loc)
		if err != nil {
			return 0, err
		}
		mem, err := parseX86Mem(src)
		if err != nil {
			return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: err.Error()}
		}
		e.emitMemInstr(0x8B, dr.width, dr.index, mem, syms, loc)
		return len(e.out), nil
	}
	if imm, ok := isImmediate(src); ok {
		dr, err := regOf(dst, loc)
		if err != nil {
			return 0, err
		}
		e.operandSizePrefix(dr.width)
		e.rex(dr.width == 64, false, false, dr.index >= 8)
		e.emit(0xC7)
		e.emit(modrmByte(3, 0, byte(dr.index)))
		e.putImm(imm, dr.width)
		return len(e.out), nil
	}
	dr, err := regOf(dst, loc)
	if err != nil {
		return 0, err
	}
	sr, err := regOf(src, loc)
	if err != nil {
		return 0, err
	}
	e.operandSizePrefix(dr.width)
	e.rex(dr.width == 64, sr.index >= 8, false, dr.index >= 8)
	e.emit(0x89)
	e.emit(modrmByte(3, byte(sr.index), byte(dr.index)))
	return len(e.out), nil
}

// operandSizePrefix emits 0x66 only when a 16-bit register is named on an
// architecture whose default operand size is wider (never triggered by
// this module's own lowerers, which always match register width to the
// architecture's natural size, but kept for a hand-written 16-bit-on-amd64
// test case).
func (e *x86Encoder) operandSizePrefix(width int) {
	if width == 16 && e.width != x86Width16 {
		e.emit(0x66)
	}
}

func (e *x86Encoder) putImm(v int64, width int) {
	switch width {
	case 8:
		e.emit(byte(v))
	case 16:
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(v))
		e.emit(b[:]...)
	default:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v))
		e.emit(b[:]...)
	}
}

// emitMemInstr encodes a register<->memory instruction's ModRM/SIB/disp,
// using SIB addressing uniformly (spec §4.2.5, addressSizeOverride note
// above): rm is always 100 (SIB follows) unless there is neither a base
// nor an index at all, in which case ModRM.rm=101 with a bare disp32 is
// used instead (the "absolute address" form).
func (e *x86Encoder) emitMemInstr(opcode byte, regWidth, regIdx int, mem x86Mem, syms symtab, loc string) {
	if e.width == x86Width16 {
		e.emit(addressSizeOverride)
	}
	e.operandSizePrefix(regWidth)
	base, hasBase, disp := resolveDisp(mem, syms, loc)

	baseIdx, rexB := 0, false
	if hasBase {
		br, _ := lookupX86Reg(base)
		baseIdx, rexB = br.index, br.index >= 8
	}
	indexIdx, rexX := 4, false // 4 = "100", no index
	if mem.hasIndex {
		ir, _ := lookupX86Reg(mem.index)
		indexIdx, rexX = ir.index, ir.index >= 8
	}
	e.rex(regWidth == 64, regIdx >= 8, rexX, rexB)
	e.emit(opcode)

	if !hasBase && !mem.hasIndex {
		// Bare displacement, no base or index: mod=00, rm=101, disp32 only.
		e.emit(modrmByte(0, byte(regIdx), 5))
		e.putDisp32(disp)
		return
	}

	var mod byte
	switch {
	case !hasBase:
		mod = 0 // SIB base field 101 supplies disp32 instead of a base register
	case disp == 0 && baseIdx&7 != 5:
		mod = 0
	case disp >= -128 && disp <= 127:
		mod = 1
	default:
		mod = 2
	}
	e.emit(modrmByte(mod, byte(regIdx), 4)) // rm=100: SIB follows
	sibBase := byte(5)                      // 101 = no base register, disp32 follows in SIB form
	if hasBase {
		sibBase = byte(baseIdx & 7)
	}
	e.emit(scaleToBits(mem.scale)<<6 | byte(indexIdx&7)<<3 | sibBase)
	switch mod {
	case 0:
		if !hasBase {
			e.putDisp32(disp)
		}
	case 1:
		e.emit(byte(int8(disp)))
	case 2:
		e.putDisp32(disp)
	}
}

func (e *x86Encoder) putDisp32(disp int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(disp))
	e.emit(b[:]...)
}

func scaleToBits(scale int) byte {
	switch scale {
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	default:
		return 0
	}
}

func (e *x86Encoder) movx(ops []string, loc string, signed bool) (int, error) {
	if len(ops) != 2 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "movzx/movsx takes exactly two operands"}
	}
	dr, err := regOf(ops[0], loc)
	if err != nil {
		return 0, err
	}
	sr, err := regOf(ops[1], loc)
	if err != nil {
		return 0, err
	}
	e.rex(dr.width == 64, dr.index >= 8, false, sr.index >= 8)
	op1 := byte(0xB6)
	if signed {
		op1 = 0xBE
	}
	if sr.width == 16 {
		op1++
	}
	e.emit(0x0F, op1)
	e.emit(modrmByte(3, byte(dr.index), byte(sr.index)))
	return len(e.out), nil
}

// movsxd is MOVSXD r64, r/m32 (opcode 0x63), sign-extending a 32-bit value
// into a 64-bit register (spec §4.1.6 i64.extend_i32_s).
func (e *x86Encoder) movsxd(ops []string, loc string) (int, error) {
	if len(ops) != 2 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "movsxd takes exactly two operands"}
	}
	dr, err := regOf(ops[0], loc)
	if err != nil {
		return 0, err
	}
	sr, err := regOf(ops[1], loc)
	if err != nil {
		return 0, err
	}
	e.rex(true, dr.index >= 8, false, sr.index >= 8)
	e.emit(0x63)
	e.emit(modrmByte(3, byte(dr.index), byte(sr.index)))
	return len(e.out), nil
}

// aluOrShift handles the commutative/non-commutative ALU opcodes whose
// register form shares opcode with its ModRM-extension immediate form
// (spec §4.2.3: 0x83 8-bit-immediate vs 0x81 full-width-immediate).
func (e *x86Encoder) aluOrShift(regOpcode byte, ext byte, ops []string, loc string) (int, error) {
	if len(ops) != 2 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "binary ALU op takes exactly two operands"}
	}
	dr, err := regOf(ops[0], loc)
	if err != nil {
		return 0, err
	}
	if imm, ok := isImmediate(ops[1]); ok {
		e.operandSizePrefix(dr.width)
		e.rex(dr.width == 64, false, false, dr.index >= 8)
		if imm >= -128 && imm <= 127 {
			e.emit(0x83)
			e.emit(modrmByte(3, ext, byte(dr.index)))
			e.emit(byte(int8(imm)))
		} else {
			e.emit(0x81)
			e.emit(modrmByte(3, ext, byte(dr.index)))
			e.putImm(imm, dr.width)
		}
		return len(e.out), nil
	}
	sr, err := regOf(ops[1], loc)
	if err != nil {
		return 0, err
	}
	e.operandSizePrefix(dr.width)
	e.rex(dr.width == 64, sr.index >= 8, false, dr.index >= 8)
	e.emit(regOpcode)
	e.emit(modrmByte(3, byte(sr.index), byte(dr.index)))
	return len(e.out), nil
}

// imul is the two-operand form IMUL r, r/m (0F AF /r), reg field is the
// destination (opposite operand order from the single-byte ALU opcodes).
func (e *x86Encoder) imul(ops []string, loc string) (int, error) {
	if len(ops) != 2 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "imul takes exactly two operands"}
	}
	dr, err := regOf(ops[0], loc)
	if err != nil {
		return 0, err
	}
	sr, err := regOf(ops[1], loc)
	if err != nil {
		return 0, err
	}
	e.operandSizePrefix(dr.width)
	e.rex(dr.width == 64, dr.index >= 8, false, sr.index >= 8)
	e.emit(0x0F, 0xAF)
	e.emit(modrmByte(3, byte(dr.index), byte(sr.index)))
	return len(e.out), nil
}

// shift encodes the 0xD3 /ext form (shift/rotate count in CL, spec
// §4.1.6 "Shift amount is taken modulo the width").
func (e *x86Encoder) shift(ext byte, ops []string, loc string) (int, error) {
	if len(ops) != 2 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "shift op takes exactly two operands"}
	}
	dr, err := regOf(ops[0], loc)
	if err != nil {
		return 0, err
	}
	e.operandSizePrefix(dr.width)
	e.rex(dr.width == 64, false, false, dr.index >= 8)
	e.emit(0xD3)
	e.emit(modrmByte(3, ext, byte(dr.index)))
	return len(e.out), nil
}

func (e *x86Encoder) divIdiv(ext byte, ops []string, loc string) (int, error) {
	if len(ops) != 1 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "div/idiv takes exactly one operand"}
	}
	dr, err := regOf(ops[0], loc)
	if err != nil {
		return 0, err
	}
	e.operandSizePrefix(dr.width)
	e.rex(dr.width == 64, false, false, dr.index >= 8)
	e.emit(0xF7)
	e.emit(modrmByte(3, ext, byte(dr.index)))
	return len(e.out), nil
}

func (e *x86Encoder) bitscan(mandatoryPrefix, op2 byte, ops []string, loc string) (int, error) {
	if len(ops) != 2 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "bit-scan op takes exactly two operands"}
	}
	dr, err := regOf(ops[0], loc)
	if err != nil {
		return 0, err
	}
	sr, err := regOf(ops[1], loc)
	if err != nil {
		return 0, err
	}
	e.emit(mandatoryPrefix)
	e.operandSizePrefix(dr.width)
	e.rex(dr.width == 64, dr.index >= 8, false, sr.index >= 8)
	e.emit(0x0F, op2)
	e.emit(modrmByte(3, byte(dr.index), byte(sr.index)))
	return len(e.out), nil
}

func (e *x86Encoder) cmov(cc byte, ops []string, loc string) (int, error) {
	if len(ops) != 2 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "cmov takes exactly two operands"}
	}
	dr, err := regOf(ops[0], loc)
	if err != nil {
		return 0, err
	}
	sr, err := regOf(ops[1], loc)
	if err != nil {
		return 0, err
	}
	e.operandSizePrefix(dr.width)
	e.rex(dr.width == 64, dr.index >= 8, false, sr.index >= 8)
	e.emit(0x0F, cc)
	e.emit(modrmByte(3, byte(dr.index), byte(sr.index)))
	return len(e.out), nil
}

var setccCodes = map[string]byte{
	"sete": 0x94, "setne": 0x95, "setl": 0x9C, "setb": 0x92,
	"setg": 0x9F, "seta": 0x97, "setle": 0x9E, "setbe": 0x96,
	"setge": 0x9D, "setae": 0x93,
}

func (e *x86Encoder) setcc(mnem string, ops []string, loc string) (int, error) {
	if len(ops) != 1 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "setcc takes exactly one operand"}
	}
	dr, err := regOf(ops[0], loc)
	if err != nil {
		return 0, err
	}
	e.rex(false, false, false, dr.index >= 8)
	e.emit(0x0F, setccCodes[mnem])
	e.emit(modrmByte(3, 0, byte(dr.index)))
	return len(e.out), nil
}
