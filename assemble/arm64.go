package assemble

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/tetratelabs/watnative/diag"
)

// assembleARM64 encodes the fixed-4-byte-per-instruction ARM64 dialect
// lower/arm64.go emits, per spec §4.2.4's bit-field layouts. Every
// instruction is exactly one word, so sizeOf never varies — pass 1 only
// needs to track labels.
func assembleARM64(lines []line) ([]byte, error) {
	return twoPass(lines, func(line) (int, error) { return 4, nil }, arm64Encode)
}

var arm64Cond = map[string]uint32{
	"eq": 0, "ne": 1, "cs": 2, "hs": 2, "cc": 3, "lo": 3, "mi": 4, "pl": 5,
	"vs": 6, "vc": 7, "hi": 8, "ls": 9, "ge": 10, "lt": 11, "gt": 12, "le": 13,
	"al": 14, "nv": 15,
}

func arm64InvertCond(c uint32) uint32 { return c ^ 1 }

func arm64Encode(ln line, syms symtab, pos int) ([]byte, error) {
	loc := linef(ln.no)
	ops := ln.operands
	word, err := arm64EncodeWord(ln.mnemonic, ops, syms, pos, loc)
	if err != nil {
		return nil, err
	}
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, word)
	return b, nil
}

func arm64EncodeWord(mnem string, ops []string, syms symtab, pos int, loc string) (uint32, error) {
	switch {
	case mnem == "ret":
		rn := uint32(30)
		if len(ops) == 1 {
			idx, _, err := arm64Reg(ops[0], loc)
			if err != nil {
				return 0, err
			}
			rn = uint32(idx)
		}
		return 0xD65F0000 | rn<<5, nil
	case mnem == "nop":
		return 0xD503201F, nil
	case mnem == "blr":
		idx, _, err := arm64Reg(ops[0], loc)
		if err != nil {
			return 0, err
		}
		return 0xD63F0000 | uint32(idx)<<5, nil
	case mnem == "br":
		idx, _, err := arm64Reg(ops[0], loc)
		if err != nil {
			return 0, err
		}
		return 0xD61F0000 | uint32(idx)<<5, nil
	case mnem == "brk":
		imm, ok := arm64Imm(ops[0])
		if !ok {
			return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "brk wants an immediate"}
		}
		return 0xD4200000 | (uint32(imm)&0xFFFF)<<5, nil
	case mnem == "b":
		return arm64Branch(ops[0], syms, pos, loc)
	case strings.HasPrefix(mnem, "b."):
		cond, ok := arm64Cond[mnem[2:]]
		if !ok {
			return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: fmt.Sprintf("unknown condition %q", mnem[2:])}
		}
		imm19, err := arm64PCRelImm(ops[0], syms, pos, loc, 19)
		if err != nil {
			return 0, err
		}
		return 0x54000000 | (uint32(imm19)&0x7FFFF)<<5 | cond, nil
	case mnem == "bl":
		off, err := resolveLabel(syms, loc, ops[0])
		if err != nil {
			return 0, err
		}
		imm26 := (off - pos) / 4
		if err := checkSigned(imm26, 26, loc); err != nil {
			return 0, err
		}
		return 0x94000000 | uint32(imm26)&0x3FFFFFF, nil
	case mnem == "cbz" || mnem == "cbnz":
		rt, is64, err := arm64Reg(ops[0], loc)
		if err != nil {
			return 0, err
		}
		imm19, err := arm64PCRelImm(ops[1], syms, pos, loc, 19)
		if err != nil {
			return 0, err
		}
		op := uint32(0)
		if mnem == "cbnz" {
			op = 1
		}
		return sfBit(is64)<<31 | 0x1A<<25 | op<<24 | (uint32(imm19)&0x7FFFF)<<5 | uint32(rt), nil
	case mnem == "mov":
		return arm64Mov(ops, loc)
	case mnem == "add" || mnem == "sub":
		return arm64AddSub(mnem, ops, loc)
	case mnem == "and" || mnem == "orr" || mnem == "eor":
		return arm64Logical(mnem, ops, loc)
	case mnem == "mul":
		return arm64Mul(ops, loc)
	case mnem == "msub":
		return arm64Msub(ops, loc)
	case mnem == "sdiv" || mnem == "udiv":
		return arm64DataProc2(mnem, ops, loc)
	case mnem == "lsl" || mnem == "lsr" || mnem == "asr" || mnem == "ror":
		return arm64ShiftReg(mnem, ops, loc)
	case mnem == "clz" || mnem == "rbit":
		return arm64DataProc1(mnem, ops, loc)
	case mnem == "neg":
		return arm64Neg(ops, loc)
	case mnem == "cmp":
		return arm64Cmp(ops, loc)
	case mnem == "csel":
		return arm64Csel(ops, loc)
	case mnem == "cset":
		return arm64Cset(ops, loc)
	case mnem == "adrp":
		return arm64Adrp(ops, syms, loc)
	case mnem == "sxtb" || mnem == "sxth" || mnem == "sxtw":
		return arm64Sbfm(mnem, ops, loc)
	case mnem == "ldp" || mnem == "stp":
		return arm64LdpStp(mnem, ops, loc)
	case mnem == "ldr" || mnem == "str" || mnem == "ldrb" || mnem == "strb" ||
		mnem == "ldrh" || mnem == "strh" || mnem == "ldrsb" || mnem == "ldrsh" || mnem == "ldrsw":
		return arm64LdrStr(mnem, ops, loc)
	default:
		return 0, &diag.Error{Kind: diag.UnsupportedOpcode, Location: loc, Message: fmt.Sprintf("unsupported arm64 mnemonic %q", mnem)}
	}
}

func sfBit(is64 bool) uint32 {
	if is64 {
		return 1
	}
	return 0
}

// arm64Reg parses a register operand ("w3", "x29", "sp", "lr", ...).
func arm64Reg(s, loc string) (idx int, is64 bool, err error) {
	idx, is64, ok := lookupARM64Reg(strings.TrimSpace(s))
	if !ok {
		return 0, false, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: fmt.Sprintf("not an arm64 register: %q", s)}
	}
	return idx, is64, nil
}

func arm64Imm(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "#") {
		return 0, false
	}
	v, err := strconv.ParseInt(s[1:], 0, 64)
	return v, err == nil
}

func checkSigned(v, bits int, loc string) error {
	lim := int64(1) << uint(bits-1)
	if int64(v) < -lim || int64(v) >= lim {
		return &diag.Error{Kind: diag.EncodingOutOfRange, Location: loc,
			Message: fmt.Sprintf("value %d does not fit in a signed %d-bit field", v, bits),
			HasRange: true, WantLow: -lim, WantHigh: lim - 1, HaveRange: int64(v)}
	}
	return nil
}

// arm64Branch encodes unconditional B (spec §4.2.4: PC-relative from the
// address of the branching instruction itself, not PC+8 as ARM32 uses).
func arm64Branch(target string, syms symtab, pos int, loc string) (uint32, error) {
	off, err := resolveLabel(syms, loc, target)
	if err != nil {
		return 0, err
	}
	imm26 := (off - pos) / 4
	if err := checkSigned(imm26, 26, loc); err != nil {
		return 0, err
	}
	return 0x14000000 | uint32(imm26)&0x3FFFFFF, nil
}

func arm64PCRelImm(target string, syms symtab, pos int, loc string, bits int) (int, error) {
	off, err := resolveLabel(syms, loc, target)
	if err != nil {
		return 0, err
	}
	imm := (off - pos) / 4
	if err := checkSigned(imm, bits, loc); err != nil {
		return 0, err
	}
	return imm, nil
}

func arm64Mov(ops []string, loc string) (uint32, error) {
	if len(ops) != 2 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "mov takes two operands"}
	}
	rd, is64, err := arm64Reg(ops[0], loc)
	if err != nil {
		return 0, err
	}
	if imm, ok := arm64Imm(ops[1]); ok {
		if imm < 0 || imm > 0xFFFF {
			return 0, &diag.Error{Kind: diag.EncodingOutOfRange, Location: loc, Message: "mov immediate must fit in 16 bits (movz only, no shifted mov)"}
		}
		return sfBit(is64)<<31 | 0x2<<29 | 0x25<<23 | uint32(imm)<<5 | uint32(rd), nil
	}
	rm, _, err := arm64Reg(ops[1], loc)
	if err != nil {
		return 0, err
	}
	// mov (register) = orr Rd, zr, Rm
	return sfBit(is64)<<31 | 0x1<<29 | 0x0A<<24 | uint32(rm)<<16 | 31<<5 | uint32(rd), nil
}

// arm64AddSub encodes ADD/SUB, both register (shifted) and immediate forms.
func arm64AddSub(mnem string, ops []string, loc string) (uint32, error) {
	if len(ops) != 3 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: mnem + " takes three operands"}
	}
	rd, is64, err := arm64Reg(ops[0], loc)
	if err != nil {
		return 0, err
	}
	rn, _, err := arm64Reg(ops[1], loc)
	if err != nil {
		return 0, err
	}
	op := uint32(0)
	if mnem == "sub" {
		op = 1
	}
	if imm, ok := arm64Imm(ops[2]); ok {
		if imm < 0 || imm > 0xFFF {
			return 0, &diag.Error{Kind: diag.EncodingOutOfRange, Location: loc, Message: "add/sub immediate must fit in 12 bits"}
		}
		return sfBit(is64)<<31 | op<<30 | 0x22<<23 | uint32(imm)<<10 | uint32(rn)<<5 | uint32(rd), nil
	}
	if strings.HasPrefix(strings.TrimSpace(ops[2]), ":lo12:") {
		// Page-offset relocation folds to 0 (spec: relocations out of scope).
		return sfBit(is64)<<31 | op<<30 | 0x22<<23 | uint32(rn)<<5 | uint32(rd), nil
	}
	rm, _, err := arm64Reg(ops[2], loc)
	if err != nil {
		return 0, err
	}
	return sfBit(is64)<<31 | op<<30 | 0x0B<<24 | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rd), nil
}

func arm64Logical(mnem string, ops []string, loc string) (uint32, error) {
	if len(ops) != 3 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: mnem + " takes three operands"}
	}
	rd, is64, err := arm64Reg(ops[0], loc)
	if err != nil {
		return 0, err
	}
	rn, _, err := arm64Reg(ops[1], loc)
	if err != nil {
		return 0, err
	}
	rm, _, err := arm64Reg(ops[2], loc)
	if err != nil {
		return 0, err
	}
	opc := map[string]uint32{"and": 0, "orr": 1, "eor": 2}[mnem]
	return sfBit(is64)<<31 | opc<<29 | 0x0A<<24 | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rd), nil
}

func arm64Mul(ops []string, loc string) (uint32, error) {
	if len(ops) != 3 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "mul takes three operands"}
	}
	rd, is64, err := arm64Reg(ops[0], loc)
	if err != nil {
		return 0, err
	}
	rn, _, err := arm64Reg(ops[1], loc)
	if err != nil {
		return 0, err
	}
	rm, _, err := arm64Reg(ops[2], loc)
	if err != nil {
		return 0, err
	}
	return sfBit(is64)<<31 | 0x1B<<24 | uint32(rm)<<16 | 31<<10 | uint32(rn)<<5 | uint32(rd), nil
}

func arm64Msub(ops []string, loc string) (uint32, error) {
	if len(ops) != 4 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "msub takes four operands"}
	}
	rd, is64, err := arm64Reg(ops[0], loc)
	if err != nil {
		return 0, err
	}
	rn, _, err := arm64Reg(ops[1], loc)
	if err != nil {
		return 0, err
	}
	rm, _, err := arm64Reg(ops[2], loc)
	if err != nil {
		return 0, err
	}
	ra, _, err := arm64Reg(ops[3], loc)
	if err != nil {
		return 0, err
	}
	return sfBit(is64)<<31 | 0x1B<<24 | uint32(rm)<<16 | 1<<15 | uint32(ra)<<10 | uint32(rn)<<5 | uint32(rd), nil
}

func arm64DataProc2(mnem string, ops []string, loc string) (uint32, error) {
	if len(ops) != 3 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: mnem + " takes three operands"}
	}
	rd, is64, err := arm64Reg(ops[0], loc)
	if err != nil {
		return 0, err
	}
	rn, _, err := arm64Reg(ops[1], loc)
	if err != nil {
		return 0, err
	}
	rm, _, err := arm64Reg(ops[2], loc)
	if err != nil {
		return 0, err
	}
	opcode := uint32(0x03) // sdiv
	if mnem == "udiv" {
		opcode = 0x02
	}
	return sfBit(is64)<<31 | 0xD6<<21 | uint32(rm)<<16 | opcode<<10 | uint32(rn)<<5 | uint32(rd), nil
}

func arm64ShiftReg(mnem string, ops []string, loc string) (uint32, error) {
	if len(ops) != 3 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: mnem + " takes three operands"}
	}
	rd, is64, err := arm64Reg(ops[0], loc)
	if err != nil {
		return 0, err
	}
	rn, _, err := arm64Reg(ops[1], loc)
	if err != nil {
		return 0, err
	}
	rm, _, err := arm64Reg(ops[2], loc)
	if err != nil {
		return 0, err
	}
	opcode := map[string]uint32{"lsl": 0x08, "lsr": 0x09, "asr": 0x0A, "ror": 0x0B}[mnem]
	return sfBit(is64)<<31 | 0xD6<<21 | uint32(rm)<<16 | opcode<<10 | uint32(rn)<<5 | uint32(rd), nil
}

func arm64DataProc1(mnem string, ops []string, loc string) (uint32, error) {
	if len(ops) != 2 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: mnem + " takes two operands"}
	}
	rd, is64, err := arm64Reg(ops[0], loc)
	if err != nil {
		return 0, err
	}
	rn, _, err := arm64Reg(ops[1], loc)
	if err != nil {
		return 0, err
	}
	opcode := map[string]uint32{"rbit": 0x00, "clz": 0x04}[mnem]
	return sfBit(is64)<<31 | 1<<30 | 0xD6<<21 | opcode<<10 | uint32(rn)<<5 | uint32(rd), nil
}

func arm64Neg(ops []string, loc string) (uint32, error) {
	if len(ops) != 2 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "neg takes two operands"}
	}
	rd, is64, err := arm64Reg(ops[0], loc)
	if err != nil {
		return 0, err
	}
	rm, _, err := arm64Reg(ops[1], loc)
	if err != nil {
		return 0, err
	}
	return sfBit(is64)<<31 | 1<<30 | 0x0B<<24 | uint32(rm)<<16 | 31<<5 | uint32(rd), nil
}

func arm64Cmp(ops []string, loc string) (uint32, error) {
	if len(ops) != 2 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "cmp takes two operands"}
	}
	rn, is64, err := arm64Reg(ops[0], loc)
	if err != nil {
		return 0, err
	}
	if imm, ok := arm64Imm(ops[1]); ok {
		if imm < 0 || imm > 0xFFF {
			return 0, &diag.Error{Kind: diag.EncodingOutOfRange, Location: loc, Message: "cmp immediate must fit in 12 bits"}
		}
		return sfBit(is64)<<31 | 1<<30 | 1<<29 | 0x22<<23 | uint32(imm)<<10 | uint32(rn)<<5 | 31, nil
	}
	rm, _, err := arm64Reg(ops[1], loc)
	if err != nil {
		return 0, err
	}
	return sfBit(is64)<<31 | 1<<30 | 1<<29 | 0x0B<<24 | uint32(rm)<<16 | uint32(rn)<<5 | 31, nil
}

func arm64Csel(ops []string, loc string) (uint32, error) {
	if len(ops) != 4 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "csel takes four operands"}
	}
	rd, is64, err := arm64Reg(ops[0], loc)
	if err != nil {
		return 0, err
	}
	rn, _, err := arm64Reg(ops[1], loc)
	if err != nil {
		return 0, err
	}
	rm, _, err := arm64Reg(ops[2], loc)
	if err != nil {
		return 0, err
	}
	cond, ok := arm64Cond[strings.TrimSpace(ops[3])]
	if !ok {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: fmt.Sprintf("unknown condition %q", ops[3])}
	}
	return sfBit(is64)<<31 | 0xD4<<21 | uint32(rm)<<16 | cond<<12 | uint32(rn)<<5 | uint32(rd), nil
}

// arm64Cset encodes CSET Rd, cond as its CSINC Rd, zr, zr, invert(cond) alias.
func arm64Cset(ops []string, loc string) (uint32, error) {
	if len(ops) != 2 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "cset takes two operands"}
	}
	rd, is64, err := arm64Reg(ops[0], loc)
	if err != nil {
		return 0, err
	}
	cond, ok := arm64Cond[strings.TrimSpace(ops[1])]
	if !ok {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: fmt.Sprintf("unknown condition %q", ops[1])}
	}
	inv := arm64InvertCond(cond)
	return sfBit(is64)<<31 | 0xD4<<21 | 31<<16 | inv<<12 | 1<<10 | 31<<5 | uint32(rd), nil
}

// arm64Adrp has no relocation machinery (spec: relocations are out of
// scope), so the page-relative immediate is always emitted as zero; the
// symbol name is accepted but only used for error messages.
func arm64Adrp(ops []string, syms symtab, loc string) (uint32, error) {
	if len(ops) != 2 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "adrp takes two operands"}
	}
	rd, _, err := arm64Reg(ops[0], loc)
	if err != nil {
		return 0, err
	}
	return 1<<31 | 0x10<<24 | uint32(rd), nil
}

func arm64Sbfm(mnem string, ops []string, loc string) (uint32, error) {
	if len(ops) != 2 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: mnem + " takes two operands"}
	}
	rd, is64, err := arm64Reg(ops[0], loc)
	if err != nil {
		return 0, err
	}
	rn, _, err := arm64Reg(ops[1], loc)
	if err != nil {
		return 0, err
	}
	imms := map[string]uint32{"sxtb": 7, "sxth": 15, "sxtw": 31}[mnem]
	return sfBit(is64)<<31 | 0x26<<23 | 1<<22 | imms<<10 | uint32(rn)<<5 | uint32(rd), nil
}

func arm64LdpStp(mnem string, ops []string, loc string) (uint32, error) {
	if len(ops) != 3 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: mnem + " takes three operands"}
	}
	rt, is64, err := arm64Reg(ops[0], loc)
	if err != nil {
		return 0, err
	}
	rt2, _, err := arm64Reg(ops[1], loc)
	if err != nil {
		return 0, err
	}
	mem, err := parseARM64Mem(ops[2], loc)
	if err != nil {
		return 0, err
	}
	scale := 4
	opc := uint32(0)
	if is64 {
		scale = 8
		opc = 2
	}
	if mem.imm%int64(scale) != 0 {
		return 0, &diag.Error{Kind: diag.EncodingOutOfRange, Location: loc, Message: mnem + " offset must be a multiple of the access size"}
	}
	imm7 := mem.imm / int64(scale)
	if err := checkSigned(int(imm7), 7, loc); err != nil {
		return 0, err
	}
	l := uint32(0)
	if mnem == "ldp" {
		l = 1
	}
	return opc<<30 | 0x5<<27 | 0x2<<23 | l<<22 | (uint32(imm7)&0x7F)<<15 | uint32(rt2)<<10 | uint32(mem.base)<<5 | uint32(rt), nil
}

func arm64LdrStr(mnem string, ops []string, loc string) (uint32, error) {
	if len(ops) != 2 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: mnem + " takes two operands"}
	}
	rt, is64, err := arm64Reg(ops[0], loc)
	if err != nil {
		return 0, err
	}
	mem, err := parseARM64Mem(ops[1], loc)
	if err != nil {
		return 0, err
	}
	if mem.hasReg {
		// Register-offset form (used by call_indirect's table lookup):
		// size 111 0 00 01 1 Rm 011 1 10 Rn Rt (load form, option LSL,
		// S=1), always LSL by the access size.
		size := uint32(2)
		if is64 {
			size = 3
		}
		return size<<30 | 0x1C5<<21 | uint32(mem.reg)<<16 | 0x3<<13 | 1<<12 | 0x2<<10 | uint32(mem.base)<<5 | uint32(rt), nil
	}
	var size, opc uint32
	switch mnem {
	case "str":
		size, opc = boolSize(is64), 0
	case "ldr":
		size, opc = boolSize(is64), 1
	case "strb":
		size, opc = 0, 0
	case "ldrb":
		size, opc = 0, 1
	case "strh":
		size, opc = 1, 0
	case "ldrh":
		size, opc = 1, 1
	case "ldrsb":
		size, opc = 0, signExtendOpc(is64)
	case "ldrsh":
		size, opc = 1, signExtendOpc(is64)
	case "ldrsw":
		size, opc = 2, 2
	}
	scale := 1 << size
	if mem.imm%int64(scale) != 0 {
		return 0, &diag.Error{Kind: diag.EncodingOutOfRange, Location: loc, Message: mnem + " offset must be a multiple of the access size"}
	}
	imm12 := mem.imm / int64(scale)
	if imm12 < 0 || imm12 > 0xFFF {
		return 0, &diag.Error{Kind: diag.EncodingOutOfRange, Location: loc, Message: mnem + " offset does not fit in imm12"}
	}
	return size<<30 | 0x39<<24 | opc<<22 | uint32(imm12)<<10 | uint32(mem.base)<<5 | uint32(rt), nil
}

func boolSize(is64 bool) uint32 {
	if is64 {
		return 3
	}
	return 2
}

func signExtendOpc(dst64 bool) uint32 {
	if dst64 {
		return 2
	}
	return 3
}

// arm64Mem is a decoded "[base]" / "[base, #imm]" / "[base, :lo12:sym]" /
// "[base, reg, lsl #n]" memory operand.
type arm64Mem struct {
	base   int
	imm    int64
	hasReg bool
	reg    int
}

func parseARM64Mem(s, loc string) (arm64Mem, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return arm64Mem{}, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: fmt.Sprintf("malformed memory operand %q", s)}
	}
	inner := s[1 : len(s)-1]
	parts := strings.Split(inner, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	base, _, err := arm64Reg(parts[0], loc)
	if err != nil {
		return arm64Mem{}, err
	}
	mem := arm64Mem{base: base}
	if len(parts) < 2 {
		return mem, nil
	}
	second := parts[1]
	switch {
	case strings.HasPrefix(second, "#"):
		v, ok := arm64Imm(second)
		if !ok {
			return arm64Mem{}, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: fmt.Sprintf("malformed immediate %q", second)}
		}
		mem.imm = v
	case strings.HasPrefix(second, ":lo12:"):
		// Page-offset relocation folds to zero (spec: relocations out of scope).
		mem.imm = 0
	default:
		reg, _, err := arm64Reg(second, loc)
		if err != nil {
			return arm64Mem{}, err
		}
		mem.hasReg = true
		mem.reg = reg
	}
	return mem, nil
}
