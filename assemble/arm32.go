package assemble

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"strings"

	"github.com/tetratelabs/watnative/diag"
)

// assembleARM32 encodes the fixed-4-byte A32 dialect lower/arm32.go emits.
// Condition codes live in the mnemonic itself (spec §4.2.4: "beq", "movne",
// ...) rather than as a separate suffix operand the way ARM64 spells
// "b.eq"; arm32Cond below peels it back off.
func assembleARM32(lines []line) ([]byte, error) {
	return twoPass(lines, func(line) (int, error) { return 4, nil }, arm32EncodeLine)
}

func arm32EncodeLine(ln line, syms symtab, pos int) ([]byte, error) {
	word, err := arm32EncodeWord(ln.mnemonic, ln.operands, syms, pos, linef(ln.no))
	if err != nil {
		return nil, err
	}
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, word)
	return b, nil
}

// arm32Cond reuses arm64Cond's table: the 4-bit condition field's encoding
// is identical across both architectures.
func arm32Cond(name string) (uint32, bool) {
	c, ok := arm64Cond[name]
	return c, ok
}

// arm32SplitCond peels a condition-code suffix off a mnemonic that carries
// one embedded ("beq" -> "b","eq"; "moveq" -> "mov","eq"; bare "mov"/"b" ->
// unconditional, cond AL).
func arm32SplitCond(mnem, base string) (cond uint32, ok bool) {
	if mnem == base {
		return 14, true // AL
	}
	if !strings.HasPrefix(mnem, base) {
		return 0, false
	}
	return arm32Cond(mnem[len(base):])
}

func arm32EncodeWord(mnem string, ops []string, syms symtab, pos int, loc string) (uint32, error) {
	switch {
	case mnem == "nop":
		return 0xE320F000, nil
	case mnem == "bx":
		rm, err := arm32Reg(ops[0], loc)
		if err != nil {
			return 0, err
		}
		return 0xE12FFF10 | uint32(rm), nil
	case mnem == "blx":
		rm, err := arm32Reg(ops[0], loc)
		if err != nil {
			return 0, err
		}
		return 0xE12FFF30 | uint32(rm), nil
	case mnem == "bl":
		return arm32BranchLink(ops[0], syms, pos, loc, true)
	case mnem == "push" || mnem == "pop":
		return arm32PushPop(mnem, ops, loc)
	case mnem == "udf":
		return arm32Udf(ops, loc)
	case mnem == "mul":
		return arm32Mul(ops, loc)
	case mnem == "clz":
		return arm32Clz(ops, loc)
	case mnem == "rbit":
		return arm32Rbit(ops, loc)
	case mnem == "ror":
		return arm32RorAlias(ops, loc)
	case mnem == "sxtb" || mnem == "sxth":
		return arm32Sxt(mnem, ops, loc)
	case mnem == "lsl" || mnem == "lsr" || mnem == "asr":
		return arm32ShiftAlias(mnem, ops, loc)
	case mnem == "cmp":
		return arm32Cmp(ops, loc)
	case mnem == "ldr" || mnem == "ldrb" || mnem == "ldrh" || mnem == "ldrsb" || mnem == "ldrsh" ||
		mnem == "str" || mnem == "strb" || mnem == "strh":
		return arm32LdrStr(mnem, ops, loc)
	}
	if cond, ok := arm32SplitCond(mnem, "mov"); ok {
		return arm32Mov(cond, ops, loc)
	}
	if cond, ok := arm32SplitCond(mnem, "b"); ok {
		return arm32Branch(ops[0], syms, pos, loc, cond)
	}
	switch mnem {
	case "add", "sub", "rsb", "and", "orr", "eor":
		return arm32AluOp(mnem, ops, loc)
	}
	return 0, &diag.Error{Kind: diag.UnsupportedOpcode, Location: loc, Message: fmt.Sprintf("unsupported arm32 mnemonic %q", mnem)}
}

func arm32Reg(s, loc string) (int, error) {
	idx, ok := lookupARM32Reg(strings.TrimSpace(s))
	if !ok {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: fmt.Sprintf("not an arm32 register: %q", s)}
	}
	return idx, nil
}

func arm32Imm(s string) (int64, bool) {
	return arm64Imm(s)
}

// arm32ImmEncode finds an 8-bit-rotated-by-even-amount encoding of v, the
// only immediate form ARM32 data-processing instructions support (spec
// §4.2.4); callers report diag.EncodingOutOfRange when none exists, the
// policy lower/doc.go records for ARM32 literal pools.
func arm32ImmEncode(v uint32) (rot, imm8 uint32, ok bool) {
	for r := 0; r < 16; r++ {
		rotated := bits.RotateLeft32(v, 2*r)
		if rotated <= 0xFF {
			return uint32(r), rotated, true
		}
	}
	return 0, 0, false
}

func arm32DP(cond, opcode, s, rn, rd, operand2 uint32, immForm bool) uint32 {
	i := uint32(0)
	if immForm {
		i = 1
	}
	return cond<<28 | i<<25 | opcode<<21 | s<<20 | rn<<16 | rd<<12 | operand2
}

var arm32Opcode = map[string]uint32{"add": 0x4, "sub": 0x2, "rsb": 0x3, "and": 0x0, "orr": 0xC, "eor": 0x1}

// arm32AluOp handles ADD/SUB/RSB/AND/ORR/EOR, register form (with an
// optional "lsl #n"/"lsr #n"/"asr #n" fourth operand, spec §4.2.4's shifted-
// register addressing) and immediate form.
func arm32AluOp(mnem string, ops []string, loc string) (uint32, error) {
	if len(ops) < 3 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: mnem + " takes at least three operands"}
	}
	rd, err := arm32Reg(ops[0], loc)
	if err != nil {
		return 0, err
	}
	rn, err := arm32Reg(ops[1], loc)
	if err != nil {
		return 0, err
	}
	opcode := arm32Opcode[mnem]
	if imm, ok := arm32Imm(ops[2]); ok {
		rot, imm8, ok := arm32ImmEncode(uint32(imm))
		if !ok {
			return 0, &diag.Error{Kind: diag.EncodingOutOfRange, Location: loc, Message: fmt.Sprintf("%d has no rotated-imm8 encoding", imm)}
		}
		return arm32DP(14, opcode, 0, uint32(rn), uint32(rd), rot<<8|imm8, true), nil
	}
	rm, err := arm32Reg(ops[2], loc)
	if err != nil {
		return 0, err
	}
	shiftType, shiftAmt := uint32(0), uint32(0)
	if len(ops) == 4 {
		var err error
		shiftType, shiftAmt, err = arm32ParseShift(ops[3], loc)
		if err != nil {
			return 0, err
		}
	}
	operand2 := shiftAmt<<7 | shiftType<<5 | uint32(rm)
	return arm32DP(14, opcode, 0, uint32(rn), uint32(rd), operand2, false), nil
}

func arm32ParseShift(s, loc string) (shiftType, amount uint32, err error) {
	s = strings.TrimSpace(s)
	fields := strings.SplitN(s, " ", 2)
	if len(fields) != 2 {
		return 0, 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: fmt.Sprintf("malformed shift operand %q", s)}
	}
	types := map[string]uint32{"lsl": 0, "lsr": 1, "asr": 2, "ror": 3}
	t, ok := types[strings.ToLower(fields[0])]
	if !ok {
		return 0, 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: fmt.Sprintf("unknown shift type %q", fields[0])}
	}
	v, ok := arm32Imm(strings.TrimSpace(fields[1]))
	if !ok {
		return 0, 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: fmt.Sprintf("malformed shift amount %q", fields[1])}
	}
	return t, uint32(v), nil
}

func arm32Mov(cond uint32, ops []string, loc string) (uint32, error) {
	if len(ops) != 2 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "mov takes two operands"}
	}
	rd, err := arm32Reg(ops[0], loc)
	if err != nil {
		return 0, err
	}
	if imm, ok := arm32Imm(ops[1]); ok {
		rot, imm8, ok := arm32ImmEncode(uint32(imm))
		if !ok {
			return 0, &diag.Error{Kind: diag.EncodingOutOfRange, Location: loc, Message: fmt.Sprintf("%d has no rotated-imm8 encoding", imm)}
		}
		return arm32DP(cond, 0xD, 0, 0, uint32(rd), rot<<8|imm8, true), nil
	}
	rm, err := arm32Reg(ops[1], loc)
	if err != nil {
		return 0, err
	}
	return arm32DP(cond, 0xD, 0, 0, uint32(rd), uint32(rm), false), nil
}

func arm32Cmp(ops []string, loc string) (uint32, error) {
	if len(ops) != 2 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "cmp takes two operands"}
	}
	rn, err := arm32Reg(ops[0], loc)
	if err != nil {
		return 0, err
	}
	if imm, ok := arm32Imm(ops[1]); ok {
		rot, imm8, ok := arm32ImmEncode(uint32(imm))
		if !ok {
			return 0, &diag.Error{Kind: diag.EncodingOutOfRange, Location: loc, Message: fmt.Sprintf("%d has no rotated-imm8 encoding", imm)}
		}
		return arm32DP(14, 0xA, 1, uint32(rn), 0, rot<<8|imm8, true), nil
	}
	rm, err := arm32Reg(ops[1], loc)
	if err != nil {
		return 0, err
	}
	return arm32DP(14, 0xA, 1, uint32(rn), 0, uint32(rm), false), nil
}

func arm32Mul(ops []string, loc string) (uint32, error) {
	if len(ops) != 3 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "mul takes three operands"}
	}
	rd, err := arm32Reg(ops[0], loc)
	if err != nil {
		return 0, err
	}
	rm, err := arm32Reg(ops[1], loc)
	if err != nil {
		return 0, err
	}
	rs, err := arm32Reg(ops[2], loc)
	if err != nil {
		return 0, err
	}
	return 14<<28 | uint32(rd)<<16 | uint32(rs)<<8 | 0x9<<4 | uint32(rm), nil
}

func arm32Clz(ops []string, loc string) (uint32, error) {
	if len(ops) != 2 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "clz takes two operands"}
	}
	rd, err := arm32Reg(ops[0], loc)
	if err != nil {
		return 0, err
	}
	rm, err := arm32Reg(ops[1], loc)
	if err != nil {
		return 0, err
	}
	return 14<<28 | 0x16<<20 | 0xF<<16 | uint32(rd)<<12 | 0xF<<8 | 0x1<<4 | uint32(rm), nil
}

func arm32Rbit(ops []string, loc string) (uint32, error) {
	if len(ops) != 2 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "rbit takes two operands"}
	}
	rd, err := arm32Reg(ops[0], loc)
	if err != nil {
		return 0, err
	}
	rm, err := arm32Reg(ops[1], loc)
	if err != nil {
		return 0, err
	}
	return 14<<28 | 0x6F<<20 | 0xF<<16 | uint32(rd)<<12 | 0xF<<8 | 0x3<<4 | uint32(rm), nil
}

// arm32RorAlias encodes "ror Rd, Rm, Rs" as its real form, MOV Rd, Rm, ROR Rs.
func arm32RorAlias(ops []string, loc string) (uint32, error) {
	if len(ops) != 3 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: "ror takes three operands"}
	}
	rd, err := arm32Reg(ops[0], loc)
	if err != nil {
		return 0, err
	}
	rm, err := arm32Reg(ops[1], loc)
	if err != nil {
		return 0, err
	}
	rs, err := arm32Reg(ops[2], loc)
	if err != nil {
		return 0, err
	}
	operand2 := uint32(rs)<<8 | 0x3<<5 | 1<<4 | uint32(rm)
	return arm32DP(14, 0xD, 0, 0, uint32(rd), operand2, false), nil
}

// arm32ShiftAlias encodes "lsl/lsr/asr Rd, Rn, Rm" as MOV Rd, Rn, <shift> Rm
// (register-shifted-register form), matching how lower/arm32.go emits
// shift ops through the generic binop path.
func arm32ShiftAlias(mnem string, ops []string, loc string) (uint32, error) {
	if len(ops) != 3 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: mnem + " takes three operands"}
	}
	rd, err := arm32Reg(ops[0], loc)
	if err != nil {
		return 0, err
	}
	rn, err := arm32Reg(ops[1], loc)
	if err != nil {
		return 0, err
	}
	rm, err := arm32Reg(ops[2], loc)
	if err != nil {
		return 0, err
	}
	shiftType := map[string]uint32{"lsl": 0, "lsr": 1, "asr": 2}[mnem]
	operand2 := uint32(rm)<<8 | shiftType<<5 | 1<<4 | uint32(rn)
	return arm32DP(14, 0xD, 0, 0, uint32(rd), operand2, false), nil
}

func arm32Sxt(mnem string, ops []string, loc string) (uint32, error) {
	if len(ops) != 2 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: mnem + " takes two operands"}
	}
	rd, err := arm32Reg(ops[0], loc)
	if err != nil {
		return 0, err
	}
	rm, err := arm32Reg(ops[1], loc)
	if err != nil {
		return 0, err
	}
	// SXTB/SXTH, rotate 0: cond 0110 101 0 1111 Rd 0000 0111 Rm (SXTB),
	// cond 0110 101 1 1111 Rd 0000 0111 Rm (SXTH).
	opc := uint32(0xA)
	if mnem == "sxth" {
		opc = 0xB
	}
	return 14<<28 | 0x6<<24 | opc<<20 | 0xF<<16 | uint32(rd)<<12 | 0x7<<4 | uint32(rm), nil
}

func arm32Udf(ops []string, loc string) (uint32, error) {
	imm := int64(0)
	if len(ops) == 1 {
		v, ok := arm32Imm(ops[0])
		if !ok {
			return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: fmt.Sprintf("malformed immediate %q", ops[0])}
		}
		imm = v
	}
	imm16 := uint32(imm) & 0xFFFF
	return 0xE7F000F0 | (imm16>>4)<<8 | (imm16 & 0xF), nil
}

func arm32PushPop(mnem string, ops []string, loc string) (uint32, error) {
	if len(ops) != 1 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: mnem + " takes one register-list operand"}
	}
	reglist, err := arm32RegList(ops[0], loc)
	if err != nil {
		return 0, err
	}
	if mnem == "push" {
		return 0xE92D0000 | reglist, nil
	}
	return 0xE8BD0000 | reglist, nil
}

func arm32RegList(s, loc string) (uint32, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: fmt.Sprintf("malformed register list %q", s)}
	}
	var mask uint32
	for _, part := range strings.Split(s[1:len(s)-1], ",") {
		idx, err := arm32Reg(strings.TrimSpace(part), loc)
		if err != nil {
			return 0, err
		}
		mask |= 1 << uint(idx)
	}
	return mask, nil
}

// arm32Branch encodes B<cond> using ARM32's PC+8 convention (spec §4.2.4:
// "the PC reads as the address of the branch instruction plus 8").
func arm32Branch(target string, syms symtab, pos int, loc string, cond uint32) (uint32, error) {
	off, err := resolveLabel(syms, loc, target)
	if err != nil {
		return 0, err
	}
	imm24 := (off - (pos + 8)) / 4
	if err := checkSigned(imm24, 24, loc); err != nil {
		return 0, err
	}
	return cond<<28 | 0xA<<24 | uint32(imm24)&0xFFFFFF, nil
}

func arm32BranchLink(target string, syms symtab, pos int, loc string, _ bool) (uint32, error) {
	off, err := resolveLabel(syms, loc, target)
	if err != nil {
		return 0, err
	}
	imm24 := (off - (pos + 8)) / 4
	if err := checkSigned(imm24, 24, loc); err != nil {
		return 0, err
	}
	return 14<<28 | 0xB<<24 | uint32(imm24)&0xFFFFFF, nil
}

// arm32Mem is a decoded ARM32 memory operand: "[base]", "[base, #imm]",
// "[base, index]", or the three-part "[base, index, #imm]" form
// lower/arm32.go's load/store helpers emit.
type arm32Mem struct {
	base    int
	hasImm  bool
	imm     int64
	hasReg  bool
	reg     int
	literal string // non-empty for the "=symbol" literal-pool pseudo-op
}

func parseARM32Mem(s, loc string) (arm32Mem, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "=") {
		return arm32Mem{literal: s[1:]}, nil
	}
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return arm32Mem{}, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: fmt.Sprintf("malformed memory operand %q", s)}
	}
	parts := strings.Split(s[1:len(s)-1], ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	base, err := arm32Reg(parts[0], loc)
	if err != nil {
		return arm32Mem{}, err
	}
	mem := arm32Mem{base: base}
	for _, p := range parts[1:] {
		if strings.HasPrefix(p, "#") {
			v, ok := arm32Imm(p)
			if !ok {
				return arm32Mem{}, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: fmt.Sprintf("malformed immediate %q", p)}
			}
			mem.hasImm, mem.imm = true, v
			continue
		}
		reg, err := arm32Reg(p, loc)
		if err != nil {
			return arm32Mem{}, err
		}
		mem.hasReg, mem.reg = true, reg
	}
	if mem.hasReg && mem.hasImm && mem.imm != 0 {
		return arm32Mem{}, &diag.Error{Kind: diag.EncodingOutOfRange, Location: loc,
			Message: "base+index+immediate addressing has no single-instruction ARM32 encoding; pre-add the offset into the index register"}
	}
	return mem, nil
}

// arm32LdrStr encodes LDR/STR and their byte/halfword/sign-extending
// variants, immediate-offset and register-offset forms, plus the "=symbol"
// literal-pool pseudo-op (folded to a zero-immediate MOV since this module
// implements no relocations, spec §1 non-goal).
func arm32LdrStr(mnem string, ops []string, loc string) (uint32, error) {
	if len(ops) != 2 {
		return 0, &diag.Error{Kind: diag.AssemblyParseError, Location: loc, Message: mnem + " takes two operands"}
	}
	rt, err := arm32Reg(ops[0], loc)
	if err != nil {
		return 0, err
	}
	mem, err := parseARM32Mem(ops[1], loc)
	if err != nil {
		return 0, err
	}
	if mem.literal != "" {
		// "ldr Rd, =symbol": no relocation support, materialize zero.
		return arm32DP(14, 0xD, 0, 0, uint32(rt), 0, true), nil
	}
	isByte, isHalf, isSigned := false, false, false
	switch mnem {
	case "ldrb", "strb":
		isByte = true
	case "ldrh", "strh":
		isHalf = true
	case "ldrsb":
		isByte, isSigned = true, true
	case "ldrsh":
		isHalf, isSigned = true, true
	}
	isLoad := strings.HasPrefix(mnem, "ldr")
	if isHalf || isSigned {
		return arm32HalfwordMem(rt, mem, isLoad, isSigned, isHalf, loc)
	}
	// Word or unsigned-byte immediate/register offset form (A1 encoding).
	l := uint32(0)
	if isLoad {
		l = 1
	}
	b := uint32(0)
	if isByte {
		b = 1
	}
	if mem.hasReg {
		return 0x04000000 | 1<<25 | 1<<24 | 1<<23 | b<<22 | l<<20 | uint32(mem.base)<<16 | uint32(rt)<<12 | uint32(mem.reg) | 14<<28, nil
	}
	imm := mem.imm
	u := uint32(1)
	if imm < 0 {
		u = 0
		imm = -imm
	}
	if imm > 0xFFF {
		return 0, &diag.Error{Kind: diag.EncodingOutOfRange, Location: loc, Message: fmt.Sprintf("%s offset %d exceeds 12-bit range", mnem, mem.imm)}
	}
	return 14<<28 | 0x04000000 | 1<<24 | u<<23 | b<<22 | l<<20 | uint32(mem.base)<<16 | uint32(rt)<<12 | uint32(imm), nil
}

// arm32HalfwordMem encodes LDRH/STRH/LDRSB/LDRSH (A1 "extra load/store"
// encoding, spec §4.2.4): a 4-bit split immediate (immH:immL) rather than
// the 12-bit immediate word/byte loads use.
func arm32HalfwordMem(rt int, mem arm32Mem, isLoad, isSigned, isHalf bool, loc string) (uint32, error) {
	sh := uint32(1) // 01 = H (unsigned half)
	if isSigned && !isHalf {
		sh = 2 // 10 = SB
	} else if isSigned && isHalf {
		sh = 3 // 11 = SH
	}
	l := uint32(0)
	if isLoad {
		l = 1
	}
	if mem.hasReg {
		return 14<<28 | 1<<24 | 1<<23 | l<<20 | uint32(mem.base)<<16 | uint32(rt)<<12 | 1<<7 | sh<<5 | 1<<4 | uint32(mem.reg), nil
	}
	imm := mem.imm
	u := uint32(1)
	if imm < 0 {
		u = 0
		imm = -imm
	}
	if imm > 0xFF {
		return 0, &diag.Error{Kind: diag.EncodingOutOfRange, Location: loc, Message: fmt.Sprintf("offset %d exceeds the 8-bit halfword-transfer range", mem.imm)}
	}
	immH := (uint32(imm) >> 4) & 0xF
	immL := uint32(imm) & 0xF
	return 14<<28 | 1<<24 | u<<23 | 1<<22 | l<<20 | uint32(mem.base)<<16 | uint32(rt)<<12 | immH<<8 | 1<<7 | sh<<5 | 1<<4 | immL, nil
}
