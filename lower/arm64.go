package lower

import (
	"fmt"

	"github.com/tetratelabs/watnative/asmtext"
	"github.com/tetratelabs/watnative/diag"
	"github.com/tetratelabs/watnative/target"
	"github.com/tetratelabs/watnative/wat"
)

// arm64Reg renders a register name at the requested width: every general
// register this package names is either "wNN" or "xNN", so swapping the
// leading letter gives the other width's alias (spec §4.1.2's arm64 row).
// "sp" and "lr" have no width variant and pass through unchanged.
func arm64Reg(name string, width int) string {
	if name == "sp" || name == "lr" {
		return name
	}
	prefix := "w"
	if width == 64 {
		prefix = "x"
	}
	return prefix + name[1:]
}

// arm64Lowerer lowers to AArch64 assembly text (spec §4.1.2/4.1.3's arm64
// rows). Unlike the x86 family, ARM64's arithmetic instructions are
// non-destructive 3-operand forms (dst, src1, src2), so opcode handlers
// here read both popped operands straight into the destination's
// instruction form instead of shuffling through a fixed accumulator.
type arm64Lowerer struct {
	spec   *target.Spec
	b      *asmtext.Builder
	stack  *Stack
	blocks *Blocks
	labels *Labels
	fn     *wat.Function
	mod    *wat.Module
}

// arm64CalleeSavedPushed counts every register the prologue pushes as
// pairs: x19-x28 (virtual-stack + memory-base registers), x29 (frame
// pointer, saved alongside x30 per AAPCS64 convention), x30 (link
// register). spec §4.1.3 lists x19-x28, x29, x30 as callee-saved.
const arm64CalleeSavedPushed = 12

// LowerARM64 lowers fn to AArch64 assembly text.
func LowerARM64(mod *wat.Module, fn *wat.Function) (string, error) {
	spec, _ := target.Lookup(string(target.ARM64))
	savedBytes := arm64CalleeSavedPushed * spec.SlotWidth

	// Unlike the x86 family's rbp, x29 lands at the boundary between the
	// callee-saved block and the locals/spill area below it, not above both
	// of them: it is already past the saved registers, so the frame here
	// carries no savedRegsBytes skip of its own.
	stack := NewStack(spec)
	stack.SetFrame(0, fn.NumLocals())

	l := &arm64Lowerer{spec: spec, b: &asmtext.Builder{}, stack: stack, blocks: &Blocks{}, labels: &Labels{}, fn: fn, mod: mod}

	funcExit := FuncExit(fn.Name)
	if err := walk(l, l.blocks, l.labels, l.stack, funcExit, fn.Body); err != nil {
		return "", err
	}
	if l.blocks.Len() != 0 {
		return "", &diag.Error{Kind: diag.MalformedInput, Location: fn.Name, Message: "unclosed block at function end"}
	}

	// Slot offsets start one SlotWidth above sp (LocalOffset counts from 1),
	// so the highest slot ends at sp + (locals+spills+1)*SlotWidth; the
	// extra slot keeps it below x29 and the callee-saved block.
	frameSize := alignUp((fn.NumLocals()+stack.MaxSpill()+1)*spec.SlotWidth, spec.StackAlign)

	out := &asmtext.Builder{}
	out.Comment("function %s", fn.Name)
	out.Label(fn.Name)
	out.Emit("sub", "sp", "sp", fmt.Sprintf("#%d", savedBytes))
	saved := []string{"x19", "x20", "x21", "x22", "x23", "x24", "x25", "x26", "x27", "x28", "x29", "x30"}
	for i := 0; i < len(saved); i += 2 {
		out.Emit("stp", saved[i], saved[i+1], fmt.Sprintf("[sp, #%d]", i*spec.SlotWidth))
	}
	out.Emit("mov", "x29", "sp")
	if frameSize > 0 {
		out.Emit("sub", "sp", "sp", fmt.Sprintf("#%d", frameSize))
	}
	out.Emit("adrp", spec.MemBase, "watnative_memory_base")
	out.Emit("ldr", spec.MemBase, fmt.Sprintf("[%s, :lo12:watnative_memory_base]", spec.MemBase))
	l.copyParamsIn(out)
	for _, line := range l.b.Lines() {
		out.Raw(line)
	}
	out.Label(funcExit)
	if len(fn.Results) > 0 {
		res, err := l.stack.Top()
		if err != nil {
			return "", err
		}
		l.moveToReg(out, res, spec.Result, widthOf(fn.Results[0]))
	}
	// x29 still holds the sp value captured right after the callee-saved
	// push, before the locals/spill area was carved out, so restoring sp
	// from it undoes that "sub sp, sp, #frameSize" in one move.
	out.Emit("mov", "sp", "x29")
	for i := 0; i < len(saved); i += 2 {
		out.Emit("ldp", saved[i], saved[i+1], fmt.Sprintf("[sp, #%d]", i*spec.SlotWidth))
	}
	out.Emit("add", "sp", "sp", fmt.Sprintf("#%d", savedBytes))
	out.Emit("ret")
	return out.String(), nil
}

func (l *arm64Lowerer) copyParamsIn(out *asmtext.Builder) {
	for i, p := range l.fn.Params {
		off := LocalOffset(l.spec, 0, i)
		width := widthOf(p)
		var src string
		if i < len(l.spec.ArgRegs) {
			src = arm64Reg(l.spec.ArgRegs[i], width)
		} else {
			// AAPCS64 passes the return address in the link register, not
			// on the stack, so there is no return-address slot to skip as on
			// the x86 family: the stack-passed arguments start right above
			// the callee-saved block, which itself starts at x29.
			stackIdx := i - len(l.spec.ArgRegs)
			out.Emit("ldr", arm64Reg("x9", width), fmt.Sprintf("[x29, #%d]", arm64CalleeSavedPushed*l.spec.SlotWidth+stackIdx*l.spec.SlotWidth))
			src = arm64Reg("x9", width)
		}
		out.Emit("str", src, l.memOperand(off))
	}
}

// memOperand addresses a local or spill slot relative to sp rather than x29:
// sp sits at the bottom of the locals/spill area carved out by the
// prologue's final "sub sp, sp, #frameSize" and stays fixed for the rest of
// the body, so these offsets are always non-negative and fit the AArch64
// LDR/STR unsigned-offset encoding.
func (l *arm64Lowerer) memOperand(off int) string { return fmt.Sprintf("[sp, #%d]", off) }

func (l *arm64Lowerer) moveToReg(out *asmtext.Builder, src Operand, dst string, width int) {
	dstR := arm64Reg(dst, width)
	if src.IsReg {
		if src.Reg == dst {
			return
		}
		out.Emit("mov", dstR, arm64Reg(src.Reg, width))
		return
	}
	out.Emit("ldr", dstR, l.memOperand(src.SpillOffset))
}

func (l *arm64Lowerer) push(src string, width int) {
	dstReg, spillOff, isReg := l.stack.Push()
	if isReg {
		if dstReg != src {
			l.b.Emit("mov", arm64Reg(dstReg, width), arm64Reg(src, width))
		}
		return
	}
	l.b.Emit("str", arm64Reg(src, width), l.memOperand(spillOff))
}

func (l *arm64Lowerer) pushFromMemory(mem string, width int) {
	dstReg, spillOff, isReg := l.stack.Push()
	if isReg {
		l.b.Emit("ldr", arm64Reg(dstReg, width), mem)
		return
	}
	scratch := l.spec.Scratch[0]
	l.b.Emit("ldr", arm64Reg(scratch, width), mem)
	l.b.Emit("str", arm64Reg(scratch, width), l.memOperand(spillOff))
}

func (l *arm64Lowerer) pop(scratch string, width int) (string, error) {
	reg, off, isReg, err := l.stack.Pop()
	if err != nil {
		return "", err
	}
	if isReg {
		if reg == scratch {
			return scratch, nil
		}
		l.b.Emit("mov", arm64Reg(scratch, width), arm64Reg(reg, width))
		return scratch, nil
	}
	l.b.Emit("ldr", arm64Reg(scratch, width), l.memOperand(off))
	return scratch, nil
}

// ---- ControlEmitter ----

func (l *arm64Lowerer) Label(name string) { l.b.Label(name) }
func (l *arm64Lowerer) Jump(label string)  { l.b.Emit("b", label) }

func (l *arm64Lowerer) JumpIfZero(condReg, label string) {
	l.b.Emit("cbz", arm64Reg(condReg, 32), label)
}

func (l *arm64Lowerer) JumpIfNonZero(condReg, label string) {
	l.b.Emit("cbnz", arm64Reg(condReg, 32), label)
}

func (l *arm64Lowerer) JumpTable(indexReg string, targets []string, def string) {
	for i, t := range targets {
		l.b.Emit("cmp", arm64Reg(indexReg, 32), fmt.Sprintf("#%d", i))
		l.b.Emit("b.eq", t)
	}
	l.b.Emit("b", def)
}

func (l *arm64Lowerer) PopCondition() (string, error) {
	return l.pop(l.spec.Scratch[0], 32)
}

func (l *arm64Lowerer) Trap() { l.b.Emit("brk", "#1") }

// ---- opcode emission ----

func (l *arm64Lowerer) EmitOp(ins wat.Instruction) error {
	width := widthOf(ins.Type)
	switch ins.Op {
	case wat.OpLocalGet:
		off := LocalOffset(l.spec, 0, int(ins.Index))
		lt := widthOf(l.fn.LocalType(ins.Index))
		l.pushFromMemory(l.memOperand(off), lt)
		return nil

	case wat.OpLocalSet, wat.OpLocalTee:
		lt := widthOf(l.fn.LocalType(ins.Index))
		reg, err := l.pop(l.spec.Scratch[0], lt)
		if err != nil {
			return err
		}
		off := LocalOffset(l.spec, 0, int(ins.Index))
		l.b.Emit("str", arm64Reg(reg, lt), l.memOperand(off))
		if ins.Op == wat.OpLocalTee {
			l.push(reg, lt)
		}
		return nil

	case wat.OpGlobalGet:
		scratch := l.spec.Scratch[0]
		l.b.Emit("adrp", arm64Reg(scratch, 64), fmt.Sprintf("global_%d", ins.Index))
		l.b.Emit("ldr", arm64Reg(scratch, width), fmt.Sprintf("[%s, :lo12:global_%d]", arm64Reg(scratch, 64), ins.Index))
		l.push(scratch, width)
		return nil

	case wat.OpGlobalSet:
		reg, err := l.pop(l.spec.Scratch[0], width)
		if err != nil {
			return err
		}
		scratch2 := l.spec.Scratch[1]
		l.b.Emit("adrp", arm64Reg(scratch2, 64), fmt.Sprintf("global_%d", ins.Index))
		l.b.Emit("str", arm64Reg(reg, width), fmt.Sprintf("[%s, :lo12:global_%d]", arm64Reg(scratch2, 64), ins.Index))
		return nil

	case wat.OpAdd, wat.OpSub, wat.OpAnd, wat.OpOr, wat.OpXor:
		mnem := map[wat.Op]string{wat.OpAdd: "add", wat.OpSub: "sub", wat.OpAnd: "and", wat.OpOr: "orr", wat.OpXor: "eor"}[ins.Op]
		return l.binop3(mnem, width)

	case wat.OpMul:
		return l.binop3("mul", width)

	case wat.OpShl, wat.OpShrS, wat.OpShrU:
		mnem := map[wat.Op]string{wat.OpShl: "lsl", wat.OpShrS: "asr", wat.OpShrU: "lsr"}[ins.Op]
		return l.binop3(mnem, width)

	case wat.OpRotr:
		return l.binop3("ror", width)

	case wat.OpRotl:
		lhs, rhs, err := l.stack.Pop2()
		if err != nil {
			return err
		}
		l.moveToReg(l.b, lhs, l.spec.Scratch[1], width)
		l.moveToReg(l.b, rhs, l.spec.Scratch[0], width)
		// ARM64 has no rotate-left; ror by (width - n) mod width is
		// equivalent and the hardware already computes the shift amount
		// modulo the register width, so a plain negate suffices.
		l.b.Emit("neg", arm64Reg(l.spec.Scratch[0], width), arm64Reg(l.spec.Scratch[0], width))
		l.b.Emit("ror", arm64Reg(l.spec.Scratch[0], width), arm64Reg(l.spec.Scratch[1], width), arm64Reg(l.spec.Scratch[0], width))
		l.push(l.spec.Scratch[0], width)
		return nil

	case wat.OpDivS, wat.OpDivU:
		lhs, rhs, err := l.stack.Pop2()
		if err != nil {
			return err
		}
		l.moveToReg(l.b, lhs, l.spec.Scratch[1], width)
		l.moveToReg(l.b, rhs, l.spec.Scratch[2], width)
		mnem := "udiv"
		if ins.Op == wat.OpDivS {
			mnem = "sdiv"
		}
		l.b.Emit(mnem, arm64Reg(l.spec.Scratch[0], width), arm64Reg(l.spec.Scratch[1], width), arm64Reg(l.spec.Scratch[2], width))
		l.push(l.spec.Scratch[0], width)
		return nil

	case wat.OpRemS, wat.OpRemU:
		lhs, rhs, err := l.stack.Pop2()
		if err != nil {
			return err
		}
		l.moveToReg(l.b, lhs, l.spec.Scratch[1], width)
		l.moveToReg(l.b, rhs, l.spec.Scratch[2], width)
		mnem := "udiv"
		if ins.Op == wat.OpRemS {
			mnem = "sdiv"
		}
		l.b.Emit(mnem, arm64Reg(l.spec.Scratch[0], width), arm64Reg(l.spec.Scratch[1], width), arm64Reg(l.spec.Scratch[2], width))
		// rem = lhs - (lhs/rhs)*rhs, computed with one fused multiply-subtract.
		l.b.Emit("msub", arm64Reg(l.spec.Scratch[0], width), arm64Reg(l.spec.Scratch[0], width), arm64Reg(l.spec.Scratch[2], width), arm64Reg(l.spec.Scratch[1], width))
		l.push(l.spec.Scratch[0], width)
		return nil

	case wat.OpClz:
		reg, err := l.pop(l.spec.Scratch[0], width)
		if err != nil {
			return err
		}
		l.b.Emit("clz", arm64Reg(reg, width), arm64Reg(reg, width))
		l.push(reg, width)
		return nil

	case wat.OpCtz:
		// No native count-trailing-zeros: bit-reverse then count leading.
		reg, err := l.pop(l.spec.Scratch[0], width)
		if err != nil {
			return err
		}
		l.b.Emit("rbit", arm64Reg(reg, width), arm64Reg(reg, width))
		l.b.Emit("clz", arm64Reg(reg, width), arm64Reg(reg, width))
		l.push(reg, width)
		return nil

	case wat.OpPopcnt:
		// No scalar GPR population count on the base ISA; deferred to an
		// external symbol the same way memory.grow is (spec §9 allows
		// "a portable fallback sequence... the spec does not mandate which").
		reg, err := l.pop(l.spec.ArgRegs[0], width)
		if err != nil {
			return err
		}
		_ = reg
		name := "__watnative_popcount32"
		if width == 64 {
			name = "__watnative_popcount64"
		}
		l.b.Emit("bl", name)
		l.push(l.spec.Result, width)
		return nil

	case wat.OpEq, wat.OpNe, wat.OpLtS, wat.OpLtU, wat.OpGtS, wat.OpGtU, wat.OpLeS, wat.OpLeU, wat.OpGeS, wat.OpGeU:
		cond := map[wat.Op]string{
			wat.OpEq: "eq", wat.OpNe: "ne", wat.OpLtS: "lt", wat.OpLtU: "lo",
			wat.OpGtS: "gt", wat.OpGtU: "hi", wat.OpLeS: "le", wat.OpLeU: "ls",
			wat.OpGeS: "ge", wat.OpGeU: "hs",
		}[ins.Op]
		lhs, rhs, err := l.stack.Pop2()
		if err != nil {
			return err
		}
		l.moveToReg(l.b, lhs, l.spec.Scratch[1], width)
		l.moveToReg(l.b, rhs, l.spec.Scratch[2], width)
		l.b.Emit("cmp", arm64Reg(l.spec.Scratch[1], width), arm64Reg(l.spec.Scratch[2], width))
		l.b.Emit("cset", arm64Reg(l.spec.Scratch[0], 32), cond)
		l.push(l.spec.Scratch[0], 32)
		return nil

	case wat.OpEqz:
		reg, err := l.pop(l.spec.Scratch[1], width)
		if err != nil {
			return err
		}
		l.b.Emit("cmp", arm64Reg(reg, width), "#0")
		l.b.Emit("cset", arm64Reg(l.spec.Scratch[0], 32), "eq")
		l.push(l.spec.Scratch[0], 32)
		return nil

	case wat.OpLoad:
		return l.load(ins)
	case wat.OpStore:
		return l.store(ins)

	case wat.OpMemorySize:
		l.b.Emit("bl", "__watnative_memory_size")
		l.push(l.spec.Result, 32)
		return nil
	case wat.OpMemoryGrow:
		if _, err := l.pop(l.spec.ArgRegs[0], 32); err != nil {
			return err
		}
		l.b.Emit("bl", "__watnative_memory_grow")
		l.push(l.spec.Result, 32)
		return nil

	case wat.OpCall:
		return l.call(ins.FuncIdx)
	case wat.OpCallIndirect:
		if _, err := l.pop(l.spec.ArgRegs[0], 32); err != nil {
			return err
		}
		l.b.Emit("bl", "__watnative_call_indirect_check")
		l.b.Emit("adrp", "x9", "__watnative_table")
		l.b.Emit("add", "x9", "x9", ":lo12:__watnative_table")
		l.b.Emit("ldr", "x9", fmt.Sprintf("[x9, %s, lsl #3]", arm64Reg(l.spec.ArgRegs[0], 64)))
		l.b.Emit("blr", "x9")
		l.push(l.spec.Result, 32)
		return nil

	case wat.OpDrop:
		_, _, _, err := l.stack.Pop()
		return err

	case wat.OpSelect:
		cond, err := l.pop(l.spec.Scratch[0], 32)
		if err != nil {
			return err
		}
		v1, v2, err := l.stack.Pop2()
		if err != nil {
			return err
		}
		l.moveToReg(l.b, v2, l.spec.Scratch[1], 32)
		l.moveToReg(l.b, v1, l.spec.Scratch[2], 32)
		l.b.Emit("cmp", arm64Reg(cond, 32), "#0")
		l.b.Emit("csel", arm64Reg(l.spec.Scratch[1], 32), arm64Reg(l.spec.Scratch[2], 32), arm64Reg(l.spec.Scratch[1], 32), "ne")
		l.push(l.spec.Scratch[1], 32)
		return nil

	case wat.OpNop:
		l.b.Emit("nop")
		return nil

	case wat.OpWrapI64:
		reg, err := l.pop(l.spec.Scratch[0], 64)
		if err != nil {
			return err
		}
		l.push(reg, 32)
		return nil

	case wat.OpExtendI32S:
		reg, err := l.pop(l.spec.Scratch[0], 32)
		if err != nil {
			return err
		}
		l.b.Emit("sxtw", arm64Reg(reg, 64), arm64Reg(reg, 32))
		l.push(reg, 64)
		return nil

	case wat.OpExtendI32U:
		reg, err := l.pop(l.spec.Scratch[0], 32)
		if err != nil {
			return err
		}
		l.push(reg, 64) // writing the W form already zero-extended into X
		return nil

	case wat.OpExtend8S, wat.OpExtend16S, wat.OpExtend32S:
		srcWidth := width
		reg, err := l.pop(l.spec.Scratch[0], srcWidth)
		if err != nil {
			return err
		}
		mnem := map[wat.Op]string{wat.OpExtend8S: "sxtb", wat.OpExtend16S: "sxth", wat.OpExtend32S: "sxtw"}[ins.Op]
		dstWidth := srcWidth
		if ins.Op == wat.OpExtend32S {
			dstWidth = 64
		}
		l.b.Emit(mnem, arm64Reg(reg, dstWidth), arm64Reg(reg, 32))
		l.push(reg, dstWidth)
		return nil

	default:
		return &diag.Error{Kind: diag.UnsupportedOpcode, Location: l.fn.Name, Message: fmt.Sprintf("opcode %d not covered for arm64", ins.Op)}
	}
}

// binop3 lowers a commutative or shift-like opcode using ARM64's
// non-destructive 3-operand instruction form: dst, lhs, rhs.
func (l *arm64Lowerer) binop3(mnem string, width int) error {
	lhs, rhs, err := l.stack.Pop2()
	if err != nil {
		return err
	}
	l.moveToReg(l.b, lhs, l.spec.Scratch[1], width)
	l.moveToReg(l.b, rhs, l.spec.Scratch[2], width)
	l.b.Emit(mnem, arm64Reg(l.spec.Scratch[0], width), arm64Reg(l.spec.Scratch[1], width), arm64Reg(l.spec.Scratch[2], width))
	l.push(l.spec.Scratch[0], width)
	return nil
}

func (l *arm64Lowerer) load(ins wat.Instruction) error {
	addr, err := l.pop(l.spec.Scratch[0], 32)
	if err != nil {
		return err
	}
	tmp := l.spec.Scratch[1]
	l.b.Emit("add", arm64Reg(tmp, 64), arm64Reg(l.spec.MemBase, 64), arm64Reg(addr, 64))
	effAddr := fmt.Sprintf("[%s, #%d]", arm64Reg(tmp, 64), ins.Mem.Offset)
	resultWidth := widthOf(ins.Type)
	mnem := "ldr"
	dstWidth := resultWidth
	if ins.Mem.Width < resultWidth {
		if ins.Mem.Signed {
			mnem = map[int]string{8: "ldrsb", 16: "ldrsh", 32: "ldrsw"}[ins.Mem.Width]
		} else {
			mnem = map[int]string{8: "ldrb", 16: "ldrh"}[ins.Mem.Width]
			dstWidth = 32
		}
	}
	l.b.Emit(mnem, arm64Reg(l.spec.Scratch[0], dstWidth), effAddr)
	l.push(l.spec.Scratch[0], resultWidth)
	return nil
}

func (l *arm64Lowerer) store(ins wat.Instruction) error {
	valWidth := widthOf(ins.Type)
	val, err := l.pop(l.spec.Scratch[0], valWidth)
	if err != nil {
		return err
	}
	addr, err := l.pop(l.spec.Scratch[1], 32)
	if err != nil {
		return err
	}
	tmp := l.spec.Scratch[2]
	l.b.Emit("add", arm64Reg(tmp, 64), arm64Reg(l.spec.MemBase, 64), arm64Reg(addr, 64))
	effAddr := fmt.Sprintf("[%s, #%d]", arm64Reg(tmp, 64), ins.Mem.Offset)
	mnem := map[int]string{8: "strb", 16: "strh", 32: "str", 64: "str"}[ins.Mem.Width]
	storeWidth := ins.Mem.Width
	if storeWidth < 32 {
		storeWidth = 32
	}
	l.b.Emit(mnem, arm64Reg(val, storeWidth), effAddr)
	return nil
}

func (l *arm64Lowerer) call(funcIdx uint32) error {
	if l.mod == nil || int(funcIdx) >= len(l.mod.Functions) {
		return &diag.Error{Kind: diag.MalformedInput, Location: l.fn.Name, Message: fmt.Sprintf("call to unknown function index %d", funcIdx)}
	}
	callee := l.mod.Functions[funcIdx]
	n := len(callee.Params)
	ops, err := l.stack.PopN(n)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		paramIdx := n - 1 - i
		width := widthOf(callee.Params[paramIdx])
		if paramIdx < len(l.spec.ArgRegs) {
			l.moveToReg(l.b, ops[i], l.spec.ArgRegs[paramIdx], width)
		} else {
			stackIdx := paramIdx - len(l.spec.ArgRegs)
			l.moveToReg(l.b, ops[i], l.spec.Scratch[0], width)
			l.b.Emit("str", arm64Reg(l.spec.Scratch[0], width), fmt.Sprintf("[sp, #%d]", stackIdx*l.spec.SlotWidth))
		}
	}
	l.b.Emit("bl", callee.Name)
	if len(callee.Results) > 0 {
		l.push(l.spec.Result, widthOf(callee.Results[0]))
	}
	return nil
}
