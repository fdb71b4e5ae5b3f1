package lower

import (
	"fmt"

	"github.com/tetratelabs/watnative/asmtext"
	"github.com/tetratelabs/watnative/diag"
	"github.com/tetratelabs/watnative/target"
	"github.com/tetratelabs/watnative/wat"
)

// arm32Lowerer lowers to AArch32 (ARM, not Thumb) assembly text (spec
// §4.1.2/4.1.3's arm32 rows, golden scenarios S3-S5). i64 values, like on
// x86_32, do not fit one 32-bit register: i64 arithmetic is lowered to
// compiler-rt-style libcalls rather than hand-rolled register-pair
// instruction selection (see lower/doc.go).
type arm32Lowerer struct {
	spec   *target.Spec
	b      *asmtext.Builder
	stack  *Stack
	blocks *Blocks
	labels *Labels
	fn     *wat.Function
	mod    *wat.Module
}

// arm32CalleeSavedPushed counts r4-r11 (virtual-stack regs r4-r7, memory
// base r8, plus r9-r11) and lr, all pushed/popped as one register list
// (spec §4.1.3: "r4-r11, lr").
const arm32CalleeSavedPushed = 9

// LowerARM32 lowers fn to AArch32 assembly text.
func LowerARM32(mod *wat.Module, fn *wat.Function) (string, error) {
	spec, _ := target.Lookup(string(target.ARM32))
	savedBytes := arm32CalleeSavedPushed * spec.SlotWidth

	stack := NewStack(spec)
	stack.SetFrame(savedBytes, fn.NumLocals())

	l := &arm32Lowerer{spec: spec, b: &asmtext.Builder{}, stack: stack, blocks: &Blocks{}, labels: &Labels{}, fn: fn, mod: mod}

	funcExit := FuncExit(fn.Name)
	if err := walk(l, l.blocks, l.labels, l.stack, funcExit, fn.Body); err != nil {
		return "", err
	}
	if l.blocks.Len() != 0 {
		return "", &diag.Error{Kind: diag.MalformedInput, Location: fn.Name, Message: "unclosed block at function end"}
	}

	frameSize := alignUp((fn.NumLocals()+stack.MaxSpill())*spec.SlotWidth, spec.StackAlign)

	out := &asmtext.Builder{}
	out.Comment("function %s", fn.Name)
	out.Label(fn.Name)
	out.Emit("push", "{r4, r5, r6, r7, r8, r9, r10, r11, lr}")
	out.Emit("mov", "r11", "sp")
	if frameSize > 0 {
		out.Emit("sub", "sp", "sp", fmt.Sprintf("#%d", frameSize))
	}
	out.Emit("ldr", spec.MemBase, "=watnative_memory_base")
	out.Emit("ldr", spec.MemBase, fmt.Sprintf("[%s]", spec.MemBase))
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
		l.moveToReg(out, res, spec.Result)
	}
	// r11 still holds the sp value captured right after the callee-saved
	// push, before the locals/spill area was carved out.
	out.Emit("mov", "sp", "r11")
	out.Emit("pop", "{r4, r5, r6, r7, r8, r9, r10, r11, lr}")
	out.Emit("bx", "lr")
	return out.String(), nil
}

func (l *arm32Lowerer) copyParamsIn(out *asmtext.Builder) {
	savedBytes := arm32CalleeSavedPushed * l.spec.SlotWidth
	for i := range l.fn.Params {
		off := LocalOffset(l.spec, savedBytes, i)
		var src string
		if i < len(l.spec.ArgRegs) {
			src = l.spec.ArgRegs[i]
		} else {
			stackIdx := i - len(l.spec.ArgRegs)
			out.Emit("ldr", "r12", fmt.Sprintf("[r11, #%d]", stackIdx*l.spec.SlotWidth))
			src = "r12"
		}
		out.Emit("str", src, l.memOperand(off))
	}
}

func (l *arm32Lowerer) memOperand(off int) string { return fmt.Sprintf("[r11, #-%d]", off) }

func (l *arm32Lowerer) moveToReg(out *asmtext.Builder, src Operand, dst string) {
	if src.IsReg {
		if src.Reg == dst {
			return
		}
		out.Emit("mov", dst, src.Reg)
		return
	}
	out.Emit("ldr", dst, l.memOperand(src.SpillOffset))
}

func (l *arm32Lowerer) push(src string) {
	dstReg, spillOff, isReg := l.stack.Push()
	if isReg {
		if dstReg != src {
			l.b.Emit("mov", dstReg, src)
		}
		return
	}
	l.b.Emit("str", src, l.memOperand(spillOff))
}

func (l *arm32Lowerer) pushFromMemory(mem string) {
	dstReg, spillOff, isReg := l.stack.Push()
	if isReg {
		l.b.Emit("ldr", dstReg, mem)
		return
	}
	scratch := l.spec.Scratch[0]
	l.b.Emit("ldr", scratch, mem)
	l.b.Emit("str", scratch, l.memOperand(spillOff))
}

func (l *arm32Lowerer) pop(scratch string) (string, error) {
	reg, off, isReg, err := l.stack.Pop()
	if err != nil {
		return "", err
	}
	if isReg {
		if reg == scratch {
			return scratch, nil
		}
		l.b.Emit("mov", scratch, reg)
		return scratch, nil
	}
	l.b.Emit("ldr", scratch, l.memOperand(off))
	return scratch, nil
}

// ---- ControlEmitter ----

func (l *arm32Lowerer) Label(name string) { l.b.Label(name) }
func (l *arm32Lowerer) Jump(label string)  { l.b.Emit("b", label) }

func (l *arm32Lowerer) JumpIfZero(condReg, label string) {
	l.b.Emit("cmp", condReg, "#0")
	l.b.Emit("beq", label)
}

func (l *arm32Lowerer) JumpIfNonZero(condReg, label string) {
	l.b.Emit("cmp", condReg, "#0")
	l.b.Emit("bne", label)
}

func (l *arm32Lowerer) JumpTable(indexReg string, targets []string, def string) {
	for i, t := range targets {
		l.b.Emit("cmp", indexReg, fmt.Sprintf("#%d", i))
		l.b.Emit("beq", t)
	}
	l.b.Emit("b", def)
}

func (l *arm32Lowerer) PopCondition() (string, error) { return l.pop(l.spec.Scratch[0]) }
func (l *arm32Lowerer) Trap()                         { l.b.Emit("udf", "#0") }

// ---- opcode emission ----

// i64Libcall mirrors x86_32Lowerer.i64Libcall: the runtime's i64 helpers
// always operate on genuine 8-byte values; only the low word (the result
// register) is tracked as this architecture's single stack slot.
func (l *arm32Lowerer) i64Libcall(name string, lhs, rhs Operand) {
	l.moveToReg(l.b, lhs, l.spec.ArgRegs[0])
	l.b.Emit("mov", l.spec.ArgRegs[1], "#0")
	l.moveToReg(l.b, rhs, l.spec.ArgRegs[2])
	l.b.Emit("mov", l.spec.ArgRegs[3], "#0")
	l.b.Emit("bl", name)
	l.push(l.spec.Result)
}

func (l *arm32Lowerer) EmitOp(ins wat.Instruction) error {
	if ins.Type == wat.I64 {
		return l.emitI64Op(ins)
	}
	switch ins.Op {
	case wat.OpLocalGet:
		off := LocalOffset(l.spec, arm32CalleeSavedPushed*l.spec.SlotWidth, int(ins.Index))
		l.pushFromMemory(l.memOperand(off))
		return nil

	case wat.OpLocalSet, wat.OpLocalTee:
		reg, err := l.pop(l.spec.Scratch[0])
		if err != nil {
			return err
		}
		off := LocalOffset(l.spec, arm32CalleeSavedPushed*l.spec.SlotWidth, int(ins.Index))
		l.b.Emit("str", reg, l.memOperand(off))
		if ins.Op == wat.OpLocalTee {
			l.push(reg)
		}
		return nil

	case wat.OpGlobalGet:
		scratch := l.spec.Scratch[0]
		l.b.Emit("ldr", scratch, fmt.Sprintf("=global_%d", ins.Index))
		l.b.Emit("ldr", scratch, fmt.Sprintf("[%s]", scratch))
		l.push(scratch)
		return nil
	case wat.OpGlobalSet:
		reg, err := l.pop(l.spec.Scratch[0])
		if err != nil {
			return err
		}
		scratch2 := l.spec.Scratch[1]
		l.b.Emit("ldr", scratch2, fmt.Sprintf("=global_%d", ins.Index))
		l.b.Emit("str", reg, fmt.Sprintf("[%s]", scratch2))
		return nil

	case wat.OpAdd, wat.OpSub, wat.OpAnd, wat.OpOr, wat.OpXor:
		return l.binop3(ins, width32())

	case wat.OpMul:
		lhs, rhs, err := l.stack.Pop2()
		if err != nil {
			return err
		}
		l.moveToReg(l.b, lhs, l.spec.Scratch[1])
		l.moveToReg(l.b, rhs, l.spec.Scratch[2])
		l.b.Emit("mul", l.spec.Scratch[0], l.spec.Scratch[1], l.spec.Scratch[2])
		l.push(l.spec.Scratch[0])
		return nil

	case wat.OpShl, wat.OpShrS, wat.OpShrU:
		mnem := map[wat.Op]string{wat.OpShl: "lsl", wat.OpShrS: "asr", wat.OpShrU: "lsr"}[ins.Op]
		lhs, rhs, err := l.stack.Pop2()
		if err != nil {
			return err
		}
		l.moveToReg(l.b, lhs, l.spec.Scratch[1])
		l.moveToReg(l.b, rhs, l.spec.Scratch[2])
		l.b.Emit(mnem, l.spec.Scratch[0], l.spec.Scratch[1], l.spec.Scratch[2])
		l.push(l.spec.Scratch[0])
		return nil

	case wat.OpRotr:
		lhs, rhs, err := l.stack.Pop2()
		if err != nil {
			return err
		}
		l.moveToReg(l.b, lhs, l.spec.Scratch[1])
		l.moveToReg(l.b, rhs, l.spec.Scratch[2])
		l.b.Emit("ror", l.spec.Scratch[0], l.spec.Scratch[1], l.spec.Scratch[2])
		l.push(l.spec.Scratch[0])
		return nil

	case wat.OpRotl:
		lhs, rhs, err := l.stack.Pop2()
		if err != nil {
			return err
		}
		l.moveToReg(l.b, lhs, l.spec.Scratch[1])
		l.moveToReg(l.b, rhs, l.spec.Scratch[2])
		l.b.Emit("rsb", l.spec.Scratch[2], l.spec.Scratch[2], "#32")
		l.b.Emit("ror", l.spec.Scratch[0], l.spec.Scratch[1], l.spec.Scratch[2])
		l.push(l.spec.Scratch[0])
		return nil

	case wat.OpDivS, wat.OpDivU, wat.OpRemS, wat.OpRemU:
		// ARMv7-A has no integer divide in the base ISA; defer to the
		// same runtime stub strategy as memory.grow (spec §9).
		lhs, rhs, err := l.stack.Pop2()
		if err != nil {
			return err
		}
		l.moveToReg(l.b, lhs, l.spec.ArgRegs[0])
		l.moveToReg(l.b, rhs, l.spec.ArgRegs[1])
		name := map[wat.Op]string{
			wat.OpDivS: "__watnative_i32_divs", wat.OpDivU: "__watnative_i32_divu",
			wat.OpRemS: "__watnative_i32_rems", wat.OpRemU: "__watnative_i32_remu",
		}[ins.Op]
		l.b.Emit("bl", name)
		l.push(l.spec.Result)
		return nil

	case wat.OpClz:
		reg, err := l.pop(l.spec.Scratch[0])
		if err != nil {
			return err
		}
		l.b.Emit("clz", reg, reg)
		l.push(reg)
		return nil

	case wat.OpCtz:
		reg, err := l.pop(l.spec.Scratch[0])
		if err != nil {
			return err
		}
		l.b.Emit("rbit", reg, reg)
		l.b.Emit("clz", reg, reg)
		l.push(reg)
		return nil

	case wat.OpPopcnt:
		reg, err := l.pop(l.spec.ArgRegs[0])
		if err != nil {
			return err
		}
		_ = reg
		l.b.Emit("bl", "__watnative_popcount32")
		l.push(l.spec.Result)
		return nil

	case wat.OpEq, wat.OpNe, wat.OpLtS, wat.OpLtU, wat.OpGtS, wat.OpGtU, wat.OpLeS, wat.OpLeU, wat.OpGeS, wat.OpGeU:
		trueCond := map[wat.Op]string{
			wat.OpEq: "eq", wat.OpNe: "ne", wat.OpLtS: "lt", wat.OpLtU: "lo",
			wat.OpGtS: "gt", wat.OpGtU: "hi", wat.OpLeS: "le", wat.OpLeU: "ls",
			wat.OpGeS: "ge", wat.OpGeU: "hs",
		}[ins.Op]
		falseCond := invertARMCond(trueCond)
		lhs, rhs, err := l.stack.Pop2()
		if err != nil {
			return err
		}
		l.moveToReg(l.b, lhs, l.spec.Scratch[1])
		l.moveToReg(l.b, rhs, l.spec.Scratch[2])
		l.b.Emit("cmp", l.spec.Scratch[1], l.spec.Scratch[2])
		l.b.Emit("mov"+trueCond, l.spec.Scratch[0], "#1")
		l.b.Emit("mov"+falseCond, l.spec.Scratch[0], "#0")
		l.push(l.spec.Scratch[0])
		return nil

	case wat.OpEqz:
		reg, err := l.pop(l.spec.Scratch[1])
		if err != nil {
			return err
		}
		l.b.Emit("cmp", reg, "#0")
		l.b.Emit("moveq", l.spec.Scratch[0], "#1")
		l.b.Emit("movne", l.spec.Scratch[0], "#0")
		l.push(l.spec.Scratch[0])
		return nil

	case wat.OpLoad:
		return l.load(ins)
	case wat.OpStore:
		return l.store(ins)

	case wat.OpMemorySize:
		l.b.Emit("bl", "__watnative_memory_size")
		l.push(l.spec.Result)
		return nil
	case wat.OpMemoryGrow:
		if _, err := l.pop(l.spec.ArgRegs[0]); err != nil {
			return err
		}
		l.b.Emit("bl", "__watnative_memory_grow")
		l.push(l.spec.Result)
		return nil

	case wat.OpCall:
		return l.call(ins.FuncIdx)
	case wat.OpCallIndirect:
		if _, err := l.pop(l.spec.ArgRegs[0]); err != nil {
			return err
		}
		l.b.Emit("bl", "__watnative_call_indirect_check")
		l.b.Emit("ldr", "r12", "=__watnative_table")
		l.b.Emit("add", "r12", "r12", l.spec.ArgRegs[0], "lsl #2")
		l.b.Emit("ldr", "r12", "[r12]")
		l.b.Emit("blx", "r12")
		l.push(l.spec.Result)
		return nil

	case wat.OpDrop:
		_, _, _, err := l.stack.Pop()
		return err

	case wat.OpSelect:
		cond, err := l.pop(l.spec.Scratch[0])
		if err != nil {
			return err
		}
		v1, v2, err := l.stack.Pop2()
		if err != nil {
			return err
		}
		l.moveToReg(l.b, v2, l.spec.Scratch[1])
		l.moveToReg(l.b, v1, l.spec.Scratch[2])
		l.b.Emit("cmp", cond, "#0")
		l.b.Emit("movne", l.spec.Scratch[1], l.spec.Scratch[2])
		l.push(l.spec.Scratch[1])
		return nil

	case wat.OpNop:
		l.b.Emit("nop")
		return nil

	case wat.OpExtend8S, wat.OpExtend16S:
		reg, err := l.pop(l.spec.Scratch[0])
		if err != nil {
			return err
		}
		mnem := map[wat.Op]string{wat.OpExtend8S: "sxtb", wat.OpExtend16S: "sxth"}[ins.Op]
		l.b.Emit(mnem, reg, reg)
		l.push(reg)
		return nil

	default:
		return &diag.Error{Kind: diag.UnsupportedOpcode, Location: l.fn.Name, Message: fmt.Sprintf("opcode %d not covered for arm32", ins.Op)}
	}
}

// width32 exists only so binop3's call site reads the same as the other
// architectures' width-carrying handlers; arm32 has no 64-bit GPR form.
func width32() int { return 32 }

func (l *arm32Lowerer) binop3(ins wat.Instruction, _ int) error {
	mnem := map[wat.Op]string{wat.OpAdd: "add", wat.OpSub: "sub", wat.OpAnd: "and", wat.OpOr: "orr", wat.OpXor: "eor"}[ins.Op]
	lhs, rhs, err := l.stack.Pop2()
	if err != nil {
		return err
	}
	l.moveToReg(l.b, lhs, l.spec.Scratch[1])
	l.moveToReg(l.b, rhs, l.spec.Scratch[2])
	l.b.Emit(mnem, l.spec.Scratch[0], l.spec.Scratch[1], l.spec.Scratch[2])
	l.push(l.spec.Scratch[0])
	return nil
}

// invertARMCond returns the ARM condition-code mnemonic suffix that fires
// exactly when cond does not, used to materialize a 0/1 boolean with two
// predicated movs instead of a three-instruction set-if-then-clear
// sequence (ARM32 has no SETcc family).
func invertARMCond(cond string) string {
	inv := map[string]string{
		"eq": "ne", "ne": "eq", "lt": "ge", "ge": "lt",
		"gt": "le", "le": "gt", "lo": "hs", "hs": "lo",
		"hi": "ls", "ls": "hi",
	}
	return inv[cond]
}

func (l *arm32Lowerer) load(ins wat.Instruction) error {
	addr, err := l.pop(l.spec.Scratch[0])
	if err != nil {
		return err
	}
	effAddr := fmt.Sprintf("[%s, %s, #%d]", l.spec.MemBase, addr, ins.Mem.Offset)
	mnem := "ldr"
	if ins.Mem.Width < 32 {
		if ins.Mem.Signed {
			mnem = map[int]string{8: "ldrsb", 16: "ldrsh"}[ins.Mem.Width]
		} else {
			mnem = map[int]string{8: "ldrb", 16: "ldrh"}[ins.Mem.Width]
		}
	}
	l.b.Emit(mnem, l.spec.Scratch[0], effAddr)
	l.push(l.spec.Scratch[0])
	return nil
}

func (l *arm32Lowerer) store(ins wat.Instruction) error {
	val, addr, err := l.stack.Pop2()
	if err != nil {
		return err
	}
	l.moveToReg(l.b, addr, l.spec.Scratch[1])
	l.moveToReg(l.b, val, l.spec.Scratch[0])
	effAddr := fmt.Sprintf("[%s, %s, #%d]", l.spec.MemBase, l.spec.Scratch[1], ins.Mem.Offset)
	mnem := map[int]string{8: "strb", 16: "strh", 32: "str"}[ins.Mem.Width]
	l.b.Emit(mnem, l.spec.Scratch[0], effAddr)
	return nil
}

func (l *arm32Lowerer) call(funcIdx uint32) error {
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
		if paramIdx < len(l.spec.ArgRegs) {
			l.moveToReg(l.b, ops[i], l.spec.ArgRegs[paramIdx])
		} else {
			stackIdx := paramIdx - len(l.spec.ArgRegs)
			l.moveToReg(l.b, ops[i], l.spec.Scratch[0])
			l.b.Emit("str", l.spec.Scratch[0], fmt.Sprintf("[sp, #%d]", stackIdx*l.spec.SlotWidth))
		}
	}
	l.b.Emit("bl", callee.Name)
	if len(callee.Results) > 0 {
		l.push(l.spec.Result)
	}
	return nil
}

func (l *arm32Lowerer) emitI64Op(ins wat.Instruction) error {
	switch ins.Op {
	case wat.OpAdd, wat.OpSub, wat.OpMul, wat.OpDivS, wat.OpDivU, wat.OpRemS, wat.OpRemU,
		wat.OpAnd, wat.OpOr, wat.OpXor, wat.OpShl, wat.OpShrS, wat.OpShrU, wat.OpRotl, wat.OpRotr:
		name := map[wat.Op]string{
			wat.OpAdd: "__watnative_i64_add", wat.OpSub: "__watnative_i64_sub", wat.OpMul: "__watnative_i64_mul",
			wat.OpDivS: "__watnative_i64_divs", wat.OpDivU: "__watnative_i64_divu",
			wat.OpRemS: "__watnative_i64_rems", wat.OpRemU: "__watnative_i64_remu",
			wat.OpAnd: "__watnative_i64_and", wat.OpOr: "__watnative_i64_or", wat.OpXor: "__watnative_i64_xor",
			wat.OpShl: "__watnative_i64_shl", wat.OpShrS: "__watnative_i64_shrs", wat.OpShrU: "__watnative_i64_shru",
			wat.OpRotl: "__watnative_i64_rotl", wat.OpRotr: "__watnative_i64_rotr",
		}[ins.Op]
		lhs, rhs, err := l.stack.Pop2()
		if err != nil {
			return err
		}
		l.i64Libcall(name, lhs, rhs)
		return nil

	case wat.OpEq, wat.OpNe, wat.OpLtS, wat.OpLtU, wat.OpGtS, wat.OpGtU, wat.OpLeS, wat.OpLeU, wat.OpGeS, wat.OpGeU:
		name := map[wat.Op]string{
			wat.OpEq: "__watnative_i64_eq", wat.OpNe: "__watnative_i64_ne",
			wat.OpLtS: "__watnative_i64_lts", wat.OpLtU: "__watnative_i64_ltu",
			wat.OpGtS: "__watnative_i64_gts", wat.OpGtU: "__watnative_i64_gtu",
			wat.OpLeS: "__watnative_i64_les", wat.OpLeU: "__watnative_i64_leu",
			wat.OpGeS: "__watnative_i64_ges", wat.OpGeU: "__watnative_i64_geu",
		}[ins.Op]
		lhs, rhs, err := l.stack.Pop2()
		if err != nil {
			return err
		}
		l.i64Libcall(name, lhs, rhs)
		return nil

	case wat.OpClz, wat.OpCtz, wat.OpPopcnt, wat.OpEqz:
		name := map[wat.Op]string{
			wat.OpClz: "__watnative_i64_clz", wat.OpCtz: "__watnative_i64_ctz",
			wat.OpPopcnt: "__watnative_i64_popcnt", wat.OpEqz: "__watnative_i64_eqz",
		}[ins.Op]
		v, err := l.stack.Top()
		if err != nil {
			return err
		}
		if _, _, _, err := l.stack.Pop(); err != nil {
			return err
		}
		l.i64Libcall(name, v, v)
		return nil

	case wat.OpWrapI64:
		reg, err := l.pop(l.spec.Scratch[0])
		if err != nil {
			return err
		}
		l.push(reg) // the tracked low word is already the wrapped i32
		return nil

	case wat.OpExtendI32S, wat.OpExtendI32U, wat.OpExtend32S:
		name := map[wat.Op]string{
			wat.OpExtendI32S: "__watnative_i64_extend_s", wat.OpExtendI32U: "__watnative_i64_extend_u",
			wat.OpExtend32S: "__watnative_i64_extend_s",
		}[ins.Op]
		v, err := l.stack.Top()
		if err != nil {
			return err
		}
		if _, _, _, err := l.stack.Pop(); err != nil {
			return err
		}
		l.i64Libcall(name, v, v)
		return nil

	case wat.OpExtend8S, wat.OpExtend16S:
		reg, err := l.pop(l.spec.Scratch[0])
		if err != nil {
			return err
		}
		mnem := map[wat.Op]string{wat.OpExtend8S: "sxtb", wat.OpExtend16S: "sxth"}[ins.Op]
		l.b.Emit(mnem, reg, reg)
		l.push(reg)
		return nil

	default:
		return &diag.Error{Kind: diag.UnsupportedOpcode, Location: l.fn.Name, Message: fmt.Sprintf("i64 opcode %d not covered for arm32", ins.Op)}
	}
}
