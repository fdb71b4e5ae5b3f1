package lower

import (
	"fmt"

	"github.com/tetratelabs/watnative/asmtext"
	"github.com/tetratelabs/watnative/diag"
	"github.com/tetratelabs/watnative/target"
	"github.com/tetratelabs/watnative/wat"
)

// amd64Regs32 maps each x86_64 register this package ever names to its
// 32-bit sub-register, used for i32 operations (spec §4.1.6: integer
// widths only, i32 arithmetic must not touch the high 32 bits it doesn't
// define).
var amd64Regs32 = map[string]string{
	"rax": "eax", "rbx": "ebx", "rcx": "ecx", "rdx": "edx",
	"rdi": "edi", "rsi": "esi", "rbp": "ebp", "rsp": "esp",
	"r11": "r11d", "r12": "r12d", "r13": "r13d", "r14": "r14d", "r15": "r15d",
	"r8": "r8d", "r9": "r9d",
}

func amd64Reg(name string, width int) string {
	if width == 32 {
		if r, ok := amd64Regs32[name]; ok {
			return r
		}
	}
	return name
}

// amd64Lowerer lowers one function to x86-64 assembly text (spec §4.1.2,
// System V-ish ABI per §4.1.3's x86_64 row).
type amd64Lowerer struct {
	spec   *target.Spec
	b      *asmtext.Builder
	stack  *Stack
	blocks *Blocks
	labels *Labels
	fn     *wat.Function
	mod    *wat.Module
}

const amd64CalleeSavedPushed = 5 // rbx, r12, r13, r14, r15 (rbp itself is pushed separately before the frame pointer is set)

// LowerAMD64 lowers fn to x86-64 assembly text (spec scenario S6). mod
// supplies the signatures of any functions fn calls directly; it may be nil
// if fn contains no call/call_indirect.
func LowerAMD64(mod *wat.Module, fn *wat.Function) (string, error) {
	spec, _ := target.Lookup(string(target.X86_64))
	savedBytes := amd64CalleeSavedPushed * spec.SlotWidth

	stack := NewStack(spec)
	stack.SetFrame(savedBytes, fn.NumLocals())

	l := &amd64Lowerer{spec: spec, b: &asmtext.Builder{}, stack: stack, blocks: &Blocks{}, labels: &Labels{}, fn: fn, mod: mod}

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
	out.Emit("push", "rbp")
	out.Emit("mov", "rbp", "rsp")
	for _, r := range []string{"rbx", "r12", "r13", "r14", "r15"} {
		out.Emit("push", r)
	}
	if frameSize > 0 {
		out.Emit("sub", "rsp", fmt.Sprintf("%d", frameSize))
	}
	out.Emit("mov", spec.MemBase, "[watnative_memory_base]")
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
	// Reset rsp to just past the pushed callee-saved registers, undoing
	// both the locals/spill "sub rsp" and anything the body pushed.
	out.Emit("mov", "rsp", "rbp")
	out.Emit("sub", "rsp", fmt.Sprintf("%d", savedBytes))
	for _, r := range []string{"r15", "r14", "r13", "r12", "rbx"} {
		out.Emit("pop", r)
	}
	out.Emit("pop", "rbp")
	out.Emit("ret")
	return out.String(), nil
}

func (l *amd64Lowerer) copyParamsIn(out *asmtext.Builder) {
	savedBytes := amd64CalleeSavedPushed * l.spec.SlotWidth
	for i, p := range l.fn.Params {
		off := LocalOffset(l.spec, savedBytes, i)
		width := widthOf(p)
		var src string
		if i < len(l.spec.ArgRegs) {
			src = amd64Reg(l.spec.ArgRegs[i], width)
		} else {
			// Stack-passed arguments (beyond the 6 register args) live
			// above the return address at [rbp+16], [rbp+24], ...
			stackIdx := i - len(l.spec.ArgRegs)
			out.Emit("mov", amd64Reg("rax", width), fmt.Sprintf("[rbp+%d]", 16+stackIdx*l.spec.SlotWidth))
			src = amd64Reg("rax", width)
		}
		out.Emit("mov", l.memOperand(off, width), src)
	}
}

func (l *amd64Lowerer) memOperand(off int, width int) string {
	return fmt.Sprintf("[rbp-%d]", off)
}

func widthOf(t wat.ValType) int { return t.Width() }

func alignUp(n, align int) int {
	if align <= 1 {
		return n
	}
	return (n + align - 1) / align * align
}

// moveToReg copies operand src (a register or a spill-memory location) into
// dst, skipping the instruction entirely when src is already dst.
func (l *amd64Lowerer) moveToReg(out *asmtext.Builder, src Operand, dst string, width int) {
	dstR := amd64Reg(dst, width)
	if src.IsReg {
		if src.Reg == dst {
			return
		}
		out.Emit("mov", dstR, amd64Reg(src.Reg, width))
		return
	}
	out.Emit("mov", dstR, l.memOperand(src.SpillOffset, width))
}

func (l *amd64Lowerer) storeFromReg(out *asmtext.Builder, dstOff int, src string, width int) {
	out.Emit("mov", l.memOperand(dstOff, width), amd64Reg(src, width))
}

// push commits src into the next operand-stack slot, copying it there if
// its location differs from where it already lives (spec §4.1.5 push()).
func (l *amd64Lowerer) push(src string, width int) {
	dstReg, spillOff, isReg := l.stack.Push()
	if isReg {
		if dstReg != src {
			l.b.Emit("mov", amd64Reg(dstReg, width), amd64Reg(src, width))
		}
		return
	}
	l.storeFromReg(l.b, spillOff, src, width)
}

// pushFromMemory commits the value at mem directly into the next operand-
// stack slot, loading straight into the destination stack register when
// possible instead of bouncing through scratch first (spec §4.1.6 S6).
func (l *amd64Lowerer) pushFromMemory(mem string, width int) {
	dstReg, spillOff, isReg := l.stack.Push()
	if isReg {
		l.b.Emit("mov", amd64Reg(dstReg, width), mem)
		return
	}
	scratch := l.spec.Scratch[0]
	l.b.Emit("mov", amd64Reg(scratch, width), mem)
	l.storeFromReg(l.b, spillOff, scratch, width)
}

// pop moves the top operand-stack slot into scratch, returning the register
// name it now lives in.
func (l *amd64Lowerer) pop(scratch string, width int) (string, error) {
	reg, off, isReg, err := l.stack.Pop()
	if err != nil {
		return "", err
	}
	if isReg {
		if reg == scratch {
			return scratch, nil
		}
		l.b.Emit("mov", amd64Reg(scratch, width), amd64Reg(reg, width))
		return scratch, nil
	}
	l.b.Emit("mov", amd64Reg(scratch, width), l.memOperand(off, width))
	return scratch, nil
}

// ---- ControlEmitter ----

func (l *amd64Lowerer) Label(name string) { l.b.Label(name) }
func (l *amd64Lowerer) Jump(label string)  { l.b.Emit("jmp", label) }

func (l *amd64Lowerer) JumpIfZero(condReg string, label string) {
	l.b.Emit("cmp", amd64Reg(condReg, 32), "0")
	l.b.Emit("je", label)
}

func (l *amd64Lowerer) JumpIfNonZero(condReg string, label string) {
	l.b.Emit("cmp", amd64Reg(condReg, 32), "0")
	l.b.Emit("jne", label)
}

func (l *amd64Lowerer) JumpTable(indexReg string, targets []string, def string) {
	for i, t := range targets {
		l.b.Emit("cmp", amd64Reg(indexReg, 32), fmt.Sprintf("%d", i))
		l.b.Emit("je", t)
	}
	l.b.Emit("jmp", def)
}

func (l *amd64Lowerer) PopCondition() (string, error) {
	return l.pop(l.spec.Scratch[0], 32)
}

func (l *amd64Lowerer) Trap() {
	l.b.Emit("ud2")
}

// ---- opcode emission ----

func (l *amd64Lowerer) EmitOp(ins wat.Instruction) error {
	width := widthOf(ins.Type)
	switch ins.Op {
	case wat.OpLocalGet:
		off := LocalOffset(l.spec, amd64CalleeSavedPushed*l.spec.SlotWidth, int(ins.Index))
		lt := widthOf(l.fn.LocalType(ins.Index))
		l.pushFromMemory(l.memOperand(off, lt), lt)
		return nil

	case wat.OpLocalSet, wat.OpLocalTee:
		lt := widthOf(l.fn.LocalType(ins.Index))
		reg, err := l.pop(l.spec.Scratch[0], lt)
		if err != nil {
			return err
		}
		off := LocalOffset(l.spec, amd64CalleeSavedPushed*l.spec.SlotWidth, int(ins.Index))
		l.storeFromReg(l.b, off, reg, lt)
		if ins.Op == wat.OpLocalTee {
			l.push(reg, lt)
		}
		return nil

	case wat.OpGlobalGet:
		scratch := l.spec.Scratch[0]
		l.b.Emit("mov", amd64Reg(scratch, width), fmt.Sprintf("[global_%d]", ins.Index))
		l.push(scratch, width)
		return nil

	case wat.OpGlobalSet:
		reg, err := l.pop(l.spec.Scratch[0], width)
		if err != nil {
			return err
		}
		l.b.Emit("mov", fmt.Sprintf("[global_%d]", ins.Index), amd64Reg(reg, width))
		return nil

	case wat.OpAdd, wat.OpAnd, wat.OpOr, wat.OpXor, wat.OpMul:
		return l.commutative(ins, map[wat.Op]string{
			wat.OpAdd: "add", wat.OpAnd: "and", wat.OpOr: "or", wat.OpXor: "xor", wat.OpMul: "imul",
		}[ins.Op], width)

	case wat.OpSub:
		return l.nonCommutative(ins, "sub", width)

	case wat.OpShl, wat.OpShrS, wat.OpShrU, wat.OpRotl, wat.OpRotr:
		mnem := map[wat.Op]string{wat.OpShl: "shl", wat.OpShrS: "sar", wat.OpShrU: "shr", wat.OpRotl: "rol", wat.OpRotr: "ror"}[ins.Op]
		lhs, rhs, err := l.stack.Pop2()
		if err != nil {
			return err
		}
		l.moveToReg(l.b, rhs, "rcx", width)
		l.moveToReg(l.b, lhs, l.spec.Scratch[0], width)
		l.b.Emit(mnem, amd64Reg(l.spec.Scratch[0], width), amd64Reg("rcx", 8))
		l.push(l.spec.Scratch[0], width)
		return nil

	case wat.OpDivS, wat.OpDivU, wat.OpRemS, wat.OpRemU:
		return l.divRem(ins, width)

	case wat.OpClz, wat.OpCtz, wat.OpPopcnt:
		mnem := map[wat.Op]string{wat.OpClz: "lzcnt", wat.OpCtz: "tzcnt", wat.OpPopcnt: "popcnt"}[ins.Op]
		reg, err := l.pop(l.spec.Scratch[0], width)
		if err != nil {
			return err
		}
		l.b.Emit(mnem, amd64Reg(reg, width), amd64Reg(reg, width))
		l.push(reg, width)
		return nil

	case wat.OpEq, wat.OpNe, wat.OpLtS, wat.OpLtU, wat.OpGtS, wat.OpGtU, wat.OpLeS, wat.OpLeU, wat.OpGeS, wat.OpGeU:
		return l.compare(ins, width)

	case wat.OpEqz:
		reg, err := l.pop(l.spec.Scratch[0], width)
		if err != nil {
			return err
		}
		l.b.Emit("cmp", amd64Reg(reg, width), "0")
		l.b.Emit("sete", amd64Reg(reg, 8))
		l.b.Emit("movzx", amd64Reg(reg, 32), amd64Reg(reg, 8))
		l.push(reg, 32)
		return nil

	case wat.OpLoad:
		return l.load(ins)
	case wat.OpStore:
		return l.store(ins)

	case wat.OpMemorySize:
		l.b.Emit("call", "__watnative_memory_size")
		l.push(l.spec.Result, 32)
		return nil
	case wat.OpMemoryGrow:
		if _, err := l.pop(l.spec.ArgRegs[0], 32); err != nil {
			return err
		}
		l.b.Emit("call", "__watnative_memory_grow")
		l.push(l.spec.Result, 32)
		return nil

	case wat.OpCall:
		return l.call(ins.FuncIdx)
	case wat.OpCallIndirect:
		if _, err := l.pop(l.spec.ArgRegs[0], 32); err != nil {
			return err
		}
		l.b.Emit("call", "__watnative_call_indirect_check")
		l.b.Emit("call", fmt.Sprintf("[__watnative_table+%s*8]", l.spec.ArgRegs[0]))
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
		l.b.Emit("cmp", amd64Reg(cond, 32), "0")
		l.b.Emit("cmovne", amd64Reg(l.spec.Scratch[1], 32), amd64Reg(l.spec.Scratch[2], 32))
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
		l.b.Emit("movsxd", amd64Reg(reg, 64), amd64Reg(reg, 32))
		l.push(reg, 64)
		return nil

	case wat.OpExtendI32U:
		reg, err := l.pop(l.spec.Scratch[0], 32)
		if err != nil {
			return err
		}
		l.push(reg, 64) // top 32 bits already zero: every 32-bit x86 write clears them
		return nil

	case wat.OpExtend8S, wat.OpExtend16S, wat.OpExtend32S:
		srcWidth := width
		var fromWidth int
		switch ins.Op {
		case wat.OpExtend8S:
			fromWidth = 8
		case wat.OpExtend16S:
			fromWidth = 16
		case wat.OpExtend32S:
			fromWidth = 32
		}
		reg, err := l.pop(l.spec.Scratch[0], srcWidth)
		if err != nil {
			return err
		}
		mnem := "movsx"
		if fromWidth == 32 {
			mnem = "movsxd"
		}
		l.b.Emit(mnem, amd64Reg(reg, srcWidth), amd64Reg(reg, fromWidth))
		l.push(reg, srcWidth)
		return nil

	default:
		return &diag.Error{Kind: diag.UnsupportedOpcode, Location: l.fn.Name, Message: fmt.Sprintf("opcode %d not covered for x86_64", ins.Op)}
	}
}

func (l *amd64Lowerer) commutative(ins wat.Instruction, mnem string, width int) error {
	lhs, rhs, err := l.stack.Pop2()
	if err != nil {
		return err
	}
	l.moveToReg(l.b, lhs, l.spec.Scratch[1], width)
	l.moveToReg(l.b, rhs, l.spec.Scratch[0], width)
	l.b.Emit(mnem, amd64Reg(l.spec.Scratch[0], width), amd64Reg(l.spec.Scratch[1], width))
	l.push(l.spec.Scratch[0], width)
	return nil
}

func (l *amd64Lowerer) nonCommutative(ins wat.Instruction, mnem string, width int) error {
	lhs, rhs, err := l.stack.Pop2()
	if err != nil {
		return err
	}
	l.moveToReg(l.b, lhs, l.spec.Scratch[1], width)
	l.moveToReg(l.b, rhs, l.spec.Scratch[0], width)
	l.b.Emit(mnem, amd64Reg(l.spec.Scratch[1], width), amd64Reg(l.spec.Scratch[0], width))
	l.push(l.spec.Scratch[1], width)
	return nil
}

// divRem implements spec §4.1.6's division policy: div_s sign-extends into
// the high register (cdq/cqo) before a signed divide; div_u zero-extends;
// rem reads the remainder register (rdx/edx). Division by zero is left to
// the hardware trap (spec §9 Open Question).
func (l *amd64Lowerer) divRem(ins wat.Instruction, width int) error {
	lhs, rhs, err := l.stack.Pop2()
	if err != nil {
		return err
	}
	l.moveToReg(l.b, lhs, "rax", width)
	l.moveToReg(l.b, rhs, l.spec.Scratch[1], width)
	signed := ins.Op == wat.OpDivS || ins.Op == wat.OpRemS
	if signed {
		if width == 64 {
			l.b.Emit("cqo")
		} else {
			l.b.Emit("cdq")
		}
		l.b.Emit("idiv", amd64Reg(l.spec.Scratch[1], width))
	} else {
		l.b.Emit("xor", amd64Reg("rdx", width), amd64Reg("rdx", width))
		l.b.Emit("div", amd64Reg(l.spec.Scratch[1], width))
	}
	if ins.Op == wat.OpDivS || ins.Op == wat.OpDivU {
		l.push("rax", width)
	} else {
		l.push("rdx", width)
	}
	return nil
}

func (l *amd64Lowerer) compare(ins wat.Instruction, width int) error {
	setcc := map[wat.Op]string{
		wat.OpEq: "sete", wat.OpNe: "setne",
		wat.OpLtS: "setl", wat.OpLtU: "setb",
		wat.OpGtS: "setg", wat.OpGtU: "seta",
		wat.OpLeS: "setle", wat.OpLeU: "setbe",
		wat.OpGeS: "setge", wat.OpGeU: "setae",
	}[ins.Op]
	lhs, rhs, err := l.stack.Pop2()
	if err != nil {
		return err
	}
	l.moveToReg(l.b, lhs, l.spec.Scratch[1], width)
	l.moveToReg(l.b, rhs, l.spec.Scratch[0], width)
	l.b.Emit("cmp", amd64Reg(l.spec.Scratch[1], width), amd64Reg(l.spec.Scratch[0], width))
	l.b.Emit(setcc, amd64Reg(l.spec.Scratch[1], 8))
	l.b.Emit("movzx", amd64Reg(l.spec.Scratch[1], 32), amd64Reg(l.spec.Scratch[1], 8))
	l.push(l.spec.Scratch[1], 32)
	return nil
}

func (l *amd64Lowerer) load(ins wat.Instruction) error {
	addr, err := l.pop(l.spec.Scratch[0], 32)
	if err != nil {
		return err
	}
	mnem := "mov"
	resultWidth := widthOf(ins.Type)
	srcWidth := ins.Mem.Width
	if srcWidth < resultWidth {
		if ins.Mem.Signed {
			mnem = "movsx"
			if srcWidth == 32 {
				mnem = "movsxd"
			}
		} else {
			mnem = "movzx"
		}
	}
	effAddr := fmt.Sprintf("[%s+%s+%d]", l.spec.MemBase, amd64Reg(addr, 32), ins.Mem.Offset)
	dst := l.spec.Scratch[0]
	if mnem == "mov" && srcWidth < 64 {
		l.b.Emit("mov", amd64Reg(dst, srcWidth), effAddr)
	} else {
		l.b.Emit(mnem, amd64Reg(dst, resultWidth), effAddr)
	}
	l.push(dst, resultWidth)
	return nil
}

func (l *amd64Lowerer) store(ins wat.Instruction) error {
	valWidth := widthOf(ins.Type)
	val, err := l.pop(l.spec.Scratch[0], valWidth)
	if err != nil {
		return err
	}
	addr, err := l.pop(l.spec.Scratch[1], 32)
	if err != nil {
		return err
	}
	effAddr := fmt.Sprintf("[%s+%s+%d]", l.spec.MemBase, amd64Reg(addr, 32), ins.Mem.Offset)
	l.b.Emit("mov", effAddr, amd64Reg(val, ins.Mem.Width))
	return nil
}

// call lowers a direct call per spec §4.1.3's calling convention: operands
// are popped top-first (the last-evaluated argument is topmost) and moved
// into argument registers in left-to-right order, excess arguments are
// pushed to the outgoing stack area, then the result register (if any) is
// pushed back onto the operand stack.
func (l *amd64Lowerer) call(funcIdx uint32) error {
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
		paramIdx := n - 1 - i // ops[i] is the (paramIdx)-th argument
		width := widthOf(callee.Params[paramIdx])
		if paramIdx < len(l.spec.ArgRegs) {
			l.moveToReg(l.b, ops[i], l.spec.ArgRegs[paramIdx], width)
		} else {
			stackIdx := paramIdx - len(l.spec.ArgRegs)
			l.moveToReg(l.b, ops[i], l.spec.Scratch[0], width)
			l.b.Emit("mov", fmt.Sprintf("[rsp+%d]", stackIdx*l.spec.SlotWidth), amd64Reg(l.spec.Scratch[0], width))
		}
	}
	l.b.Emit("call", callee.Name)
	if len(callee.Results) > 0 {
		l.push(l.spec.Result, widthOf(callee.Results[0]))
	}
	return nil
}
