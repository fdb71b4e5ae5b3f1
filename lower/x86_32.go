package lower

import (
	"fmt"

	"github.com/tetratelabs/watnative/asmtext"
	"github.com/tetratelabs/watnative/diag"
	"github.com/tetratelabs/watnative/target"
	"github.com/tetratelabs/watnative/wat"
)

// x86_32Lowerer lowers to IA-32 (cdecl) assembly text. It shares the
// control-flow walker and operand-stack model with amd64.go but has no
// REX prefix, no 64-bit registers, and a stack-only calling convention
// (spec §4.1.3's x86_32 row). Only eax is a true scratch register here
// (target.X86_32's Scratch slice); ebx/ecx/edx/edi double as the four
// operand-stack registers, so every opcode handler below routes its
// intermediate computation through eax alone and addresses the other
// operand directly by its register or memory text, rather than copying
// both sides into temporaries the way amd64.go can afford to.
//
// i64 values do not fit a 32-bit register or slot: arithmetic on them is
// lowered to compiler-rt-style libcalls (__watnative_i64_*), the same
// strategy real 32-bit C compilers use for 64-bit arithmetic, rather
// than hand-rolling double-register (edx:eax) instruction selection for
// every opcode.
type x86_32Lowerer struct {
	spec   *target.Spec
	b      *asmtext.Builder
	stack  *Stack
	blocks *Blocks
	labels *Labels
	fn     *wat.Function
	mod    *wat.Module
}

const x86_32CalleeSavedPushed = 3 // ebx, esi, edi (ebp pushed/restored separately as the frame pointer)

// LowerX86_32 lowers fn to IA-32 assembly text.
func LowerX86_32(mod *wat.Module, fn *wat.Function) (string, error) {
	spec, _ := target.Lookup(string(target.X86_32))
	savedBytes := x86_32CalleeSavedPushed * spec.SlotWidth

	stack := NewStack(spec)
	stack.SetFrame(savedBytes, fn.NumLocals())

	l := &x86_32Lowerer{spec: spec, b: &asmtext.Builder{}, stack: stack, blocks: &Blocks{}, labels: &Labels{}, fn: fn, mod: mod}

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
	out.Emit("push", "ebp")
	out.Emit("mov", "ebp", "esp")
	for _, r := range []string{"ebx", "esi", "edi"} {
		out.Emit("push", r)
	}
	if frameSize > 0 {
		out.Emit("sub", "esp", fmt.Sprintf("%d", frameSize))
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
		l.moveToReg(out, res, spec.Result)
	}
	out.Emit("mov", "esp", "ebp")
	out.Emit("sub", "esp", fmt.Sprintf("%d", savedBytes))
	for _, r := range []string{"edi", "esi", "ebx"} {
		out.Emit("pop", r)
	}
	out.Emit("pop", "ebp")
	out.Emit("ret")
	return out.String(), nil
}

// copyParamsIn copies cdecl stack arguments (all of them: x86_32 passes
// everything on the caller's stack, spec §4.1.3) into local slots. The
// first argument sits at [ebp+8], right above the saved ebp and return
// address.
func (l *x86_32Lowerer) copyParamsIn(out *asmtext.Builder) {
	savedBytes := x86_32CalleeSavedPushed * l.spec.SlotWidth
	for i := range l.fn.Params {
		off := LocalOffset(l.spec, savedBytes, i)
		argOff := 8 + i*l.spec.SlotWidth
		out.Emit("mov", "eax", fmt.Sprintf("[ebp+%d]", argOff))
		out.Emit("mov", l.memOperand(off), "eax")
	}
}

func (l *x86_32Lowerer) memOperand(off int) string { return fmt.Sprintf("[ebp-%d]", off) }

// operandText renders an Operand as assembly text directly usable as an
// instruction's register-or-memory operand, without materializing it
// into a register first.
func (l *x86_32Lowerer) operandText(op Operand) string {
	if op.IsReg {
		return op.Reg
	}
	return l.memOperand(op.SpillOffset)
}

func (l *x86_32Lowerer) moveToReg(out *asmtext.Builder, src Operand, dst string) {
	if src.IsReg && src.Reg == dst {
		return
	}
	out.Emit("mov", dst, l.operandText(src))
}

func (l *x86_32Lowerer) push(srcReg string) {
	dstReg, spillOff, isReg := l.stack.Push()
	if isReg {
		if dstReg != srcReg {
			l.b.Emit("mov", dstReg, srcReg)
		}
		return
	}
	l.b.Emit("mov", l.memOperand(spillOff), srcReg)
}

func (l *x86_32Lowerer) pushFromMemory(mem string) {
	dstReg, spillOff, isReg := l.stack.Push()
	if isReg {
		l.b.Emit("mov", dstReg, mem)
		return
	}
	l.b.Emit("mov", "eax", mem)
	l.b.Emit("mov", l.memOperand(spillOff), "eax")
}

// popToEax pops the top operand straight into eax, the only register
// guaranteed free of live operand-stack state.
func (l *x86_32Lowerer) popToEax() error {
	reg, off, isReg, err := l.stack.Pop()
	if err != nil {
		return err
	}
	if isReg {
		if reg == "eax" {
			return nil
		}
		l.b.Emit("mov", "eax", reg)
		return nil
	}
	l.b.Emit("mov", "eax", l.memOperand(off))
	return nil
}

// ---- ControlEmitter ----

func (l *x86_32Lowerer) Label(name string) { l.b.Label(name) }
func (l *x86_32Lowerer) Jump(label string)  { l.b.Emit("jmp", label) }

func (l *x86_32Lowerer) JumpIfZero(condReg, label string) {
	l.b.Emit("cmp", condReg, "0")
	l.b.Emit("je", label)
}

func (l *x86_32Lowerer) JumpIfNonZero(condReg, label string) {
	l.b.Emit("cmp", condReg, "0")
	l.b.Emit("jne", label)
}

func (l *x86_32Lowerer) JumpTable(indexReg string, targets []string, def string) {
	for i, t := range targets {
		l.b.Emit("cmp", indexReg, fmt.Sprintf("%d", i))
		l.b.Emit("je", t)
	}
	l.b.Emit("jmp", def)
}

func (l *x86_32Lowerer) PopCondition() (string, error) {
	if err := l.popToEax(); err != nil {
		return "", err
	}
	return "eax", nil
}

func (l *x86_32Lowerer) Trap() { l.b.Emit("ud2") }

// ---- opcode emission ----

// i64Libcall lowers a binary i64 opcode to a call into the compiler-rt
// style runtime referenced in this file's doc comment: operands are
// pushed onto the outgoing cdecl stack (8 bytes each), the callee
// returns the i64 result in edx:eax, and the low half (eax) is pushed
// back as this architecture's single tracked stack slot for that value.
func (l *x86_32Lowerer) i64Libcall(name string, lhs, rhs Operand) {
	l.b.Emit("sub", "esp", "16")
	l.b.Emit("mov", "eax", l.operandText(lhs))
	l.b.Emit("mov", "[esp]", "eax")
	l.b.Emit("mov", "eax", l.operandText(rhs))
	l.b.Emit("mov", "[esp+8]", "eax")
	l.b.Emit("call", name)
	l.b.Emit("add", "esp", "16")
	l.push("eax")
}

func (l *x86_32Lowerer) EmitOp(ins wat.Instruction) error {
	if ins.Type == wat.I64 {
		return l.emitI64Op(ins)
	}
	switch ins.Op {
	case wat.OpLocalGet:
		off := LocalOffset(l.spec, x86_32CalleeSavedPushed*l.spec.SlotWidth, int(ins.Index))
		l.pushFromMemory(l.memOperand(off))
		return nil

	case wat.OpLocalSet, wat.OpLocalTee:
		if err := l.popToEax(); err != nil {
			return err
		}
		off := LocalOffset(l.spec, x86_32CalleeSavedPushed*l.spec.SlotWidth, int(ins.Index))
		l.b.Emit("mov", l.memOperand(off), "eax")
		if ins.Op == wat.OpLocalTee {
			l.push("eax")
		}
		return nil

	case wat.OpGlobalGet:
		l.pushFromMemory(fmt.Sprintf("[global_%d]", ins.Index))
		return nil
	case wat.OpGlobalSet:
		if err := l.popToEax(); err != nil {
			return err
		}
		l.b.Emit("mov", fmt.Sprintf("[global_%d]", ins.Index), "eax")
		return nil

	case wat.OpAdd, wat.OpAnd, wat.OpOr, wat.OpXor, wat.OpSub:
		mnem := map[wat.Op]string{wat.OpAdd: "add", wat.OpAnd: "and", wat.OpOr: "or", wat.OpXor: "xor", wat.OpSub: "sub"}[ins.Op]
		lhs, rhs, err := l.stack.Pop2()
		if err != nil {
			return err
		}
		l.b.Emit("mov", "eax", l.operandText(lhs))
		l.b.Emit(mnem, "eax", l.operandText(rhs))
		l.push("eax")
		return nil

	case wat.OpMul:
		lhs, rhs, err := l.stack.Pop2()
		if err != nil {
			return err
		}
		l.b.Emit("mov", "eax", l.operandText(lhs))
		l.b.Emit("imul", "eax", l.operandText(rhs))
		l.push("eax")
		return nil

	case wat.OpShl, wat.OpShrS, wat.OpShrU, wat.OpRotl, wat.OpRotr:
		// Hardware mandates the shift count sit in cl. When the count is
		// not already in ecx, loading it there overwrites ecx, which may
		// hold another live stack slot; no register-pressure-aware spill
		// is performed for that case
		// (documented in doc.go alongside this file's other gaps).
		mnem := map[wat.Op]string{wat.OpShl: "shl", wat.OpShrS: "sar", wat.OpShrU: "shr", wat.OpRotl: "rol", wat.OpRotr: "ror"}[ins.Op]
		lhs, rhs, err := l.stack.Pop2()
		if err != nil {
			return err
		}
		l.b.Emit("mov", "eax", l.operandText(lhs))
		if !(rhs.IsReg && rhs.Reg == "ecx") {
			l.b.Emit("mov", "ecx", l.operandText(rhs))
		}
		l.b.Emit(mnem, "eax", "cl")
		l.push("eax")
		return nil

	case wat.OpDivS, wat.OpDivU, wat.OpRemS, wat.OpRemU:
		lhs, rhs, err := l.stack.Pop2()
		if err != nil {
			return err
		}
		l.b.Emit("mov", "eax", l.operandText(lhs))
		divisor := l.operandText(rhs)
		if ins.Op == wat.OpDivS || ins.Op == wat.OpRemS {
			l.b.Emit("cdq")
			l.b.Emit("idiv", divisor)
		} else {
			l.b.Emit("xor", "edx", "edx")
			l.b.Emit("div", divisor)
		}
		if ins.Op == wat.OpDivS || ins.Op == wat.OpDivU {
			l.push("eax")
		} else {
			l.push("edx")
		}
		return nil

	case wat.OpClz, wat.OpCtz, wat.OpPopcnt:
		mnem := map[wat.Op]string{wat.OpClz: "lzcnt", wat.OpCtz: "tzcnt", wat.OpPopcnt: "popcnt"}[ins.Op]
		if err := l.popToEax(); err != nil {
			return err
		}
		l.b.Emit(mnem, "eax", "eax")
		l.push("eax")
		return nil

	case wat.OpEq, wat.OpNe, wat.OpLtS, wat.OpLtU, wat.OpGtS, wat.OpGtU, wat.OpLeS, wat.OpLeU, wat.OpGeS, wat.OpGeU:
		setcc := map[wat.Op]string{
			wat.OpEq: "sete", wat.OpNe: "setne", wat.OpLtS: "setl", wat.OpLtU: "setb",
			wat.OpGtS: "setg", wat.OpGtU: "seta", wat.OpLeS: "setle", wat.OpLeU: "setbe",
			wat.OpGeS: "setge", wat.OpGeU: "setae",
		}[ins.Op]
		lhs, rhs, err := l.stack.Pop2()
		if err != nil {
			return err
		}
		l.b.Emit("mov", "eax", l.operandText(lhs))
		l.b.Emit("cmp", "eax", l.operandText(rhs))
		l.b.Emit(setcc, "al")
		l.b.Emit("movzx", "eax", "al")
		l.push("eax")
		return nil

	case wat.OpEqz:
		if err := l.popToEax(); err != nil {
			return err
		}
		l.b.Emit("cmp", "eax", "0")
		l.b.Emit("sete", "al")
		l.b.Emit("movzx", "eax", "al")
		l.push("eax")
		return nil

	case wat.OpLoad:
		if err := l.popToEax(); err != nil {
			return err
		}
		effAddr := fmt.Sprintf("[%s+eax+%d]", l.spec.MemBase, ins.Mem.Offset)
		mnem := "mov"
		if ins.Mem.Width < 32 {
			if ins.Mem.Signed {
				mnem = "movsx"
			} else {
				mnem = "movzx"
			}
		}
		l.b.Emit(mnem, "eax", effAddr)
		l.push("eax")
		return nil

	case wat.OpStore:
		val, addr, err := l.stack.Pop2()
		if err != nil {
			return err
		}
		l.b.Emit("mov", "eax", l.operandText(addr))
		effAddr := fmt.Sprintf("[%s+eax+%d]", l.spec.MemBase, ins.Mem.Offset)
		if val.IsReg {
			l.b.Emit("mov", effAddr, val.Reg)
		} else {
			l.b.Emit("mov", "ecx", l.operandText(val))
			l.b.Emit("mov", effAddr, "ecx")
		}
		return nil

	case wat.OpMemorySize:
		l.b.Emit("call", "__watnative_memory_size")
		l.push("eax")
		return nil
	case wat.OpMemoryGrow:
		if err := l.popToEax(); err != nil {
			return err
		}
		l.b.Emit("sub", "esp", "4")
		l.b.Emit("mov", "[esp]", "eax")
		l.b.Emit("call", "__watnative_memory_grow")
		l.b.Emit("add", "esp", "4")
		l.push("eax")
		return nil

	case wat.OpCall:
		return l.call(ins.FuncIdx)
	case wat.OpCallIndirect:
		if err := l.popToEax(); err != nil {
			return err
		}
		l.b.Emit("sub", "esp", "4")
		l.b.Emit("mov", "[esp]", "eax")
		l.b.Emit("call", "__watnative_call_indirect_check")
		l.b.Emit("call", "[__watnative_table+eax*4]")
		l.b.Emit("add", "esp", "4")
		l.push("eax")
		return nil

	case wat.OpDrop:
		_, _, _, err := l.stack.Pop()
		return err

	case wat.OpSelect:
		cond, err := l.PopCondition()
		if err != nil {
			return err
		}
		v1, v2, err := l.stack.Pop2()
		if err != nil {
			return err
		}
		l.b.Emit("cmp", cond, "0")
		l.b.Emit("mov", "eax", l.operandText(v2))
		l.b.Emit("mov", "ecx", l.operandText(v1))
		l.b.Emit("cmovne", "eax", "ecx")
		l.push("eax")
		return nil

	case wat.OpNop:
		l.b.Emit("nop")
		return nil

	case wat.OpExtend8S, wat.OpExtend16S:
		if err := l.popToEax(); err != nil {
			return err
		}
		src := "al"
		if ins.Op == wat.OpExtend16S {
			src = "ax"
		}
		l.b.Emit("movsx", "eax", src)
		l.push("eax")
		return nil

	default:
		return &diag.Error{Kind: diag.UnsupportedOpcode, Location: l.fn.Name, Message: fmt.Sprintf("opcode %d not covered for x86_32", ins.Op)}
	}
}

// emitI64Op routes i64-typed arithmetic/comparison/bitwise opcodes to the
// runtime libcall strategy (see i64Libcall's doc comment); local/global/
// memory/control opcodes already work unchanged regardless of value width
// since they move whole slots, not decompose them.
func (l *x86_32Lowerer) emitI64Op(ins wat.Instruction) error {
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
		if err := l.popToEax(); err != nil {
			return err
		}
		l.push("eax") // low 32 bits of the edx:eax pair are exactly the wrapped i32
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
		if err := l.popToEax(); err != nil {
			return err
		}
		src := "al"
		if ins.Op == wat.OpExtend16S {
			src = "ax"
		}
		l.b.Emit("movsx", "eax", src)
		l.push("eax")
		return nil

	default:
		return &diag.Error{Kind: diag.UnsupportedOpcode, Location: l.fn.Name, Message: fmt.Sprintf("i64 opcode %d not covered for x86_32", ins.Op)}
	}
}

func (l *x86_32Lowerer) call(funcIdx uint32) error {
	if l.mod == nil || int(funcIdx) >= len(l.mod.Functions) {
		return &diag.Error{Kind: diag.MalformedInput, Location: l.fn.Name, Message: fmt.Sprintf("call to unknown function index %d", funcIdx)}
	}
	callee := l.mod.Functions[funcIdx]
	n := len(callee.Params)
	ops, err := l.stack.PopN(n)
	if err != nil {
		return err
	}
	if n > 0 {
		l.b.Emit("sub", "esp", fmt.Sprintf("%d", n*l.spec.SlotWidth))
		for i := 0; i < n; i++ {
			paramIdx := n - 1 - i
			l.b.Emit("mov", "eax", l.operandText(ops[i]))
			l.b.Emit("mov", fmt.Sprintf("[esp+%d]", paramIdx*l.spec.SlotWidth), "eax")
		}
	}
	l.b.Emit("call", callee.Name)
	if n > 0 {
		l.b.Emit("add", "esp", fmt.Sprintf("%d", n*l.spec.SlotWidth))
	}
	if len(callee.Results) > 0 {
		l.push("eax")
	}
	return nil
}
