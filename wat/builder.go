package wat

// The constructors below are the "in-repo way of constructing a Module"
// SPEC_FULL.md §1 calls for: a typed builder mirroring the AST shape, not
// a WAT grammar. They exist so tests and cmd/watc's JSON-module input have
// a convenient, readable way to build a wat.Module by hand.

// Func builds a Function with no locals beyond its parameters.
func Func(name string, params, results []ValType, body ...Instruction) Function {
	return Function{Name: name, Params: params, Results: results, Body: body}
}

// LocalGet/LocalSet/LocalTee build the three local-access instructions.
func LocalGet(idx uint32) Instruction { return Instruction{Op: OpLocalGet, Index: idx} }
func LocalSet(idx uint32) Instruction { return Instruction{Op: OpLocalSet, Index: idx} }
func LocalTee(idx uint32) Instruction { return Instruction{Op: OpLocalTee, Index: idx} }

// GlobalGet/GlobalSet build the two global-access instructions.
func GlobalGet(idx uint32) Instruction { return Instruction{Op: OpGlobalGet, Index: idx} }
func GlobalSet(idx uint32) Instruction { return Instruction{Op: OpGlobalSet, Index: idx} }

// Binary builds a two-operand arithmetic/logical/comparison instruction
// (add, sub, and, lt_s, ...) of the given operand width.
func Binary(op Op, t ValType) Instruction { return Instruction{Op: op, Type: t} }

// Unary builds a one-operand instruction (clz, ctz, popcnt, eqz, the
// extend/wrap family).
func Unary(op Op, t ValType) Instruction { return Instruction{Op: op, Type: t} }

// Return/Unreachable/Nop build their zero-operand instructions.
func Return() Instruction      { return Instruction{Op: OpReturn} }
func Unreachable() Instruction { return Instruction{Op: OpUnreachable} }
func Nop() Instruction         { return Instruction{Op: OpNop} }

// Call builds a direct call by function index.
func Call(funcIdx uint32) Instruction { return Instruction{Op: OpCall, FuncIdx: funcIdx} }

// Load/Store build memory-access instructions.
func Load(mem MemArg) Instruction  { return Instruction{Op: OpLoad, Mem: mem} }
func Store(mem MemArg) Instruction { return Instruction{Op: OpStore, Mem: mem} }
