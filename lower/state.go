// Package lower implements the WAT-to-assembly lowering of spec §4.1, one
// file per architecture (amd64.go, x86_32.go, x86_16.go, arm64.go,
// arm32.go). This file holds the ~55% shared slice: the operand-stack
// simulation, block-context stack, and label allocator every architecture
// file builds its opcode switch on top of.
package lower

import (
	"fmt"

	"github.com/tetratelabs/watnative/diag"
	"github.com/tetratelabs/watnative/target"
	"github.com/tetratelabs/watnative/wat"
)

// slot is one entry in the operand-stack model (spec §3's "stack slots").
type slot struct {
	// reg is non-empty when this slot lives in one of the K physical
	// stack registers; spilled is true when it lives in memory instead.
	reg     string
	spilled bool
	// spillIdx is this slot's position among currently-spilled slots,
	// valid only when spilled is true. Slot 0 is the shallowest spill.
	spillIdx int
}

// Stack simulates the WASM operand stack per spec §4.1.5: the first K
// entries are held in registers, deeper entries spill to
// [frame_ptr - offset]. It is pure per-function state — nothing here is
// shared across goroutines compiling different functions concurrently
// (spec §5).
type Stack struct {
	spec      *target.Spec
	slots     []slot
	spillTop  int // number of currently-spilled slots
	maxSpill  int // high-water mark, used to size the frame
	spillBase int // byte offset from the frame pointer where spills begin
}

// SetFrame records where, relative to the frame pointer, this function's
// locals end and its spill area begins: spillBase = savedRegsBytes +
// numLocals*SlotWidth (spec §3's Local frame layout, excluding the frame
// pointer's own saved slot which sits at positive offsets from itself).
func (s *Stack) SetFrame(savedRegsBytes, numLocals int) {
	s.spillBase = savedRegsBytes + numLocals*s.spec.SlotWidth
}

// LocalOffset returns the frame-pointer-relative byte offset of local index
// i, given the same savedRegsBytes passed to SetFrame.
func LocalOffset(spec *target.Spec, savedRegsBytes int, i int) int {
	return savedRegsBytes + (i+1)*spec.SlotWidth
}

// NewStack creates an empty operand-stack model for the given architecture.
func NewStack(spec *target.Spec) *Stack {
	return &Stack{spec: spec}
}

// Depth returns the current WASM operand-stack depth.
func (s *Stack) Depth() int { return len(s.slots) }

// MaxSpill returns the high-water mark of simultaneously spilled slots,
// used to compute the frame's spill-area size.
func (s *Stack) MaxSpill() int { return s.maxSpill }

// Push reserves the next stack slot and reports where it lives: either one
// of the architecture's virtual stack registers (the caller must move the
// value there) or a spill-slot byte offset from the frame pointer (the
// caller must store the value there), per spec §4.1.5.
func (s *Stack) Push() (destReg string, spillOffset int, isReg bool) {
	depth := len(s.slots)
	if depth < target.NumStackSlots {
		destReg = s.spec.StackRegs[depth]
		s.slots = append(s.slots, slot{reg: destReg})
		return destReg, 0, true
	}
	idx := s.spillTop
	s.spillTop++
	if s.spillTop > s.maxSpill {
		s.maxSpill = s.spillTop
	}
	s.slots = append(s.slots, slot{spilled: true, spillIdx: idx})
	return "", s.spillOffset(idx), false
}

// Pop removes the top slot and reports where it currently lives, so the
// caller can copy it into a scratch register. It mirrors Push's return
// shape.
func (s *Stack) Pop() (srcReg string, spillOffset int, isReg bool, err error) {
	n := len(s.slots)
	if n == 0 {
		return "", 0, false, &diag.Error{Kind: diag.MalformedInput, Message: "operand stack underflow on pop"}
	}
	top := s.slots[n-1]
	s.slots = s.slots[:n-1]
	if top.spilled {
		s.spillTop--
		return "", s.spillOffset(top.spillIdx), false, nil
	}
	return top.reg, 0, true, nil
}

// Operand is where one popped or queried stack slot lives: register Reg
// when IsReg, otherwise the spill slot at SpillOffset.
type Operand struct {
	Reg         string
	SpillOffset int
	IsReg       bool
}

// PopN pops n values, returning them top-first: result[0] is the topmost
// (last-pushed) value, result[n-1] the deepest of the n. Used by call
// lowering, where the topmost value is the last argument evaluated.
func (s *Stack) PopN(n int) ([]Operand, error) {
	ops := make([]Operand, n)
	for i := 0; i < n; i++ {
		reg, off, isReg, err := s.Pop()
		if err != nil {
			return nil, err
		}
		ops[i] = Operand{Reg: reg, SpillOffset: off, IsReg: isReg}
	}
	return ops, nil
}

// Pop2 is shorthand for two consecutive pops: dst2 is the logical top
// (right-hand operand), dst1 the slot underneath (spec §4.1.5's
// non-commutative tie-break: subtractions, shifts, divisions and
// comparisons treat the top as the right-hand side).
func (s *Stack) Pop2() (dst1, dst2 Operand, err error) {
	r2, o2, ir2, err := s.Pop()
	if err != nil {
		return Operand{}, Operand{}, err
	}
	r1, o1, ir1, err := s.Pop()
	if err != nil {
		return Operand{}, Operand{}, err
	}
	return Operand{r1, o1, ir1}, Operand{r2, o2, ir2}, nil
}

// Top returns the current top-of-stack location without modifying depth.
func (s *Stack) Top() (Operand, error) {
	return s.At(0)
}

// At returns the k-th slot from the top (0 = top), a read-only query.
func (s *Stack) At(k int) (Operand, error) {
	n := len(s.slots)
	if k < 0 || k >= n {
		return Operand{}, &diag.Error{Kind: diag.MalformedInput, Message: fmt.Sprintf("operand stack has depth %d, asked for slot %d", n, k)}
	}
	sl := s.slots[n-1-k]
	if sl.spilled {
		return Operand{SpillOffset: s.spillOffset(sl.spillIdx)}, nil
	}
	return Operand{Reg: sl.reg, IsReg: true}, nil
}

// Truncate drops the stack back to the given depth, used when a branch
// leaves values above a block's result arity logically behind (spec
// §4.1.7 "values above that arity are logically dropped").
func (s *Stack) Truncate(depth int) error {
	if depth > len(s.slots) {
		return &diag.Error{Kind: diag.MalformedInput, Message: fmt.Sprintf("cannot truncate stack of depth %d to %d", len(s.slots), depth)}
	}
	for len(s.slots) > depth {
		if _, _, _, err := s.Pop(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns an independent copy of the stack model. The if/else walker
// does not use it: it truncates the one stack back to the entry depth
// before lowering the else arm.
func (s *Stack) Clone() *Stack {
	cp := *s
	cp.slots = append([]slot(nil), s.slots...)
	return &cp
}

func (s *Stack) spillOffset(idx int) int {
	// Spill area grows toward lower addresses below the locals; idx 0 is
	// the shallowest (first-spilled) slot.
	return s.spillBase + (idx+1)*s.spec.SlotWidth
}

// BlockKind distinguishes block/loop/if contexts for walk's label
// target selection (spec §4.1.7).
type BlockKind int

const (
	BlockPlain BlockKind = iota
	BlockLoop
	BlockIf
)

// BlockContext is one entry in the Block context stack of spec §3: for each
// enclosing block/loop/if, its entry-stack depth, continuation label, and
// result arity.
type BlockContext struct {
	Kind        BlockKind
	EntryDepth  int
	Continue    string // label a branch targets: end_N (block/if) or start_N (loop)
	ResultArity int
}

// Blocks is the lowerer's block-context stack, indexed from the top for
// branch-depth resolution (label depth 0 = innermost, spec §3).
type Blocks struct {
	stack []BlockContext
}

func (b *Blocks) Push(c BlockContext) { b.stack = append(b.stack, c) }

func (b *Blocks) Pop() (BlockContext, error) {
	n := len(b.stack)
	if n == 0 {
		return BlockContext{}, &diag.Error{Kind: diag.MalformedInput, Message: "block context stack underflow"}
	}
	c := b.stack[n-1]
	b.stack = b.stack[:n-1]
	return c, nil
}

// At resolves a branch label depth (0 = innermost) to its target context.
func (b *Blocks) At(labelDepth uint32) (BlockContext, error) {
	n := len(b.stack)
	idx := n - 1 - int(labelDepth)
	if idx < 0 || idx >= n {
		return BlockContext{}, &diag.Error{Kind: diag.MalformedInput, Message: fmt.Sprintf("branch depth %d exceeds %d enclosing blocks", labelDepth, n)}
	}
	return b.stack[idx], nil
}

func (b *Blocks) Len() int { return len(b.stack) }

// Labels allocates fresh, monotonically increasing label suffixes scoped to
// one function (spec §3's "Lowerer allocates fresh labels with a
// monotonically increasing counter for each control construct").
type Labels struct {
	counter int
}

func (l *Labels) Next() int {
	n := l.counter
	l.counter++
	return n
}

func (l *Labels) End(n int) string   { return fmt.Sprintf("end_%d", n) }
func (l *Labels) Start(n int) string { return fmt.Sprintf("start_%d", n) }
func (l *Labels) Else(n int) string  { return fmt.Sprintf("else_%d", n) }

// FuncExit names the single labeled exit point every function has (spec
// §4.1.4): "function_exit_<id>".
func FuncExit(funcName string) string { return "function_exit_" + funcName }
