package assemble

import "strings"

// x86Reg describes one x86-family register name's encoding index and
// width, spec §4.2.5's "register name table".
type x86Reg struct {
	index int // 0-15; bit 3 (>=8) requires REX.B/R/X to address
	width int // 8, 16, 32, 64
}

// x86Regs maps every register name the lower package or a hand
// written test may use to its encoding. 8/16/32/64-bit aliases of the same
// physical register share an index.
var x86Regs = map[string]x86Reg{
	"al": {0, 8}, "cl": {1, 8}, "dl": {2, 8}, "bl": {3, 8},
	"spl": {4, 8}, "bpl": {5, 8}, "sil": {6, 8}, "dil": {7, 8},
	"ax": {0, 16}, "cx": {1, 16}, "dx": {2, 16}, "bx": {3, 16},
	"sp": {4, 16}, "bp": {5, 16}, "si": {6, 16}, "di": {7, 16},
	"eax": {0, 32}, "ecx": {1, 32}, "edx": {2, 32}, "ebx": {3, 32},
	"esp": {4, 32}, "ebp": {5, 32}, "esi": {6, 32}, "edi": {7, 32},
	"rax": {0, 64}, "rcx": {1, 64}, "rdx": {2, 64}, "rbx": {3, 64},
	"rsp": {4, 64}, "rbp": {5, 64}, "rsi": {6, 64}, "rdi": {7, 64},
	"r8": {8, 64}, "r9": {9, 64}, "r10": {10, 64}, "r11": {11, 64},
	"r12": {12, 64}, "r13": {13, 64}, "r14": {14, 64}, "r15": {15, 64},
	"r8d": {8, 32}, "r9d": {9, 32}, "r10d": {10, 32}, "r11d": {11, 32},
	"r12d": {12, 32}, "r13d": {13, 32}, "r14d": {14, 32}, "r15d": {15, 32},
	"r8w": {8, 16}, "r9w": {9, 16}, "r10w": {10, 16}, "r11w": {11, 16},
	"r12w": {12, 16}, "r13w": {13, 16}, "r14w": {14, 16}, "r15w": {15, 16},
}

func lookupX86Reg(name string) (x86Reg, bool) {
	r, ok := x86Regs[strings.ToLower(name)]
	return r, ok
}

// armReg describes one ARM register's numeric index. ARM64's "w"/"x"
// prefix only changes operand width, never the index, so one table serves
// both widths; width is re-derived from the name's leading letter where a
// form needs it.
type armReg struct {
	index int
}

// lookupARM64Reg recognizes w0-w30/x0-x30 plus the special names spec §4.2.5
// requires ("sp", "lr" is x30 by convention, zero register "xzr"/"wzr").
func lookupARM64Reg(name string) (idx int, is64 bool, ok bool) {
	n := strings.ToLower(name)
	switch n {
	case "sp":
		return 31, true, true
	case "lr":
		return 30, true, true
	case "fp":
		return 29, true, true
	case "xzr":
		return 31, true, true
	case "wzr":
		return 31, false, true
	}
	if len(n) < 2 {
		return 0, false, false
	}
	is64 = n[0] == 'x'
	if !is64 && n[0] != 'w' {
		return 0, false, false
	}
	v, ok := parseUint(n[1:])
	if !ok || v > 31 {
		return 0, false, false
	}
	return v, is64, true
}

// arm32Aliases, together with the plain r0-r15 names, covers the AAPCS32
// aliases spec §4.2.5 names:
// sp (r13), lr (r14), pc (r15), fp (r11, this module's frame pointer).
var arm32Aliases = map[string]int{
	"sp": 13, "lr": 14, "pc": 15, "fp": 11, "ip": 12,
}

func lookupARM32Reg(name string) (int, bool) {
	n := strings.ToLower(name)
	if idx, ok := arm32Aliases[n]; ok {
		return idx, true
	}
	if len(n) < 2 || n[0] != 'r' {
		return 0, false
	}
	v, ok := parseUint(n[1:])
	if !ok || v > 15 {
		return 0, false
	}
	return v, true
}

func parseUint(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
