package assemble

import (
	"strconv"
	"strings"

	"github.com/tetratelabs/watnative/diag"
)

// line is one parsed line of the assembly-text dialect (spec §4.3): an
// optional label definition, an optional mnemonic with its operands.
// Comments (";" or "//") and blank lines carry no mnemonic and are skipped
// by sizeOf/encode but still occupy a slot so diagnostics can cite a source
// line number.
type line struct {
	no       int // 1-based source line number, for diagnostics
	label    string
	mnemonic string
	operands []string
}

// lex strips comments and whitespace and splits each source line into a
// label definition and/or an instruction (spec §4.2.2 pass 1: "Comments and
// whitespace are skipped").
func lex(src string) ([]line, error) {
	var out []line
	for i, raw := range strings.Split(src, "\n") {
		no := i + 1
		text := stripComment(raw)
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		ln := line{no: no}
		if idx := strings.Index(text, ":"); idx >= 0 && !strings.ContainsAny(text[:idx], " \t[") {
			ln.label = strings.TrimSpace(text[:idx])
			text = strings.TrimSpace(text[idx+1:])
			if text == "" {
				out = append(out, ln)
				continue
			}
		}
		fields := strings.SplitN(text, " ", 2)
		ln.mnemonic = strings.ToLower(strings.TrimSpace(fields[0]))
		if ln.mnemonic == "" {
			return nil, &diag.Error{Kind: diag.AssemblyParseError, Location: linef(no), Message: "empty instruction"}
		}
		if len(fields) > 1 {
			for _, op := range splitOperands(fields[1]) {
				op = strings.TrimSpace(op)
				if op != "" {
					ln.operands = append(ln.operands, op)
				}
			}
		}
		out = append(out, ln)
	}
	return out, nil
}

// splitOperands splits on top-level commas only: ARM's memory syntax
// ("[x2, #4]") and register-list syntax ("{r4, r5, lr}") both nest a comma
// inside a bracket pair that must stay with its operand rather than become
// a second one.
func splitOperands(s string) []string {
	var out []string
	depth := 0
	start := 0
	for i, c := range s {
		switch c {
		case '[', '{':
			depth++
		case ']', '}':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

func stripComment(s string) string {
	if idx := strings.Index(s, ";"); idx >= 0 {
		s = s[:idx]
	}
	if idx := strings.Index(s, "//"); idx >= 0 {
		s = s[:idx]
	}
	return s
}

func linef(no int) string {
	return "line " + strconv.Itoa(no)
}
