// Package diag defines the fatal error kinds the pipeline can report, per
// spec §7. Every exported pipeline entry point returns one of these wrapped
// in a plain error, never panics on malformed input.
package diag

import "fmt"

// Kind names one of the six fatal error categories spec §7 enumerates.
type Kind int

const (
	// MalformedInput: AST is ill-typed or structurally inconsistent (stack
	// underflow, arity mismatch at block end, branch depth out of range).
	MalformedInput Kind = iota
	// UnsupportedOpcode: an opcode outside the covered integer set.
	UnsupportedOpcode
	// AssemblyParseError: the assembler cannot tokenize a line or recognize
	// a mnemonic.
	AssemblyParseError
	// EncodingOutOfRange: an immediate or displacement exceeds the
	// instruction form's bit width.
	EncodingOutOfRange
	// UndefinedLabel: a referenced label was never defined.
	UndefinedLabel
	// PassMismatch: pass-2 position disagreed with pass-1 sizing — an
	// internal invariant violation, implying a bug in a sizing table.
	PassMismatch
)

func (k Kind) String() string {
	switch k {
	case MalformedInput:
		return "MalformedInput"
	case UnsupportedOpcode:
		return "UnsupportedOpcode"
	case AssemblyParseError:
		return "AssemblyParseError"
	case EncodingOutOfRange:
		return "EncodingOutOfRange"
	case UndefinedLabel:
		return "UndefinedLabel"
	case PassMismatch:
		return "PassMismatch"
	default:
		return "Unknown"
	}
}

// Error is the diagnostic payload attached to every fatal pipeline error.
// Location is a source line number for assembler errors. Lowerer errors
// carry at most the name of the function being lowered; they do not carry
// an opcode position.
type Error struct {
	Kind     Kind
	Location string
	Message  string

	// Range bounds, populated only for EncodingOutOfRange.
	HaveRange  int64
	WantLow    int64
	WantHigh   int64
	HasRange   bool
}

func (e *Error) Error() string {
	if e.HasRange {
		return fmt.Sprintf("%s at %s: %s (got %d, want [%d, %d])",
			e.Kind, e.Location, e.Message, e.HaveRange, e.WantLow, e.WantHigh)
	}
	if e.Location != "" {
		return fmt.Sprintf("%s at %s: %s", e.Kind, e.Location, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is implements errors.Is support so callers can do:
//
//	errors.Is(err, diag.MalformedInput)
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// Error allows Kind itself to be used as a lightweight sentinel with errors.Is,
// e.g. errors.Is(err, diag.UndefinedLabel).
func (k Kind) Error() string { return k.String() }

// New builds a plain diagnostic.
func New(k Kind, location, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Location: location, Message: fmt.Sprintf(format, args...)}
}

// NewRange builds a range-violation diagnostic (spec §4.2.4/§7).
func NewRange(location string, have, low, high int64, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      EncodingOutOfRange,
		Location:  location,
		Message:   fmt.Sprintf(format, args...),
		HaveRange: have,
		WantLow:   low,
		WantHigh:  high,
		HasRange:  true,
	}
}
