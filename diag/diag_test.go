package diag

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMessageWithLocation(t *testing.T) {
	err := &Error{Kind: UndefinedLabel, Location: "line 3", Message: `label "skip" not defined`}
	require.Equal(t, `UndefinedLabel at line 3: label "skip" not defined`, err.Error())
}

func TestErrorMessageWithoutLocation(t *testing.T) {
	err := &Error{Kind: MalformedInput, Message: "bad module"}
	require.Equal(t, "MalformedInput: bad module", err.Error())
}

func TestErrorMessageWithRange(t *testing.T) {
	err := &Error{
		Kind: EncodingOutOfRange, Location: "line 1", Message: "immediate out of range",
		HasRange: true, HaveRange: 5000, WantLow: -4096, WantHigh: 4095,
	}
	require.Equal(t, "EncodingOutOfRange at line 1: immediate out of range (got 5000, want [-4096, 4095])", err.Error())
}

func TestErrorIs(t *testing.T) {
	err := &Error{Kind: PassMismatch, Message: "internal"}
	require.True(t, errors.Is(err, PassMismatch))
	require.False(t, errors.Is(err, MalformedInput))
}

func TestKindString(t *testing.T) {
	require.Equal(t, "MalformedInput", MalformedInput.String())
	require.Equal(t, "UnsupportedOpcode", UnsupportedOpcode.String())
	require.Equal(t, "AssemblyParseError", AssemblyParseError.String())
	require.Equal(t, "EncodingOutOfRange", EncodingOutOfRange.String())
	require.Equal(t, "UndefinedLabel", UndefinedLabel.String())
	require.Equal(t, "PassMismatch", PassMismatch.String())
}
