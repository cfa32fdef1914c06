package logshipper

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineAssemblerEmitsSimpleLines(t *testing.T) {
	var got []string
	a := newLineAssembler("", func(s string) { got = append(got, s) })

	a.feed("first\n")
	// "first" is only confirmed non-continued once the next chunk's
	// leading byte is inspected.
	a.feed("second\n")
	a.flush()

	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0])
	assert.Equal(t, "second", got[1])
}

func TestLineAssemblerJoinsContinuationLines(t *testing.T) {
	var got []string
	a := newLineAssembler("", func(s string) { got = append(got, s) })

	a.feed("head\n")
	a.feed(" continued\n")
	a.feed("next\n")
	a.flush()

	require.Len(t, got, 2)
	assert.Equal(t, "head\n continued", got[0])
	assert.Equal(t, "next", got[1])
}

func TestLineAssemblerForceFlushesAtMaxLine(t *testing.T) {
	var got []string
	a := newLineAssembler("", func(s string) { got = append(got, s) })

	a.feed(strings.Repeat("x", maxLine+10))

	require.Len(t, got, 1)
	assert.True(t, len(got[0]) >= maxLine)
}

func TestLineAssemblerIgnoresEmptyTrailingFlush(t *testing.T) {
	var got []string
	a := newLineAssembler("", func(s string) { got = append(got, s) })
	a.flush()
	assert.Empty(t, got)
}
