package logshipper

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileTailSourceReadsAppendedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte("line one\n"), 0o644))

	src := newFileTailSource(path, true)
	require.NoError(t, src.open())
	defer src.close()

	var got []string
	assembler := newLineAssembler("", func(s string) { got = append(got, s) })

	require.NoError(t, src.readInto(assembler))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("line two\n")
	require.NoError(t, err)
	f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, src.wait(ctx))
	require.NoError(t, src.readInto(assembler))
	assembler.flush()

	assert.Contains(t, got, "line one")
	assert.Contains(t, got, "line two")
}

func TestFileTailSourceResetsOffsetOnRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte("before rotation, tailed from end\n"), 0o644))

	src := newFileTailSource(path, false)
	require.NoError(t, src.open())
	defer src.close()

	var got []string
	assembler := newLineAssembler("", func(s string) { got = append(got, s) })

	// First read: fromBegin is false and this is the first open, so the
	// pre-existing line is skipped (tailed from end).
	require.NoError(t, src.readInto(assembler))
	assembler.flush()
	assert.Empty(t, got)

	// Rotate: replace the file with a new inode.
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.WriteFile(path, []byte("after rotation\n"), 0o644))

	require.NoError(t, src.readInto(assembler))
	assembler.flush()
	assert.Contains(t, got, "after rotation")
}

func TestCommandTailSourceReadsStdout(t *testing.T) {
	src := newCommandTailSource("printf 'hello\\nworld\\n'")
	require.NoError(t, src.open())
	defer src.close()

	var got []string
	assembler := newLineAssembler("", func(s string) { got = append(got, s) })
	require.NoError(t, src.readInto(assembler))
	assembler.flush()

	assert.Equal(t, []string{"hello", "world"}, got)
}
