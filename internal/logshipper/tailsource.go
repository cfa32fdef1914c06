// tailSource is the sum type Design Notes §9 calls for: file-tail vs
// command-tail sources share a common capability set (open, readInto,
// close) and are dispatched by tag rather than by inheritance.
package logshipper

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"

	"github.com/fsnotify/fsnotify"

	"github.com/bifrost-iot/device-agent/internal/agenterr"
)

// tailSource is the common capability set for file and command sources.
type tailSource interface {
	open() error
	// wait blocks until new data may be available or ctx is cancelled.
	wait(ctx context.Context) error
	readInto(buf *lineAssembler) error
	close() error
}

// fileTailSource tails a file path, using fsnotify (a real pack
// dependency, promoted from indirect via shoutrrr's viper) as the
// cross-platform substitute for raw inotify/kqueue. path is resolved
// and stored before any access check is performed — the corrected
// ordering spec.md §9 recommends.
type fileTailSource struct {
	path      string
	fromBegin bool

	watcher *fsnotify.Watcher
	file    *os.File
	reader  *bufio.Reader
	inode   uint64
	offset  int64
}

func newFileTailSource(path string, fromBegin bool) *fileTailSource {
	return &fileTailSource{path: path, fromBegin: fromBegin}
}

func (f *fileTailSource) open() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return agenterr.Wrap(agenterr.CantInitialize, "logshipper", "fileTailSource.open", err)
	}
	if err := watcher.Add(f.path); err != nil {
		watcher.Close()
		// matches spec.md §4.7: on watch failure, fall back to an access
		// check rather than leaving the tailer silently dead.
		if _, statErr := os.Stat(f.path); statErr != nil {
			return agenterr.Wrap(agenterr.CantInitialize, "logshipper", "fileTailSource.open", statErr)
		}
	}
	f.watcher = watcher
	return nil
}

func (f *fileTailSource) wait(ctx context.Context) error {
	if f.watcher == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case event, ok := <-f.watcher.Events:
		if !ok {
			return io.EOF
		}
		if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return f.wait(ctx)
		}
		return nil
	case err, ok := <-f.watcher.Errors:
		if !ok {
			return io.EOF
		}
		return agenterr.Wrap(agenterr.CantRead, "logshipper", "fileTailSource.wait", err)
	}
}

func (f *fileTailSource) ensureOpenFile() error {
	info, err := os.Stat(f.path)
	if err != nil {
		return agenterr.Wrap(agenterr.CantRead, "logshipper", "ensureOpenFile", err)
	}
	inode := inodeOf(info)

	if f.file != nil && inode == f.inode {
		return nil
	}

	rotated := f.file != nil && inode != f.inode
	if f.file != nil {
		f.file.Close()
	}

	file, err := os.Open(f.path)
	if err != nil {
		return agenterr.Wrap(agenterr.CantRead, "logshipper", "ensureOpenFile", err)
	}
	f.file = file
	f.inode = inode

	switch {
	case f.fromBegin:
		f.offset = 0
	case rotated: // inode changed under us: reset to zero
		f.offset = 0
	default: // first open: tail from end
		f.offset = info.Size()
	}
	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return agenterr.Wrap(agenterr.CantRead, "logshipper", "ensureOpenFile", err)
	}
	f.reader = bufio.NewReader(file)
	return nil
}

func (f *fileTailSource) readInto(buf *lineAssembler) error {
	if err := f.ensureOpenFile(); err != nil {
		return err
	}
	for {
		line, err := f.reader.ReadString('\n')
		if len(line) > 0 {
			buf.feed(line)
			f.offset += int64(len(line))
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return agenterr.Wrap(agenterr.CantRead, "logshipper", "readInto", err)
		}
	}
}

func (f *fileTailSource) close() error {
	if f.watcher != nil {
		f.watcher.Close()
	}
	if f.file != nil {
		return f.file.Close()
	}
	return nil
}

// commandTailSource tails a command's stdout via os/exec + bufio.Scanner.
type commandTailSource struct {
	command string
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	scanner *bufio.Scanner
}

func newCommandTailSource(command string) *commandTailSource {
	return &commandTailSource{command: command}
}

func (c *commandTailSource) open() error {
	cmd := exec.Command("sh", "-c", c.command)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return agenterr.Wrap(agenterr.CantInitialize, "logshipper", "commandTailSource.open", err)
	}
	if err := cmd.Start(); err != nil {
		return agenterr.Wrap(agenterr.CantInitialize, "logshipper", "commandTailSource.open", err)
	}
	c.cmd = cmd
	c.stdout = stdout
	c.scanner = bufio.NewScanner(stdout)
	return nil
}

func (c *commandTailSource) wait(ctx context.Context) error {
	// os/exec stdout has no select-able readiness signal; readInto blocks
	// on Scan directly, so wait is a no-op here.
	return nil
}

func (c *commandTailSource) readInto(buf *lineAssembler) error {
	for c.scanner.Scan() {
		buf.feed(c.scanner.Text() + "\n")
	}
	if err := c.scanner.Err(); err != nil {
		return agenterr.Wrap(agenterr.CantRead, "logshipper", "commandTailSource.readInto", err)
	}
	return nil
}

func (c *commandTailSource) close() error {
	if c.stdout != nil {
		c.stdout.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		return c.cmd.Process.Kill()
	}
	return nil
}
