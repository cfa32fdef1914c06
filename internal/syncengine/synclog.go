// Crash-safe sync log: an append-only framed file co-located with the
// database, replayed on startup and truncated once the change buffer
// drains. Frame layout (spec.md §6, little-endian int32):
//
//	total_len, then four {len, bytes_including_NUL} blocks for
//	cmd, data, key, updated, in that exact order.
//
// Grounded on original_source/lib/iotoLib.c's logChange/readSize/
// readBlock/writeSize/writeBlock/applySyncLog/recreateSyncLog.
package syncengine

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/bifrost-iot/device-agent/internal/agenterr"
)

// SyncLog is the on-disk write-ahead log backing the change buffer.
type SyncLog struct {
	path string
	file *os.File
}

// OpenSyncLog opens (creating if absent) the log for appending.
func OpenSyncLog(path string) (*SyncLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CantInitialize, "syncengine", "OpenSyncLog", err)
	}
	return &SyncLog{path: path, file: f}, nil
}

func (l *SyncLog) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Append writes one framed entry and fsyncs it before returning, so a
// crash immediately after Append cannot lose the mutation.
func (l *SyncLog) Append(cmd, data, key, updated string) error {
	blocks := [][]byte{
		nulTerminated(cmd),
		nulTerminated(data),
		nulTerminated(key),
		nulTerminated(updated),
	}

	var total int32
	for _, b := range blocks {
		total += 4 + int32(len(b))
	}

	if err := binary.Write(l.file, binary.LittleEndian, total); err != nil {
		return agenterr.Wrap(agenterr.CantWrite, "syncengine", "Append", err)
	}
	for _, b := range blocks {
		if err := binary.Write(l.file, binary.LittleEndian, int32(len(b))); err != nil {
			return agenterr.Wrap(agenterr.CantWrite, "syncengine", "Append", err)
		}
		if _, err := l.file.Write(b); err != nil {
			return agenterr.Wrap(agenterr.CantWrite, "syncengine", "Append", err)
		}
	}
	if err := l.file.Sync(); err != nil {
		return agenterr.Wrap(agenterr.CantWrite, "syncengine", "Append", err)
	}
	return nil
}

func nulTerminated(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	b[len(s)] = 0
	return b
}

func trimNul(b []byte) string {
	if n := len(b); n > 0 && b[n-1] == 0 {
		b = b[:n-1]
	}
	return string(b)
}

// LoggedChange is one replayed frame.
type LoggedChange struct {
	Cmd, Data, Key, Updated string
}

// Replay reads every frame from the start of the file. A truncated or
// corrupt trailing frame is treated as the end of valid data (crash
// during a partial write), matching applySyncLog's tolerant recovery.
func Replay(path string) ([]LoggedChange, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, agenterr.Wrap(agenterr.CantRead, "syncengine", "Replay", err)
	}
	defer f.Close()

	var out []LoggedChange
	for {
		var total int32
		if err := binary.Read(f, binary.LittleEndian, &total); err != nil {
			if err == io.EOF {
				break
			}
			break // corrupt trailing frame: stop, keep what we have
		}

		blocks := make([][]byte, 4)
		ok := true
		for i := range blocks {
			var blen int32
			if err := binary.Read(f, binary.LittleEndian, &blen); err != nil {
				ok = false
				break
			}
			buf := make([]byte, blen)
			if _, err := io.ReadFull(f, buf); err != nil {
				ok = false
				break
			}
			blocks[i] = buf
		}
		if !ok {
			break
		}

		out = append(out, LoggedChange{
			Cmd:     trimNul(blocks[0]),
			Data:    trimNul(blocks[1]),
			Key:     trimNul(blocks[2]),
			Updated: trimNul(blocks[3]),
		})
	}
	return out, nil
}

// Recreate truncates the log to empty, matching recreateSyncLog's
// reopen-with-"w" semantics.
func (l *SyncLog) Recreate() error {
	if err := l.file.Truncate(0); err != nil {
		return agenterr.Wrap(agenterr.CantWrite, "syncengine", "Recreate", err)
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return agenterr.Wrap(agenterr.CantWrite, "syncengine", "Recreate", err)
	}
	return l.file.Sync()
}
