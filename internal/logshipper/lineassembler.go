// Line assembly per spec.md §4.7: lines split on \n; any character in
// `continuation` (default " \t") immediately following the newline
// continues the current logical record. A record >= MAX_LINE (2048) is
// emitted as-is even without a terminator.
//
// Because readInto delivers one physical line per call, the decision of
// whether a completed physical line continues is deferred until the
// first byte of the next feed arrives — mirroring the original reader's
// behavior of inspecting the byte immediately following '\n' in its
// buffer and waiting for more data when that byte hasn't arrived yet.
package logshipper

import "strings"

const maxLine = 2048

const defaultContinuation = " \t"

// lineAssembler accumulates raw text fed line-by-line (each call to feed
// receives one \n-terminated chunk, possibly partial) into logical
// records, emitting each completed record via onRecord.
type lineAssembler struct {
	continuation string
	onRecord     func(string)

	pending          strings.Builder
	pendLen          int
	haveLine         bool
	awaitingDecision bool
}

func newLineAssembler(continuation string, onRecord func(string)) *lineAssembler {
	if continuation == "" {
		continuation = defaultContinuation
	}
	return &lineAssembler{continuation: continuation, onRecord: onRecord}
}

// feed processes one chunk of raw input, which may contain zero or more
// newlines. Chunks arrive from the tail source's line-oriented readers,
// so normally each feed call carries exactly one \n-terminated line.
func (a *lineAssembler) feed(chunk string) {
	for len(chunk) > 0 {
		if a.awaitingDecision {
			if strings.IndexByte(a.continuation, chunk[0]) < 0 {
				a.flush()
			}
			a.awaitingDecision = false
		}

		idx := strings.IndexByte(chunk, '\n')
		if idx < 0 {
			a.appendPartial(chunk)
			return
		}
		a.appendPartial(chunk[:idx+1])
		chunk = chunk[idx+1:]
		a.awaitingDecision = true
	}
}

func (a *lineAssembler) appendPartial(s string) {
	a.pending.WriteString(s)
	a.pendLen += len(s)
	a.haveLine = true
	if a.pendLen >= maxLine {
		a.awaitingDecision = false
		a.flush()
	}
}

// flush emits the accumulated record, if any. Called directly by callers
// that need to force out a trailing record with no further continuation
// possible, e.g. when a tail source is closing.
func (a *lineAssembler) flush() {
	if !a.haveLine {
		return
	}
	record := strings.TrimRight(a.pending.String(), "\n")
	a.pending.Reset()
	a.pendLen = 0
	a.haveLine = false
	if record != "" {
		a.onRecord(record)
	}
}
