// Package trace writes the optional per-read decision log requested by
// -trace/-tracechanges/-tracechoices (SPEC_FULL.md §4.12). Trace volume
// is too high for the general log, so it gets its own buffered writer
// rather than going through github.com/grailbio/base/log, the way
// markduplicates routes its own per-shard progress through
// log.Debug.Printf but keeps high-volume data out of it.
package trace

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/grailbio/blue/internal/correct"
)

// Mode selects which trace lines a Writer emits.
type Mode int

const (
	// Changes emits one line per read whose correction changed at
	// least one k-mer or was abandoned (-tracechanges).
	Changes Mode = 1 << iota
	// Choices enables Writer.Choice lines (-tracechoices); nothing in
	// the correction pipeline calls Choice, so this mode adds no lines.
	Choices
	// All is Changes|Choices (-trace).
	All = Changes | Choices
)

// Writer is a threadsafe line-oriented trace sink. Multiple workers
// share one Writer; each Write call is serialized under an internal
// lock, mirroring the per-output-file lock spec.md §5 requires of the
// read writers.
type Writer struct {
	mode Mode
	mu   sync.Mutex
	w    *bufio.Writer
}

// New wraps w as a trace Writer emitting the lines selected by mode.
func New(w io.Writer, mode Mode) *Writer {
	return &Writer{mode: mode, w: bufio.NewWriter(w)}
}

// Changes logs one read's outcome, if the Writer's mode includes
// Changes and the read was actually touched or abandoned.
func (t *Writer) Changes(readID string, changedMers int, outcomeName string, abandoned bool, reason correct.AbandonReason) {
	if t == nil || t.mode&Changes == 0 {
		return
	}
	if changedMers == 0 && !abandoned {
		return
	}
	t.writeln(func(b *bufio.Writer) {
		fmt.Fprintf(b, "change\t%s\tchangedMers=%d\toutcome=%s", readID, changedMers, outcomeName)
		if abandoned {
			fmt.Fprintf(b, "\tabandoned=%s", reason.String())
		}
	})
}

// Choice logs one tryHealingMer decision: the read, the tiling
// position, and the fix kind it chose.
func (t *Writer) Choice(readID string, m int, fix correct.FixType) {
	if t == nil || t.mode&Choices == 0 {
		return
	}
	t.writeln(func(b *bufio.Writer) {
		fmt.Fprintf(b, "choice\t%s\tm=%d\tfix=%v", readID, m, fix)
	})
}

func (t *Writer) writeln(emit func(*bufio.Writer)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	emit(t.w)
	t.w.WriteByte('\n')
}

// Flush flushes any buffered trace output. Callers must call this
// before the underlying writer is closed.
func (t *Writer) Flush() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.w.Flush()
}
