// Package fastaio scans and writes multi-record FASTA read files, with
// an optional parallel ".qual" file of comma-separated integer quality
// scores.
package fastaio

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalid is returned when a malformed FASTA or .qual record is
// encountered.
var ErrInvalid = errors.New("invalid FASTA file")

// Read is one FASTA record: an ID and its (possibly multi-line,
// already-concatenated) sequence.
type Read struct {
	ID  string
	Seq string
}

// Scanner streams FASTA records one at a time, concatenating the
// sequence lines between successive ">" headers. Scanners are not
// threadsafe.
type Scanner struct {
	b       *bufio.Scanner
	err     error
	done    bool
	pending string // header line carried over from the previous Scan
	started bool
}

// NewScanner constructs a Scanner reading raw FASTA data from r.
func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(nil, 1<<20)
	return &Scanner{b: s}
}

// Scan reads the next record into read, reporting whether the scan
// succeeded.
func (f *Scanner) Scan(read *Read) bool {
	if f.err != nil || f.done {
		return false
	}
	var header string
	if f.pending != "" {
		header = f.pending
		f.pending = ""
	} else {
		if !f.advancePastBlankLines() {
			return false
		}
		header = f.b.Text()
	}
	if len(header) == 0 || header[0] != '>' {
		f.err = ErrInvalid
		return false
	}
	read.ID = strings.SplitN(header[1:], " ", 2)[0]

	var seq strings.Builder
	for f.b.Scan() {
		line := f.b.Text()
		if line == "" {
			continue
		}
		if line[0] == '>' {
			f.pending = line
			read.Seq = seq.String()
			return true
		}
		seq.WriteString(line)
	}
	if err := f.b.Err(); err != nil {
		f.err = errors.Wrap(err, "couldn't read FASTA data")
		return false
	}
	f.done = true
	read.Seq = seq.String()
	return true
}

func (f *Scanner) advancePastBlankLines() bool {
	for f.b.Scan() {
		if f.b.Text() != "" {
			return true
		}
	}
	if err := f.b.Err(); err != nil {
		f.err = errors.Wrap(err, "couldn't read FASTA data")
	} else {
		f.done = true
	}
	return false
}

// Err returns the scanning error, if any.
func (f *Scanner) Err() error {
	return f.err
}

// QualScanner streams a ".qual" file in lockstep with a FASTA Scanner:
// each record is a ">id" header followed by lines of whitespace- or
// comma-separated integer quality scores.
type QualScanner struct {
	b       *bufio.Scanner
	err     error
	done    bool
	pending string
}

// NewQualScanner constructs a QualScanner reading raw .qual data from r.
func NewQualScanner(r io.Reader) *QualScanner {
	s := bufio.NewScanner(r)
	s.Buffer(nil, 1<<20)
	return &QualScanner{b: s}
}

// Scan reads the next record's ID and quality scores.
func (q *QualScanner) Scan(id *string, quals *[]int) bool {
	if q.err != nil || q.done {
		return false
	}
	var header string
	if q.pending != "" {
		header = q.pending
		q.pending = ""
	} else if q.b.Scan() {
		header = q.b.Text()
	} else {
		if q.err = q.b.Err(); q.err == nil {
			q.done = true
		}
		return false
	}
	if len(header) == 0 || header[0] != '>' {
		q.err = ErrInvalid
		return false
	}
	*id = strings.SplitN(header[1:], " ", 2)[0]

	out := (*quals)[:0]
	for q.b.Scan() {
		line := q.b.Text()
		if line == "" {
			continue
		}
		if line[0] == '>' {
			q.pending = line
			*quals = out
			return true
		}
		for _, field := range strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' }) {
			v, err := strconv.Atoi(field)
			if err != nil {
				q.err = errors.Wrapf(err, "invalid quality score %q", field)
				return false
			}
			out = append(out, v)
		}
	}
	if err := q.b.Err(); err != nil {
		q.err = errors.Wrap(err, "couldn't read .qual data")
		return false
	}
	q.done = true
	*quals = out
	return true
}

// Err returns the scanning error, if any.
func (q *QualScanner) Err() error {
	return q.err
}

// wrapWidth is the column at which Writer wraps sequence lines, per
// the conventional FASTA line length.
const wrapWidth = 60

// Writer writes FASTA records, wrapping sequence lines at wrapWidth
// columns.
type Writer struct {
	w   io.Writer
	err error
}

// NewWriter constructs a Writer that writes to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write writes one record.
func (w *Writer) Write(r *Read) error {
	w.writeln(">" + r.ID)
	for i := 0; i < len(r.Seq); i += wrapWidth {
		end := i + wrapWidth
		if end > len(r.Seq) {
			end = len(r.Seq)
		}
		w.writeln(r.Seq[i:end])
	}
	if len(r.Seq) == 0 {
		w.writeln("")
	}
	return w.err
}

func (w *Writer) writeln(line string) {
	if w.err != nil {
		return
	}
	_, w.err = io.WriteString(w.w, line)
	if w.err == nil {
		_, w.err = w.w.Write([]byte{'\n'})
	}
}

// QualWriter writes a ".qual" file of space-separated integer quality
// scores, one record per header, paired with a Writer's FASTA output.
type QualWriter struct {
	w   io.Writer
	err error
}

// NewQualWriter constructs a QualWriter that writes to w.
func NewQualWriter(w io.Writer) *QualWriter {
	return &QualWriter{w: w}
}

// Write writes one record's quality scores.
func (q *QualWriter) Write(id string, quals []int) error {
	q.writeln(">" + id)
	var b strings.Builder
	for i, v := range quals {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Itoa(v))
	}
	q.writeln(b.String())
	return q.err
}

func (q *QualWriter) writeln(line string) {
	if q.err != nil {
		return
	}
	_, q.err = io.WriteString(q.w, line)
	if q.err == nil {
		_, q.err = q.w.Write([]byte{'\n'})
	}
}
