// Package fastqio scans and writes FASTQ reads, and resolves the
// quality-string offset (33 or 64) a file was encoded with.
package fastqio

import (
	"bufio"
	"io"

	"github.com/pkg/errors"
)

var (
	// ErrShort is returned when a truncated FASTQ file is encountered.
	ErrShort = errors.New("short FASTQ file")
	// ErrInvalid is returned when an invalid FASTQ file is encountered.
	ErrInvalid = errors.New("invalid FASTQ file")
	// ErrDiscordant is returned when two underlying FASTQ files are discordant.
	ErrDiscordant = errors.New("discordant FASTQ pairs")
)

// Read is a raw FASTQ record: an ID, sequence, line 3 ("unknown"), and
// an undecoded quality string.
type Read struct {
	ID, Seq, Unk, Qual string
}

var errEOF = errors.New("eof")

// Scanner reads raw FASTQ records one at a time. Scanners are not
// threadsafe.
//
// Scanner requires ID lines to begin with "@" and line 3 to begin with
// "+", but does not otherwise validate seq/qual (equal length, in
// range, etc).
type Scanner struct {
	b   *bufio.Scanner
	err error
}

// NewScanner constructs a Scanner reading raw FASTQ data from r.
func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(nil, 1<<20)
	return &Scanner{b: s}
}

// Scan reads the next record into read, reporting whether the scan
// succeeded. Once Scan returns false it never returns true again; call
// Err to distinguish clean EOF from a parse error.
func (f *Scanner) Scan(read *Read) bool {
	if f.err != nil {
		return false
	}
	if !f.b.Scan() {
		if f.err = f.b.Err(); f.err == nil {
			f.err = errEOF
		}
		return false
	}
	id := f.b.Bytes()
	if len(id) == 0 || id[0] != '@' {
		f.err = ErrInvalid
		return false
	}
	read.ID = string(id[1:])
	if !f.scan() {
		return false
	}
	read.Seq = f.b.Text()
	if !f.scan() {
		return false
	}
	unk := f.b.Bytes()
	if len(unk) == 0 || unk[0] != '+' {
		f.err = ErrInvalid
		return false
	}
	read.Unk = string(unk)
	if !f.scan() {
		return false
	}
	read.Qual = f.b.Text()
	return true
}

func (f *Scanner) scan() bool {
	ok := f.b.Scan()
	if !ok {
		if f.err = f.b.Err(); f.err == nil {
			f.err = ErrShort
		}
	}
	return ok
}

// Err returns the scanning error, if any.
func (f *Scanner) Err() error {
	if f.err == errEOF {
		return nil
	}
	return f.err
}

// PairScanner composes a pair of scanners to scan an R1/R2 pair of
// FASTQ streams in lockstep.
type PairScanner struct {
	r1, r2 *Scanner
	err    error
}

// NewPairScanner creates a pair scanner from R1 and R2 readers.
func NewPairScanner(r1, r2 io.Reader) *PairScanner {
	return &PairScanner{r1: NewScanner(r1), r2: NewScanner(r2)}
}

// Scan scans the next read pair into a, b. It returns false once
// either stream is exhausted; Err reports ErrDiscordant if the two
// streams did not end at the same time.
func (p *PairScanner) Scan(a, b *Read) bool {
	ok1 := p.r1.Scan(a)
	ok2 := p.r2.Scan(b)
	if ok1 != ok2 {
		p.err = ErrDiscordant
	}
	return ok1 && ok2
}

// Err returns the scanning error, if any.
func (p *PairScanner) Err() error {
	if err := p.r1.Err(); err != nil {
		return err
	}
	if err := p.r2.Err(); err != nil {
		return err
	}
	return p.err
}

var newline = []byte{'\n'}

// Writer writes reads in four-line FASTQ format.
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
	w.writeln("@" + r.ID)
	w.writeln(r.Seq)
	w.writeln(r.Unk)
	w.writeln(r.Qual)
	return w.err
}

func (w *Writer) writeln(line string) {
	if w.err != nil {
		return
	}
	_, w.err = io.WriteString(w.w, line)
	if w.err == nil {
		_, w.err = w.w.Write(newline)
	}
}

// DetectQualityOffset scans the quality lines in sample (raw,
// still-encoded quality strings from the first batch of a file) and
// returns the Phred offset the file was most likely encoded with: 33
// for Sanger/Illumina-1.8+, 64 for the older Illumina-1.3/1.5 scheme.
// Any byte below the lowest character a 64-offset encoding can produce
// for a non-negative quality score ('@', ASCII 64) proves the file
// uses offset 33; absent such evidence, 64 is assumed only when every
// sampled byte is also at or above the minimum a 64-offset file would
// need to represent typical base qualities, otherwise 33 is the
// default.
func DetectQualityOffset(sample []string) int {
	const illumina64Typical = 66 // 'B', the de facto floor Illumina 1.3 emitted
	for _, line := range sample {
		for i := 0; i < len(line); i++ {
			if line[i] < illumina64Typical {
				return 33
			}
		}
	}
	return 64
}
