// Package readsio reads and writes the reads a correction run operates
// on, in FASTA (with an optional parallel .qual file) or FASTQ,
// auto-detecting format and quality encoding the way spec.md §6
// requires. It normalizes both formats to a single Record type whose
// quality buffer, when present, is always on the canonical 0-40 scale
// internal/sequence expects.
package readsio

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"github.com/grailbio/base/file"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/grailbio/blue/internal/readsio/fastaio"
	"github.com/grailbio/blue/internal/readsio/fastqio"
)

// Record is one read, normalized across FASTA and FASTQ input.
type Record struct {
	ID   string
	Seq  []byte
	Qual []byte // nil if the source carried no quality information
}

// Format identifies a reads file's encoding.
type Format int

const (
	// Unknown means the format could not be determined.
	Unknown Format = iota
	// FASTA is the FASTA format, optionally paired with a .qual file.
	FASTA
	// FASTQ is the four-line FASTQ format.
	FASTQ
)

// DetectFormat inspects the first non-whitespace byte of a reads file
// and reports its format.
func DetectFormat(peek []byte) Format {
	for _, b := range peek {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '>':
			return FASTA
		case '@':
			return FASTQ
		default:
			return Unknown
		}
	}
	return Unknown
}

// qualSampleLines is how many quality lines DetectQualityOffset is
// handed before the reader commits to an offset for the rest of a file.
const qualSampleLines = 1000

// Reader streams Records from a reads file (or an R1/R2 pair).
type Reader interface {
	// Read fills rec with the next record and reports whether one was
	// available.
	Read(rec *Record) bool
	// Err returns the error that stopped Read, if any (nil on clean EOF).
	Err() error
}

// openPlain opens path through file.Open and transparently decompresses
// it if it is gzip-compressed, matching the corpus's general practice
// of wrapping file.File readers in a format-specific decoder.
func openPlain(ctx context.Context, path string) (io.Reader, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	br := bufio.NewReader(f.Reader(ctx))
	magic, err := br.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, errors.Wrapf(err, "gzip %s", path)
		}
		return gz, nil
	}
	return br, nil
}

// peekFormat opens path and peeks at its start to classify it, returning
// the same buffered reader (nothing consumed) for the matching scanner.
func peekFormat(ctx context.Context, path string) (Format, io.Reader, error) {
	r, err := openPlain(ctx, path)
	if err != nil {
		return Unknown, nil, err
	}
	br := bufio.NewReader(r)
	peek, _ := br.Peek(64)
	return DetectFormat(peek), br, nil
}

// singleReader adapts one FASTA or FASTQ scanner, plus an optional
// parallel .qual scanner, to Reader.
type singleReader struct {
	format Format

	fqScanner *fastqio.Scanner
	fqOffset  int
	fqRead    fastqio.Read

	faScanner   *fastaio.Scanner
	qualScanner *fastaio.QualScanner
	faRead      fastaio.Read
	qualBuf     []int
	qualID      string
	haveQual    bool

	err error
}

// Open opens a single reads file, auto-detecting its format from its
// leading bytes. If qualPath is non-empty, it is read as a parallel
// FASTA .qual file; it is ignored for FASTQ input, which carries its
// own quality line.
func Open(ctx context.Context, path, qualPath string) (Reader, error) {
	format, r, err := peekFormat(ctx, path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FASTQ:
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", path)
		}
		offset := resolveQualityOffset(data)
		return &singleReader{
			format:    FASTQ,
			fqScanner: fastqio.NewScanner(bytes.NewReader(data)),
			fqOffset:  offset,
		}, nil
	case FASTA:
		sr := &singleReader{
			format:    FASTA,
			faScanner: fastaio.NewScanner(r),
		}
		if qualPath != "" {
			qr, err := openPlain(ctx, qualPath)
			if err != nil {
				return nil, err
			}
			sr.qualScanner = fastaio.NewQualScanner(qr)
			sr.haveQual = true
		}
		return sr, nil
	default:
		return nil, errors.Errorf("%s: unrecognized reads format", path)
	}
}

func resolveQualityOffset(data []byte) int {
	scanner := fastqio.NewScanner(bytes.NewReader(data))
	var sample []string
	var r fastqio.Read
	for len(sample) < qualSampleLines && scanner.Scan(&r) {
		sample = append(sample, r.Qual)
	}
	return fastqio.DetectQualityOffset(sample)
}

func (s *singleReader) Read(rec *Record) bool {
	switch s.format {
	case FASTQ:
		if !s.fqScanner.Scan(&s.fqRead) {
			s.err = s.fqScanner.Err()
			return false
		}
		rec.ID = s.fqRead.ID
		rec.Seq = []byte(s.fqRead.Seq)
		rec.Qual = decodeQual(rec.Qual, s.fqRead.Qual, s.fqOffset)
		return true
	case FASTA:
		if !s.faScanner.Scan(&s.faRead) {
			s.err = s.faScanner.Err()
			return false
		}
		rec.ID = s.faRead.ID
		rec.Seq = []byte(s.faRead.Seq)
		rec.Qual = nil
		if s.haveQual {
			if !s.qualScanner.Scan(&s.qualID, &s.qualBuf) {
				s.err = s.qualScanner.Err()
				if s.err == nil {
					s.err = errors.Errorf("%s: .qual file ended before reads", rec.ID)
				}
				return false
			}
			if s.qualID != rec.ID {
				s.err = errors.Errorf("reads/.qual mismatch: %s vs %s", rec.ID, s.qualID)
				return false
			}
			rec.Qual = intsToCanonical(rec.Qual, s.qualBuf)
		}
		return true
	}
	return false
}

func (s *singleReader) Err() error { return s.err }

// decodeQual rewrites src (still-encoded Phred characters) into dst on
// the canonical 0-40 scale, reusing dst's backing array when possible.
func decodeQual(dst []byte, src string, offset int) []byte {
	out := dst[:0]
	for i := 0; i < len(src); i++ {
		out = append(out, clampCanonical(int(src[i])-offset))
	}
	return out
}

func intsToCanonical(dst []byte, src []int) []byte {
	out := dst[:0]
	for _, v := range src {
		out = append(out, clampCanonical(v))
	}
	return out
}

func clampCanonical(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 40 {
		return 40
	}
	return byte(v)
}

// pairReader holds the R1 and R2 readers of a pair. It has no methods;
// OpenPair returns the two readers separately.
type pairReader struct {
	r1, r2 Reader
}

// OpenPair opens an R1/R2 FASTA or FASTQ pair (both files must share a
// format; .qual files are not supported for paired input, matching
// spec.md §6's paired-input contract).
func OpenPair(ctx context.Context, path1, path2 string) (r1, r2 Reader, err error) {
	r1, err = Open(ctx, path1, "")
	if err != nil {
		return nil, nil, err
	}
	r2, err = Open(ctx, path2, "")
	if err != nil {
		return nil, nil, err
	}
	return r1, r2, nil
}

// Writer writes Records back out as FASTA or FASTQ.
type Writer interface {
	Write(rec *Record) error
}

type fastqWriter struct {
	w      *fastqio.Writer
	offset int
}

// NewFASTQWriter wraps w as a Writer that re-encodes canonical quality
// bytes at the given Phred offset.
func NewFASTQWriter(w io.Writer, offset int) Writer {
	return &fastqWriter{w: fastqio.NewWriter(w), offset: offset}
}

func (f *fastqWriter) Write(rec *Record) error {
	qual := make([]byte, len(rec.Qual))
	for i, q := range rec.Qual {
		qual[i] = byte(int(q) + f.offset)
	}
	return f.w.Write(&fastqio.Read{ID: rec.ID, Seq: string(rec.Seq), Unk: "+", Qual: string(qual)})
}

type fastaWriter struct {
	w     *fastaio.Writer
	qualW *fastaio.QualWriter
}

// NewFASTAWriter wraps w (and, if qualW is non-nil, a parallel .qual
// stream) as a Writer.
func NewFASTAWriter(w io.Writer, qualW io.Writer) Writer {
	fw := &fastaWriter{w: fastaio.NewWriter(w)}
	if qualW != nil {
		fw.qualW = fastaio.NewQualWriter(qualW)
	}
	return fw
}

func (f *fastaWriter) Write(rec *Record) error {
	if err := f.w.Write(&fastaio.Read{ID: rec.ID, Seq: string(rec.Seq)}); err != nil {
		return err
	}
	if f.qualW != nil {
		quals := make([]int, len(rec.Qual))
		for i, q := range rec.Qual {
			quals[i] = int(q)
		}
		return f.qualW.Write(rec.ID, quals)
	}
	return nil
}
