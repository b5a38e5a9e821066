// Package sequence implements the mutable DNA+quality buffer the
// corrector edits in place as it repairs a read.
package sequence

import (
	"github.com/grailbio/blue/internal/pkmer"
	"github.com/grailbio/blue/internal/seqsimd"
)

// NoQual is the sentinel quality byte used to fill positions that have
// no source quality (e.g. bases inserted by a Del-type repair).
const NoQual = 2

// Sequence is a mutable buffer of bases (in {A,C,G,T,N}) with an
// optional parallel quality buffer. It owns no table state and is
// reused across reads from a worker's free list.
type Sequence struct {
	Bases []byte
	Quals []byte // nil if the read carries no quality information
}

// New wraps bases and quals (which may be nil) into a Sequence. The
// slices are retained, not copied.
func New(bases, quals []byte) *Sequence {
	return &Sequence{Bases: bases, Quals: quals}
}

// Reset empties s for reuse from a free list, retaining the backing
// arrays.
func (s *Sequence) Reset() {
	s.Bases = s.Bases[:0]
	if s.Quals != nil {
		s.Quals = s.Quals[:0]
	}
}

// Len returns the number of bases currently in the buffer.
func (s *Sequence) Len() int { return len(s.Bases) }

// HasQual reports whether s carries a quality buffer.
func (s *Sequence) HasQual() bool { return s.Quals != nil }

// Append appends one base (and, if present, one quality byte) to the
// end of the buffer.
func (s *Sequence) Append(base, qual byte) {
	s.Bases = append(s.Bases, base)
	if s.Quals != nil {
		s.Quals = append(s.Quals, qual)
	}
}

// InsertAt inserts one base (and quality) before position pos,
// shifting everything at and after pos one position to the right.
func (s *Sequence) InsertAt(pos int, base, qual byte) {
	s.Bases = append(s.Bases, 0)
	copy(s.Bases[pos+1:], s.Bases[pos:len(s.Bases)-1])
	s.Bases[pos] = base
	if s.Quals != nil {
		s.Quals = append(s.Quals, 0)
		copy(s.Quals[pos+1:], s.Quals[pos:len(s.Quals)-1])
		s.Quals[pos] = qual
	}
}

// DeleteAt removes the base (and quality) at position pos, shifting
// everything after it one position to the left.
func (s *Sequence) DeleteAt(pos int) {
	copy(s.Bases[pos:], s.Bases[pos+1:])
	s.Bases = s.Bases[:len(s.Bases)-1]
	if s.Quals != nil {
		copy(s.Quals[pos:], s.Quals[pos+1:])
		s.Quals = s.Quals[:len(s.Quals)-1]
	}
}

// ReplaceAt overwrites the k bases starting at pos with the bases
// packed in mer, leaving the quality buffer untouched (callers update
// quality at the single changed column themselves, since a Sub touches
// exactly one base).
func (s *Sequence) ReplaceAt(pos int, mer pkmer.Mer, k int) {
	copy(s.Bases[pos:pos+k], pkmer.Unpack(mer, k))
}

// SetQualAt sets the quality byte at pos, if a quality buffer is
// present.
func (s *Sequence) SetQualAt(pos int, qual byte) {
	if s.Quals != nil {
		s.Quals[pos] = qual
	}
}

// Truncate discards everything from position n onward.
func (s *Sequence) Truncate(n int) {
	s.Bases = s.Bases[:n]
	if s.Quals != nil {
		s.Quals = s.Quals[:n]
	}
}

// SubSlice returns the bases and quals (nil if absent) in [start, end)
// without copying.
func (s *Sequence) SubSlice(start, end int) (bases, quals []byte) {
	bases = s.Bases[start:end]
	if s.Quals != nil {
		quals = s.Quals[start:end]
	}
	return bases, quals
}

// DropPrefix removes the first n bases in place.
func (s *Sequence) DropPrefix(n int) {
	copy(s.Bases, s.Bases[n:])
	s.Bases = s.Bases[:len(s.Bases)-n]
	if s.Quals != nil {
		copy(s.Quals, s.Quals[n:])
		s.Quals = s.Quals[:len(s.Quals)-n]
	}
}

// ReverseComplement reverse-complements the buffer in place.
func (s *Sequence) ReverseComplement() {
	seqsimd.ReverseComp8InplaceNoValidate(s.Bases)
	if s.Quals != nil {
		seqsimd.ReverseInplace(s.Quals)
	}
}

// TileNext advances the incremental tiler: given the k-mer packed at
// position i-1 (prevMer, ignored when i==0) and k, it returns the k-mer
// at position i and whether it is valid (all-ACGT). When i==0 the full
// window is packed from scratch; otherwise ShiftIn is used.
func (s *Sequence) TileNext(prevMer pkmer.Mer, i, k int) (mer pkmer.Mer, valid bool) {
	if i+k > len(s.Bases) {
		return 0, false
	}
	if i == 0 {
		return pkmer.Pack(s.Bases[:k])
	}
	return pkmer.ShiftIn(prevMer, s.Bases[i+k-1], k)
}

// Clone returns a deep copy of s, suitable for speculative edits that
// must not disturb the original buffer (e.g. a single variant's working
// copy during tryHealingMer).
func (s *Sequence) Clone() *Sequence {
	c := &Sequence{Bases: append([]byte(nil), s.Bases...)}
	if s.Quals != nil {
		c.Quals = append([]byte(nil), s.Quals...)
	}
	return c
}

// CopyFrom overwrites s's contents with src's, reusing s's backing
// arrays when they're large enough (for free-list reuse).
func (s *Sequence) CopyFrom(src *Sequence) {
	s.Bases = append(s.Bases[:0], src.Bases...)
	if src.Quals != nil {
		s.Quals = append(s.Quals[:0], src.Quals...)
	} else {
		s.Quals = nil
	}
}
