// Package pkmer implements packed, 2-bit-per-base k-mer primitives.
//
// A Mer is a DNA k-mer (k <= MaxK) packed into a uint64, left-justified:
// the base at read-position 0 occupies the most significant pair of bits,
// and the low (64 - 2*k) bits are always zero. Bases are encoded
// A=0, C=1, G=2, T=3.
package pkmer

import "github.com/grailbio/base/log"

// MaxK is the largest k-mer length this package can pack into a Mer.
const MaxK = 32

// Mer is a packed, left-justified k-mer. Its meaning is only defined
// together with a k (the number of packed bases); Mer does not carry k
// itself.
type Mer uint64

const invalidCode = 0xff

var baseCode [256]byte
var codeBase [4]byte

func init() {
	for i := range baseCode {
		baseCode[i] = invalidCode
	}
	baseCode['A'] = 0
	baseCode['C'] = 1
	baseCode['G'] = 2
	baseCode['T'] = 3
	codeBase[0] = 'A'
	codeBase[1] = 'C'
	codeBase[2] = 'G'
	codeBase[3] = 'T'
}

// offset returns the bit offset of the low edge of the k-mer's window:
// a Mer for a k-mer of length k occupies bits [offset(k), 64).
func offset(k int) uint {
	return uint(64 - 2*k)
}

// Pack encodes bases (which must be upper-case ACGT) into a Mer. It
// returns valid=false, without panicking, the first time it sees a byte
// that isn't A, C, G, or T (in particular, N defeats packing).
func Pack(bases []byte) (mer Mer, valid bool) {
	if len(bases) > MaxK {
		log.Panicf("pkmer.Pack: k=%d exceeds MaxK=%d", len(bases), MaxK)
	}
	for _, b := range bases {
		code := baseCode[b]
		if code == invalidCode {
			return 0, false
		}
		mer = (mer << 2) | Mer(code)
	}
	return mer << offset(len(bases)), true
}

// Unpack decodes the k bases packed in mer back into ASCII.
func Unpack(mer Mer, k int) []byte {
	out := make([]byte, k)
	o := offset(k)
	for i := 0; i < k; i++ {
		shift := o + uint(2*(k-1-i))
		code := byte(mer>>shift) & 3
		out[i] = codeBase[code]
	}
	return out
}

// RevComp returns the reverse complement of the k-mer packed in mer.
func RevComp(mer Mer, k int) Mer {
	var rc Mer
	o := offset(k)
	for i := 0; i < k; i++ {
		shift := o + uint(2*i)
		code := (mer >> shift) & 3
		comp := code ^ 3
		rc = (rc << 2) | comp
	}
	return rc << o
}

// Canonical returns the canonical form of the k-mer packed in mer:
// min(mer, RevComp(mer, k)).
func Canonical(mer Mer, k int) Mer {
	rc := RevComp(mer, k)
	if rc < mer {
		return rc
	}
	return mer
}

// ShiftIn drops the leftmost (read-position 0) base of mer and appends
// base at the right, returning the new k-mer. base must be one of
// 'A','C','G','T'.
func ShiftIn(mer Mer, base byte, k int) (Mer, bool) {
	code := baseCode[base]
	if code == invalidCode {
		return 0, false
	}
	return (mer << 2) | (Mer(code) << offset(k)), true
}

// codeAt returns the 2-bit code of the base at read-position i (0-based,
// 0 == leftmost) of the k-mer packed in mer.
func codeAt(mer Mer, k, i int) Mer {
	shift := offset(k) + uint(2*(k-1-i))
	return (mer >> shift) & 3
}

// IsHomopolymer reports whether the last 3 bases of the k-mer (read
// positions k-3, k-2, k-1) are identical.
func IsHomopolymer(mer Mer, k int) bool {
	if k < 3 {
		return false
	}
	a := codeAt(mer, k, k-3)
	b := codeAt(mer, k, k-2)
	c := codeAt(mer, k, k-1)
	return a == b && b == c
}

// IsHomopolymerEnd reports whether the last 4 bases of the k-mer (read
// positions k-4..k-1) follow the pattern XXXy with X != y.
func IsHomopolymerEnd(mer Mer, k int) bool {
	if k < 4 {
		return false
	}
	x1 := codeAt(mer, k, k-4)
	x2 := codeAt(mer, k, k-3)
	x3 := codeAt(mer, k, k-2)
	y := codeAt(mer, k, k-1)
	return x1 == x2 && x2 == x3 && x3 != y
}

// initialHomopolymerRun returns the length of the run of identical bases
// starting at read-position 0 of the k-mer packed in mer.
func initialHomopolymerRun(mer Mer, k int) int {
	if k == 0 {
		return 0
	}
	first := codeAt(mer, k, 0)
	run := 1
	for run < k && codeAt(mer, k, run) == first {
		run++
	}
	return run
}
