// Package seqsimd provides branch-free, table-driven byte operations on
// ASCII DNA sequence and quality buffers.
package seqsimd

var revComp8Table = [256]byte{}

func init() {
	for i := range revComp8Table {
		revComp8Table[i] = 'N'
	}
	revComp8Table['A'] = 'T'
	revComp8Table['a'] = 'T'
	revComp8Table['C'] = 'G'
	revComp8Table['c'] = 'G'
	revComp8Table['G'] = 'C'
	revComp8Table['g'] = 'C'
	revComp8Table['T'] = 'A'
	revComp8Table['t'] = 'A'
}

// ReverseComp8InplaceNoValidate reverse-complements ascii8 in place,
// assuming all values are in {A,C,G,T,N,a,c,g,t,n}. Other input bytes
// map to 'N'.
func ReverseComp8InplaceNoValidate(ascii8 []byte) {
	n := len(ascii8)
	half := n >> 1
	for i, j := 0, n-1; i != half; i, j = i+1, j-1 {
		ascii8[i], ascii8[j] = revComp8Table[ascii8[j]], revComp8Table[ascii8[i]]
	}
	if n&1 == 1 {
		ascii8[half] = revComp8Table[ascii8[half]]
	}
}

// ReverseInplace reverses buf in place without complementing it; used
// for the quality buffer that parallels a reverse-complemented base
// buffer.
func ReverseInplace(buf []byte) {
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
}

var cleanASCIISeqTable = [256]byte{}

func init() {
	for i := range cleanASCIISeqTable {
		cleanASCIISeqTable[i] = 'N'
	}
	cleanASCIISeqTable['A'] = 'A'
	cleanASCIISeqTable['a'] = 'A'
	cleanASCIISeqTable['C'] = 'C'
	cleanASCIISeqTable['c'] = 'C'
	cleanASCIISeqTable['G'] = 'G'
	cleanASCIISeqTable['g'] = 'G'
	cleanASCIISeqTable['T'] = 'T'
	cleanASCIISeqTable['t'] = 'T'
}

// CleanASCIISeqInplace capitalizes a/c/g/t and replaces everything else
// (including 'N'/'n') with 'N'.
func CleanASCIISeqInplace(ascii8 []byte) {
	for i, b := range ascii8 {
		ascii8[i] = cleanASCIISeqTable[b]
	}
}

var isNotACGTTable = [256]bool{}

func init() {
	for i := range isNotACGTTable {
		isNotACGTTable[i] = true
	}
	for _, b := range []byte("ACGT") {
		isNotACGTTable[b] = false
	}
}

// IsNonACGTPresent returns true iff ascii8 contains any byte other than
// capital A, C, G, or T.
func IsNonACGTPresent(ascii8 []byte) bool {
	for _, b := range ascii8 {
		if isNotACGTTable[b] {
			return true
		}
	}
	return false
}

// CountNonACGT returns the number of bytes in ascii8 that are not
// capital A, C, G, or T.
func CountNonACGT(ascii8 []byte) int {
	n := 0
	for _, b := range ascii8 {
		if isNotACGTTable[b] {
			n++
		}
	}
	return n
}
