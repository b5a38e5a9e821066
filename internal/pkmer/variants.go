package pkmer

// SubMode selects which positions GenerateSubVariants perturbs.
type SubMode int

const (
	// VaryLast perturbs only the last base (read position k-1).
	VaryLast SubMode = iota
	// VaryAnyOne perturbs each base position in turn.
	VaryAnyOne
	// VaryAnyTwo further perturbs each VaryAnyOne result at a second
	// position, producing the sub-sub expansion of that set.
	VaryAnyTwo
)

var allBases = [4]byte{'A', 'C', 'G', 'T'}

// GenerateSubVariants enumerates single- or double-substitution
// neighbors of the k-mer packed in mer, per mode. When includeIdentity
// is false, mer itself is excluded from the result. The result may
// contain duplicates; callers that need a set should sort and dedupe.
func GenerateSubVariants(mer Mer, k int, mode SubMode, includeIdentity bool) []Mer {
	bases := Unpack(mer, k)

	varyOnePositions := func(src []byte) []Mer {
		out := make([]Mer, 0, len(src)*3)
		buf := make([]byte, k)
		copy(buf, src)
		for pos := 0; pos < k; pos++ {
			orig := buf[pos]
			for _, b := range allBases {
				if b == orig {
					continue
				}
				buf[pos] = b
				if v, ok := Pack(buf); ok {
					out = append(out, v)
				}
			}
			buf[pos] = orig
		}
		return out
	}

	var out []Mer
	switch mode {
	case VaryLast:
		pos := k - 1
		orig := bases[pos]
		for _, b := range allBases {
			if b == orig {
				continue
			}
			buf := make([]byte, k)
			copy(buf, bases)
			buf[pos] = b
			if v, ok := Pack(buf); ok {
				out = append(out, v)
			}
		}
	case VaryAnyOne:
		out = varyOnePositions(bases)
	case VaryAnyTwo:
		first := varyOnePositions(bases)
		for _, v1 := range first {
			for _, v2 := range varyOnePositions(Unpack(v1, k)) {
				if v2 != mer {
					out = append(out, v2)
				}
			}
		}
	}
	if includeIdentity {
		out = append(out, mer)
	}
	return out
}

// GenerateDelVariants enumerates variants that repair a deletion error
// in the read: one new base is inserted at some position p in
// [1, k), the bases at and after p shift right, and the original
// last base is dropped. Position 0 is never used (that would be
// equivalent to shifting the whole read). A candidate equal to mer
// itself, or to mer with one base prepended (an effective read-shift),
// is excluded.
// positions[i] is the insertion position p used to build variants[i],
// so a caller can apply the same edit to the underlying read buffer.
func GenerateDelVariants(mer Mer, k int) (variants []Mer, positions []int) {
	bases := Unpack(mer, k)
	shiftPrepend := make([]Mer, 0, 4)
	for _, b := range allBases {
		buf := make([]byte, k)
		buf[0] = b
		copy(buf[1:], bases[:k-1])
		if v, ok := Pack(buf); ok {
			shiftPrepend = append(shiftPrepend, v)
		}
	}
	isShift := func(v Mer) bool {
		for _, s := range shiftPrepend {
			if s == v {
				return true
			}
		}
		return false
	}

	buf := make([]byte, k)
	for p := 1; p < k; p++ {
		for _, b := range allBases {
			copy(buf[:p], bases[:p])
			buf[p] = b
			copy(buf[p+1:], bases[p:k-1])
			v, ok := Pack(buf)
			if !ok || v == mer || isShift(v) {
				continue
			}
			variants = append(variants, v)
			positions = append(positions, p)
		}
	}
	return variants, positions
}

// InsMode selects how GenerateInsVariants removes bases to repair an
// insertion error in the read.
type InsMode int

const (
	// InsVaryAnyOne removes a single base at each eligible position,
	// refilling the vacated last position from the read.
	InsVaryAnyOne InsMode = iota
	// InsVaryLast removes a run of 1..maxGap bases from the end,
	// refilling from the read at each step.
	InsVaryLast
)

// GenerateInsVariants enumerates variants that repair an insertion
// error in the read: one or more bases are deleted from the k-mer and
// the vacated positions at the end are refilled from nextBases (the
// bases immediately following the k-mer in the read, in read order).
//
// InsVaryAnyOne deletes a single base at position p, skipping
// positions inside the k-mer's initial homopolymer run (those deletions
// would produce an equivalent k-mer). InsVaryLast deletes a run of
// 1..maxGap consecutive bases from the end; lengthDelta for the i-th
// step is -i. positions[i] is the deleted read-window position for an
// InsVaryAnyOne variant, or -1 for an InsVaryLast variant (whose
// deletion point is already implied by lengthDeltas[i]).
func GenerateInsVariants(mer Mer, k int, mode InsMode, nextBases []byte, maxGap int) (variants []Mer, lengthDeltas []int, positions []int) {
	bases := Unpack(mer, k)

	switch mode {
	case InsVaryAnyOne:
		runLen := initialHomopolymerRun(mer, k)
		for p := 0; p < k; p++ {
			if p < runLen {
				continue
			}
			if len(nextBases) < 1 {
				continue
			}
			buf := make([]byte, k)
			copy(buf[:p], bases[:p])
			copy(buf[p:k-1], bases[p+1:])
			buf[k-1] = nextBases[0]
			if v, ok := Pack(buf); ok {
				variants = append(variants, v)
				lengthDeltas = append(lengthDeltas, -1)
				positions = append(positions, p)
			}
		}
	case InsVaryLast:
		for gap := 1; gap <= maxGap; gap++ {
			if len(nextBases) < gap {
				break
			}
			buf := make([]byte, k)
			copy(buf[:k-gap], bases[:k-gap])
			copy(buf[k-gap:], nextBases[:gap])
			if v, ok := Pack(buf); ok {
				variants = append(variants, v)
				lengthDeltas = append(lengthDeltas, -gap)
				positions = append(positions, -1)
			}
		}
	}
	return variants, lengthDeltas, positions
}
