// Package pairtable implements the partitioned k-mer-pair depth table,
// per spec.md §3/§4.3/§6.
package pairtable

import (
	"bufio"
	"encoding/binary"
	"io"
	"unsafe"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/blue/internal/parthash"
	"github.com/pkg/errors"
)

// FragLen is the length of each of the two fragments making up a pair.
const FragLen = 16

type entry struct {
	next  int32
	key   uint64
	depth uint32
}

const noNext int32 = -1

type partition struct {
	buckets []int32
	entries []entry
}

// newPartition backs the entry array with a huge-page-advised mmap
// region (parthash.MmapEntries), re-sliced to length 0 so add's append
// calls fill it in place up to its mmap'd capacity; growth past that
// capacity falls back to an ordinary heap allocation, same as append
// on any other slice.
func newPartition(expected int) partition {
	nb := 1
	for nb < expected*2+1 {
		nb *= 2
	}
	n := expected
	if n <= 0 {
		n = 1
	}
	entrySize := unsafe.Sizeof(entry{})
	_, start := parthash.MmapEntries(n, entrySize, entry{})
	var backing []entry
	parthash.SliceAt(start, n, entrySize, &backing)
	p := partition{buckets: make([]int32, nb), entries: backing[:0]}
	for i := range p.buckets {
		p.buckets[i] = noNext
	}
	return p
}

func (p *partition) add(key uint64, depth uint32) {
	b := int(hashKey(key) % uint64(len(p.buckets)))
	idx := int32(len(p.entries))
	p.entries = append(p.entries, entry{next: p.buckets[b], key: key, depth: depth})
	p.buckets[b] = idx
}

func (p *partition) get(key uint64) (uint32, bool) {
	if len(p.buckets) == 0 {
		return 0, false
	}
	b := int(hashKey(key) % uint64(len(p.buckets)))
	for i := p.buckets[b]; i != noNext; i = p.entries[i].next {
		if p.entries[i].key == key {
			return p.entries[i].depth, true
		}
	}
	return 0, false
}

func hashKey(key uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	h := seahash.New()
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// Table is the partitioned pair->depth map. Immutable after Load.
type Table struct {
	fragLen        int
	gap            int
	fullLen        int
	avgDepthLoaded uint32

	partitionBases int
	numPartitions  int
	partitions     []partition
}

// FragLen, Gap, FullLen are the pair geometry published by the table's
// header (spec.md §4.3): two FragLen-base fragments separated by Gap,
// for a total span of FullLen bases.
func (t *Table) FragLen() int           { return t.fragLen }
func (t *Table) Gap() int               { return t.gap }
func (t *Table) FullLen() int           { return t.fullLen }
func (t *Table) AvgDepthLoaded() uint32 { return t.avgDepthLoaded }

type fileHeader struct {
	PairFragmentLength uint32
	PairGap            uint32
	PairFullLength     uint32
	AvgDepthLoaded     uint32
}

// Load reads a pair table file as described in spec.md §6.
// maxPerPartition bounds the expected number of distinct pairs per
// in-memory partition; expectedDistinct seeds the partition count
// estimate (the pair file has no distinct-count header field, unlike
// the depth table, so the caller supplies an estimate from the read
// corpus size).
func Load(r io.Reader, expectedDistinct uint64, maxPerPartition uint64) (*Table, error) {
	br := bufio.NewReader(r)
	var hdr fileHeader
	if err := binary.Read(br, binary.LittleEndian, &hdr.PairFragmentLength); err != nil {
		return nil, errors.Wrap(err, "pairtable: reading pairFragmentLength")
	}
	if err := binary.Read(br, binary.LittleEndian, &hdr.PairGap); err != nil {
		return nil, errors.Wrap(err, "pairtable: reading pairGap")
	}
	if err := binary.Read(br, binary.LittleEndian, &hdr.PairFullLength); err != nil {
		return nil, errors.Wrap(err, "pairtable: reading pairFullLength")
	}
	if err := binary.Read(br, binary.LittleEndian, &hdr.AvgDepthLoaded); err != nil {
		return nil, errors.Wrap(err, "pairtable: reading avgDepthLoaded")
	}

	t := &Table{
		fragLen:        int(hdr.PairFragmentLength),
		gap:            int(hdr.PairGap),
		fullLen:        int(hdr.PairFullLength),
		avgDepthLoaded: hdr.AvgDepthLoaded,
	}
	t.numPartitions = parthash.NumPartitions(expectedDistinct, maxPerPartition)
	t.partitionBases = parthash.PartitionBases(t.numPartitions)
	expectedPerPartition := int(expectedDistinct)/t.numPartitions + 1
	t.partitions = make([]partition, t.numPartitions)
	for i := range t.partitions {
		t.partitions[i] = newPartition(expectedPerPartition)
	}

	for {
		var pair uint64
		if err := binary.Read(br, binary.LittleEndian, &pair); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrap(err, "pairtable: reading canonicalPair")
		}
		var depth uint32
		if err := binary.Read(br, binary.LittleEndian, &depth); err != nil {
			return nil, errors.Wrap(err, "pairtable: reading depth")
		}
		idx := parthash.PartitionIndex(pair, t.partitionBases, t.numPartitions)
		t.partitions[idx].add(pair, depth)
	}
	return t, nil
}

// PairDepth returns the recorded depth for a canonicalized pair key; a
// missing key returns 0.
func (t *Table) PairDepth(pair uint64) uint32 {
	idx := parthash.PartitionIndex(pair, t.partitionBases, t.numPartitions)
	depth, _ := t.partitions[idx].get(pair)
	return depth
}

// BuildPairKey concatenates two packed, left-justified 16-mers (as
// produced by pkmer.Pack) into a single 64-bit pair key: frag1's bits
// occupy the high half, frag2's the low half.
func BuildPairKey(frag1, frag2 uint64) uint64 {
	return frag1 | (frag2 >> 32)
}

// revComp16 reverse-complements a packed, left-justified 16-mer.
func revComp16(mer uint64) uint64 {
	var rc uint64
	for i := 0; i < FragLen; i++ {
		code := (mer >> uint(32+2*i)) & 3
		rc = (rc << 2) | (code ^ 3)
	}
	return rc << 32
}

// Canonical returns the canonical form of a pair key: reverse-
// complementing a pair swaps and reverse-complements its two fragments
// (the fragments' order flips because the gapped region they came from
// is itself reversed), so the RC of pairKey is
// BuildPairKey(revComp16(frag2), revComp16(frag1)).
func Canonical(pairKey uint64) uint64 {
	frag1 := pairKey & 0xFFFFFFFF00000000
	frag2 := (pairKey & 0x00000000FFFFFFFF) << 32
	rc := BuildPairKey(revComp16(frag2), revComp16(frag1))
	if rc < pairKey {
		return rc
	}
	return pairKey
}
