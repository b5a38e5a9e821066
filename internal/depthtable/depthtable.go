// Package depthtable implements the partitioned, read-only-after-load
// k-mer depth table and its companion HDUB (high-depth unbalanced)
// filter set, per spec.md §3/§4.2.
package depthtable

import (
	"bufio"
	"encoding/binary"
	"io"
	"unsafe"

	farm "github.com/dgryski/go-farm"
	"github.com/grailbio/blue/internal/parthash"
	"github.com/minio/highwayhash"
	"github.com/pkg/errors"
)

// Cell is a depth table value: saturating forward/reverse-complement
// occurrence counts for a canonical k-mer.
type Cell struct {
	Fwd uint32
	Rev uint32
}

// Sum returns Fwd+Rev, saturating at MaxUint32.
func (c Cell) Sum() uint32 {
	s := uint64(c.Fwd) + uint64(c.Rev)
	if s > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(s)
}

type entry struct {
	next  int32
	key   uint64
	value Cell
}

const noNext int32 = -1

type partition struct {
	buckets []int32 // head index into entries, or noNext
	entries []entry
	used    int
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
	p := partition{
		buckets: make([]int32, nb),
		entries: backing[:0],
	}
	for i := range p.buckets {
		p.buckets[i] = noNext
	}
	return p
}

// add inserts key/value into the partition. The caller guarantees
// single-producer access during load; no locking is needed.
func (p *partition) add(key uint64, value Cell) {
	h := hashKey(key)
	b := int(h % uint64(len(p.buckets)))
	idx := int32(len(p.entries))
	p.entries = append(p.entries, entry{next: p.buckets[b], key: key, value: value})
	p.buckets[b] = idx
	p.used++
}

func (p *partition) get(key uint64) (Cell, bool) {
	if len(p.buckets) == 0 {
		return Cell{}, false
	}
	h := hashKey(key)
	b := int(h % uint64(len(p.buckets)))
	for i := p.buckets[b]; i != noNext; i = p.entries[i].next {
		if p.entries[i].key == key {
			return p.entries[i].value, true
		}
	}
	return Cell{}, false
}

// Table is the partitioned k-mer depth table. It is built once at load
// time (single producer per partition) and is safe for concurrent
// read-only access afterward.
type Table struct {
	merSize           int
	totalDistinctMers uint64
	totalMers         uint64
	avgDepthLoaded    uint32
	balanceFactor     uint32
	tiltedFactor      uint32

	partitionBases int
	numPartitions  int
	partitions     []partition

	hdub hdubFilter
}

// MerSize returns the k-mer length this table was built for.
func (t *Table) MerSize() int { return t.merSize }

// AvgDepthLoaded returns the average depth recorded in the table's
// header, computed upstream over all loaded k-mers.
func (t *Table) AvgDepthLoaded() uint32 { return t.avgDepthLoaded }

// TotalDistinctMers and TotalMers report the header-recorded totals
// (not just the entries actually loaded under minLoadDepth).
func (t *Table) TotalDistinctMers() uint64 { return t.totalDistinctMers }
func (t *Table) TotalMers() uint64         { return t.totalMers }

func hashKey(key uint64) uint64 {
	return farm.Hash64WithSeed(nil, key)
}

func rightJustify(canonicalMerLeftJustified uint64, k int) uint64 {
	return canonicalMerLeftJustified >> uint(64-2*k)
}

type fileHeader struct {
	MerSize           uint32
	TotalDistinctMers uint64
	TotalMers         uint64
	AvgDepthLoaded    uint32
}

// hdubHighDepthFactor is the "unusually deep" multiple of average depth
// that makes a k-mer an HDUB candidate (spec.md glossary: "HDUB").
const hdubHighDepthFactor = 100

// Load reads a depth table file as described in spec.md §6. Only
// entries with fwd+rev >= minLoadDepth are kept. maxPerPartition bounds
// the expected number of distinct k-mers per in-memory partition.
// balanceFactor is the configured forward/reverse imbalance ratio
// (default 10, per spec.md §3).
func Load(r io.Reader, minLoadDepth uint32, balanceFactor uint32, maxPerPartition uint64) (*Table, error) {
	br := bufio.NewReader(r)
	var hdr fileHeader
	if err := binary.Read(br, binary.LittleEndian, &hdr.MerSize); err != nil {
		return nil, errors.Wrap(err, "depthtable: reading merSize")
	}
	if err := binary.Read(br, binary.LittleEndian, &hdr.TotalDistinctMers); err != nil {
		return nil, errors.Wrap(err, "depthtable: reading totalDistinctMers")
	}
	if err := binary.Read(br, binary.LittleEndian, &hdr.TotalMers); err != nil {
		return nil, errors.Wrap(err, "depthtable: reading totalMers")
	}
	if err := binary.Read(br, binary.LittleEndian, &hdr.AvgDepthLoaded); err != nil {
		return nil, errors.Wrap(err, "depthtable: reading avgDepthLoaded")
	}

	t := &Table{
		merSize:           int(hdr.MerSize),
		totalDistinctMers: hdr.TotalDistinctMers,
		totalMers:         hdr.TotalMers,
		avgDepthLoaded:    hdr.AvgDepthLoaded,
		balanceFactor:     balanceFactor,
		tiltedFactor:      balanceFactor / 2,
	}
	if t.tiltedFactor == 0 {
		t.tiltedFactor = 1
	}

	t.numPartitions = parthash.NumPartitions(hdr.TotalDistinctMers, maxPerPartition)
	t.partitionBases = parthash.PartitionBases(t.numPartitions)
	expectedPerPartition := int(hdr.TotalDistinctMers)/t.numPartitions + 1
	t.partitions = make([]partition, t.numPartitions)
	for i := range t.partitions {
		t.partitions[i] = newPartition(expectedPerPartition)
	}

	hdubThreshold := uint64(hdr.AvgDepthLoaded) * hdubHighDepthFactor
	var hdubKeys []uint64

	for {
		var canonicalMer uint64
		if err := binary.Read(br, binary.LittleEndian, &canonicalMer); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrap(err, "depthtable: reading canonicalMer")
		}
		var fwd, rev uint32
		if err := binary.Read(br, binary.LittleEndian, &fwd); err != nil {
			return nil, errors.Wrap(err, "depthtable: reading fwdCount")
		}
		if err := binary.Read(br, binary.LittleEndian, &rev); err != nil {
			return nil, errors.Wrap(err, "depthtable: reading revCount")
		}
		cell := Cell{Fwd: fwd, Rev: rev}
		sum := uint64(cell.Sum())
		if sum < uint64(minLoadDepth) {
			continue
		}
		idx := parthash.PartitionIndex(canonicalMer, t.partitionBases, t.numPartitions)
		key := rightJustify(canonicalMer, t.merSize)
		t.partitions[idx].add(key, cell)

		if sum >= hdubThreshold && isUnbalanced(cell, balanceFactor) {
			hdubKeys = append(hdubKeys, key)
		}
	}

	t.hdub = newHDUBFilter(hdubKeys)
	return t, nil
}

func isUnbalanced(c Cell, balanceFactor uint32) bool {
	lo, hi := c.Fwd, c.Rev
	if lo > hi {
		lo, hi = hi, lo
	}
	if lo == 0 {
		return hi > 0
	}
	return hi > lo*balanceFactor
}

func isTilted(c Cell, tiltedFactor uint32) bool {
	lo, hi := c.Fwd, c.Rev
	if lo > hi {
		lo, hi = hi, lo
	}
	if lo == 0 {
		return hi > 0
	}
	return hi > lo*tiltedFactor
}

// Depth returns the depth cell for mer (in packed, left-justified Mer
// form as a uint64); a missing key returns the zero Cell.
func (t *Table) Depth(mer uint64) (fwd, rev uint32) {
	key := rightJustify(mer, t.merSize)
	idx := parthash.PartitionIndex(mer, t.partitionBases, t.numPartitions)
	cell, ok := t.partitions[idx].get(key)
	if !ok {
		return 0, 0
	}
	return cell.Fwd, cell.Rev
}

// DepthSum returns the total depth for mer, whether it is strand-
// unbalanced beyond the table's balance factor, and whether it shows
// the weaker "tilted" imbalance used for homopolymer-adjacent
// tolerance. minDepth does not gate the returned sum; it is accepted
// for parity with the spec's documented signature and reserved for
// future threshold-aware variants.
func (t *Table) DepthSum(mer uint64, minDepth uint32) (sum uint32, unbalanced, tilted bool) {
	key := rightJustify(mer, t.merSize)
	idx := parthash.PartitionIndex(mer, t.partitionBases, t.numPartitions)
	cell, ok := t.partitions[idx].get(key)
	if !ok {
		return 0, false, false
	}
	return cell.Sum(), isUnbalanced(cell, t.balanceFactor), isTilted(cell, t.tiltedFactor)
}

// HDUBContains reports whether mer is in the high-depth-unbalanced
// filter set.
func (t *Table) HDUBContains(mer uint64) bool {
	key := rightJustify(mer, t.merSize)
	return t.hdub.contains(key)
}

type hdubSlot struct {
	key   uint64
	valid bool
}

type hdubFilter struct {
	slots []hdubSlot
}

func newHDUBFilter(keys []uint64) hdubFilter {
	n := 1
	for n < len(keys)*2+1 {
		n *= 2
	}
	f := hdubFilter{slots: make([]hdubSlot, n)}
	for _, k := range keys {
		f.insert(k)
	}
	return f
}

func (f *hdubFilter) hash(key uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	return highwayhash.Sum64(buf[:], highwayKey)
}

var highwayKey = make([]byte, 32) // fixed, all-zero: local non-adversarial lookup

func (f *hdubFilter) insert(key uint64) {
	if len(f.slots) == 0 {
		return
	}
	i := int(f.hash(key) % uint64(len(f.slots)))
	for {
		if !f.slots[i].valid {
			f.slots[i] = hdubSlot{key: key, valid: true}
			return
		}
		if f.slots[i].key == key {
			return
		}
		i = (i + 1) % len(f.slots)
	}
}

func (f *hdubFilter) contains(key uint64) bool {
	if len(f.slots) == 0 {
		return false
	}
	i := int(f.hash(key) % uint64(len(f.slots)))
	for {
		if !f.slots[i].valid {
			return false
		}
		if f.slots[i].key == key {
			return true
		}
		i = (i + 1) % len(f.slots)
	}
}
