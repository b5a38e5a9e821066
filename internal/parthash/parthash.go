// Package parthash provides the partitioning and backing-store helpers
// shared by the depth table and pair table: how many partitions a
// table needs, which partition a canonical k-mer falls in, and how to
// back a partition's fixed-size entry array with huge-page memory.
package parthash

import (
	"reflect"
	"unsafe"

	"github.com/grailbio/base/log"
	"golang.org/x/sys/unix"
)

// NumPartitions returns the number of partitions needed to keep each
// partition's expected distinct-key count at or below maxPerPartition.
func NumPartitions(expectedDistinct uint64, maxPerPartition uint64) int {
	if maxPerPartition == 0 {
		log.Panicf("parthash: maxPerPartition must be positive")
	}
	n := (expectedDistinct + maxPerPartition - 1) / maxPerPartition
	if n < 1 {
		n = 1
	}
	return int(n)
}

// PartitionBases returns ceil(log4(numPartitions)): the number of
// leading bases of the canonical k-mer used to select a partition.
func PartitionBases(numPartitions int) int {
	bases := 0
	for cap := 1; cap < numPartitions; cap *= 4 {
		bases++
	}
	return bases
}

// PartitionIndex returns the partition that a canonical k-mer (in the
// packed, left-justified Mer representation) belongs to, given the
// number of partition-selector bases as returned by PartitionBases.
// Because Mer is left-justified, the selector bases are simply the
// high bits of the 64-bit word.
func PartitionIndex(mer uint64, partitionBases, numPartitions int) int {
	if partitionBases == 0 {
		return 0
	}
	shift := uint(64 - 2*partitionBases)
	idx := int(mer >> shift)
	return idx % numPartitions
}

const hugePageSize = 2 << 20

// MmapEntries allocates an anonymous, huge-page-advised mapping large
// enough to hold n entries of entrySize bytes, and returns the mapped
// bytes together with the huge-page-aligned address inside them at
// which the entries start. Entry types stored there must contain no
// pointers (the mapping is opaque to the garbage collector). The
// region is never unmapped.
func MmapEntries(n int, entrySize uintptr, sample interface{}) (data []byte, start uintptr) {
	if n <= 0 {
		n = 1
	}
	size := uintptr(n)*entrySize + hugePageSize
	raw, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		log.Panic(err)
	}
	start = ((uintptr(unsafe.Pointer(&raw[0]))-1)/hugePageSize + 1) * hugePageSize
	if err := unix.Madvise(raw, unix.MADV_HUGEPAGE); err != nil {
		log.Panic(err)
	}
	return raw, start
}

// SliceAt reinterprets the n*entrySize bytes starting at address start
// (as returned by MmapEntries) as a []T of length n. T must be a fixed
// layout, pointer-free struct whose size is entrySize.
func SliceAt(start uintptr, n int, entrySize uintptr, out interface{}) {
	v := reflect.ValueOf(out).Elem()
	hdr := (*reflect.SliceHeader)(unsafe.Pointer(v.UnsafeAddr()))
	hdr.Data = start
	hdr.Len = n
	hdr.Cap = n
}
