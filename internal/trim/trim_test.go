package trim

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/grailbio/blue/internal/depthtable"
	"github.com/grailbio/blue/internal/pairtable"
	"github.com/grailbio/blue/internal/pkmer"
	"github.com/grailbio/blue/internal/readprops"
	"github.com/grailbio/blue/internal/sequence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type depthRecord struct {
	mer      pkmer.Mer
	fwd, rev uint32
}

func buildDepthTable(t *testing.T, k int, avgDepth uint32, records []depthRecord) *depthtable.Table {
	buf := &bytes.Buffer{}
	require.NoError(t, binary.Write(buf, binary.LittleEndian, uint32(k)))
	require.NoError(t, binary.Write(buf, binary.LittleEndian, uint64(len(records))))
	var total uint64
	for _, r := range records {
		total += uint64(r.fwd) + uint64(r.rev)
	}
	require.NoError(t, binary.Write(buf, binary.LittleEndian, total))
	require.NoError(t, binary.Write(buf, binary.LittleEndian, avgDepth))
	for _, r := range records {
		require.NoError(t, binary.Write(buf, binary.LittleEndian, uint64(r.mer)))
		require.NoError(t, binary.Write(buf, binary.LittleEndian, r.fwd))
		require.NoError(t, binary.Write(buf, binary.LittleEndian, r.rev))
	}
	tbl, err := depthtable.Load(buf, 1, 10, 1000)
	require.NoError(t, err)
	return tbl
}

func tileRecords(t *testing.T, seq []byte, k int, depthOf func(i int) (fwd, rev uint32)) []depthRecord {
	var recs []depthRecord
	var prev pkmer.Mer
	for i := 0; i+k <= len(seq); i++ {
		var mer pkmer.Mer
		var ok bool
		if i == 0 {
			mer, ok = pkmer.Pack(seq[:k])
		} else {
			mer, ok = pkmer.ShiftIn(prev, seq[i+k-1], k)
		}
		require.True(t, ok)
		prev = mer
		fwd, rev := depthOf(i)
		recs = append(recs, depthRecord{mer: pkmer.Canonical(mer, k), fwd: fwd, rev: rev})
	}
	return recs
}

func TestHDUBEndsTrimsLeadingRun(t *testing.T) {
	k := 8
	bases := []byte("AAAAAAAACGTACGTACGTCGTA")
	// First two tiled k-mers deep and wildly unbalanced (HDUB); rest
	// balanced at a normal depth.
	recs := tileRecords(t, bases, k, func(i int) (uint32, uint32) {
		if i < 2 {
			return 5000, 1
		}
		return 30, 30
	})
	tbl := buildDepthTable(t, k, 30, recs)

	p := readprops.New()
	seq := sequence.New(append([]byte(nil), bases...), nil)
	cfg := readprops.Config{Depths: tbl, RequestedMin: 1}
	readprops.Derive(p, seq, k, cfg)
	require.True(t, p.Flags.DeepUnbalancedPresent)
	require.True(t, p.HDUB[0])

	res := HDUBEnds(seq, p, k, cfg)
	assert.True(t, res.Trimmed)
	assert.False(t, res.TooShort)
	assert.Greater(t, res.LeftTrimmed, 0)
	assert.Equal(t, 0, res.RightTrimmed)
	assert.Less(t, seq.Len(), len(bases))
}

func TestHDUBEndsNoopWhenNoHDUB(t *testing.T) {
	k := 8
	bases := []byte("ACGTACGTACGTACGT")
	recs := tileRecords(t, bases, k, func(int) (uint32, uint32) { return 30, 30 })
	tbl := buildDepthTable(t, k, 30, recs)

	p := readprops.New()
	seq := sequence.New(append([]byte(nil), bases...), nil)
	cfg := readprops.Config{Depths: tbl, RequestedMin: 1}
	readprops.Derive(p, seq, k, cfg)

	res := HDUBEnds(seq, p, k, cfg)
	assert.False(t, res.Trimmed)
	assert.Equal(t, len(bases), seq.Len())
}

func TestLowDepthEndsTrimsTrailingRun(t *testing.T) {
	k := 8
	bases := []byte("ACGTACGTACGTACGTACGA")
	n := len(bases) - k + 1
	recs := tileRecords(t, bases, k, func(i int) (uint32, uint32) {
		if i >= n-2 {
			return 0, 1
		}
		return 30, 30
	})
	tbl := buildDepthTable(t, k, 30, recs)

	p := readprops.New()
	seq := sequence.New(append([]byte(nil), bases...), nil)
	cfg := readprops.Config{Depths: tbl, RequestedMin: 1}
	readprops.Derive(p, seq, k, cfg)

	res := LowDepthEnds(seq, p, k, cfg)
	assert.True(t, res.Trimmed)
	assert.Equal(t, 0, res.LeftTrimmed)
	assert.Greater(t, res.RightTrimmed, 0)
}

func buildPairTable(t *testing.T, fragLen, gap, fullLen, avgDepth uint32) *pairtable.Table {
	buf := &bytes.Buffer{}
	require.NoError(t, binary.Write(buf, binary.LittleEndian, fragLen))
	require.NoError(t, binary.Write(buf, binary.LittleEndian, gap))
	require.NoError(t, binary.Write(buf, binary.LittleEndian, fullLen))
	require.NoError(t, binary.Write(buf, binary.LittleEndian, avgDepth))
	tbl, err := pairtable.Load(buf, 100, 1000)
	require.NoError(t, err)
	return tbl
}

func TestLowDepthEndsTrimsOnPairDepthAlone(t *testing.T) {
	k := 4
	bases := []byte("ACGTACG") // 4 tiled k-mers
	tbl := buildDepthTable(t, k, 30, nil)
	pairs := buildPairTable(t, 2, 0, 1, 10) // FullLen()==1, so pairOffset==0

	p := readprops.New()
	p.Depths = []uint32{100, 100, 100, 100}
	p.PairDepths = []uint32{100, 100, 100, 3} // trailing pair depth alone is below threshold
	p.Thresholds = readprops.Thresholds{MinDepth: 10, MinPairDepth: 10}
	seq := sequence.New(append([]byte(nil), bases...), nil)
	cfg := readprops.Config{Depths: tbl, Pairs: pairs, RequestedMin: 1}

	res := LowDepthEnds(seq, p, k, cfg)
	assert.True(t, res.Trimmed)
	assert.Equal(t, 0, res.LeftTrimmed)
	assert.Equal(t, 1, res.RightTrimmed, "k-mer depth alone is fine everywhere; only the pair depth flags the trailing k-mer")
}

func TestLowDepthEndsIgnoresPairDepthWhenNoPairTable(t *testing.T) {
	k := 4
	bases := []byte("ACGTACG")
	tbl := buildDepthTable(t, k, 30, nil)

	p := readprops.New()
	p.Depths = []uint32{100, 100, 100, 100}
	p.PairDepths = []uint32{100, 100, 100, 3}
	p.Thresholds = readprops.Thresholds{MinDepth: 10, MinPairDepth: 10}
	seq := sequence.New(append([]byte(nil), bases...), nil)
	cfg := readprops.Config{Depths: tbl, RequestedMin: 1}

	res := LowDepthEnds(seq, p, k, cfg)
	assert.False(t, res.Trimmed, "no pair table means PairDepths must not affect trimming")
}

func TestApplyTrimTooShortWhenEntireReadFlagged(t *testing.T) {
	k := 8
	bases := []byte("AAAAAAAAAAAAAAAA")
	recs := tileRecords(t, bases, k, func(int) (uint32, uint32) { return 5000, 1 })
	tbl := buildDepthTable(t, k, 30, recs)

	p := readprops.New()
	seq := sequence.New(append([]byte(nil), bases...), nil)
	cfg := readprops.Config{Depths: tbl, RequestedMin: 1}
	readprops.Derive(p, seq, k, cfg)
	require.True(t, p.Flags.DeepUnbalancedPresent)

	res := HDUBEnds(seq, p, k, cfg)
	assert.True(t, res.Trimmed)
	assert.True(t, res.TooShort)
	assert.Equal(t, 0, seq.Len())
}
