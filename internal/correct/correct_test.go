package correct

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

// tiledCanonicalRecords builds one depth record per canonical k-mer
// tiled from seq, all at the same balanced depth.
func tiledCanonicalRecords(t *testing.T, seq []byte, k int, depth uint32) []depthRecord {
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
		recs = append(recs, depthRecord{mer: pkmer.Canonical(mer, k), fwd: depth / 2, rev: depth - depth/2})
	}
	return recs
}

func TestAbandonReasonStringer(t *testing.T) {
	assert.Equal(t, "tooManyNs", TooManyNs.String())
	assert.Equal(t, "rewriting", Rewriting.String())
	assert.Equal(t, "treeSize", TreeSize.String())
	assert.Equal(t, "noNextMer", NoNextMer.String())
	assert.Equal(t, "notAbandoned", NotAbandoned.String())
}

func TestMerIsBad(t *testing.T) {
	th := readprops.Thresholds{MinDepth: 10, OKDepth: 30, MinPairDepth: 5}
	assert.True(t, merIsBad(5, 0, th, false), "depth below MinDepth is always bad")
	assert.False(t, merIsBad(10, 0, th, false), "depth at MinDepth is not bad")
	assert.True(t, merIsBad(20, 2, th, true), "mid depth with a weak pair is bad")
	assert.False(t, merIsBad(20, 2, th, false), "mid depth with no pair context is not bad")
	assert.False(t, merIsBad(40, 2, th, true), "depth at/above OKDepth is never bad regardless of pair")
}

func TestRedeemed(t *testing.T) {
	assert.True(t, redeemed(30, 40), "30 is exactly 75% of 40")
	assert.False(t, redeemed(29, 40))
	assert.False(t, redeemed(10, 0), "no previous accepted depth means nothing to redeem against")
}

func TestMerIsHealingCandidateLattice(t *testing.T) {
	th := readprops.Thresholds{MinDepth: 10, OKDepth: 30, MinPairDepth: 5, OKPairDepth: 15}

	assert.Equal(t, MerBad, merIsHealingCandidate(5, 0, th, false, false, true, 0, false))
	assert.Equal(t, MerOK, merIsHealingCandidate(40, 20, th, false, false, true, 0, false))
	assert.Equal(t, MerCheck, merIsHealingCandidate(40, 20, th, true, false, true, 0, false),
		"unbalanced k-mer in an otherwise-balanced read needs checking when an alternative exists")
	assert.Equal(t, MerCheck, merIsHealingCandidate(20, 10, th, false, false, true, 0, false),
		"depth and pair depth both below OK needs checking when an alternative exists")
	assert.Equal(t, MerUnsure, merIsHealingCandidate(20, 20, th, false, false, true, 40, true),
		"a sharp drop from the previous accepted depth is unsure, not outright bad")
}

func TestCollectVariantsFiltersLowDepthAndDedupes(t *testing.T) {
	k := 4
	mer, ok := pkmer.Pack([]byte("ACGT"))
	require.True(t, ok)

	variantMer, ok := pkmer.Pack([]byte("ACGA"))
	require.True(t, ok)

	tbl := buildDepthTable(t, k, 30, []depthRecord{
		{mer: pkmer.Canonical(mer, k), fwd: 25, rev: 25},
		{mer: pkmer.Canonical(variantMer, k), fwd: 15, rev: 15},
	})

	props := readprops.New()
	props.Thresholds = readprops.Thresholds{MinDepth: 10}
	s := &search{
		seq:    sequence.New([]byte("ACGT"), nil),
		props:  props,
		k:      k,
		cfg:    readprops.Config{Depths: tbl, RequestedMin: 1},
		tuning: DefaultTuning(),
	}

	variants, subFixesOnly := collectVariants(s, 0, mer, MerCheck, true)
	assert.True(t, subFixesOnly, "subFixesOnly must pass through unchanged when OKDepth is 0")
	// ACGT is self-canonical and ACGA's reverse complement is TCGT, which
	// GenerateSubVariants also produces as the pos-0 "A->T" substitution;
	// both share ACGA's table entry under the same canonical key.
	require.Len(t, variants, 3, "the unchanged k-mer plus both substitutions sharing the in-table canonical entry")

	var sawUnchanged, sawVariant, sawVariantRC bool
	for _, v := range variants {
		switch v.mer {
		case mer:
			sawUnchanged = true
			assert.Equal(t, NoChange, v.fix)
			assert.Equal(t, uint32(50), v.sum)
		case variantMer:
			sawVariant = true
			assert.Equal(t, Sub, v.fix)
			assert.Equal(t, uint32(30), v.sum)
			assert.Equal(t, 3, v.pos, "the last base differs between ACGT and ACGA")
		default:
			sawVariantRC = true
			assert.Equal(t, Sub, v.fix)
			assert.Equal(t, uint32(30), v.sum)
			assert.Equal(t, 0, v.pos, "TCGT differs from ACGT at position 0")
		}
	}
	assert.True(t, sawUnchanged)
	assert.True(t, sawVariant)
	assert.True(t, sawVariantRC)
}

func TestCollectVariantsExcludesBadReasonsFromNoChange(t *testing.T) {
	k := 4
	mer, ok := pkmer.Pack([]byte("ACGT"))
	require.True(t, ok)
	tbl := buildDepthTable(t, k, 30, []depthRecord{{mer: pkmer.Canonical(mer, k), fwd: 25, rev: 25}})

	props := readprops.New()
	props.Thresholds = readprops.Thresholds{MinDepth: 10}
	s := &search{
		seq:    sequence.New([]byte("ACGT"), nil),
		props:  props,
		k:      k,
		cfg:    readprops.Config{Depths: tbl, RequestedMin: 1},
		tuning: DefaultTuning(),
	}

	variants, _ := collectVariants(s, 0, mer, MerBad, true)
	assert.Empty(t, variants, "no substitution of ACGT happens to land on ACGT's own table entry")
	for _, v := range variants {
		assert.NotEqual(t, NoChange, v.fix, "a k-mer diagnosed as bad must not keep itself as a candidate")
	}
}

func TestChooseBestVariantPrefersUnchangedAmongPerfect(t *testing.T) {
	unchanged, _ := pkmer.Pack([]byte("ACGT"))
	other, _ := pkmer.Pack([]byte("ACGA"))
	s := &search{props: readprops.New()}

	results := []scoredVariant{
		{v: variant{mer: unchanged, fix: NoChange}, res: followerResult{allFollowers: 10, goodFollowers: 10}},
		{v: variant{mer: other, fix: Sub}, res: followerResult{allFollowers: 10, goodFollowers: 10}},
	}
	best := chooseBestVariant(s, results, unchanged)
	assert.Equal(t, NoChange, best.v.fix)
}

func TestChooseBestVariantFixTypeOrderingAtStep11(t *testing.T) {
	subMer, _ := pkmer.Pack([]byte("ACGA"))
	delMer, _ := pkmer.Pack([]byte("ACGC"))
	s := &search{props: readprops.New()}

	// Neither variant is perfect (goodFollowers < allFollowers), both
	// tie on every numeric tiebreak, forcing the fix-type fallback.
	results := []scoredVariant{
		{v: variant{mer: delMer, fix: Del, sum: 20}, res: followerResult{allFollowers: 5, goodFollowers: 3}},
		{v: variant{mer: subMer, fix: Sub, sum: 20}, res: followerResult{allFollowers: 5, goodFollowers: 3}},
	}
	best := chooseBestVariant(s, results, 0)
	assert.Equal(t, Sub, best.v.fix, "Sub is preferred over Del when every other tiebreak is a wash")
}

func TestHealReadFixesSingleSubstitution(t *testing.T) {
	k := 8
	truth := []byte("ACGTGGCATCGATGGCTAACGTCA")
	corrupted := append([]byte(nil), truth...)
	corrupted[10] = 'A' // truth[10] is 'G'
	require.NotEqual(t, truth[10], corrupted[10])

	recs := tiledCanonicalRecords(t, truth, k, 40)
	tbl := buildDepthTable(t, k, 40, recs)

	props := readprops.New()
	seq := sequence.New(corrupted, nil)
	cfg := readprops.Config{Depths: tbl, RequestedMin: 1}
	readprops.Derive(props, seq, k, cfg)
	require.Equal(t, readprops.Broken, props.Diagnosis, "the corrupted read must start out broken")

	res := HealRead(seq, props, k, cfg, DefaultTuning(), Options{})

	assert.True(t, res.Accepted)
	assert.False(t, res.Abandoned)
	assert.Equal(t, string(truth), string(seq.Bases), "the single substitution should be fully repaired")
	assert.Equal(t, readprops.OK, props.Diagnosis)
}

func TestHealReadLeavesCleanReadUntouched(t *testing.T) {
	k := 8
	truth := []byte("ACGTGGCATCGATGGCTAACGTCA")
	recs := tiledCanonicalRecords(t, truth, k, 40)
	tbl := buildDepthTable(t, k, 40, recs)

	props := readprops.New()
	seq := sequence.New(append([]byte(nil), truth...), nil)
	cfg := readprops.Config{Depths: tbl, RequestedMin: 1}
	readprops.Derive(props, seq, k, cfg)
	require.Equal(t, readprops.OK, props.Diagnosis)

	res := HealRead(seq, props, k, cfg, DefaultTuning(), Options{})
	assert.True(t, res.Accepted)
	assert.Equal(t, 0, res.ChangedMers)
	assert.Equal(t, string(truth), string(seq.Bases))
}

func TestForwardPassFixesNWindow(t *testing.T) {
	k := 8
	truth := []byte("ACGTGGCATCGATGGCTAACGTCA")
	corrupted := append([]byte(nil), truth...)
	corrupted[10] = 'N'

	recs := tiledCanonicalRecords(t, truth, k, 40)
	tbl := buildDepthTable(t, k, 40, recs)

	props := readprops.New()
	seq := sequence.New(corrupted, nil)
	cfg := readprops.Config{Depths: tbl, RequestedMin: 1}
	readprops.Derive(props, seq, k, cfg)

	res := forwardPass(seq, props, k, cfg, DefaultTuning(), Options{})
	assert.False(t, res.Abandoned)
	assert.Equal(t, byte('G'), seq.Bases[10], "the N should be resolved to the deepest-depth base")
}

func TestDiffPosition(t *testing.T) {
	assert.Equal(t, 2, diffPosition([]byte("ACGT"), []byte("ACTT")))
	assert.Equal(t, -1, diffPosition([]byte("ACGT"), []byte("ACGT")))
}

func TestReadAhead(t *testing.T) {
	seq := sequence.New([]byte("ACGTACGT"), nil)
	assert.Equal(t, []byte("ACG"), readAhead(seq, 0, 3))
	assert.Equal(t, []byte("GT"), readAhead(seq, 6, 5), "clamps to the end of the read")
	assert.Nil(t, readAhead(seq, 8, 3), "at end of read returns nothing")
}

func TestDetectNoisyTailRelativeBaseline(t *testing.T) {
	quals := append(repeatQual(30, 10), repeatQual(5, 10)...)
	seq := sequence.New(bytes.Repeat([]byte("A"), len(quals)), quals)
	assert.Equal(t, 10, detectNoisyTail(seq, 0))
}

func TestDetectNoisyTailAbsoluteFloorOverridesBaseline(t *testing.T) {
	quals := append(repeatQual(30, 5), repeatQual(18, 15)...)
	seq := sequence.New(bytes.Repeat([]byte("A"), len(quals)), quals)
	assert.Equal(t, -1, detectNoisyTail(seq, 0), "the relative baseline heuristic doesn't trip on 18")
	assert.Equal(t, 5, detectNoisyTail(seq, 20), "an explicit -mq floor of 20 does")
}

func TestDetectNoisyTailNoQualIsMinusOne(t *testing.T) {
	seq := sequence.New([]byte("ACGTACGTAC"), nil)
	assert.Equal(t, -1, detectNoisyTail(seq, 20))
}

func repeatQual(q byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = q
	}
	return out
}

func buildPairTable(t *testing.T, fragLen, gap, fullLen, avgDepth uint32, pairs []uint64, depths []uint32) *pairtable.Table {
	buf := &bytes.Buffer{}
	require.NoError(t, binary.Write(buf, binary.LittleEndian, fragLen))
	require.NoError(t, binary.Write(buf, binary.LittleEndian, gap))
	require.NoError(t, binary.Write(buf, binary.LittleEndian, fullLen))
	require.NoError(t, binary.Write(buf, binary.LittleEndian, avgDepth))
	for i, p := range pairs {
		require.NoError(t, binary.Write(buf, binary.LittleEndian, p))
		require.NoError(t, binary.Write(buf, binary.LittleEndian, depths[i]))
	}
	tbl, err := pairtable.Load(buf, 100, 1000)
	require.NoError(t, err)
	return tbl
}

// backwardPairKeyForTest mirrors extensionPairDepth's own key
// construction, used here only to seed a pair table with the key the
// function under test will look up.
func backwardPairKeyForTest(startMer, newMer pkmer.Mer, k, fragLen int) uint64 {
	frag1 := uint64(startMer) &^ ((uint64(1) << uint(64-2*fragLen)) - 1)
	shiftOut := uint(2 * (k - fragLen))
	frag2 := uint64(newMer) << shiftOut
	return pairtable.BuildPairKey(frag1, frag2)
}

func TestExtensionPairDepthLooksUpBackwardPair(t *testing.T) {
	k, fragLen, fullLen := 4, 2, 6 // start = m+k-l = 2+4-6 = 0
	startMer, ok := pkmer.Pack([]byte("ACGT"))
	require.True(t, ok)
	newMer, ok := pkmer.Pack([]byte("GTAC"))
	require.True(t, ok)

	key := backwardPairKeyForTest(startMer, newMer, k, fragLen)
	canon := pairtable.Canonical(key)
	tbl := buildPairTable(t, uint32(fragLen), 0, uint32(fullLen), 10, []uint64{canon}, []uint32{42})

	props := &readprops.Properties{Mers: []pkmer.Mer{startMer, 0}}
	cfg := readprops.Config{Pairs: tbl}
	depth, ok := extensionPairDepth(props, cfg, k, newMer)
	require.True(t, ok)
	assert.Equal(t, uint32(42), depth)
}

func TestExtensionPairDepthTooShortReadIsUnconstrained(t *testing.T) {
	props := &readprops.Properties{Mers: []pkmer.Mer{0}}
	tbl := buildPairTable(t, 2, 0, 6, 10, nil, nil)
	cfg := readprops.Config{Pairs: tbl}
	_, ok := extensionPairDepth(props, cfg, 4, 0)
	assert.False(t, ok, "fewer mers than the pair span reaches back to must not apply the constraint")
}

func TestExtendPairResolvesDepthAmbiguity(t *testing.T) {
	k, fragLen, fullLen := 4, 2, 6
	startMer, ok := pkmer.Pack([]byte("ACGT"))
	require.True(t, ok)
	midMer, ok := pkmer.Pack([]byte("CGTA"))
	require.True(t, ok)

	// Two candidate extensions, GTAA and GTAC, both clear the depth
	// floor; only GTAC's backward pair does too, so extension must
	// take GTAC and not stop as ambiguous.
	gtaa, _ := pkmer.Pack([]byte("GTAA"))
	gtac, _ := pkmer.Pack([]byte("GTAC"))
	depthRecs := []depthRecord{
		{mer: pkmer.Canonical(gtaa, k), fwd: 30, rev: 30},
		{mer: pkmer.Canonical(gtac, k), fwd: 30, rev: 30},
	}
	depths := buildDepthTable(t, k, 60, depthRecs)

	keyAA := backwardPairKeyForTest(startMer, gtaa, k, fragLen)
	keyAC := backwardPairKeyForTest(startMer, gtac, k, fragLen)
	pairs := buildPairTable(t, uint32(fragLen), 0, uint32(fullLen), 10,
		[]uint64{pairtable.Canonical(keyAA), pairtable.Canonical(keyAC)},
		[]uint32{1, 50})

	seq := sequence.New([]byte("ACGTA"), nil)
	props := &readprops.Properties{
		Mers:       []pkmer.Mer{startMer, midMer},
		Thresholds: readprops.Thresholds{MinDepth: 10, MinPairDepth: 10},
	}
	cfg := readprops.Config{Depths: depths, Pairs: pairs, RequestedMin: 1}

	extend(seq, props, k, cfg, 6)
	require.Equal(t, 6, seq.Len())
	assert.Equal(t, byte('C'), seq.Bases[5], "only GTAC clears both the depth and pair thresholds")
}

func TestExtendStopsWhenNoPairTable(t *testing.T) {
	// Without a pair table, depth alone governs: two equally deep
	// candidates is a genuine ambiguity and extension must stop.
	k := 4
	gtaa, _ := pkmer.Pack([]byte("GTAA"))
	gtac, _ := pkmer.Pack([]byte("GTAC"))
	depthRecs := []depthRecord{
		{mer: pkmer.Canonical(gtaa, k), fwd: 30, rev: 30},
		{mer: pkmer.Canonical(gtac, k), fwd: 30, rev: 30},
	}
	depths := buildDepthTable(t, k, 60, depthRecs)

	seq := sequence.New([]byte("ACGTA"), nil)
	props := &readprops.Properties{Thresholds: readprops.Thresholds{MinDepth: 10}}
	cfg := readprops.Config{Depths: depths, RequestedMin: 1}

	extend(seq, props, k, cfg, 6)
	assert.Equal(t, 5, seq.Len(), "two equally-qualifying candidates must not extend")
}
