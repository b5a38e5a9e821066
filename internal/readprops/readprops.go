// Package readprops derives per-read depth thresholds and an initial
// diagnosis from a read's tiled k-mers and k-mer pairs, per spec.md
// §4.4.
package readprops

import (
	"github.com/grailbio/blue/internal/depthtable"
	"github.com/grailbio/blue/internal/pairtable"
	"github.com/grailbio/blue/internal/pkmer"
	"github.com/grailbio/blue/internal/sequence"
)

// Diagnosis is the initial per-read classification (spec.md §4.9).
type Diagnosis int

const (
	Unknown Diagnosis = iota
	OK
	NeedsChecking
	Broken
	TooDeep
)

func (d Diagnosis) String() string {
	switch d {
	case OK:
		return "OK"
	case NeedsChecking:
		return "NeedsChecking"
	case Broken:
		return "Broken"
	case TooDeep:
		return "TooDeep"
	default:
		return "Unknown"
	}
}

// Thresholds holds the per-read depth thresholds derived in Derive.
type Thresholds struct {
	MinDepth       uint32
	OKDepth        uint32
	MinPairDepth   uint32
	OKPairDepth    uint32
	InitialOKDepth uint32
}

// Flags are the soft/hard signals collected while tiling a read.
type Flags struct {
	UnbalancedRead        bool
	HmZeroPresent         bool
	DeepUnbalancedPresent bool
	DepthsRecalculated    bool
	HealingAbandoned      bool
}

// Properties is the per-read working state the corrector mutates as it
// repairs a read. It is created once per worker and reinitialized per
// read via Derive.
type Properties struct {
	Mers           []pkmer.Mer // as-tiled (non-canonical) k-mers, read orientation
	Depths         []uint32
	Unbalanced     []bool
	Tilted         []bool
	ZeroStrand     []bool
	BalancedDepths []bool
	HDUB           []bool
	ChangeCost     []int

	PairDepths []uint32

	Flags      Flags
	Thresholds Thresholds

	FirstGoodMer     int
	StartOfNoisyTail int
	AbandonedAtM     int
	RemainingBadMers int
	ChangedMers      int

	Diagnosis Diagnosis
}

// Config bundles the inputs to Derive that don't change per read.
type Config struct {
	Depths        *depthtable.Table
	Pairs         *pairtable.Table // nil if no pair table was loaded
	RequestedMin  uint32
	MaxDepth      uint32
	BalanceFactor uint32
}

// New allocates an empty Properties for a worker's free list.
func New() *Properties { return &Properties{} }

// Reset clears p for reuse, retaining backing arrays.
func (p *Properties) Reset() {
	p.Mers = p.Mers[:0]
	p.Depths = p.Depths[:0]
	p.Unbalanced = p.Unbalanced[:0]
	p.Tilted = p.Tilted[:0]
	p.ZeroStrand = p.ZeroStrand[:0]
	p.BalancedDepths = p.BalancedDepths[:0]
	p.HDUB = p.HDUB[:0]
	p.ChangeCost = p.ChangeCost[:0]
	p.PairDepths = p.PairDepths[:0]
	p.Flags = Flags{}
	p.Thresholds = Thresholds{}
	p.FirstGoodMer = 0
	p.StartOfNoisyTail = -1
	p.AbandonedAtM = -1
	p.RemainingBadMers = 0
	p.ChangedMers = 0
	p.Diagnosis = Unknown
}

// harmonicMean returns n / sum(1/v) over the values for which keep
// returns true, skipping zero values (which have no reciprocal). It
// returns 0 if no value qualifies.
func harmonicMean(values []uint32, keep func(v uint32) bool) float64 {
	var sumRecip float64
	var n int
	for _, v := range values {
		if v == 0 || !keep(v) {
			continue
		}
		sumRecip += 1.0 / float64(v)
		n++
	}
	if n == 0 || sumRecip == 0 {
		return 0
	}
	return float64(n) / sumRecip
}

// Derive tiles seq's k-mers and pairs against cfg's tables, fills p's
// per-position arrays, derives thresholds per spec.md §4.4, and sets
// p.Diagnosis.
func Derive(p *Properties, seq *sequence.Sequence, k int, cfg Config) {
	p.Reset()
	n := seq.Len()
	if n < k {
		p.Diagnosis = Broken
		return
	}
	nMers := n - k + 1

	// lastBadBase tracks the most recent non-ACGT base seen; any window
	// still spanning it is invalid, and the incremental tiler must
	// re-pack from scratch once that window scrolls past it, since the
	// prevMer chain was never advanced across the gap.
	lastBadBase := -1
	var prevMer pkmer.Mer
	havePrevMer := false
	for i := 0; i < nMers; i++ {
		var mer pkmer.Mer
		var valid bool
		if havePrevMer {
			mer, valid = pkmer.ShiftIn(prevMer, seq.Bases[i+k-1], k)
			if !valid {
				lastBadBase = i + k - 1
			}
		} else {
			mer, valid = pkmer.Pack(seq.Bases[i : i+k])
			if !valid {
				if bad := firstNonACGT(seq.Bases[i : i+k]); bad >= 0 {
					lastBadBase = i + bad
				}
			}
		}
		if lastBadBase >= i {
			// Ns or other non-ACGT bases: record a sentinel zero depth;
			// the corrector's N-handling pass deals with these positions
			// before healing candidates are ever evaluated here.
			p.Mers = append(p.Mers, 0)
			p.Depths = append(p.Depths, 0)
			p.Unbalanced = append(p.Unbalanced, false)
			p.Tilted = append(p.Tilted, false)
			p.ZeroStrand = append(p.ZeroStrand, true)
			p.BalancedDepths = append(p.BalancedDepths, false)
			p.HDUB = append(p.HDUB, false)
			p.ChangeCost = append(p.ChangeCost, 0)
			havePrevMer = false
			continue
		}
		prevMer = mer
		havePrevMer = true
		canon := pkmer.Canonical(mer, k)
		sum, unbalanced, tilted := cfg.Depths.DepthSum(uint64(canon), cfg.RequestedMin)
		fwd, rev := cfg.Depths.Depth(uint64(canon))
		zeroStrand := (fwd == 0) != (rev == 0)
		balanced := sum > 0 && !unbalanced
		isHDUB := cfg.Depths.HDUBContains(uint64(canon))

		p.Mers = append(p.Mers, mer)
		p.Depths = append(p.Depths, sum)
		p.Unbalanced = append(p.Unbalanced, unbalanced)
		p.Tilted = append(p.Tilted, tilted)
		p.ZeroStrand = append(p.ZeroStrand, zeroStrand)
		p.BalancedDepths = append(p.BalancedDepths, balanced)
		p.HDUB = append(p.HDUB, isHDUB)
		p.ChangeCost = append(p.ChangeCost, 0)

		if zeroStrand {
			p.Flags.HmZeroPresent = true
		}
		if unbalanced {
			p.Flags.UnbalancedRead = true
		}
		if isHDUB {
			p.Flags.DeepUnbalancedPresent = true
		}
	}

	if cfg.Pairs != nil {
		l := cfg.Pairs.FullLen()
		for m := l - 1; m < nMers; m++ {
			start := m + k - l
			if start < 0 || start >= len(p.Mers) || m >= len(p.Mers) {
				continue
			}
			pairKey := buildBackwardPairKey(p.Mers, start, m, k, cfg.Pairs.FragLen())
			canon := pairtable.Canonical(pairKey)
			p.PairDepths = append(p.PairDepths, cfg.Pairs.PairDepth(canon))
		}
	}

	computeThresholds(p, cfg)
	diagnose(p, cfg)
}

// firstNonACGT returns the index of the first byte in bases that isn't
// A, C, G, or T, or -1 if bases is clean.
func firstNonACGT(bases []byte) int {
	for i, b := range bases {
		switch b {
		case 'A', 'C', 'G', 'T':
		default:
			return i
		}
	}
	return -1
}

// buildBackwardPairKey constructs the pair key for the backward pair
// ending at position m (spec.md §4.3): the leading fragment is the
// first fragLen bases of the k-mer at "start", the trailing fragment is
// the last fragLen bases of the k-mer at m.
func buildBackwardPairKey(mers []pkmer.Mer, start, m, k, fragLen int) uint64 {
	frag1 := uint64(mers[start]) &^ ((uint64(1) << uint(64-2*fragLen)) - 1)
	shiftOut := uint(2 * (k - fragLen))
	frag2 := uint64(mers[m]) << shiftOut
	return pairtable.BuildPairKey(frag1, frag2)
}

func computeThresholds(p *Properties, cfg Config) {
	anyBalanced := false
	for _, b := range p.BalancedDepths {
		if b {
			anyBalanced = true
			break
		}
	}
	keepBalanced := func(i int) bool { return anyBalanced && p.BalancedDepths[i] }

	var forAvg []uint32
	lowestBalanced := ^uint32(0)
	for i, d := range p.Depths {
		if keepBalanced(i) {
			forAvg = append(forAvg, d)
			if d < lowestBalanced {
				lowestBalanced = d
			}
		}
	}
	if !anyBalanced {
		forAvg = p.Depths
	}
	averageDepth := harmonicMean(forAvg, func(uint32) bool { return true })

	capped := make([]uint32, len(p.Depths))
	for i, d := range p.Depths {
		if averageDepth > 0 && float64(d) > averageDepth {
			capped[i] = uint32(averageDepth)
		} else {
			capped[i] = d
		}
	}
	okMerMean := harmonicMean(capped, func(v uint32) bool {
		return averageDepth == 0 || float64(v) >= averageDepth/6
	})

	okDepth := uint32(okMerMean / 3)
	minDepth := okDepth / 2
	if anyBalanced && lowestBalanced != ^uint32(0) && lowestBalanced > 0 && minDepth > lowestBalanced-1 {
		minDepth = lowestBalanced - 1
	}

	averagePairDepth := harmonicMean(p.PairDepths, func(uint32) bool { return true })
	cappedPair := make([]uint32, len(p.PairDepths))
	for i, d := range p.PairDepths {
		if averagePairDepth > 0 && float64(d) > averagePairDepth {
			cappedPair[i] = uint32(averagePairDepth)
		} else {
			cappedPair[i] = d
		}
	}
	okPairMean := harmonicMean(cappedPair, func(v uint32) bool {
		return averagePairDepth == 0 || float64(v) >= averagePairDepth/6
	})

	okPairDepth := uint32(okPairMean / 3)
	minPair := okPairDepth / 2
	if minPair > minDepth {
		minPair = minDepth
	}

	p.Thresholds = Thresholds{
		MinDepth:       minDepth,
		OKDepth:        okDepth,
		MinPairDepth:   minPair,
		OKPairDepth:    okPairDepth,
		InitialOKDepth: okDepth,
	}
}

func diagnose(p *Properties, cfg Config) {
	if cfg.MaxDepth > 0 && p.Thresholds.OKDepth > cfg.MaxDepth {
		p.Diagnosis = TooDeep
		return
	}
	broken := false
	needsChecking := false
	for i, d := range p.Depths {
		if d < p.Thresholds.MinDepth {
			broken = true
			p.RemainingBadMers++
		}
		if p.ZeroStrand[i] || (p.Tilted[i] && !p.Unbalanced[i]) {
			needsChecking = true
		}
	}
	for _, pd := range p.PairDepths {
		if pd < p.Thresholds.MinPairDepth {
			broken = true
		} else if pd < p.Thresholds.OKPairDepth {
			needsChecking = true
		}
	}
	switch {
	case broken:
		p.Diagnosis = Broken
	case needsChecking:
		p.Diagnosis = NeedsChecking
	default:
		p.Diagnosis = OK
	}
}

// MaybeRecalculate re-derives thresholds mid-correction when a repair
// replaces a shallow k-mer with one substantially deeper (>= 2x the
// current OKDepth), per spec.md §4.4. It marks DepthsRecalculated so
// the caller can force a final re-check at end of pass.
func MaybeRecalculate(p *Properties, newDepth uint32, cfg Config) {
	if p.Thresholds.OKDepth > 0 && newDepth >= 2*p.Thresholds.OKDepth {
		computeThresholds(p, cfg)
		p.Flags.DepthsRecalculated = true
	}
}
