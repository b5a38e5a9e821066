// Package correct implements the k-mer-guided single-read error
// corrector: the bounded repair search (tryHealingMer/countFollowers)
// and the per-read driver (tryHealingRead), per spec.md §4.1 and
// §4.6-§4.7.
package correct

import (
	"sort"

	"github.com/grailbio/blue/internal/pairtable"
	"github.com/grailbio/blue/internal/pkmer"
	"github.com/grailbio/blue/internal/readprops"
	"github.com/grailbio/blue/internal/sequence"
)

// FixType classifies how a variant differs from the unchanged k-mer.
type FixType int

const (
	NoChange FixType = iota
	Sub
	Del
	Ins
	Abandon
)

func (f FixType) String() string {
	switch f {
	case NoChange:
		return "NoChange"
	case Sub:
		return "Sub"
	case Del:
		return "Del"
	case Ins:
		return "Ins"
	case Abandon:
		return "Abandon"
	default:
		return "Unknown"
	}
}

// MerState is the monotone healing-candidate lattice: merOK < merUnsure
// < merCheck < merBad. A position's state can only ratchet upward
// during a single forward pass.
type MerState int

const (
	MerOK MerState = iota
	MerUnsure
	MerCheck
	MerBad
)

// AbandonReason records why a read's correction was abandoned. It is
// never surfaced as a Go error: it is purely descriptive state consumed
// by the caller (stats, trace) and never escapes a worker's scope.
type AbandonReason int

const (
	NotAbandoned AbandonReason = iota
	TooManyNs
	Rewriting
	TreeSize
	NoNextMer
)

func (r AbandonReason) String() string {
	switch r {
	case TooManyNs:
		return "tooManyNs"
	case Rewriting:
		return "rewriting"
	case TreeSize:
		return "treeSize"
	case NoNextMer:
		return "noNextMer"
	default:
		return "notAbandoned"
	}
}

// Tuning holds the fixed constants the spec names for the search.
type Tuning struct {
	MaxFollowerRepairs    int // 5 normally, 2 in the noisy tail
	MaxTHMAllowed         int // hard call cap, 1000
	MaxNs                 int // 3
	RewriteRegion         int // 20 normally, 30 for amplicons
	GoodMerRunLength      int // 4
	HighDepthFactor       uint32
	SaveGoodMinLengthPct  int
	MaxGap                int // maxGap for InsVaryLast, 5
	SubFixesOnlyThreshold uint32
}

// DefaultTuning returns the spec's default constants.
func DefaultTuning() Tuning {
	return Tuning{
		MaxFollowerRepairs:   5,
		MaxTHMAllowed:        1000,
		MaxNs:                3,
		RewriteRegion:        20,
		GoodMerRunLength:     4,
		HighDepthFactor:      10,
		SaveGoodMinLengthPct: 50,
		MaxGap:               5,
	}
}

// variant is a candidate replacement for the k-mer at some position.
// pos carries the edit's location within the k-mer window: for Sub, the
// single differing base position; for Del, the insertion point p used
// by pkmer.GenerateDelVariants; for an InsVaryAnyOne-derived Ins, the
// deleted position; for an InsVaryLast-derived Ins, -1 (the gap is
// lengthDelta's magnitude and needs no position).
type variant struct {
	mer         pkmer.Mer
	fix         FixType
	lengthDelta int
	pos         int
	sum         uint32
	unbalanced  bool
	pairOK      bool
}

// followerResult is what countFollowers returns for one variant.
type followerResult struct {
	allFollowers  int
	goodFollowers int
	sum           uint64
	fixes         int
	abandoned     bool
	reason        AbandonReason
}

// search bundles the read-wide context a single tryHealingMer/
// countFollowers invocation needs.
type search struct {
	seq     *sequence.Sequence
	props   *readprops.Properties
	k       int
	cfg     readprops.Config
	tuning  Tuning
	calls   int
	startAt pkmer.Mer // the outermost call's starting k-mer, for loop detection
}

// merIsBad implements spec.md §4.6.5: a k-mer is bad if its depth is
// below minDepth, or its depth is below OKDepth while its pair depth is
// in [0, minPairDepth). The "redeem" relaxation (within 75% of the
// previous accepted depth) is applied by the caller, which has the
// previous-accepted context tryHealingMer doesn't carry on its own.
func merIsBad(depth, pairDepth uint32, th readprops.Thresholds, havePair bool) bool {
	if depth < th.MinDepth {
		return true
	}
	if depth < th.OKDepth && havePair && pairDepth < th.MinPairDepth {
		return true
	}
	return false
}

// redeemed reports whether a nominally bad k-mer should be treated as
// not-bad because it is within 75% of the previous accepted k-mer's
// depth, avoiding cascades of false positives right after a real
// repair. Only the k-mer depth is compared; pair depth is not
// considered.
func redeemed(depth, prevAcceptedDepth uint32) bool {
	if prevAcceptedDepth == 0 {
		return false
	}
	return float64(depth) >= 0.75*float64(prevAcceptedDepth)
}

// merIsHealingCandidate implements spec.md §4.6.6's lattice. alt
// reports whether a viable alternative variant is taken to exist at
// this position; the callers in this package always pass true.
func merIsHealingCandidate(depth, pairDepth uint32, th readprops.Thresholds, unbalanced, readUnbalanced, alt bool, prevOKDepth uint32, hasPrev bool) MerState {
	havePair := pairDepth > 0 || th.MinPairDepth > 0
	if merIsBad(depth, pairDepth, th, havePair) {
		return MerBad
	}
	if unbalanced && !readUnbalanced && alt {
		return MerCheck
	}
	if depth < th.OKDepth && pairDepth < th.OKPairDepth && alt {
		return MerCheck
	}
	if hasPrev && prevOKDepth > 0 && float64(depth) <= float64(prevOKDepth)*(2.0/3.0) && alt {
		return MerUnsure
	}
	return MerOK
}

// collectVariants implements spec.md §4.6 step 1: gather plausible
// repair variants for the k-mer at position m (mer, the unchanged
// k-mer), dropping ones that are bad, and forcing subFixesOnly when the
// deepest variant reaches HighDepthFactor times the read's OKDepth.
func collectVariants(s *search, m int, mer pkmer.Mer, reason MerState, subFixesOnly bool) ([]variant, bool) {
	var out []variant
	add := func(v pkmer.Mer, fix FixType, lengthDelta, pos int) {
		canon := pkmer.Canonical(v, s.k)
		sum, unbalanced, _ := s.cfg.Depths.DepthSum(uint64(canon), s.cfg.RequestedMin)
		if sum < s.props.Thresholds.MinDepth {
			return
		}
		out = append(out, variant{mer: v, fix: fix, lengthDelta: lengthDelta, pos: pos, sum: sum, unbalanced: unbalanced})
	}

	if reason != MerBad {
		add(mer, NoChange, 0, -1)
	}
	original := pkmer.Unpack(mer, s.k)
	for _, v := range pkmer.GenerateSubVariants(mer, s.k, pkmer.VaryAnyOne, false) {
		add(v, Sub, 0, diffPosition(original, pkmer.Unpack(v, s.k)))
	}
	if !subFixesOnly {
		vs, positions := pkmer.GenerateDelVariants(mer, s.k)
		for i, v := range vs {
			add(v, Del, 0, positions[i])
		}
		nextBases := readAhead(s.seq, m+s.k, 1)
		ivs, deltas, ipos := pkmer.GenerateInsVariants(mer, s.k, pkmer.InsVaryAnyOne, nextBases, s.tuning.MaxGap)
		for i, v := range ivs {
			add(v, Ins, deltas[i], ipos[i])
		}
		nextBases = readAhead(s.seq, m+s.k, s.tuning.MaxGap)
		ivs, deltas, ipos = pkmer.GenerateInsVariants(mer, s.k, pkmer.InsVaryLast, nextBases, s.tuning.MaxGap)
		for i, v := range ivs {
			add(v, Ins, deltas[i], ipos[i])
		}
	}

	var deepest uint32
	for _, v := range out {
		if v.sum > deepest {
			deepest = v.sum
		}
	}
	if s.props.Thresholds.OKDepth > 0 && deepest >= s.tuning.HighDepthFactor*s.props.Thresholds.OKDepth {
		subFixesOnly = true
	}

	sort.Slice(out, func(i, j int) bool { return out[i].mer < out[j].mer })
	deduped := out[:0]
	var lastMer pkmer.Mer
	haveLast := false
	for _, v := range out {
		if haveLast && v.mer == lastMer {
			continue
		}
		deduped = append(deduped, v)
		lastMer = v.mer
		haveLast = true
	}
	return deduped, subFixesOnly
}

// diffPosition returns the single index at which a and b differ, or -1
// if they're identical (used to locate a Sub variant's changed base).
func diffPosition(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			return i
		}
	}
	return -1
}

// readAhead returns up to n bases of the read starting at pos, or fewer
// if the read is shorter.
func readAhead(seq *sequence.Sequence, pos, n int) []byte {
	end := pos + n
	if end > seq.Len() {
		end = seq.Len()
	}
	if pos >= end {
		return nil
	}
	return seq.Bases[pos:end]
}

// pairAt computes the pair depth anchored at the k-mer ending at
// position m, mirroring readprops.Derive's backward-pair construction.
func pairAt(s *search, mers []pkmer.Mer, m int) (uint32, bool) {
	if s.cfg.Pairs == nil {
		return 0, false
	}
	l := s.cfg.Pairs.FullLen()
	if m < l-1 {
		return 0, false
	}
	start := m + s.k - l
	if start < 0 || start >= len(mers) {
		return 0, false
	}
	fragLen := s.cfg.Pairs.FragLen()
	frag1 := uint64(mers[start]) &^ ((uint64(1) << uint(64-2*fragLen)) - 1)
	frag2 := uint64(mers[m]) << uint(2*(s.k-fragLen))
	key := pairtable.Canonical(pairtable.BuildPairKey(frag1, frag2))
	return s.cfg.Pairs.PairDepth(key), true
}

// tryHealingMer implements spec.md §4.6: search for the best repair of
// the k-mer at position m and report how far the repaired read reads
// cleanly afterward. repairsLeft bounds further recursive repairs along
// the follower walk.
func tryHealingMer(s *search, m int, reason MerState, subFixesOnly bool, repairsLeft int, mers []pkmer.Mer) (variant, followerResult) {
	s.calls++
	if s.calls > s.tuning.MaxTHMAllowed {
		return variant{fix: Abandon}, followerResult{abandoned: true, reason: TreeSize}
	}
	recursive := s.calls > 1

	mer := mers[m]
	variants, forcedSubOnly := collectVariants(s, m, mer, reason, subFixesOnly)
	if len(variants) == 0 {
		return variant{fix: Abandon}, followerResult{abandoned: true, reason: NoNextMer}
	}

	var results []scoredVariant
	for _, v := range variants {
		if v.mer == s.startAt && recursive {
			// Loop: a recursive call chose the same k-mer the outer
			// search started from. Collapse this branch.
			results = append(results, scoredVariant{v: variant{fix: Abandon}, res: followerResult{reason: NotAbandoned}})
			continue
		}
		trial := append([]pkmer.Mer(nil), mers...)
		trial[m] = v.mer
		_, pairHave := pairAt(s, trial, m)
		if pairHave {
			pd, _ := pairAt(s, trial, m)
			v.pairOK = pd >= s.props.Thresholds.OKPairDepth
		}
		res := countFollowers(s, trial, m, forcedSubOnly, repairsLeft)
		results = append(results, scoredVariant{v: v, res: res})
	}

	best := chooseBestVariant(s, results, mer)
	return best.v, best.res
}

// countFollowers implements spec.md §4.6 step 3: walk forward from
// m+1, classifying each k-mer, recursing into tryHealingMer on the
// first non-OK position while repairsLeft remains.
func countFollowers(s *search, mers []pkmer.Mer, m int, subFixesOnly bool, repairsLeft int) followerResult {
	var res followerResult
	readUnbalanced := s.props.Flags.UnbalancedRead
	prevOKDepth := s.props.Thresholds.OKDepth
	hasPrev := true

	for i := m + 1; i < len(mers); i++ {
		canon := pkmer.Canonical(mers[i], s.k)
		depth, unbalanced, _ := s.cfg.Depths.DepthSum(uint64(canon), s.cfg.RequestedMin)
		pairDepth, _ := pairAt(s, mers, i)
		alt := true // a cheap, conservative assumption: alternatives are generally available
		state := merIsHealingCandidate(depth, pairDepth, s.props.Thresholds, unbalanced, readUnbalanced, alt, prevOKDepth, hasPrev)
		prevOKDepth = depth
		hasPrev = true

		if state == MerOK {
			res.allFollowers++
			res.goodFollowers++
			res.sum += uint64(depth)
			continue
		}
		if repairsLeft <= 0 {
			break
		}
		if s.calls > s.tuning.MaxTHMAllowed {
			res.abandoned = true
			res.reason = TreeSize
			return res
		}
		sub, nested := tryHealingMer(s, i, state, subFixesOnly, repairsLeft-1, mers)
		if nested.abandoned {
			res.abandoned = true
			res.reason = nested.reason
			return res
		}
		if sub.fix != Abandon {
			mers[i] = sub.mer
			res.fixes++
		}
		res.allFollowers += nested.allFollowers + 1
		res.goodFollowers += nested.goodFollowers
		if sub.fix == NoChange || state == MerOK {
			res.goodFollowers++
		}
		res.sum += nested.sum + uint64(depth)
		res.fixes += nested.fixes
		break
	}
	return res
}

type scoredVariant struct {
	v   variant
	res followerResult
}

// chooseBestVariant implements the 11-step preference order of
// spec.md §4.6 step 4.
func chooseBestVariant(s *search, results []scoredVariant, unchanged pkmer.Mer) scoredVariant {
	maxFollowers := 0
	for _, r := range results {
		if r.res.allFollowers > maxFollowers {
			maxFollowers = r.res.allFollowers
		}
	}

	isPerfectGood := func(r scoredVariant) bool {
		return maxFollowers > 0 && r.res.allFollowers == maxFollowers && r.res.allFollowers == r.res.goodFollowers
	}

	var perfect []scoredVariant
	for _, r := range results {
		if isPerfectGood(r) {
			perfect = append(perfect, r)
		}
	}
	// Step 1: prefer the unchanged k-mer if it's among the perfect set.
	for _, r := range perfect {
		if r.v.fix == NoChange {
			return r
		}
	}
	candidates := perfect
	if len(candidates) == 0 {
		candidates = results
	}

	// Step 2: fewest fixes among perfect variants.
	if len(perfect) > 0 {
		minFixes := perfect[0].res.fixes
		for _, r := range perfect {
			if r.res.fixes < minFixes {
				minFixes = r.res.fixes
			}
		}
		var filtered []scoredVariant
		for _, r := range perfect {
			if r.res.fixes == minFixes {
				filtered = append(filtered, r)
			}
		}
		candidates = filtered
	}

	// Step 3: variants with an acceptable pair depth dominate when any
	// exists.
	anyPairOK := false
	for _, r := range candidates {
		if r.v.pairOK {
			anyPairOK = true
			break
		}
	}
	if anyPairOK {
		var filtered []scoredVariant
		for _, r := range candidates {
			if r.v.pairOK {
				filtered = append(filtered, r)
			}
		}
		candidates = filtered
	}

	// Step 4: discard unbalanced variants when a balanced one exists and
	// the read itself is not already unbalanced.
	if !s.props.Flags.UnbalancedRead {
		anyBalanced := false
		for _, r := range candidates {
			if !r.v.unbalanced {
				anyBalanced = true
				break
			}
		}
		if anyBalanced {
			var filtered []scoredVariant
			for _, r := range candidates {
				if !r.v.unbalanced {
					filtered = append(filtered, r)
				}
			}
			candidates = filtered
		}
	}

	// Step 5: unique perfect variant.
	if len(perfect) == 1 {
		return perfect[0]
	}

	// Steps 6-7: highest allFollowers, then highest goodFollowers,
	// within a 10% margin.
	candidates = topWithinMargin(candidates, func(r scoredVariant) float64 { return float64(r.res.allFollowers) })
	if len(candidates) == 1 {
		return candidates[0]
	}
	candidates = topWithinMargin(candidates, func(r scoredVariant) float64 { return float64(r.res.goodFollowers) })
	if len(candidates) == 1 {
		return candidates[0]
	}

	// Step 8: prefer the unchanged k-mer if still viable.
	for _, r := range candidates {
		if r.v.mer == unchanged && r.v.fix == NoChange {
			return r
		}
	}

	// Step 9: largest mersToNextFix + (maxFixes - fixes); approximated
	// here as allFollowers - fixes (a clean run proxy), since
	// mersToNextFix requires information (the position of the next
	// forced fix beyond this search's horizon) this bounded search does
	// not retain.
	score9 := func(r scoredVariant) float64 { return float64(r.res.allFollowers - r.res.fixes) }
	maxScore9 := score9(candidates[0])
	for _, r := range candidates[1:] {
		if s := score9(r); s > maxScore9 {
			maxScore9 = s
		}
	}
	var atMax9 []scoredVariant
	for _, r := range candidates {
		if score9(r) == maxScore9 {
			atMax9 = append(atMax9, r)
		}
	}
	if len(atMax9) == 1 {
		return atMax9[0]
	}
	candidates = atMax9

	// Step 10: variant whose sum is >=70% of the summed sums.
	var total uint64
	for _, r := range candidates {
		total += uint64(r.v.sum)
	}
	var filtered []scoredVariant
	for _, r := range candidates {
		if total > 0 && float64(r.v.sum) >= 0.7*float64(total) {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}

	// Step 11: prefer no-change, else Sub, then Del, then Ins by
	// highest sum within that fix type.
	order := []FixType{NoChange, Sub, Del, Ins}
	for _, ft := range order {
		var inType []scoredVariant
		for _, r := range candidates {
			if r.v.fix == ft {
				inType = append(inType, r)
			}
		}
		if len(inType) == 0 {
			continue
		}
		best := inType[0]
		for _, r := range inType[1:] {
			if r.v.sum > best.v.sum {
				best = r
			}
		}
		return best
	}
	return candidates[0]
}

// topWithinMargin returns the subset of candidates whose score is
// within 10% of the maximum score.
func topWithinMargin(candidates []scoredVariant, score func(scoredVariant) float64) []scoredVariant {
	if len(candidates) == 0 {
		return candidates
	}
	max := score(candidates[0])
	for _, r := range candidates[1:] {
		if s := score(r); s > max {
			max = s
		}
	}
	var out []scoredVariant
	threshold := max * 0.9
	for _, r := range candidates {
		if score(r) >= threshold {
			out = append(out, r)
		}
	}
	return out
}
