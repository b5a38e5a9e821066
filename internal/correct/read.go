package correct

import (
	"github.com/grailbio/blue/internal/pairtable"
	"github.com/grailbio/blue/internal/pkmer"
	"github.com/grailbio/blue/internal/readprops"
	"github.com/grailbio/blue/internal/sequence"
	"github.com/grailbio/blue/internal/trim"
)

// Options are the per-invocation knobs tryHealingRead needs beyond the
// fixed Tuning constants: whether this read comes from an amplicon
// pool (widens the rewrite region) and an optional target length to
// extend corrected reads to.
type Options struct {
	Amplicon bool
	ExtendTo int // 0 disables extension
	SubsOnly bool
	MinQual  int // -mq; 0 falls back to the relative noisy-tail baseline
}

// Result reports what HealRead did to a read.
type Result struct {
	Accepted      bool
	Abandoned     bool
	Reason        AbandonReason
	ChangedMers   int
	FirstGoodMer  int
	AbandonedAtM  int
	ReversePassed bool
}

// HealRead runs the forward healing pass, an optional reverse-
// complement pass over a broken prefix, post-correction trimming, and
// extension, per spec.md §4.7. props must already be populated via
// readprops.Derive for seq; HealRead keeps it in sync as it edits seq.
func HealRead(seq *sequence.Sequence, props *readprops.Properties, k int, cfg readprops.Config, tuning Tuning, opts Options) Result {
	originalLen := seq.Len()
	minLen := originalLen * tuning.SaveGoodMinLengthPct / 100

	res := forwardPass(seq, props, k, cfg, tuning, opts)

	if res.Reason != TooManyNs && res.Reason != TreeSize && res.FirstGoodMer > 0 {
		reverseHealPrefix(seq, props, k, cfg, tuning, opts)
		res.ReversePassed = true
	}

	if props.Diagnosis == readprops.Broken || res.Abandoned {
		trim.LowDepthEnds(seq, props, k, cfg)
	}

	if opts.ExtendTo > seq.Len() && props.Diagnosis != readprops.Broken {
		extend(seq, props, k, cfg, opts.ExtendTo)
	}

	res.Accepted = seq.Len() >= minLen && res.ChangedMers <= originalLen-minLen
	return res
}

// forwardPass implements the left-to-right scan of spec.md §4.7.
func forwardPass(seq *sequence.Sequence, props *readprops.Properties, k int, cfg readprops.Config, tuning Tuning, opts Options) Result {
	rewriteRegion := tuning.RewriteRegion
	if opts.Amplicon {
		rewriteRegion = 30
	}
	noisyTailStart := detectNoisyTail(seq, opts.MinQual)

	res := Result{FirstGoodMer: -1}
	var costHistory []int
	var nCount int
	lastCleanRunEnd := 0

	m := 0
	for m < len(props.Mers) {
		if props.ZeroStrand[m] && props.Depths[m] == 0 && isNWindow(seq, m, k) {
			fixed := fixNWindow(seq, props, m, k, cfg, tuning, &nCount)
			if !fixed {
				res.Abandoned = true
				res.Reason = TooManyNs
				res.AbandonedAtM = m
				return res
			}
			readprops.Derive(props, seq, k, cfg)
			costHistory = append(costHistory, 1)
			res.ChangedMers++
			continue
		}

		readUnbalanced := props.Flags.UnbalancedRead
		alt := true
		var prevOKDepth uint32
		hasPrev := m > 0
		if hasPrev {
			prevOKDepth = props.Depths[m-1]
		}
		pairDepth := uint32(0)
		if cfg.Pairs != nil {
			if idx := m - (cfg.Pairs.FullLen() - 1); idx >= 0 && idx < len(props.PairDepths) {
				pairDepth = props.PairDepths[idx]
			}
		}
		state := merIsHealingCandidate(props.Depths[m], pairDepth, props.Thresholds, props.Unbalanced[m], readUnbalanced, alt, prevOKDepth, hasPrev)
		if state == MerBad && hasPrev && redeemed(props.Depths[m], prevOKDepth) {
			state = MerUnsure
		}

		if state == MerOK {
			if res.FirstGoodMer < 0 {
				res.FirstGoodMer = m
			}
			costHistory = append(costHistory, 0)
			lastCleanRunEnd = m
			m++
			continue
		}

		repairsLeft := tuning.MaxFollowerRepairs
		if noisyTailStart >= 0 && m >= noisyTailStart {
			repairsLeft = 2
		}
		s := &search{seq: seq, props: props, k: k, cfg: cfg, tuning: tuning, startAt: props.Mers[m]}
		best, followers := tryHealingMer(s, m, state, opts.SubsOnly, repairsLeft, append([]pkmer.Mer(nil), props.Mers...))
		if followers.abandoned {
			res.Abandoned = true
			res.Reason = followers.reason
			res.FirstGoodMer = maxInt(res.FirstGoodMer, 0)
			res.AbandonedAtM = m
			return res
		}

		cost := 0
		if best.fix != NoChange && best.fix != Abandon {
			applyVariant(seq, m, k, best)
			res.ChangedMers++
			cost = 1
			readprops.Derive(props, seq, k, cfg)
		}
		costHistory = append(costHistory, cost)

		opensCleanRun := followers.goodFollowers >= tuning.GoodMerRunLength
		if checkForRewriting(costHistory, rewriteRegion) && !opensCleanRun {
			res.Abandoned = true
			res.Reason = Rewriting
			res.FirstGoodMer = maxInt(res.FirstGoodMer, 0)
			res.AbandonedAtM = lastCleanRunEnd
			truncateAt := lastCleanRunEnd + k
			if truncateAt < seq.Len() {
				seq.Truncate(truncateAt)
				readprops.Derive(props, seq, k, cfg)
			}
			return res
		}
		m++
	}
	if res.FirstGoodMer < 0 {
		res.FirstGoodMer = 0
	}
	return res
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// checkForRewriting sums the trailing rewriteRegion change costs and
// reports whether the sum exceeds rewriteRegion/2 (spec.md §4.7).
func checkForRewriting(costHistory []int, rewriteRegion int) bool {
	start := len(costHistory) - rewriteRegion
	if start < 0 {
		start = 0
	}
	sum := 0
	for _, c := range costHistory[start:] {
		sum += c
	}
	return sum > rewriteRegion/2
}

// detectNoisyTail returns the base position where quality first drops
// sharply from the read's leading baseline, or -1 if the read carries
// no quality or never drops. When minQual is positive (-mq), it is used
// as an absolute floor instead of the relative baseline/2 heuristic, so
// a caller-supplied quality threshold always wins over the read's own
// leading bases.
func detectNoisyTail(seq *sequence.Sequence, minQual int) int {
	if !seq.HasQual() || len(seq.Quals) < 10 {
		return -1
	}
	threshold := minQual
	if threshold <= 0 {
		var baseline int
		n := 10
		for i := 0; i < n; i++ {
			baseline += int(seq.Quals[i])
		}
		threshold = (baseline / n) / 2
	}
	start := 0
	if minQual <= 0 {
		start = 10
	}
	for i := start; i < len(seq.Quals); i++ {
		if int(seq.Quals[i]) < threshold {
			return i
		}
	}
	return -1
}

func isNWindow(seq *sequence.Sequence, m, k int) bool {
	end := m + k
	if end > seq.Len() {
		end = seq.Len()
	}
	for _, b := range seq.Bases[m:end] {
		switch b {
		case 'A', 'C', 'G', 'T':
		default:
			return true
		}
	}
	return false
}

// fixNWindow replaces the Ns in the window starting at m with the
// combination of bases that yields the deepest resulting canonical
// k-mer, bounded by tuning.MaxNs Ns per window.
func fixNWindow(seq *sequence.Sequence, props *readprops.Properties, m, k int, cfg readprops.Config, tuning Tuning, nCount *int) bool {
	end := m + k
	if end > seq.Len() {
		end = seq.Len()
	}
	window := seq.Bases[m:end]
	var nPositions []int
	for i, b := range window {
		switch b {
		case 'A', 'C', 'G', 'T':
		default:
			nPositions = append(nPositions, i)
		}
	}
	if len(nPositions) == 0 || len(nPositions) > tuning.MaxNs {
		*nCount += len(nPositions)
		return len(nPositions) == 0
	}

	bases := []byte{'A', 'C', 'G', 'T'}
	buf := append([]byte(nil), window...)
	var bestDepth uint32
	var bestCombo []byte
	var combo func(idx int)
	combo = func(idx int) {
		if idx == len(nPositions) {
			mer, ok := pkmer.Pack(buf)
			if !ok {
				return
			}
			canon := pkmer.Canonical(mer, k)
			sum, _, _ := cfg.Depths.DepthSum(uint64(canon), cfg.RequestedMin)
			if sum > bestDepth {
				bestDepth = sum
				bestCombo = append([]byte(nil), buf...)
			}
			return
		}
		for _, b := range bases {
			buf[nPositions[idx]] = b
			combo(idx + 1)
		}
	}
	combo(0)
	if bestCombo == nil {
		return false
	}
	for _, p := range nPositions {
		seq.Bases[m+p] = bestCombo[p]
	}
	return true
}

// applyVariant applies best (chosen at window start m) to seq, per the
// edit-location convention recorded in variant.pos/lengthDelta.
func applyVariant(seq *sequence.Sequence, m, k int, best variant) {
	switch best.fix {
	case Sub:
		if best.pos < 0 {
			return
		}
		newBase := pkmer.Unpack(best.mer, k)[best.pos]
		seq.Bases[m+best.pos] = newBase
	case Del:
		if best.pos < 0 {
			return
		}
		newBase := pkmer.Unpack(best.mer, k)[best.pos]
		seq.InsertAt(m+best.pos, newBase, sequence.NoQual)
	case Ins:
		if best.pos >= 0 {
			seq.DeleteAt(m + best.pos)
			return
		}
		gap := -best.lengthDelta
		for i := 0; i < gap; i++ {
			pos := m + k - gap
			if pos < 0 || pos >= seq.Len() {
				break
			}
			seq.DeleteAt(pos)
		}
	}
}

// reverseHealPrefix reverse-complements seq, re-derives props, runs the
// forward pass again (which can only repair the now-trailing former
// prefix), and reverses back. Trimming via abandonedAtM is disabled on
// this pass per spec.md §4.7: the reversed forwardPass result is used
// only for its edits, not its abandon/trim side effects.
func reverseHealPrefix(seq *sequence.Sequence, props *readprops.Properties, k int, cfg readprops.Config, tuning Tuning, opts Options) {
	seq.ReverseComplement()
	readprops.Derive(props, seq, k, cfg)
	forwardPass(seq, props, k, cfg, tuning, opts)
	seq.ReverseComplement()
	readprops.Derive(props, seq, k, cfg)
}

// extend grows seq one base at a time while exactly one of the four
// candidate next bases is unambiguous: its k-mer clears MinDepth and,
// when a pair table is configured, its backward pair clears
// MinPairDepth. Any other count of qualifying candidates (zero, or
// more than one) is an ambiguity and stops the extension (spec.md
// §4.7).
func extend(seq *sequence.Sequence, props *readprops.Properties, k int, cfg readprops.Config, targetLen int) {
	for seq.Len() < targetLen {
		if seq.Len() < k {
			break
		}
		tail := seq.Bases[seq.Len()-k:]
		var qualifyingBase byte
		nQualifying := 0
		for _, b := range []byte{'A', 'C', 'G', 'T'} {
			candidate := append(append([]byte(nil), tail[1:]...), b)
			mer, ok := pkmer.Pack(candidate)
			if !ok {
				continue
			}
			canon := pkmer.Canonical(mer, k)
			sum, _, _ := cfg.Depths.DepthSum(uint64(canon), cfg.RequestedMin)
			if sum < props.Thresholds.MinDepth {
				continue
			}
			if cfg.Pairs != nil {
				pairDepth, ok := extensionPairDepth(props, cfg, k, mer)
				if ok && pairDepth < props.Thresholds.MinPairDepth {
					continue
				}
			}
			qualifyingBase = b
			nQualifying++
		}
		if nQualifying != 1 {
			break
		}
		seq.Append(qualifyingBase, sequence.NoQual)
		readprops.Derive(props, seq, k, cfg)
	}
}

// extensionPairDepth computes the backward pair depth for the k-mer a
// candidate extension base would form, mirroring readprops.Derive's
// own backward-pair construction for the k-mer that would land at
// position len(props.Mers). ok is false when the read is too short for
// the pair table's full span to reach back to an existing k-mer, in
// which case the pair constraint does not apply.
func extensionPairDepth(props *readprops.Properties, cfg readprops.Config, k int, newMer pkmer.Mer) (depth uint32, ok bool) {
	l := cfg.Pairs.FullLen()
	m := len(props.Mers)
	start := m + k - l
	if start < 0 || start >= len(props.Mers) {
		return 0, false
	}
	fragLen := cfg.Pairs.FragLen()
	frag1 := uint64(props.Mers[start]) &^ ((uint64(1) << uint(64-2*fragLen)) - 1)
	shiftOut := uint(2 * (k - fragLen))
	frag2 := uint64(newMer) << shiftOut
	pairKey := pairtable.BuildPairKey(frag1, frag2)
	canon := pairtable.Canonical(pairKey)
	return cfg.Pairs.PairDepth(canon), true
}
