// Package trim implements end-trimming of a read's HDUB-contaminated
// or low-depth prefix/suffix, per spec.md §4.5 and the post-correction
// trim step of §4.7.
package trim

import (
	"github.com/grailbio/blue/internal/readprops"
	"github.com/grailbio/blue/internal/sequence"
)

// Result reports what a trim pass did.
type Result struct {
	Trimmed  bool
	TooShort bool
	// LeftTrimmed and RightTrimmed are the number of bases removed from
	// each end.
	LeftTrimmed  int
	RightTrimmed int
}

// HDUBEnds scans props.HDUB for contiguous runs of HDUB-filter hits at
// the two ends of the read and trims them (spec.md §4.5). It only acts
// when props.Flags.DeepUnbalancedPresent was set during tiling. After a
// trim, readprops.Derive is invoked here directly, so props.Diagnosis
// already reflects the trimmed read and callers need not re-derive.
func HDUBEnds(seq *sequence.Sequence, props *readprops.Properties, k int, cfg readprops.Config) Result {
	if !props.Flags.DeepUnbalancedPresent {
		return Result{}
	}
	left := runLength(props.HDUB, false)
	right := runLength(props.HDUB, true)
	if left == 0 && right == 0 {
		return Result{}
	}
	return applyTrim(seq, props, k, cfg, left, right)
}

// LowDepthEnds trims from both ends while the leading/trailing k-mer is
// below its min depth or pair depth, per the "Trim after correction"
// step of spec.md §4.7. It is used after a healing pass leaves a read
// still broken or abandoned.
func LowDepthEnds(seq *sequence.Sequence, props *readprops.Properties, k int, cfg readprops.Config) Result {
	below := make([]bool, len(props.Depths))
	pairOffset := 0
	if cfg.Pairs != nil {
		pairOffset = cfg.Pairs.FullLen() - 1
	}
	for i, d := range props.Depths {
		b := d < props.Thresholds.MinDepth
		if cfg.Pairs != nil {
			if pi := i - pairOffset; pi >= 0 && pi < len(props.PairDepths) {
				b = b || props.PairDepths[pi] < props.Thresholds.MinPairDepth
			}
		}
		below[i] = b
	}
	left := runLength(below, false)
	right := runLength(below, true)
	if left == 0 && right == 0 {
		return Result{}
	}
	return applyTrim(seq, props, k, cfg, left, right)
}

// runLength returns the length of the leading (fromRight=false) or
// trailing (fromRight=true) contiguous run of true values in flags.
func runLength(flags []bool, fromRight bool) int {
	n := len(flags)
	run := 0
	if fromRight {
		for i := n - 1; i >= 0 && flags[i]; i-- {
			run++
		}
	} else {
		for i := 0; i < n && flags[i]; i++ {
			run++
		}
	}
	return run
}

// applyTrim removes leftMers k-mer positions' worth of bases from the
// front and rightMers from the back, then re-derives props. A k-mer run
// of length r at the front corresponds to r bases (the run's first
// k-mer's leftmost base through the base just before the run's last
// k-mer's last base; trimming r bases keeps every surviving k-mer
// outside the flagged run).
func applyTrim(seq *sequence.Sequence, props *readprops.Properties, k int, cfg readprops.Config, leftMers, rightMers int) Result {
	n := seq.Len()
	leftBases := leftMers
	rightBases := rightMers
	if leftBases+rightBases >= n {
		// The whole read is flagged; trim everything, it's too short.
		seq.Truncate(0)
		readprops.Derive(props, seq, k, cfg)
		return Result{Trimmed: true, TooShort: true, LeftTrimmed: n, RightTrimmed: 0}
	}
	if rightBases > 0 {
		seq.Truncate(n - rightBases)
	}
	if leftBases > 0 {
		seq.DropPrefix(leftBases)
	}
	readprops.Derive(props, seq, k, cfg)
	res := Result{Trimmed: true, LeftTrimmed: leftBases, RightTrimmed: rightBases}
	if seq.Len() < k {
		res.TooShort = true
	}
	return res
}
