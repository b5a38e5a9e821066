// Package stats accumulates per-run correction counters and renders
// the end-of-run stats file. Each worker accumulates into its own
// Counters and merges into one shared total at exit, mirroring
// markduplicates' MetricsCollection.
package stats

import (
	"fmt"
	"strings"
	"sync"
)

// FixType indexes the per-kind fix counters. It mirrors
// internal/correct.FixType but stats must not import correct (stats is
// a leaf the corrector and the orchestrator both depend on).
type FixType int

const (
	// FixSub counts single-base substitution repairs.
	FixSub FixType = iota
	// FixDel counts repairs of a deletion error (an inserted base).
	FixDel
	// FixIns counts repairs of an insertion error (a deleted base).
	FixIns
	// FixN counts N-window resolutions.
	FixN
	numFixTypes
)

func (f FixType) String() string {
	switch f {
	case FixSub:
		return "Sub"
	case FixDel:
		return "Del"
	case FixIns:
		return "Ins"
	case FixN:
		return "N"
	default:
		return "Unknown"
	}
}

// Counters holds one worker's (or the run's merged) tally of read
// outcomes. The conservation invariant readsRead == OKReadsWritten +
// CorrectedReadsWritten + DiscardedBroken + ShortReadsFound +
// DiscardedOK (spec.md §8) must hold for the merged totals at end of
// run.
type Counters struct {
	ReadsRead             int64
	OKReadsWritten        int64
	CorrectedReadsWritten int64
	DiscardedBroken       int64
	ShortReadsFound       int64
	DiscardedOK           int64

	// BrokenReadsFound is advisory (spec.md §9): it is incremented
	// together with DiscardedBroken, once per read whose final
	// diagnosis is broken, and is not cross-checked against the
	// conservation counters above.
	BrokenReadsFound int64

	AbandonedTooManyNs int64
	AbandonedRewriting int64
	AbandonedTreeSize  int64
	HealedRCPass       int64

	FixesByType [numFixTypes]int64

	mu sync.Mutex
}

// AddFix increments the counter for one applied fix of kind t.
func (c *Counters) AddFix(t FixType) {
	c.FixesByType[t]++
}

// Merge adds other's counts into c under c's lock, for use at worker
// exit against one shared total Counters.
func (c *Counters) Merge(other *Counters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ReadsRead += other.ReadsRead
	c.OKReadsWritten += other.OKReadsWritten
	c.CorrectedReadsWritten += other.CorrectedReadsWritten
	c.DiscardedBroken += other.DiscardedBroken
	c.ShortReadsFound += other.ShortReadsFound
	c.DiscardedOK += other.DiscardedOK
	c.BrokenReadsFound += other.BrokenReadsFound
	c.AbandonedTooManyNs += other.AbandonedTooManyNs
	c.AbandonedRewriting += other.AbandonedRewriting
	c.AbandonedTreeSize += other.AbandonedTreeSize
	c.HealedRCPass += other.HealedRCPass
	for i := range c.FixesByType {
		c.FixesByType[i] += other.FixesByType[i]
	}
}

// Conserved reports whether the stats-conservation invariant
// (spec.md §8) holds: every read read is accounted for by exactly one
// of the five terminal outcome counters.
func (c *Counters) Conserved() bool {
	return c.ReadsRead == c.OKReadsWritten+c.CorrectedReadsWritten+c.DiscardedBroken+c.ShortReadsFound+c.DiscardedOK
}

// Report renders c as the plain-text stats file spec.md §6 names
// (`-s <statsFile>`), one "name\tvalue" line per counter plus the
// per-fix-type breakdown, matching the tab-separated style
// markduplicates.Metrics.String uses for its own metrics file.
func Report(c *Counters) string {
	var b strings.Builder
	line := func(name string, v int64) {
		fmt.Fprintf(&b, "%s\t%d\n", name, v)
	}
	line("readsRead", c.ReadsRead)
	line("okReadsWritten", c.OKReadsWritten)
	line("correctedReadsWritten", c.CorrectedReadsWritten)
	line("discardedBroken", c.DiscardedBroken)
	line("shortReadsFound", c.ShortReadsFound)
	line("discardedOK", c.DiscardedOK)
	line("brokenReadsFound", c.BrokenReadsFound)
	line("abandonedTooManyNs", c.AbandonedTooManyNs)
	line("abandonedRewriting", c.AbandonedRewriting)
	line("abandonedTreeSize", c.AbandonedTreeSize)
	line("healedRCPass", c.HealedRCPass)
	for i := FixType(0); i < numFixTypes; i++ {
		line("fixes"+i.String(), c.FixesByType[i])
	}
	return b.String()
}
