package stats

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConservedHoldsWhenCountersBalance(t *testing.T) {
	c := &Counters{ReadsRead: 10, OKReadsWritten: 4, CorrectedReadsWritten: 3, DiscardedBroken: 1, ShortReadsFound: 1, DiscardedOK: 1}
	assert.True(t, c.Conserved())
}

func TestConservedFailsWhenCountersDontBalance(t *testing.T) {
	c := &Counters{ReadsRead: 10, OKReadsWritten: 4}
	assert.False(t, c.Conserved())
}

func TestMergeSumsAllFields(t *testing.T) {
	total := &Counters{}
	a := &Counters{ReadsRead: 5, OKReadsWritten: 5, AbandonedTooManyNs: 1}
	a.AddFix(FixSub)
	b := &Counters{ReadsRead: 3, DiscardedOK: 3, AbandonedTooManyNs: 2}
	b.AddFix(FixSub)
	b.AddFix(FixDel)

	total.Merge(a)
	total.Merge(b)

	assert.Equal(t, int64(8), total.ReadsRead)
	assert.Equal(t, int64(5), total.OKReadsWritten)
	assert.Equal(t, int64(3), total.DiscardedOK)
	assert.Equal(t, int64(3), total.AbandonedTooManyNs)
	assert.Equal(t, int64(2), total.FixesByType[FixSub])
	assert.Equal(t, int64(1), total.FixesByType[FixDel])
}

func TestMergeIsConcurrencySafe(t *testing.T) {
	total := &Counters{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			total.Merge(&Counters{ReadsRead: 1})
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), total.ReadsRead)
}

func TestReportContainsEveryConservationCounter(t *testing.T) {
	c := &Counters{ReadsRead: 1, OKReadsWritten: 1}
	out := Report(c)
	for _, name := range []string{
		"readsRead", "okReadsWritten", "correctedReadsWritten",
		"discardedBroken", "shortReadsFound", "discardedOK", "brokenReadsFound",
		"abandonedTooManyNs", "abandonedRewriting", "abandonedTreeSize",
		"healedRCPass", "fixesSub", "fixesDel", "fixesIns", "fixesN",
	} {
		assert.True(t, strings.Contains(out, name+"\t"), "missing counter %s", name)
	}
}

func TestFixTypeStringer(t *testing.T) {
	assert.Equal(t, "Sub", FixSub.String())
	assert.Equal(t, "Del", FixDel.String())
	assert.Equal(t, "Ins", FixIns.String())
	assert.Equal(t, "N", FixN.String())
}
