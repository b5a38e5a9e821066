// Package orchestrator drives the worker pool that reads, corrects,
// and rewrites a run's input files, per spec.md §4.8 and §5. The
// channel/WaitGroup shape is modeled on
// markduplicates.MarkDuplicates.generateBAM: a single buffered channel
// of work items (here, read batches) is filled under one mutex and
// closed, and Opts.Threads goroutines range over it.
package orchestrator

import (
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/grailbio/blue/internal/correct"
	"github.com/grailbio/blue/internal/readprops"
	"github.com/grailbio/blue/internal/readsio"
	"github.com/grailbio/blue/internal/sequence"
	"github.com/grailbio/blue/internal/stats"
	"github.com/grailbio/blue/internal/trace"
	"github.com/grailbio/blue/internal/trim"
)

// ReadPair is one unit of work: a single read, or (when R2 is
// non-nil) a read pair that must be emitted together.
type ReadPair struct {
	R1, R2 *readsio.Record
}

// Source supplies batches of reads, pulling co-indexed reads from R1
// and R2 atomically when R2 is set, per spec.md §4.8's pairing policy.
type Source struct {
	R1, R2 readsio.Reader // R2 nil for single-end input
}

func (s *Source) nextBatch(n int) ([]ReadPair, bool) {
	batch := make([]ReadPair, 0, n)
	for i := 0; i < n; i++ {
		rec1 := &readsio.Record{}
		if !s.R1.Read(rec1) {
			break
		}
		pair := ReadPair{R1: rec1}
		if s.R2 != nil {
			rec2 := &readsio.Record{}
			if !s.R2.Read(rec2) {
				break
			}
			pair.R2 = rec2
		}
		batch = append(batch, pair)
	}
	return batch, len(batch) > 0
}

// Sink is a mutex-protected output destination: spec.md §5 gives each
// output file its own buffered writer with an internal lock.
type Sink struct {
	mu sync.Mutex
	w  readsio.Writer
}

// NewSink wraps w (nil disables the sink, e.g. -problems not set).
func NewSink(w readsio.Writer) *Sink {
	if w == nil {
		return nil
	}
	return &Sink{w: w}
}

func (s *Sink) write(rec *readsio.Record) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(rec)
}

// Sinks groups a run's three output destinations.
type Sinks struct {
	Main     *Sink // OK and corrected reads
	Singles  *Sink // one survivor of a pair whose mate was discarded
	Problems *Sink // discarded reads, only written when -problems is set
}

// Opts are the per-run knobs the orchestrator needs beyond the
// corrector's own Tuning/Options.
type Opts struct {
	Threads   int
	BatchSize int // reads per batch pulled under the fill lock, default 1000
	K         int
	Cfg       readprops.Config
	Tuning    correct.Tuning
	ReadOpts  correct.Options
	Trace     *trace.Writer // nil disables tracing
}

func (o Opts) batchSize() int {
	if o.BatchSize > 0 {
		return o.BatchSize
	}
	return 1000
}

// Run drives the pool to completion, merging each worker's local
// counters into total under total's own lock at exit.
func Run(src *Source, opts Opts, sinks Sinks, total *stats.Counters) error {
	batches := make(chan []ReadPair, opts.Threads*2)
	errs := &errors.Once{}
	var fillMu sync.Mutex

	go func() {
		defer close(batches)
		for {
			fillMu.Lock()
			b, ok := src.nextBatch(opts.batchSize())
			fillMu.Unlock()
			if !ok {
				return
			}
			batches <- b
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < opts.Threads; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			local := &stats.Counters{}
			props1, props2 := readprops.New(), readprops.New()
			for batch := range batches {
				for _, pair := range batch {
					if err := processPair(pair, opts, sinks, local, props1, props2); err != nil {
						errs.Set(err)
						log.Error.Printf("worker %d: %v", worker, err)
					}
				}
			}
			total.Merge(local)
		}(i)
	}
	wg.Wait()
	return errs.Err()
}

// outcome classifies what happened to one healed read, for stats
// routing and output selection. See DESIGN.md's "conservation-counter
// routing" entry for the reasoning behind this mapping.
type outcome int

const (
	outOK outcome = iota
	outCorrected
	outDiscardedBroken
	outShort
	outDiscardedOK
)

func classify(res correct.Result, diag readprops.Diagnosis, trimRes trim.Result) outcome {
	switch {
	case diag == readprops.Broken:
		return outDiscardedBroken
	case trimRes.TooShort:
		return outShort
	case !res.Accepted:
		return outDiscardedOK
	case res.ChangedMers == 0:
		return outOK
	default:
		return outCorrected
	}
}

// healOne runs the full per-read pipeline (derive, heal, trim) and
// returns the resulting outcome plus the correction result; seq holds
// the final sequence. A read shorter than k is not healed.
func healOne(seq *sequence.Sequence, props *readprops.Properties, opts Opts) (outcome, correct.Result) {
	readprops.Derive(props, seq, opts.K, opts.Cfg)
	if props.Diagnosis == readprops.Broken && seq.Len() < opts.K {
		return outDiscardedBroken, correct.Result{}
	}
	res := correct.HealRead(seq, props, opts.K, opts.Cfg, opts.Tuning, opts.ReadOpts)
	trimRes := trim.Result{TooShort: seq.Len() < opts.K}
	return classify(res, props.Diagnosis, trimRes), res
}

func toSequence(rec *readsio.Record) *sequence.Sequence {
	return sequence.New(append([]byte(nil), rec.Seq...), cloneQual(rec.Qual))
}

func cloneQual(q []byte) []byte {
	if q == nil {
		return nil
	}
	return append([]byte(nil), q...)
}

func fromSequence(rec *readsio.Record, seq *sequence.Sequence) *readsio.Record {
	out := &readsio.Record{ID: rec.ID, Seq: seq.Bases}
	if seq.HasQual() {
		out.Qual = seq.Quals
	}
	return out
}

// recordFixes folds a read's changed-mer count into the per-kind fix
// tally. correct.Result does not yet report which FixType applied at
// each changed position, so every change is attributed to Sub, the
// most common repair; a typed per-edit fix log in correct.Result would
// let this be exact.
func recordFixes(local *stats.Counters, res correct.Result) {
	for i := 0; i < res.ChangedMers; i++ {
		local.AddFix(stats.FixSub)
	}
}

func processPair(pair ReadPair, opts Opts, sinks Sinks, local *stats.Counters, props1, props2 *readprops.Properties) error {
	local.ReadsRead++
	seq1 := toSequence(pair.R1)
	outcome1, res1 := healOne(seq1, props1, opts)
	recordFixes(local, res1)
	traceOutcome(opts.Trace, pair.R1.ID, outcome1, res1)

	if pair.R2 == nil {
		return emitSingle(pair.R1, seq1, outcome1, res1, sinks, local)
	}

	local.ReadsRead++
	seq2 := toSequence(pair.R2)
	outcome2, res2 := healOne(seq2, props2, opts)
	recordFixes(local, res2)
	traceOutcome(opts.Trace, pair.R2.ID, outcome2, res2)

	good1 := outcome1 == outOK || outcome1 == outCorrected
	good2 := outcome2 == outOK || outcome2 == outCorrected
	switch {
	case good1 && good2:
		bumpOutcome(local, outcome1, res1)
		bumpOutcome(local, outcome2, res2)
		if err := sinks.Main.write(fromSequence(pair.R1, seq1)); err != nil {
			return err
		}
		return sinks.Main.write(fromSequence(pair.R2, seq2))
	case good1:
		bumpOutcome(local, outcome1, res1)
		bumpOutcome(local, outcome2, res2)
		if err := sinks.Singles.write(fromSequence(pair.R1, seq1)); err != nil {
			return err
		}
		return writeProblem(sinks, local, pair.R2, seq2)
	case good2:
		bumpOutcome(local, outcome1, res1)
		bumpOutcome(local, outcome2, res2)
		if err := sinks.Singles.write(fromSequence(pair.R2, seq2)); err != nil {
			return err
		}
		return writeProblem(sinks, local, pair.R1, seq1)
	default:
		bumpOutcome(local, outcome1, res1)
		bumpOutcome(local, outcome2, res2)
		if err := writeProblem(sinks, local, pair.R1, seq1); err != nil {
			return err
		}
		return writeProblem(sinks, local, pair.R2, seq2)
	}
}

func emitSingle(rec *readsio.Record, seq *sequence.Sequence, o outcome, res correct.Result, sinks Sinks, local *stats.Counters) error {
	bumpOutcome(local, o, res)
	if o == outOK || o == outCorrected {
		return sinks.Main.write(fromSequence(rec, seq))
	}
	return writeProblem(sinks, local, rec, seq)
}

func writeProblem(sinks Sinks, local *stats.Counters, rec *readsio.Record, seq *sequence.Sequence) error {
	if sinks.Problems == nil {
		return nil
	}
	return sinks.Problems.write(fromSequence(rec, seq))
}

func bumpOutcome(local *stats.Counters, o outcome, res correct.Result) {
	switch o {
	case outOK:
		local.OKReadsWritten++
	case outCorrected:
		local.CorrectedReadsWritten++
	case outDiscardedBroken:
		local.DiscardedBroken++
		local.BrokenReadsFound++
	case outShort:
		local.ShortReadsFound++
	case outDiscardedOK:
		local.DiscardedOK++
	}
	if res.Abandoned {
		switch res.Reason {
		case correct.TooManyNs:
			local.AbandonedTooManyNs++
		case correct.Rewriting:
			local.AbandonedRewriting++
		case correct.TreeSize:
			local.AbandonedTreeSize++
		}
	}
	if res.ReversePassed {
		local.HealedRCPass++
	}
}

func traceOutcome(w *trace.Writer, id string, o outcome, res correct.Result) {
	if w == nil {
		return
	}
	w.Changes(id, res.ChangedMers, outcomeName(o), res.Abandoned, res.Reason)
}

func outcomeName(o outcome) string {
	switch o {
	case outOK:
		return "ok"
	case outCorrected:
		return "corrected"
	case outDiscardedBroken:
		return "discardedBroken"
	case outShort:
		return "short"
	case outDiscardedOK:
		return "discardedOK"
	default:
		return "unknown"
	}
}

