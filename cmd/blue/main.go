// Command blue corrects Illumina short reads against a pre-built
// k-mer depth table (and, optionally, a k-mer-pair table), per
// spec.md. It is the CLI entry point wiring internal/readsio,
// internal/depthtable, internal/pairtable, internal/readprops,
// internal/correct, internal/orchestrator, internal/stats and
// internal/trace together, modeled on cmd/bio-fusion/main.go's flag
// parsing and grail.Init() process setup.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/grailbio/blue/internal/correct"
	"github.com/grailbio/blue/internal/depthtable"
	"github.com/grailbio/blue/internal/orchestrator"
	"github.com/grailbio/blue/internal/pairtable"
	"github.com/grailbio/blue/internal/readprops"
	"github.com/grailbio/blue/internal/readsio"
	"github.com/grailbio/blue/internal/stats"
	"github.com/grailbio/blue/internal/trace"
)

// defaultMaxPerPartition bounds the expected distinct-key count handed
// to each depth/pair table partition; it is a memory/locality knob, not
// a correctness one (spec.md §4.2).
const defaultMaxPerPartition = 1 << 20

// opts collects every flag from spec.md §6, styled like fusion.Opts /
// fusion.DefaultOpts (SPEC_FULL.md §4.10.3).
type opts struct {
	kmerTableFile string
	pairTableFile string
	readsPatterns []string

	minReps       int
	runName       string
	format        string
	threads       int
	trimLen       int
	fixedLength   bool
	fixedPadded   bool
	variable      bool
	goodPct       int
	extend        int
	paired        bool
	unpaired      bool
	hp            bool
	subsOnly      bool
	amplicons     bool
	maxDepth      int
	balanceFactor int
	minQual       int
	saveProblems  bool
	statsFile     string
	outDir        string
	traceAll      bool
	traceChanges  bool
	traceChoices  bool
	compressTrace bool
}

func defaultOpts() opts {
	return opts{
		runName:       "corrected",
		threads:       runtime.NumCPU(),
		goodPct:       50,
		paired:        true,
		maxDepth:      1 << 20,
		balanceFactor: 10,
		minQual:       0,
	}
}

func (o *opts) bindFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.pairTableFile, "p", "", "optional k-mer-pair table file")
	fs.IntVar(&o.minReps, "m", 0, "minimum k-mer depth to load from the table (required)")
	fs.StringVar(&o.runName, "r", o.runName, "run name, folded into output file names")
	fs.StringVar(&o.format, "f", "", "reads format: fasta or fastq (default: auto-detect)")
	fs.IntVar(&o.threads, "t", o.threads, "number of correction worker threads")
	fs.IntVar(&o.trimLen, "l", 0, "target length that -fixed/-fixedPadded extend corrected reads toward (0: none)")
	fs.BoolVar(&o.fixedLength, "fixed", false, "extend corrected reads toward -l bases; reads are not trimmed or discarded to fit -l")
	fs.BoolVar(&o.variable, "variable", false, "allow variable-length output (default)")
	fs.BoolVar(&o.fixedPadded, "fixedPadded", false, "extend corrected reads toward -l bases; short reads are not padded with N")
	fs.IntVar(&o.goodPct, "good", o.goodPct, "minimum accepted length as a percentage of input length")
	fs.IntVar(&o.extend, "extend", 0, "extend corrected reads by up to this many bases")
	fs.BoolVar(&o.paired, "paired", o.paired, "treat reads files as R1/R2 pairs (default)")
	fs.BoolVar(&o.unpaired, "unpaired", false, "treat every reads file as unpaired single-end reads")
	fs.BoolVar(&o.hp, "hp", false, "use the indel-heavy (homopolymer) error model")
	fs.BoolVar(&o.subsOnly, "subsonly", false, "restrict repairs to substitutions only")
	fs.BoolVar(&o.amplicons, "amplicons", false, "widen the rewrite-budget window for amplicon pools")
	fs.IntVar(&o.maxDepth, "max", o.maxDepth, "reads whose OK-depth threshold exceeds this are classified too-deep")
	fs.IntVar(&o.balanceFactor, "b", o.balanceFactor, "forward/reverse strand balance factor")
	fs.IntVar(&o.minQual, "mq", 0, "minimum base quality considered trustworthy")
	fs.BoolVar(&o.saveProblems, "problems", false, "save unhealable reads to a _problems output instead of dropping them")
	fs.StringVar(&o.statsFile, "s", "", "stats output file (default: <outDir>/<runName>.stats.txt)")
	fs.StringVar(&o.outDir, "o", "", "output directory (default: alongside each input file)")
	fs.BoolVar(&o.traceAll, "trace", false, "write a full per-read decision trace")
	fs.BoolVar(&o.traceChanges, "tracechanges", false, "trace only reads whose correction changed or was abandoned")
	fs.BoolVar(&o.traceChoices, "tracechoices", false, "select repair-search choice lines (the corrector emits none, so this adds no lines)")
	fs.BoolVar(&o.compressTrace, "tracezstd", false, "zstd-compress the trace file (appends .zst to its name)")
}

func (o *opts) traceMode() trace.Mode {
	var m trace.Mode
	if o.traceAll {
		m |= trace.All
	}
	if o.traceChanges {
		m |= trace.Changes
	}
	if o.traceChoices {
		m |= trace.Choices
	}
	return m
}

func usage() {
	fmt.Fprintln(os.Stderr, `blue corrects short reads against a k-mer depth table.

Usage:
  blue [flags] <kmerTableFile> <readsPattern...>

-m is required; every other flag has a default suitable for paired
Illumina reads. See spec.md §6 for the full flag reference.`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	o := defaultOpts()
	o.bindFlags(flag.CommandLine)

	cleanup := grail.Init()
	defer cleanup()
	ctx := vcontext.Background()

	if flag.NArg() < 2 {
		log.Fatal("usage: blue [flags] <kmerTableFile> <readsPattern...>")
	}
	if o.minReps <= 0 {
		log.Fatal("-m <minReps> is required")
	}
	o.kmerTableFile = flag.Arg(0)
	o.readsPatterns = flag.Args()[1:]
	if o.unpaired {
		o.paired = false
	}

	if err := run(ctx, o); err != nil {
		log.Fatalf("blue: %v", err)
	}
}

// run loads the tables, resolves inputs, and drives one correction
// pass per input file (or file pair).
func run(ctx context.Context, o opts) error {
	depths, pairs, err := loadTables(ctx, o)
	if err != nil {
		return err
	}

	files, err := expandPatterns(o.readsPatterns)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.Errorf("no reads files matched %v", o.readsPatterns)
	}

	cfg := readprops.Config{
		Depths:        depths,
		Pairs:         pairs,
		RequestedMin:  uint32(o.minReps),
		MaxDepth:      uint32(o.maxDepth),
		BalanceFactor: uint32(o.balanceFactor),
	}
	tuning := correct.DefaultTuning()
	if o.hp {
		// The indel-heavy error model biases the search toward
		// Del/Ins variants by tolerating a longer consecutive-gap
		// search (spec.md §4.1's InsVaryLast maxGap); subsOnly, which
		// disables indel variants outright, is mutually exclusive in
		// intent though not enforced by flag parsing.
		tuning.MaxGap = 8
	}
	readOpts := correct.Options{
		Amplicon: o.amplicons,
		ExtendTo: extendTarget(o),
		SubsOnly: o.subsOnly,
		MinQual:  o.minQual,
	}

	total := &stats.Counters{}
	var groups [][]string
	if o.paired {
		groups, err = pairFiles(files)
		if err != nil {
			return err
		}
	} else {
		for _, f := range files {
			groups = append(groups, []string{f})
		}
	}

	for _, group := range groups {
		if err := processGroup(ctx, o, group, cfg, tuning, readOpts, total); err != nil {
			return err
		}
	}

	return writeStats(ctx, o, total)
}

func extendTarget(o opts) int {
	if o.extend > 0 {
		return o.extend
	}
	if o.fixedLength || o.fixedPadded {
		return o.trimLen
	}
	return 0
}

func loadTables(ctx context.Context, o opts) (*depthtable.Table, *pairtable.Table, error) {
	df, err := file.Open(ctx, o.kmerTableFile)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %s", o.kmerTableFile)
	}
	defer func() { _ = df.Close(ctx) }()
	depths, err := depthtable.Load(df.Reader(ctx), uint32(o.minReps), uint32(o.balanceFactor), defaultMaxPerPartition)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "load %s", o.kmerTableFile)
	}

	var pairs *pairtable.Table
	if o.pairTableFile != "" {
		pf, err := file.Open(ctx, o.pairTableFile)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "open %s", o.pairTableFile)
		}
		defer func() { _ = pf.Close(ctx) }()
		pairs, err = pairtable.Load(pf.Reader(ctx), depths.TotalDistinctMers(), defaultMaxPerPartition)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "load %s", o.pairTableFile)
		}
	}
	return depths, pairs, nil
}

// expandPatterns glob-expands every positional reads pattern against
// the local filesystem and returns the sorted, deduplicated union.
// Unlike the table and reads opens (which go through file.Open and so
// accept any github.com/grailbio/base/file-registered scheme), globbing
// is local-only: there is no portable remote-glob primitive in that
// package, so remote callers are expected to pre-expand their own
// patterns before invoking blue.
func expandPatterns(patterns []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, pat := range patterns {
		matches, err := filepath.Glob(pat)
		if err != nil {
			return nil, errors.Wrapf(err, "bad pattern %s", pat)
		}
		if matches == nil {
			matches = []string{pat}
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// pairFiles groups a sorted file list into R1/R2 pairs. It prefers
// matching siblings whose names differ only by an R1/R2 (or _1/_2)
// marker; any file without a matching sibling is left unpaired, the
// way the corrector treats an orphaned mate (spec.md §4.9, "Singles").
func pairFiles(files []string) ([][]string, error) {
	used := map[string]bool{}
	byR1 := map[string]string{}
	for _, f := range files {
		if r2, ok := mateOf(f); ok {
			byR1[f] = r2
		}
	}
	var groups [][]string
	for _, f := range files {
		if used[f] {
			continue
		}
		if r2, ok := byR1[f]; ok && !used[r2] && contains(files, r2) {
			groups = append(groups, []string{f, r2})
			used[f] = true
			used[r2] = true
			continue
		}
	}
	for _, f := range files {
		if !used[f] {
			groups = append(groups, []string{f})
			used[f] = true
		}
	}
	return groups, nil
}

func contains(files []string, target string) bool {
	for _, f := range files {
		if f == target {
			return true
		}
	}
	return false
}

// mateOf derives the expected R2 path for an R1 path by substituting
// the first recognized R1 marker with its R2 counterpart.
func mateOf(r1 string) (string, bool) {
	markers := [][2]string{
		{"_R1_", "_R2_"},
		{"_R1.", "_R2."},
		{"_1.", "_2."},
		{".R1.", ".R2."},
	}
	for _, mk := range markers {
		if strings.Contains(r1, mk[0]) {
			return strings.Replace(r1, mk[0], mk[1], 1), true
		}
	}
	return "", false
}

// processGroup runs one correction pass over a single file or an R1/R2
// pair, writing the main/singles/problems/trace outputs alongside (or
// under -o) per spec.md §6's naming convention.
func processGroup(ctx context.Context, o opts, group []string, cfg readprops.Config, tuning correct.Tuning, readOpts correct.Options, total *stats.Counters) error {
	var src orchestrator.Source
	var err error
	if len(group) == 2 {
		src.R1, src.R2, err = readsio.OpenPair(ctx, group[0], group[1])
	} else {
		src.R1, err = readsio.Open(ctx, group[0], "")
	}
	if err != nil {
		return err
	}

	outExt := outputExt(o, group[0])
	mainW, mainClose, err := openOutput(ctx, o, group[0], o.runName, outExt)
	if err != nil {
		return err
	}
	defer mainClose()

	var singlesW readsio.Writer
	var singlesClose func()
	var problemsW readsio.Writer
	var problemsClose func()
	if len(group) == 2 {
		singlesW, singlesClose, err = openOutput(ctx, o, group[0], o.runName+"_singles", outExt)
		if err != nil {
			return err
		}
		defer singlesClose()
	}
	if o.saveProblems {
		problemsW, problemsClose, err = openOutput(ctx, o, group[0], o.runName+"_problems", outExt)
		if err != nil {
			return err
		}
		defer problemsClose()
	}

	var tr *trace.Writer
	if mode := o.traceMode(); mode != 0 {
		traceExt := ".trace"
		if o.compressTrace {
			traceExt = ".trace.zst"
		}
		tw, closeTrace, err := createAux(ctx, o, group[0], o.runName, traceExt)
		if err != nil {
			return err
		}
		defer closeTrace()
		if o.compressTrace {
			zw, err := zstd.NewWriter(tw)
			if err != nil {
				return errors.Wrap(err, "create zstd trace writer")
			}
			defer func() { _ = zw.Close() }()
			tw = zw
		}
		tr = trace.New(tw, mode)
		defer func() { _ = tr.Flush() }()
	}

	runOpts := orchestrator.Opts{
		Threads:  o.threads,
		K:        cfg.Depths.MerSize(),
		Cfg:      cfg,
		Tuning:   tuning,
		ReadOpts: readOpts,
		Trace:    tr,
	}
	sinks := orchestrator.Sinks{
		Main:     orchestrator.NewSink(mainW),
		Singles:  orchestrator.NewSink(singlesW),
		Problems: orchestrator.NewSink(problemsW),
	}
	log.Printf("blue: correcting %v (threads=%d, k=%d)", group, o.threads, runOpts.K)
	if err := orchestrator.Run(&src, runOpts, sinks, total); err != nil {
		return err
	}
	log.Printf("blue: finished %v", group)
	return nil
}

// outputExt picks the on-wire format for corrected output: an explicit
// -f flag wins, otherwise the input file's own extension is kept.
func outputExt(o opts, inputPath string) string {
	switch strings.ToLower(o.format) {
	case "fasta":
		return ".fa"
	case "fastq":
		return ".fastq"
	}
	ext := strings.ToLower(filepath.Ext(inputPath))
	switch ext {
	case ".fa", ".fasta":
		return ".fa"
	case ".fq", ".fastq":
		return ".fastq"
	case ".gz":
		return outputExt(o, strings.TrimSuffix(inputPath, ext))
	default:
		return ".fastq"
	}
}

// outputPath builds <stem>_<tag><ext> alongside inputPath, or under
// -o if set, per spec.md §6.
func outputPath(o opts, inputPath, tag, ext string) string {
	base := filepath.Base(inputPath)
	for _, suf := range []string{".gz", ".fastq", ".fq", ".fasta", ".fa"} {
		base = strings.TrimSuffix(base, suf)
	}
	name := fmt.Sprintf("%s_%s%s", base, tag, ext)
	if o.outDir != "" {
		return filepath.Join(o.outDir, name)
	}
	return filepath.Join(filepath.Dir(inputPath), name)
}

func openOutput(ctx context.Context, o opts, inputPath, tag, ext string) (readsio.Writer, func(), error) {
	path := outputPath(o, inputPath, tag, ext)
	f, err := file.Create(ctx, path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "create %s", path)
	}
	w := f.Writer(ctx)
	closeFn := func() {
		if err := f.Close(ctx); err != nil {
			log.Error.Printf("close %s: %v", path, err)
		}
	}
	if ext == ".fastq" {
		return readsio.NewFASTQWriter(w, 33), closeFn, nil
	}
	return readsio.NewFASTAWriter(w, nil), closeFn, nil
}

// createAux opens a plain auxiliary output (the trace log) alongside
// inputPath through file.Create, the same as every other output this
// command writes (SPEC_FULL.md §4.11).
func createAux(ctx context.Context, o opts, inputPath, tag, ext string) (io.Writer, func(), error) {
	path := outputPath(o, inputPath, tag, ext)
	f, err := file.Create(ctx, path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "create %s", path)
	}
	return f.Writer(ctx), func() {
		if err := f.Close(ctx); err != nil {
			log.Error.Printf("close %s: %v", path, err)
		}
	}, nil
}

func writeStats(ctx context.Context, o opts, total *stats.Counters) error {
	path := o.statsFile
	if path == "" {
		dir := o.outDir
		if dir == "" {
			dir = "."
		}
		path = filepath.Join(dir, o.runName+".stats.txt")
	}
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer func() { _ = f.Close(ctx) }()
	if _, err := f.Writer(ctx).Write([]byte(stats.Report(total))); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	if !total.Conserved() {
		log.Error.Printf("blue: stats conservation invariant violated: %s", stats.Report(total))
	}
	return nil
}
